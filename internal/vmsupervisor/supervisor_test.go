package vmsupervisor

import (
	"reflect"
	"testing"
)

func TestSSHArgvWithUser(t *testing.T) {
	got := sshArgv("vm-0", "root", []string{"./check", "generic/001"})
	want := []string{"ssh", "-o", "StrictHostKeyChecking=no", "root@vm-0", "./check", "generic/001"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSSHArgvWithoutUser(t *testing.T) {
	got := sshArgv("vm-0", "", []string{"true"})
	want := []string{"ssh", "-o", "StrictHostKeyChecking=no", "vm-0", "true"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestVMNameAndIDStableAcrossSlot(t *testing.T) {
	s := New(3, VMConfig{}, NewNetworkPool(mustCIDR(t, "10.224.0.0/24")), "abc123")
	if s.ID() != "vm-3" {
		t.Fatalf("expected ID vm-3, got %s", s.ID())
	}
	if s.vmName() != "fast-fstests-abc123-vm-3" {
		t.Fatalf("unexpected vm name: %s", s.vmName())
	}
}
