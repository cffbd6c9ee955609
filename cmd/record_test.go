package cmd

import "testing"

func TestRecordLabelDefaultsToTimestamp(t *testing.T) {
	label := recordLabel(nil)
	if len(label) != len("20060102T150405Z") {
		t.Fatalf("expected a sortable UTC timestamp label, got %q", label)
	}
}

func TestRecordLabelUsesGivenArg(t *testing.T) {
	label := recordLabel([]string{"nightly"})
	if label != "nightly" {
		t.Fatalf("recordLabel = %q, want %q", label, "nightly")
	}
}
