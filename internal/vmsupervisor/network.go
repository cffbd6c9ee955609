package vmsupervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	log "github.com/sirupsen/logrus"
)

// NetworkPool hands out one private libvirt network per Supervisor
// slot, exactly as the teacher's networkList does (cmd/network_list.go):
// a free-list checked first, then the next block of the same size as
// the base CIDR, found with go-cidr's NextSubnet.
type NetworkPool struct {
	mu       sync.Mutex
	current  *net.IPNet
	freeNets map[string]bool
}

// NewNetworkPool builds a pool whose first subnet is base itself; each
// later reservation takes the adjacent block with base's prefix length.
// Subnets are not carved from inside base.
func NewNetworkPool(base *net.IPNet) *NetworkPool {
	return &NetworkPool{current: base, freeNets: make(map[string]bool)}
}

// Reserve returns the next available subnet, reusing a freed one before
// carving a new one off the pool's current cursor.
func (p *NetworkPool) Reserve() (*net.IPNet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, free := range p.freeNets {
		if free {
			p.freeNets[k] = false
			_, ipNet, err := net.ParseCIDR(k)
			if err != nil {
				return nil, fmt.Errorf("vmsupervisor: reparse freed subnet %q: %w", k, err)
			}
			return ipNet, nil
		}
	}

	prefix, _ := p.current.Mask.Size()
	next, exceeded := cidr.NextSubnet(p.current, prefix)
	if exceeded {
		return nil, fmt.Errorf("vmsupervisor: network pool exhausted")
	}

	reserved := p.current
	p.freeNets[reserved.String()] = false
	p.current = next
	return reserved, nil
}

// Release returns ipNet to the pool's free list.
func (p *NetworkPool) Release(ipNet *net.IPNet) {
	if ipNet == nil {
		return
	}
	p.mu.Lock()
	p.freeNets[ipNet.String()] = true
	p.mu.Unlock()
}

// virterNetworkName is the per-slot libvirt network virter creates for
// a Supervisor's VM, mirroring the teacher's "vmshed-<n>-access" naming
// (cmd/schedule.go's accessNetworkAction).
func virterNetworkName(slot int) string {
	return fmt.Sprintf("fast-fstests-%d-access", slot)
}

func addNetwork(ctx context.Context, logger log.FieldLogger, name string, ipNet *net.IPNet) error {
	gateway := cidr.Inc(ipNet.IP)
	networkCIDR := net.IPNet{IP: gateway, Mask: ipNet.Mask}

	argv := []string{"virter", "network", "add", name,
		"--network-cidr", networkCIDR.String(), "--dhcp",
		"--forward-mode", "nat", "--domain", "test"}
	_, err := cmdStderrTerm(ctx, logger, exec.Command(argv[0], argv[1:]...))
	if err != nil {
		return fmt.Errorf("vmsupervisor: add network %s: %w", name, err)
	}
	return nil
}

func removeNetwork(ctx context.Context, logger log.FieldLogger, name string) error {
	argv := []string{"virter", "network", "rm", name}
	_, err := cmdStderrTerm(ctx, logger, exec.Command(argv[0], argv[1:]...))
	if err != nil {
		return fmt.Errorf("vmsupervisor: remove network %s: %w", name, err)
	}
	return nil
}
