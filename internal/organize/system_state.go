package organize

import (
	"bytes"
	"net/netip"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/pkg/crypto"
)

// SystemState is the part of the host's network configuration the state
// machine reasons about. It is produced by the system layer and replaced
// whole by NewSystemState.
type SystemState struct {
	// CurrentSubnets maps a local prefix to our addresses inside it.
	CurrentSubnets map[string][]netip.Addr `yaml:"current_subnets" json:"current_subnets"`
	// CurrentInterfaces maps an interface name to its addresses.
	CurrentInterfaces map[string][]netip.Addr `yaml:"current_interfaces" json:"current_interfaces"`
	Gateways          []netip.Addr            `yaml:"gateways" json:"gateways"`
	HasV6             bool                    `yaml:"has_v6" json:"has_v6"`
	OurWGPublicKey    crypto.Key              `yaml:"our_wg_pk" json:"our_wg_pk"`
}

// DefaultSystemState is the topology before the first reading.
func DefaultSystemState() SystemState {
	return SystemState{
		CurrentSubnets:    map[string][]netip.Addr{},
		CurrentInterfaces: map[string][]netip.Addr{},
		Gateways:          []netip.Addr{},
		HasV6:             true,
	}
}

// Clone returns a deep copy.
func (s SystemState) Clone() SystemState {
	c := s
	c.CurrentSubnets = cloneAddrMap(s.CurrentSubnets)
	c.CurrentInterfaces = cloneAddrMap(s.CurrentInterfaces)
	c.Gateways = append([]netip.Addr{}, s.Gateways...)
	return c
}

func cloneAddrMap(m map[string][]netip.Addr) map[string][]netip.Addr {
	out := make(map[string][]netip.Addr, len(m))
	for k, v := range m {
		out[k] = append([]netip.Addr{}, v...)
	}
	return out
}

// Equal compares the canonical encodings, so nil and empty collections
// are the same.
func (s SystemState) Equal(o SystemState) bool {
	a, errA := yaml.Marshal(s.normalized())
	b, errB := yaml.Marshal(o.normalized())
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (s SystemState) normalized() SystemState {
	c := s.Clone()
	for _, m := range []map[string][]netip.Addr{c.CurrentSubnets, c.CurrentInterfaces} {
		for k, v := range m {
			if len(v) == 0 {
				m[k] = []netip.Addr{}
			}
		}
	}
	return c
}

// Subnets returns every current subnet, sorted.
func (s SystemState) Subnets() []netip.Prefix {
	var out []netip.Prefix
	for k := range s.CurrentSubnets {
		if p, err := netip.ParsePrefix(k); err == nil {
			out = append(out, p.Masked())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SubnetsNoOverlay is Subnets without vula's own overlay prefix.
func (s SystemState) SubnetsNoOverlay() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range s.Subnets() {
		if p != peer.OverlaySubnet {
			out = append(out, p)
		}
	}
	return out
}

// CurrentIPs lists our addresses across all subnets, in subnet order.
func (s SystemState) CurrentIPs() []netip.Addr {
	var out []netip.Addr
	for _, p := range s.Subnets() {
		out = append(out, s.CurrentSubnets[p.String()]...)
	}
	return out
}

// IsLocal reports whether ip is inside a current non-overlay subnet.
func (s SystemState) IsLocal(ip netip.Addr) bool {
	for _, p := range s.SubnetsNoOverlay() {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// IsGateway reports whether ip is one of the default gateways.
func (s SystemState) IsGateway(ip netip.Addr) bool {
	for _, g := range s.Gateways {
		if g == ip {
			return true
		}
	}
	return false
}
