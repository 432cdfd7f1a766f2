// Package prefs holds the user preferences consulted by the organize state
// machine.
package prefs

import (
	"fmt"
	"net/netip"
	"strings"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ULASubnet       = netip.MustParsePrefix("fc00::/7")
	LinkLocalSubnet = netip.MustParsePrefix("fe80::/10")
)

// Prefs is replaced as a whole value in the organize state; the engine
// edits it through the yaml field names.
type Prefs struct {
	PinNewPeers        bool           `yaml:"pin_new_peers" json:"pin_new_peers"`
	AutoRepair         bool           `yaml:"auto_repair" json:"auto_repair"`
	SubnetsAllowed     []netip.Prefix `yaml:"subnets_allowed" json:"subnets_allowed"`
	SubnetsForbidden   []netip.Prefix `yaml:"subnets_forbidden" json:"subnets_forbidden"`
	IfacePrefixAllowed []string       `yaml:"iface_prefix_allowed" json:"iface_prefix_allowed"`
	AcceptNonlocal     bool           `yaml:"accept_nonlocal" json:"accept_nonlocal"`
	LocalDomains       []string       `yaml:"local_domains" json:"local_domains"`
	EphemeralMode      bool           `yaml:"ephemeral_mode" json:"ephemeral_mode"`
	AcceptDefaultRoute bool           `yaml:"accept_default_route" json:"accept_default_route"`
	OverwriteUnpinned  bool           `yaml:"overwrite_unpinned" json:"overwrite_unpinned"`
	ExpireTime         int            `yaml:"expire_time" json:"expire_time"`
	RecordEvents       bool           `yaml:"record_events" json:"record_events"`
	PrimaryIP          netip.Addr     `yaml:"primary_ip" json:"primary_ip"`
	EnableIPv4         bool           `yaml:"enable_ipv4" json:"enable_ipv4"`
	EnableIPv6         bool           `yaml:"enable_ipv6" json:"enable_ipv6"`
}

// Default returns the preferences a fresh install starts with. IPv6 is on,
// so the link-local and unique local ranges are allowed as well.
func Default() Prefs {
	return Prefs{
		AutoRepair: true,
		SubnetsAllowed: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("192.168.0.0/16"),
			netip.MustParsePrefix("172.16.0.0/12"),
			netip.MustParsePrefix("169.254.0.0/16"),
			LinkLocalSubnet,
			ULASubnet,
		},
		SubnetsForbidden:   []netip.Prefix{},
		IfacePrefixAllowed: []string{"en", "eth", "wl", "thunderbolt"},
		LocalDomains:       []string{"local."},
		AcceptDefaultRoute: true,
		OverwriteUnpinned:  true,
		ExpireTime:         3600,
		EnableIPv4:         true,
		EnableIPv6:         true,
	}
}

// Clone returns a copy that shares no slices with p.
func (p Prefs) Clone() Prefs {
	c := p
	c.SubnetsAllowed = append([]netip.Prefix{}, p.SubnetsAllowed...)
	c.SubnetsForbidden = append([]netip.Prefix{}, p.SubnetsForbidden...)
	c.IfacePrefixAllowed = append([]string{}, p.IfacePrefixAllowed...)
	c.LocalDomains = append([]string{}, p.LocalDomains...)
	return c
}

// Validate checks the record on its own.
func (p Prefs) Validate() error {
	if len(p.LocalDomains) == 0 {
		return vulaerrors.NewPrefsError(vulaerrors.ErrCodePrefsValidation, "local_domains must not be empty", nil)
	}
	for _, d := range p.LocalDomains {
		if strings.TrimSpace(d) == "" {
			return vulaerrors.NewPrefsError(vulaerrors.ErrCodePrefsValidation, "local_domains contains an empty domain", nil)
		}
	}
	if p.ExpireTime < 0 {
		return vulaerrors.NewPrefsError(vulaerrors.ErrCodePrefsValidation,
			fmt.Sprintf("expire_time must not be negative, got %d", p.ExpireTime), nil)
	}
	for _, s := range append(append([]netip.Prefix{}, p.SubnetsAllowed...), p.SubnetsForbidden...) {
		if !s.IsValid() {
			return vulaerrors.NewPrefsError(vulaerrors.ErrCodeInvalidCIDR, "invalid subnet in preferences", nil)
		}
	}
	if p.PrimaryIP.IsValid() && !ULASubnet.Contains(p.PrimaryIP) {
		return vulaerrors.NewPrefsError(vulaerrors.ErrCodePrefsValidation,
			fmt.Sprintf("primary_ip %s is not in %s", p.PrimaryIP, ULASubnet), nil).
			WithMetadata("primary_ip", p.PrimaryIP.String())
	}
	return nil
}

// Allowed reports whether ip is inside an allowed subnet and outside every
// forbidden one. The zone of a scoped address is ignored.
func (p Prefs) Allowed(ip netip.Addr) bool {
	ip = ip.Unmap().WithZone("")
	for _, s := range p.SubnetsForbidden {
		if s.Contains(ip) {
			return false
		}
	}
	for _, s := range p.SubnetsAllowed {
		if s.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLocalName reports whether hostname ends with one of the local domains.
func (p Prefs) IsLocalName(hostname string) bool {
	for _, d := range p.LocalDomains {
		if strings.HasSuffix(hostname, d) {
			return true
		}
	}
	return false
}

// InterfaceAllowed reports whether ifname starts with an allowed prefix.
func (p Prefs) InterfaceAllowed(ifname string) bool {
	for _, prefix := range p.IfacePrefixAllowed {
		if strings.HasPrefix(ifname, prefix) {
			return true
		}
	}
	return false
}

// YAML renders the preferences for display.
func (p Prefs) YAML() string {
	b, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%+v", p)
	}
	return string(b)
}
