package peer

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

var (
	// ULASubnet is the IPv6 unique local range primary addresses must use.
	ULASubnet = netip.MustParsePrefix("fc00::/7")
	// OverlaySubnet holds the addresses vula assigns itself.
	OverlaySubnet = netip.MustParsePrefix("fdff:ffff:ffdf::/48")
	// LinkLocalV6 is fe80::/10.
	LinkLocalV6 = netip.MustParsePrefix("fe80::/10")

	defaultRouteV4 = netip.MustParsePrefix("0.0.0.0/0")
	defaultRouteV6 = netip.MustParsePrefix("::/0")
)

// Unnamed is shown for a peer without any enabled name.
const Unnamed = "<unnamed>"

// Peer is the local view of one identity. Address maps are keyed by the
// address string; a false value means the address is known but disabled.
type Peer struct {
	Descriptor   *Descriptor     `yaml:"descriptor" json:"descriptor"`
	Petname      string          `yaml:"petname" json:"petname"`
	Nicknames    map[string]bool `yaml:"nicknames" json:"nicknames"`
	EnabledIPv4  map[string]bool `yaml:"enabled_ipv4" json:"enabled_ipv4"`
	EnabledIPv6  map[string]bool `yaml:"enabled_ipv6" json:"enabled_ipv6"`
	Enabled      bool            `yaml:"enabled" json:"enabled"`
	Verified     bool            `yaml:"verified" json:"verified"`
	Pinned       bool            `yaml:"pinned" json:"pinned"`
	UseAsGateway bool            `yaml:"use_as_gateway" json:"use_as_gateway"`
}

// ID is the base64 verify key.
func (p *Peer) ID() string {
	return p.Descriptor.ID()
}

// Clone returns a deep copy.
func (p *Peer) Clone() *Peer {
	c := *p
	c.Descriptor = p.Descriptor.Clone()
	c.Nicknames = cloneFlags(p.Nicknames)
	c.EnabledIPv4 = cloneFlags(p.EnabledIPv4)
	c.EnabledIPv6 = cloneFlags(p.EnabledIPv6)
	return &c
}

func cloneFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Name is the best display name: the petname, else the latest announced
// hostname if it is still enabled, else another enabled name.
func (p *Peer) Name() string {
	if p.Petname != "" {
		return p.Petname
	}
	if p.Nicknames[p.Descriptor.Hostname] {
		return p.Descriptor.Hostname
	}
	if names := p.EnabledNames(); len(names) > 0 {
		return names[0]
	}
	return Unnamed
}

// NameAndID is used in log lines and error messages.
func (p *Peer) NameAndID() string {
	return fmt.Sprintf("%s (%s)", p.Name(), p.ID())
}

// EnabledNames is the sorted set of the petname and every enabled nickname.
func (p *Peer) EnabledNames() []string {
	set := make(map[string]struct{}, len(p.Nicknames)+1)
	if p.Petname != "" {
		set[p.Petname] = struct{}{}
	}
	for n, on := range p.Nicknames {
		if on {
			set[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// OtherNames is every enabled name except Name().
func (p *Peer) OtherNames() []string {
	name := p.Name()
	var out []string
	for _, n := range p.EnabledNames() {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// PrimaryIP is the descriptor's primary address; it may be invalid.
func (p *Peer) PrimaryIP() netip.Addr {
	return p.Descriptor.Primary
}

// EnabledIPs lists the primary address, then the enabled IPv6 addresses,
// then the enabled IPv4 addresses, without duplicates.
func (p *Peer) EnabledIPs() []netip.Addr {
	var out []netip.Addr
	seen := make(map[netip.Addr]bool)
	add := func(a netip.Addr) {
		if a.IsValid() && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	add(p.PrimaryIP())
	for _, a := range flagged(p.EnabledIPv6, true) {
		add(a)
	}
	for _, a := range flagged(p.EnabledIPv4, true) {
		add(a)
	}
	return out
}

// EnabledIPStrings is EnabledIPs rendered as strings.
func (p *Peer) EnabledIPStrings() []string {
	ips := p.EnabledIPs()
	out := make([]string, len(ips))
	for i, a := range ips {
		out[i] = a.String()
	}
	return out
}

// DisabledIPs lists known but disabled addresses, IPv6 first.
func (p *Peer) DisabledIPs() []netip.Addr {
	return append(flagged(p.EnabledIPv6, false), flagged(p.EnabledIPv4, false)...)
}

// HasEnabledIP reports whether ip is one of EnabledIPs.
func (p *Peer) HasEnabledIP(ip netip.Addr) bool {
	for _, a := range p.EnabledIPs() {
		if a == ip {
			return true
		}
	}
	return false
}

// RoutableIPs excludes IPv6 link-local addresses, which are reached over
// the interface rather than a route.
func (p *Peer) RoutableIPs() []netip.Addr {
	var out []netip.Addr
	for _, a := range p.EnabledIPs() {
		if a.Is6() && LinkLocalV6.Contains(a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Routes are host routes for every routable address.
func (p *Peer) Routes() []netip.Prefix {
	ips := p.RoutableIPs()
	out := make([]netip.Prefix, len(ips))
	for i, a := range ips {
		out[i] = netip.PrefixFrom(a, a.BitLen())
	}
	return out
}

// AllowedIPs is the WireGuard allowed-ips list, including the default
// routes when the peer is the gateway.
func (p *Peer) AllowedIPs() []string {
	routes := p.Routes()
	if p.UseAsGateway {
		routes = append(routes, defaultRouteV4, defaultRouteV6)
	}
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.String()
	}
	return out
}

// EndpointAddr is the address WireGuard should send to: the first enabled
// address outside the overlay, preferring IPv6 link-local.
func (p *Peer) EndpointAddr() netip.Addr {
	var candidates []netip.Addr
	for _, a := range p.EnabledIPs() {
		if !OverlaySubnet.Contains(a) {
			candidates = append(candidates, a)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return isLinkLocal(candidates[i]) && !isLinkLocal(candidates[j])
	})
	if len(candidates) == 0 {
		return netip.IPv4Unspecified()
	}
	return candidates[0]
}

// Endpoint is host:port for display.
func (p *Peer) Endpoint() string {
	return netip.AddrPortFrom(p.EndpointAddr(), p.Descriptor.Port).String()
}

// Show renders the peer for the command line. stats may be nil.
func (p *Peer) Show(stats *Stats, now time.Time) string {
	status := []string{map[bool]string{true: "enabled", false: "disabled"}[p.Enabled]}
	status = append(status, map[bool]string{true: "pinned", false: "unpinned"}[p.Pinned])
	status = append(status, map[bool]string{true: "verified", false: "unverified"}[p.Verified])
	if p.UseAsGateway {
		status = append(status, "gateway")
	}

	lines := [][2]string{
		{"peer", p.Name()},
		{"id", p.ID()},
		{"other names", strings.Join(p.OtherNames(), ", ")},
		{"status", strings.Join(status, " ")},
		{"endpoint", p.Endpoint()},
		{"primary ip", addrString(p.PrimaryIP())},
		{"allowed ips", strings.Join(p.AllowedIPs(), ", ")},
		{"disabled ips", joinAddrs(p.DisabledIPs())},
		{"latest signature", (time.Duration(now.Unix()-p.Descriptor.ValidFrom) * time.Second).String() + " ago"},
		{"wg pubkey", p.Descriptor.WGPublicKey.String()},
	}
	if stats == nil {
		lines = append(lines[:2], append([][2]string{{"warning", "wireguard peer is not configured"}}, lines[2:]...)...)
	} else if !stats.Available {
		lines = append(lines, [2]string{"transfer", "counters unavailable"})
	} else {
		handshake := "none"
		if !stats.LatestHandshake.IsZero() {
			handshake = now.Sub(stats.LatestHandshake).Truncate(time.Second).String() + " ago"
		}
		lines = append(lines,
			[2]string{"latest handshake", handshake},
			[2]string{"transfer", fmt.Sprintf("%d received, %d sent", stats.RxBytes, stats.TxBytes)},
		)
	}

	var b strings.Builder
	for i, kv := range lines {
		if kv[1] == "" {
			continue
		}
		if i > 0 {
			b.WriteString("\n  ")
		}
		b.WriteString(kv[0] + ": " + kv[1])
	}
	return b.String()
}

// Stats is the per-peer transfer information the system layer reports.
// Available is false when the peer is configured but the layer has no
// counters to read; the other fields are then meaningless.
type Stats struct {
	Available       bool      `json:"available" yaml:"available"`
	LatestHandshake time.Time `json:"latest_handshake" yaml:"latest_handshake"`
	RxBytes         int64     `json:"rx_bytes" yaml:"rx_bytes"`
	TxBytes         int64     `json:"tx_bytes" yaml:"tx_bytes"`
}

func flagged(m map[string]bool, want bool) []netip.Addr {
	var out []netip.Addr
	for s, on := range m {
		if on != want {
			continue
		}
		if a, err := netip.ParseAddr(s); err == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func isLinkLocal(a netip.Addr) bool {
	return a.Is6() && LinkLocalV6.Contains(a)
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
