package peer

import (
	"fmt"
	"net/netip"
	"sort"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// Which selects peers by their enabled flag.
type Which string

const (
	WhichAll      Which = "all"
	WhichEnabled  Which = "enabled"
	WhichDisabled Which = "disabled"
)

// ParseWhich accepts "", all, enabled or disabled. Empty means enabled.
func ParseWhich(s string) (Which, error) {
	switch Which(s) {
	case "":
		return WhichEnabled, nil
	case WhichAll, WhichEnabled, WhichDisabled:
		return Which(s), nil
	}
	return "", vulaerrors.NewPeerError(vulaerrors.ErrCodeValidation,
		fmt.Sprintf("invalid selector %q: must be all, enabled or disabled", s), false, nil)
}

// Peers is the peer set, keyed by ID. Iterating helpers return peers in
// ID order so that decisions never depend on map order.
type Peers map[string]*Peer

// Clone deep-copies every peer.
func (ps Peers) Clone() Peers {
	out := make(Peers, len(ps))
	for id, p := range ps {
		out[id] = p.Clone()
	}
	return out
}

// SortedIDs returns every ID in ascending order.
func (ps Peers) SortedIDs() []string {
	ids := make([]string, 0, len(ps))
	for id := range ps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sorted returns the peers in ID order.
func (ps Peers) Sorted() []*Peer {
	out := make([]*Peer, 0, len(ps))
	for _, id := range ps.SortedIDs() {
		out = append(out, ps[id])
	}
	return out
}

// Limit returns the peers whose enabled flag matches.
func (ps Peers) Limit(enabled bool) Peers {
	out := make(Peers)
	for id, p := range ps {
		if p.Enabled == enabled {
			out[id] = p
		}
	}
	return out
}

// IDs lists peer IDs in order, filtered by which.
func (ps Peers) IDs(which Which) []string {
	switch which {
	case WhichEnabled:
		return ps.Limit(true).SortedIDs()
	case WhichDisabled:
		return ps.Limit(false).SortedIDs()
	}
	return ps.SortedIDs()
}

// WithID returns the peer with the given ID.
func (ps Peers) WithID(id string) (*Peer, error) {
	if p, ok := ps[id]; ok {
		return p, nil
	}
	return nil, notFound("no peer with id "+id, "peer_id", id)
}

// WithHostname returns the enabled peer that has name among its enabled
// names.
func (ps Peers) WithHostname(name string) (*Peer, error) {
	var found []*Peer
	for _, p := range ps.Limit(true).Sorted() {
		for _, n := range p.EnabledNames() {
			if n == name {
				found = append(found, p)
				break
			}
		}
	}
	switch len(found) {
	case 0:
		return nil, notFound(fmt.Sprintf("hostname %q not found", name), "hostname", name)
	case 1:
		return found[0], nil
	}
	return nil, vulaerrors.NewPeerError(vulaerrors.ErrCodePeerConflict,
		fmt.Sprintf("multiple peers with hostname %q", name), false, nil).WithMetadata("hostname", name)
}

// WithIP returns the enabled peer that has ip among its enabled addresses.
func (ps Peers) WithIP(ip netip.Addr) (*Peer, error) {
	var found []*Peer
	for _, p := range ps.Limit(true).Sorted() {
		if p.HasEnabledIP(ip) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return nil, notFound(fmt.Sprintf("no peer with IP %s", ip), "ip", ip.String())
	case 1:
		return found[0], nil
	}
	return nil, vulaerrors.NewPeerError(vulaerrors.ErrCodePeerConflict,
		fmt.Sprintf("multiple peers with IP %s", ip), false, nil).WithMetadata("ip", ip.String())
}

// Query finds a peer by ID, then by enabled name, then by enabled IP. It
// returns nil when nothing matches.
func (ps Peers) Query(q string) *Peer {
	if p, ok := ps[q]; ok {
		return p
	}
	if p, err := ps.WithHostname(q); err == nil {
		return p
	}
	if ip, err := netip.ParseAddr(q); err == nil {
		if p, err := ps.WithIP(ip); err == nil {
			return p
		}
	}
	return nil
}

// Gateways returns the enabled peers flagged as gateway, in ID order.
func (ps Peers) Gateways() []*Peer {
	var out []*Peer
	for _, p := range ps.Sorted() {
		if p.Enabled && p.UseAsGateway {
			out = append(out, p)
		}
	}
	return out
}

// Gateway returns the current gateway peer, or nil.
func (ps Peers) Gateway() *Peer {
	if gws := ps.Gateways(); len(gws) > 0 {
		return gws[0]
	}
	return nil
}

func notFound(msg, key, value string) error {
	return vulaerrors.NewPeerError(vulaerrors.ErrCodePeerNotFound, msg, false, nil).WithMetadata(key, value)
}
