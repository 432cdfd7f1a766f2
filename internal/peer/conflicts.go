package peer

import (
	"sort"
)

// ConflictsForDescriptor returns the other enabled peers that claim one of
// d's identifiers: its hostname as an enabled name, its WireGuard key, or
// one of its addresses as an enabled address. The descriptor's own identity
// is never included. The result is sorted by ID.
func (ps Peers) ConflictsForDescriptor(d *Descriptor) []*Peer {
	hits := make(map[string]*Peer)
	id := d.ID()

	for _, p := range ps.Limit(true) {
		if p.ID() == id {
			continue
		}
		if conflictsWith(p, d) {
			hits[p.ID()] = p
		}
	}

	out := make([]*Peer, 0, len(hits))
	for _, p := range hits {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func conflictsWith(p *Peer, d *Descriptor) bool {
	for _, n := range p.EnabledNames() {
		if n == d.Hostname {
			return true
		}
	}
	if p.Descriptor.WGPublicKey == d.WGPublicKey {
		return true
	}
	for _, a := range d.AddrsV4 {
		if p.EnabledIPv4[a.String()] {
			return true
		}
	}
	for _, a := range d.AddrsV6 {
		if p.EnabledIPv6[a.String()] {
			return true
		}
	}
	return false
}

// Conflicts lists the IDs of enabled peers whose descriptor collides with
// another enabled peer, followed by every enabled gateway when more than
// one exists. An empty result means the set is consistent.
func (ps Peers) Conflicts() []string {
	var out []string
	for _, p := range ps.Limit(true).Sorted() {
		if len(ps.ConflictsForDescriptor(p.Descriptor)) > 0 {
			out = append(out, p.ID())
		}
	}
	if gws := ps.Gateways(); len(gws) > 1 {
		for _, p := range gws {
			out = append(out, p.ID())
		}
	}
	return out
}
