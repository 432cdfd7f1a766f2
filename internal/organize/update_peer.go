package organize

import (
	"maps"
	"net/netip"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// updatePeer re-derives a peer's enabled addresses, names and gateway flag
// from its current descriptor and the given topology (the committed one
// when sys is nil), then asks the system layer to sync it.
//
// A pinned peer keeps every address it has ever had enabled plus the newly
// announced ones. An unpinned peer gets exactly the announced addresses
// that are in a local subnet. Either way preferences may veto an address.
// A peer left without any enabled address is removed.
func (t *txn) updatePeer(id string, sys *SystemState) error {
	s := t.state()
	p := s.Peers[id]
	if p == nil || p.Descriptor == nil {
		return vulaerrors.NewDescriptorError(vulaerrors.ErrCodeDescriptorInvalid,
			"peer "+id+" has no descriptor", nil).WithMetadata("peer_id", id)
	}
	d := p.Descriptor
	if sys == nil {
		sys = &s.SystemState
	}
	allowed := s.Prefs.Allowed

	var v4, v6 map[string]bool
	if p.Pinned {
		v4 = pinnedAddrs(p.EnabledIPv4, d.AddrsV4, allowed)
		v6 = pinnedAddrs(p.EnabledIPv6, d.AddrsV6, allowed)
	} else {
		qualifies := func(a netip.Addr) bool { return sys.IsLocal(a) && allowed(a) }
		v4 = announcedAddrs(d.AddrsV4, qualifies)
		v6 = announcedAddrs(d.AddrsV6, qualifies)
	}

	if !maps.Equal(v4, p.EnabledIPv4) {
		if err := t.Set(peerPath(id, "enabled_ipv4"), v4); err != nil {
			return err
		}
	}
	if !maps.Equal(v6, p.EnabledIPv6) {
		if err := t.Set(peerPath(id, "enabled_ipv6"), v6); err != nil {
			return err
		}
	}

	if !anyEnabled(v4) && !anyEnabled(v6) {
		t.log.WithContext(t.peerCtx(id)).Info("peer has no usable addresses", "peer", p.Name())
		return t.removePeer(id)
	}

	p = t.state().Peers[id]
	if _, known := p.Nicknames[d.Hostname]; !known && s.Prefs.IsLocalName(d.Hostname) {
		if err := t.Set(peerPath(id, "nicknames", d.Hostname), true); err != nil {
			return err
		}
	}

	if !p.UseAsGateway && p.Enabled && anyGateway(p.EnabledIPs(), *sys) {
		if other := t.state().Peers.Gateway(); other == nil {
			t.log.WithContext(t.peerCtx(id)).Info("using peer as gateway", "peer", p.Name())
			if err := t.Set(peerPath(id, "use_as_gateway"), true); err != nil {
				return err
			}
		} else {
			t.log.DebugContext(t.ctx, "peer is on a gateway address but another gateway is set",
				"peer", p.NameAndID(), "gateway", other.NameAndID())
		}
	}

	t.Trigger(TriggerSyncPeer, id)
	return nil
}

// pinnedAddrs keeps every known address, enabling the previously enabled
// and the announced ones that preferences allow.
func pinnedAddrs(prev map[string]bool, announced []netip.Addr, allowed func(netip.Addr) bool) map[string]bool {
	out := make(map[string]bool, len(prev)+len(announced))
	for k, on := range prev {
		a, err := netip.ParseAddr(k)
		out[k] = on && err == nil && allowed(a)
	}
	for _, a := range announced {
		out[a.String()] = allowed(a)
	}
	return out
}

func announcedAddrs(announced []netip.Addr, qualifies func(netip.Addr) bool) map[string]bool {
	out := make(map[string]bool, len(announced))
	for _, a := range announced {
		out[a.String()] = qualifies(a)
	}
	return out
}

func anyEnabled(m map[string]bool) bool {
	for _, on := range m {
		if on {
			return true
		}
	}
	return false
}
