package organize

import (
	"crypto/rand"
	"net/netip"
	"sort"
	"time"

	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/peer"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// OurDescriptors builds and signs one descriptor per allowed interface that
// has at least one announceable address. Link-local IPv6 addresses come
// first so peers prefer them as endpoints.
func OurDescriptors(s *State, k *keys.Keys, hostname string, port uint16, now time.Time) map[string]*peer.Descriptor {
	out := make(map[string]*peer.Descriptor)
	v4on := s.Prefs.EnableIPv4
	v6on := s.Prefs.EnableIPv6 && s.SystemState.HasV6

	for iface, addrs := range s.SystemState.CurrentInterfaces {
		if !s.Prefs.InterfaceAllowed(iface) {
			continue
		}
		var v4, v6 []netip.Addr
		for _, a := range addrs {
			a = a.WithZone("")
			if !s.Prefs.Allowed(a) {
				continue
			}
			if a.Is4() && v4on {
				v4 = append(v4, a)
			} else if a.Is6() && v6on {
				v6 = append(v6, a)
			}
		}
		sort.SliceStable(v6, func(i, j int) bool {
			return peer.LinkLocalV6.Contains(v6[i]) && !peer.LinkLocalV6.Contains(v6[j])
		})
		if len(v4)+len(v6) == 0 {
			continue
		}

		d := &peer.Descriptor{
			Hostname:     hostname,
			Primary:      s.Prefs.PrimaryIP,
			WGPublicKey:  k.WGPublicKey(),
			KEMPublicKey: k.KEM.PublicKey(),
			Port:         port,
			ValidFrom:    now.Unix(),
			TTL:          peer.DefaultTTL,
			Ephemeral:    s.Prefs.EphemeralMode,
		}
		d = d.WithAddrs(append(v4, v6...)...)
		out[iface] = d.Sign(k.Signing)
	}
	return out
}

// RandomPrimaryIP picks an address in the vula overlay prefix.
func RandomPrimaryIP() (netip.Addr, error) {
	var b [16]byte
	prefix := peer.OverlaySubnet.Addr().As16()
	copy(b[:6], prefix[:6])
	if _, err := rand.Read(b[6:]); err != nil {
		return netip.Addr{}, vulaerrors.NewSystemError(vulaerrors.ErrCodeInternal, "failed to generate primary ip", false, err)
	}
	return netip.AddrFrom16(b), nil
}
