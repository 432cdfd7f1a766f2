package sys

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/organize"
	"github.com/ioerror/vula/internal/peer"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

var ctx = context.Background()

type stack struct {
	org *organize.Organize
	rec *Reconciler
}

func lanReader() *NetReader {
	return &NetReader{
		interfaces: func() ([]Interface, error) {
			return []Interface{{Name: "eth0", Up: true, Addrs: []netip.Prefix{pfx("10.0.0.100/24")}}}, nil
		},
		gateways: func() ([]netip.Addr, error) { return []netip.Addr{addr("10.0.0.1")}, nil },
	}
}

func newStack(t *testing.T) *stack {
	t.Helper()
	k, err := keys.NewManager(nil).Generate()
	require.NoError(t, err)
	org, err := organize.New(organize.Config{Hostname: "me.local."},
		organize.NewStore(filepath.Join(t.TempDir(), "organize.yaml"), nil), k, nil)
	require.NoError(t, err)

	rec := NewReconciler(Config{Interface: "vula", Port: 5354, Table: 666, FWMark: 555, IPRulePriority: 666}, org, lanReader(), nil)
	org.SetSystem(rec)
	require.NoError(t, org.Start(ctx))
	return &stack{org: org, rec: rec}
}

// remoteDescriptor is a descriptor from another host with real keys, so
// that preshared keys can be derived for it.
func remoteDescriptor(t *testing.T, hostname, primary string, addrs ...string) *peer.Descriptor {
	t.Helper()
	k, err := keys.NewManager(nil).Generate()
	require.NoError(t, err)
	parsed := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		parsed[i] = addr(a)
	}
	d := (&peer.Descriptor{
		Hostname:     hostname,
		Primary:      addr(primary),
		WGPublicKey:  k.WGPublicKey(),
		KEMPublicKey: k.KEM.PublicKey(),
		Port:         5354,
		ValidFrom:    1,
		TTL:          peer.DefaultTTL,
	}).WithAddrs(parsed...)
	return d.Sign(k.Signing)
}

func TestReconciler_FollowsOrganize(t *testing.T) {
	s := newStack(t)
	assert.Empty(t, s.rec.Desired().Peers)

	gw := remoteDescriptor(t, "router.local.", "fdff:ffff:ffdf::1", "10.0.0.1")
	res, err := s.org.ProcessDescriptor(ctx, gw)
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)
	require.Len(t, res.TriggerResults, 1)
	assert.Equal(t, "configured router.local.", res.TriggerResults[0])

	d := s.rec.Desired()
	require.Len(t, d.Peers, 1)
	wg := d.Peers[0]
	assert.Equal(t, gw.ID(), wg.PeerID)
	assert.Equal(t, gw.WGPublicKey.String(), wg.PublicKey)
	assert.Equal(t, "10.0.0.1:5354", wg.Endpoint)
	assert.Equal(t, []string{"fdff:ffff:ffdf::1/128", "10.0.0.1/32", "0.0.0.0/0", "::/0"}, wg.AllowedIPs)
	assert.NotEmpty(t, wg.PresharedKey)
	assert.Equal(t, []string{"0.0.0.0/1", "10.0.0.1/32", "128.0.0.0/1", "8000::/1", "::/1", "fdff:ffff:ffdf::1/128"}, d.Routes)
	assert.Equal(t, "vula", d.Interface)
	stats := s.rec.PeerStats(gw.ID())
	require.NotNil(t, stats)
	assert.False(t, stats.Available)

	res = s.org.ReleaseGateway(ctx)
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, []string{"removed 4 routes", "configured router.local.", "system state unchanged"}, res.TriggerResults)
	assert.Equal(t, []string{"10.0.0.1/32", "fdff:ffff:ffdf::1/128"}, s.rec.Desired().Routes)
	assert.Equal(t, []string{"fdff:ffff:ffdf::1/128", "10.0.0.1/32"}, s.rec.Desired().Peers[0].AllowedIPs)

	res = s.org.RemovePeer(ctx, "router.local.")
	require.True(t, res.OK(), res.Error)
	d = s.rec.Desired()
	assert.Empty(t, d.Peers)
	assert.Empty(t, d.Routes)
	assert.Nil(t, s.rec.PeerStats(gw.ID()))
}

func TestReconciler_DisabledPeerIsRemoved(t *testing.T) {
	s := newStack(t)
	alice := remoteDescriptor(t, "alice.local.", "fdff:ffff:ffdf::a", "10.0.0.5")
	_, err := s.org.ProcessDescriptor(ctx, alice)
	require.NoError(t, err)
	require.Len(t, s.rec.Desired().Peers, 1)

	res := s.org.SetPeer(ctx, alice.ID(), []string{"enabled"}, "false")
	require.True(t, res.OK(), res.Error)
	assert.Empty(t, s.rec.Desired().Peers)
}

func TestReconciler_SyncDropsStrays(t *testing.T) {
	s := newStack(t)
	alice := remoteDescriptor(t, "alice.local.", "fdff:ffff:ffdf::a", "10.0.0.5")
	_, err := s.org.ProcessDescriptor(ctx, alice)
	require.NoError(t, err)

	s.rec.mu.Lock()
	s.rec.peers["stray"] = WGPeer{PeerID: "stray", PublicKey: "stray"}
	s.rec.routes[pfx("10.9.9.9/32")] = struct{}{}
	s.rec.mu.Unlock()

	require.NoError(t, s.rec.Sync(ctx))
	d := s.rec.Desired()
	require.Len(t, d.Peers, 1)
	assert.Equal(t, alice.ID(), d.Peers[0].PeerID)
	assert.NotContains(t, d.Routes, "10.9.9.9/32")
}

func TestReconciler_TriggerErrors(t *testing.T) {
	s := newStack(t)

	_, err := s.rec.Trigger(ctx, "reboot")
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeTrigger))

	_, err = s.rec.Trigger(ctx, organize.TriggerSyncPeer)
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeTrigger))

	_, err = s.rec.Trigger(ctx, organize.TriggerRemoveRoutes, []any{"not a route"})
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeTrigger))

	out, err := s.rec.Trigger(ctx, organize.TriggerSyncPeer, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "peer not configured: nobody", out)

	out, err = s.rec.Trigger(ctx, organize.TriggerRemoveUnknownPeers)
	require.NoError(t, err)
	assert.Equal(t, "no unknown peers", out)
}
