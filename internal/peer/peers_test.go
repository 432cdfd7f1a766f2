package peer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

func testPeers(t *testing.T) (Peers, *Peer, *Peer) {
	t.Helper()
	da, _ := newSignedDescriptor(t, "alice.local.", 1, "10.0.0.1", "fe80::a")
	db, _ := newSignedDescriptor(t, "bob.local.", 1, "10.0.0.2")
	alice, bob := da.MakePeer(false), db.MakePeer(false)
	return Peers{alice.ID(): alice, bob.ID(): bob}, alice, bob
}

func TestPeer_Name(t *testing.T) {
	d, _ := newSignedDescriptor(t, "alice.local.", 1, "10.0.0.1")
	p := d.MakePeer(false)

	assert.Equal(t, "alice.local.", p.Name())

	p.Nicknames["zed.local."] = true
	p.Nicknames["alice.local."] = false
	assert.Equal(t, "zed.local.", p.Name())

	p.Petname = "george"
	assert.Equal(t, "george", p.Name())
	assert.Equal(t, []string{"zed.local."}, p.OtherNames())

	p.Petname = ""
	p.Nicknames = map[string]bool{"alice.local.": false}
	assert.Equal(t, Unnamed, p.Name())
}

func TestPeer_Addresses(t *testing.T) {
	d, _ := newSignedDescriptor(t, "alice.local.", 1, "10.0.0.1", "10.0.0.9", "fe80::a", "fd00::5")
	p := d.MakePeer(false)
	p.EnabledIPv4["10.0.0.9"] = false

	assert.Equal(t, []string{"fdff:ffff:ffdf::1", "fd00::5", "fe80::a", "10.0.0.1"}, p.EnabledIPStrings())
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.9")}, p.DisabledIPs())
	assert.Equal(t, []string{"fdff:ffff:ffdf::1/128", "fd00::5/128", "10.0.0.1/32"}, p.AllowedIPs())
	assert.Equal(t, netip.MustParseAddr("fe80::a"), p.EndpointAddr())
	assert.Equal(t, "[fe80::a]:5354", p.Endpoint())

	p.UseAsGateway = true
	assert.Equal(t, []string{"fdff:ffff:ffdf::1/128", "fd00::5/128", "10.0.0.1/32", "0.0.0.0/0", "::/0"}, p.AllowedIPs())

	p.EnabledIPv6 = map[string]bool{}
	p.EnabledIPv4 = map[string]bool{}
	assert.Equal(t, netip.IPv4Unspecified(), p.EndpointAddr())
}

func TestPeer_CloneIsDeep(t *testing.T) {
	d, _ := newSignedDescriptor(t, "alice.local.", 1, "10.0.0.1")
	p := d.MakePeer(false)
	c := p.Clone()

	c.EnabledIPv4["10.0.0.1"] = false
	c.Nicknames["x.local."] = true
	c.Descriptor.AddrsV4[0] = netip.MustParseAddr("10.9.9.9")

	assert.True(t, p.EnabledIPv4["10.0.0.1"])
	assert.NotContains(t, p.Nicknames, "x.local.")
	assert.Equal(t, "10.0.0.1", p.Descriptor.AddrsV4[0].String())
}

func TestPeers_Queries(t *testing.T) {
	ps, alice, bob := testPeers(t)

	got, err := ps.WithHostname("alice.local.")
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), got.ID())

	got, err = ps.WithIP(netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	assert.Equal(t, bob.ID(), got.ID())

	_, err = ps.WithHostname("carol.local.")
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodePeerNotFound))

	assert.Equal(t, alice.ID(), ps.Query(alice.ID()).ID())
	assert.Equal(t, bob.ID(), ps.Query("bob.local.").ID())
	assert.Equal(t, alice.ID(), ps.Query("10.0.0.1").ID())
	assert.Nil(t, ps.Query("nobody"))

	bob.Enabled = false
	assert.Nil(t, ps.Query("bob.local."))
	assert.NotNil(t, ps.Query(bob.ID()), "lookup by id includes disabled peers")
	assert.Equal(t, []string{bob.ID()}, ps.IDs(WhichDisabled))
	assert.Equal(t, []string{alice.ID()}, ps.IDs(WhichEnabled))
	assert.Len(t, ps.IDs(WhichAll), 2)
}

func TestPeers_ConflictsForDescriptor(t *testing.T) {
	ps, alice, _ := testPeers(t)

	tests := []struct {
		name     string
		hostname string
		addrs    []string
		want     int
	}{
		{"same hostname", "alice.local.", []string{"10.0.0.50"}, 1},
		{"same ipv4", "mallory.local.", []string{"10.0.0.1"}, 1},
		{"same ipv6", "mallory.local.", []string{"fe80::a"}, 1},
		{"both peers", "alice.local.", []string{"10.0.0.2"}, 2},
		{"no overlap", "mallory.local.", []string{"10.0.0.50"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newSignedDescriptor(t, tt.hostname, 1, tt.addrs...)
			assert.Len(t, ps.ConflictsForDescriptor(d), tt.want)
		})
	}

	// the same identity never conflicts with itself
	assert.Empty(t, ps.ConflictsForDescriptor(alice.Descriptor.WithHostname("other.local.")))

	// shared transport key
	d, _ := newSignedDescriptor(t, "mallory.local.", 1, "10.0.0.50")
	d.WGPublicKey = alice.Descriptor.WGPublicKey
	assert.Len(t, ps.ConflictsForDescriptor(d), 1)

	// disabled peers and disabled addresses do not count
	alice.EnabledIPv4["10.0.0.1"] = false
	d, _ = newSignedDescriptor(t, "mallory.local.", 1, "10.0.0.1")
	assert.Empty(t, ps.ConflictsForDescriptor(d))
}

func TestPeers_Conflicts(t *testing.T) {
	ps, alice, bob := testPeers(t)
	assert.Empty(t, ps.Conflicts())

	alice.UseAsGateway = true
	assert.Empty(t, ps.Conflicts())

	bob.UseAsGateway = true
	assert.ElementsMatch(t, []string{alice.ID(), bob.ID()}, ps.Conflicts())

	bob.UseAsGateway = false
	bob.Nicknames["alice.local."] = true
	assert.Equal(t, []string{alice.ID()}, ps.Conflicts())

	bob.Enabled = false
	assert.Empty(t, ps.Conflicts())
}

func TestPeer_Show(t *testing.T) {
	d, _ := newSignedDescriptor(t, "alice.local.", time.Now().Add(-time.Minute).Unix(), "10.0.0.1")
	p := d.MakePeer(true)

	out := p.Show(nil, time.Now())
	assert.Contains(t, out, "peer: alice.local.")
	assert.Contains(t, out, "wireguard peer is not configured")
	assert.Contains(t, out, "enabled pinned unverified")

	out = p.Show(&Stats{Available: true, RxBytes: 10, TxBytes: 20}, time.Now())
	assert.Contains(t, out, "latest handshake: none")
	assert.Contains(t, out, "10 received, 20 sent")

	out = p.Show(&Stats{}, time.Now())
	assert.Contains(t, out, "transfer: counters unavailable")
	assert.NotContains(t, out, "latest handshake")
	assert.NotContains(t, out, "not configured")
}

func TestParseWhich(t *testing.T) {
	w, err := ParseWhich("")
	require.NoError(t, err)
	assert.Equal(t, WhichEnabled, w)

	_, err = ParseWhich("some")
	assert.Error(t, err)
}
