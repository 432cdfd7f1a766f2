package organize

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/peer"
)

func testKeys(t *testing.T) *keys.Keys {
	t.Helper()
	k, err := keys.NewManager(nil).Generate()
	require.NoError(t, err)
	return k
}

func TestOurDescriptors(t *testing.T) {
	k := testKeys(t)
	st := DefaultState()
	st.Prefs.PrimaryIP = netip.MustParseAddr("fdff:ffff:ffdf::1")
	st.SystemState.CurrentInterfaces = map[string][]netip.Addr{
		"eth0":    {netip.MustParseAddr("10.0.0.100"), netip.MustParseAddr("fd00::5"), netip.MustParseAddr("fe80::1%eth0")},
		"docker0": {netip.MustParseAddr("172.17.0.1")},
		"wlan0":   {netip.MustParseAddr("8.8.8.8")},
	}
	now := time.Unix(1700000000, 0)

	ds := OurDescriptors(st, k, "me.local.", 5354, now)
	require.Len(t, ds, 1)
	d := ds["eth0"]
	require.NotNil(t, d)

	assert.True(t, d.Verify())
	assert.Equal(t, k.ID(), d.ID())
	assert.Equal(t, "me.local.", d.Hostname)
	assert.Equal(t, int64(1700000000), d.ValidFrom)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.100")}, d.AddrsV4)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fe80::1"), netip.MustParseAddr("fd00::5")}, d.AddrsV6)
	assert.Equal(t, k.KEM.PublicKey(), d.KEMPublicKey)

	parsed, err := peer.ParseDescriptor(d.String())
	require.NoError(t, err)
	assert.True(t, parsed.Verify())
}

func TestOurDescriptors_FamilyPrefs(t *testing.T) {
	k := testKeys(t)
	st := DefaultState()
	st.SystemState.CurrentInterfaces = map[string][]netip.Addr{
		"eth0": {netip.MustParseAddr("10.0.0.100"), netip.MustParseAddr("fe80::1")},
	}

	st.Prefs.EnableIPv6 = false
	d := OurDescriptors(st, k, "me.local.", 5354, time.Now())["eth0"]
	require.NotNil(t, d)
	assert.Empty(t, d.AddrsV6)

	st.Prefs.EnableIPv6 = true
	st.SystemState.HasV6 = false
	d = OurDescriptors(st, k, "me.local.", 5354, time.Now())["eth0"]
	require.NotNil(t, d)
	assert.Empty(t, d.AddrsV6)

	st.Prefs.EnableIPv4 = false
	assert.Empty(t, OurDescriptors(st, k, "me.local.", 5354, time.Now()))
}

func TestRandomPrimaryIP(t *testing.T) {
	a, err := RandomPrimaryIP()
	require.NoError(t, err)
	b, err := RandomPrimaryIP()
	require.NoError(t, err)

	assert.True(t, peer.OverlaySubnet.Contains(a))
	assert.True(t, peer.ULASubnet.Contains(a))
	assert.NotEqual(t, a, b)
}
