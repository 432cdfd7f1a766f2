package sys

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/prefs"
)

func pfx(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestBuildSystemState(t *testing.T) {
	ifaces := []Interface{
		{Name: "lo", Up: true, Addrs: []netip.Prefix{pfx("127.0.0.1/8"), pfx("::1/128")}},
		{Name: "eth0", Up: true, Addrs: []netip.Prefix{pfx("10.0.0.100/24"), pfx("10.0.0.7/24"), pfx("fe80::1/64")}},
		{Name: "wlan0", Up: false, Addrs: []netip.Prefix{pfx("192.168.1.5/24")}},
		{Name: "docker0", Up: true, Addrs: []netip.Prefix{pfx("172.17.0.1/16")}},
		{Name: "enp3s0", Up: true, Addrs: []netip.Prefix{pfx("8.8.8.8/24")}},
	}
	gateways := []netip.Addr{addr("10.0.0.1"), addr("8.8.8.1"), addr("fe80::99")}

	s := BuildSystemState(ifaces, gateways, prefs.Default())

	assert.Equal(t, map[string][]netip.Addr{
		"10.0.0.0/24": {addr("10.0.0.7"), addr("10.0.0.100")},
		"fe80::/64":   {addr("fe80::1")},
	}, s.CurrentSubnets)
	assert.Equal(t, map[string][]netip.Addr{
		"eth0": {addr("10.0.0.7"), addr("10.0.0.100"), addr("fe80::1")},
	}, s.CurrentInterfaces)
	assert.Equal(t, []netip.Addr{addr("10.0.0.1"), addr("fe80::99")}, s.Gateways)
	assert.True(t, s.HasV6)
}

func TestBuildSystemState_NoV6(t *testing.T) {
	ifaces := []Interface{
		{Name: "lo", Up: true, Addrs: []netip.Prefix{pfx("::1/128")}},
		{Name: "eth0", Up: true, Addrs: []netip.Prefix{pfx("192.168.0.2/24")}},
	}
	s := BuildSystemState(ifaces, nil, prefs.Default())
	assert.False(t, s.HasV6)
	assert.Empty(t, s.Gateways)
	assert.Contains(t, s.CurrentSubnets, "192.168.0.0/24")
}

func TestParseIPv4Route(t *testing.T) {
	tests := []struct {
		line string
		want netip.Addr
		ok   bool
	}{
		{"eth0\t00000000\t0100000A\t0003\t0\t0\t100\t00000000\t0\t0\t0", addr("10.0.0.1"), true},
		{"eth0\t0000000A\t00000000\t0001\t0\t0\t100\t00FFFFFF\t0\t0\t0", netip.Addr{}, false},
		{"Iface\tDestination\tGateway", netip.Addr{}, false},
		{"eth0\t00000000\tZZ", netip.Addr{}, false},
	}
	for _, tt := range tests {
		got, ok := parseIPv4Route(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParseIPv6Route(t *testing.T) {
	zero := "00000000000000000000000000000000"
	got, ok := parseIPv6Route(zero + " 00 " + zero + " 00 fe800000000000000000000000000001 00000400 00000001 00000000 00000003 eth0")
	require.True(t, ok)
	assert.Equal(t, addr("fe80::1"), got)

	_, ok = parseIPv6Route(zero + " 00 " + zero + " 00 " + zero + " 00000400 00000001 00000000 00200200 lo")
	assert.False(t, ok, "unspecified next hop")

	_, ok = parseIPv6Route("fe800000000000000000000000000000 40 " + zero + " 00 " + zero + " 00000100 00000001 00000000 00000001 eth0")
	assert.False(t, ok, "not a default route")
}

func TestNetReader_Read(t *testing.T) {
	r := &NetReader{
		interfaces: func() ([]Interface, error) {
			return []Interface{{Name: "eth0", Up: true, Addrs: []netip.Prefix{pfx("10.0.0.100/24")}}}, nil
		},
		gateways: func() ([]netip.Addr, error) { return []netip.Addr{addr("10.0.0.1")}, nil },
	}
	s, err := r.Read(context.Background(), prefs.Default())
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, s.Gateways)

	r.gateways = func() ([]netip.Addr, error) { return nil, errors.New("no procfs") }
	_, err = r.Read(context.Background(), prefs.Default())
	assert.Error(t, err)
}

func TestStaticReader(t *testing.T) {
	r := StaticReader{
		Interfaces: []Interface{{Name: "eth0", Up: true, Addrs: []netip.Prefix{pfx("10.0.0.100/24")}}},
		Gateways:   []netip.Addr{addr("10.0.0.1")},
	}
	s, err := r.Read(context.Background(), prefs.Default())
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{addr("10.0.0.100")}, s.CurrentSubnets["10.0.0.0/24"])
	assert.Equal(t, []netip.Addr{addr("10.0.0.1")}, s.Gateways)
}
