package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/api"
	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/events"
	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/organize"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/internal/sys"
	apitypes "github.com/ioerror/vula/pkg/api"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func startDaemon(t *testing.T) (*httptest.Server, *organize.Organize) {
	t.Helper()
	isolate(t)
	ctx := context.Background()

	k, err := keys.NewManager(nil).Generate()
	require.NoError(t, err)
	org, err := organize.New(organize.Config{Hostname: "me.local."},
		organize.NewStore(filepath.Join(t.TempDir(), "organize.yaml"), nil), k, nil)
	require.NoError(t, err)

	reader := sys.StaticReader{
		Interfaces: []sys.Interface{{Name: "eth0", Up: true, Addrs: []netip.Prefix{netip.MustParsePrefix("10.0.0.100/24")}}},
		Gateways:   []netip.Addr{netip.MustParseAddr("10.0.0.1")},
	}
	rec := sys.NewReconciler(sys.Config{Interface: "vula", Port: 5354}, org, reader, nil)
	org.SetSystem(rec)
	bus := events.NewBus(nil)
	org.OnResult(func(r *engine.Result) { _ = bus.Publish(ctx, r) })
	require.NoError(t, org.Start(ctx))

	srv := httptest.NewServer(api.NewServer(api.ServerConfig{Version: "test"},
		api.Deps{Organizer: org, Bus: bus, Desired: rec.Desired}, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, org
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, apiURL, outputFormat = "", "", "text"
	peerWhichFlag = "all"
	eventLogParams = apitypes.EventLogParams{Limit: 20}
	keysCreateFlag = false

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func aliceDescriptor(t *testing.T) *peer.Descriptor {
	t.Helper()
	k, err := keys.NewManager(nil).Generate()
	require.NoError(t, err)
	d := (&peer.Descriptor{
		Hostname:     "alice.local.",
		Primary:      netip.MustParseAddr("fdff:ffff:ffdf::a"),
		WGPublicKey:  k.WGPublicKey(),
		KEMPublicKey: k.KEM.PublicKey(),
		Port:         5354,
		ValidFrom:    1,
		TTL:          peer.DefaultTTL,
	}).WithAddrs(netip.MustParseAddr("10.0.0.7"))
	return d.Sign(k.Signing)
}

func TestVersion(t *testing.T) {
	isolate(t)
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "vula dev\n", out)
}

func TestPeerCommands(t *testing.T) {
	srv, org := startDaemon(t)
	d := aliceDescriptor(t)

	path := filepath.Join(t.TempDir(), "descriptors.txt")
	require.NoError(t, os.WriteFile(path, []byte("# from the lab\n"+d.String()+"\n\n"), 0o600))

	out, err := execute(t, "--api-url", srv.URL, "peer", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "AcceptNewPeer")
	require.Len(t, org.Snapshot().Peers, 1)
	id := d.ID()

	out, err = execute(t, "--api-url", srv.URL, "peer", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "alice.local.")
	assert.Contains(t, out, id)

	out, err = execute(t, "--api-url", srv.URL, "-o", "json", "peer", "list", "--which", "enabled")
	require.NoError(t, err)
	var list apitypes.PeersListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list), out)
	require.Len(t, list.Peers, 1)
	assert.Contains(t, list.Peers[0].EnabledIPs, "10.0.0.7")

	out, err = execute(t, "--api-url", srv.URL, "peer", "show", "alice.local.")
	require.NoError(t, err)
	assert.Contains(t, out, "alice.local.")

	out, err = execute(t, "--api-url", srv.URL, "peer", "lookup", "alice.local.")
	require.NoError(t, err)
	assert.Equal(t, id+"\n", out)

	_, err = execute(t, "--api-url", srv.URL, "peer", "set", id, "pinned", "true")
	require.NoError(t, err)
	assert.True(t, org.Snapshot().Peers[id].Pinned)

	_, err = execute(t, "--api-url", srv.URL, "peer", "verify", id, "alice.local.")
	require.NoError(t, err)
	assert.True(t, org.Snapshot().Peers[id].Verified)

	_, err = execute(t, "--api-url", srv.URL, "peer", "remove", "alice.local.")
	require.NoError(t, err)
	assert.Empty(t, org.Snapshot().Peers)
}

func TestPeerImport_Stdin(t *testing.T) {
	srv, org := startDaemon(t)
	d := aliceDescriptor(t)

	cfgFile, apiURL, outputFormat = "", "", "text"
	rootCmd.SetIn(strings.NewReader(d.String() + "\n"))
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"--api-url", srv.URL, "peer", "import", "-"})
	require.NoError(t, rootCmd.Execute())
	assert.Len(t, org.Snapshot().Peers, 1)
}

func TestPrefsCommands(t *testing.T) {
	srv, org := startDaemon(t)

	_, err := execute(t, "--api-url", srv.URL, "prefs", "set", "pin_new_peers", "true")
	require.NoError(t, err)
	assert.True(t, org.Snapshot().Prefs.PinNewPeers)

	_, err = execute(t, "--api-url", srv.URL, "prefs", "add", "iface_prefix_allowed", "wlan")
	require.NoError(t, err)
	assert.Contains(t, org.Snapshot().Prefs.IfacePrefixAllowed, "wlan")

	_, err = execute(t, "--api-url", srv.URL, "prefs", "remove", "iface_prefix_allowed", "wlan")
	require.NoError(t, err)
	assert.NotContains(t, org.Snapshot().Prefs.IfacePrefixAllowed, "wlan")

	out, err := execute(t, "--api-url", srv.URL, "prefs")
	require.NoError(t, err)
	assert.Contains(t, out, "pin_new_peers: true")

	_, err = execute(t, "--api-url", srv.URL, "prefs", "set", "expire_time", "--", "-5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefs_validation")

	_, err = execute(t, "--api-url", srv.URL, "edit", "set", "prefs", "auto_repair", "false")
	require.NoError(t, err)
	assert.False(t, org.Snapshot().Prefs.AutoRepair)
}

func TestStatusAndQueries(t *testing.T) {
	srv, _ := startDaemon(t)

	out, err := execute(t, "--api-url", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "hostname: me.local.")

	out, err = execute(t, "--api-url", srv.URL, "-o", "yaml", "desired")
	require.NoError(t, err)
	assert.Contains(t, out, "interface: vula")

	out, err = execute(t, "--api-url", srv.URL, "descriptor")
	require.NoError(t, err)
	assert.Contains(t, out, "eth0: ")

	out, err = execute(t, "--api-url", srv.URL, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "synced")

	out, err = execute(t, "--api-url", srv.URL, "eventlog")
	require.NoError(t, err)
	assert.Contains(t, out, "No recorded events.")

	_, err = execute(t, "--api-url", srv.URL, "prefs", "set", "record_events", "true")
	require.NoError(t, err)
	_, err = execute(t, "--api-url", srv.URL, "prefs", "set", "pin_new_peers", "true")
	require.NoError(t, err)
	out, err = execute(t, "--api-url", srv.URL, "eventlog", "--limit", "0", "--event", "USER_EDIT")
	require.NoError(t, err)
	assert.Contains(t, out, "USER_EDIT")
	assert.Contains(t, out, "ok")

	_, err = execute(t, "--api-url", srv.URL, "-o", "xml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestKeys(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "keys.yaml")
	t.Setenv("VULA_ORGANIZE_KEYS_FILE", path)

	_, err := execute(t, "keys")
	require.Error(t, err, "missing key file without --create")

	out, err := execute(t, "-o", "json", "keys", "--create")
	require.NoError(t, err)
	var pub publicKeys
	require.NoError(t, json.Unmarshal([]byte(out), &pub), out)
	assert.Equal(t, path, pub.File)

	k, err := keys.NewManager(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, k.ID(), pub.ID)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"5", 5},
		{"alice.local.", "alice.local."},
		{"10.0.0.7", "10.0.0.7"},
		{"fdff:ffff:ffdf::a", "fdff:ffff:ffdf::a"},
		{"[wlan, eth]", []any{"wlan", "eth"}},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), tt.in)
	}
}
