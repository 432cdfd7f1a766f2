package organize

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/internal/prefs"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

type fakeSystem struct {
	triggerLog

	mu    sync.Mutex
	state SystemState
	syncs int
}

func (s *fakeSystem) ReadSystemState(context.Context) (SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

func (s *fakeSystem) Sync(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	return nil
}

func (s *fakeSystem) PeerStats(string) *peer.Stats {
	return nil
}

func (s *fakeSystem) setState(st SystemState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

type organizeFixture struct {
	o       *Organize
	sys     *fakeSystem
	dir     string
	results []*engine.Result
}

func newOrganize(t *testing.T) *organizeFixture {
	t.Helper()
	dir := t.TempDir()
	f := &organizeFixture{dir: dir, sys: &fakeSystem{state: lanSystemState("10.0.0.1")}}

	o, err := New(Config{Hostname: "me.local.", HostsFile: filepath.Join(dir, "hosts")},
		NewStore(filepath.Join(dir, "organize.yaml"), nil), testKeys(t), nil)
	require.NoError(t, err)
	o.SetSystem(f.sys)
	o.OnResult(func(r *engine.Result) { f.results = append(f.results, r) })
	f.o = o
	return f
}

func TestOrganize_Start(t *testing.T) {
	f := newOrganize(t)
	require.NoError(t, f.o.Start(ctx))

	st := f.o.Snapshot()
	assert.True(t, peer.OverlaySubnet.Contains(st.Prefs.PrimaryIP))
	assert.Equal(t, f.o.Keys().WGPublicKey(), st.SystemState.OurWGPublicKey)
	assert.Contains(t, st.SystemState.CurrentSubnets, "10.0.0.0/24")
	assert.Equal(t, 2, f.sys.syncs)

	info, err := os.Stat(filepath.Join(f.dir, "organize.yaml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	hosts, err := os.ReadFile(filepath.Join(f.dir, "hosts"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(hosts), st.Prefs.PrimaryIP.String()+" me.local.\n"))

	require.Len(t, f.results, 2)
	assert.Equal(t, "USER_EDIT", f.results[0].Event.Name)
	assert.Equal(t, "NEW_SYSTEM_STATE", f.results[1].Event.Name)

	// an unchanged topology is not an event
	res, err := f.o.GetNewSystemState(ctx, "test")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, f.results, 2)
}

func TestOrganize_StartAllowsIPv6Ranges(t *testing.T) {
	f := newOrganize(t)
	require.True(t, f.o.RemovePref(ctx, "subnets_allowed", "fc00::/7").OK())
	require.NoError(t, f.o.Start(ctx))
	assert.Contains(t, f.o.Prefs().SubnetsAllowed, prefs.ULASubnet)
}

func TestOrganize_StatePersistsAcrossRestart(t *testing.T) {
	f := newOrganize(t)
	require.NoError(t, f.o.Start(ctx))
	alice := newIdentity(t, "fdff:ffff:ffdf::a")
	res, err := f.o.ProcessDescriptor(ctx, alice.descriptor("alice.local.", 1, "10.0.0.1"))
	require.NoError(t, err)
	require.True(t, res.OK(), res.Error)

	again, err := New(Config{Hostname: "me.local."}, NewStore(filepath.Join(f.dir, "organize.yaml"), nil), f.o.Keys(), nil)
	require.NoError(t, err)
	assert.Contains(t, again.Snapshot().Peers, alice.ID())
	assert.Equal(t, f.o.Snapshot().Prefs.PrimaryIP, again.Snapshot().Prefs.PrimaryIP)
}

func TestOrganize_ProcessDescriptor(t *testing.T) {
	f := newOrganize(t)
	require.NoError(t, f.o.Start(ctx))
	alice := newIdentity(t, "fdff:ffff:ffdf::a")
	d := alice.descriptor("alice.local.", 1, "10.0.0.1")

	_, err := f.o.ProcessDescriptor(ctx, d.WithPort(9))
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeSignatureInvalid))

	_, err = f.o.ProcessDescriptorString(ctx, "hostname=x;")
	assert.Error(t, err)

	res, err := f.o.ProcessDescriptorString(ctx, d.String())
	require.NoError(t, err)
	assert.Equal(t, []string{"AcceptNewPeer"}, res.ActionNames())
	assert.Contains(t, f.sys.names(), TriggerSyncPeer)

	vk, err := f.o.GetVKByName("alice.local.")
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), vk)

	desc, err := f.o.PeerDescriptor("alice.local.")
	require.NoError(t, err)
	assert.Equal(t, d.String(), desc)

	shown, err := f.o.ShowPeer("10.0.0.1")
	require.NoError(t, err)
	assert.Contains(t, shown, "peer: alice.local.")
	assert.Contains(t, shown, "wireguard peer is not configured")

	ids, err := f.o.PeerIDs("enabled")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID()}, ids)
	ids, err = f.o.PeerIDs("disabled")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = f.o.Peer("nobody.local.")
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodePeerNotFound))
}

func TestOrganize_PeerAddrValidation(t *testing.T) {
	f := newOrganize(t)
	_, err := f.o.PeerAddrAdd(ctx, "vk", "not-an-ip")
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeInvalidIPAddress))
	_, err = f.o.PeerAddrDel(ctx, "vk", "")
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeInvalidIPAddress))
}

func TestOrganize_TopologyChangeResyncs(t *testing.T) {
	f := newOrganize(t)
	require.NoError(t, f.o.Start(ctx))
	alice := newIdentity(t, "fdff:ffff:ffdf::a")
	_, err := f.o.ProcessDescriptor(ctx, alice.descriptor("alice.local.", 1, "10.0.0.1"))
	require.NoError(t, err)
	assert.NotNil(t, f.o.Snapshot().Peers.Gateway())
	syncs := f.sys.syncs

	f.sys.setState(otherLanSystemState())
	res, err := f.o.GetNewSystemState(ctx, "test")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.HasAction("RemovePeer"))
	assert.Equal(t, syncs+1, f.sys.syncs)
	assert.Contains(t, f.sys.names(), TriggerRemoveWGPeer)
	assert.Empty(t, f.o.Snapshot().Peers)
}

func TestOrganize_OurLatestDescriptors(t *testing.T) {
	f := newOrganize(t)
	require.NoError(t, f.o.Start(ctx))

	ds := f.o.OurLatestDescriptors()
	require.Contains(t, ds, "eth0")
	d, err := peer.ParseDescriptor(ds["eth0"])
	require.NoError(t, err)
	assert.True(t, d.Verify())
	assert.Equal(t, f.o.Keys().ID(), d.ID())
	assert.Equal(t, f.o.Snapshot().Prefs.PrimaryIP, d.Primary)
}

func TestOrganize_NoSystem(t *testing.T) {
	o, err := New(Config{}, NewStore(filepath.Join(t.TempDir(), "organize.yaml"), nil), testKeys(t), nil)
	require.NoError(t, err)
	assert.True(t, vulaerrors.IsErrorCode(o.Sync(ctx), vulaerrors.ErrCodeConfiguration))
	_, err = o.GetNewSystemState(ctx, "test")
	assert.Error(t, err)
}
