package organize

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/pkg/crypto"
)

// identity is a test peer able to sign new descriptors for itself.
type identity struct {
	priv ed25519.PrivateKey
	wg   crypto.Key
	kem  []byte
	// primary must differ between identities
	primary netip.Addr
}

func newIdentity(t *testing.T, primary string) *identity {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	wg, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pub, err := wg.PublicKey()
	require.NoError(t, err)
	kem := make([]byte, crypto.KEMPublicKeySize)
	_, err = rand.Read(kem)
	require.NoError(t, err)
	return &identity{priv: priv, wg: pub, kem: kem, primary: netip.MustParseAddr(primary)}
}

func (id *identity) ID() string {
	return id.descriptor("x.local.", 1).ID()
}

func (id *identity) descriptor(hostname string, vf int64, addrs ...string) *peer.Descriptor {
	d := &peer.Descriptor{
		Hostname:     hostname,
		Primary:      id.primary,
		WGPublicKey:  id.wg,
		KEMPublicKey: id.kem,
		Port:         5354,
		ValidFrom:    vf,
		TTL:          peer.DefaultTTL,
	}
	parsed := make([]netip.Addr, len(addrs))
	for i, a := range addrs {
		parsed[i] = netip.MustParseAddr(a)
	}
	return d.WithAddrs(parsed...).Sign(id.priv)
}

func lanSystemState(gateways ...string) SystemState {
	s := DefaultSystemState()
	s.CurrentSubnets["10.0.0.0/24"] = []netip.Addr{netip.MustParseAddr("10.0.0.100")}
	s.CurrentInterfaces["eth0"] = []netip.Addr{netip.MustParseAddr("10.0.0.100")}
	for _, g := range gateways {
		s.Gateways = append(s.Gateways, netip.MustParseAddr(g))
	}
	return s
}

func otherLanSystemState() SystemState {
	s := DefaultSystemState()
	s.CurrentSubnets["192.168.1.0/24"] = []netip.Addr{netip.MustParseAddr("192.168.1.100")}
	s.CurrentInterfaces["wlan0"] = []netip.Addr{netip.MustParseAddr("192.168.1.100")}
	return s
}

type triggerLog struct {
	mu    sync.Mutex
	calls []engine.Call
}

func (l *triggerLog) Trigger(_ context.Context, name string, args ...any) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, engine.Call{Name: name, Args: args})
	return "ok", nil
}

func (l *triggerLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	for i, c := range l.calls {
		out[i] = c.Name
	}
	return out
}

type machineFixture struct {
	m        *Machine
	initial  *State
	triggers *triggerLog
	saves    int
}

func newFixture(t *testing.T, modify ...func(*State)) *machineFixture {
	t.Helper()
	st := DefaultState()
	st.SystemState = lanSystemState()
	for _, fn := range modify {
		fn(st)
	}

	f := &machineFixture{initial: st.Clone(), triggers: &triggerLog{}}
	m, err := NewMachine(st, nil,
		engine.WithTriggerTarget[*State](f.triggers),
		engine.WithSave[*State](func(*State) error { f.saves++; return nil }),
	)
	require.NoError(t, err)
	f.m = m
	return f
}

func pinNewPeers(s *State) { s.Prefs.PinNewPeers = true }

func recordEvents(s *State) { s.Prefs.RecordEvents = true }

func (f *machineFixture) accept(t *testing.T, d *peer.Descriptor) {
	t.Helper()
	res := f.m.IncomingDescriptor(context.Background(), d)
	require.True(t, res.OK(), res.Error)
	require.Equal(t, []string{"AcceptNewPeer"}, res.ActionNames())
}
