package organize

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/keys"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/internal/prefs"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/logger"
)

// System is the collaborator that reads the host topology and applies
// decisions to it. Its Trigger method receives every queued trigger.
type System interface {
	engine.TriggerTarget
	ReadSystemState(ctx context.Context) (SystemState, error)
	// Sync brings the host in line with the whole committed state.
	Sync(ctx context.Context) error
	// PeerStats returns transfer statistics, or nil when the peer is not
	// configured.
	PeerStats(id string) *peer.Stats
}

// Config holds the facade settings that do not live in prefs.
type Config struct {
	Hostname       string
	Port           uint16
	HostsFile      string
	ResyncInterval time.Duration
}

// Organize is the daemon facade: it owns the state machine, persistence,
// the host keys and the PSK cache, and exposes the user operations.
type Organize struct {
	cfg     Config
	machine *Machine
	store   *Store
	keys    *keys.Keys
	psk     *PSKCache
	log     *logger.Logger

	mu     sync.RWMutex
	system System

	hookMu sync.RWMutex
	hooks  []func(*engine.Result)
}

// New loads the persisted state and builds the facade. The system
// collaborator is attached later with SetSystem.
func New(cfg Config, store *Store, k *keys.Keys, log *logger.Logger) (*Organize, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 5354
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = time.Minute
	}

	initial, err := store.Load()
	if err != nil {
		return nil, err
	}
	psk, err := NewPSKCache(k.KEM)
	if err != nil {
		return nil, err
	}

	o := &Organize{cfg: cfg, store: store, keys: k, psk: psk, log: log.WithComponent("organize")}
	machine, err := NewMachine(initial, log,
		engine.WithSave[*State](o.save),
		engine.WithRecorder[*State](o.record),
	)
	if err != nil {
		return nil, err
	}
	o.machine = machine
	return o, nil
}

// SetSystem attaches the system collaborator and routes triggers to it.
func (o *Organize) SetSystem(s System) {
	o.mu.Lock()
	o.system = s
	o.mu.Unlock()
	o.machine.SetTriggerTarget(s)
}

// OnResult registers a hook that receives every transaction result.
func (o *Organize) OnResult(fn func(*engine.Result)) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.hooks = append(o.hooks, fn)
}

func (o *Organize) record(r *engine.Result) {
	o.hookMu.RLock()
	defer o.hookMu.RUnlock()
	for _, fn := range o.hooks {
		fn(r)
	}
}

func (o *Organize) save(s *State) error {
	if err := o.store.Save(s); err != nil {
		return err
	}
	if o.cfg.HostsFile != "" {
		if err := WriteHosts(o.cfg.HostsFile, s, o.cfg.Hostname); err != nil {
			o.log.Warn("failed to write hosts file", "path", o.cfg.HostsFile, "error", err)
		}
	}
	return nil
}

func (o *Organize) sys() System {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.system
}

// Snapshot returns the committed state. Callers must not mutate it.
func (o *Organize) Snapshot() *State {
	return o.machine.Snapshot()
}

// Keys returns the host keys.
func (o *Organize) Keys() *keys.Keys {
	return o.keys
}

// Hostname is the name we announce.
func (o *Organize) Hostname() string {
	return o.cfg.Hostname
}

// PSK returns the preshared key for a peer KEM public key.
func (o *Organize) PSK(peerKEM []byte) (string, error) {
	return o.psk.PSK(peerKEM)
}

// PSKStats reports the PSK cache counters.
func (o *Organize) PSKStats() PSKStats {
	return o.psk.Stats()
}

// Events

// ProcessDescriptorString parses a wire-form descriptor and processes it.
func (o *Organize) ProcessDescriptorString(ctx context.Context, s string) (*engine.Result, error) {
	d, err := peer.ParseDescriptor(s)
	if err != nil {
		return nil, err
	}
	return o.ProcessDescriptor(ctx, d)
}

// ProcessDescriptor checks the signature and runs IncomingDescriptor.
func (o *Organize) ProcessDescriptor(ctx context.Context, d *peer.Descriptor) (*engine.Result, error) {
	if !d.Verify() {
		return nil, vulaerrors.NewDescriptorError(vulaerrors.ErrCodeSignatureInvalid,
			"descriptor signature does not verify", nil).WithMetadata("hostname", d.Hostname)
	}
	return o.machine.IncomingDescriptor(ctx, d), nil
}

// NewSystemState runs the NewSystemState event with s.
func (o *Organize) NewSystemState(ctx context.Context, s SystemState) *engine.Result {
	return o.machine.NewSystemState(ctx, s)
}

// GetNewSystemState reads the topology and, when it differs from the
// committed one, processes it and resyncs. It returns nil when nothing
// changed.
func (o *Organize) GetNewSystemState(ctx context.Context, reason string) (*engine.Result, error) {
	sys := o.sys()
	if sys == nil {
		return nil, vulaerrors.NewSystemError(vulaerrors.ErrCodeConfiguration, "no system layer attached", false, nil)
	}
	ns, err := sys.ReadSystemState(ctx)
	if err != nil {
		return nil, err
	}
	ns.OurWGPublicKey = o.keys.WGPublicKey()

	if o.Snapshot().SystemState.Equal(ns) {
		o.log.DebugContext(ctx, "system state unchanged", "reason", reason)
		return nil, nil
	}
	o.log.InfoContext(ctx, "system state changed", "reason", reason)
	res := o.machine.NewSystemState(ctx, ns)
	if res.OK() {
		if err := sys.Sync(ctx); err != nil {
			o.log.ErrorCtx(ctx, "sync after system state change failed", err)
		}
	}
	return res, nil
}

// UserEdit applies one write on behalf of the user.
func (o *Organize) UserEdit(ctx context.Context, op engine.Op, path []string, value any) *engine.Result {
	return o.machine.UserEdit(ctx, op, path, value)
}

// SetPeer sets a field below peers.<vk>.
func (o *Organize) SetPeer(ctx context.Context, vk string, path []string, value any) *engine.Result {
	return o.UserEdit(ctx, engine.OpSet, append([]string{"peers", vk}, path...), value)
}

// SetPref sets a preference.
func (o *Organize) SetPref(ctx context.Context, pref string, value any) *engine.Result {
	return o.UserEdit(ctx, engine.OpSet, []string{"prefs", pref}, value)
}

// AddPref adds value to a list preference.
func (o *Organize) AddPref(ctx context.Context, pref string, value any) *engine.Result {
	return o.UserEdit(ctx, engine.OpAdd, []string{"prefs", pref}, value)
}

// RemovePref removes value from a list preference.
func (o *Organize) RemovePref(ctx context.Context, pref string, value any) *engine.Result {
	return o.UserEdit(ctx, engine.OpRemove, []string{"prefs", pref}, value)
}

// RemovePeer removes the peer matching query (id, name or address).
func (o *Organize) RemovePeer(ctx context.Context, query string) *engine.Result {
	return o.machine.UserRemovePeer(ctx, query)
}

// PeerAddrAdd enables ip for the peer vk.
func (o *Organize) PeerAddrAdd(ctx context.Context, vk, ip string) (*engine.Result, error) {
	addr, err := parseIP(ip)
	if err != nil {
		return nil, err
	}
	return o.machine.PeerAddrAdd(ctx, vk, addr), nil
}

// PeerAddrDel forgets ip for the peer vk.
func (o *Organize) PeerAddrDel(ctx context.Context, vk, ip string) (*engine.Result, error) {
	addr, err := parseIP(ip)
	if err != nil {
		return nil, err
	}
	return o.machine.PeerAddrDel(ctx, vk, addr), nil
}

func parseIP(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, vulaerrors.NewPeerError(vulaerrors.ErrCodeInvalidIPAddress, "invalid IP address "+s, false, err)
	}
	return a, nil
}

// VerifyAndPinPeer marks the peer known as hostname verified and pinned,
// provided its id is vk.
func (o *Organize) VerifyAndPinPeer(ctx context.Context, vk, hostname string) *engine.Result {
	return o.machine.VerifyAndPinPeer(ctx, vk, hostname)
}

// ReleaseGateway stops using the current gateway peer.
func (o *Organize) ReleaseGateway(ctx context.Context) *engine.Result {
	return o.machine.ReleaseGateway(ctx)
}

// Queries

// PeerIDs lists peer ids selected by which (all, enabled, disabled).
func (o *Organize) PeerIDs(which string) ([]string, error) {
	w, err := peer.ParseWhich(which)
	if err != nil {
		return nil, err
	}
	return o.Snapshot().Peers.IDs(w), nil
}

func (o *Organize) lookup(query string) (*peer.Peer, error) {
	p := o.Snapshot().Peers.Query(query)
	if p == nil {
		return nil, vulaerrors.NewPeerError(vulaerrors.ErrCodePeerNotFound, "no such peer: "+query, false, nil).
			WithMetadata("query", query)
	}
	return p, nil
}

// ShowPeer renders a peer for humans.
func (o *Organize) ShowPeer(query string) (string, error) {
	p, err := o.lookup(query)
	if err != nil {
		return "", err
	}
	var stats *peer.Stats
	if sys := o.sys(); sys != nil {
		stats = sys.PeerStats(p.ID())
	}
	return p.Show(stats, time.Now()), nil
}

// Peer returns a copy of the peer matching query.
func (o *Organize) Peer(query string) (*peer.Peer, error) {
	p, err := o.lookup(query)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// PeerDescriptor returns the wire form of a peer's latest descriptor.
func (o *Organize) PeerDescriptor(query string) (string, error) {
	p, err := o.lookup(query)
	if err != nil {
		return "", err
	}
	return p.Descriptor.String(), nil
}

// GetVKByName returns the id of the enabled peer called hostname.
func (o *Organize) GetVKByName(hostname string) (string, error) {
	p, err := o.Snapshot().Peers.WithHostname(hostname)
	if err != nil {
		return "", err
	}
	return p.ID(), nil
}

// Prefs returns the current preferences.
func (o *Organize) Prefs() prefs.Prefs {
	return o.Snapshot().Prefs.Clone()
}

// EventLog returns the recorded results, oldest first.
func (o *Organize) EventLog() []engine.Result {
	return append([]engine.Result{}, o.Snapshot().EventLog...)
}

// OurLatestDescriptors signs fresh descriptors for every interface.
func (o *Organize) OurLatestDescriptors() map[string]string {
	ds := OurDescriptors(o.Snapshot(), o.keys, o.cfg.Hostname, o.cfg.Port, time.Now())
	out := make(map[string]string, len(ds))
	for iface, d := range ds {
		out[iface] = d.String()
	}
	return out
}

// Sync asks the system layer to reconcile every peer.
func (o *Organize) Sync(ctx context.Context) error {
	sys := o.sys()
	if sys == nil {
		return vulaerrors.NewSystemError(vulaerrors.ErrCodeConfiguration, "no system layer attached", false, nil)
	}
	return sys.Sync(ctx)
}

// Start performs the startup sequence: assign a primary address when
// none is set, read the topology, allow the IPv6 local ranges when IPv6 is
// on, and sync.
func (o *Organize) Start(ctx context.Context) error {
	op := o.log.StartOp(ctx, "organize_start")

	if !o.Snapshot().Prefs.PrimaryIP.IsValid() {
		ip, err := RandomPrimaryIP()
		if err != nil {
			op.Fail(err, "could not pick a primary address")
			return err
		}
		if res := o.SetPref(ctx, "primary_ip", ip.String()); !res.OK() {
			op.Fail(res.Err(), "could not set primary address")
			return res.Err()
		}
		op.Progress("assigned primary address", "primary_ip", ip.String())
	}

	if _, err := o.GetNewSystemState(ctx, "startup"); err != nil {
		op.Fail(err, "could not read system state")
		return err
	}

	st := o.Snapshot()
	if st.Prefs.EnableIPv6 && st.SystemState.HasV6 {
		for _, subnet := range []netip.Prefix{prefs.LinkLocalSubnet, prefs.ULASubnet} {
			if containsPrefix(st.Prefs.SubnetsAllowed, subnet) {
				continue
			}
			if res := o.AddPref(ctx, "subnets_allowed", subnet.String()); !res.OK() {
				o.log.ErrorCtx(ctx, "could not allow local IPv6 range", res.Err(), "subnet", subnet.String())
			}
		}
	}

	if err := o.Sync(ctx); err != nil {
		op.Fail(err, "initial sync failed")
		return err
	}
	op.Complete("organize started", "peers", len(o.Snapshot().Peers), "id", o.keys.ID())
	return nil
}

// Run starts the daemon and then re-reads the topology every resync
// interval until ctx is cancelled.
func (o *Organize) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(o.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.log.Info("organize stopping")
			return nil
		case <-ticker.C:
			if _, err := o.GetNewSystemState(ctx, "periodic"); err != nil {
				o.log.ErrorCtx(ctx, "periodic system state check failed", err)
			}
			if o.Snapshot().Prefs.AutoRepair {
				if err := o.Sync(ctx); err != nil {
					o.log.ErrorCtx(ctx, "periodic sync failed", err)
				}
			}
		}
	}
}

func containsPrefix(list []netip.Prefix, p netip.Prefix) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}
