package sys

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/organize"
	"github.com/ioerror/vula/internal/peer"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/logger"
)

// Organizer is the part of the organize facade the system layer calls
// back into.
type Organizer interface {
	Snapshot() *organize.State
	PSK(peerKEM []byte) (string, error)
	GetNewSystemState(ctx context.Context, reason string) (*engine.Result, error)
}

// Config is the kernel-facing configuration the reconciler renders.
type Config struct {
	Interface      string
	Port           uint16
	Table          int
	FWMark         int
	IPRulePriority int
}

// WGPeer is the desired configuration of one WireGuard peer.
type WGPeer struct {
	PeerID       string    `json:"peer_id" yaml:"peer_id"`
	Name         string    `json:"name" yaml:"name"`
	PublicKey    string    `json:"public_key" yaml:"public_key"`
	PresharedKey string    `json:"-" yaml:"-"`
	Endpoint     string    `json:"endpoint" yaml:"endpoint"`
	AllowedIPs   []string  `json:"allowed_ips" yaml:"allowed_ips"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// Reconciler is the trigger target of the organize engine. It keeps the
// desired WireGuard peers and routes in memory; applying them to the
// kernel is left to an external tool reading Desired.
type Reconciler struct {
	cfg    Config
	org    Organizer
	reader TopologyReader
	log    *logger.Logger

	mu     sync.RWMutex
	peers  map[string]WGPeer // by WireGuard public key
	routes map[netip.Prefix]struct{}
}

// NewReconciler creates a reconciler for org.
func NewReconciler(cfg Config, org Organizer, reader TopologyReader, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		cfg:    cfg,
		org:    org,
		reader: reader,
		log:    log.WithComponent("sys"),
		peers:  make(map[string]WGPeer),
		routes: make(map[netip.Prefix]struct{}),
	}
}

// ReadSystemState reads the topology using the committed prefs.
func (r *Reconciler) ReadSystemState(ctx context.Context) (organize.SystemState, error) {
	return r.reader.Read(ctx, r.org.Snapshot().Prefs)
}

// Trigger dispatches one organize trigger.
func (r *Reconciler) Trigger(ctx context.Context, name string, args ...any) (any, error) {
	switch name {
	case organize.TriggerSyncPeer:
		id, err := argString(name, args, 0)
		if err != nil {
			return nil, err
		}
		return r.SyncPeer(ctx, id)
	case organize.TriggerRemoveWGPeer:
		pk, err := argString(name, args, 0)
		if err != nil {
			return nil, err
		}
		return r.RemoveWGPeer(pk), nil
	case organize.TriggerRemoveRoutes:
		if len(args) == 0 {
			return nil, triggerError(name, "missing routes argument")
		}
		routes, err := engine.Coerce[[]string](args[0])
		if err != nil {
			return nil, triggerError(name, err.Error())
		}
		return r.RemoveRoutes(routes)
	case organize.TriggerGetNewSystemState:
		reason, _ := argString(name, args, 0)
		res, err := r.org.GetNewSystemState(ctx, "trigger: "+reason)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return "system state unchanged", nil
		}
		return res.Summary(), nil
	case organize.TriggerRemoveUnknownPeers:
		return r.RemoveUnknown(), nil
	}
	return nil, triggerError(name, "unknown trigger")
}

// SyncPeer renders the desired configuration for one peer, or removes it
// when the peer is gone or disabled.
func (r *Reconciler) SyncPeer(ctx context.Context, id string) (string, error) {
	p, ok := r.org.Snapshot().Peers[id]
	if !ok || !p.Enabled {
		if ok {
			r.RemoveWGPeer(p.Descriptor.WGPublicKey.String())
		}
		return "peer not configured: " + id, nil
	}

	psk, err := r.org.PSK(p.Descriptor.KEMPublicKey)
	if err != nil {
		return "", vulaerrors.NewSystemError(vulaerrors.ErrCodeTrigger, "failed to derive psk for "+p.Name(), false, err).
			WithMetadata("peer_id", id)
	}

	wg := WGPeer{
		PeerID:       id,
		Name:         p.Name(),
		PublicKey:    p.Descriptor.WGPublicKey.String(),
		PresharedKey: psk,
		Endpoint:     p.Endpoint(),
		AllowedIPs:   p.AllowedIPs(),
		UpdatedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	r.peers[wg.PublicKey] = wg
	for _, rt := range p.Routes() {
		r.routes[rt] = struct{}{}
	}
	if p.UseAsGateway {
		for _, rt := range organize.GatewayRoutes {
			r.routes[netip.MustParsePrefix(rt)] = struct{}{}
		}
	}
	r.mu.Unlock()

	r.log.DebugContext(ctx, "peer synced", "peer", p.NameAndID(), "endpoint", wg.Endpoint, "allowed_ips", wg.AllowedIPs)
	return "configured " + p.Name(), nil
}

// RemoveWGPeer drops the desired WireGuard peer with public key pk.
func (r *Reconciler) RemoveWGPeer(pk string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[pk]; !ok {
		return "no wireguard peer " + pk
	}
	delete(r.peers, pk)
	return "removed wireguard peer " + pk
}

// RemoveRoutes drops routes from the desired route set.
func (r *Reconciler) RemoveRoutes(routes []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, s := range routes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return "", triggerError(organize.TriggerRemoveRoutes, fmt.Sprintf("bad route %q", s))
		}
		if _, ok := r.routes[p]; ok {
			delete(r.routes, p)
			removed++
		}
	}
	return fmt.Sprintf("removed %d routes", removed), nil
}

// RemoveUnknown drops WireGuard peers that no enabled organize peer owns.
func (r *Reconciler) RemoveUnknown() string {
	known := make(map[string]bool)
	for _, p := range r.org.Snapshot().Peers.Limit(true) {
		known[p.Descriptor.WGPublicKey.String()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for pk := range r.peers {
		if !known[pk] {
			delete(r.peers, pk)
			removed = append(removed, pk)
		}
	}
	sort.Strings(removed)
	if len(removed) == 0 {
		return "no unknown peers"
	}
	return "removed unknown peers: " + strings.Join(removed, ", ")
}

// Sync re-renders every enabled peer and drops everything else.
func (r *Reconciler) Sync(ctx context.Context) error {
	op := r.log.StartOp(ctx, "sync")
	st := r.org.Snapshot()

	r.mu.Lock()
	r.routes = make(map[netip.Prefix]struct{})
	r.mu.Unlock()

	var failed []string
	for _, p := range st.Peers.Limit(true).Sorted() {
		if _, err := r.SyncPeer(ctx, p.ID()); err != nil {
			r.log.ErrorCtx(ctx, "peer sync failed", err, "peer", p.NameAndID())
			failed = append(failed, p.ID())
		}
	}
	r.RemoveUnknown()

	if len(failed) > 0 {
		err := vulaerrors.NewSystemError(vulaerrors.ErrCodeTrigger, fmt.Sprintf("%d peers failed to sync", len(failed)), true, nil).
			WithMetadata("peer_ids", failed)
		op.Fail(err, "sync incomplete")
		return err
	}
	op.Complete("sync complete", "peers", len(st.Peers.Limit(true)))
	return nil
}

// PeerStats reports nil for peers without a desired configuration. The
// dry-run layer has no kernel counters, so configured peers report
// unavailable stats.
func (r *Reconciler) PeerStats(id string) *peer.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, wg := range r.peers {
		if wg.PeerID == id {
			return &peer.Stats{Available: false}
		}
	}
	return nil
}

// Desired is the rendered configuration.
type Desired struct {
	Interface      string   `json:"interface" yaml:"interface"`
	Port           uint16   `json:"listen_port" yaml:"listen_port"`
	Table          int      `json:"table" yaml:"table"`
	FWMark         int      `json:"fwmark" yaml:"fwmark"`
	IPRulePriority int      `json:"ip_rule_priority" yaml:"ip_rule_priority"`
	Peers          []WGPeer `json:"peers" yaml:"peers"`
	Routes         []string `json:"routes" yaml:"routes"`
}

// Desired returns the configuration the host should have, sorted.
func (r *Reconciler) Desired() Desired {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d := Desired{
		Interface:      r.cfg.Interface,
		Port:           r.cfg.Port,
		Table:          r.cfg.Table,
		FWMark:         r.cfg.FWMark,
		IPRulePriority: r.cfg.IPRulePriority,
		Peers:          make([]WGPeer, 0, len(r.peers)),
		Routes:         make([]string, 0, len(r.routes)),
	}
	for _, wg := range r.peers {
		d.Peers = append(d.Peers, wg)
	}
	sort.Slice(d.Peers, func(i, j int) bool { return d.Peers[i].PeerID < d.Peers[j].PeerID })
	for rt := range r.routes {
		d.Routes = append(d.Routes, rt.String())
	}
	sort.Strings(d.Routes)
	return d
}

func argString(trigger string, args []any, i int) (string, error) {
	if len(args) <= i {
		return "", triggerError(trigger, fmt.Sprintf("missing argument %d", i))
	}
	s, err := engine.Coerce[string](args[i])
	if err != nil {
		return "", triggerError(trigger, err.Error())
	}
	return s, nil
}

func triggerError(trigger, msg string) error {
	return vulaerrors.NewSystemError(vulaerrors.ErrCodeTrigger, trigger+": "+msg, false, nil).
		WithMetadata("trigger", trigger)
}
