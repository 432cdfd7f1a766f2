package organize

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/peer"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/logger"
)

// EventKind names the events the state machine accepts.
type EventKind int

const (
	EventIncomingDescriptor EventKind = iota
	EventNewSystemState
	EventUserEdit
	EventVerifyAndPinPeer
	EventUserRemovePeer
	EventUserPeerAddrAdd
	EventUserPeerAddrDel
	EventReleaseGateway
)

var eventNames = map[EventKind]string{
	EventIncomingDescriptor: "INCOMING_DESCRIPTOR",
	EventNewSystemState:     "NEW_SYSTEM_STATE",
	EventUserEdit:           "USER_EDIT",
	EventVerifyAndPinPeer:   "VERIFY_AND_PIN_PEER",
	EventUserRemovePeer:     "USER_REMOVE_PEER",
	EventUserPeerAddrAdd:    "USER_PEER_ADDR_ADD",
	EventUserPeerAddrDel:    "USER_PEER_ADDR_DEL",
	EventReleaseGateway:     "RELEASE_GATEWAY",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int(k))
}

// Trigger names understood by the system layer.
const (
	TriggerSyncPeer           = "sync_peer"
	TriggerRemoveWGPeer       = "remove_wg_peer"
	TriggerRemoveRoutes       = "remove_routes"
	TriggerGetNewSystemState  = "get_new_system_state"
	TriggerRemoveUnknownPeers = "remove_unknown"
)

// GatewayRoutes cover the whole address space without replacing the
// system default route.
var GatewayRoutes = []string{"0.0.0.0/1", "128.0.0.0/1", "::/1", "8000::/1"}

// Event is one input to the state machine. Only the fields relevant to
// Kind are read.
type Event struct {
	Kind EventKind

	Descriptor  *peer.Descriptor // IncomingDescriptor
	SystemState *SystemState     // NewSystemState

	Op    engine.Op // UserEdit
	Path  []string  // UserEdit
	Value any       // UserEdit

	VerifyKey string     // VerifyAndPinPeer, UserPeerAddrAdd, UserPeerAddrDel
	Hostname  string     // VerifyAndPinPeer
	Query     string     // UserRemovePeer
	IP        netip.Addr // UserPeerAddrAdd, UserPeerAddrDel
}

func (ev Event) args() []any {
	switch ev.Kind {
	case EventIncomingDescriptor:
		return []any{ev.Descriptor}
	case EventNewSystemState:
		return []any{ev.SystemState}
	case EventUserEdit:
		return []any{string(ev.Op), ev.Path, ev.Value}
	case EventVerifyAndPinPeer:
		return []any{ev.VerifyKey, ev.Hostname}
	case EventUserRemovePeer:
		return []any{ev.Query}
	case EventUserPeerAddrAdd, EventUserPeerAddrDel:
		return []any{ev.VerifyKey, ev.IP.String()}
	}
	return nil
}

// Machine runs organize events through the transactional engine.
type Machine struct {
	engine *engine.Engine[*State]
	log    *logger.Logger
}

// NewMachine creates a machine over an initial state.
func NewMachine(initial *State, log *logger.Logger, opts ...engine.Option[*State]) (*Machine, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("organize")
	opts = append([]engine.Option[*State]{engine.WithLogger[*State](log)}, opts...)
	e, err := engine.New(initial, opts...)
	if err != nil {
		return nil, err
	}
	return &Machine{engine: e, log: log}, nil
}

// Snapshot returns the committed state. Callers must not mutate it.
func (m *Machine) Snapshot() *State {
	return m.engine.Snapshot()
}

// SetTriggerTarget sets where triggers go once the system layer exists.
func (m *Machine) SetTriggerTarget(t engine.TriggerTarget) {
	m.engine.SetTriggerTarget(t)
}

// Handle runs one event as a transaction.
func (m *Machine) Handle(ctx context.Context, ev Event) *engine.Result {
	return m.engine.Do(ctx, ev.Kind.String(), ev.args(), func(tx *engine.Tx[*State]) error {
		t := &txn{Tx: tx, ctx: ctx, log: m.log}
		switch ev.Kind {
		case EventIncomingDescriptor:
			return t.incomingDescriptor(ev.Descriptor)
		case EventNewSystemState:
			return t.newSystemState(ev.SystemState)
		case EventUserEdit:
			return t.userEdit(ev.Op, ev.Path, ev.Value)
		case EventVerifyAndPinPeer:
			return t.verifyAndPinPeer(ev.VerifyKey, ev.Hostname)
		case EventUserRemovePeer:
			return t.userRemovePeer(ev.Query)
		case EventUserPeerAddrAdd:
			return t.peerAddrAdd(ev.VerifyKey, ev.IP)
		case EventUserPeerAddrDel:
			return t.peerAddrDel(ev.VerifyKey, ev.IP)
		case EventReleaseGateway:
			return t.releaseGateway()
		}
		return vulaerrors.NewStateError(vulaerrors.ErrCodeValidation, "unknown event "+ev.Kind.String(), nil)
	})
}

func (m *Machine) IncomingDescriptor(ctx context.Context, d *peer.Descriptor) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventIncomingDescriptor, Descriptor: d})
}

func (m *Machine) NewSystemState(ctx context.Context, s SystemState) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventNewSystemState, SystemState: &s})
}

func (m *Machine) UserEdit(ctx context.Context, op engine.Op, path []string, value any) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventUserEdit, Op: op, Path: path, Value: value})
}

func (m *Machine) VerifyAndPinPeer(ctx context.Context, vk, hostname string) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventVerifyAndPinPeer, VerifyKey: vk, Hostname: hostname})
}

func (m *Machine) UserRemovePeer(ctx context.Context, query string) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventUserRemovePeer, Query: query})
}

func (m *Machine) PeerAddrAdd(ctx context.Context, vk string, ip netip.Addr) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventUserPeerAddrAdd, VerifyKey: vk, IP: ip})
}

func (m *Machine) PeerAddrDel(ctx context.Context, vk string, ip netip.Addr) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventUserPeerAddrDel, VerifyKey: vk, IP: ip})
}

func (m *Machine) ReleaseGateway(ctx context.Context) *engine.Result {
	return m.Handle(ctx, Event{Kind: EventReleaseGateway})
}

// txn carries one transaction through the event and action functions.
type txn struct {
	*engine.Tx[*State]
	ctx context.Context
	log *logger.Logger
}

func (t *txn) state() *State {
	return t.Next
}

func peerPath(id string, rest ...string) []string {
	return append([]string{"peers", id}, rest...)
}

// Events

func (t *txn) incomingDescriptor(d *peer.Descriptor) error {
	if d == nil {
		return vulaerrors.NewDescriptorError(vulaerrors.ErrCodeDescriptorInvalid, "missing descriptor", nil)
	}
	s := t.state()

	if !d.Verify() {
		return t.reject(d, "invalid signature")
	}
	if !d.Primary.IsValid() || !peer.ULASubnet.Contains(d.Primary) {
		return t.reject(d, "primary IP is not in ULA subnet")
	}
	if d.WGPublicKey == s.SystemState.OurWGPublicKey {
		return t.ignore(d, "has our wg pk")
	}

	existing := s.Peers[d.ID()]
	if existing != nil && d.ValidFrom < existing.Descriptor.ValidFrom {
		return t.ignore(d, "replay")
	}

	local := false
	for _, a := range d.AllAddrs() {
		if s.SystemState.IsLocal(a) {
			local = true
			break
		}
	}
	if !local {
		return t.reject(d, "no addresses local to us")
	}
	if !s.Prefs.IsLocalName(d.Hostname) {
		return t.reject(d, "invalid domain")
	}

	conflicts := s.Peers.ConflictsForDescriptor(d)
	for _, c := range conflicts {
		if c.Pinned {
			return t.reject(d, "conflict with pinned peer "+c.NameAndID())
		}
	}
	for _, c := range conflicts {
		if err := t.removePeer(c.ID()); err != nil {
			return err
		}
	}

	if existing != nil {
		return t.updatePeerDescriptor(d)
	}
	return t.acceptNewPeer(d)
}

func (t *txn) newSystemState(ns *SystemState) error {
	if ns == nil {
		return vulaerrors.NewStateError(vulaerrors.ErrCodeValidation, "missing system state", nil)
	}
	if t.state().SystemState.Equal(*ns) {
		t.Action("Ignore", "system state unchanged")
		t.log.DebugContext(t.ctx, "system state unchanged")
		return nil
	}
	return t.adjustToNewSystemState(ns.Clone())
}

func (t *txn) userEdit(op engine.Op, path []string, value any) error {
	return t.edit(op, path, value)
}

func (t *txn) verifyAndPinPeer(vk, hostname string) error {
	p, err := t.state().Peers.WithHostname(hostname)
	if err != nil {
		return err
	}
	if p.ID() != vk {
		return vulaerrors.NewPeerError(vulaerrors.ErrCodeIdentityMismatch,
			fmt.Sprintf("expected %s to have id %s, have %s", hostname, vk, p.ID()), false, nil).
			WithMetadata("peer_id", p.ID()).
			WithMetadata("hostname", hostname)
	}
	if err := t.edit(engine.OpSet, peerPath(vk, "verified"), true); err != nil {
		return err
	}
	return t.edit(engine.OpSet, peerPath(vk, "pinned"), true)
}

func (t *txn) userRemovePeer(query string) error {
	p := t.state().Peers.Query(query)
	if p == nil {
		t.Action("Ignore", "no such peer", query)
		t.log.Decision(t.ctx, "Ignore", "no such peer", "query", query)
		return nil
	}
	return t.removePeer(p.ID())
}

func (t *txn) peerAddrAdd(vk string, ip netip.Addr) error {
	p, ok := t.state().Peers[vk]
	if !ok {
		t.Action("Ignore", "no such peer", vk)
		return nil
	}
	if !ip.IsValid() {
		return vulaerrors.NewPeerError(vulaerrors.ErrCodeInvalidIPAddress, "invalid IP address", false, nil)
	}
	t.Action("PeerAddrAdd", vk, ip.String())
	if err := t.Set(peerPath(p.ID(), addrField(ip), ip.String()), true); err != nil {
		return err
	}
	t.Trigger(TriggerSyncPeer, vk)
	return nil
}

func (t *txn) peerAddrDel(vk string, ip netip.Addr) error {
	p, ok := t.state().Peers[vk]
	if !ok {
		t.Action("Ignore", "no such peer", vk)
		return nil
	}
	if !ip.IsValid() {
		return vulaerrors.NewPeerError(vulaerrors.ErrCodeInvalidIPAddress, "invalid IP address", false, nil)
	}
	t.Action("PeerAddrDel", vk, ip.String())
	if err := t.Remove(peerPath(p.ID(), addrField(ip)), ip.String()); err != nil {
		return err
	}
	t.Trigger(TriggerSyncPeer, vk)
	t.Trigger(TriggerRemoveRoutes, []string{netip.PrefixFrom(ip, ip.BitLen()).String()})
	return nil
}

// releaseGateway drops the gateway flag without re-running the address
// rules, which would promote the same peer again straight away. The next
// topology change picks a new gateway.
func (t *txn) releaseGateway() error {
	gw := t.state().Peers.Gateway()
	if gw == nil {
		t.Action("Ignore", "no current gateway peer")
		t.log.Decision(t.ctx, "Ignore", "no current gateway peer")
		return nil
	}
	t.Action("Edit", string(engine.OpSet), peerPath(gw.ID(), "use_as_gateway"), false)
	if err := t.Set(peerPath(gw.ID(), "use_as_gateway"), false); err != nil {
		return err
	}
	t.Trigger(TriggerRemoveRoutes, GatewayRoutes)
	t.Trigger(TriggerSyncPeer, gw.ID())
	t.Trigger(TriggerGetNewSystemState, "gateway released")
	return nil
}

// peerCtx scopes decision logs to one peer.
func (t *txn) peerCtx(id string) context.Context {
	return logger.WithPeerID(t.ctx, id)
}

func addrField(ip netip.Addr) string {
	if ip.Unmap().Is4() {
		return "enabled_ipv4"
	}
	return "enabled_ipv6"
}

// Actions

func (t *txn) reject(d *peer.Descriptor, reason string) error {
	t.Action("Reject", d, reason)
	t.log.Decision(t.peerCtx(d.ID()), "Reject", reason, "hostname", d.Hostname)
	return nil
}

func (t *txn) ignore(d *peer.Descriptor, reason string) error {
	t.Action("Ignore", d, reason)
	t.log.Decision(t.peerCtx(d.ID()), "Ignore", reason, "hostname", d.Hostname)
	return nil
}

func (t *txn) acceptNewPeer(d *peer.Descriptor) error {
	s := t.state()
	pinned := s.Prefs.PinNewPeers && !d.Ephemeral
	t.Action("AcceptNewPeer", d)
	t.log.Decision(t.peerCtx(d.ID()), "AcceptNewPeer", "new peer", "hostname", d.Hostname, "pinned", pinned)

	if err := t.Set(peerPath(d.ID()), d.MakePeer(pinned)); err != nil {
		return err
	}
	return t.updatePeer(d.ID(), nil)
}

func (t *txn) updatePeerDescriptor(d *peer.Descriptor) error {
	t.Action("UpdatePeerDescriptor", d)
	if err := t.Set(peerPath(d.ID(), "descriptor"), d.Clone()); err != nil {
		return err
	}
	return t.updatePeer(d.ID(), nil)
}

func (t *txn) removePeer(id string) error {
	p, ok := t.state().Peers[id]
	if !ok {
		return vulaerrors.NewPeerError(vulaerrors.ErrCodePeerNotFound, "no peer with id "+id, false, nil).
			WithMetadata("peer_id", id)
	}
	t.Action("RemovePeer", id, p.Name())
	t.log.WithContext(t.peerCtx(id)).Info("removing peer", "peer", p.Name())

	routes := make([]string, 0)
	for _, r := range p.Routes() {
		routes = append(routes, r.String())
	}
	wasGateway := p.UseAsGateway
	wgKey := p.Descriptor.WGPublicKey.String()

	if err := t.Remove([]string{"peers"}, id); err != nil {
		return err
	}
	t.Trigger(TriggerRemoveWGPeer, wgKey)
	t.Trigger(TriggerRemoveRoutes, routes)
	if wasGateway {
		t.Trigger(TriggerRemoveRoutes, GatewayRoutes)
	}
	return nil
}

// edit applies one user write and re-derives whatever depends on it.
func (t *txn) edit(op engine.Op, path []string, value any) error {
	t.Action("Edit", string(op), path, value)
	if len(path) >= 3 && path[0] == "peers" {
		if _, ok := t.state().Peers[path[1]]; !ok {
			return vulaerrors.NewPeerError(vulaerrors.ErrCodePeerNotFound, "no peer with id "+path[1], false, nil).
				WithMetadata("peer_id", path[1])
		}
	}
	if err := t.Tx.Write(op, path, value); err != nil {
		return err
	}

	s := t.state()
	switch {
	case len(path) >= 2 && path[0] == "peers":
		if _, ok := s.Peers[path[1]]; ok {
			if err := t.updatePeer(path[1], nil); err != nil {
				return err
			}
		}
	case len(path) >= 1 && path[0] == "prefs":
		for _, id := range s.Peers.SortedIDs() {
			if _, ok := t.state().Peers[id]; !ok {
				continue
			}
			if err := t.updatePeer(id, nil); err != nil {
				return err
			}
		}
		t.Trigger(TriggerGetNewSystemState, "prefs changed")
	}
	t.Trigger(TriggerRemoveUnknownPeers)
	return nil
}

func (t *txn) adjustToNewSystemState(ns SystemState) error {
	t.Action("AdjustToNewSystemState")
	s := t.state()

	if gw := s.Peers.Gateway(); gw != nil && !gw.Pinned && !anyGateway(gw.EnabledIPs(), ns) {
		t.log.WithContext(t.peerCtx(gw.ID())).Info("gateway is no longer reachable, releasing", "peer", gw.Name())
		if err := t.Set(peerPath(gw.ID(), "use_as_gateway"), false); err != nil {
			return err
		}
		t.Trigger(TriggerRemoveRoutes, GatewayRoutes)
	}

	if t.state().Peers.Gateway() == nil {
		for _, p := range t.state().Peers.Sorted() {
			if p.Enabled && anyGateway(p.EnabledIPs(), ns) {
				t.log.WithContext(t.peerCtx(p.ID())).Info("using peer as gateway", "peer", p.Name())
				if err := t.Set(peerPath(p.ID(), "use_as_gateway"), true); err != nil {
					return err
				}
				t.Trigger(TriggerSyncPeer, p.ID())
				break
			}
		}
	}

	for _, id := range t.state().Peers.SortedIDs() {
		if _, ok := t.state().Peers[id]; !ok {
			continue
		}
		if err := t.updatePeer(id, &ns); err != nil {
			return err
		}
	}

	return t.Set([]string{"system_state"}, ns)
}

func anyGateway(ips []netip.Addr, s SystemState) bool {
	for _, ip := range ips {
		if s.IsGateway(ip) {
			return true
		}
	}
	return false
}
