// Package organize holds the vula organize state machine: the aggregate
// state, the events and actions that change it, log replay, persistence,
// and the Organize daemon facade.
package organize

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/peer"
	"github.com/ioerror/vula/internal/prefs"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// State is the organize aggregate. It is only ever modified through the
// engine; committed values are shared and must not be mutated.
type State struct {
	Prefs       prefs.Prefs     `yaml:"prefs" json:"prefs"`
	Peers       peer.Peers      `yaml:"peers" json:"peers"`
	SystemState SystemState     `yaml:"system_state" json:"system_state"`
	EventLog    []engine.Result `yaml:"event_log" json:"event_log"`
}

// DefaultState is the state of a fresh install.
func DefaultState() *State {
	return &State{
		Prefs:       prefs.Default(),
		Peers:       peer.Peers{},
		SystemState: DefaultSystemState(),
		EventLog:    []engine.Result{},
	}
}

// Clone returns a deep copy. The event log entries are immutable records,
// so only the slice header is copied.
func (s *State) Clone() *State {
	peers := s.Peers.Clone()
	return &State{
		Prefs:       s.Prefs.Clone(),
		Peers:       peers,
		SystemState: s.SystemState.Clone(),
		EventLog:    append([]engine.Result{}, s.EventLog...),
	}
}

// Validate enforces the whole-state invariants: valid preferences, peers
// keyed by their own ID, at most one gateway and no two enabled peers
// sharing a name, address or transport key.
func (s *State) Validate() error {
	if err := s.Prefs.Validate(); err != nil {
		return err
	}

	for id, p := range s.Peers {
		if p == nil || p.Descriptor == nil {
			return vulaerrors.NewPeerError(vulaerrors.ErrCodeValidation,
				fmt.Sprintf("peer %s has no descriptor", id), false, nil).WithMetadata("peer_id", id)
		}
		if p.ID() != id {
			return vulaerrors.NewPeerError(vulaerrors.ErrCodeIdentityMismatch,
				fmt.Sprintf("peer stored under %s has id %s", id, p.ID()), false, nil).WithMetadata("peer_id", id)
		}
	}

	if gws := s.Peers.Gateways(); len(gws) > 1 {
		ids := make([]string, len(gws))
		for i, p := range gws {
			ids[i] = p.ID()
		}
		return vulaerrors.NewPeerError(vulaerrors.ErrCodeGatewayConflict,
			fmt.Sprintf("multiple gateway peers: %v", ids), false, nil).WithMetadata("peer_ids", ids)
	}

	if ids := s.Peers.Conflicts(); len(ids) > 0 {
		names := make([]string, len(ids))
		for i, id := range ids {
			names[i] = s.Peers[id].NameAndID()
		}
		return vulaerrors.NewPeerError(vulaerrors.ErrCodePeerConflict,
			fmt.Sprintf("conflicting peers: %v", names), false, nil).WithMetadata("peer_ids", ids)
	}
	return nil
}

// canonicalState is State without the event log, which would otherwise make
// every transaction look like a change.
type canonicalState struct {
	Prefs       prefs.Prefs `yaml:"prefs"`
	Peers       peer.Peers  `yaml:"peers"`
	SystemState SystemState `yaml:"system_state"`
}

// Canonical encodes everything but the event log. yaml.v3 sorts map keys,
// so the encoding is deterministic.
func (s *State) Canonical() ([]byte, error) {
	return yaml.Marshal(canonicalState{Prefs: s.Prefs, Peers: s.Peers, SystemState: s.SystemState})
}

// Apply performs one write against this working copy.
func (s *State) Apply(w engine.Write) error {
	return engine.ApplyPath(s, w)
}

// WithResult appends r to the event log when record_events is on.
func (s *State) WithResult(r engine.Result) (*State, bool) {
	if !s.Prefs.RecordEvents {
		return s, false
	}
	next := *s
	next.EventLog = append(append([]engine.Result{}, s.EventLog...), r)
	return &next, true
}

// YAML renders the whole state, event log included.
func (s *State) YAML() (string, error) {
	b, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
