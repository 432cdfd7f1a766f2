package organize

import (
	"bytes"
	"fmt"

	"github.com/ioerror/vula/internal/engine"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// Replay rebuilds a state by applying, in order, the writes of every
// successful result in log to a copy of base. base is normally the state
// the log was recorded from (DefaultState with record_events on).
func Replay(base *State, log []engine.Result) (*State, error) {
	s := base.Clone()
	s.EventLog = []engine.Result{}
	for i, r := range log {
		if !r.OK() {
			continue
		}
		for j, w := range r.Writes {
			if err := s.Apply(w); err != nil {
				return nil, vulaerrors.NewStateError(vulaerrors.ErrCodeStateLoad,
					fmt.Sprintf("replay failed at result %d (%s) write %d", i, r.Event.Name, j), err).
					WithMetadata("result_id", r.ID)
			}
		}
	}
	if err := s.Validate(); err != nil {
		return nil, vulaerrors.NewStateError(vulaerrors.ErrCodeStateValidation, "replayed state is invalid", err)
	}
	return s, nil
}

// ReplayMatches reports whether replaying s's own event log over base
// reproduces s.
func ReplayMatches(base, s *State) (bool, error) {
	replayed, err := Replay(base, s.EventLog)
	if err != nil {
		return false, err
	}
	a, err := s.Canonical()
	if err != nil {
		return false, err
	}
	b, err := replayed.Canonical()
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}
