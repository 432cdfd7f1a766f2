// Package engine implements a transactional state engine.
//
// Every change to the engine's state happens inside an event transaction.
// The event function records actions and issues SET, ADD and REMOVE writes
// against a private working copy of the state. When it returns, the copy is
// validated as a whole; if validation passes and the state changed, the
// working copy atomically replaces the committed state and is persisted.
// Any error or panic discards the working copy. Triggers queued during the
// transaction run after the lock is released, and only if it succeeded.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/logger"
)

// State is the root aggregate managed by an Engine. Implementations are
// treated as immutable once committed: Clone must return a deep copy that
// can be mutated freely.
type State[S any] interface {
	Clone() S
	// Validate checks whole-aggregate invariants.
	Validate() error
	// Canonical returns a deterministic encoding used for equality.
	Canonical() ([]byte, error)
	// Apply performs one write primitive on this (working) copy.
	Apply(w Write) error
}

// Journaled is implemented by states that keep their own event log. The
// returned state replaces the committed one when ok is true.
type Journaled[S any] interface {
	WithResult(r Result) (s S, ok bool)
}

// TriggerTarget executes deferred side effects after commit.
type TriggerTarget interface {
	Trigger(ctx context.Context, name string, args ...any) (any, error)
}

// TriggerFunc adapts a function to TriggerTarget.
type TriggerFunc func(ctx context.Context, name string, args ...any) (any, error)

func (f TriggerFunc) Trigger(ctx context.Context, name string, args ...any) (any, error) {
	return f(ctx, name, args...)
}

// Engine serializes event transactions over a state of type S.
type Engine[S State[S]] struct {
	txMu sync.Mutex // single writer

	mu        sync.RWMutex // guards current and canonical
	current   S
	canonical []byte

	target TriggerTarget
	save   func(S) error
	record func(*Result)
	log    *logger.Logger
}

// Option configures an Engine.
type Option[S State[S]] func(*Engine[S])

// WithSave sets the persistence callback invoked after every commit that
// changed the state.
func WithSave[S State[S]](save func(S) error) Option[S] {
	return func(e *Engine[S]) { e.save = save }
}

// WithTriggerTarget sets where queued triggers are delivered.
func WithTriggerTarget[S State[S]](t TriggerTarget) Option[S] {
	return func(e *Engine[S]) { e.target = t }
}

// WithRecorder sets a hook that receives every Result, including failed ones.
func WithRecorder[S State[S]](record func(*Result)) Option[S] {
	return func(e *Engine[S]) { e.record = record }
}

// WithLogger sets the engine logger.
func WithLogger[S State[S]](l *logger.Logger) Option[S] {
	return func(e *Engine[S]) { e.log = l }
}

// New creates an engine over an initial state, which must be valid.
func New[S State[S]](initial S, opts ...Option[S]) (*Engine[S], error) {
	if err := initial.Validate(); err != nil {
		return nil, vulaerrors.NewStateError(vulaerrors.ErrCodeStateValidation, "initial state is invalid", err)
	}
	canonical, err := initial.Canonical()
	if err != nil {
		return nil, vulaerrors.NewStateError(vulaerrors.ErrCodeInternal, "failed to encode initial state", err)
	}

	e := &Engine[S]{current: initial, canonical: canonical, log: logger.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetTriggerTarget replaces the trigger target. Used when the target needs
// the engine to exist first.
func (e *Engine[S]) SetTriggerTarget(t TriggerTarget) {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	e.target = t
}

// Snapshot returns the last committed state. Callers must not mutate it.
func (e *Engine[S]) Snapshot() S {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Do runs one event transaction. fn receives a Tx whose Next field is the
// private working copy. The returned Result is never nil.
func (e *Engine[S]) Do(ctx context.Context, event string, args []any, fn func(tx *Tx[S]) error) *Result {
	res := newResult(event, args)
	ctx = logger.WithEvent(logger.WithEventID(ctx, res.ID), event)

	e.txMu.Lock()
	committed := e.Snapshot()
	tx := &Tx[S]{Next: committed.Clone(), result: res}

	err, traceback := guard(func() error {
		if err := fn(tx); err != nil {
			return err
		}
		if tx.err != nil {
			return tx.err
		}
		if err := tx.Next.Validate(); err != nil {
			return vulaerrors.NewStateError(vulaerrors.ErrCodeStateValidation, "state validation failed", err)
		}
		return nil
	})

	candidate := committed
	if err != nil {
		res.fail(err, traceback)
	} else {
		canonical, cerr := tx.Next.Canonical()
		if cerr != nil {
			res.fail(vulaerrors.NewStateError(vulaerrors.ErrCodeInternal, "failed to encode state", cerr), "")
		} else if !bytes.Equal(canonical, e.canonical) {
			candidate = tx.Next
			res.Changed = true
		}
	}

	journaled := false
	if j, ok := any(candidate).(Journaled[S]); ok {
		if next, ok := j.WithResult(res.journalCopy()); ok {
			candidate = next
			journaled = true
		}
	}

	if res.Changed || journaled {
		e.commit(ctx, candidate, res, res.Changed)
	} else if res.OK() {
		e.log.DebugContext(ctx, "state unchanged")
	}
	e.txMu.Unlock()

	if res.OK() {
		e.runTriggers(ctx, res)
	} else {
		e.log.ErrorCtx(ctx, "transaction rolled back", res.Err(), "event", event)
	}

	if e.record != nil {
		e.record(res)
	}
	e.log.DebugContext(ctx, "transaction finished", "summary", res.Summary(), "writes", len(res.Writes))
	return res
}

// commit installs next. A journal-only commit stays in memory and is
// written out with the next real change.
func (e *Engine[S]) commit(ctx context.Context, next S, res *Result, persist bool) {
	canonical, err := next.Canonical()
	if err != nil {
		// Canonical succeeded once for the same data; treat a second
		// failure as a bug but keep the previous encoding consistent.
		res.fail(vulaerrors.NewStateError(vulaerrors.ErrCodeInternal, "failed to encode state", err), "")
		return
	}

	e.mu.Lock()
	e.current = next
	e.canonical = canonical
	e.mu.Unlock()

	if e.save == nil || !persist {
		return
	}
	if err := e.save(next); err != nil {
		res.PersistError = err.Error()
		e.log.ErrorCtx(ctx, "STATE NOT PERSISTED: committed state could not be saved", err)
	}
}

func (e *Engine[S]) runTriggers(ctx context.Context, res *Result) {
	if e.target == nil || len(res.Triggers) == 0 {
		return
	}

	results := make([]string, 0, len(res.Triggers))
	for _, trig := range res.Triggers {
		tctx := logger.WithOperation(ctx, trig.Name)
		var out any
		err, _ := guard(func() error {
			var terr error
			out, terr = e.target.Trigger(tctx, trig.Name, trig.Args...)
			return terr
		})
		if err != nil {
			e.log.WithContext(tctx).Warn("trigger failed", "error", err.Error())
			results = append(results, err.Error())
			continue
		}
		results = append(results, formatTriggerResult(out))
	}
	res.TriggerResults = results
}

func formatTriggerResult(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// guard runs fn and converts a panic into an error carrying the stack.
func guard(fn func() error) (err error, traceback string) {
	defer func() {
		if r := recover(); r != nil {
			err = vulaerrors.NewStateError(vulaerrors.ErrCodeInternal, "panic during transaction", fmt.Errorf("%v", r))
			traceback = string(debug.Stack())
		}
	}()
	return fn(), ""
}
