package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// Op is one of the three write primitives.
type Op string

const (
	OpSet    Op = "SET"
	OpAdd    Op = "ADD"
	OpRemove Op = "REMOVE"
)

// ParseOp accepts the op name in any case.
func ParseOp(s string) (Op, error) {
	switch Op(strings.ToUpper(strings.TrimSpace(s))) {
	case OpSet:
		return OpSet, nil
	case OpAdd:
		return OpAdd, nil
	case OpRemove:
		return OpRemove, nil
	}
	return "", vulaerrors.NewStateError(vulaerrors.ErrCodeValidation, fmt.Sprintf("unknown write operation %q", s), nil)
}

// Call is a named invocation with arguments: an event, an action or a
// trigger.
type Call struct {
	Name string `yaml:"name" json:"name"`
	Args []any  `yaml:"args,omitempty" json:"args,omitempty"`
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s%v", c.Name, c.Args)
}

// Write is a single recorded state mutation.
type Write struct {
	Op    Op       `yaml:"op" json:"op"`
	Path  []string `yaml:"path" json:"path"`
	Value any      `yaml:"value" json:"value"`
}

// Result records everything that happened during one event transaction.
// Replaying the Writes of successful Results in order against the same
// starting state reproduces the committed state.
type Result struct {
	ID             string         `yaml:"id" json:"id"`
	Time           time.Time      `yaml:"time" json:"time"`
	Event          Call           `yaml:"event" json:"event"`
	Actions        []Call         `yaml:"actions" json:"actions"`
	Writes         []Write        `yaml:"writes" json:"writes"`
	Triggers       []Call         `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	TriggerResults []string       `yaml:"trigger_results,omitempty" json:"trigger_results,omitempty"`
	Changed        bool           `yaml:"changed" json:"changed"`
	Error          string         `yaml:"error,omitempty" json:"error,omitempty"`
	ErrorCode      string         `yaml:"error_code,omitempty" json:"error_code,omitempty"`
	ErrorMetadata  map[string]any `yaml:"error_metadata,omitempty" json:"error_metadata,omitempty"`
	Traceback      string         `yaml:"traceback,omitempty" json:"traceback,omitempty"`
	PersistError   string         `yaml:"persist_error,omitempty" json:"persist_error,omitempty"`

	err error
}

func newResult(event string, args []any) *Result {
	return &Result{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Event:   Call{Name: event, Args: snapshotArgs(args)},
		Actions: []Call{},
		Writes:  []Write{},
	}
}

// OK reports whether the transaction committed (or was a no-op) without error.
func (r *Result) OK() bool {
	return r.Error == ""
}

// Err returns the error that aborted the transaction, if any. Results
// decoded from storage only carry the message.
func (r *Result) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	return nil
}

// ActionNames lists the actions in call order.
func (r *Result) ActionNames() []string {
	names := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		names[i] = a.Name
	}
	return names
}

// TriggerNames lists the queued triggers in order.
func (r *Result) TriggerNames() []string {
	names := make([]string, len(r.Triggers))
	for i, t := range r.Triggers {
		names[i] = t.Name
	}
	return names
}

// HasAction reports whether an action with the given name ran.
func (r *Result) HasAction(name string) bool {
	for _, a := range r.Actions {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Summary is a one-line description for logs and CLI output.
func (r *Result) Summary() string {
	if !r.OK() {
		return "ERROR: " + r.Error
	}
	return "OK: " + strings.Join(r.ActionNames(), " ")
}

// LogLine renders the result the way the event log command prints it.
func (r *Result) LogLine() string {
	writes := make([]string, len(r.Writes))
	for i, w := range r.Writes {
		writes[i] = string(w.Op)
	}
	return fmt.Sprintf("%s: %v %v %v", r.Event.Name, r.ActionNames(), writes, r.TriggerNames())
}

// YAML renders the full result.
func (r *Result) YAML() string {
	b, err := yaml.Marshal(r)
	if err != nil {
		return r.Summary()
	}
	return string(b)
}

func (r *Result) fail(err error, traceback string) {
	r.err = err
	r.Error = err.Error()
	r.ErrorCode = ""
	r.ErrorMetadata = nil
	if de := vulaerrors.Innermost(err); de != nil {
		r.ErrorCode = de.Code()
		if len(de.Metadata()) > 0 {
			r.ErrorMetadata = de.Metadata()
		}
	}
	if traceback == "" {
		traceback = errorChain(err)
	}
	r.Traceback = traceback
	r.Triggers = nil
}

// journalCopy is the form kept inside a state's own event log: trigger
// results are filled in after commit and stay out of it.
func (r *Result) journalCopy() Result {
	c := *r
	c.TriggerResults = nil
	c.err = nil
	return c
}

func errorChain(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(&b, "%s%T: %s\n", strings.Repeat("  ", depth), err, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

// snapshot converts a value into its plain YAML data form (maps, lists,
// strings, numbers). Recorded results hold snapshots so that later
// mutation of live objects cannot change history, and so that in-memory
// and persisted logs replay through the same coercion path.
func snapshot(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, uint16, float64:
		return v
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return strings.TrimSpace(string(b))
	}
	return out
}

func snapshotArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = snapshot(a)
	}
	return out
}
