package organize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ioerror/vula/internal/fsutil"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/logger"
)

// Store persists the organize state as a YAML file readable only by its
// owner.
type Store struct {
	path string
	log  *logger.Logger
}

// NewStore returns a store for path.
func NewStore(path string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{path: fsutil.ExpandHome(path), log: log.WithComponent("state-store")}
}

// Path is the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields the default state. A
// file that cannot be parsed or fails validation is moved aside to
// <path>.corrupt-<unix> and the default state is used, so a damaged file
// never stops the daemon.
func (s *Store) Load() (*State, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("no state file, starting with defaults", "path", s.path)
		return DefaultState(), nil
	}
	if err != nil {
		return nil, vulaerrors.NewStorageError(vulaerrors.ErrCodeStateLoad, "failed to read state file", false, err).
			WithMetadata("path", s.path)
	}

	st := DefaultState()
	if err := yaml.Unmarshal(b, st); err != nil {
		return s.quarantine(err)
	}
	if err := st.Validate(); err != nil {
		return s.quarantine(err)
	}
	if st.Peers == nil {
		st.Peers = DefaultState().Peers
	}
	if st.EventLog == nil {
		st.EventLog = DefaultState().EventLog
	}
	return st, nil
}

func (s *Store) quarantine(cause error) (*State, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		return nil, vulaerrors.NewStorageError(vulaerrors.ErrCodeStateLoad,
			"state file is corrupt and could not be moved aside", false, err).WithMetadata("path", s.path)
	}
	s.log.Error("state file is corrupt, moved aside and starting with defaults",
		"path", s.path, "moved_to", aside, "error", cause.Error())
	return DefaultState(), nil
}

// Save writes st atomically with mode 0600.
func (s *Store) Save(st *State) error {
	b, err := yaml.Marshal(st)
	if err != nil {
		return vulaerrors.NewStorageError(vulaerrors.ErrCodeStateSave, "failed to encode state", false, err)
	}
	if err := fsutil.WriteAtomic(s.path, b, 0600); err != nil {
		return vulaerrors.NewStorageError(vulaerrors.ErrCodeStateSave, "failed to write state file", true, err).
			WithMetadata("path", s.path)
	}
	return nil
}
