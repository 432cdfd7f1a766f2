package eventlog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/internal/events"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

var ctx = context.Background()

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&Config{
		Path:         filepath.Join(t.TempDir(), "eventlog.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newResult(event string, at time.Time) *engine.Result {
	return &engine.Result{
		ID:      uuid.NewString(),
		Time:    at,
		Event:   engine.Call{Name: event, Args: []any{"alice.local."}},
		Actions: []engine.Call{{Name: "AcceptNewPeer", Args: []any{"abc"}}},
		Writes:  []engine.Write{},
		Changed: true,
	}
}

func failed(r *engine.Result) *engine.Result {
	r.Actions = []engine.Call{}
	r.Changed = false
	r.Error = "[state:state_validation] gateway conflict"
	r.ErrorCode = vulaerrors.ErrCodeStateValidation
	return r
}

func TestStore_AppendAndGet(t *testing.T) {
	s := setupTestStore(t)
	r := newResult("INCOMING_DESCRIPTOR", time.Now())

	require.NoError(t, s.Append(ctx, r))
	require.NoError(t, s.Append(ctx, r), "archiving twice is a no-op")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "INCOMING_DESCRIPTOR", got.Event.Name)
	assert.Equal(t, []string{"AcceptNewPeer"}, got.ActionNames())
	assert.True(t, got.Changed)
	assert.True(t, got.OK())

	_, err = s.Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, vulaerrors.IsErrorCode(err, vulaerrors.ErrCodeNotFound))
}

func TestStore_List(t *testing.T) {
	s := setupTestStore(t)
	base := time.Now().Add(-time.Hour)

	var ids []string
	for i, r := range []*engine.Result{
		newResult("INCOMING_DESCRIPTOR", base),
		failed(newResult("USER_EDIT", base.Add(time.Minute))),
		newResult("NEW_SYSTEM_STATE", base.Add(2*time.Minute)),
		newResult("INCOMING_DESCRIPTOR", base.Add(3*time.Minute)),
	} {
		require.NoError(t, s.Append(ctx, r), "result %d", i)
		ids = append(ids, r.ID)
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all oldest first", ListOptions{}, ids},
		{"by event", ListOptions{Event: "INCOMING_DESCRIPTOR"}, []string{ids[0], ids[3]}},
		{"errors only", ListOptions{ErrorsOnly: true}, []string{ids[1]}},
		{"limit keeps newest", ListOptions{Limit: 2}, []string{ids[2], ids[3]}},
		{"since", ListOptions{Since: base.Add(90 * time.Second)}, []string{ids[2], ids[3]}},
		{"no match", ListOptions{Event: "RELEASE_GATEWAY"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := s.List(ctx, tt.opts)
			require.NoError(t, err)
			var got []string
			for _, e := range entries {
				got = append(got, e.Result.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	entries, err := s.List(ctx, ListOptions{ErrorsOnly: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, vulaerrors.ErrCodeStateValidation, entries[0].Result.ErrorCode)
	assert.False(t, entries[0].Result.OK())
	assert.Positive(t, entries[0].Seq)
}

func TestStore_Prune(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now()
	require.NoError(t, s.Append(ctx, newResult("USER_EDIT", now.Add(-48*time.Hour))))
	require.NoError(t, s.Append(ctx, newResult("USER_EDIT", now.Add(-47*time.Hour))))
	keep := newResult("USER_EDIT", now)
	require.NoError(t, s.Append(ctx, keep))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keep.ID, entries[0].Result.ID)
}

func TestMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = NewFromDB(db)
	require.NoError(t, err)
	_, err = NewFromDB(db)
	require.NoError(t, err)

	version, err := currentVersion(db)
	require.NoError(t, err)
	assert.Equal(t, len(Migrations()), version)

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, len(Migrations()), applied)
}

func TestAttach_ArchivesPublishedResults(t *testing.T) {
	s := setupTestStore(t)
	bus := events.NewBus(nil)
	require.NoError(t, Attach(bus, s, nil))

	ok := newResult("INCOMING_DESCRIPTOR", time.Now())
	bad := failed(newResult("USER_EDIT", time.Now()))
	require.NoError(t, bus.Publish(ctx, ok))
	require.NoError(t, bus.Publish(ctx, bad))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a closed store logs and swallows the failure
	require.NoError(t, s.Close())
	assert.NoError(t, bus.Publish(ctx, newResult("USER_EDIT", time.Now())))
}
