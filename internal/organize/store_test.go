package organize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MissingFileGivesDefaults(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "organize.yaml"), nil)
	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultState().Prefs, st.Prefs)
	assert.Empty(t, st.Peers)
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "organize.yaml")
	store := NewStore(path, nil)

	f := newFixture(t, recordEvents)
	alice := newIdentity(t, "fdff:ffff:ffdf::a")
	f.accept(t, alice.descriptor("alice.local.", 7, "10.0.0.1"))
	want := f.m.Snapshot()

	require.NoError(t, store.Save(want))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := store.Load()
	require.NoError(t, err)

	wantBytes, err := want.Canonical()
	require.NoError(t, err)
	gotBytes, err := got.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(wantBytes), string(gotBytes))
	assert.Len(t, got.EventLog, 1)

	p := got.Peers[alice.ID()]
	require.NotNil(t, p)
	assert.True(t, p.Descriptor.Verify(), "signature survives the round trip")

	ok, err := ReplayMatches(f.initial, got)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_CorruptFileIsMovedAside(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "prefs: [unterminated\n"},
		{"invalid prefs", "prefs:\n  local_domains: []\n"},
		{"negative expire time", "prefs:\n  expire_time: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "organize.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			st, err := NewStore(path, nil).Load()
			require.NoError(t, err)
			assert.Equal(t, DefaultState().Prefs, st.Prefs)

			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err))
			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.True(t, strings.HasPrefix(entries[0].Name(), "organize.yaml.corrupt-"))
		})
	}
}
