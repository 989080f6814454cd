package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"memory": NewMemoryStore(),
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var missing doc
			found, err := store.Load("dlq", &missing)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, store.Save("dlq", doc{Name: "first", Items: []string{"a"}}))
			require.NoError(t, store.Save("dlq", doc{Name: "second", Items: []string{"a", "b"}}))

			var got doc
			found, err = store.Load("dlq", &got)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, doc{Name: "second", Items: []string{"a", "b"}}, got)
		})
	}
}

func TestStore_AppendAndLines(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			lines, err := store.Lines("ops-audit", 0)
			require.NoError(t, err)
			assert.Empty(t, lines)

			for _, line := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
				require.NoError(t, store.Append("ops-audit", []byte(line)))
			}
			require.NoError(t, store.Append("other", []byte(`{"n":99}`)))

			all, err := store.Lines("ops-audit", 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, `{"n":1}`, string(all[0]))

			recent, err := store.Lines("ops-audit", 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, `{"n":2}`, string(recent[0]))
			assert.Equal(t, `{"n":3}`, string(recent[1]))
		})
	}
}

func TestFileStore_AtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("slo-samples", doc{Name: "x"}))

	_, err = os.Stat(filepath.Join(dir, "slo-samples.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "slo-samples.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStore_CorruptedSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dlq.json"), []byte("{not json"), 0o644))

	var got doc
	found, err := store.Load("dlq", &got)
	assert.True(t, found)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open("postgres", "", "")
	assert.Error(t, err)
}
