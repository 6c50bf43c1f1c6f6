package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/dynport/internal/model"
)

// fixedClock returns a clock frozen at a known instant that can be advanced
// by the test.
func fixedClock() (func() time.Time, func(time.Duration)) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.Local)
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func newTestStore(t *testing.T, start, end int, opts ...Option) *Store {
	t.Helper()
	settings := model.Settings{
		PortRange:  [2]int{start, end},
		StatePath:  filepath.Join(t.TempDir(), "port_state", "dynamic_ports.json"),
		HistoryMax: 5,
	}
	return New(settings, opts...)
}

func writeRaw(t *testing.T, s *Store, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(content), 0o644))
}

// TestLoad_MissingFile verifies a missing file is not an error and yields
// a fresh state that the caller should persist.
func TestLoad_MissingFile(t *testing.T) {
	s := newTestStore(t, 3000, 3003)

	res := s.Load()

	require.NotNil(t, res.State)
	assert.False(t, res.Existed)
	assert.NoError(t, res.Recovered)
	assert.True(t, res.NeedsSave())
	assert.Equal(t, []int{3000, 3001, 3002, 3003}, res.State.FreePorts)
	assert.Nil(t, res.State.LastError)
}

// TestLoad_CorruptContent covers every flavour of untrusted file content.
// Each must be quarantined and replaced by a fresh state with last_error set.
func TestLoad_CorruptContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "garbage", content: "not json {{{"},
		{name: "empty file", content: ""},
		{name: "whitespace only", content: "  \n\t"},
		{name: "overlapping sets", content: `{"free_ports":[3000,3001],"used_ports":[3001],"port_usage":{},"history":[],"settings":{}}`},
		{name: "unsorted free ports", content: `{"free_ports":[3002,3000],"used_ports":[],"port_usage":{},"history":[],"settings":{}}`},
		{name: "wrong type", content: `{"free_ports":"3000"}`},
		{name: "json null", content: "null"},
		{name: "empty object", content: "{}"},
		{name: "no settings", content: `{"free_ports":[3000,3001,3002,3003],"used_ports":[],"port_usage":{},"history":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock, _ := fixedClock()
			s := newTestStore(t, 3000, 3003, WithClock(clock))
			writeRaw(t, s, tt.content)

			res := s.Load()

			require.Error(t, res.Recovered)
			assert.True(t, errors.Is(res.Recovered, model.ErrCorruptState), "got %v", res.Recovered)
			assert.True(t, res.NeedsSave())
			assert.Equal(t, []int{3000, 3001, 3002, 3003}, res.State.FreePorts)
			require.NotNil(t, res.State.LastError)
			assert.Contains(t, *res.State.LastError, "corrupt")

			assert.Equal(t, "dynamic_ports_corrupt_20260314_150926.json", res.Quarantined)
			_, err := os.Stat(s.Path())
			assert.True(t, os.IsNotExist(err), "corrupt file must be moved out of the way")
			moved, err := os.ReadFile(filepath.Join(s.BackupDir(), res.Quarantined))
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(moved))
		})
	}
}

// TestLoad_ReconcilesRangeChange verifies that a valid file written for a
// different range is adjusted rather than treated as corrupt.
func TestLoad_ReconcilesRangeChange(t *testing.T) {
	wide := newTestStore(t, 3000, 3009)
	st := model.NewState(wide.Settings())
	st.FreePorts = []int{3000, 3001, 3002, 3003, 3004, 3005, 3006, 3007}
	st.UsedPorts = []int{3008, 3009}
	st.CurrentPort = model.IntPtr(3009)
	require.NoError(t, wide.Save(st))

	narrow := New(model.Settings{PortRange: [2]int{3000, 3004}, StatePath: wide.Path(), HistoryMax: 5})
	res := narrow.Load()

	assert.NoError(t, res.Recovered)
	assert.True(t, res.Existed)
	assert.True(t, res.Reconciled)
	assert.Empty(t, res.Quarantined)
	assert.Equal(t, []int{3000, 3001, 3002, 3003, 3004}, res.State.FreePorts)
	assert.Empty(t, res.State.UsedPorts)
	assert.Nil(t, res.State.CurrentPort, "current port outside the new range is dropped")
	assert.Equal(t, [2]int{3000, 3004}, res.State.Settings.PortRange)
}

// TestLoad_TrimsHistory verifies the history bound is applied on load.
func TestLoad_TrimsHistory(t *testing.T) {
	s := newTestStore(t, 3000, 3003)
	st := model.NewState(s.Settings())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		st.History = append(st.History, model.HistoryEntry{Timestamp: base.Add(time.Duration(i) * time.Second), NewPort: 3000 + i%4})
	}
	writeJSON(t, s, st)

	res := s.Load()

	require.Len(t, res.State.History, 5)
	assert.True(t, res.Reconciled)
	assert.Equal(t, base.Add(3*time.Second), res.State.History[0].Timestamp.UTC())
}

// TestSaveLoad_RoundTrip verifies that what Save writes, Load reads back.
func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t, 3000, 3003)
	st := model.NewState(s.Settings())
	st.FreePorts = []int{3001, 3002, 3003}
	st.UsedPorts = []int{3000}
	st.CurrentPort = model.IntPtr(3000)
	st.PortUsage[3000] = 2
	st.ChangeCount = 3
	st.History = []model.HistoryEntry{{Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NewPort: 3000}}

	require.NoError(t, s.Save(st))
	res := s.Load()

	assert.NoError(t, res.Recovered)
	assert.False(t, res.NeedsSave())
	opts := cmp.Options{
		cmpopts.IgnoreFields(model.State{}, "LastChecked"),
		cmpopts.EquateApproxTime(0),
	}
	if diff := cmp.Diff(st, res.State, opts); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestSave_FileShape verifies the on-disk field names.
func TestSave_FileShape(t *testing.T) {
	s := newTestStore(t, 3000, 3001)
	require.NoError(t, s.Save(model.NewState(s.Settings())))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{
		"current_port", "free_ports", "used_ports", "port_usage", "history",
		"last_checked", "change_count", "last_error", "last_error_time", "settings",
	} {
		assert.Contains(t, raw, key)
	}
	settings := raw["settings"].(map[string]any)
	assert.Equal(t, []any{3000.0, 3001.0}, settings["port_range"])
}

// TestSave_BackupPerOverwrite verifies that the first save of a new file
// makes no backup and each later save makes exactly one.
func TestSave_BackupPerOverwrite(t *testing.T) {
	clock, advance := fixedClock()
	s := newTestStore(t, 3000, 3001, WithClock(clock))
	st := model.NewState(s.Settings())

	require.NoError(t, s.Save(st))
	backups, err := s.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)

	for i := 1; i <= 3; i++ {
		advance(time.Second)
		st.ChangeCount = int64(i)
		require.NoError(t, s.Save(st))

		backups, err = s.ListBackups()
		require.NoError(t, err)
		assert.Len(t, backups, i)
	}

	assert.Equal(t, "dynamic_ports_20260314_150927.json", backups[0].Name)
	assert.False(t, backups[0].Corrupt)

	// The first backup holds the content from before the second save.
	data, err := s.FetchBackup(backups[0].Name)
	require.NoError(t, err)
	var prev model.State
	require.NoError(t, json.Unmarshal(data, &prev))
	assert.Equal(t, int64(0), prev.ChangeCount)
}

// TestSave_SameSecondCollision verifies the counter suffix keeps backups
// taken within one second distinct and ordered.
func TestSave_SameSecondCollision(t *testing.T) {
	clock, _ := fixedClock()
	s := newTestStore(t, 3000, 3001, WithClock(clock))
	st := model.NewState(s.Settings())

	for i := 0; i < 4; i++ {
		st.ChangeCount = int64(i)
		require.NoError(t, s.Save(st))
	}

	backups, err := s.ListBackups()
	require.NoError(t, err)
	names := make([]string, len(backups))
	for i, b := range backups {
		names[i] = b.Name
	}
	assert.Equal(t, []string{
		"dynamic_ports_20260314_150926.json",
		"dynamic_ports_20260314_150926_1.json",
		"dynamic_ports_20260314_150926_2.json",
	}, names)
}

// TestSave_PrunesRegularBackupsOnly verifies backup retention never touches
// quarantined files.
func TestSave_PrunesRegularBackupsOnly(t *testing.T) {
	clock, advance := fixedClock()
	s := newTestStore(t, 3000, 3001, WithClock(clock), WithBackupKeep(2))

	writeRaw(t, s, "garbage")
	res := s.Load()
	require.NotEmpty(t, res.Quarantined)

	st := res.State
	for i := 0; i < 5; i++ {
		advance(time.Second)
		require.NoError(t, s.Save(st))
	}

	backups, err := s.ListBackups()
	require.NoError(t, err)
	var regular, corrupt []string
	for _, b := range backups {
		if b.Corrupt {
			corrupt = append(corrupt, b.Name)
		} else {
			regular = append(regular, b.Name)
		}
	}
	assert.Equal(t, []string{res.Quarantined}, corrupt)
	assert.Equal(t, []string{
		"dynamic_ports_20260314_150930.json",
		"dynamic_ports_20260314_150931.json",
	}, regular)
}

// TestListBackups_MissingDir verifies an absent backup directory is empty,
// not an error.
func TestListBackups_MissingDir(t *testing.T) {
	s := newTestStore(t, 3000, 3001)
	backups, err := s.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

// TestListBackups_IgnoresForeignFiles verifies only names this store writes
// are listed.
func TestListBackups_IgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t, 3000, 3001)
	require.NoError(t, os.MkdirAll(s.BackupDir(), 0o755))
	for _, name := range []string{
		"README.md",
		"other_20260101_000000.json",
		"dynamic_ports_notatime.json",
		"dynamic_ports_20260101_000000_x.json",
		"dynamic_ports_20260101_000000.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(s.BackupDir(), name), []byte("{}"), 0o644))
	}

	backups, err := s.ListBackups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "dynamic_ports_20260101_000000.json", backups[0].Name)
}

// TestFetchBackup_Rejections covers missing backups and names that try to
// escape the backup directory.
func TestFetchBackup_Rejections(t *testing.T) {
	s := newTestStore(t, 3000, 3001)
	require.NoError(t, os.MkdirAll(s.BackupDir(), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("secret"), 0o644))

	for _, name := range []string{
		"",
		".",
		"..",
		"../dynamic_ports.json",
		"dynamic_ports_20260101_000000.json/../../x",
		`..\dynamic_ports_20260101_000000.json`,
		"dynamic_ports_20260101_000000.json",
		"/etc/passwd",
	} {
		_, err := s.FetchBackup(name)
		assert.True(t, errors.Is(err, model.ErrNotFound), "name %q: got %v", name, err)
	}
}

// TestQuarantine_Collision verifies two corrupt files in one second do not
// overwrite each other.
func TestQuarantine_Collision(t *testing.T) {
	clock, _ := fixedClock()
	s := newTestStore(t, 3000, 3001, WithClock(clock))

	writeRaw(t, s, "first")
	first := s.Load()
	writeRaw(t, s, "second")
	second := s.Load()

	assert.NotEqual(t, first.Quarantined, second.Quarantined)
	assert.True(t, strings.HasSuffix(second.Quarantined, "_1.json"), second.Quarantined)
}

func writeJSON(t *testing.T, s *Store, st *model.State) {
	t.Helper()
	data, err := json.Marshal(st)
	require.NoError(t, err)
	writeRaw(t, s, string(data))
}
