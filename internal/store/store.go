// Package store persists dynport allocator state to a single JSON file.
//
// The store owns three guarantees:
//   - Atomicity: the state file is replaced with github.com/google/renameio/v2
//     (write to a temp file in the same directory, fsync, rename), so a
//     concurrent reader sees either the old or the new content, never a torn
//     write.
//   - Recoverability: before every overwrite the previous content is copied
//     into a sibling "backups" directory as <basename>_<YYYYMMDD_HHMMSS>.<ext>.
//   - Self-healing: Load never fails. A missing file yields a fresh state; an
//     empty, unparsable or structurally invalid file is quarantined into the
//     backup directory and replaced by a fresh state.
//
// The store does not lock. Callers hold the lock package's Lock around every
// Load+Save pair that must be atomic with respect to sibling processes.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/renameio/v2"

	"github.com/mmr-tortoise/dynport/internal/model"
)

const (
	// BackupDirName is the directory, next to the state file, that holds
	// timestamped snapshots.
	BackupDirName = "backups"

	// backupTimeLayout renders as YYYYMMDD_HHMMSS.
	backupTimeLayout = "20060102_150405"

	// corruptTag marks quarantined files inside the backup directory.
	corruptTag = "corrupt"

	filePerm = 0o644
	dirPerm  = 0o755
)

// Store reads and writes one state file and its backups.
type Store struct {
	path      string
	backupDir string
	settings  model.Settings
	keep      int
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBackupKeep bounds the number of regular backups kept after each save.
// Zero (the default) keeps every backup. Quarantined files are never pruned.
func WithBackupKeep(n int) Option {
	return func(s *Store) { s.keep = n }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store for settings.StatePath. The settings are the
// authoritative range and history bound used when rebuilding or reconciling.
func New(settings model.Settings, opts ...Option) *Store {
	s := &Store{
		path:      settings.StatePath,
		backupDir: filepath.Join(filepath.Dir(settings.StatePath), BackupDirName),
		settings:  settings,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// BackupDir returns the backup directory path.
func (s *Store) BackupDir() string { return s.backupDir }

// Settings returns the authoritative settings the store was built with.
func (s *Store) Settings() model.Settings { return s.settings }

// LoadResult is the outcome of Load. State is always non-nil and usable.
type LoadResult struct {
	// State is the loaded (or rebuilt) state.
	State *model.State

	// Existed reports whether a state file was present on disk.
	Existed bool

	// Recovered is non-nil when the file could not be trusted and State was
	// rebuilt from scratch. It wraps model.ErrCorruptState for parse and
	// validation failures.
	Recovered error

	// Quarantined is the backup name the bad file was moved to, if any.
	Quarantined string

	// Reconciled reports that the stored ports or history did not match the
	// configured range or bound and were adjusted.
	Reconciled bool
}

// NeedsSave reports whether the caller should persist State right away
// because the file on disk is missing, untrusted, or out of date.
func (r LoadResult) NeedsSave() bool {
	return !r.Existed || r.Recovered != nil || r.Reconciled
}

// Load reads the state file. It never returns an error: every failure is
// folded into LoadResult.Recovered and recorded on the returned state's
// last_error. A file that fails to parse is treated exactly like a missing
// one; nothing from it is partially trusted.
func (s *Store) Load() LoadResult {
	now := s.now()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			st := model.NewState(s.settings)
			st.LastChecked = now
			return LoadResult{State: st}
		}
		return s.rebuild(now, fmt.Errorf("read state file: %w", err), false)
	}

	st, err := decode(data)
	if err != nil {
		return s.rebuild(now, err, true)
	}

	reconciled := s.reconcile(st)
	st.LastChecked = now
	return LoadResult{State: st, Existed: true, Reconciled: reconciled}
}

// requiredKeys must be present in every state file. A file
// without them is not allocator state, even if it parses.
var requiredKeys = []string{"free_ports", "used_ports", "settings"}

// decode parses and structurally validates raw file content.
func decode(data []byte) (*model.State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty file", model.ErrCorruptState)
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCorruptState, err)
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			return nil, fmt.Errorf("%w: missing %q", model.ErrCorruptState, k)
		}
	}
	var st model.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCorruptState, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrCorruptState, err)
	}
	return &st, nil
}

// rebuild returns a fresh state after a failed load, quarantining the bad
// file when quarantine is set.
func (s *Store) rebuild(now time.Time, cause error, quarantine bool) LoadResult {
	res := LoadResult{Existed: true, Recovered: cause}
	if quarantine {
		name, err := s.quarantine(now)
		if err != nil {
			cause = fmt.Errorf("%w (quarantine failed: %v)", cause, err)
			res.Recovered = cause
		}
		res.Quarantined = name
	}
	st := model.NewState(s.settings)
	st.LastChecked = now
	st.RecordError(cause, now)
	res.State = st
	return res
}

// quarantine moves the current state file into the backup directory under a
// corrupt-tagged name. If the move fails the file is removed instead, so the
// next save starts clean.
func (s *Store) quarantine(now time.Time) (string, error) {
	if err := os.MkdirAll(s.backupDir, dirPerm); err != nil {
		_ = os.Remove(s.path)
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	name := s.uniqueBackupName(now, corruptTag)
	if err := os.Rename(s.path, filepath.Join(s.backupDir, name)); err != nil {
		_ = os.Remove(s.path)
		return "", fmt.Errorf("move corrupt file aside: %w", err)
	}
	return name, nil
}

// reconcile aligns a decoded state with the authoritative settings. Used
// ports outside the range are dropped, free ports are recomputed as the
// range minus the used set, and history is trimmed to the configured bound.
// It reports whether anything changed.
func (s *Store) reconcile(st *model.State) bool {
	changed := false

	used := make([]int, 0, len(st.UsedPorts))
	for _, p := range st.UsedPorts {
		if s.settings.Contains(p) {
			used = append(used, p)
		}
	}
	if len(used) != len(st.UsedPorts) {
		changed = true
	}

	free := make([]int, 0, s.settings.End()-s.settings.Start()+1-len(used))
	for p := s.settings.Start(); p <= s.settings.End(); p++ {
		if _, found := slices.BinarySearch(used, p); !found {
			free = append(free, p)
		}
	}
	if !slices.Equal(free, st.FreePorts) {
		changed = true
	}
	st.UsedPorts = used
	st.FreePorts = free

	if st.CurrentPort != nil && !st.IsUsed(*st.CurrentPort) {
		st.CurrentPort = nil
		changed = true
	}

	if st.PortUsage == nil {
		st.PortUsage = map[int]int{}
	}
	if st.History == nil {
		st.History = []model.HistoryEntry{}
	}
	if limit := s.settings.HistoryMax; len(st.History) > limit {
		st.History = slices.Clone(st.History[len(st.History)-limit:])
		changed = true
	}

	if st.Settings != s.settings {
		st.Settings = s.settings
		changed = true
	}
	return changed
}

// Save writes st to the state file. The previous file content, if any, is
// first copied into the backup directory. The write itself is atomic.
//
// Save stamps st.LastChecked and st.Settings before encoding. On failure the
// on-disk file is left as it was and the error is returned; recording it on
// the state is the caller's decision.
func (s *Store) Save(st *model.State) error {
	now := s.now()

	if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	st.LastChecked = now
	st.Settings = s.settings
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	if _, err := s.backup(now); err != nil {
		return err
	}

	if err := renameio.WriteFile(s.path, data, filePerm); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	if s.keep > 0 {
		if err := s.prune(); err != nil {
			return err
		}
	}
	return nil
}

// backup copies the current state file into the backup directory. It
// returns the backup name, or "" when there was no file to copy.
func (s *Store) backup(now time.Time) (string, error) {
	prev, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read state file for backup: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, dirPerm); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	name := s.uniqueBackupName(now, "")
	if err := renameio.WriteFile(filepath.Join(s.backupDir, name), prev, filePerm); err != nil {
		return "", fmt.Errorf("write backup %s: %w", name, err)
	}
	return name, nil
}
