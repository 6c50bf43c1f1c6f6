package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/dynport/internal/model"
)

// Backup describes one file in the backup directory.
type Backup struct {
	// Name is the file name, which doubles as the backup identifier.
	Name string `json:"name"`

	// Taken is the second-resolution timestamp encoded in the name.
	Taken time.Time `json:"taken"`

	// Corrupt marks a quarantined state file rather than a pre-save copy.
	Corrupt bool `json:"corrupt"`

	// seq disambiguates backups taken within the same second.
	seq int
}

// stemAndExt splits the state file name into "dynamic_ports" and ".json".
func (s *Store) stemAndExt() (string, string) {
	base := filepath.Base(s.path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// uniqueBackupName returns <stem>_[tag_]<YYYYMMDD_HHMMSS>[_N]<ext>, choosing
// the smallest N that does not collide with an existing file. Callers hold
// the state lock, so the existence check cannot race a sibling writer.
func (s *Store) uniqueBackupName(at time.Time, tag string) string {
	stem, ext := s.stemAndExt()
	prefix := stem + "_"
	if tag != "" {
		prefix += tag + "_"
	}
	ts := at.Format(backupTimeLayout)

	name := prefix + ts + ext
	for n := 1; fileExists(filepath.Join(s.backupDir, name)); n++ {
		name = fmt.Sprintf("%s%s_%d%s", prefix, ts, n, ext)
	}
	return name
}

// parseBackupName is the inverse of uniqueBackupName. It returns false for
// files that were not written by this store.
func (s *Store) parseBackupName(name string) (Backup, bool) {
	stem, ext := s.stemAndExt()
	if !strings.HasPrefix(name, stem+"_") || !strings.HasSuffix(name, ext) {
		return Backup{}, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, stem+"_"), ext)

	b := Backup{Name: name}
	if after, ok := strings.CutPrefix(rest, corruptTag+"_"); ok {
		b.Corrupt = true
		rest = after
	}

	if len(rest) < len(backupTimeLayout) {
		return Backup{}, false
	}
	taken, err := time.ParseInLocation(backupTimeLayout, rest[:len(backupTimeLayout)], time.Local)
	if err != nil {
		return Backup{}, false
	}
	b.Taken = taken

	if suffix := rest[len(backupTimeLayout):]; suffix != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(suffix, "_"))
		if err != nil || !strings.HasPrefix(suffix, "_") || n < 1 {
			return Backup{}, false
		}
		b.seq = n
	}
	return b, true
}

// ListBackups returns every backup, oldest first. A missing backup
// directory yields an empty list.
func (s *Store) ListBackups() ([]Backup, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Backup{}, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	backups := make([]Backup, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if b, ok := s.parseBackupName(e.Name()); ok {
			backups = append(backups, b)
		}
	}

	sort.SliceStable(backups, func(i, j int) bool {
		if !backups[i].Taken.Equal(backups[j].Taken) {
			return backups[i].Taken.Before(backups[j].Taken)
		}
		if backups[i].seq != backups[j].seq {
			return backups[i].seq < backups[j].seq
		}
		return backups[i].Name < backups[j].Name
	})
	return backups, nil
}

// FetchBackup returns the raw content of the named backup. Names that are
// not plain file names inside the backup directory, or that do not exist,
// yield model.ErrNotFound.
func (s *Store) FetchBackup(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("backup %q: %w", name, model.ErrNotFound)
	}
	if _, ok := s.parseBackupName(name); !ok {
		return nil, fmt.Errorf("backup %q: %w", name, model.ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(s.backupDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("backup %q: %w", name, model.ErrNotFound)
		}
		return nil, fmt.Errorf("read backup %q: %w", name, err)
	}
	return data, nil
}

// prune removes the oldest regular backups so that at most s.keep remain.
func (s *Store) prune() error {
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	regular := make([]Backup, 0, len(backups))
	for _, b := range backups {
		if !b.Corrupt {
			regular = append(regular, b)
		}
	}
	for len(regular) > s.keep {
		if err := os.Remove(filepath.Join(s.backupDir, regular[0].Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("prune backup %s: %w", regular[0].Name, err)
		}
		regular = regular[1:]
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
