// Package checkpoint persists per-table resume state so an interrupted
// run continues from the last durably written page instead of starting
// over. The whole state file is rewritten atomically on every commit.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmcrae/tablefetch/internal/logging"
)

// ErrCorruptState is returned when the resume state file exists but
// cannot be parsed. Callers must not treat this as "start from zero":
// refetching everything silently is worse than stopping.
var ErrCorruptState = errors.New("resume state file is corrupt")

// Checkpoint is the durable progress marker for one table.
type Checkpoint struct {
	Table         string    `json:"table"`
	Offset        int64     `json:"offset"`
	RowsWritten   int64     `json:"rows_written"`
	LastSuccessAt time.Time `json:"last_success_at"`
	Completed     bool      `json:"completed"`
}

// fileFormat is the on-disk envelope. Version guards future layout
// changes.
type fileFormat struct {
	Version int                   `json:"version"`
	Tables  map[string]Checkpoint `json:"tables"`
}

const formatVersion = 1

// FileStore stores checkpoints in a single JSON file next to the data
// directory. All methods are safe for concurrent use.
type FileStore struct {
	mu     sync.Mutex
	path   string
	tables map[string]Checkpoint
	loaded bool
	logger zerolog.Logger
}

// NewFileStore creates a store backed by the given file path. The file
// is not read until Load.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:   path,
		tables: make(map[string]Checkpoint),
		logger: logging.NewLogger("checkpoint"),
	}
}

// Load reads the state file into memory. A missing file is not an
// error: it means a fresh run. A present but unparseable file returns
// ErrCorruptState.
func (s *FileStore) Load() (map[string]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (s *FileStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading resume state: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, s.path, err)
	}
	if f.Version != formatVersion {
		return fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptState, s.path, f.Version)
	}
	for name, cp := range f.Tables {
		if cp.Offset < 0 || cp.RowsWritten < 0 {
			return fmt.Errorf("%w: %s: negative progress for table %s", ErrCorruptState, s.path, name)
		}
	}

	s.tables = f.Tables
	if s.tables == nil {
		s.tables = make(map[string]Checkpoint)
	}
	s.loaded = true
	return nil
}

// Get returns the checkpoint for a table, if one exists.
func (s *FileStore) Get(table string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.tables[table]
	return cp, ok
}

// Commit records a new checkpoint for a table and atomically rewrites
// the state file. Offsets must not move backwards.
func (s *FileStore) Commit(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return fmt.Errorf("resume state not loaded; call Load first")
	}
	if cp.Table == "" {
		return fmt.Errorf("checkpoint has no table name")
	}
	if prev, ok := s.tables[cp.Table]; ok && cp.Offset < prev.Offset {
		return fmt.Errorf("checkpoint for %s would move offset backwards (%d -> %d)", cp.Table, prev.Offset, cp.Offset)
	}

	s.tables[cp.Table] = cp
	if err := s.persist(); err != nil {
		return err
	}
	s.logger.Debug().
		Str("table", cp.Table).
		Int64("offset", cp.Offset).
		Int64("rows", cp.RowsWritten).
		Bool("completed", cp.Completed).
		Msg("checkpoint committed")
	return nil
}

// Reset removes the checkpoint for a table so the next run refetches it
// from the beginning. Reset is the operator's recovery path, so unlike
// Load it tolerates a corrupt state file: the bad file is set aside for
// inspection and a fresh state document takes its place.
func (s *FileStore) Reset(table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.loadLocked(); err != nil {
			if !errors.Is(err, ErrCorruptState) {
				return err
			}
			if err := s.quarantineLocked(); err != nil {
				return err
			}
		}
	}
	delete(s.tables, table)
	return s.persist()
}

// quarantineLocked renames an unparseable state file aside and resets
// the in-memory state to empty. Must be called with s.mu held.
func (s *FileStore) quarantineLocked() error {
	quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, quarantine); err != nil {
		return fmt.Errorf("setting aside corrupt resume state: %w", err)
	}
	s.logger.Warn().
		Str("path", quarantine).
		Msg("corrupt resume state set aside; starting fresh")
	s.tables = make(map[string]Checkpoint)
	s.loaded = true
	return nil
}

// Tables returns the known table names in sorted order.
func (s *FileStore) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// persist writes the full state to a temp file in the same directory
// and renames it over the real file, so a crash mid-write leaves the
// previous state intact. Must be called with s.mu held.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(fileFormat{Version: formatVersion, Tables: s.tables}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding resume state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing resume state: %w", err)
	}
	return nil
}

func (s *FileStore) snapshot() map[string]Checkpoint {
	out := make(map[string]Checkpoint, len(s.tables))
	for k, v := range s.tables {
		out[k] = v
	}
	return out
}
