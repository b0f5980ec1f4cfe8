package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot, JSON array)
//   - <prefix>.tasks.journal.jsonl (append-only journal of full records)
//
// The journal is periodically compacted into the snapshot. A record reaches
// the in-memory index only after its journal line was written.
type fileStore struct {
	log logx.Logger

	mu  sync.RWMutex
	idx *memIndex

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	idx := newMemIndex()
	if err := loadTaskSnapshot(snapPath, idx); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	skipped, err := replayTaskJournal(journalPath, idx)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	log.Debug("file store opened", logx.String("snapshot", snapPath), logx.Int("tasks", len(idx.tasks)))

	return &fileStore{
		log:          log,
		idx:          idx,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	var errCompact error
	if s.writes > 0 {
		errCompact = s.compactLocked()
	}
	errClose := s.journal.Close()
	s.journal = nil
	return errors.Join(errCompact, errClose)
}

func (s *fileStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.idx.get(id), nil
}

func (s *fileStore) Update(ctx context.Context, t *task.Task) error {
	_ = ctx
	if err := checkTask(t); err != nil {
		return err
	}
	line, err := json.Marshal(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, err := s.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	s.idx.put(t)

	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact; the journal still holds every record.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("task snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.idx.byStatus(status), nil
}

func (s *fileStore) GetTasksByDependency(ctx context.Context, id string) ([]*task.Task, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.idx.byDependency(id), nil
}

func (s *fileStore) CountByStatus(ctx context.Context, status task.Status) (int, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	return s.idx.count(status), nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.idx.all()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	s.writes = 0
	return err
}

func loadTaskSnapshot(path string, idx *memIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var ts []*task.Task
	if err := json.NewDecoder(f).Decode(&ts); err != nil {
		return err
	}
	for _, t := range ts {
		if t != nil && t.ID != "" {
			idx.put(t)
		}
	}
	return nil
}

// replayTaskJournal applies journal records in order. A torn trailing line
// from a crash is skipped and counted.
func replayTaskJournal(path string, idx *memIndex) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	skipped := 0
	for sc.Scan() {
		var t task.Task
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil || t.ID == "" {
			skipped++
			continue
		}
		idx.put(&t)
	}
	return skipped, sc.Err()
}
