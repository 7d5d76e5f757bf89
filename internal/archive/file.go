package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists records as JSON lines in a local file. Saving a session
// again appends a new line; the last line of a session wins on read.
// Suitable for single-node deployments with a modest number of sessions.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore that writes to the given path.
// The file is created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save appends rec to the file.
func (s *FileStore) Save(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("archive: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("archive: close file: %w", err)
	}
	return nil
}

// Get returns the latest record of sessionID.
func (s *FileStore) Get(_ context.Context, sessionID string) (Record, error) {
	recs, err := s.latest()
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.SessionID == sessionID {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// List returns the latest record of each session, newest first.
func (s *FileStore) List(_ context.Context, limit int) ([]Record, error) {
	recs, err := s.latest()
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(recs, func(a, b Record) int {
		return b.CompletedAt.Compare(a.CompletedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Ping checks that the file, if present, can be opened.
func (s *FileStore) Ping(context.Context) error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return f.Close()
}

// Close is a no-op; the file is opened per call.
func (s *FileStore) Close() error { return nil }

// latest reads the file and keeps the last record of every session, in
// order of first appearance.
func (s *FileStore) latest() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open file: %w", err)
	}
	defer f.Close()

	var (
		recs  []Record
		index = make(map[string]int)
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("archive: %s line %d: %w", s.path, line, err)
		}
		if i, ok := index[r.SessionID]; ok {
			recs[i] = r
			continue
		}
		index[r.SessionID] = len(recs)
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	return recs, nil
}
