package accesslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the append-only NDJSON file behind the access logger. When a
// flush would push the current file past maxSize it is rotated: current
// becomes .1, .1 becomes .2 and so on, and rotations past maxRotations are
// discarded. The numeric-suffix layout is part of the documented on-disk
// contract, which is why rotation is done here rather than by lumberjack
// (lumberjack names backups with timestamps).
type Store struct {
	mu           sync.Mutex
	path         string
	maxSize      int64
	maxRotations int
}

// NewStore creates a store writing to path.
func NewStore(path string, maxSize int64, maxRotations int) (*Store, error) {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	if maxRotations <= 0 {
		maxRotations = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create access log directory: %w", err)
	}

	return &Store{path: path, maxSize: maxSize, maxRotations: maxRotations}, nil
}

// Append encodes the entries and appends them as one write, rotating first
// if the file would exceed the size ceiling.
func (s *Store) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var batch []byte
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to encode access log entry: %w", err)
		}
		batch = append(batch, line...)
		batch = append(batch, '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path); err == nil {
		if info.Size()+int64(len(batch)) > s.maxSize {
			if err := s.rotateLocked(); err != nil {
				return fmt.Errorf("failed to rotate access log: %w", err)
			}
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open access log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(batch); err != nil {
		return fmt.Errorf("failed to append access log batch: %w", err)
	}
	return f.Close()
}

// rotateLocked shifts rotation indexes up by one and renames the current
// file to .1. The oldest rotation beyond the retention count is discarded.
func (s *Store) rotateLocked() error {
	oldest := fmt.Sprintf("%s.%d", s.path, s.maxRotations)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return err
		}
	}

	for i := s.maxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, fmt.Sprintf("%s.%d", s.path, i+1)); err != nil {
			return err
		}
	}

	return os.Rename(s.path, s.path+".1")
}

// Scan walks every retained file oldest-first and calls fn for each entry
// that parses. Unparsable lines are skipped, never fatal. fn returning
// false stops the scan.
func (s *Store) Scan(fn func(Entry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make([]string, 0, s.maxRotations+1)
	for i := s.maxRotations; i >= 1; i-- {
		files = append(files, fmt.Sprintf("%s.%d", s.path, i))
	}
	files = append(files, s.path)

	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to open access log %s: %w", file, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var entry Entry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				continue
			}
			if !fn(entry) {
				f.Close()
				return nil
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to scan access log %s: %w", file, err)
		}
	}
	return nil
}

// RotatedFiles returns the rotation files currently on disk.
func (s *Store) RotatedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var files []string
	for i := 1; i <= s.maxRotations; i++ {
		name := fmt.Sprintf("%s.%d", s.path, i)
		if _, err := os.Stat(name); err == nil {
			files = append(files, name)
		}
	}
	return files
}

// Path returns the current log file path.
func (s *Store) Path() string { return s.path }
