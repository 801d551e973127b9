package dupefilter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SeenFileName is the log written inside the job directory.
const SeenFileName = "requests.seen"

// FileStore appends one hex fingerprint per line to <dir>/requests.seen.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileStore opens or creates the seen log under dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("job directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	path := filepath.Join(dir, SeenFileName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FileStore{file: file}, nil
}

// Load reads every fingerprint in the log, ignoring blank lines and
// surrounding whitespace.
func (s *FileStore) Load(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind seen log: %w", err)
	}
	var out []string
	scanner := bufio.NewScanner(s.file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seen log: %w", err)
	}
	return out, nil
}

// Append writes fp followed by a newline.
func (s *FileStore) Append(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.WriteString(fp + "\n"); err != nil {
		return fmt.Errorf("append seen log: %w", err)
	}
	return nil
}

// Close flushes and closes the log.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("sync seen log: %w", err)
	}
	return s.file.Close()
}
