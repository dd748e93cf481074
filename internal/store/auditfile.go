package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"execplane/internal/canonical"
	"execplane/internal/logging"
)

// DefaultAuditRotateBytes is the rotation threshold used when unset.
const DefaultAuditRotateBytes = 16 << 20

// FileAuditStore persists audit entries as newline-delimited canonical
// JSON, one entry per line, rotating files at a size threshold. Files are
// named audit-NNNNNN.ndjson; load order is file order then line order.
type FileAuditStore struct {
	mu          sync.Mutex
	dir         string
	rotateBytes int64
	current     *os.File
	currentSize int64
	fileIndex   int
}

// NewFileAuditStore opens (creating if needed) the audit directory and
// positions the writer at the newest file.
func NewFileAuditStore(dir string, rotateBytes int64) (*FileAuditStore, error) {
	if rotateBytes <= 0 {
		rotateBytes = DefaultAuditRotateBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}

	s := &FileAuditStore{dir: dir, rotateBytes: rotateBytes}
	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		last := files[len(files)-1]
		fmt.Sscanf(filepath.Base(last), "audit-%06d.ndjson", &s.fileIndex)
		info, err := os.Stat(last)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", last, err)
		}
		s.currentSize = info.Size()
	} else {
		s.fileIndex = 1
	}
	if err := s.openCurrent(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes one entry as a canonical JSON line, syncing before return.
func (s *FileAuditStore) Append(_ context.Context, e AuditEntry) error {
	line, err := canonical.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentSize+int64(len(line))+1 > s.rotateBytes && s.currentSize > 0 {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := s.current.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	s.currentSize += int64(n)
	if err := s.current.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit file: %w", err)
	}
	return nil
}

// LoadAll reads every entry from every file in order.
func (s *FileAuditStore) LoadAll(_ context.Context) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.listFiles()
	if err != nil {
		return nil, err
	}

	var out []AuditEntry
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("corrupt audit line in %s: %w", path, err)
			}
			out = append(out, e)
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		f.Close()
	}
	return out, nil
}

// Close closes the current file.
func (s *FileAuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}

func (s *FileAuditStore) openCurrent() error {
	path := filepath.Join(s.dir, fmt.Sprintf("audit-%06d.ndjson", s.fileIndex))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	s.current = f
	return nil
}

func (s *FileAuditStore) rotateLocked() error {
	if err := s.current.Close(); err != nil {
		return fmt.Errorf("failed to close audit file: %w", err)
	}
	s.fileIndex++
	s.currentSize = 0
	logging.Get(logging.CategoryStore).Info("rotating audit log to file %06d", s.fileIndex)
	return s.openCurrent()
}

func (s *FileAuditStore) listFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "audit-*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit files: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}
