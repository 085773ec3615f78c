package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// FileStore writes every checkpoint as its own file under
// <dir>/<session>/<unix-nanos>-<seq>.json. Files are written to a temp name
// and renamed, so a crash never leaves a partial checkpoint behind.
type FileStore struct {
	dir string
	seq atomic.Int64
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Append(_ context.Context, record Record) error {
	sessionDir, err := s.sessionDir(record.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("create session directory %s: %w", sessionDir, err)
	}

	seq := s.seq.Add(1)
	record.ID = fmt.Sprintf("%020d-%06d", record.Timestamp.UnixNano(), seq)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return writeAtomic(filepath.Join(sessionDir, record.ID+".json"), data)
}

func (s *FileStore) Latest(_ context.Context, sessionID string) (Record, error) {
	sessionDir, err := s.sessionDir(sessionID)
	if err != nil {
		return Record{}, err
	}
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNoCheckpoint
		}
		return Record{}, fmt.Errorf("read session directory %s: %w", sessionDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return Record{}, ErrNoCheckpoint
	}
	sort.Strings(names)

	path := filepath.Join(sessionDir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return record, nil
}

// PutArtifact writes content to <dir>/<session>/artifacts/<checksum>. The
// name is content addressed, so an existing file is left alone.
func (s *FileStore) PutArtifact(_ context.Context, sessionID, checksum string, content []byte) error {
	path, err := s.artifactPath(sessionID, checksum)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	return writeAtomic(path, content)
}

func (s *FileStore) GetArtifact(_ context.Context, sessionID, checksum string) ([]byte, error) {
	path, err := s.artifactPath(sessionID, checksum)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return content, nil
}

func (s *FileStore) artifactPath(sessionID, checksum string) (string, error) {
	sessionDir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	if checksum == "" || checksum != filepath.Base(checksum) || strings.HasPrefix(checksum, ".") {
		return "", fmt.Errorf("invalid artifact checksum %q", checksum)
	}
	return filepath.Join(sessionDir, "artifacts", checksum), nil
}

func (s *FileStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || sessionID != filepath.Base(sessionID) || strings.HasPrefix(sessionID, ".") {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
