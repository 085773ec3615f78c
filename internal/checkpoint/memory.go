package checkpoint

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory for local development and
// tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]Record
	artifacts map[string][]byte
	seq       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record), artifacts: make(map[string][]byte)}
}

func (s *MemoryStore) Append(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	clone := cloneRecord(record)
	clone.ID = fmt.Sprintf("mem-%d", s.seq)
	s.records[record.SessionID] = append(s.records[record.SessionID], clone)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, sessionID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest, ok := latestOf(s.records[sessionID])
	if !ok {
		return Record{}, ErrNoCheckpoint
	}
	return cloneRecord(latest), nil
}

func (s *MemoryStore) PutArtifact(_ context.Context, sessionID, checksum string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[sessionID+"/"+checksum] = append([]byte(nil), content...)
	return nil
}

func (s *MemoryStore) GetArtifact(_ context.Context, sessionID, checksum string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.artifacts[sessionID+"/"+checksum]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return append([]byte(nil), content...), nil
}

// Len reports how many checkpoints a session has.
func (s *MemoryStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[sessionID])
}

func latestOf(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	latest := records[0]
	for _, record := range records[1:] {
		if !record.Timestamp.Before(latest.Timestamp) {
			latest = record
		}
	}
	return latest, true
}

func cloneRecord(record Record) Record {
	clone := record
	clone.Snapshot = append([]byte(nil), record.Snapshot...)
	return clone
}
