package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/iago/longform/internal/failure"
)

var (
	ErrArtifactNotFound      = errors.New("artifact not found")
	ErrArtifactsNotSupported = errors.New("checkpoint store does not keep artifacts")
)

// ArtifactStore keeps rendered documents next to the checkpoint log. The
// snapshots themselves never carry the bytes; they reference an artifact by
// its checksum.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, sessionID, checksum string, content []byte) error
	GetArtifact(ctx context.Context, sessionID, checksum string) ([]byte, error)
}

// ArtifactChecksum is the hex SHA-256 under which content is stored.
func ArtifactChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SaveArtifact stores content for a session. Saving the same content twice
// is a no-op for every store.
func (m *Manager) SaveArtifact(ctx context.Context, sessionID string, content []byte) (string, error) {
	store, ok := m.store.(ArtifactStore)
	if !ok {
		return "", ErrArtifactsNotSupported
	}
	checksum := ArtifactChecksum(content)
	err := m.guard(ctx, "artifact save", func(ctx context.Context) error {
		return store.PutArtifact(ctx, sessionID, checksum, content)
	})
	if err != nil {
		return "", err
	}
	return checksum, nil
}

// LoadArtifact returns the stored content and verifies it against checksum.
func (m *Manager) LoadArtifact(ctx context.Context, sessionID, checksum string) ([]byte, error) {
	store, ok := m.store.(ArtifactStore)
	if !ok {
		return nil, ErrArtifactsNotSupported
	}
	var (
		content []byte
		missing bool
	)
	err := m.guard(ctx, "artifact load", func(ctx context.Context) error {
		var getErr error
		content, getErr = store.GetArtifact(ctx, sessionID, checksum)
		if errors.Is(getErr, ErrArtifactNotFound) {
			missing = true
			return nil
		}
		return getErr
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrArtifactNotFound
	}
	if got := ArtifactChecksum(content); got != checksum {
		return nil, failure.Permanent("artifact load", fmt.Errorf("artifact %s of session %s is corrupt: checksum %s", checksum, sessionID, got))
	}
	return content, nil
}
