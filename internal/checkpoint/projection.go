package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/iago/longform/internal/domain"
)

const snapshotVersion = 1

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

type ProjectionConfig struct {
	// MaxFieldBytes is the largest encoded payload value kept in a snapshot.
	MaxFieldBytes int
	// BinaryKeys are payload keys holding binary artifacts; never persisted.
	BinaryKeys []string
}

func DefaultProjectionConfig() ProjectionConfig {
	return ProjectionConfig{
		MaxFieldBytes: 512 * 1024,
		BinaryKeys:    []string{domain.KeyArtifact},
	}
}

type snapshot struct {
	Version int             `json:"version"`
	State   domain.JobState `json:"state"`
	Dropped []string        `json:"dropped,omitempty"`
}

// Projector turns job state into the compressed snapshot bytes stored in a
// checkpoint, and back.
type Projector struct {
	maxFieldBytes int
	binaryKeys    map[string]struct{}
	encoder       *zstd.Encoder
	decoder       *zstd.Decoder
}

func NewProjector(cfg ProjectionConfig) (*Projector, error) {
	if cfg.MaxFieldBytes <= 0 {
		cfg.MaxFieldBytes = DefaultProjectionConfig().MaxFieldBytes
	}
	if cfg.BinaryKeys == nil {
		cfg.BinaryKeys = DefaultProjectionConfig().BinaryKeys
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	binaryKeys := make(map[string]struct{}, len(cfg.BinaryKeys))
	for _, key := range cfg.BinaryKeys {
		binaryKeys[key] = struct{}{}
	}
	return &Projector{
		maxFieldBytes: cfg.MaxFieldBytes,
		binaryKeys:    binaryKeys,
		encoder:       encoder,
		decoder:       decoder,
	}, nil
}

// Project returns the lossy copy of state that is safe to persist and the
// payload keys it left out.
func (p *Projector) Project(state domain.JobState) (domain.JobState, []string) {
	projected := state.Clone()
	dropped := make([]string, 0)
	for key, value := range projected.Payload {
		if _, binary := p.binaryKeys[key]; binary || len(value) > p.maxFieldBytes {
			dropped = append(dropped, key)
		}
	}
	sort.Strings(dropped)
	projected.Payload = projected.Payload.Without(dropped...)
	return projected, dropped
}

func (p *Projector) Encode(state domain.JobState) ([]byte, []string, error) {
	projected, dropped := p.Project(state)
	encoded, err := json.Marshal(snapshot{Version: snapshotVersion, State: projected, Dropped: dropped})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return p.encoder.EncodeAll(encoded, nil), dropped, nil
}

// Decode accepts compressed snapshots and the plain JSON written before
// snapshots were compressed. Plain JSON may be either an envelope or a bare
// job state.
func (p *Projector) Decode(data []byte) (domain.JobState, error) {
	raw := data
	if bytes.HasPrefix(data, zstdMagic) {
		decoded, err := p.decoder.DecodeAll(data, nil)
		if err != nil {
			return domain.JobState{}, fmt.Errorf("decompress snapshot: %w", err)
		}
		raw = decoded
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.JobState{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if _, enveloped := fields["state"]; enveloped {
		var envelope snapshot
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return domain.JobState{}, fmt.Errorf("unmarshal snapshot envelope: %w", err)
		}
		return envelope.State, nil
	}

	var state domain.JobState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.JobState{}, fmt.Errorf("unmarshal legacy snapshot: %w", err)
	}
	return state, nil
}
