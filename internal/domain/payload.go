package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Payload keys written by the stages.
const (
	KeyInput             = "input"
	KeyRequirements      = "requirements"
	KeyPlan              = "plan"
	KeyOutline           = "outline"
	KeyUnits             = "units"
	KeyConsistencyReport = "consistency_report"
	KeyQualityReport     = "quality_report"
	KeyArtifact          = "artifact"
	KeyDocument          = "document"
	KeyReviewDecision    = "review_decision"

	unitRecordPrefix = "unit:"
)

// Payload is the accumulated stage output, opaque to the orchestration core.
// Mutating helpers return a new map so snapshots handed to concurrent units
// are never written to.
type Payload map[string]json.RawMessage

func (p Payload) Has(key string) bool {
	value, ok := p[key]
	return ok && len(value) > 0 && string(value) != "null"
}

func (p Payload) Get(key string, into any) error {
	value, ok := p[key]
	if !ok {
		return fmt.Errorf("payload key %s not found", key)
	}
	if err := json.Unmarshal(value, into); err != nil {
		return fmt.Errorf("decode payload key %s: %w", key, err)
	}
	return nil
}

// With returns a copy of p with key set to the JSON encoding of value.
func (p Payload) With(key string, value any) (Payload, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode payload key %s: %w", key, err)
	}
	return p.WithRaw(key, encoded), nil
}

func (p Payload) WithRaw(key string, value json.RawMessage) Payload {
	clone := p.Clone()
	clone[key] = append(json.RawMessage(nil), value...)
	return clone
}

func (p Payload) Without(keys ...string) Payload {
	clone := p.Clone()
	for _, key := range keys {
		delete(clone, key)
	}
	return clone
}

func (p Payload) Clone() Payload {
	clone := make(Payload, len(p))
	for key, value := range p {
		clone[key] = append(json.RawMessage(nil), value...)
	}
	return clone
}

func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func UnitRecordKey(unitID int) string {
	return fmt.Sprintf("%s%d", unitRecordPrefix, unitID)
}

func IsUnitRecordKey(key string) bool {
	return strings.HasPrefix(key, unitRecordPrefix)
}

// UnitRecord reads the record of one unit, reporting false when absent.
func (p Payload) UnitRecord(unitID int) (UnitRecord, bool) {
	var record UnitRecord
	if !p.Has(UnitRecordKey(unitID)) {
		return record, false
	}
	if err := p.Get(UnitRecordKey(unitID), &record); err != nil {
		return record, false
	}
	return record, true
}

func (p Payload) WithUnitRecord(record UnitRecord) (Payload, error) {
	return p.With(UnitRecordKey(record.UnitID), record)
}
