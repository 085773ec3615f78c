package capability

import (
	"encoding/json"
	"fmt"

	"github.com/iago/longform/internal/failure"
)

const requestKey = "request"

type SynthesisTask string

const (
	TaskPlan              SynthesisTask = "plan"
	TaskOutline           SynthesisTask = "outline"
	TaskChapter           SynthesisTask = "chapter"
	TaskConsistencyReview SynthesisTask = "consistency_review"
	TaskQualityReview     SynthesisTask = "quality_review"
)

type SynthesisRequest struct {
	Task        SynthesisTask
	Title       string
	Brief       string
	Context     []string
	TargetWords int
	// Count is the number of items asked for, e.g. outline chapters.
	Count int
}

type SynthesisResult struct {
	Text    string
	Data    json.RawMessage
	ModelID string
}

type RenderSection struct {
	Heading string
	Body    string
}

type RenderRequest struct {
	Title    string
	Sections []RenderSection
	Format   string
}

type RenderResult struct {
	Content []byte
	Format  string
}

type LookupRequest struct {
	Query string
	Limit int
}

type LookupResult struct {
	Notes  []string
	Source string
}

// Request wraps a typed request into Params.
func Request(value any) Params {
	return Params{requestKey: value}
}

// RequestFrom extracts the typed request placed by Request.
func RequestFrom[T any](params Params) (T, error) {
	var zero T
	raw, ok := params[requestKey]
	if !ok {
		return zero, failure.New(failure.KindValidation, "capability params", "request is required")
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, failure.New(failure.KindValidation, "capability params", fmt.Sprintf("unexpected request type %T", raw))
	}
	return typed, nil
}
