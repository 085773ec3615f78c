package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/longform/internal/checkpoint"
	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
)

// StatusView is the public projection of a job. Error messages are the
// fixed public message for the error kind, never the raw cause.
type StatusView struct {
	SessionID      string               `json:"session_id"`
	Stage          domain.Stage         `json:"stage"`
	Status         domain.JobStatus     `json:"status"`
	Progress       domain.Progress      `json:"progress"`
	Running        bool                 `json:"running"`
	AwaitingReview bool                 `json:"awaiting_review"`
	Document       *domain.DocumentInfo `json:"document,omitempty"`
	Error          *ErrorView           `json:"error,omitempty"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

type ErrorView struct {
	Kind      string       `json:"kind"`
	Message   string       `json:"message"`
	Stage     domain.Stage `json:"stage"`
	Retryable bool         `json:"retryable"`
}

func (e *Engine) Status(ctx context.Context, sessionID string) (StatusView, error) {
	state, err := e.load(ctx, sessionID)
	if err != nil {
		return StatusView{}, err
	}
	return e.view(state), nil
}

func (e *Engine) view(state domain.JobState) StatusView {
	view := StatusView{
		SessionID:      state.SessionID,
		Stage:          state.CurrentStage,
		Status:         state.Status,
		Progress:       state.Progress,
		Running:        e.Running(state.SessionID),
		AwaitingReview: e.awaitingReview(state),
		UpdatedAt:      state.UpdatedAt,
	}
	var document domain.DocumentInfo
	if state.Payload.Has(domain.KeyDocument) && state.Payload.Get(domain.KeyDocument, &document) == nil {
		view.Document = &document
	}
	if state.LastError != nil {
		view.Error = &ErrorView{
			Kind:      state.LastError.Kind,
			Message:   failure.PublicMessage(failure.Kind(state.LastError.Kind)),
			Stage:     state.LastError.Stage,
			Retryable: state.LastError.Retryable,
		}
	}
	return view
}

// Document is an assembled document together with its description.
type Document struct {
	Info    domain.DocumentInfo
	Content []byte
}

// Document returns the latest assembled document of a job. It is available
// from assembly on, so a reviewer can read it before deciding.
func (e *Engine) Document(ctx context.Context, sessionID string) (Document, error) {
	state, err := e.load(ctx, sessionID)
	if err != nil {
		return Document{}, err
	}
	var info domain.DocumentInfo
	if !state.Payload.Has(domain.KeyDocument) {
		return Document{}, ErrDocumentNotReady
	}
	if err := state.Payload.Get(domain.KeyDocument, &info); err != nil {
		return Document{}, failure.Permanent("decode document info", err)
	}
	content, err := e.artifacts.LoadArtifact(ctx, sessionID, info.Checksum)
	if errors.Is(err, checkpoint.ErrArtifactNotFound) {
		return Document{}, ErrDocumentNotReady
	}
	if err != nil {
		return Document{}, fmt.Errorf("load document of job %s: %w", sessionID, err)
	}
	return Document{Info: info, Content: content}, nil
}
