package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/failure"
	"github.com/iago/longform/internal/http/middleware"
	"github.com/iago/longform/internal/pipeline"
	"github.com/iago/longform/internal/resilience"
)

const maxBodyBytes = 1 << 20

var errInvalidPayload = errors.New("invalid payload")

// Jobs is the job control surface the handlers expose.
type Jobs interface {
	Start(ctx context.Context, input pipeline.Input) (pipeline.StatusView, error)
	Resume(ctx context.Context, sessionID string) (pipeline.StatusView, error)
	Status(ctx context.Context, sessionID string) (pipeline.StatusView, error)
	Cancel(ctx context.Context, sessionID string) (pipeline.StatusView, error)
	Review(ctx context.Context, sessionID string, decision domain.ReviewDecision) (pipeline.StatusView, error)
	Document(ctx context.Context, sessionID string) (pipeline.Document, error)
}

// BreakerReporter exposes circuit breaker state for health checks.
type BreakerReporter interface {
	Snapshots() []resilience.BreakerSnapshot
}

type API struct {
	jobs        Jobs
	breakers    BreakerReporter
	idempotency *idempotencyStore
}

func NewAPI(jobs Jobs, breakers BreakerReporter) *API {
	return &API{
		jobs:        jobs,
		breakers:    breakers,
		idempotency: newIdempotencyStore(24 * time.Hour),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps job control errors to responses. Only validation
// errors carry their own text; everything else gets a fixed message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, pipeline.ErrJobRunning):
		writeError(w, r, http.StatusConflict, "job_busy", "job is busy, try again later")
	case errors.Is(err, pipeline.ErrNotAwaitingReview):
		writeError(w, r, http.StatusConflict, "not_awaiting_review", "job is not awaiting review")
	case errors.Is(err, pipeline.ErrDocumentNotReady):
		writeError(w, r, http.StatusConflict, "document_not_ready", "job has no document yet")
	case failure.KindOf(err) == failure.KindValidation:
		writeError(w, r, http.StatusBadRequest, "invalid_request", validationMessage(err))
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "job operation failed")
	}
}

func validationMessage(err error) string {
	var tagged *failure.Error
	if errors.As(err, &tagged) && tagged.Err != nil {
		return tagged.Err.Error()
	}
	return failure.PublicMessage(failure.KindValidation)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func sessionID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	return id, id != "" && len(id) <= 64
}

type idempotencyEntry struct {
	PayloadHash uint64
	SessionID   string
	CreatedAt   time.Time
}

type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
	now     func() time.Time
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
		now:     time.Now,
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && s.now().Sub(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		SessionID:   sessionID,
		CreatedAt:   s.now().UTC(),
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
