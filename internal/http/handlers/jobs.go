package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/iago/longform/internal/domain"
	"github.com/iago/longform/internal/pipeline"
)

type startRequest struct {
	Title       string `json:"title"`
	Brief       string `json:"brief"`
	Audience    string `json:"audience,omitempty"`
	Chapters    int    `json:"chapters"`
	TargetWords int    `json:"target_words,omitempty"`
	Research    bool   `json:"research,omitempty"`
}

type reviewRequest struct {
	Action   string `json:"action"`
	UnitIDs  []int  `json:"unit_ids,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}

func (api *API) StartJob(w http.ResponseWriter, r *http.Request) {
	var request startRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if entry, exists := api.idempotency.Get(idempotencyKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			view, err := api.jobs.Status(r.Context(), entry.SessionID)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeAccepted(w, view)
			return
		}
	}

	view, err := api.jobs.Start(r.Context(), pipeline.Input{
		Title:       request.Title,
		Brief:       request.Brief,
		Audience:    request.Audience,
		Chapters:    request.Chapters,
		TargetWords: request.TargetWords,
		Research:    request.Research,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, view.SessionID)
	}
	writeAccepted(w, view)
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}
	view, err := api.jobs.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) ResumeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}
	view, err := api.jobs.Resume(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, view)
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}
	view, err := api.jobs.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) ReviewJob(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}
	var request reviewRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	view, err := api.jobs.Review(r.Context(), id, domain.ReviewDecision{
		Action:   domain.ReviewAction(strings.ToLower(strings.TrimSpace(request.Action))),
		UnitIDs:  request.UnitIDs,
		Notes:    request.Notes,
		Reviewer: request.Reviewer,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, view)
}

func (api *API) JobDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}
	document, err := api.jobs.Document(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	etag := `"` + document.Info.Checksum + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", documentContentType(document.Info.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(document.Content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(document.Content)
}

func documentContentType(format string) string {
	if format == "html" {
		return "text/html; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

func writeAccepted(w http.ResponseWriter, view pipeline.StatusView) {
	w.Header().Set("Location", "/v1/jobs/"+view.SessionID)
	if view.Status == domain.JobStatusActive {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, http.StatusAccepted, view)
}
