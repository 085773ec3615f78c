package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/longform/internal/http/handlers"
	"github.com/iago/longform/internal/http/middleware"
)

type RouterDependencies struct {
	API         *handlers.API
	Logger      *log.Logger
	AuthToken   string
	RateLimiter *middleware.RateLimiter
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.HandleFunc("POST /v1/jobs", deps.API.StartJob)
	mux.HandleFunc("GET /v1/jobs/{id}", deps.API.JobStatus)
	mux.HandleFunc("POST /v1/jobs/{id}/resume", deps.API.ResumeJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", deps.API.CancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/review", deps.API.ReviewJob)
	mux.HandleFunc("GET /v1/jobs/{id}/document", deps.API.JobDocument)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	if deps.RateLimiter != nil {
		handler = deps.RateLimiter.Middleware(handler)
	}
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
