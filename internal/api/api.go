// Package api exposes the scan service as JSON over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rohioffl/cloudscan/internal/log"
	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/service"
)

// Service is the part of service.Orchestrator the handlers use.
type Service interface {
	Submit(ctx context.Context, req model.ScanRequest) (string, error)
	Status(id string) (model.JobRecord, error)
	History() []model.JobRecord
	UploadCredential(ctx context.Context, content []byte, listProjects bool) (service.Upload, error)
	Scan(ctx context.Context, id string) (model.ScanResult, error)
	Scans(ctx context.Context, provider model.Provider) ([]model.ScanSummary, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

const maxKeySize = 1 << 20

type Server struct {
	svc Service
	db  Pinger
	mux *http.ServeMux
}

// New returns the HTTP handler of the API. db is pinged by /health.
func New(svc Service, db Pinger) *Server {
	s := &Server{svc: svc, db: db, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/prowler/gcp/projects", s.uploadKey)
	s.mux.HandleFunc("POST /api/prowler/scan/{provider}", s.submit)
	s.mux.HandleFunc("GET /api/prowler/status/{id}", s.status)
	s.mux.HandleFunc("GET /api/prowler/history", s.history)
	s.mux.HandleFunc("GET /api/prowler/scans/{provider}", s.scans)
	s.mux.HandleFunc("GET /api/prowler/findings/{id}", s.findings)
	s.mux.HandleFunc("GET /api/prowler/findings/{id}/export", s.export)
	s.mux.HandleFunc("GET /health", s.health)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := log.ContextAttrs(r.Context(),
		slog.String("request_id", uuid.NewString()),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)
	rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.mux.ServeHTTP(rw, r.WithContext(ctx))
	slog.DebugContext(ctx, "request served", "status", rw.status, "duration", time.Since(start).String())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type errorResponse struct {
	Error string     `json:"error"`
	Kind  model.Kind `json:"kind,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.WarnContext(ctx, "writing response", "error", err)
	}
}

// writeError maps caller errors to 400, unknown ids to 404 and everything
// else to 500.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
		kind = ""
	case kind == model.KindValidation, kind == model.KindCredentialNotFound:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
	}
	writeJSON(ctx, w, status, errorResponse{Error: err.Error(), Kind: kind})
}
