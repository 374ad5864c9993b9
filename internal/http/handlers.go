package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"salesetl/internal/amqp"
	"salesetl/internal/core"
	"salesetl/internal/log"
	"salesetl/internal/storage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

type factResponse struct {
	Key         string    `json:"key"`
	Total       string    `json:"total"`
	TotalCents  int64     `json:"total_cents"`
	LastUpdated time.Time `json:"last_updated"`
}

type summaryResponse struct {
	Orders       int64  `json:"orders"`
	Total        string `json:"total"`
	TotalCents   int64  `json:"total_cents"`
	Average      string `json:"average"`
	Min          string `json:"min"`
	Max          string `json:"max"`
	AverageCents int64  `json:"average_cents"`
}

type runResponse struct {
	ID         string     `json:"run_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Input      int        `json:"input"`
	Loaded     int        `json:"loaded"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
	Total      string     `json:"total"`
	Error      string     `json:"error,omitempty"`
}

type rateResponse struct {
	Currency   string    `json:"currency"`
	Rate       string    `json:"rate"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.warehouse.Ping(r.Context()); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err)
		respondError(w, http.StatusServiceUnavailable, "warehouse unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleFacts(w http.ResponseWriter, r *http.Request) {
	dim, ok := dimensionParam(w, r)
	if !ok {
		return
	}
	rows, err := s.warehouse.Facts(r.Context(), dim)
	if err != nil {
		s.internalError(w, r, "read facts", err)
		return
	}
	out := make([]factResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, toFact(row))
	}
	respondJSON(w, http.StatusOK, map[string]any{"dimension": dim, "rows": out})
}

func (s *Server) handleFact(w http.ResponseWriter, r *http.Request) {
	dim, ok := dimensionParam(w, r)
	if !ok {
		return
	}
	row, err := s.warehouse.Fact(r.Context(), dim, chi.URLParam(r, "key"))
	if errors.Is(err, core.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no total for key")
		return
	}
	if err != nil {
		s.internalError(w, r, "read fact", err)
		return
	}
	respondJSON(w, http.StatusOK, toFact(row))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.warehouse.Summary(r.Context())
	if err != nil {
		s.internalError(w, r, "read summary", err)
		return
	}
	respondJSON(w, http.StatusOK, summaryResponse{
		Orders:       sum.Orders,
		Total:        sum.Total.String(),
		TotalCents:   sum.Total.Cents,
		Average:      sum.Average.String(),
		AverageCents: sum.Average.Cents,
		Min:          sum.Min.String(),
		Max:          sum.Max.String(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	runs, err := s.warehouse.Runs(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "read runs", err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRun(run))
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// handleRequestRun enqueues a run over the worker's configured CSV source.
func (s *Server) handleRequestRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		respondError(w, http.StatusServiceUnavailable, "run requests are not enabled")
		return
	}
	msg := amqp.NewRunRequestedMessage("")
	if err := s.runs.PublishRunRequest(r.Context(), msg); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to enqueue run", log.FieldError, err)
		respondError(w, http.StatusServiceUnavailable, "could not enqueue run")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"request_id":   msg.RequestID,
		"requested_at": msg.RequestedAt,
	})
}

func (s *Server) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		respondError(w, http.StatusNotFound, "rate history is not available")
		return
	}
	code, err := core.ParseCurrency(chi.URLParam(r, "currency"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid currency code")
		return
	}
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	history, err := s.rates.History(r.Context(), code, limit)
	if err != nil {
		s.internalError(w, r, "read rate history", err)
		return
	}
	out := make([]rateResponse, 0, len(history))
	for _, rate := range history {
		out = append(out, rateResponse{
			Currency:   rate.Currency,
			Rate:       rate.Rate.String(),
			ObservedAt: rate.ObservedAt,
			Source:     rate.Source,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"currency": code, "rates": out})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
		log.FieldOperation, op,
		log.FieldError, err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

func dimensionParam(w http.ResponseWriter, r *http.Request) (core.Dimension, bool) {
	dim := core.Dimension(chi.URLParam(r, "dimension"))
	if !dim.Valid() {
		respondError(w, http.StatusNotFound, "unknown dimension")
		return "", false
	}
	return dim, true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return 0, false
	}
	return n, true
}

func toFact(row core.AggregateRow) factResponse {
	return factResponse{
		Key:         row.Key,
		Total:       row.Total.String(),
		TotalCents:  row.Total.Cents,
		LastUpdated: row.LastUpdated,
	}
}

func toRun(run storage.RunRecord) runResponse {
	out := runResponse{
		ID:        run.ID,
		Status:    run.Status,
		StartedAt: run.StartedAt,
		Input:     run.Input,
		Loaded:    run.Loaded,
		Skipped:   run.Skipped,
		Failed:    run.Failed,
		Total:     core.Money{Cents: run.TotalCents}.String(),
		Error:     run.Error,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
