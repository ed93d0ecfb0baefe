// File: internal/infra/web/handlers.go
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, domain.ErrTerminalState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "api_key is required"})
		return
	}
	if s.apiKey == "" || body.APIKey != s.apiKey {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid api key"})
		return
	}
	token, err := s.auth.Issue(w)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.analysisUC.Counts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	depth, err := s.queueUC.PendingDepth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         counts,
		"queue_pending": depth,
	})
}

type ingestRequest struct {
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if in.Body == "" && in.Subject == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "subject or body is required"})
		return
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}
	it, err := s.analysisUC.Ingest(r.Context(), in.Sender, in.Subject, in.Body, in.ReceivedAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itemView(it))
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.analysisUC.GetItem(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itemView(it))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	jobs, err := s.batchUC.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.batchUC.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.batchUC.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.batchUC.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(job))
}

// handleFlush forces a flush decision immediately instead of waiting for the
// next scheduler tick.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	job, err := s.batchUC.FlushQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]any{"flushed": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": true, "job": jobView(job)})
}

func (s *Server) handleListPricing(w http.ResponseWriter, r *http.Request) {
	pricing, err := s.pricingUC.ListPricing(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pricing)
}

type pricingRequest struct {
	ModelName              string `json:"model_name"`
	InputTokenPriceMicros  int64  `json:"input_token_price_micros"`
	OutputTokenPriceMicros int64  `json:"output_token_price_micros"`
	BatchDiscountPercent   int    `json:"batch_discount_percent"`
	Active                 bool   `json:"active"`
}

func (s *Server) handleSetPricing(w http.ResponseWriter, r *http.Request) {
	var in pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ModelName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model_name is required"})
		return
	}
	p := model.NewModelPricing(in.ModelName, in.InputTokenPriceMicros, in.OutputTokenPriceMicros,
		in.BatchDiscountPercent, in.Active)
	if err := s.pricingUC.SetPricing(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func itemView(it *model.Item) map[string]any {
	v := map[string]any{
		"id":          it.ID,
		"sender":      it.Sender,
		"subject":     it.Subject,
		"status":      it.Status,
		"received_at": it.ReceivedAt,
		"updated_at":  it.UpdatedAt,
	}
	if it.L0 != nil {
		v["spam_verdict"] = it.L0
	}
	if it.L1 != nil {
		v["l1"] = it.L1
	}
	if it.L2 != nil {
		v["l2"] = it.L2
	}
	if it.L3 != nil {
		v["result"] = it.L3
	}
	if it.LastError != "" {
		v["last_error"] = it.LastError
	}
	return v
}

func jobView(j *model.BatchJob) map[string]any {
	v := map[string]any{
		"job_id":          j.JobID,
		"provider_job_id": j.ProviderJobID,
		"status":          j.Status,
		"provider_status": j.ProviderRawStatus,
		"predominant_op":  j.PredominantOp,
		"request_count":   j.RequestCount,
		"completed_count": j.CompletedCount,
		"failed_count":    j.FailedCount,
		"est_cost_micros": j.EstimatedCostMicros,
		"created_at":      j.CreatedAt,
	}
	if !j.SubmittedAt.IsZero() {
		v["submitted_at"] = j.SubmittedAt
	}
	if !j.CompletedAt.IsZero() {
		v["completed_at"] = j.CompletedAt
	}
	return v
}
