//go:build !integration

package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"email-triage-pipeline/internal/domain/model"
)

const testAPIKey = "test-api-key"

type serverFixture struct {
	analysis *fakeAnalysisUC
	batch    *fakeBatchUC
	pricing  *fakePricingUC
	handler  http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		analysis: newFakeAnalysisUC(),
		batch:    newFakeBatchUC(),
		pricing:  newFakePricingUC(),
	}
	auth := NewSessionManager("test-secret", 30*time.Minute, false)
	srv := NewServer(f.analysis, &fakeQueueUC{depth: 7}, f.batch, f.pricing, auth, testAPIKey, testLogger())
	f.handler = srv.Router()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	f := newServerFixture(t)

	t.Run("protected routes reject anonymous calls", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/stats", "", false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("api key bearer is accepted", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/stats", "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("wrong api key is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("login mints a usable session token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/auth/login", `{"api_key":"`+testAPIKey+`"}`, false)
		if rec.Code != http.StatusOK {
			t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
		}
		var out map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		if out["token"] == "" {
			t.Fatal("no token minted")
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer "+out["token"])
		rec2 := httptest.NewRecorder()
		f.handler.ServeHTTP(rec2, req)
		if rec2.Code != http.StatusOK {
			t.Fatalf("session token rejected: %d", rec2.Code)
		}
	})

	t.Run("expired session token is rejected", func(t *testing.T) {
		stale := NewSessionManager("test-secret", -time.Minute, false)
		tok, err := stale.Issue(httptest.NewRecorder())
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for expired session, got %d", rec.Code)
		}
	})

	t.Run("login with a wrong key is refused", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/auth/login", `{"api_key":"wrong"}`, false)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})
}

func TestPublicEndpoints(t *testing.T) {
	f := newServerFixture(t)

	if rec := f.do(t, http.MethodGet, "/healthz", "", false); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/metrics", "", false); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestItemEndpoints(t *testing.T) {
	f := newServerFixture(t)

	t.Run("ingest creates an item", func(t *testing.T) {
		body := `{"sender":"a@b.c","subject":"invoice","body":"pay me"}`
		rec := f.do(t, http.MethodPost, "/api/v1/items", body, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		var out map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		id, _ := out["id"].(string)
		if id == "" {
			t.Fatalf("no id in response: %v", out)
		}

		get := f.do(t, http.MethodGet, "/api/v1/items/"+id, "", true)
		if get.Code != http.StatusOK {
			t.Fatalf("get item: %d", get.Code)
		}
	})

	t.Run("empty email is rejected", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/items", `{"sender":"a@b.c"}`, true)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown item is 404", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/items/nope", "", true)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("stats carries counts and queue depth", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/stats", "", true)
		var out struct {
			QueuePending int `json:"queue_pending"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		if out.QueuePending != 7 {
			t.Fatalf("queue depth lost: %s", rec.Body.String())
		}
	})
}

func TestJobEndpoints(t *testing.T) {
	f := newServerFixture(t)
	job := model.NewBatchJob(model.NewJobID(), nil)
	job.Status = model.BatchJobStatusSubmitted
	f.batch.jobs[job.JobID] = job

	t.Run("get and list", func(t *testing.T) {
		if rec := f.do(t, http.MethodGet, "/api/v1/jobs", "", true); rec.Code != http.StatusOK {
			t.Fatalf("list: %d", rec.Code)
		}
		rec := f.do(t, http.MethodGet, "/api/v1/jobs/"+job.JobID, "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("get: %d", rec.Code)
		}
		if !bytes.Contains(rec.Body.Bytes(), []byte(job.JobID)) {
			t.Fatalf("job id missing: %s", rec.Body.String())
		}
	})

	t.Run("cancel is rejected once terminal", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
		}
		again := f.do(t, http.MethodPost, "/api/v1/jobs/"+job.JobID+"/cancel", "", true)
		if again.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", again.Code)
		}
	})

	t.Run("manual flush reports idle queue", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/queue/flush", "", true)
		var out struct {
			Flushed bool `json:"flushed"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
		if rec.Code != http.StatusOK || out.Flushed {
			t.Fatalf("expected idle flush, got %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestPricingEndpoints(t *testing.T) {
	f := newServerFixture(t)

	body := `{"model_name":"gpt-4o-mini","input_token_price_micros":10,"output_token_price_micros":30,"batch_discount_percent":50,"active":true}`
	if rec := f.do(t, http.MethodPut, "/api/v1/pricing", body, true); rec.Code != http.StatusOK {
		t.Fatalf("set pricing: %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/api/v1/pricing", "", true)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("gpt-4o-mini")) {
		t.Fatalf("list pricing: %d %s", rec.Code, rec.Body.String())
	}
}
