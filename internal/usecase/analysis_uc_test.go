//go:build !integration

package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"email-triage-pipeline/internal/config"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/adapter"
)

func testAnalysisConfig() config.AnalysisConfig {
	return config.AnalysisConfig{
		SpamFilterEnabled:   true,
		SpamConfidenceMin:   0.85,
		DivergenceThreshold: 0.35,
		ConfidenceFloor:     0.5,
		LeaseTTL:            10 * time.Minute,
		BacklogAge:          48 * time.Hour,
		SweepWorkers:        2,
		SweepBatchLimit:     50,
	}
}

func testAIConfig() config.AIConfig {
	return config.AIConfig{
		DefaultModel: "gpt-4o-mini",
		VerifyModel:  "gpt-4o",
		SpamModel:    "gpt-4o-mini",
		MaxTokens:    1024,
		CallTimeout:  5 * time.Second,
	}
}

type analysisFixture struct {
	items    *memItemRepo
	requests *memRequestRepo
	ai       *fakeCompletion
	queue    QueueUseCase
	uc       AnalysisUseCase
}

func newAnalysisFixture(t *testing.T) *analysisFixture {
	t.Helper()
	f := &analysisFixture{
		items:    newMemItemRepo(),
		requests: newMemRequestRepo(),
		ai:       &fakeCompletion{},
	}
	f.items.requests = f.requests
	f.queue = NewQueueUseCase(f.requests, testBatchConfig(), testLogger())
	f.uc = NewAnalysisUseCase(f.items, f.queue, f.ai, testAIConfig(), testAnalysisConfig(), testLogger())
	return f
}

// seedItem installs an item at an arbitrary pipeline position.
func (f *analysisFixture) seedItem(t *testing.T, id string, status model.ItemStatus, l1 *model.LayerOutput) *model.Item {
	t.Helper()
	it := model.NewItem(id, "a@b.c", "subject", "body", time.Now())
	it.Status = status
	it.L1 = l1
	if err := f.items.Append(context.Background(), nil, it); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return it
}

func (f *analysisFixture) mustGet(t *testing.T, id string) *model.Item {
	t.Helper()
	it, err := f.items.Get(context.Background(), nil, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return it
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("starts at the spam gate", func(t *testing.T) {
		f := newAnalysisFixture(t)
		it, err := f.uc.Ingest(ctx, "a@b.c", "hi", "body", time.Now())
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if it.Status != model.ItemStatusToFilter {
			t.Fatalf("expected to_filter, got %s", it.Status)
		}
	})

	t.Run("skips the gate when the filter is off", func(t *testing.T) {
		f := newAnalysisFixture(t)
		cfg := testAnalysisConfig()
		cfg.SpamFilterEnabled = false
		f.uc = NewAnalysisUseCase(f.items, f.queue, f.ai, testAIConfig(), cfg, testLogger())
		it, _ := f.uc.Ingest(ctx, "a@b.c", "hi", "body", time.Now())
		if it.Status != model.ItemStatusToAnalyze {
			t.Fatalf("expected to_analyze, got %s", it.Status)
		}
	})
}

func TestSpamGate(t *testing.T) {
	ctx := context.Background()

	t.Run("confident spam verdict is terminal", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.ai.reply = func(sys, user string, p adapter.CompletionParams) (*adapter.Completion, error) {
			return &adapter.Completion{Content: `{"is_spam":true,"confidence":0.97}`}, nil
		}
		f.seedItem(t, "it-1", model.ItemStatusToFilter, nil)

		if err := f.uc.ProcessNew(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusSpam {
			t.Fatalf("expected spam, got %s", it.Status)
		}
		if it.L0 == nil || !it.L0.IsSpam {
			t.Fatalf("verdict not stored: %+v", it.L0)
		}
	})

	t.Run("hesitant spam verdict continues the pipeline", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.ai.reply = func(sys, user string, p adapter.CompletionParams) (*adapter.Completion, error) {
			return &adapter.Completion{Content: `{"is_spam":true,"confidence":0.5}`}, nil
		}
		f.seedItem(t, "it-1", model.ItemStatusToFilter, nil)
		_ = f.uc.ProcessNew(ctx)
		if it := f.mustGet(t, "it-1"); it.Status != model.ItemStatusToAnalyze {
			t.Fatalf("expected to_analyze, got %s", it.Status)
		}
	})

	t.Run("gate failure leaves the item retryable", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.ai.reply = func(sys, user string, p adapter.CompletionParams) (*adapter.Completion, error) {
			return nil, errors.New("provider down")
		}
		f.seedItem(t, "it-1", model.ItemStatusToFilter, nil)
		_ = f.uc.ProcessNew(ctx)
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusToFilter {
			t.Fatalf("expected to_filter, got %s", it.Status)
		}
		if !strings.Contains(it.LastError, "provider down") {
			t.Fatalf("error not recorded: %q", it.LastError)
		}
	})
}

func TestEnqueueLayers(t *testing.T) {
	ctx := context.Background()

	t.Run("L1 is claimed before its request exists", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusToAnalyze, nil)

		if err := f.uc.ProcessNew(ctx); err != nil {
			t.Fatalf("process: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusAnalyzingL1 || !it.BatchInFlight {
			t.Fatalf("item not claimed for L1: %+v", it)
		}
		if it.LeaseOwner == "" || !it.LeaseExpiresAt.After(time.Now()) {
			t.Fatalf("lease not stamped: %+v", it)
		}

		if n, _ := f.queue.PendingDepth(ctx); n != 1 {
			t.Fatalf("expected 1 pending request, got %d", n)
		}
		reqs, _ := f.requests.DrainPending(ctx, 10, "probe")
		if reqs[0].CorrelationID != "it-1" || reqs[0].OperationType != model.OpCategorize {
			t.Fatalf("bad request: %+v", reqs[0])
		}
		if !reqs[0].JSONMode || reqs[0].Model != "gpt-4o-mini" {
			t.Fatalf("bad call params: %+v", reqs[0])
		}
	})

	t.Run("L2 rides the verify model with the first pass inlined", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusL1Done, &model.LayerOutput{Tags: []string{"billing"}})

		_ = f.uc.ProcessNew(ctx)
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusAnalyzingL2 {
			t.Fatalf("expected analyzing_l2, got %s", it.Status)
		}
		reqs, _ := f.requests.DrainPending(ctx, 10, "probe")
		if reqs[0].OperationType != model.OpVerify || reqs[0].Model != "gpt-4o" {
			t.Fatalf("bad request: %+v", reqs[0])
		}
		if !strings.Contains(reqs[0].UserPrompt, "billing") {
			t.Fatal("first pass not inlined into the verify prompt")
		}
	})

	t.Run("a live lease held elsewhere blocks the claim", func(t *testing.T) {
		f := newAnalysisFixture(t)
		it := f.seedItem(t, "it-1", model.ItemStatusToAnalyze, nil)
		if err := f.items.Claim(ctx, nil, it.ID, model.ItemStatusToAnalyze, model.ItemStatusToAnalyze,
			"other-run", time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("pre-claim: %v", err)
		}

		_ = f.uc.ProcessNew(ctx)
		if n, _ := f.queue.PendingDepth(ctx); n != 0 {
			t.Fatalf("claimed item must not be enqueued, depth=%d", n)
		}
	})
}

func TestApplyResult(t *testing.T) {
	ctx := context.Background()

	t.Run("L1 result advances to l1_done", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzingL1, nil)

		err := f.uc.ApplyResult(ctx, "it-1", model.OpCategorize, `{"tags":["billing"],"synthesis":"pay","scores":{"urgency":0.7}}`, "")
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusL1Done || it.L1 == nil {
			t.Fatalf("L1 not applied: %+v", it)
		}
		if it.BatchInFlight || it.LeaseOwner != "" {
			t.Fatalf("claim not released: %+v", it)
		}
	})

	t.Run("agreeing L2 result finalizes as analyzed", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzingL2,
			&model.LayerOutput{Tags: []string{"billing"}, Synthesis: "pay", Scores: map[string]float64{"urgency": 0.7}})

		err := f.uc.ApplyResult(ctx, "it-1", model.OpVerify,
			`{"tags":["billing"],"synthesis":"pay now","scores":{"urgency":0.7},"confidence":0.9}`, "")
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusAnalyzed {
			t.Fatalf("expected analyzed, got %s", it.Status)
		}
		if it.L3 == nil || it.L3.Synthesis != "pay now" {
			t.Fatalf("merge result missing: %+v", it.L3)
		}
	})

	t.Run("diverging L2 result routes to review", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzingL2, &model.LayerOutput{Tags: []string{"billing"}})

		err := f.uc.ApplyResult(ctx, "it-1", model.OpVerify, `{"tags":["legal"],"synthesis":"sue","scores":{},"confidence":0.9}`, "")
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusNeedsReview {
			t.Fatalf("expected needs_review, got %s", it.Status)
		}
	})

	t.Run("provider error rolls the layer back", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzingL2, &model.LayerOutput{Tags: []string{"x"}})

		if err := f.uc.ApplyResult(ctx, "it-1", model.OpVerify, "", "rate limited"); err != nil {
			t.Fatalf("apply: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusL1Done {
			t.Fatalf("expected rollback to l1_done, got %s", it.Status)
		}
		if !strings.Contains(it.LastError, "rate limited") {
			t.Fatalf("error not recorded: %q", it.LastError)
		}
	})

	t.Run("unparseable content rolls the layer back", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzingL1, nil)
		if err := f.uc.ApplyResult(ctx, "it-1", model.OpCategorize, "sorry, I cannot do that", ""); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if it := f.mustGet(t, "it-1"); it.Status != model.ItemStatusToAnalyze {
			t.Fatalf("expected rollback to to_analyze, got %s", it.Status)
		}
	})

	t.Run("late result for a finished item is skipped", func(t *testing.T) {
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzed, nil)
		if err := f.uc.ApplyResult(ctx, "it-1", model.OpCategorize, `{"tags":[]}`, ""); err != nil {
			t.Fatalf("apply: %v", err)
		}
		if it := f.mustGet(t, "it-1"); it.Status != model.ItemStatusAnalyzed {
			t.Fatalf("terminal item rewritten: %s", it.Status)
		}
	})

	t.Run("late L1 line never lands in the L2 slot", func(t *testing.T) {
		// A sweep takeover can re-drive an item past L1 and re-claim it for
		// L2 while the original batch job is still open. The categorize line
		// that job eventually returns must not be applied as the verify pass.
		f := newAnalysisFixture(t)
		f.seedItem(t, "it-1", model.ItemStatusAnalyzingL2,
			&model.LayerOutput{Tags: []string{"billing"}, Synthesis: "pay", Scores: map[string]float64{"urgency": 0.7}})

		err := f.uc.ApplyResult(ctx, "it-1", model.OpCategorize,
			`{"tags":["totally-different"],"synthesis":"stale","scores":{}}`, "")
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		it := f.mustGet(t, "it-1")
		if it.Status != model.ItemStatusAnalyzingL2 {
			t.Fatalf("stale line moved the item: %s", it.Status)
		}
		if it.L2 != nil {
			t.Fatalf("categorize payload written as L2: %+v", it.L2)
		}

		// A stale categorize error line must not roll the item back either.
		if err := f.uc.ApplyResult(ctx, "it-1", model.OpCategorize, "", "rate limited"); err != nil {
			t.Fatalf("apply error line: %v", err)
		}
		if it := f.mustGet(t, "it-1"); it.Status != model.ItemStatusAnalyzingL2 {
			t.Fatalf("stale error line rolled the item back: %s", it.Status)
		}
	})
}

func TestReleaseStranded(t *testing.T) {
	ctx := context.Background()
	f := newAnalysisFixture(t)
	f.seedItem(t, "it-1", model.ItemStatusToAnalyze, nil)
	f.seedItem(t, "it-2", model.ItemStatusL1Done, &model.LayerOutput{Tags: []string{"x"}})

	// Claim both through the normal path, then bind their requests to a job.
	if err := f.uc.ProcessNew(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := f.requests.DrainPending(ctx, 10, "job-dead"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if err := f.uc.ReleaseStranded(ctx, "job-dead", "batch job job-dead expired"); err != nil {
		t.Fatalf("release: %v", err)
	}

	it1 := f.mustGet(t, "it-1")
	if it1.Status != model.ItemStatusToAnalyze || it1.BatchInFlight {
		t.Fatalf("it-1 not released: %+v", it1)
	}
	it2 := f.mustGet(t, "it-2")
	if it2.Status != model.ItemStatusL1Done || it2.BatchInFlight {
		t.Fatalf("it-2 not released: %+v", it2)
	}
	if !strings.Contains(it1.LastError, "expired") {
		t.Fatalf("reason not recorded: %q", it1.LastError)
	}
}

func TestProcessBacklog(t *testing.T) {
	ctx := context.Background()
	f := newAnalysisFixture(t)

	// The fake provider answers each layer by its system prompt.
	f.ai.reply = func(sys, user string, p adapter.CompletionParams) (*adapter.Completion, error) {
		switch sys {
		case spamSystemPrompt:
			return &adapter.Completion{Content: `{"is_spam":false,"confidence":0.9}`}, nil
		case categorizeSystemPrompt:
			return &adapter.Completion{Content: `{"tags":["billing"],"synthesis":"pay","scores":{"urgency":0.6}}`}, nil
		default:
			return &adapter.Completion{Content: `{"tags":["billing"],"synthesis":"pay","scores":{"urgency":0.6},"confidence":0.9}`}, nil
		}
	}

	stale := model.NewItem("stale-1", "a@b.c", "old", "body", time.Now().Add(-80*time.Hour))
	stale.Status = model.ItemStatusToAnalyze
	stale.UpdatedAt = time.Now().Add(-72 * time.Hour)
	if err := f.items.Append(ctx, nil, stale); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fresh := f.seedItem(t, "fresh-1", model.ItemStatusToAnalyze, nil)

	swept, err := f.uc.ProcessBacklog(ctx)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept item, got %d", swept)
	}

	got := f.mustGet(t, "stale-1")
	if got.Status != model.ItemStatusAnalyzed {
		t.Fatalf("stale item not driven to terminal, got %s", got.Status)
	}
	if got.L1 == nil || got.L2 == nil || got.L3 == nil {
		t.Fatalf("layers missing after sweep: %+v", got)
	}

	// The fresh item is not the sweep's business.
	if it := f.mustGet(t, fresh.ID); it.Status != model.ItemStatusToAnalyze {
		t.Fatalf("fresh item touched by sweep: %s", it.Status)
	}
	// No batch requests were created: the sweep bypasses the queue.
	if n, _ := f.queue.PendingDepth(ctx); n != 0 {
		t.Fatalf("sweep must not enqueue, depth=%d", n)
	}
}
