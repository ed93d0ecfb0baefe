// File: internal/usecase/analysis_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"email-triage-pipeline/internal/config"
	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/adapter"
	"email-triage-pipeline/internal/domain/ports/repository"
	"email-triage-pipeline/internal/infra/metrics"
)

// Compile-time checks
var (
	_ AnalysisUseCase = (*analysisUC)(nil)
	_ ResultApplier   = (*analysisUC)(nil)
)

// driveLimit caps how many items one ProcessNew pass picks up per status.
const driveLimit = 500

type AnalysisUseCase interface {
	// Ingest registers a new item at the head of the pipeline.
	Ingest(ctx context.Context, sender, subject, body string, receivedAt time.Time) (*model.Item, error)
	// ProcessNew advances every item waiting at a layer boundary: runs the
	// spam gate directly and enqueues L1/L2 calls for batching.
	ProcessNew(ctx context.Context) error
	// ProcessBacklog re-drives stale items synchronously through their
	// remaining layers, bypassing the batch queue.
	ProcessBacklog(ctx context.Context) (int, error)
	ApplyResult(ctx context.Context, correlationID string, op model.OperationType, content, errMsg string) error
	ReleaseStranded(ctx context.Context, jobID, reason string) error
	GetItem(ctx context.Context, id string) (*model.Item, error)
	Counts(ctx context.Context) (map[model.ItemStatus]int, error)
}

type analysisUC struct {
	items repository.ItemRepository
	queue QueueUseCase
	ai    adapter.CompletionClient
	aiCfg config.AIConfig
	cfg   config.AnalysisConfig
	log   *zerolog.Logger

	// runID is this process's lease owner token.
	runID string
	now   func() time.Time
}

func NewAnalysisUseCase(items repository.ItemRepository, queue QueueUseCase, ai adapter.CompletionClient,
	aiCfg config.AIConfig, cfg config.AnalysisConfig, log *zerolog.Logger) *analysisUC {
	return &analysisUC{
		items: items,
		queue: queue,
		ai:    ai,
		aiCfg: aiCfg,
		cfg:   cfg,
		log:   log,
		runID: "run-" + uuid.NewString(),
		now:   time.Now,
	}
}

func (a *analysisUC) Ingest(ctx context.Context, sender, subject, body string, receivedAt time.Time) (*model.Item, error) {
	it := model.NewItem(uuid.NewString(), sender, subject, body, receivedAt)
	if !a.cfg.SpamFilterEnabled {
		it.Status = model.ItemStatusToAnalyze
	}
	if err := a.items.Append(ctx, nil, it); err != nil {
		return nil, err
	}
	return it, nil
}

func (a *analysisUC) ProcessNew(ctx context.Context) error {
	if a.cfg.SpamFilterEnabled {
		toFilter, err := a.items.ListByStatus(ctx, nil, model.ItemStatusToFilter, driveLimit)
		if err != nil {
			return err
		}
		for _, it := range toFilter {
			if err := a.runSpamGate(ctx, it); err != nil {
				a.log.Warn().Err(err).Str("item_id", it.ID).Msg("spam gate failed, item stays retryable")
			}
		}
	}

	toAnalyze, err := a.items.ListByStatus(ctx, nil, model.ItemStatusToAnalyze, driveLimit)
	if err != nil {
		return err
	}
	for _, it := range toAnalyze {
		if err := a.enqueueLayer(ctx, it, model.ItemStatusToAnalyze); err != nil {
			a.log.Warn().Err(err).Str("item_id", it.ID).Msg("L1 enqueue failed")
		}
	}

	l1Done, err := a.items.ListByStatus(ctx, nil, model.ItemStatusL1Done, driveLimit)
	if err != nil {
		return err
	}
	for _, it := range l1Done {
		if err := a.enqueueLayer(ctx, it, model.ItemStatusL1Done); err != nil {
			a.log.Warn().Err(err).Str("item_id", it.ID).Msg("L2 enqueue failed")
		}
	}
	return nil
}

// runSpamGate executes L0 as a cheap direct call. The claim keeps the status
// but stamps the lease, so concurrent runners skip the item.
func (a *analysisUC) runSpamGate(ctx context.Context, it *model.Item) error {
	if err := a.claim(ctx, it.ID, model.ItemStatusToFilter, model.ItemStatusToFilter); err != nil {
		return err
	}
	verdict, err := a.completeSpam(ctx, it)
	if err != nil {
		a.recordFailure(ctx, it.ID, model.ItemStatusToFilter, err)
		metrics.IncLayerCall("l0", "error")
		return &domain.LayerCallError{Layer: "l0", Err: err}
	}

	next := model.ItemStatusToAnalyze
	if verdict.IsSpam && verdict.Confidence >= a.cfg.SpamConfidenceMin {
		next = model.ItemStatusSpam
	}
	upd := repository.ItemUpdate{
		Status:       &next,
		L0:           verdict,
		LastError:    strPtr(""),
		LeaseOwner:   strPtr(""),
		LeaseExpires: timePtr(time.Time{}),
	}
	if err := a.items.Update(ctx, nil, it.ID, upd); err != nil {
		return err
	}
	metrics.IncLayerCall("l0", "ok")
	if next == model.ItemStatusSpam {
		metrics.IncItemFinalized(string(model.ItemStatusSpam))
	}
	return nil
}

func (a *analysisUC) completeSpam(ctx context.Context, it *model.Item) (*model.SpamVerdict, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.aiCfg.CallTimeout)
	defer cancel()
	started := a.now()
	comp, err := a.ai.Complete(callCtx, spamSystemPrompt, emailPrompt(it), adapter.CompletionParams{
		Model:       a.spamModel(),
		MaxTokens:   128,
		Temperature: 0,
		JSONMode:    true,
	})
	metrics.ObserveAICall(a.spamModel(), int(time.Since(started).Milliseconds()), err == nil)
	if err != nil {
		return nil, err
	}
	metrics.ObserveAIUsage(a.spamModel(), "direct", comp.PromptTokens, comp.CompletionTokens, 0)
	return model.ParseSpamVerdict(comp.Content)
}

// enqueueLayer claims the item for its next layer, then hands the call to the
// batch queue. The status write happens before the request exists, so a
// result can never arrive for an unclaimed item.
func (a *analysisUC) enqueueLayer(ctx context.Context, it *model.Item, from model.ItemStatus) error {
	layer, op, to, err := a.nextLayer(from)
	if err != nil {
		return err
	}
	if err := a.claim(ctx, it.ID, from, to); err != nil {
		return err
	}

	sysPrompt, userPrompt, params := a.layerCall(layer, it)
	_, err = a.queue.Enqueue(ctx, EnqueueInput{
		OperationType: op,
		CorrelationID: it.ID,
		SystemPrompt:  sysPrompt,
		UserPrompt:    userPrompt,
		Model:         params.Model,
		MaxTokens:     params.MaxTokens,
		Temperature:   params.Temperature,
		JSONMode:      true,
	})
	if err != nil {
		// Put the item back where it was so the next pass retries.
		a.recordFailure(ctx, it.ID, from, err)
		metrics.IncLayerCall(layer, "error")
		return err
	}
	if err := a.items.Update(ctx, nil, it.ID, repository.ItemUpdate{BatchInFlight: boolPtr(true)}); err != nil {
		return err
	}
	metrics.IncLayerCall(layer, "enqueued")
	return nil
}

func (a *analysisUC) nextLayer(from model.ItemStatus) (layer string, op model.OperationType, to model.ItemStatus, err error) {
	switch from {
	case model.ItemStatusToAnalyze:
		return "l1", model.OpCategorize, model.ItemStatusAnalyzingL1, nil
	case model.ItemStatusL1Done:
		return "l2", model.OpVerify, model.ItemStatusAnalyzingL2, nil
	}
	return "", "", "", fmt.Errorf("no next layer from status %s: %w", from, domain.ErrInvalidArgument)
}

func (a *analysisUC) layerCall(layer string, it *model.Item) (sysPrompt, userPrompt string, params adapter.CompletionParams) {
	params = adapter.CompletionParams{
		Model:       a.aiCfg.DefaultModel,
		MaxTokens:   a.aiCfg.MaxTokens,
		Temperature: a.aiCfg.Temperature,
		JSONMode:    true,
	}
	if layer == "l2" {
		if a.aiCfg.VerifyModel != "" {
			params.Model = a.aiCfg.VerifyModel
		}
		firstPass, _ := json.Marshal(it.L1)
		return verifySystemPrompt, verifyPrompt(it, string(firstPass)), params
	}
	return categorizeSystemPrompt, emailPrompt(it), params
}

// ApplyResult writes one call result back to its item, keyed by correlation
// id. The item's in-progress status names the layer awaiting a result, and
// the result must carry the matching operation: after a sweep takeover the
// item may already sit at a later layer when a line from the original batch
// finally lands, and that line must not be written into the wrong slot.
func (a *analysisUC) ApplyResult(ctx context.Context, correlationID string, op model.OperationType, content, errMsg string) error {
	it, err := a.items.Get(ctx, nil, correlationID)
	if err != nil {
		return fmt.Errorf("result for unknown item %s: %w", correlationID, err)
	}
	if it.Status.Terminal() {
		a.log.Warn().Str("item_id", it.ID).Str("status", string(it.Status)).
			Msg("late result for finished item, skipped")
		return nil
	}

	var layer string
	var rollback model.ItemStatus
	var wantOp model.OperationType
	switch it.Status {
	case model.ItemStatusAnalyzingL1:
		layer, rollback, wantOp = "l1", model.ItemStatusToAnalyze, model.OpCategorize
	case model.ItemStatusAnalyzingL2:
		layer, rollback, wantOp = "l2", model.ItemStatusL1Done, model.OpVerify
	default:
		// The backlog sweep already re-drove this item past the layer the
		// batch was carrying.
		a.log.Warn().Str("item_id", it.ID).Str("status", string(it.Status)).
			Msg("result for item no longer in flight, skipped")
		return nil
	}
	if op != wantOp {
		a.log.Warn().Str("item_id", it.ID).Str("status", string(it.Status)).
			Str("op", string(op)).Msg("result operation does not match the in-flight layer, skipped")
		return nil
	}

	if errMsg != "" {
		a.recordFailure(ctx, it.ID, rollback, errors.New(errMsg))
		metrics.IncLayerCall(layer, "error")
		return nil
	}
	out, err := model.ParseLayerOutput(content)
	if err != nil {
		a.recordFailure(ctx, it.ID, rollback, err)
		metrics.IncLayerCall(layer, "error")
		return nil
	}

	if layer == "l1" {
		if err := it.ApplyL1(out); err != nil {
			return err
		}
		upd := repository.ItemUpdate{
			Status:        &it.Status,
			L1:            out,
			BatchInFlight: boolPtr(false),
			LastError:     strPtr(""),
			LeaseOwner:    strPtr(""),
			LeaseExpires:  timePtr(time.Time{}),
		}
		if err := a.items.Update(ctx, nil, it.ID, upd); err != nil {
			return err
		}
		metrics.IncLayerCall("l1", "ok")
		return nil
	}

	if err := it.ApplyL2(out); err != nil {
		return err
	}
	upd := repository.ItemUpdate{
		Status:        &it.Status,
		L2:            out,
		BatchInFlight: boolPtr(false),
		LastError:     strPtr(""),
		LeaseOwner:    strPtr(""),
		LeaseExpires:  timePtr(time.Time{}),
	}
	if err := a.items.Update(ctx, nil, it.ID, upd); err != nil {
		return err
	}
	metrics.IncLayerCall("l2", "ok")
	return a.mergeAndFinalize(ctx, it)
}

// mergeAndFinalize runs the consensus pass and persists the merged state
// before the terminal one, so a crash between the two writes leaves a
// resumable item rather than a half-finished terminal one.
func (a *analysisUC) mergeAndFinalize(ctx context.Context, it *model.Item) error {
	res := MergeOutputs(it.L1, it.L2, MergePolicy{
		DivergenceThreshold: a.cfg.DivergenceThreshold,
		ConfidenceFloor:     a.cfg.ConfidenceFloor,
	})
	if err := it.ApplyMerge(res); err != nil {
		return err
	}
	if err := a.items.Update(ctx, nil, it.ID, repository.ItemUpdate{Status: &it.Status, L3: res}); err != nil {
		return err
	}
	if err := it.Finalize(); err != nil {
		return err
	}
	if err := a.items.Update(ctx, nil, it.ID, repository.ItemUpdate{Status: &it.Status}); err != nil {
		return err
	}
	metrics.IncItemFinalized(string(it.Status))
	return nil
}

// ReleaseStranded resets every item whose in-flight layer rode on a job that
// died, so the next pass can re-enqueue or the sweep re-drive them.
func (a *analysisUC) ReleaseStranded(ctx context.Context, jobID, reason string) error {
	stranded, err := a.items.ListInFlightByJob(ctx, nil, jobID)
	if err != nil {
		return err
	}
	for _, it := range stranded {
		var rollback model.ItemStatus
		switch it.Status {
		case model.ItemStatusAnalyzingL1:
			rollback = model.ItemStatusToAnalyze
		case model.ItemStatusAnalyzingL2:
			rollback = model.ItemStatusL1Done
		default:
			continue
		}
		a.recordFailure(ctx, it.ID, rollback, errors.New(reason))
		a.log.Info().Str("item_id", it.ID).Str("job_id", jobID).Msg("stranded item released")
	}
	return nil
}

// ProcessBacklog picks up stale items and drives each one synchronously to a
// terminal status, fanned out over a small worker set.
func (a *analysisUC) ProcessBacklog(ctx context.Context) (int, error) {
	cutoff := a.now().Add(-a.cfg.BacklogAge)
	stale, err := a.items.ListStale(ctx, nil, cutoff, a.cfg.SweepBatchLimit)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		swept int
	)
	sem := make(chan struct{}, a.cfg.SweepWorkers)
	for _, it := range stale {
		it := it
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := a.sweepItem(ctx, it); err != nil {
				a.log.Warn().Err(err).Str("item_id", it.ID).Msg("backlog sweep item failed")
				return
			}
			mu.Lock()
			swept++
			mu.Unlock()
		}()
	}
	wg.Wait()
	metrics.AddBacklogSwept(swept)
	return swept, nil
}

// sweepItem re-drives one stale item through its remaining layers with
// direct calls. Claims go through the same conditional update as the batch
// path, so a live lease still protects the item.
func (a *analysisUC) sweepItem(ctx context.Context, it *model.Item) error {
	for hops := 0; hops < 4; hops++ {
		cur, err := a.items.Get(ctx, nil, it.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}
		switch cur.Status {
		case model.ItemStatusToFilter:
			if !a.cfg.SpamFilterEnabled {
				to := model.ItemStatusToAnalyze
				if err := a.items.Update(ctx, nil, cur.ID, repository.ItemUpdate{Status: &to}); err != nil {
					return err
				}
				continue
			}
			if err := a.runSpamGate(ctx, cur); err != nil {
				return err
			}
		case model.ItemStatusToAnalyze, model.ItemStatusAnalyzingL1:
			if err := a.runLayerDirect(ctx, cur, "l1", cur.Status, model.ItemStatusAnalyzingL1); err != nil {
				return err
			}
		case model.ItemStatusL1Done, model.ItemStatusAnalyzingL2, model.ItemStatusL2Done, model.ItemStatusMerged:
			if err := a.finishDirect(ctx, cur); err != nil {
				return err
			}
		}
	}
	return nil
}

// runLayerDirect claims and executes one layer synchronously.
func (a *analysisUC) runLayerDirect(ctx context.Context, it *model.Item, layer string, from, claimed model.ItemStatus) error {
	if err := a.claim(ctx, it.ID, from, claimed); err != nil {
		return err
	}
	sysPrompt, userPrompt, params := a.layerCall(layer, it)

	callCtx, cancel := context.WithTimeout(ctx, a.aiCfg.CallTimeout)
	defer cancel()
	started := a.now()
	comp, err := a.ai.Complete(callCtx, sysPrompt, userPrompt, params)
	metrics.ObserveAICall(params.Model, int(time.Since(started).Milliseconds()), err == nil)
	if err != nil {
		a.recordFailure(ctx, it.ID, from, err)
		metrics.IncLayerCall(layer, "error")
		return &domain.LayerCallError{Layer: layer, Err: err}
	}
	metrics.ObserveAIUsage(params.Model, "direct", comp.PromptTokens, comp.CompletionTokens, 0)
	return a.ApplyResult(ctx, it.ID, layerOp(layer), comp.Content, "")
}

func layerOp(layer string) model.OperationType {
	if layer == "l2" {
		return model.OpVerify
	}
	return model.OpCategorize
}

// finishDirect completes an item that already has L1: runs L2 if missing,
// then merge and finalize.
func (a *analysisUC) finishDirect(ctx context.Context, it *model.Item) error {
	switch it.Status {
	case model.ItemStatusL1Done, model.ItemStatusAnalyzingL2:
		return a.runLayerDirect(ctx, it, "l2", it.Status, model.ItemStatusAnalyzingL2)
	case model.ItemStatusL2Done:
		return a.mergeAndFinalize(ctx, it)
	case model.ItemStatusMerged:
		if err := it.Finalize(); err != nil {
			return err
		}
		if err := a.items.Update(ctx, nil, it.ID, repository.ItemUpdate{Status: &it.Status}); err != nil {
			return err
		}
		metrics.IncItemFinalized(string(it.Status))
		return nil
	}
	return nil
}

func (a *analysisUC) GetItem(ctx context.Context, id string) (*model.Item, error) {
	return a.items.Get(ctx, nil, id)
}

func (a *analysisUC) Counts(ctx context.Context) (map[model.ItemStatus]int, error) {
	return a.items.CountByStatus(ctx, nil)
}

// spamModel picks the L0 model; the gate runs on a cheaper model when one is
// configured.
func (a *analysisUC) spamModel() string {
	if a.aiCfg.SpamModel != "" {
		return a.aiCfg.SpamModel
	}
	return a.aiCfg.DefaultModel
}

func (a *analysisUC) claim(ctx context.Context, id string, from, to model.ItemStatus) error {
	return a.items.Claim(ctx, nil, id, from, to, a.runID, a.now().Add(a.cfg.LeaseTTL))
}

// recordFailure rolls an item back to a retryable status and stores the
// error. Best-effort: a failed rollback only logs, the lease will expire.
func (a *analysisUC) recordFailure(ctx context.Context, id string, rollback model.ItemStatus, cause error) {
	msg := cause.Error()
	upd := repository.ItemUpdate{
		Status:        &rollback,
		BatchInFlight: boolPtr(false),
		LastError:     &msg,
		LeaseOwner:    strPtr(""),
		LeaseExpires:  timePtr(time.Time{}),
	}
	if err := a.items.Update(ctx, nil, id, upd); err != nil {
		a.log.Error().Err(err).Str("item_id", id).Msg("failed to roll back item after error")
	}
}

func strPtr(s string) *string        { return &s }
func boolPtr(b bool) *bool           { return &b }
func timePtr(t time.Time) *time.Time { return &t }
