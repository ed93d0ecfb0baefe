package repository

import (
	"context"
	"time"

	"email-triage-pipeline/internal/domain/model"
)

// ItemUpdate is a sparse, by-field update. Nil members are left untouched.
type ItemUpdate struct {
	Status        *model.ItemStatus
	BatchInFlight *bool
	L0            *model.SpamVerdict
	L1            *model.LayerOutput
	L2            *model.LayerOutput
	L3            *model.MergeResult
	LastError     *string
	LeaseOwner    *string
	LeaseExpires  *time.Time
}

type ItemRepository interface {
	Append(ctx context.Context, tx Tx, item *model.Item) error
	Get(ctx context.Context, tx Tx, id string) (*model.Item, error)
	ListByStatus(ctx context.Context, tx Tx, status model.ItemStatus, limit int) ([]*model.Item, error)
	// ListStale returns non-terminal items untouched since the cutoff whose
	// lease has expired; the backlog sweep's input.
	ListStale(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Item, error)
	// ListInFlightByJob returns items whose current layer rides on the given job.
	ListInFlightByJob(ctx context.Context, tx Tx, jobID string) ([]*model.Item, error)
	Update(ctx context.Context, tx Tx, id string, upd ItemUpdate) error
	// Claim atomically moves an item from `from` to `to` and stamps the lease.
	// Returns domain.ErrAlreadyClaimed when the conditional update matched no row.
	Claim(ctx context.Context, tx Tx, id string, from, to model.ItemStatus, owner string, leaseUntil time.Time) error
	CountByStatus(ctx context.Context, tx Tx) (map[model.ItemStatus]int, error)
}
