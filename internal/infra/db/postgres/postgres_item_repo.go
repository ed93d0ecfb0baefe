package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/repository"
)

var _ repository.ItemRepository = (*itemRepo)(nil)

type itemRepo struct {
	pool *pgxpool.Pool
}

func NewItemRepo(pool *pgxpool.Pool) *itemRepo {
	return &itemRepo{pool: pool}
}

const itemColumns = `id, received_at, sender, subject, body, status, batch_in_flight,
l0, l1, l2, l3, last_error, lease_owner, lease_expires_at, created_at, updated_at`

const itemColumnsPrefixed = `i.id, i.received_at, i.sender, i.subject, i.body, i.status, i.batch_in_flight,
i.l0, i.l1, i.l2, i.l3, i.last_error, i.lease_owner, i.lease_expires_at, i.created_at, i.updated_at`

func (r *itemRepo) Append(ctx context.Context, tx repository.Tx, item *model.Item) error {
	item.UpdatedAt = time.Now()
	const q = `
INSERT INTO items (id, received_at, sender, subject, body, status, batch_in_flight,
  l0, l1, l2, l3, last_error, lease_owner, lease_expires_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);`

	_, err := execSQL(ctx, r.pool, tx, q,
		item.ID, item.ReceivedAt, item.Sender, item.Subject, item.Body,
		string(item.Status), item.BatchInFlight,
		marshalOrNil(item.L0), marshalOrNil(item.L1), marshalOrNil(item.L2), marshalOrNil(item.L3),
		item.LastError, item.LeaseOwner, nullableTime(item.LeaseExpiresAt),
		item.CreatedAt, item.UpdatedAt)
	return err
}

func (r *itemRepo) Get(ctx context.Context, tx repository.Tx, id string) (*model.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanItem(row)
}

func (r *itemRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.ItemStatus, limit int) ([]*model.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE status = $1 ORDER BY received_at LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *itemRepo) ListStale(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items
WHERE status NOT IN ('spam', 'analyzed', 'needs_review')
  AND updated_at < $1
  AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at < now())
ORDER BY updated_at
LIMIT $2;`
	rows, err := pickRows(ctx, r.pool, tx, q, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *itemRepo) ListInFlightByJob(ctx context.Context, tx repository.Tx, jobID string) ([]*model.Item, error) {
	// Correlation ids in batch payloads are item ids; join through the
	// requests table to find the items a job was serving.
	q := `SELECT ` + itemColumnsPrefixed + ` FROM items i
JOIN batch_requests r ON r.correlation_id = i.id
WHERE r.job_id = $1 AND i.batch_in_flight;`
	rows, err := pickRows(ctx, r.pool, tx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *itemRepo) Update(ctx context.Context, tx repository.Tx, id string, upd repository.ItemUpdate) error {
	// Sparse update: only named fields are written, never a full-row overwrite.
	set := make([]string, 0, 10)
	args := make([]interface{}, 0, 10)
	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.BatchInFlight != nil {
		add("batch_in_flight", *upd.BatchInFlight)
	}
	if upd.L0 != nil {
		add("l0", marshalOrNil(upd.L0))
	}
	if upd.L1 != nil {
		add("l1", marshalOrNil(upd.L1))
	}
	if upd.L2 != nil {
		add("l2", marshalOrNil(upd.L2))
	}
	if upd.L3 != nil {
		add("l3", marshalOrNil(upd.L3))
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	}
	if upd.LeaseOwner != nil {
		add("lease_owner", *upd.LeaseOwner)
	}
	if upd.LeaseExpires != nil {
		add("lease_expires_at", nullableTime(*upd.LeaseExpires))
	}
	if len(set) == 0 {
		return nil
	}
	add("updated_at", time.Now())

	args = append(args, id)
	q := fmt.Sprintf("UPDATE items SET %s WHERE id = $%d;", strings.Join(set, ", "), len(args))
	tag, err := execSQL(ctx, r.pool, tx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *itemRepo) Claim(ctx context.Context, tx repository.Tx, id string, from, to model.ItemStatus, owner string, leaseUntil time.Time) error {
	// Conditional transition: succeeds only while the row still holds the
	// expected status and no live lease is in the way. This is the only
	// mutual-exclusion point; losers see ErrAlreadyClaimed and skip.
	const q = `
UPDATE items
SET status = $1, lease_owner = $2, lease_expires_at = $3, updated_at = now()
WHERE id = $4 AND status = $5
  AND (lease_owner = '' OR lease_owner = $2 OR lease_expires_at IS NULL OR lease_expires_at < now());`

	tag, err := execSQL(ctx, r.pool, tx, q, string(to), owner, leaseUntil, id, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyClaimed
	}
	return nil
}

func (r *itemRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.ItemStatus]int, error) {
	rows, err := pickRows(ctx, r.pool, tx, `SELECT status, COUNT(*) FROM items GROUP BY status;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[model.ItemStatus]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out[model.ItemStatus(s)] = n
	}
	return out, rows.Err()
}

// --- scanning ---

func scanItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	var status string
	var l0, l1, l2, l3 []byte
	var leaseExpires *time.Time
	err := row.Scan(
		&it.ID, &it.ReceivedAt, &it.Sender, &it.Subject, &it.Body,
		&status, &it.BatchInFlight,
		&l0, &l1, &l2, &l3,
		&it.LastError, &it.LeaseOwner, &leaseExpires,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	it.Status = model.ItemStatus(status)
	if leaseExpires != nil {
		it.LeaseExpiresAt = *leaseExpires
	}
	if err := unmarshalInto(l0, &it.L0); err != nil {
		return nil, err
	}
	if err := unmarshalInto(l1, &it.L1); err != nil {
		return nil, err
	}
	if err := unmarshalInto(l2, &it.L2); err != nil {
		return nil, err
	}
	if err := unmarshalInto(l3, &it.L3); err != nil {
		return nil, err
	}
	return &it, nil
}

func scanItems(rows pgx.Rows) ([]*model.Item, error) {
	var out []*model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func marshalOrNil(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case *model.SpamVerdict:
		if t == nil {
			return nil
		}
	case *model.LayerOutput:
		if t == nil {
			return nil
		}
	case *model.MergeResult:
		if t == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalInto[T any](raw []byte, dst **T) error {
	if len(raw) == 0 {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.ErrReadDatabaseRow
	}
	*dst = &v
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

