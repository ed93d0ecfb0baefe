package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"email-triage-pipeline/internal/domain"
	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/repository"
)

var _ repository.ModelPricingRepository = (*modelPricingRepo)(nil)

type modelPricingRepo struct {
	pool *pgxpool.Pool
}

func NewModelPricingRepo(pool *pgxpool.Pool) *modelPricingRepo {
	return &modelPricingRepo{pool: pool}
}

const pricingColumns = `id, model_name, input_token_price_micros, output_token_price_micros,
batch_discount_percent, active, created_at, updated_at`

func (r *modelPricingRepo) GetByModelName(ctx context.Context, tx repository.Tx, name string) (*model.ModelPricing, error) {
	q := `SELECT ` + pricingColumns + ` FROM model_pricing WHERE model_name = $1 AND active LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, name)
	if err != nil {
		return nil, err
	}
	return scanPricing(row)
}

func (r *modelPricingRepo) Create(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	const q = `
INSERT INTO model_pricing (id, model_name, input_token_price_micros, output_token_price_micros,
  batch_discount_percent, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.ModelName, p.InputTokenPriceMicros,
		p.OutputTokenPriceMicros, p.BatchDiscountPercent, p.Active, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *modelPricingRepo) Update(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	p.UpdatedAt = time.Now()
	const q = `
UPDATE model_pricing SET
  model_name = $2,
  input_token_price_micros = $3,
  output_token_price_micros = $4,
  batch_discount_percent = $5,
  active = $6,
  updated_at = $7
WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.ModelName, p.InputTokenPriceMicros,
		p.OutputTokenPriceMicros, p.BatchDiscountPercent, p.Active, p.UpdatedAt)
	return err
}

func (r *modelPricingRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.ModelPricing, error) {
	q := `SELECT ` + pricingColumns + ` FROM model_pricing WHERE active ORDER BY model_name;`
	rows, err := pickRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ModelPricing
	for rows.Next() {
		p, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPricing(row pgx.Row) (*model.ModelPricing, error) {
	var p model.ModelPricing
	err := row.Scan(&p.ID, &p.ModelName, &p.InputTokenPriceMicros, &p.OutputTokenPriceMicros,
		&p.BatchDiscountPercent, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &p, nil
}
