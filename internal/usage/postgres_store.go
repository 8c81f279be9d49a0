package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogDispatch(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO dispatch_logs (identity, request_id, models_used, models_requested, models_succeeded, models_failed, tier, elapsed_ms, is_overage, overage_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.Identity, rec.RequestID, rec.ModelsUsed,
		rec.ModelsRequested, rec.ModelsSucceeded, rec.ModelsFailed,
		rec.Tier, rec.ElapsedMillis, rec.IsOverage, rec.OverageAmount,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log dispatch: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetByIdentity(ctx context.Context, identity string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, identity, request_id, models_used, models_requested, models_succeeded, models_failed, tier, elapsed_ms, is_overage, overage_amount, created_at
		FROM dispatch_logs
		WHERE identity = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, identity, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch logs: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.Identity, &r.RequestID, &r.ModelsUsed,
			&r.ModelsRequested, &r.ModelsSucceeded, &r.ModelsFailed,
			&r.Tier, &r.ElapsedMillis, &r.IsOverage, &r.OverageAmount, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch log: %w", err)
		}
		recs = append(recs, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dispatch logs: %w", err)
	}

	return recs, nil
}

func (s *PostgresStore) GetTotals(ctx context.Context, identity string, from, to time.Time) (Totals, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(models_requested), 0),
		       COALESCE(SUM(models_succeeded), 0),
		       COALESCE(SUM(models_failed), 0),
		       COALESCE(SUM(CASE WHEN is_overage THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(elapsed_ms), 0)
		FROM dispatch_logs
		WHERE identity = $1 AND created_at BETWEEN $2 AND $3
	`
	var t Totals
	err := s.db.QueryRow(ctx, query, identity, from, to).Scan(
		&t.Dispatches, &t.ModelCalls, &t.Succeeded, &t.Failed, &t.OverageRequests, &t.TotalMillis,
	)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to get usage totals: %w", err)
	}

	return t, nil
}
