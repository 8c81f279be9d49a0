package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrUserNotFound = errors.New("user not found")

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps quota counters on the users row. Every mutation is a
// single UPDATE with the arithmetic in SQL, so concurrent requests for the
// same user serialize on the row lock instead of losing updates.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ReadQuotaState(ctx context.Context, userID string) (State, error) {
	query := `
		SELECT daily_usage_count, usage_reset_date, daily_extended_usage, extended_usage_reset_date
		FROM users
		WHERE id = $1
	`
	var st State
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&st.DailyUsageCount, &st.UsageResetDate, &st.DailyExtendedUsage, &st.ExtendedUsageResetDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrUserNotFound
		}
		return State{}, fmt.Errorf("failed to read quota state: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ResetDaily(ctx context.Context, userID string, day time.Time) error {
	query := `UPDATE users SET daily_usage_count = 0, usage_reset_date = $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, userID, day)
	if err != nil {
		return fmt.Errorf("failed to reset daily quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) ResetExtended(ctx context.Context, userID string, day time.Time) error {
	query := `UPDATE users SET daily_extended_usage = 0, extended_usage_reset_date = $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, userID, day)
	if err != nil {
		return fmt.Errorf("failed to reset extended quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) AddDailyUsage(ctx context.Context, userID string, n int) error {
	query := `UPDATE users SET daily_usage_count = daily_usage_count + $2 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, userID, n)
	if err != nil {
		return fmt.Errorf("failed to add daily usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresStore) AddExtendedUsage(ctx context.Context, userID string, n int) error {
	query := `UPDATE users SET daily_extended_usage = GREATEST(0, daily_extended_usage + $2) WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, userID, n)
	if err != nil {
		return fmt.Errorf("failed to add extended usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
