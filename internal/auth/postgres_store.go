package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/llm-fanout/internal/quota"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*User, error) {
	query := `
		SELECT u.id, u.plan, u.active, u.created_at
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = $1 AND k.active = true AND u.active = true
	`

	var u User
	var plan string
	err := s.db.QueryRow(ctx, query, hashKey(key)).Scan(&u.ID, &plan, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	p, err := quota.ParsePlan(plan)
	if err != nil {
		return nil, fmt.Errorf("user %s has unknown plan: %w", u.ID, err)
	}
	u.Plan = p

	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (plan, active)
		VALUES ($1, $2)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, string(user.Plan), user.Active).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, userID, keyHash string) error {
	if keyHash == "" {
		return fmt.Errorf("key_hash is required")
	}

	query := `
		INSERT INTO api_keys (user_id, key_hash, active)
		VALUES ($1, $2, true)
	`
	if _, err := s.db.Exec(ctx, query, userID, keyHash); err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

func (s *PostgresStore) RevokeKey(ctx context.Context, keyHash string) error {
	query := `UPDATE api_keys SET active = false WHERE key_hash = $1`
	tag, err := s.db.Exec(ctx, query, keyHash)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// HashKey exposes the key digest for seeding and key issuance.
func HashKey(key string) string {
	return hashKey(key)
}
