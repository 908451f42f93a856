package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/isometry/idsync/internal/identity"
)

const (
	stateGetSQL    = "SELECT value FROM state WHERE key = $1"
	stateSetSQL    = "INSERT INTO state (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value"
	stateDeleteSQL = "DELETE FROM state WHERE key = $1"
)

// state is the state table. It shares the database transaction.
type state struct {
	db *Database
}

func (s *state) Get(ctx context.Context, key string) (string, bool, error) {
	if err := identity.ValidateStateKey(key); err != nil {
		return "", false, err
	}
	tx, err := s.db.begin(ctx)
	if err != nil {
		return "", false, err
	}

	var value string
	err = tx.QueryRow(ctx, stateGetSQL, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, true, nil
}

func (s *state) Set(ctx context.Context, key, value string) error {
	if err := identity.ValidateStateKey(key); err != nil {
		return err
	}
	tx, err := s.db.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stateSetSQL, key, value); err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

func (s *state) Delete(ctx context.Context, key string) error {
	if err := identity.ValidateStateKey(key); err != nil {
		return err
	}
	tx, err := s.db.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stateDeleteSQL, key); err != nil {
		return fmt.Errorf("failed to delete state %q: %w", key, err)
	}
	return nil
}
