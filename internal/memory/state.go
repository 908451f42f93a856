package memory

import (
	"context"

	"github.com/isometry/idsync/internal/identity"
)

// state is the key/value state of a Store. It shares the store's
// transaction.
type state struct {
	store *Store
}

func (st *state) Get(ctx context.Context, key string) (string, bool, error) {
	if err := identity.ValidateStateKey(key); err != nil {
		return "", false, err
	}
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	value, ok := s.working.state[key]
	return value, ok, nil
}

func (st *state) Set(ctx context.Context, key, value string) error {
	if err := identity.ValidateStateKey(key); err != nil {
		return err
	}
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.working.state[key] = value
	return nil
}

func (st *state) Delete(ctx context.Context, key string) error {
	if err := identity.ValidateStateKey(key); err != nil {
		return err
	}
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.working.state, key)
	return nil
}
