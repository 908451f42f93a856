package identity

import (
	"context"
	"errors"
	"fmt"
)

const (
	// StateKeyLen is the maximum length of a state key.
	StateKeyLen = 128

	// StateKeyCookie is the state key holding the synchronization cookie.
	StateKeyCookie = "cookie"
)

// ErrKeyTooLong is returned for state keys longer than StateKeyLen.
var ErrKeyTooLong = errors.New("state key too long")

// State is the durable synchronization state of a destination.
//
// State writes belong to the destination's current transaction and
// become durable only when the destination commits.
type State interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ValidateStateKey checks that key fits the state key column.
func ValidateStateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty state key")
	}
	if len(key) > StateKeyLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrKeyTooLong, len(key), StateKeyLen)
	}
	return nil
}

// Cookie returns the stored synchronization cookie, or nil if none has
// been stored.
func Cookie(ctx context.Context, s State) (*SyncCookie, error) {
	raw, ok, err := s.Get(ctx, StateKeyCookie)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync cookie: %w", err)
	}
	if !ok {
		return nil, nil
	}
	cookie := SyncCookie(raw)
	return &cookie, nil
}

// SetCookie stores the synchronization cookie.
func SetCookie(ctx context.Context, s State, cookie SyncCookie) error {
	if err := s.Set(ctx, StateKeyCookie, string(cookie)); err != nil {
		return fmt.Errorf("failed to store sync cookie: %w", err)
	}
	return nil
}
