package identity

import (
	"context"
	"iter"
)

// Source is a watchable user database.
type Source interface {
	// Attributes returns the attributes declared for entries of kind.
	Attributes(kind Kind) []Attribute

	// Watch streams changes since cookie, or the full database when
	// cookie is nil. In persist mode the stream continues until ctx is
	// cancelled or the caller stops iterating; otherwise it ends after
	// the refresh phase.
	Watch(ctx context.Context, cookie *SyncCookie, persist bool) iter.Seq2[Event, error]

	Close() error
}

// Destination is a writable user database.
//
// Not-found lookups return a nil entry and a nil error.
type Destination interface {
	// Attributes returns the attributes declared for entries of kind.
	Attributes(kind Kind) []Attribute

	// Prepare makes the database ready for synchronization. It is
	// idempotent.
	Prepare(ctx context.Context) error

	// FindBySyncId looks up a user or group by synchronization identifier.
	FindBySyncId(ctx context.Context, id SyncId) (WritableEntry, error)

	// FindBySyncIds returns all synchronized entries whose identifier is
	// in ids, or not in ids when invert is set. Entries without a
	// synchronization identifier are never returned.
	FindBySyncIds(ctx context.Context, ids []SyncId, invert bool) ([]WritableEntry, error)

	// FindByKey looks up an entry of kind by canonical key.
	FindByKey(ctx context.Context, kind Kind, key string) (WritableEntry, error)

	// Create returns a new, unsaved entry of kind.
	Create(ctx context.Context, kind Kind) (WritableEntry, error)

	// Save writes a new or modified entry.
	Save(ctx context.Context, entry WritableEntry) error

	// Delete removes an entry.
	Delete(ctx context.Context, entry WritableEntry) error

	State() State

	// Commit makes all changes since the previous commit durable.
	Commit(ctx context.Context) error

	// Rollback discards all changes since the previous commit.
	Rollback(ctx context.Context) error

	Close() error
}
