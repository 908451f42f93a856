package identity

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

// Kind distinguishes users from groups.
type Kind int

const (
	KindUser Kind = iota
	KindGroup
)

// Kinds lists every entry kind in synchronization order.
var Kinds = []Kind{KindUser, KindGroup}

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is a user database entry.
type Entry interface {
	// Kind reports whether this entry is a user or a group.
	Kind() Kind

	// Key returns the canonical lookup key.
	Key() string

	// UUID returns the permanent identifier for this entry, or uuid.Nil
	// if none is known yet.
	UUID() uuid.UUID

	// Enabled reports whether the entry is enabled.
	Enabled() bool

	// Get returns the values of a declared attribute. Single-valued
	// attributes return at most one value; unset attributes return nil.
	Get(name string) []string
}

// User is a user database entry that can enumerate its groups.
type User interface {
	Entry

	// Groups yields the groups of which this user is a member. The
	// sequence is lazy and may be iterated more than once.
	Groups(ctx context.Context) iter.Seq2[Group, error]
}

// Group is a user database entry that can enumerate its members.
type Group interface {
	Entry

	// Users yields the users who are members of this group. The
	// sequence is lazy and may be iterated more than once.
	Users(ctx context.Context) iter.Seq2[User, error]
}

// WritableEntry is a destination entry that carries a synchronization
// identifier and accepts mutation. Mutations are buffered on the entry
// until the owning Destination saves it.
type WritableEntry interface {
	Entry

	// SyncId returns the stored synchronization identifier, if any.
	SyncId() (SyncId, bool)

	SetSyncId(id SyncId)
	SetKey(key string)
	SetEnabled(enabled bool)

	// Set replaces the values of a declared attribute. A nil or empty
	// slice clears the attribute.
	Set(name string, values []string)
}

// Describe renders an entry for log fields and error messages.
func Describe(e Entry) string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%q)", e.Kind(), e.Key())
}

// SyncIdOf derives the synchronization identifier for a source entry.
func SyncIdOf(e Entry) SyncId {
	return NewSyncId(e.UUID())
}
