package postgres

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/google/uuid"

	"github.com/isometry/idsync/internal/identity"
)

// Entry is a row of the users or groups table. Changes are held on the
// entry until it is saved.
type Entry struct {
	db      *Database
	table   *table
	id      uuid.UUID
	key     string
	syncid  *uuid.UUID
	enabled bool
	attrs   map[string][]string
	isNew   bool
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s(%s)", identity.Describe(e), e.UUID())
}

func (e *Entry) Kind() identity.Kind { return e.table.kind }
func (e *Entry) Key() string         { return e.key }
func (e *Entry) Enabled() bool       { return e.enabled }

// UUID returns the row identifier. An unsaved entry without a sync
// identifier has none yet.
func (e *Entry) UUID() uuid.UUID {
	if e.id == uuid.Nil && e.syncid != nil {
		return e.table.rowID(e.syncid)
	}
	return e.id
}

func (e *Entry) Get(name string) []string {
	return slices.Clone(e.attrs[name])
}

func (e *Entry) SyncId() (identity.SyncId, bool) {
	if e.syncid == nil {
		return identity.SyncId{}, false
	}
	return identity.NewSyncId(*e.syncid), true
}

func (e *Entry) SetSyncId(id identity.SyncId) {
	u := id.UUID()
	e.syncid = &u
}

func (e *Entry) SetKey(key string)       { e.key = key }
func (e *Entry) SetEnabled(enabled bool) { e.enabled = enabled }

func (e *Entry) Set(name string, values []string) {
	if len(values) == 0 {
		delete(e.attrs, name)
		return
	}
	e.attrs[name] = slices.Clone(values)
}

func (e *Entry) entry() *Entry { return e }

// User is a row of the users table.
type User struct {
	*Entry
}

var _ identity.User = (*User)(nil)
var _ identity.WritableEntry = (*User)(nil)

// Groups yields the groups recorded for the user in the memberships
// table.
func (u *User) Groups(ctx context.Context) iter.Seq2[identity.Group, error] {
	return func(yield func(identity.Group, error) bool) {
		for e, err := range u.db.query(ctx, groupsTable, "WHERE id IN (SELECT group_id FROM memberships WHERE user_id = $1) ORDER BY name", u.id) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&Group{e}, nil) {
				return
			}
		}
	}
}

// Group is a row of the groups table.
type Group struct {
	*Entry
}

var _ identity.Group = (*Group)(nil)
var _ identity.WritableEntry = (*Group)(nil)

// Users yields the members recorded for the group in the memberships
// table.
func (g *Group) Users(ctx context.Context) iter.Seq2[identity.User, error] {
	return func(yield func(identity.User, error) bool) {
		for e, err := range g.db.query(ctx, usersTable, "WHERE id IN (SELECT user_id FROM memberships WHERE group_id = $1) ORDER BY name", g.id) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&User{e}, nil) {
				return
			}
		}
	}
}

// wrap returns the kind-specific view of e.
func wrap(e *Entry) identity.WritableEntry {
	if e.table.kind == identity.KindGroup {
		return &Group{e}
	}
	return &User{e}
}
