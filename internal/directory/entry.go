package directory

import (
	"context"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/syncrepl"
)

// entry is a directory entry. Attribute names are held in lower case.
type entry struct {
	dir   *Directory
	kind  identity.Kind
	dn    string
	attrs map[string][]string
}

func newEntry(dir *Directory, kind identity.Kind, dn string, attrs map[string][]string) *entry {
	lowered := make(map[string][]string, len(attrs))
	for name, values := range attrs {
		lowered[strings.ToLower(name)] = values
	}
	return &entry{dir: dir, kind: kind, dn: dn, attrs: lowered}
}

func (e *entry) values(name string) []string {
	return e.attrs[strings.ToLower(name)]
}

func (e *entry) first(name string) string {
	if v := e.values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (e *entry) model() *Model {
	return e.dir.schema.model(e.kind)
}

// DN returns the distinguished name of the entry.
func (e *entry) DN() string { return e.dn }

func (e *entry) Kind() identity.Kind { return e.kind }

func (e *entry) Key() string {
	return e.first(e.model().Key)
}

// UUID parses the permanent identifier attribute. An absent or
// malformed value yields uuid.Nil.
func (e *entry) UUID() uuid.UUID {
	id, err := uuid.Parse(e.first(e.dir.schema.UUID))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// SetUUID stores id as the permanent identifier attribute.
func (e *entry) SetUUID(id uuid.UUID) {
	e.attrs[strings.ToLower(e.dir.schema.UUID)] = []string{id.String()}
}

func (e *entry) Enabled() bool {
	if e.kind != identity.KindUser || e.dir.schema.Locked == "" {
		return true
	}
	return !strings.EqualFold(e.first(e.dir.schema.Locked), "TRUE")
}

func (e *entry) Get(name string) []string {
	mapping, ok := e.model().mapping(name)
	if !ok {
		return nil
	}
	values := e.values(mapping.LDAP)
	if !mapping.Multi && len(values) > 1 {
		return values[:1]
	}
	return values
}

// User is a directory user.
type User struct {
	*entry
}

var _ identity.User = (*User)(nil)

// Groups yields the groups of which the user is a member.
func (u *User) Groups(ctx context.Context) iter.Seq2[identity.Group, error] {
	return func(yield func(identity.Group, error) bool) {
		filter, ok := u.dir.schema.Group.membership(u.entry)
		if !ok {
			return
		}
		for e, err := range u.dir.search(ctx, identity.KindGroup, filter) {
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

// Group is a directory group.
type Group struct {
	*entry
}

var _ identity.Group = (*Group)(nil)

// Users yields the users who are members of the group.
func (g *Group) Users(ctx context.Context) iter.Seq2[identity.User, error] {
	return func(yield func(identity.User, error) bool) {
		filter, ok := g.dir.schema.User.membership(g.entry)
		if !ok {
			return
		}
		for e, err := range g.dir.search(ctx, identity.KindUser, filter) {
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

func wrap(e *entry) syncrepl.Entry {
	if e.kind == identity.KindGroup {
		return &Group{e}
	}
	return &User{e}
}
