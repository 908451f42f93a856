package identity

import (
	"context"
	"iter"

	"github.com/google/uuid"
)

// DummyGroup stands in for a group in a database that has no storage
// for groups. Its UUID is derived from its key, it never carries a
// synchronization identifier, and all mutations are discarded.
type DummyGroup struct {
	key string
}

var _ WritableEntry = (*DummyGroup)(nil)

func NewDummyGroup(key string) *DummyGroup {
	return &DummyGroup{key: key}
}

func (g *DummyGroup) Kind() Kind          { return KindGroup }
func (g *DummyGroup) Key() string         { return g.key }
func (g *DummyGroup) UUID() uuid.UUID     { return NameUUID(NamespaceDummy, g.key) }
func (g *DummyGroup) Enabled() bool       { return true }
func (g *DummyGroup) Get(string) []string { return nil }

func (g *DummyGroup) SyncId() (SyncId, bool) { return SyncId{}, false }
func (g *DummyGroup) SetSyncId(SyncId) {}
func (g *DummyGroup) SetKey(string) {}
func (g *DummyGroup) SetEnabled(bool) {}
func (g *DummyGroup) Set(string, []string) {}

// Users yields nothing: dummy groups have no membership.
func (g *DummyGroup) Users(context.Context) iter.Seq2[User, error] {
	return func(func(User, error) bool) {}
}
