package memory

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/isometry/idsync/internal/identity"
)

// Entry is a user or group held in a Store. Changes are private to the
// entry until it is saved.
type Entry struct {
	store *Store
	rec   *record
	isNew bool
}

var _ identity.WritableEntry = (*Entry)(nil)

func (e *Entry) String() string {
	return fmt.Sprintf("%s(%s)", identity.Describe(e), e.rec.id)
}

func (e *Entry) Kind() identity.Kind { return e.rec.kind }
func (e *Entry) Key() string         { return e.rec.key }
func (e *Entry) UUID() uuid.UUID     { return e.rec.id }
func (e *Entry) Enabled() bool       { return e.rec.enabled }

func (e *Entry) Get(name string) []string {
	return slices.Clone(e.rec.attrs[name])
}

func (e *Entry) SyncId() (identity.SyncId, bool) {
	if e.rec.syncid == nil {
		return identity.SyncId{}, false
	}
	return *e.rec.syncid, true
}

func (e *Entry) SetSyncId(id identity.SyncId) { e.rec.syncid = &id }
func (e *Entry) SetKey(key string)            { e.rec.key = key }
func (e *Entry) SetEnabled(enabled bool)      { e.rec.enabled = enabled }

func (e *Entry) Set(name string, values []string) {
	if len(values) == 0 {
		delete(e.rec.attrs, name)
		return
	}
	e.rec.attrs[name] = slices.Clone(values)
}
