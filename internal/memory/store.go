// Package memory implements an in-process transactional user database.
//
// A Store keeps a committed snapshot and a working copy. All changes
// are made to the working copy and become visible in the committed
// snapshot on Commit. When configured without group storage, group
// lookups resolve to dummy groups.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
)

const logSubsystem = "memory"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory store is closed")

// Config configures a memory store.
type Config struct {
	// Groups enables group storage. When false, groups are dummies.
	Groups *bool `yaml:"groups" default:"true"`
}

var userAttributes = []identity.Attribute{
	{Name: identity.AttrCommonName},
	{Name: identity.AttrDisplayName},
	{Name: identity.AttrEmployeeNumber},
	{Name: identity.AttrGivenName},
	{Name: identity.AttrInitials},
	{Name: identity.AttrMail, Multi: true},
	{Name: identity.AttrMobile, Multi: true},
	{Name: identity.AttrSurname},
	{Name: identity.AttrTelephoneNumber, Multi: true},
	{Name: identity.AttrTitle},
}

var groupAttributes = []identity.Attribute{
	{Name: identity.AttrCommonName},
	{Name: identity.AttrDescription},
}

type record struct {
	id      uuid.UUID
	kind    identity.Kind
	key     string
	enabled bool
	syncid  *identity.SyncId
	attrs   map[string][]string
}

func (r *record) clone() *record {
	c := *r
	if r.syncid != nil {
		id := *r.syncid
		c.syncid = &id
	}
	c.attrs = make(map[string][]string, len(r.attrs))
	for name, values := range r.attrs {
		c.attrs[name] = slices.Clone(values)
	}
	return &c
}

type snapshot struct {
	records map[uuid.UUID]*record
	state   map[string]string
}

func newSnapshot() *snapshot {
	return &snapshot{records: map[uuid.UUID]*record{}, state: map[string]string{}}
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{
		records: make(map[uuid.UUID]*record, len(s.records)),
		state:   maps.Clone(s.state),
	}
	for id, r := range s.records {
		c.records[id] = r.clone()
	}
	return c
}

// Store is an in-memory user database.
type Store struct {
	mu        sync.Mutex
	groups    bool
	committed *snapshot
	working   *snapshot
	closed    bool
}

var _ identity.Destination = (*Store)(nil)

// New returns an empty store.
func New(config *Config) *Store {
	groups := config == nil || config.Groups == nil || *config.Groups
	return &Store{
		groups:    groups,
		committed: newSnapshot(),
		working:   newSnapshot(),
	}
}

func (s *Store) String() string {
	return fmt.Sprintf("Memory(groups=%t)", s.groups)
}

func (s *Store) Attributes(kind identity.Kind) []identity.Attribute {
	switch {
	case kind == identity.KindUser:
		return userAttributes
	case s.groups:
		return groupAttributes
	default:
		return nil
	}
}

// Prepare fails only if the store is closed.
func (s *Store) Prepare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tflog.SubsystemDebug(ctx, logSubsystem, "Prepared memory store", map[string]any{"groups": s.groups})
	return nil
}

func (s *Store) FindBySyncId(ctx context.Context, id identity.SyncId) (identity.WritableEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	for _, r := range s.working.records {
		if r.syncid != nil && *r.syncid == id {
			return s.entry(r), nil
		}
	}
	return nil, nil
}

func (s *Store) FindBySyncIds(ctx context.Context, ids []identity.SyncId, invert bool) ([]identity.WritableEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	set := identity.NewSyncIdSet(ids...)
	var found []identity.WritableEntry
	for _, r := range s.sorted() {
		if r.syncid != nil && set.Contains(*r.syncid) != invert {
			found = append(found, s.entry(r))
		}
	}
	return found, nil
}

func (s *Store) FindByKey(ctx context.Context, kind identity.Kind, key string) (identity.WritableEntry, error) {
	if kind == identity.KindGroup && !s.groups {
		return identity.NewDummyGroup(key), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if r := s.byKey(kind, key); r != nil {
		return s.entry(r), nil
	}
	return nil, nil
}

func (s *Store) Create(ctx context.Context, kind identity.Kind) (identity.WritableEntry, error) {
	if kind == identity.KindGroup && !s.groups {
		return identity.NewDummyGroup(""), nil
	}
	return &Entry{
		store: s,
		rec:   &record{id: uuid.New(), kind: kind, enabled: true, attrs: map[string][]string{}},
		isNew: true,
	}, nil
}

func (s *Store) Save(ctx context.Context, entry identity.WritableEntry) error {
	if _, ok := entry.(*identity.DummyGroup); ok {
		return nil
	}
	e, err := s.own(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.rec.key == "" {
		return fmt.Errorf("cannot save %s without a key", e.rec.kind)
	}
	if other := s.byKey(e.rec.kind, e.rec.key); other != nil && other.id != e.rec.id {
		return fmt.Errorf("duplicate %s key %q", e.rec.kind, e.rec.key)
	}
	if !e.isNew {
		if _, ok := s.working.records[e.rec.id]; !ok {
			return fmt.Errorf("%s %q no longer exists", e.rec.kind, e.rec.key)
		}
	}

	s.working.records[e.rec.id] = e.rec.clone()
	e.isNew = false

	tflog.SubsystemTrace(ctx, logSubsystem, "Saved entry", map[string]any{
		"entry": identity.Describe(e),
		"uuid":  e.rec.id.String(),
	})
	return nil
}

func (s *Store) Delete(ctx context.Context, entry identity.WritableEntry) error {
	if _, ok := entry.(*identity.DummyGroup); ok {
		return nil
	}
	e, err := s.own(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.working.records, e.rec.id)

	tflog.SubsystemTrace(ctx, logSubsystem, "Deleted entry", map[string]any{
		"entry": identity.Describe(e),
		"uuid":  e.rec.id.String(),
	})
	return nil
}

func (s *Store) State() identity.State {
	return &state{store: s}
}

func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.committed = s.working.clone()
	tflog.SubsystemTrace(ctx, logSubsystem, "Committed", map[string]any{"entries": len(s.committed.records)})
	return nil
}

func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.working = s.committed.clone()
	tflog.SubsystemTrace(ctx, logSubsystem, "Rolled back", map[string]any{"entries": len(s.working.records)})
	return nil
}

// Close discards uncommitted changes. The committed snapshot remains
// readable through Entries.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working = s.committed.clone()
	s.closed = true
	return nil
}

// Entries returns copies of the committed entries of kind, ordered by
// key.
func (s *Store) Entries(kind identity.Kind) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*Entry
	for _, r := range sortRecords(s.committed.records) {
		if r.kind == kind {
			entries = append(entries, s.entry(r))
		}
	}
	return entries
}

// CommittedState returns a copy of the committed state map.
func (s *Store) CommittedState() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.committed.state)
}

func (s *Store) own(entry identity.WritableEntry) (*Entry, error) {
	e, ok := entry.(*Entry)
	if !ok || e.store != s {
		return nil, fmt.Errorf("entry %s does not belong to this store", identity.Describe(entry))
	}
	return e, nil
}

func (s *Store) entry(r *record) *Entry {
	return &Entry{store: s, rec: r.clone()}
}

func (s *Store) byKey(kind identity.Kind, key string) *record {
	for _, r := range s.working.records {
		if r.kind == kind && r.key == key {
			return r
		}
	}
	return nil
}

func (s *Store) sorted() []*record {
	return sortRecords(s.working.records)
}

func sortRecords(records map[uuid.UUID]*record) []*record {
	sorted := slices.Collect(maps.Values(records))
	slices.SortFunc(sorted, func(a, b *record) int {
		return cmp.Or(cmp.Compare(a.kind, b.kind), cmp.Compare(a.key, b.key))
	})
	return sorted
}
