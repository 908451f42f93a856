package identity

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Namespaces for name-based UUID derivation.
var (
	NamespaceSQL   = uuid.MustParse("b3c23456-05d8-4be5-b173-b57aeb30b4f4")
	NamespaceDummy = uuid.MustParse("c5dd5cb8-b889-431e-8426-81297a053894")
)

// NameUUID returns the version 5 UUID for name within namespace.
func NameUUID(namespace uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(name))
}

// SyncId permanently identifies a synchronized entry.
//
// A SyncId carries the same 128 bits as the source entry's permanent
// UUID. It does not encode whether the entry is a user or a group.
type SyncId uuid.UUID

// NewSyncId derives the synchronization identifier for a permanent UUID.
func NewSyncId(id uuid.UUID) SyncId {
	return SyncId(id)
}

// ParseSyncId parses the canonical textual form of a SyncId.
func ParseSyncId(s string) (SyncId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SyncId{}, err
	}
	return SyncId(id), nil
}

func (s SyncId) UUID() uuid.UUID { return uuid.UUID(s) }

func (s SyncId) String() string { return uuid.UUID(s).String() }

// SyncIdSet is an unordered set of synchronization identifiers.
type SyncIdSet map[SyncId]struct{}

// NewSyncIdSet builds a set from ids.
func NewSyncIdSet(ids ...SyncId) SyncIdSet {
	s := make(SyncIdSet, len(ids))
	s.Add(ids...)
	return s
}

func (s SyncIdSet) Add(ids ...SyncId) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s SyncIdSet) Contains(id SyncId) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in canonical textual order.
func (s SyncIdSet) Sorted() []SyncId {
	ids := make([]SyncId, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b SyncId) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}
