package identity

import (
	"fmt"
	"strings"
)

// Event is a single item in a source change stream.
type Event interface {
	fmt.Stringer
	event()
}

// EntryEvent reports an added or modified entry.
type EntryEvent struct {
	Entry Entry
}

// UnchangedSyncIds lists entries that are still present but unmodified.
type UnchangedSyncIds []SyncId

// DeletedSyncIds lists entries that have been removed at the source.
type DeletedSyncIds []SyncId

// RefreshComplete marks the end of the refresh phase. Autodelete
// reports whether entries not observed during refresh should be
// treated as deleted.
type RefreshComplete struct {
	Autodelete bool
}

// SyncCookie is an opaque source-defined resumption token.
type SyncCookie string

func (EntryEvent) event() {}
func (UnchangedSyncIds) event() {}
func (DeletedSyncIds) event() {}
func (RefreshComplete) event() {}
func (SyncCookie) event() {}

func (e EntryEvent) String() string {
	return fmt.Sprintf("Entry(%s, %s)", Describe(e.Entry), e.Entry.UUID())
}

func (ids UnchangedSyncIds) String() string {
	return "UnchangedSyncIds(" + joinSyncIds(ids) + ")"
}

func (ids DeletedSyncIds) String() string {
	return "DeletedSyncIds(" + joinSyncIds(ids) + ")"
}

func (e RefreshComplete) String() string {
	return fmt.Sprintf("RefreshComplete(autodelete=%t)", e.Autodelete)
}

func (c SyncCookie) String() string {
	return fmt.Sprintf("SyncCookie(%q)", string(c))
}

func joinSyncIds(ids []SyncId) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}
