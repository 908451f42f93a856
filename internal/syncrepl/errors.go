package syncrepl

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/isometry/idsync/internal/identity"
)

// ErrProtocol matches every content synchronization protocol violation.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a malformed or unexpected protocol message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "Protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// UnrecognisedEntryError reports a search entry that is neither a user
// nor a group.
type UnrecognisedEntryError struct {
	DN string
}

func (e *UnrecognisedEntryError) Error() string {
	return fmt.Sprintf("Unrecognised entry %s", e.DN)
}

func (e *UnrecognisedEntryError) Is(target error) bool {
	return target == ErrProtocol
}

// SyncIdMismatchError reports an entry whose permanent identifier
// disagrees with the entryUUID of its Sync State control.
type SyncIdMismatchError struct {
	SyncId identity.SyncId
	UUID   uuid.UUID
	DN     string
}

func (e *SyncIdMismatchError) Error() string {
	return fmt.Sprintf("SyncId %s mismatch for entry %s (%s)", e.SyncId, e.UUID, e.DN)
}

func (e *SyncIdMismatchError) Is(target error) bool {
	return target == ErrProtocol
}
