// Package syncrepl decodes RFC 4533 content synchronization messages
// into user database change events, and records and replays raw
// message traces.
package syncrepl

import (
	"context"
	"iter"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/idsync/internal/identity"
)

const logSubsystem = "syncrepl"

// Entry is a user or group built from a search entry.
type Entry interface {
	identity.Entry

	// SetUUID stamps the permanent identifier onto an entry that was
	// returned without one.
	SetUUID(id uuid.UUID)
}

// Classifier builds entries from search entries.
type Classifier interface {
	// Classify returns nil if the object classes of attrs match neither
	// users nor groups.
	Classify(dn string, attrs map[string][]string) Entry
}

// AutodeleteOverrides replace the autodelete flag reported by the
// server at the end of the refresh phase. They work around servers
// that report the wrong flag. A nil override leaves the flag alone.
type AutodeleteOverrides struct {
	// RefreshOnlyResumed applies to refreshOnly searches that supplied
	// a cookie.
	RefreshOnlyResumed *bool `yaml:"refresh_only_resumed"`

	// PersistInitial applies to refreshAndPersist searches that did not
	// supply a cookie.
	PersistInitial *bool `yaml:"persist_initial"`
}

// Options control decoding.
type Options struct {
	// Persist selects refreshAndPersist semantics.
	Persist bool

	// Resumed reports that the search supplied a cookie.
	Resumed bool

	Autodelete AutodeleteOverrides
}

// Decoder turns raw messages into change events.
type Decoder struct {
	classifier Classifier
	opts       Options
}

func NewDecoder(classifier Classifier, opts Options) *Decoder {
	return &Decoder{classifier: classifier, opts: opts}
}

// Decode yields the events derived from messages.
//
// In refreshOnly mode the sequence ends after the Sync Done control,
// and a stream that ends without one is a protocol error. In
// refreshAndPersist mode a stream that ends, or a connection that is
// lost, simply ends the sequence. Cancellation of ctx always ends the
// sequence without error.
func (d *Decoder) Decode(ctx context.Context, messages iter.Seq2[*Message, error]) iter.Seq2[identity.Event, error] {
	return func(yield func(identity.Event, error) bool) {
		for msg, err := range messages {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if d.opts.Persist && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
					tflog.SubsystemWarn(ctx, logSubsystem, "Persistent search disconnected", map[string]any{
						"error": err.Error(),
					})
					return
				}
				yield(nil, err)
				return
			}

			events, done, err := d.decode(ctx, msg)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
			if done {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if d.opts.Persist {
			tflog.SubsystemInfo(ctx, logSubsystem, "Persistent search terminated")
			return
		}
		yield(nil, &ProtocolError{Reason: "missing syncDoneControl"})
	}
}

// decode returns the events for one message and whether it ends the
// stream.
func (d *Decoder) decode(ctx context.Context, msg *Message) ([]identity.Event, bool, error) {
	switch msg.Type {
	case MessageEntry:
		events, err := d.searchEntry(ctx, msg)
		return events, false, err
	case MessageIntermediate:
		events, err := d.intermediate(ctx, msg)
		return events, false, err
	case MessageResult:
		events, err := d.searchResult(ctx, msg)
		return events, true, err
	default:
		return nil, false, &ProtocolError{Reason: "unrecognised message type"}
	}
}

func (d *Decoder) searchEntry(ctx context.Context, msg *Message) ([]identity.Event, error) {
	sync := msg.State
	if sync == nil {
		return nil, &ProtocolError{Reason: "missing syncStateControl"}
	}

	syncid := identity.NewSyncId(sync.EntryUUID)
	var events []identity.Event

	switch sync.State {
	case StatePresent:
		tflog.SubsystemDebug(ctx, logSubsystem, "Present entry", map[string]any{"syncid": syncid.String()})
		events = append(events, identity.UnchangedSyncIds{syncid})

	case StateDelete:
		tflog.SubsystemDebug(ctx, logSubsystem, "Delete entry", map[string]any{"syncid": syncid.String()})
		events = append(events, identity.DeletedSyncIds{syncid})

	case StateAdd, StateModify:
		entry := d.classifier.Classify(msg.DN, msg.Attributes)
		if entry == nil {
			return nil, &UnrecognisedEntryError{DN: msg.DN}
		}
		switch id := entry.UUID(); id {
		case uuid.Nil:
			entry.SetUUID(sync.EntryUUID)
		case sync.EntryUUID:
		default:
			return nil, &SyncIdMismatchError{SyncId: syncid, UUID: id, DN: msg.DN}
		}
		tflog.SubsystemDebug(ctx, logSubsystem, "Changed entry", map[string]any{
			"dn":     msg.DN,
			"entry":  identity.Describe(entry),
			"state":  string(sync.State),
			"syncid": syncid.String(),
		})
		events = append(events, identity.EntryEvent{Entry: entry})

	default:
		return nil, &ProtocolError{Reason: "unrecognised syncStateValue"}
	}

	return withCookie(events, sync.Cookie), nil
}

func (d *Decoder) intermediate(ctx context.Context, msg *Message) ([]identity.Event, error) {
	sync := msg.Info
	if sync == nil {
		return nil, &ProtocolError{Reason: "missing syncInfoMessage"}
	}

	var events []identity.Event

	switch sync.Value {
	case InfoNewCookie:
		tflog.SubsystemDebug(ctx, logSubsystem, "New cookie")

	case InfoRefreshDelete:
		tflog.SubsystemDebug(ctx, logSubsystem, "Delete phase complete", map[string]any{"done": sync.RefreshDone})
		if sync.RefreshDone {
			events = append(events, d.refreshComplete(ctx, false))
		}

	case InfoRefreshPresent:
		tflog.SubsystemDebug(ctx, logSubsystem, "Present phase complete", map[string]any{"done": sync.RefreshDone})
		if sync.RefreshDone {
			events = append(events, d.refreshComplete(ctx, true))
		}

	case InfoSyncIdSet:
		ids := make([]identity.SyncId, len(sync.SyncUUIDs))
		for i, id := range sync.SyncUUIDs {
			ids[i] = identity.NewSyncId(id)
		}
		tflog.SubsystemDebug(ctx, logSubsystem, "Sync ID set", map[string]any{
			"count":           len(ids),
			"refresh_deletes": sync.RefreshDeletes,
		})
		if sync.RefreshDeletes {
			events = append(events, identity.DeletedSyncIds(ids))
		} else {
			events = append(events, identity.UnchangedSyncIds(ids))
		}

	default:
		return nil, &ProtocolError{Reason: "unrecognised syncInfoValue"}
	}

	return withCookie(events, sync.Cookie), nil
}

func (d *Decoder) searchResult(ctx context.Context, msg *Message) ([]identity.Event, error) {
	sync := msg.Done
	if sync == nil {
		return nil, &ProtocolError{Reason: "missing syncDoneControl"}
	}

	tflog.SubsystemDebug(ctx, logSubsystem, "Refresh complete", map[string]any{"refresh_deletes": sync.RefreshDeletes})
	events := []identity.Event{d.refreshComplete(ctx, !sync.RefreshDeletes)}
	return withCookie(events, sync.Cookie), nil
}

// refreshComplete applies any configured autodelete override.
func (d *Decoder) refreshComplete(ctx context.Context, autodelete bool) identity.RefreshComplete {
	var override *bool
	var name string
	switch {
	case !d.opts.Persist && d.opts.Resumed:
		override, name = d.opts.Autodelete.RefreshOnlyResumed, "refresh_only_resumed"
	case d.opts.Persist && !d.opts.Resumed:
		override, name = d.opts.Autodelete.PersistInitial, "persist_initial"
	}

	if override != nil {
		tflog.SubsystemWarn(ctx, logSubsystem, "Overriding server autodelete flag", map[string]any{
			"override":    name,
			"reported":    autodelete,
			"replacement": *override,
		})
		autodelete = *override
	}
	return identity.RefreshComplete{Autodelete: autodelete}
}

// withCookie appends a cookie event. An empty cookie is treated as
// absent.
func withCookie(events []identity.Event, cookie string) []identity.Event {
	if cookie == "" {
		return events
	}
	return append(events, identity.SyncCookie(cookie))
}
