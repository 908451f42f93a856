package syncrepl

import (
	"context"
	"fmt"
	"iter"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MessageType identifies an RFC 4533 protocol message.
type MessageType string

const (
	MessageEntry        MessageType = "entry"
	MessageIntermediate MessageType = "intermediate"
	MessageResult       MessageType = "result"
)

// State is the syncStateValue of a Sync State control.
type State string

const (
	StatePresent State = "present"
	StateAdd     State = "add"
	StateModify  State = "modify"
	StateDelete  State = "delete"
)

// InfoValue is the choice made by a syncInfoValue.
type InfoValue string

const (
	InfoNewCookie      InfoValue = "newcookie"
	InfoRefreshDelete  InfoValue = "refreshDelete"
	InfoRefreshPresent InfoValue = "refreshPresent"
	InfoSyncIdSet      InfoValue = "syncIdSet"
)

// Message is one raw content synchronization message. It is the unit
// recorded in traces.
type Message struct {
	Type       MessageType         `yaml:"type"`
	DN         string              `yaml:"dn,omitempty"`
	Attributes map[string][]string `yaml:"attributes,omitempty"`
	State      *StateControl       `yaml:"state,omitempty"`
	Info       *InfoMessage        `yaml:"info,omitempty"`
	Done       *DoneControl        `yaml:"done,omitempty"`
}

// StateControl is a decoded Sync State control.
type StateControl struct {
	State     State     `yaml:"state"`
	EntryUUID uuid.UUID `yaml:"entryUUID"`
	Cookie    string    `yaml:"cookie,omitempty"`
}

// InfoMessage is a decoded Sync Info intermediate response.
type InfoMessage struct {
	Value          InfoValue   `yaml:"value"`
	Cookie         string      `yaml:"cookie,omitempty"`
	RefreshDone    bool        `yaml:"refreshDone,omitempty"`
	RefreshDeletes bool        `yaml:"refreshDeletes,omitempty"`
	SyncUUIDs      []uuid.UUID `yaml:"syncUUIDs,omitempty"`
}

// DoneControl is a decoded Sync Done control.
type DoneControl struct {
	Cookie         string `yaml:"cookie,omitempty"`
	RefreshDeletes bool   `yaml:"refreshDeletes,omitempty"`
}

// Cookie returns the cookie carried by the message, or "" if it
// carries none.
func (m *Message) Cookie() string {
	switch {
	case m.State != nil:
		return m.State.Cookie
	case m.Info != nil:
		return m.Info.Cookie
	case m.Done != nil:
		return m.Done.Cookie
	}
	return ""
}

// Messages converts a go-ldap content synchronization response into raw
// messages. Referrals are skipped.
func Messages(ctx context.Context, resp ldap.Response) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for resp.Next() {
			msg := NewMessage(resp.Entry(), resp.Controls())
			if msg == nil {
				tflog.SubsystemDebug(ctx, logSubsystem, "Ignoring referral", map[string]any{
					"referral": resp.Referral(),
				})
				continue
			}
			if !yield(msg, nil) {
				return
			}
		}
		if err := resp.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// NewMessage classifies a single go-ldap search response. Entries are
// search entries, responses carrying a Sync Done control are search
// results and anything else with controls is an intermediate response.
func NewMessage(entry *ldap.Entry, controls []ldap.Control) *Message {
	if entry != nil {
		msg := &Message{
			Type:       MessageEntry,
			DN:         entry.DN,
			Attributes: make(map[string][]string, len(entry.Attributes)),
		}
		for _, attr := range entry.Attributes {
			msg.Attributes[attr.Name] = attr.Values
		}
		if c, ok := ldap.FindControl(controls, ldap.ControlTypeSyncState).(*ldap.ControlSyncState); ok {
			msg.State = newStateControl(c)
		}
		return msg
	}

	if c, ok := ldap.FindControl(controls, ldap.ControlTypeSyncDone).(*ldap.ControlSyncDone); ok {
		return &Message{
			Type: MessageResult,
			Done: &DoneControl{Cookie: string(c.Cookie), RefreshDeletes: c.RefreshDeletes},
		}
	}

	if len(controls) == 0 {
		return nil
	}

	msg := &Message{Type: MessageIntermediate}
	if c, ok := ldap.FindControl(controls, ldap.ControlTypeSyncInfo).(*ldap.ControlSyncInfo); ok {
		msg.Info = newInfoMessage(c)
	}
	return msg
}

func newStateControl(c *ldap.ControlSyncState) *StateControl {
	sc := &StateControl{EntryUUID: c.EntryUUID, Cookie: string(c.Cookie)}
	switch c.State {
	case ldap.SyncStatePresent:
		sc.State = StatePresent
	case ldap.SyncStateAdd:
		sc.State = StateAdd
	case ldap.SyncStateModify:
		sc.State = StateModify
	case ldap.SyncStateDelete:
		sc.State = StateDelete
	default:
		sc.State = State(fmt.Sprintf("state(%d)", c.State))
	}
	return sc
}

func newInfoMessage(c *ldap.ControlSyncInfo) *InfoMessage {
	switch {
	case c.NewCookie != nil:
		return &InfoMessage{Value: InfoNewCookie, Cookie: string(c.NewCookie.Cookie)}
	case c.RefreshDelete != nil:
		return &InfoMessage{
			Value:       InfoRefreshDelete,
			Cookie:      string(c.RefreshDelete.Cookie),
			RefreshDone: c.RefreshDelete.RefreshDone,
		}
	case c.RefreshPresent != nil:
		return &InfoMessage{
			Value:       InfoRefreshPresent,
			Cookie:      string(c.RefreshPresent.Cookie),
			RefreshDone: c.RefreshPresent.RefreshDone,
		}
	case c.SyncIdSet != nil:
		return &InfoMessage{
			Value:          InfoSyncIdSet,
			Cookie:         string(c.SyncIdSet.Cookie),
			RefreshDeletes: c.SyncIdSet.RefreshDeletes,
			SyncUUIDs:      c.SyncIdSet.SyncUUIDs,
		}
	default:
		return &InfoMessage{Value: InfoValue(fmt.Sprintf("value(%d)", c.Value))}
	}
}
