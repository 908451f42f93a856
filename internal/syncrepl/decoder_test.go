package syncrepl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/idsync/internal/identity"
)

var (
	aliceUUID  = uuid.MustParse("3f1a7c52-9a2e-4d7b-8a41-0c2f5b6e9d10")
	bobUUID    = uuid.MustParse("7b4e2d19-1c3f-4a8e-9f60-5d2a8c3b1e47")
	adminsUUID = uuid.MustParse("c2d9e6f1-4b7a-4e3c-8d15-2f6a9b0c7e58")
)

// posixEntry is a minimal RFC 2307 entry.
type posixEntry struct {
	kind  identity.Kind
	attrs map[string][]string
	id    uuid.UUID
}

func (e *posixEntry) Kind() identity.Kind { return e.kind }
func (e *posixEntry) Enabled() bool       { return true }

func (e *posixEntry) Key() string {
	name := "uid"
	if e.kind == identity.KindGroup {
		name = "cn"
	}
	if v := e.attrs[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (e *posixEntry) UUID() uuid.UUID {
	if e.id != uuid.Nil {
		return e.id
	}
	if v := e.attrs["entryUUID"]; len(v) > 0 {
		return uuid.MustParse(v[0])
	}
	return uuid.Nil
}

func (e *posixEntry) SetUUID(id uuid.UUID)     { e.id = id }
func (e *posixEntry) Get(name string) []string { return e.attrs[name] }

type posixClassifier struct{}

func (posixClassifier) Classify(dn string, attrs map[string][]string) Entry {
	for _, oc := range attrs["objectClass"] {
		switch strings.ToLower(oc) {
		case "posixaccount":
			return &posixEntry{kind: identity.KindUser, attrs: attrs}
		case "posixgroup":
			return &posixEntry{kind: identity.KindGroup, attrs: attrs}
		}
	}
	return nil
}

func messages(msgs ...*Message) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func failing(err error, msgs ...*Message) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
		yield(nil, err)
	}
}

// render formats a decoded event stream one event per line.
func render(seq iter.Seq2[identity.Event, error]) string {
	var b strings.Builder
	for ev, err := range seq {
		if err != nil {
			fmt.Fprintf(&b, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(&b, ev)
	}
	return b.String()
}

func collect(t *testing.T, seq iter.Seq2[identity.Event, error]) ([]identity.Event, error) {
	t.Helper()
	var events []identity.Event
	for ev, err := range seq {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func entryMessage(state State, dn string, id uuid.UUID, attrs map[string][]string) *Message {
	return &Message{
		Type:       MessageEntry,
		DN:         dn,
		Attributes: attrs,
		State:      &StateControl{State: state, EntryUUID: id},
	}
}

func TestDecodeTraces(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "refresh_initial"},
		{name: "refresh_deletes", opts: Options{Resumed: true}},
		{name: "refresh_truncated"},
		{name: "persist_resumed", opts: Options{Persist: true, Resumed: true}},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := os.Open(filepath.Join("testdata", tt.name+".yaml"))
			require.NoError(t, err)
			defer f.Close()

			d := NewDecoder(posixClassifier{}, tt.opts)
			g.Assert(t, tt.name, []byte(render(d.Decode(t.Context(), ReadTrace(f)))))
		})
	}
}

func TestDecodeStampsMissingUUID(t *testing.T) {
	d := NewDecoder(posixClassifier{}, Options{})
	events, err := collect(t, d.Decode(t.Context(), messages(
		entryMessage(StateAdd, "uid=bob,dc=example,dc=com", bobUUID, map[string][]string{
			"objectClass": {"posixAccount"},
			"uid":         {"bob"},
		}),
		&Message{Type: MessageResult, Done: &DoneControl{}},
	)))
	require.NoError(t, err)
	require.Len(t, events, 2)

	entry := events[0].(identity.EntryEvent).Entry
	assert.Equal(t, bobUUID, entry.UUID())
	assert.Equal(t, identity.NewSyncId(bobUUID), identity.SyncIdOf(entry))
	assert.Equal(t, identity.RefreshComplete{Autodelete: true}, events[1])
}

func TestDecodeErrors(t *testing.T) {
	user := map[string][]string{"objectClass": {"posixAccount"}, "uid": {"alice"}, "entryUUID": {aliceUUID.String()}}

	tests := []struct {
		name    string
		msgs    []*Message
		want    string
		wantErr error
	}{
		{
			name:    "missing sync state control",
			msgs:    []*Message{{Type: MessageEntry, DN: "uid=alice,dc=example,dc=com"}},
			want:    "Protocol error: missing syncStateControl",
			wantErr: &ProtocolError{},
		},
		{
			name:    "unrecognised sync state",
			msgs:    []*Message{entryMessage("state(9)", "uid=alice,dc=example,dc=com", aliceUUID, user)},
			want:    "Protocol error: unrecognised syncStateValue",
			wantErr: &ProtocolError{},
		},
		{
			name: "unrecognised entry",
			msgs: []*Message{entryMessage(StateAdd, "ou=people,dc=example,dc=com", aliceUUID, map[string][]string{
				"objectClass": {"organizationalUnit"},
			})},
			want:    "Unrecognised entry ou=people,dc=example,dc=com",
			wantErr: &UnrecognisedEntryError{},
		},
		{
			name:    "sync id mismatch",
			msgs:    []*Message{entryMessage(StateModify, "uid=alice,dc=example,dc=com", bobUUID, user)},
			want:    fmt.Sprintf("SyncId %s mismatch for entry %s (uid=alice,dc=example,dc=com)", bobUUID, aliceUUID),
			wantErr: &SyncIdMismatchError{},
		},
		{
			name:    "missing sync info message",
			msgs:    []*Message{{Type: MessageIntermediate}},
			want:    "Protocol error: missing syncInfoMessage",
			wantErr: &ProtocolError{},
		},
		{
			name:    "unrecognised sync info value",
			msgs:    []*Message{{Type: MessageIntermediate, Info: &InfoMessage{Value: "value(7)"}}},
			want:    "Protocol error: unrecognised syncInfoValue",
			wantErr: &ProtocolError{},
		},
		{
			name:    "missing sync done control",
			msgs:    []*Message{{Type: MessageResult}},
			want:    "Protocol error: missing syncDoneControl",
			wantErr: &ProtocolError{},
		},
		{
			name:    "unrecognised message type",
			msgs:    []*Message{{Type: "referral"}},
			want:    "Protocol error: unrecognised message type",
			wantErr: &ProtocolError{},
		},
		{
			name:    "refresh ends without done",
			msgs:    []*Message{entryMessage(StatePresent, "", aliceUUID, nil)},
			want:    "Protocol error: missing syncDoneControl",
			wantErr: &ProtocolError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(posixClassifier{}, Options{})
			_, err := collect(t, d.Decode(t.Context(), messages(tt.msgs...)))

			require.Error(t, err)
			assert.EqualError(t, err, tt.want)
			assert.ErrorIs(t, err, ErrProtocol)
			assert.IsType(t, tt.wantErr, err)
		})
	}
}

func TestDecodeTransportErrors(t *testing.T) {
	present := entryMessage(StatePresent, "", aliceUUID, nil)
	network := ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: response channel closed"))
	refresh := ldap.NewError(ldap.LDAPResultSyncRefreshRequired, errors.New("cookie expired"))

	t.Run("persist disconnect ends the stream", func(t *testing.T) {
		d := NewDecoder(posixClassifier{}, Options{Persist: true})
		events, err := collect(t, d.Decode(t.Context(), failing(network, present)))
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("refresh-only disconnect is an error", func(t *testing.T) {
		d := NewDecoder(posixClassifier{}, Options{})
		_, err := collect(t, d.Decode(t.Context(), failing(network, present)))
		assert.ErrorIs(t, err, network)
	})

	t.Run("refresh required is passed through", func(t *testing.T) {
		d := NewDecoder(posixClassifier{}, Options{Persist: true})
		_, err := collect(t, d.Decode(t.Context(), failing(refresh)))
		assert.ErrorIs(t, err, refresh)
		assert.NotErrorIs(t, err, ErrProtocol)
	})

	t.Run("cancellation is not an error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		d := NewDecoder(posixClassifier{}, Options{})
		events, err := collect(t, d.Decode(ctx, failing(context.Canceled, present)))
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("persist stream end is not an error", func(t *testing.T) {
		d := NewDecoder(posixClassifier{}, Options{Persist: true})
		events, err := collect(t, d.Decode(t.Context(), messages(present)))
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestDecodeStopsWithConsumer(t *testing.T) {
	pulled := 0
	source := func(yield func(*Message, error) bool) {
		for {
			pulled++
			if !yield(entryMessage(StatePresent, "", aliceUUID, nil), nil) {
				return
			}
		}
	}

	d := NewDecoder(posixClassifier{}, Options{Persist: true})
	count := 0
	for _, err := range d.Decode(t.Context(), source) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, pulled)
}

func TestDecodeAutodeleteOverrides(t *testing.T) {
	yes, no := true, false
	presentDone := &Message{Type: MessageIntermediate, Info: &InfoMessage{Value: InfoRefreshPresent, RefreshDone: true}}
	deleteDone := &Message{Type: MessageResult, Done: &DoneControl{RefreshDeletes: true}}

	tests := []struct {
		name string
		opts Options
		msg  *Message
		want bool
		warn bool
	}{
		{
			name: "no override",
			opts: Options{Persist: true},
			msg:  presentDone,
			want: true,
		},
		{
			name: "persist initial override",
			opts: Options{Persist: true, Autodelete: AutodeleteOverrides{PersistInitial: &no}},
			msg:  presentDone,
			want: false,
			warn: true,
		},
		{
			name: "persist initial override ignored when resumed",
			opts: Options{Persist: true, Resumed: true, Autodelete: AutodeleteOverrides{PersistInitial: &no}},
			msg:  presentDone,
			want: true,
		},
		{
			name: "refresh only resumed override",
			opts: Options{Resumed: true, Autodelete: AutodeleteOverrides{RefreshOnlyResumed: &yes}},
			msg:  deleteDone,
			want: true,
			warn: true,
		},
		{
			name: "refresh only resumed override ignored on initial refresh",
			opts: Options{Autodelete: AutodeleteOverrides{RefreshOnlyResumed: &yes}},
			msg:  deleteDone,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			ctx := tflogtest.RootLogger(t.Context(), &output)

			d := NewDecoder(posixClassifier{}, tt.opts)
			events, err := collect(t, d.Decode(ctx, messages(tt.msg)))
			require.NoError(t, err)
			require.NotEmpty(t, events)
			assert.Equal(t, identity.RefreshComplete{Autodelete: tt.want}, events[0])

			entries, err := tflogtest.MultilineJSONDecode(&output)
			require.NoError(t, err)
			warned := false
			for _, e := range entries {
				if e["@message"] == "Overriding server autodelete flag" {
					warned = true
					assert.Equal(t, "warn", e["@level"])
					assert.Equal(t, tt.want, e["replacement"])
				}
			}
			assert.Equal(t, tt.warn, warned)
		})
	}
}

func TestDecodeIntermediateCookies(t *testing.T) {
	d := NewDecoder(posixClassifier{}, Options{Persist: true})
	events, err := collect(t, d.Decode(t.Context(), messages(
		&Message{Type: MessageIntermediate, Info: &InfoMessage{Value: InfoRefreshDelete, Cookie: "c1"}},
		&Message{Type: MessageIntermediate, Info: &InfoMessage{Value: InfoNewCookie, Cookie: "c2"}},
		&Message{Type: MessageIntermediate, Info: &InfoMessage{Value: InfoNewCookie}},
		&Message{Type: MessageIntermediate, Info: &InfoMessage{Value: InfoSyncIdSet, SyncUUIDs: []uuid.UUID{aliceUUID, adminsUUID}}},
		&Message{Type: MessageIntermediate, Info: &InfoMessage{Value: InfoRefreshDelete, RefreshDone: true}},
	)))
	require.NoError(t, err)

	assert.Equal(t, []identity.Event{
		identity.SyncCookie("c1"),
		identity.SyncCookie("c2"),
		identity.UnchangedSyncIds{identity.NewSyncId(aliceUUID), identity.NewSyncId(adminsUUID)},
		identity.RefreshComplete{Autodelete: false},
	}, events)
}
