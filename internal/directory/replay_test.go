package directory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/idsync/internal/identity"
)

func TestNewReplay(t *testing.T) {
	tests := []struct {
		name    string
		config  ReplayConfig
		wantErr string
	}{
		{
			name:    "missing file",
			config:  ReplayConfig{Schema: "ldap"},
			wantErr: "replay source requires a trace file",
		},
		{
			name:    "unknown schema",
			config:  ReplayConfig{File: "trace.yaml", Schema: "nis"},
			wantErr: `unknown directory schema "nis"`,
		},
		{
			name:   "valid",
			config: ReplayConfig{File: "trace.yaml", Schema: "freeipa"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReplay(&tt.config)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, `Replay(freeipa, "trace.yaml")`, r.String())
		})
	}
}

func TestReplayWatch(t *testing.T) {
	r, err := NewReplay(&ReplayConfig{File: filepath.Join("testdata", "two_users.yaml"), Schema: "rfc2307"})
	require.NoError(t, err)
	defer r.Close()

	var users []string
	var events []identity.Event
	for ev, err := range r.Watch(t.Context(), nil, false) {
		require.NoError(t, err)
		events = append(events, ev)
		if e, ok := ev.(identity.EntryEvent); ok {
			users = append(users, e.Entry.Key())
			assert.Equal(t, identity.KindUser, e.Entry.Kind())
		}
	}

	assert.Equal(t, []string{"alice", "bob"}, users)
	require.Len(t, events, 4)
	assert.Equal(t, identity.RefreshComplete{Autodelete: true}, events[2])
	assert.Equal(t, identity.SyncCookie("rid=000,csn=20261018120000.000000Z#000000#000#000000"), events[3])

	bob := events[1].(identity.EntryEvent).Entry
	assert.Equal(t, bobUUID, bob.UUID())
	assert.Equal(t, []string{"Bob Baker"}, bob.Get(identity.AttrCommonName))
}

func TestReplayErrors(t *testing.T) {
	r, err := NewReplay(&ReplayConfig{File: filepath.Join(t.TempDir(), "missing.yaml"), Schema: "ldap"})
	require.NoError(t, err)

	var lastErr error
	for _, err := range r.Watch(t.Context(), nil, false) {
		lastErr = err
	}
	assert.ErrorContains(t, lastErr, "failed to open trace")

	_, err = r.Find(t.Context(), identity.KindUser, "alice")
	assert.ErrorIs(t, err, ErrNotConnected)
}
