package syncer

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/idsync/internal/directory"
	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/memory"
)

var (
	aliceUUID  = uuid.MustParse("3f1a7c52-9a2e-4d7b-8a41-0c2f5b6e9d10")
	bobUUID    = uuid.MustParse("7b4e2d19-1c3f-4a8e-9f60-5d2a8c3b1e47")
	carolUUID  = uuid.MustParse("5e8f0a3b-6d2c-4f1e-b7a9-1c4d8e2f6a30")
	adminsUUID = uuid.MustParse("c2d9e6f1-4b7a-4e3c-8d15-2f6a9b0c7e58")
)

const initialCookie = "rid=000,csn=20261018120000.000000Z#000000#000#000000"

func replay(t *testing.T, name string) *directory.Replay {
	t.Helper()
	r, err := directory.NewReplay(&directory.ReplayConfig{
		File:   filepath.Join("testdata", name+".yaml"),
		Schema: "rfc2307",
	})
	require.NoError(t, err)
	return r
}

func run(t *testing.T, ctx context.Context, src identity.Source, dst identity.Destination, opts Options) (Stats, error) {
	t.Helper()
	s := New(src, dst, opts)
	err := s.Run(ctx)
	return s.Stats(), err
}

// synced returns the committed entries of kind as key to sync id,
// with a "!" suffix on disabled entries.
func synced(t *testing.T, store *memory.Store, kind identity.Kind) map[string]uuid.UUID {
	t.Helper()
	out := map[string]uuid.UUID{}
	for _, e := range store.Entries(kind) {
		id, ok := e.SyncId()
		require.True(t, ok, "%s has no sync id", identity.Describe(e))
		key := e.Key()
		if !e.Enabled() {
			key += "!"
		}
		out[key] = id.UUID()
	}
	return out
}

// interrupted wraps a source and fails its stream after n events.
type interrupted struct {
	identity.Source
	n      int
	err    error
	before func()
}

func (s *interrupted) Watch(ctx context.Context, cookie *identity.SyncCookie, persist bool) iter.Seq2[identity.Event, error] {
	return func(yield func(identity.Event, error) bool) {
		n := 0
		for ev, err := range s.Source.Watch(ctx, cookie, persist) {
			if n == s.n {
				if s.before != nil {
					s.before()
				}
				yield(nil, s.err)
				return
			}
			n++
			if !yield(ev, err) {
				return
			}
		}
	}
}

// failingSaves wraps a destination and fails its nth save.
type failingSaves struct {
	identity.Destination
	n     int
	saves int
}

func (d *failingSaves) Save(ctx context.Context, e identity.WritableEntry) error {
	d.saves++
	if d.saves == d.n {
		return errors.New("disk full")
	}
	return d.Destination.Save(ctx, e)
}

// keyLookups wraps a destination and records the keys it is asked to
// find.
type keyLookups struct {
	identity.Destination
	keys []string
}

func (d *keyLookups) FindByKey(ctx context.Context, kind identity.Kind, key string) (identity.WritableEntry, error) {
	d.keys = append(d.keys, key)
	return d.Destination.FindByKey(ctx, kind, key)
}

func seed(t *testing.T, store *memory.Store, kind identity.Kind, key string, syncid *uuid.UUID) identity.WritableEntry {
	t.Helper()
	ctx := t.Context()
	e, err := store.Create(ctx, kind)
	require.NoError(t, err)
	e.SetKey(key)
	if syncid != nil {
		e.SetSyncId(identity.NewSyncId(*syncid))
	}
	require.NoError(t, store.Save(ctx, e))
	require.NoError(t, store.Commit(ctx))
	return e
}

func TestSynchronizeTwoUsers(t *testing.T) {
	store := memory.New(nil)

	err := Synchronize(t.Context(), replay(t, "two_users"), store, Options{})
	require.NoError(t, err)

	users := store.Entries(identity.KindUser)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.True(t, u.Enabled(), u.Key())
	}
	assert.Equal(t, map[string]uuid.UUID{"alice": aliceUUID, "bob": bobUUID}, synced(t, store, identity.KindUser))
	assert.Equal(t, []string{"Alice Archer"}, users[0].Get(identity.AttrCommonName))
	assert.Equal(t, []string{"alice@example.com"}, users[0].Get(identity.AttrMail))

	assert.Equal(t, map[string]string{"cookie": initialCookie}, store.CommittedState())
}

func TestSynchronizeInitial(t *testing.T) {
	store := memory.New(nil)

	stats, err := run(t, t.Context(), replay(t, "initial"), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, Stats{Created: 3, Commits: 2}, stats)

	assert.Equal(t, map[string]uuid.UUID{"alice": aliceUUID, "bob": bobUUID}, synced(t, store, identity.KindUser))
	assert.Equal(t, map[string]uuid.UUID{"admins": adminsUUID}, synced(t, store, identity.KindGroup))
	assert.Equal(t, []string{"Administrators"}, store.Entries(identity.KindGroup)[0].Get(identity.AttrDescription))
}

func TestSynchronizeIdempotent(t *testing.T) {
	store := memory.New(nil)
	_, err := run(t, t.Context(), replay(t, "initial"), store, Options{})
	require.NoError(t, err)
	before := store.Entries(identity.KindUser)

	stats, err := run(t, t.Context(), replay(t, "initial"), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, Stats{Unchanged: 3, Commits: 2}, stats)

	after := store.Entries(identity.KindUser)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].UUID(), after[i].UUID())
	}
}

func TestSynchronizeSweep(t *testing.T) {
	tests := []struct {
		name      string
		delete    bool
		wantUsers map[string]uuid.UUID
		wantStats Stats
	}{
		{
			name:      "disable",
			wantUsers: map[string]uuid.UUID{"alice": aliceUUID, "bob!": bobUUID, "carol": carolUUID},
			wantStats: Stats{Created: 1, Disabled: 1, Commits: 2},
		},
		{
			name:      "delete",
			delete:    true,
			wantUsers: map[string]uuid.UUID{"alice": aliceUUID, "carol": carolUUID},
			wantStats: Stats{Created: 1, Deleted: 1, Commits: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(nil)
			_, err := run(t, t.Context(), replay(t, "initial"), store, Options{Delete: tt.delete})
			require.NoError(t, err)

			stats, err := run(t, t.Context(), replay(t, "resumed"), store, Options{Delete: tt.delete})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStats, stats)

			assert.Equal(t, tt.wantUsers, synced(t, store, identity.KindUser))
			assert.Equal(t, map[string]uuid.UUID{"admins": adminsUUID}, synced(t, store, identity.KindGroup))
			assert.Equal(t, "rid=000,csn=20261018130000.000000Z#000000#000#000000", store.CommittedState()["cookie"])
		})
	}
}

func TestSynchronizePersist(t *testing.T) {
	store := memory.New(nil)
	_, err := run(t, t.Context(), replay(t, "initial"), store, Options{})
	require.NoError(t, err)

	stats, err := run(t, t.Context(), replay(t, "persist"), store, Options{Persist: true})
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1, Disabled: 1, Commits: 6}, stats)

	assert.Equal(t, map[string]uuid.UUID{"alice!": aliceUUID, "bob": bobUUID}, synced(t, store, identity.KindUser))
	users := store.Entries(identity.KindUser)
	assert.Equal(t, []string{"Robert Baker"}, users[1].Get(identity.AttrCommonName))
	assert.Equal(t, "rid=000,csn=20261018120300.000000Z#000000#000#000000", store.CommittedState()["cookie"])
}

func TestSynchronizeKeyMatching(t *testing.T) {
	tests := []struct {
		name    string
		strict  bool
		wantErr string
	}{
		{name: "adopt"},
		{name: "strict", strict: true, wantErr: `failed to save user("alice"): duplicate user key "alice"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			ctx := tflogtest.RootLogger(t.Context(), &output)

			store := memory.New(nil)
			existing, err := store.Create(ctx, identity.KindUser)
			require.NoError(t, err)
			existing.SetKey("alice")
			require.NoError(t, store.Save(ctx, existing))
			require.NoError(t, store.Commit(ctx))

			_, err = run(t, ctx, replay(t, "two_users"), store, Options{Strict: tt.strict})

			users := store.Entries(identity.KindUser)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				require.Len(t, users, 1)
				_, ok := users[0].SyncId()
				assert.False(t, ok)
				assert.Empty(t, store.CommittedState())
				return
			}

			require.NoError(t, err)
			require.Len(t, users, 2)
			assert.Equal(t, existing.UUID(), users[0].UUID(), "existing entry is adopted")
			assert.Equal(t, map[string]uuid.UUID{"alice": aliceUUID, "bob": bobUUID}, synced(t, store, identity.KindUser))

			entries, err := tflogtest.MultilineJSONDecode(&output)
			require.NoError(t, err)
			matched := 0
			for _, e := range entries {
				if e["@message"] == "Matched entry by key" {
					matched++
					assert.Equal(t, `user("alice")`, e["entry"])
				}
			}
			assert.Equal(t, 1, matched)
		})
	}
}

func TestSynchronizeSyncIdBeforeKey(t *testing.T) {
	t.Run("renamed", func(t *testing.T) {
		store := memory.New(nil)
		renamed := seed(t, store, identity.KindUser, "old", &aliceUUID)
		dst := &keyLookups{Destination: store}

		require.NoError(t, Synchronize(t.Context(), replay(t, "two_users"), dst, Options{}))

		assert.Equal(t, []string{"bob"}, dst.keys)
		assert.Equal(t, map[string]uuid.UUID{"alice": aliceUUID, "bob": bobUUID}, synced(t, store, identity.KindUser))
		users := store.Entries(identity.KindUser)
		require.Len(t, users, 2)
		assert.Equal(t, renamed.UUID(), users[0].UUID())
	})

	t.Run("key taken", func(t *testing.T) {
		store := memory.New(nil)
		unstamped := seed(t, store, identity.KindUser, "alice", nil)
		renamed := seed(t, store, identity.KindUser, "old", &aliceUUID)
		dst := &keyLookups{Destination: store}

		err := Synchronize(t.Context(), replay(t, "two_users"), dst, Options{})
		require.EqualError(t, err, `failed to save user("alice"): duplicate user key "alice"`)

		assert.Empty(t, dst.keys)
		users := store.Entries(identity.KindUser)
		require.Len(t, users, 2)
		for _, u := range users {
			switch u.UUID() {
			case unstamped.UUID():
				assert.Equal(t, "alice", u.Key())
				_, ok := u.SyncId()
				assert.False(t, ok)
			case renamed.UUID():
				assert.Equal(t, "old", u.Key())
			default:
				t.Errorf("unexpected %s", identity.Describe(u))
			}
		}
	})
}

func TestSynchronizeSyncIdKindCollision(t *testing.T) {
	store := memory.New(nil)
	seed(t, store, identity.KindGroup, "staff", &aliceUUID)

	err := Synchronize(t.Context(), replay(t, "two_users"), store, Options{})
	require.EqualError(t, err, `user("alice") has the same sync id as group("staff")`)

	assert.Empty(t, store.Entries(identity.KindUser))
	assert.Len(t, store.Entries(identity.KindGroup), 1)
	assert.Empty(t, store.CommittedState())
}

func TestSynchronizeInterrupted(t *testing.T) {
	tests := []struct {
		name    string
		src     func(identity.Source) identity.Source
		dst     func(identity.Destination) identity.Destination
		wantErr string
	}{
		{
			name: "source failure",
			src: func(s identity.Source) identity.Source {
				return &interrupted{Source: s, n: 2, err: errors.New("connection reset")}
			},
			wantErr: "change stream failed: connection reset",
		},
		{
			name: "destination failure",
			dst: func(d identity.Destination) identity.Destination {
				return &failingSaves{Destination: d, n: 2}
			},
			wantErr: `failed to disable user("bob"): disk full`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(nil)
			_, err := run(t, t.Context(), replay(t, "initial"), store, Options{})
			require.NoError(t, err)
			wantUsers := synced(t, store, identity.KindUser)
			wantState := store.CommittedState()

			var src identity.Source = replay(t, "resumed")
			var dst identity.Destination = store
			if tt.src != nil {
				src = tt.src(src)
			}
			if tt.dst != nil {
				dst = tt.dst(dst)
			}

			_, err = run(t, t.Context(), src, dst, Options{})
			assert.EqualError(t, err, tt.wantErr)

			assert.Equal(t, wantUsers, synced(t, store, identity.KindUser))
			assert.Equal(t, wantState, store.CommittedState())
		})
	}
}

func TestSynchronizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	store := memory.New(nil)
	src := &interrupted{Source: replay(t, "initial"), n: 2, err: context.Canceled, before: cancel}

	stats, err := run(t, ctx, src, store, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	assert.Empty(t, store.Entries(identity.KindUser))
	assert.Empty(t, store.CommittedState())

	stats, err = run(t, t.Context(), replay(t, "initial"), store, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Created)
}

func TestSynchronizeWithoutGroups(t *testing.T) {
	f := false
	store := memory.New(&memory.Config{Groups: &f})

	err := Synchronize(t.Context(), replay(t, "initial"), store, Options{Strict: true})
	require.NoError(t, err)
	assert.Len(t, store.Entries(identity.KindUser), 2)
	assert.Empty(t, store.Entries(identity.KindGroup))
}

func TestSynchronizePrepareFailure(t *testing.T) {
	store := memory.New(nil)
	require.NoError(t, store.Close())

	err := Synchronize(t.Context(), replay(t, "initial"), store, Options{})
	assert.ErrorIs(t, err, memory.ErrClosed)
	assert.ErrorContains(t, err, "failed to prepare destination")
}
