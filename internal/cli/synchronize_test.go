package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/idsync/internal/identity"
	"github.com/isometry/idsync/internal/memory"
)

func userKeys(store *memory.Store) []string {
	var keys []string
	for _, e := range store.Entries(identity.KindUser) {
		keys = append(keys, e.Key())
	}
	return keys
}

func TestSynchronizeCommand(t *testing.T) {
	store := memory.New(nil)

	stdout, stderr, code := execute(t, withStore(store), "-qq", "synchronize", "--no-persist", "testdata/sync.yaml")
	assert.Equal(t, ExitSuccess, code, stderr)
	assert.Empty(t, stdout)
	assert.Equal(t, []string{"alice", "bob"}, userKeys(store))
	assert.Equal(t, "rid=000,csn=20261018120000.000000Z#000000#000#000000", store.CommittedState()["cookie"])
}

func TestSynchronizeCommandStrict(t *testing.T) {
	ctx := t.Context()
	store := memory.New(nil)
	existing, err := store.Create(ctx, identity.KindUser)
	require.NoError(t, err)
	existing.SetKey("alice")
	require.NoError(t, store.Save(ctx, existing))
	require.NoError(t, store.Commit(ctx))

	_, stderr, code := execute(t, withStore(store), "-qq", "sync", "--strict", "--no-persist", "testdata/sync.yaml")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, `Error: synchronization failed: failed to save user("alice"): duplicate user key "alice"`)
	assert.Equal(t, []string{"alice"}, userKeys(store))
	assert.Empty(t, store.CommittedState())
}

func TestSynchronizeCommandErrors(t *testing.T) {
	tests := map[string]struct {
		args    []string
		wantErr string
	}{
		"no config": {
			args:    []string{"synchronize"},
			wantErr: "Error: accepts 1 arg(s), received 0",
		},
		"unknown flag": {
			args:    []string{"synchronize", "--frobnicate", "testdata/sync.yaml"},
			wantErr: "Error: unknown flag: --frobnicate",
		},
		"missing file": {
			args:    []string{"synchronize", "testdata/missing.yaml"},
			wantErr: "Error: invalid configuration: configuration error: in file 'testdata/missing.yaml': cannot read file",
		},
		"trace declaration": {
			args:    []string{"synchronize", "testdata/replay.yaml"},
			wantErr: "Error: invalid configuration: configuration error: in file 'testdata/replay.yaml': missing section 'source'",
		},
		"unknown plugin": {
			args:    []string{"synchronize", "testdata/unknown.yaml"},
			wantErr: "Error: invalid source: configuration error: in section 'source': plugin 'nis' is not one of",
		},
		"unknown command": {
			args:    []string{"frobnicate"},
			wantErr: `Error: unknown command "frobnicate" for "idsync"`,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			store := memory.New(nil)
			_, stderr, code := execute(t, withStore(store), append([]string{"-qq"}, tt.args...)...)
			assert.Equal(t, ExitCommandError, code)
			assert.Contains(t, stderr, tt.wantErr)
			assert.Empty(t, userKeys(store))
		})
	}
}
