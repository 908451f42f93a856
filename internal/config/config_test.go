package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/idsync/internal/config"
)

type params struct {
	URI     []string      `yaml:"uri"`
	Base    string        `yaml:"base"`
	UseTLS  bool          `yaml:"use_tls" default:"true"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

func TestLoad(t *testing.T) {
	sync, err := config.Load(filepath.Join("testdata", "sync.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rfc2307", sync.Source.Plugin)
	assert.Equal(t, config.SectionSource, sync.Source.Section)
	assert.Equal(t, "postgres", sync.Destination.Plugin)
	assert.Equal(t, config.SectionDestination, sync.Destination.Section)

	var p params
	require.NoError(t, sync.Source.Decode(&p))
	assert.Equal(t, params{
		URI:     []string{"ldaps://ldap.example.com"},
		Base:    "dc=example,dc=com",
		UseTLS:  false,
		Timeout: 5 * time.Second,
	}, p)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		input   string
		wantErr string
	}{
		"missing source": {
			input:   "destination:\n  plugin: memory\n",
			wantErr: "configuration error: missing section 'source'",
		},
		"missing destination": {
			input:   "source:\n  plugin: memory\n",
			wantErr: "configuration error: missing section 'destination'",
		},
		"missing plugin": {
			input:   "source:\n  plugin: memory\ndestination:\n  url: postgres:///idsync\n",
			wantErr: "configuration error: in section 'destination': missing declaration 'plugin'",
		},
		"plugin not a name": {
			input:   "source:\n  plugin: [ldap]\ndestination:\n  plugin: memory\n",
			wantErr: "configuration error: in section 'source': declaration 'plugin' must be a name",
		},
		"section not a mapping": {
			input:   "source: ldap\ndestination:\n  plugin: memory\n",
			wantErr: "configuration error: in section 'source': declaration must be a mapping",
		},
		"not a mapping": {
			input:   "- source\n- destination\n",
			wantErr: "configuration error: configuration must be a mapping",
		},
		"empty": {
			input:   "",
			wantErr: "configuration error: empty configuration",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrConfig)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestMalformed(t *testing.T) {
	_, err := config.Parse([]byte("source: [unterminated\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.ErrorContains(t, err, "configuration error: malformed YAML: ")
}

func TestLoadErrorsNameFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  base: dc=example\n"), 0o600))

	_, err := config.Load(path)
	assert.EqualError(t, err, "configuration error: in file '"+path+"': in section 'source': missing declaration 'plugin'")

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	_, err = config.Load(missing)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseDatabase(t *testing.T) {
	tests := map[string]struct {
		input       string
		wantPlugin  string
		wantSection string
	}{
		"declaration": {
			input:      "plugin: replay\nfile: capture.yaml\n",
			wantPlugin: "replay",
		},
		"source section": {
			input:       "source:\n  plugin: ldap\ndestination:\n  plugin: memory\n",
			wantPlugin:  "ldap",
			wantSection: config.SectionSource,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			db, err := config.ParseDatabase([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlugin, db.Plugin)
			assert.Equal(t, tt.wantSection, db.Section)
		})
	}

	_, err := config.ParseDatabase([]byte("destination:\n  plugin: memory\n"))
	assert.EqualError(t, err, "configuration error: missing declaration 'plugin'")
}

func TestDecode(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		db, err := config.ParseDatabase([]byte("plugin: ldap\n"))
		require.NoError(t, err)

		var p params
		require.NoError(t, db.Decode(&p))
		assert.True(t, p.UseTLS)
		assert.Equal(t, 30*time.Second, p.Timeout)
	})

	t.Run("plugin is not a parameter", func(t *testing.T) {
		db, err := config.ParseDatabase([]byte("plugin: ldap\nbase: dc=example,dc=com\n"))
		require.NoError(t, err)

		var p params
		require.NoError(t, db.Decode(&p))
		assert.Equal(t, "dc=example,dc=com", p.Base)
	})

	t.Run("unknown parameter", func(t *testing.T) {
		db, err := config.ParseDatabase([]byte("source:\n  plugin: ldap\n  bsae: dc=example,dc=com\n"))
		require.NoError(t, err)

		var p params
		err = db.Decode(&p)
		assert.ErrorIs(t, err, config.ErrConfig)
		assert.ErrorContains(t, err, "configuration error: in section 'source': invalid parameters for plugin 'ldap': ")
		assert.ErrorContains(t, err, "field bsae not found")
	})

	t.Run("wrong type", func(t *testing.T) {
		db, err := config.ParseDatabase([]byte("plugin: ldap\ntimeout: soon\n"))
		require.NoError(t, err)

		var p params
		assert.ErrorIs(t, db.Decode(&p), config.ErrConfig)
	})
}
