package ldap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ConnectionConfig)
		wantErr string
	}{
		{"defaults", func(*ConnectionConfig) {}, ""},
		{"zero connections", func(c *ConnectionConfig) { c.MaxConnections = 0 }, "MaxConnections must be positive"},
		{"too many connections", func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 }, "MaxConnections too high"},
		{"zero idle time", func(c *ConnectionConfig) { c.MaxIdleTime = 0 }, "MaxIdleTime must be positive"},
		{"zero timeout", func(c *ConnectionConfig) { c.Timeout = 0 }, "timeout must be positive"},
		{"negative retries", func(c *ConnectionConfig) { c.MaxRetries = -1 }, "MaxRetries cannot be negative"},
		{"flat backoff", func(c *ConnectionConfig) { c.BackoffFactor = 1.0 }, "BackoffFactor must be greater than 1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := validateConfig(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestNewConnectionPool_Errors(t *testing.T) {
	ctx := context.Background()

	config := DefaultConfig()
	_, err := NewConnectionPool(ctx, config)
	assert.ErrorContains(t, err, "either domain or LDAP URLs must be specified")

	config = DefaultConfig()
	config.LDAPURLs = []string{"http://ldap.example.com"}
	_, err = NewConnectionPool(ctx, config)
	assert.ErrorContains(t, err, "invalid LDAP URL")

	config = DefaultConfig()
	config.MaxConnections = 0
	_, err = NewConnectionPool(ctx, config)
	assert.ErrorContains(t, err, "invalid configuration")
}

func unreachablePool(t *testing.T) ConnectionPool {
	t.Helper()

	config := DefaultConfig()
	config.LDAPURLs = []string{"ldap://127.0.0.1:1"}
	config.Timeout = time.Second
	config.MaxRetries = 0
	config.InitialBackoff = time.Millisecond

	pool, err := NewConnectionPool(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestConnectionPool_Lifecycle(t *testing.T) {
	pool := unreachablePool(t)
	ctx := context.Background()

	_, err := pool.Get(ctx)
	require.Error(t, err)

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Created)
	assert.Equal(t, int64(1), stats.Errors)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err = pool.Get(ctx)
	assert.ErrorContains(t, err, "connection pool is closed")
	_, err = pool.Dedicated(ctx)
	assert.ErrorContains(t, err, "connection pool is closed")
}

func TestConnectionPool_BuildsTLSConfig(t *testing.T) {
	config := DefaultConfig()
	config.LDAPURLs = []string{"ldaps://ldap.example.com"}

	pool, err := NewConnectionPool(context.Background(), config)
	require.NoError(t, err)
	defer pool.Close()

	assert.NotNil(t, config.TLSConfig)
}

func TestNeedsReAuthentication(t *testing.T) {
	config := DefaultConfig()
	config.Username = "cn=admin,dc=example,dc=com"
	p := &connectionPool{config: config}

	assert.True(t, p.needsReAuthentication(nil))
	assert.True(t, p.needsReAuthentication(&PooledConnection{}))
	assert.False(t, p.needsReAuthentication(&PooledConnection{authenticated: true, authTime: time.Now()}))
	assert.True(t, p.needsReAuthentication(&PooledConnection{authenticated: true, authTime: time.Now().Add(-2 * maxAuthAge)}))

	p.config = DefaultConfig()
	assert.False(t, p.needsReAuthentication(&PooledConnection{}))
}
