package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Connection pool limits.
const (
	// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
	MaxConnectionPoolLimit = 100

	// maxAuthAge is the age after which pooled connections rebind.
	maxAuthAge = 5 * time.Minute
)

// connectionPool implements ConnectionPool interface.
type connectionPool struct {
	ctx         context.Context // Logging context
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *SRVDiscovery
	auth        func(ctx context.Context, conn *ldap.Conn, server *ServerInfo) error

	// Statistics
	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (ConnectionPool, error) {
	start := time.Now()

	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		LogPoolEvent(ctx, "pool_creation_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if config.TLSConfig == nil && !config.SkipTLS {
		if err := config.BuildTLSConfig(); err != nil {
			LogPoolEvent(ctx, "pool_creation_failed", map[string]any{"error": err.Error()})
			return nil, err
		}
	}

	pool := &connectionPool{
		ctx:         ctx,
		config:      config,
		connections: make(chan *PooledConnection, config.MaxConnections),
		discovery:   NewSRVDiscovery(ctx),
		startTime:   time.Now(),
	}
	pool.auth = pool.authenticate

	if err := pool.discoverServers(); err != nil {
		LogPoolEvent(ctx, "pool_creation_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"servers":         len(pool.servers),
		"max_connections": config.MaxConnections,
		"auth_method":     config.GetAuthMethod().String(),
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	return pool, nil
}

// discoverServers resolves the configured URLs or SRV records.
func (p *connectionPool) discoverServers() error {
	var servers []*ServerInfo

	if len(p.config.LDAPURLs) > 0 {
		for _, url := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
		tflog.SubsystemDebug(p.ctx, "pool", "Parsed servers from URLs", map[string]any{
			"server_count": len(servers),
		})
	} else if p.config.Domain != "" {
		ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("SRV discovery failed: %w", err)
		}
		servers = discovered
	} else {
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()
	return nil
}

// Get retrieves a connection from the pool.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if p.isConnectionHealthy(conn) {
			if p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(ctx, conn); err != nil {
					p.closeConnection(conn)
					break
				}
			}
			conn.lastUsed = time.Now()
			atomic.AddInt64(&p.activeConns, 1)
			LogPoolEvent(p.ctx, "connection_reused", map[string]any{
				"server": ServerInfoToURL(conn.serverInfo),
			})
			return conn, nil
		}
		p.closeConnection(conn)
	default:
	}

	conn, err := p.createConnection(ctx)
	if err != nil {
		return nil, err
	}
	conn.returnToPool = p.returnConnection
	return conn, nil
}

// Dedicated opens a connection outside the pool. Closing it closes the
// underlying connection.
func (p *connectionPool) Dedicated(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	conn, err := p.createConnection(ctx)
	if err != nil {
		return nil, err
	}

	// Long-running searches must not be cut off by the request timeout.
	conn.conn.SetTimeout(0)
	conn.returnToPool = func(pc *PooledConnection) {
		atomic.AddInt64(&p.activeConns, -1)
		p.closeConnection(pc)
	}
	LogPoolEvent(p.ctx, "dedicated_connection", map[string]any{
		"server": ServerInfoToURL(conn.serverInfo),
	})
	return conn, nil
}

// createConnection creates a new connection with retry logic.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range servers {
			conn, err := p.createSingleConnection(ctx, server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"server":  ServerInfoToURL(server),
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				if !IsRetryableError(err) {
					return nil, err
				}
				continue
			}

			atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.activeConns, 1)
			return conn, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	LogPoolEvent(p.ctx, "all_connections_failed", map[string]any{
		"servers": len(servers),
		"error":   lastErr.Error(),
	})
	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// createSingleConnection creates a connection to a specific server.
func (p *connectionPool) createSingleConnection(ctx context.Context, server *ServerInfo) (*PooledConnection, error) {
	url := ServerInfoToURL(server)
	dialer := ldap.DialWithDialer(&net.Dialer{Timeout: p.config.Timeout})

	LogConnectionEvent(p.ctx, "connection_attempt", map[string]any{"server": url})

	var conn *ldap.Conn
	var err error

	switch {
	case server.UseTLS:
		conn, err = ldap.DialURL(url, dialer, ldap.DialWithTLSConfig(p.config.TLSConfig))
	case server.Socket != "":
		conn, err = ldap.DialURL(url, dialer)
	default:
		conn, err = ldap.DialURL(url, dialer)
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			if err = conn.StartTLS(p.tlsConfigFor(server)); err != nil {
				conn.Close()
			}
		}
	}

	if err != nil {
		LogConnectionEvent(p.ctx, "connection_failed", map[string]any{
			"server": url,
			"error":  err.Error(),
		})
		return nil, NewLDAPError("connect", err)
	}

	conn.SetTimeout(p.config.Timeout)

	pooledConn := &PooledConnection{
		conn:       conn,
		lastUsed:   time.Now(),
		healthy:    true,
		serverInfo: server,
	}

	if err := p.authenticateConnection(ctx, pooledConn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to authenticate connection to %s: %w", url, err)
	}

	LogConnectionEvent(p.ctx, "connection_established", map[string]any{
		"server":      url,
		"auth_method": p.config.GetAuthMethod().String(),
	})
	return pooledConn, nil
}

// tlsConfigFor returns the TLS configuration with the server name set
// for StartTLS.
func (p *connectionPool) tlsConfigFor(server *ServerInfo) *tls.Config {
	config := p.config.TLSConfig.Clone()
	if config.ServerName == "" {
		config.ServerName = server.Host
	}
	return config
}

// authenticateConnection authenticates a pooled connection using the configured method.
func (p *connectionPool) authenticateConnection(ctx context.Context, pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return fmt.Errorf("connection is nil")
	}

	if err := p.auth(ctx, pooledConn.conn, pooledConn.serverInfo); err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		LogConnectionEvent(p.ctx, "authentication_failed", map[string]any{
			"server":      ServerInfoToURL(pooledConn.serverInfo),
			"auth_method": p.config.GetAuthMethod().String(),
			"error":       err.Error(),
		})
		return NewLDAPError("bind", err)
	}

	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	return nil
}

// authenticate binds conn with the configured method.
func (p *connectionPool) authenticate(ctx context.Context, conn *ldap.Conn, server *ServerInfo) error {
	switch method := p.config.GetAuthMethod(); method {
	case AuthMethodAnonymous:
		return nil
	case AuthMethodSimpleBind:
		if p.config.Password == "" {
			return conn.UnauthenticatedBind(p.config.Username)
		}
		return conn.Bind(p.config.Username, p.config.Password)
	case AuthMethodKerberos:
		return performKerberosAuth(ctx, conn, p.config, server)
	case AuthMethodExternal:
		return conn.ExternalBind()
	default:
		return fmt.Errorf("unsupported authentication method: %s", method.String())
	}
}

// needsReAuthentication determines if a connection needs to be re-authenticated.
func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil {
		return true
	}
	if !p.config.HasAuthentication() {
		return false
	}
	if !conn.authenticated {
		return true
	}
	return time.Since(conn.authTime) > maxAuthAge
}

// returnConnection returns a connection to the pool.
func (p *connectionPool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConnection(conn)
		return
	}

	if p.isConnectionHealthy(conn) {
		select {
		case p.connections <- conn:
		default:
			p.closeConnection(conn)
		}
	} else {
		p.closeConnection(conn)
	}
}

// isConnectionHealthy checks if a connection is healthy.
func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}
	if conn.conn.IsClosing() {
		return false
	}
	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}
	return true
}

// closeConnection closes a pooled connection.
func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
		conn.healthy = false
		conn.authenticated = false
		conn.authTime = time.Time{}
	}
}

// Close closes all connections and shuts down the pool.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	LogPoolEvent(p.ctx, "pool_closed", map[string]any{
		"created": atomic.LoadInt64(&p.totalCreated),
		"errors":  atomic.LoadInt64(&p.totalErrors),
	})
	return nil
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PoolStats{
		Total:   len(p.connections) + int(atomic.LoadInt64(&p.activeConns)),
		Active:  atomic.LoadInt64(&p.activeConns),
		Idle:    len(p.connections),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// rootDSERequest reads the root DSE.
func rootDSERequest() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"namingContexts", "supportedControl"},
		nil,
	)
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}

// Close returns the connection to its owner.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
	}
}

func (pc *PooledConnection) Conn() *ldap.Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}
