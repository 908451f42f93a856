package ldap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
)

// Environment variables consulted for settings left empty in the
// configuration file.
const (
	EnvURL            = "IDSYNC_LDAP_URL"
	EnvDomain         = "IDSYNC_LDAP_DOMAIN"
	EnvUsername       = "IDSYNC_LDAP_USERNAME"
	EnvPassword       = "IDSYNC_LDAP_PASSWORD"
	EnvKerberosRealm  = "IDSYNC_KERBEROS_REALM"
	EnvKerberosKeytab = "IDSYNC_KERBEROS_KEYTAB"
	EnvKerberosCCache = "IDSYNC_KERBEROS_CCACHE"
)

// SASL mechanisms accepted in ConnectionConfig.SASLMech.
const (
	SASLMechGSSAPI   = "GSSAPI"
	SASLMechExternal = "EXTERNAL"
)

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	LDAPURLs []string      `yaml:"uri"`                   // Direct LDAP URLs (overrides domain)
	Domain   string        `yaml:"domain"`                // Domain for SRV discovery and default base
	BaseDN   string        `yaml:"base"`                  // Base DN for searches
	Timeout  time.Duration `yaml:"timeout" default:"30s"` // Connection timeout

	// Authentication settings
	Username       string `yaml:"username"`        // Bind DN, or Kerberos principal
	Password       string `yaml:"password"`        // Password for simple bind or Kerberos
	SASLMech       string `yaml:"sasl_mech"`       // GSSAPI or EXTERNAL; empty selects from other settings
	KerberosRealm  string `yaml:"kerberos_realm"`  // Kerberos realm for GSSAPI authentication
	KerberosKeytab string `yaml:"kerberos_keytab"` // Path to Kerberos keytab file
	KerberosConfig string `yaml:"kerberos_config"` // Path to Kerberos config file (krb5.conf)
	KerberosCCache string `yaml:"kerberos_ccache"` // Path to Kerberos credential cache
	KerberosSPN    string `yaml:"kerberos_spn"`    // Service principal override

	// TLS settings
	TLSConfig          *tls.Config `yaml:"-"`                        // Built from the fields below
	UseTLS             bool        `yaml:"start_tls" default:"true"` // StartTLS on ldap:// URLs
	SkipTLS            bool        `yaml:"skip_tls"`                 // Skip TLS entirely (not recommended)
	InsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify"` // Disable certificate validation
	TLSCACertFile      string      `yaml:"tls_ca_cert_file"`         // Path to CA certificate file
	TLSCACert          string      `yaml:"tls_ca_cert"`              // CA certificate content
	TLSClientCertFile  string      `yaml:"tls_client_cert_file"`     // Path to client certificate file
	TLSClientKeyFile   string      `yaml:"tls_client_key_file"`      // Path to client private key file
	TLSServerName      string      `yaml:"tls_server_name"`          // Expected server certificate name

	// Pool settings
	MaxConnections int           `yaml:"max_connections" default:"4"` // Maximum connections in pool
	MaxIdleTime    time.Duration `yaml:"max_idle_time" default:"5m"`  // Idle connections older than this are discarded

	// Retry settings
	MaxRetries     int           `yaml:"max_retries" default:"3"`         // Maximum retry attempts
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"` // Initial backoff duration
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`       // Maximum backoff duration
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`    // Backoff multiplication factor
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	config := &ConnectionConfig{}
	if err := defaults.Set(config); err != nil {
		panic(fmt.Sprintf("invalid connection defaults: %v", err))
	}
	return config
}

// ApplyEnvironment fills settings left empty from IDSYNC_* environment
// variables.
func (c *ConnectionConfig) ApplyEnvironment() {
	if len(c.LDAPURLs) == 0 {
		if url := os.Getenv(EnvURL); url != "" {
			c.LDAPURLs = []string{url}
		}
	}
	setFromEnv(&c.Domain, EnvDomain)
	setFromEnv(&c.Username, EnvUsername)
	setFromEnv(&c.Password, EnvPassword)
	setFromEnv(&c.KerberosRealm, EnvKerberosRealm)
	setFromEnv(&c.KerberosKeytab, EnvKerberosKeytab)
	setFromEnv(&c.KerberosCCache, EnvKerberosCCache)
}

func setFromEnv(field *string, name string) {
	if *field == "" {
		*field = os.Getenv(name)
	}
}

// SearchBase returns the configured base DN, falling back to the dc=
// components of the configured domain.
func (c *ConnectionConfig) SearchBase() string {
	if c.BaseDN != "" {
		return c.BaseDN
	}
	return DomainToBaseDN(c.Domain)
}

// DomainToBaseDN converts a DNS domain to its dc= distinguished name.
func DomainToBaseDN(domain string) string {
	domain = strings.Trim(domain, ".")
	if domain == "" {
		return ""
	}
	parts := strings.Split(domain, ".")
	for i, p := range parts {
		parts[i] = "dc=" + p
	}
	return strings.Join(parts, ",")
}

// BuildTLSConfig constructs TLSConfig from the file and content settings.
func (c *ConnectionConfig) BuildTLSConfig() error {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // operator opt-in
		ServerName:         c.TLSServerName,
	}

	if c.TLSCACertFile != "" || c.TLSCACert != "" {
		pool := x509.NewCertPool()
		if c.TLSCACertFile != "" {
			pem, err := os.ReadFile(c.TLSCACertFile)
			if err != nil {
				return fmt.Errorf("failed to read CA certificate file: %w", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return fmt.Errorf("no certificates found in %s", c.TLSCACertFile)
			}
		}
		if c.TLSCACert != "" && !pool.AppendCertsFromPEM([]byte(c.TLSCACert)) {
			return fmt.Errorf("no certificates found in tls_ca_cert")
		}
		config.RootCAs = pool
	}

	if c.TLSClientCertFile != "" || c.TLSClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSClientCertFile, c.TLSClientKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	c.TLSConfig = config
	return nil
}

// PooledConnection represents a connection in the pool.
type PooledConnection struct {
	conn          *ldap.Conn
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	serverInfo    *ServerInfo
	returnToPool  func(*PooledConnection)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Socket   string // ldapi:// socket path
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// ConnectionPool manages a pool of LDAP connections.
type ConnectionPool interface {
	// Get retrieves a connection from the pool
	Get(ctx context.Context) (*PooledConnection, error)

	// Dedicated opens a new authenticated connection that never returns
	// to the pool. Long-running searches use it.
	Dedicated(ctx context.Context) (*PooledConnection, error)

	// Close closes all connections and shuts down the pool
	Close() error

	// Stats returns pool statistics
	Stats() PoolStats
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Total   int           // Total connections
	Active  int64         // Active (in-use) connections
	Idle    int           // Idle connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Uptime  time.Duration // Pool uptime
}

// Client provides the LDAP operations used by directory sources.
type Client interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error

	// Search operations
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
	SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error)

	// Syncrepl starts an RFC 4533 content synchronization search on a
	// dedicated connection. The connection is released when the
	// response is closed.
	Syncrepl(ctx context.Context, req *SyncRequest) (SyncResponse, error)

	// Identity and health
	WhoAmI(ctx context.Context) (*WhoAmIResult, error)
	Ping(ctx context.Context) error
	Stats() PoolStats
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN       string
	Scope        SearchScope
	Filter       string
	Attributes   []string
	SizeLimit    int
	TimeLimit    time.Duration
	DerefAliases DerefAliases
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
	HasMore bool
}

// SyncRequest encapsulates content synchronization parameters.
type SyncRequest struct {
	Search     SearchRequest
	Persist    bool
	Cookie     []byte
	ReloadHint bool
	BufferSize int
}

// Mode returns the RFC 4533 request mode.
func (r *SyncRequest) Mode() ldap.ControlSyncRequestMode {
	if r.Persist {
		return ldap.SyncRequestModeRefreshAndPersist
	}
	return ldap.SyncRequestModeRefreshOnly
}

// SyncResponse streams content synchronization messages. Close
// abandons the search and releases its connection.
type SyncResponse interface {
	ldap.Response
	Close()
}

// WhoAmIResult holds the parsed result of the Who Am I? extended operation.
type WhoAmIResult struct {
	AuthzID string
	Format  string // "dn", "user", "empty", "unknown"
	DN      string
	User    string
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodAnonymous  AuthMethod = iota // No bind
	AuthMethodSimpleBind                   // Username/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
	AuthMethodExternal                     // SASL EXTERNAL (client certificate or ldapi peer credentials)
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	switch strings.ToUpper(c.SASLMech) {
	case SASLMechGSSAPI:
		return AuthMethodKerberos
	case SASLMechExternal:
		return AuthMethodExternal
	}

	// Kerberos authentication takes precedence
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.KerberosCCache != "" || c.Username != "") {
		return AuthMethodKerberos
	}

	if c.Username != "" {
		return AuthMethodSimpleBind
	}

	// External authentication (certificates)
	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthMethodExternal
	}

	return AuthMethodAnonymous
}

// HasAuthentication checks if any authentication method is configured.
func (c *ConnectionConfig) HasAuthentication() bool {
	return c.GetAuthMethod() != AuthMethodAnonymous
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
