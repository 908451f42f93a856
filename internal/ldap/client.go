package ldap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Paged search limits.
const (
	pageSize          = 500
	maxSearchDuration = 30 * time.Minute
	maxPagesPerSearch = 1000
)

// client implements the Client interface.
type client struct {
	pool   ConnectionPool
	config *ConnectionConfig
}

// NewClient creates a new LDAP client with connection pooling. ctx
// carries the logging configuration used for pool events.
func NewClient(ctx context.Context, config *ConnectionConfig) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tflog.SubsystemDebug(ctx, "ldap", "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	pool, err := NewConnectionPool(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return newClientWithPool(pool, config), nil
}

func newClientWithPool(pool ConnectionPool, config *ConnectionConfig) *client {
	return &client{
		pool:   pool,
		config: config,
	}
}

// Connect tests that an authenticated connection can be established.
func (c *client) Connect(ctx context.Context) error {
	return LogOperation(ctx, "ldap", "connection_test", map[string]any{
		"domain":      c.config.Domain,
		"auth_method": c.config.GetAuthMethod().String(),
	}, func() error {
		conn, err := c.pool.Get(ctx)
		if err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		defer conn.Close()

		return c.ping(conn)
	})
}

// Close closes the client and all its connections.
func (c *client) Close() error {
	return c.pool.Close()
}

// Search performs an LDAP search.
func (c *client) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	fields := searchFields(req)
	start := time.Now()

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(ctx, "ldap", "get_connection", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ldapReq := newLDAPSearchRequest(req, req.SizeLimit, nil)

	var result *ldap.SearchResult
	err = c.withRetry(ctx, func() error {
		var searchErr error
		result, searchErr = conn.Conn().Search(ldapReq)
		return searchErr
	})
	if err != nil {
		LogLDAPError(ctx, "ldap", "search", err, fields)
		return nil, WrapError("search", err)
	}

	hasMore := req.SizeLimit > 0 && len(result.Entries) >= req.SizeLimit

	fields["entries_found"] = len(result.Entries)
	fields["has_more"] = hasMore
	LogPerformance(ctx, "ldap", "search", time.Since(start), fields)

	return &SearchResult{
		Entries: result.Entries,
		Total:   len(result.Entries),
		HasMore: hasMore,
	}, nil
}

// SearchWithPaging performs an LDAP search with automatic pagination.
func (c *client) SearchWithPaging(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("search request cannot be nil")
	}

	start := time.Now()
	fields := searchFields(req)

	conn, err := c.pool.Get(ctx)
	if err != nil {
		LogLDAPError(ctx, "ldap", "get_connection", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var allEntries []*ldap.Entry
	pagingControl := ldap.NewControlPaging(pageSize)
	pageNum := 0

	for {
		if err := ctx.Err(); err != nil {
			tflog.SubsystemWarn(ctx, "ldap", "Paged search cancelled by context", map[string]any{
				"base_dn":         req.BaseDN,
				"pages_completed": pageNum,
				"entries_found":   len(allEntries),
			})
			return nil, err
		}

		if elapsed := time.Since(start); elapsed > maxSearchDuration || pageNum >= maxPagesPerSearch {
			tflog.SubsystemError(ctx, "ldap", "Paged search limit exceeded, terminating", map[string]any{
				"base_dn":         req.BaseDN,
				"filter":          req.Filter,
				"elapsed_seconds": int(elapsed.Seconds()),
				"pages_completed": pageNum,
				"entries_found":   len(allEntries),
			})
			return &SearchResult{
				Entries: allEntries,
				Total:   len(allEntries),
				HasMore: true,
			}, nil
		}

		pageNum++
		ldapReq := newLDAPSearchRequest(req, 0, []ldap.Control{pagingControl})

		var result *ldap.SearchResult
		err = c.withRetry(ctx, func() error {
			var searchErr error
			result, searchErr = conn.Conn().Search(ldapReq)
			return searchErr
		})
		if err != nil {
			fields["page_number"] = pageNum
			LogLDAPError(ctx, "ldap", "paged_search", err, fields)
			return nil, WrapError("paged search", err)
		}

		allEntries = append(allEntries, result.Entries...)

		tflog.SubsystemTrace(ctx, "ldap", "Completed search page", map[string]any{
			"page_number":     pageNum,
			"entries_in_page": len(result.Entries),
			"total_entries":   len(allEntries),
		})

		responseControl, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(responseControl.Cookie) == 0 {
			break
		}
		pagingControl.SetCookie(responseControl.Cookie)
	}

	fields["total_entries"] = len(allEntries)
	fields["pages_processed"] = pageNum
	LogPerformance(ctx, "ldap", "paged_search", time.Since(start), fields)

	return &SearchResult{
		Entries: allEntries,
		Total:   len(allEntries),
		HasMore: false,
	}, nil
}

// Syncrepl starts a content synchronization search on a dedicated
// connection.
func (c *client) Syncrepl(ctx context.Context, req *SyncRequest) (SyncResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("sync request cannot be nil")
	}

	fields := searchFields(&req.Search)
	fields["persist"] = req.Persist
	fields["cookie_length"] = len(req.Cookie)
	fields["reload_hint"] = req.ReloadHint

	conn, err := c.pool.Dedicated(ctx)
	if err != nil {
		LogLDAPError(ctx, "ldap", "syncrepl_connect", err, fields)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	tflog.SubsystemDebug(ctx, "ldap", "Starting content synchronization search", fields)

	searchCtx, cancel := context.WithCancel(ctx)
	ldapReq := newLDAPSearchRequest(&req.Search, 0, nil)
	response := conn.Conn().Syncrepl(searchCtx, ldapReq, req.BufferSize, req.Mode(), req.Cookie, req.ReloadHint)

	return &syncResponse{
		Response: response,
		cancel:   cancel,
		conn:     conn,
	}, nil
}

// syncResponse ties a go-ldap search response to its dedicated connection.
type syncResponse struct {
	ldap.Response
	cancel context.CancelFunc
	conn   *PooledConnection
	once   sync.Once
}

// Close abandons the search, drains any buffered results and closes the
// connection.
func (r *syncResponse) Close() {
	r.once.Do(func() {
		r.cancel()
		for r.Response.Next() {
		}
		r.conn.Close()
	})
}

// Ping tests connectivity to the LDAP server.
func (c *client) Ping(ctx context.Context) error {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	return c.ping(conn)
}

// ping reads the root DSE.
func (c *client) ping(conn *PooledConnection) error {
	if _, err := conn.Conn().Search(rootDSERequest()); err != nil {
		return WrapError("ping", err)
	}
	return nil
}

// Stats returns pool statistics.
func (c *client) Stats() PoolStats {
	return c.pool.Stats()
}

// withRetry executes an operation with retry logic.
func (c *client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(ctx, "ldap", "Retrying operation", map[string]any{
				"attempt":    attempt,
				"max_retry":  c.config.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				tflog.SubsystemInfo(ctx, "ldap", "Operation succeeded after retries", map[string]any{
					"total_attempts": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			return err
		}

		if attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			tflog.SubsystemWarn(ctx, "ldap", "Operation cancelled during retry", map[string]any{
				"context_error": ctx.Err().Error(),
				"attempt":       attempt + 1,
			})
			return ctx.Err()
		case <-time.After(backoff):
			backoff = min(time.Duration(float64(backoff)*c.config.BackoffFactor), c.config.MaxBackoff)
		}
	}

	tflog.SubsystemError(ctx, "ldap", "Operation failed after all retries exhausted", map[string]any{
		"total_attempts": c.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after retries", false, lastErr)
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if ldap.IsErrorAnyOf(err,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultOperationsError,
	) {
		return true
	}

	return IsRetryableError(err)
}

// WhoAmI performs the LDAP Who Am I? extended operation.
func (c *client) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	var result *ldap.WhoAmIResult
	err = c.withRetry(ctx, func() error {
		var whoamiErr error
		result, whoamiErr = conn.Conn().WhoAmI(nil)
		return whoamiErr
	})
	if err != nil {
		return nil, WrapError("whoami", err)
	}

	if result == nil {
		return nil, fmt.Errorf("WhoAmI operation returned nil result")
	}

	return ParseAuthzID(result.AuthzID), nil
}

// ParseAuthzID classifies an RFC 4513 authorization identity.
func ParseAuthzID(authzID string) *WhoAmIResult {
	result := &WhoAmIResult{AuthzID: authzID}

	switch {
	case authzID == "":
		result.Format = "empty"
	case strings.HasPrefix(authzID, "dn:"):
		result.Format = "dn"
		result.DN = strings.TrimPrefix(authzID, "dn:")
	case strings.HasPrefix(authzID, "u:"):
		result.Format = "user"
		result.User = strings.TrimPrefix(authzID, "u:")
	default:
		result.Format = "unknown"
	}

	return result
}

// newLDAPSearchRequest converts a SearchRequest to its go-ldap form.
func newLDAPSearchRequest(req *SearchRequest, sizeLimit int, controls []ldap.Control) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		sizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		controls,
	)
}

func searchFields(req *SearchRequest) map[string]any {
	return map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"attributes": req.Attributes,
		"size_limit": req.SizeLimit,
	}
}
