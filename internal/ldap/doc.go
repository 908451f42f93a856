/*
Package ldap provides the directory transport used by idsync sources.

# Connection Management

The Client interface wraps a connection pool with automatic failover:

  - ldap://, ldaps:// and ldapi:// URLs, or SRV-based server discovery
  - StartTLS by default on ldap:// connections
  - Anonymous, simple, SASL EXTERNAL and SASL GSSAPI binds
  - Automatic retry with exponential backoff

# Content Synchronization

Client.Syncrepl runs an RFC 4533 search on a dedicated connection with no
request timeout, so refreshAndPersist searches can run indefinitely. The
returned SyncResponse yields raw go-ldap messages; closing it abandons the
search and releases the connection.

A server that no longer accepts a cookie fails the search with
e-syncRefreshRequired, which IsRefreshRequiredError detects.

# Error Handling

Errors are wrapped in LDAPError with a category and a retryable flag.

# Example Usage

	config := ldap.DefaultConfig()
	config.LDAPURLs = []string{"ldap://ldap.example.com"}
	config.BaseDN = "dc=example,dc=com"
	client, err := ldap.NewClient(ctx, config)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Syncrepl(ctx, &ldap.SyncRequest{
		Search: ldap.SearchRequest{
			BaseDN: config.SearchBase(),
			Scope:  ldap.ScopeWholeSubtree,
			Filter: "(objectClass=person)",
		},
	})
	if err != nil {
		return err
	}
	defer resp.Close()

	for resp.Next() {
		// resp.Entry(), resp.Controls()
	}
	return resp.Err()
*/
package ldap
