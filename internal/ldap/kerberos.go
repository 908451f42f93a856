package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

const defaultKrb5ConfPath = "/etc/krb5.conf"

// performKerberosAuth performs a SASL GSSAPI bind on an LDAP connection.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	gssapiClient, err := createGSSAPIClient(ctx, cfg)
	if err != nil {
		LogKerberosEvent(ctx, "ticket_acquisition_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	LogKerberosEvent(ctx, "principal_resolved", map[string]any{"spn": spn})

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		LogKerberosEvent(ctx, "authentication_failed", map[string]any{
			"spn":   spn,
			"error": err.Error(),
		})
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient creates a GSSAPI client from the configured credentials.
// Priority order: credential cache, default credential cache, keytab,
// default keytab, password.
func createGSSAPIClient(ctx context.Context, cfg *ConnectionConfig) (*gssapi.Client, error) {
	krb5conf, err := loadKrb5Config(ctx, cfg)
	if err != nil {
		return nil, err
	}

	settings := krb5client.DisablePAFXFAST(true)

	ccachePaths := []string{trimFilePrefix(cfg.KerberosCCache), getDefaultCCachePath()}
	for _, path := range ccachePaths {
		if !fileExists(path) {
			continue
		}
		ccache, err := credentials.LoadCCache(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential cache %s: %w", path, err)
		}
		cl, err := krb5client.NewFromCCache(ccache, krb5conf, settings)
		if err != nil {
			return nil, fmt.Errorf("failed to use credential cache %s: %w", path, err)
		}
		LogKerberosEvent(ctx, "credentials_cached", map[string]any{"ccache": path})
		return &gssapi.Client{Client: cl}, nil
	}

	username, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return nil, err
	}

	keytabPaths := []string{trimFilePrefix(cfg.KerberosKeytab), getDefaultKeytabPath()}
	for _, path := range keytabPaths {
		if !fileExists(path) {
			continue
		}
		kt, err := keytab.Load(path)
		if err != nil {
			LogKerberosEvent(ctx, "keytab_load_failed", map[string]any{"keytab": path, "error": err.Error()})
			return nil, fmt.Errorf("failed to load keytab %s: %w", path, err)
		}
		LogKerberosEvent(ctx, "keytab_loaded", map[string]any{"keytab": path, "principal": username, "realm": realm})
		return &gssapi.Client{Client: krb5client.NewWithKeytab(username, realm, kt, krb5conf, settings)}, nil
	}

	if cfg.Password != "" {
		return &gssapi.Client{Client: krb5client.NewWithPassword(username, realm, cfg.Password, krb5conf, settings)}, nil
	}

	return nil, fmt.Errorf("no suitable Kerberos credentials found: provide kerberos_ccache, kerberos_keytab, password, or ensure default credential cache/keytab exists")
}

// loadKrb5Config loads the configured krb5.conf, falling back to a
// runtime configuration that discovers KDCs through DNS.
func loadKrb5Config(ctx context.Context, cfg *ConnectionConfig) (*krb5config.Config, error) {
	if cfg.KerberosConfig != "" {
		conf, err := krb5config.Load(cfg.KerberosConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load Kerberos configuration %s: %w", cfg.KerberosConfig, err)
		}
		return conf, nil
	}

	if fileExists(defaultKrb5ConfPath) {
		conf, err := krb5config.Load(defaultKrb5ConfPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load Kerberos configuration %s: %w", defaultKrb5ConfPath, err)
		}
		return conf, nil
	}

	_, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return nil, err
	}
	content := generateRuntimeKrb5Conf(ctx, realm, cfg.Domain)
	conf, err := krb5config.NewFromString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated Kerberos configuration: %w", err)
	}
	return conf, nil
}

// kerberosPrincipal splits the configured principal into user and realm.
// The realm comes from kerberos_realm, then user@REALM, then the domain.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	if cfg == nil {
		return "", "", fmt.Errorf("configuration cannot be nil")
	}

	username := cfg.Username
	realm := cfg.KerberosRealm

	if user, userRealm, ok := strings.Cut(username, "@"); ok {
		username = user
		if realm == "" {
			realm = userRealm
		}
	}

	if realm == "" && cfg.Domain != "" {
		realm = strings.ToUpper(cfg.Domain)
	}

	if realm == "" {
		return "", "", fmt.Errorf("kerberos realm is required (set kerberos_realm or include realm in username)")
	}

	if username == "" {
		return "", "", fmt.Errorf("username (principal) is required for Kerberos authentication")
	}

	return username, realm, nil
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil {
		return "", fmt.Errorf("server info is required for service principal")
	}

	hostname := serverInfo.Host
	if hostname == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return fmt.Sprintf("ldap/%s", hostname), nil
}

// generateRuntimeKrb5Conf generates a krb5.conf that discovers KDCs via
// DNS SRV records.
func generateRuntimeKrb5Conf(ctx context.Context, realm, domain string) string {
	realm = strings.ToUpper(realm)
	domain = strings.ToLower(domain)
	if domain == "" {
		domain = strings.ToLower(realm)
	}

	tflog.SubsystemDebug(ctx, "kerberos", "Generating runtime krb5.conf", map[string]any{
		"realm":  realm,
		"domain": domain,
	})

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`,
		realm,
		realm,
		domain, realm,
		domain, realm,
	)
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return trimFilePrefix(ccache)
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if kt := os.Getenv("KRB5_KTNAME"); kt != "" {
		return trimFilePrefix(kt)
	}
	return "/etc/krb5.keytab"
}

func trimFilePrefix(path string) string {
	return strings.TrimPrefix(path, "FILE:")
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
