package ldap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLDAPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    *ServerInfo
		wantErr bool
	}{
		{
			name: "ldap default port",
			url:  "ldap://ldap.example.com",
			want: &ServerInfo{Host: "ldap.example.com", Port: 389, Weight: 100, Source: "config"},
		},
		{
			name: "ldaps default port",
			url:  "ldaps://ldap.example.com",
			want: &ServerInfo{Host: "ldap.example.com", Port: 636, UseTLS: true, Weight: 100, Source: "config"},
		},
		{
			name: "explicit port",
			url:  "ldap://ldap.example.com:3389",
			want: &ServerInfo{Host: "ldap.example.com", Port: 3389, Weight: 100, Source: "config"},
		},
		{
			name: "ldapi escaped socket",
			url:  "ldapi://%2Frun%2Fslapd%2Fldapi",
			want: &ServerInfo{Socket: "/run/slapd/ldapi", Weight: 100, Source: "config"},
		},
		{
			name: "ldapi default socket",
			url:  "ldapi:///",
			want: &ServerInfo{Socket: DefaultLDAPISocket, Weight: 100, Source: "config"},
		},
		{
			name: "ldapi upper case scheme",
			url:  "LDAPI://",
			want: &ServerInfo{Socket: DefaultLDAPISocket, Weight: 100, Source: "config"},
		},
		{
			name:    "empty",
			url:     "",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			url:     "http://ldap.example.com",
			wantErr: true,
		},
		{
			name:    "invalid port",
			url:     "ldap://ldap.example.com:99999",
			wantErr: true,
		},
		{
			name:    "missing host",
			url:     "ldap://",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLDAPURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerInfoToURL(t *testing.T) {
	assert.Equal(t, "ldap://dc1.example.com:389", ServerInfoToURL(&ServerInfo{Host: "dc1.example.com", Port: 389}))
	assert.Equal(t, "ldaps://dc1.example.com:636", ServerInfoToURL(&ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}))
	assert.Equal(t, "ldaps://[::1]:636", ServerInfoToURL(&ServerInfo{Host: "::1", Port: 636, UseTLS: true}))
	assert.Equal(t, "ldapi:///run/slapd/ldapi", ServerInfoToURL(&ServerInfo{Socket: "/run/slapd/ldapi"}))
}

func TestParseLDAPURL_RoundTrip(t *testing.T) {
	for _, raw := range []string{"ldap://dc1.example.com:389", "ldaps://dc2.example.com:3269", "ldapi:///var/run/ldapi"} {
		server, err := ParseLDAPURL(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, ServerInfoToURL(server))
	}
}

func TestValidateServerInfo(t *testing.T) {
	tests := []struct {
		name    string
		server  *ServerInfo
		wantErr bool
	}{
		{"nil", nil, true},
		{"valid", &ServerInfo{Host: "dc1", Port: 389}, false},
		{"socket skips host checks", &ServerInfo{Socket: "/run/ldapi"}, false},
		{"empty host", &ServerInfo{Port: 389}, true},
		{"zero port", &ServerInfo{Host: "dc1"}, true},
		{"negative priority", &ServerInfo{Host: "dc1", Port: 389, Priority: -1}, true},
		{"negative weight", &ServerInfo{Host: "dc1", Port: 389, Weight: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServerInfo(tt.server)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSortServersByPriority(t *testing.T) {
	servers := []*ServerInfo{
		{Host: "c", Priority: 10, Weight: 50},
		{Host: "b", Priority: 0, Weight: 10},
		{Host: "a", Priority: 0, Weight: 90},
	}

	sortServersByPriority(servers)

	var hosts []string
	for _, s := range servers {
		hosts = append(hosts, s.Host)
	}
	assert.Equal(t, []string{"a", "b", "c"}, hosts)
}

func TestSRVDiscovery_EmptyDomain(t *testing.T) {
	_, err := NewSRVDiscovery(context.Background()).DiscoverServers(context.Background(), "")
	assert.Error(t, err)
}

func TestSRVDiscovery_Fallback(t *testing.T) {
	servers := NewSRVDiscovery(context.Background()).createFallbackServers("example.com")

	require.Len(t, servers, 2)
	assert.True(t, servers[0].UseTLS)
	assert.Equal(t, 636, servers[0].Port)
	assert.Equal(t, 389, servers[1].Port)
	for _, s := range servers {
		assert.Equal(t, "fallback", s.Source)
		assert.NoError(t, ValidateServerInfo(s))
	}
}
