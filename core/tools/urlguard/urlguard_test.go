package urlguard

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(resolved map[string][]net.IP) *Guard {
	g := New()
	g.lookupIP = func(host string) ([]net.IP, error) {
		if ips, ok := resolved[host]; ok {
			return ips, nil
		}
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return g
}

func TestCheckAllowsPublicHTTPS(t *testing.T) {
	g := newTestGuard(nil)
	assert.NoError(t, g.Check("https://example.com/data?q=1"))
	assert.NoError(t, g.Check("http://example.com"))
}

func TestCheckRejectsSchemes(t *testing.T) {
	g := newTestGuard(nil)
	for _, raw := range []string{
		"file:///etc/passwd",
		"gopher://example.com",
		"redis://example.com:6379",
		"ftp://example.com/pub",
	} {
		err := g.Check(raw)
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), "not allowed")
	}
}

func TestCheckRejectsLoopbackAndPrivate(t *testing.T) {
	g := newTestGuard(map[string][]net.IP{
		"internal.corp": {net.ParseIP("10.1.2.3")},
	})

	assert.Error(t, g.Check("http://localhost:8080/admin"))
	assert.Error(t, g.Check("http://127.0.0.1/"))
	assert.Error(t, g.Check("http://192.168.1.1/router"))
	assert.Error(t, g.Check("http://[::1]/"))
	// Blocked through DNS resolution, not the literal host.
	assert.Error(t, g.Check("http://internal.corp/secrets"))
}

func TestCheckRejectsMetadataService(t *testing.T) {
	g := newTestGuard(nil)
	err := g.Check("http://169.254.169.254/latest/meta-data/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link-local")
}

func TestCheckRejectsTraversalPaths(t *testing.T) {
	g := newTestGuard(nil)
	assert.Error(t, g.Check("https://example.com/../../etc/passwd"))
	assert.Error(t, g.Check("https://example.com/a/%2e%2e%2fsecret"))
}

func TestCheckPassesWhenDNSFails(t *testing.T) {
	g := New()
	g.lookupIP = func(string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "nope.invalid"}
	}
	assert.NoError(t, g.Check("https://nope.invalid/"))
}
