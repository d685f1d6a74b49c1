// Package urlguard screens outbound tool URLs before the engine fetches
// them: scheme allow-list, SSRF checks on the resolved host, and path
// traversal patterns.
package urlguard

import (
	"net"
	"net/url"
	"strings"

	"github.com/iceos-ai/iceos/common/apperrors"
)

// Guard validates URLs for the http tools. The zero value is not usable;
// call New.
type Guard struct {
	allowedSchemes map[string]bool
	blockedHosts   map[string]bool

	// lookupIP is swappable so tests do not depend on DNS.
	lookupIP func(host string) ([]net.IP, error)
}

// New returns a guard with the default policy: http/https only, no
// loopback, private, link-local or multicast targets.
func New() *Guard {
	return &Guard{
		allowedSchemes: map[string]bool{"http": true, "https": true},
		blockedHosts: map[string]bool{
			"localhost": true,
			"0.0.0.0":   true,
			"::":        true,
			"[::1]":     true,
		},
		lookupIP: net.LookupIP,
	}
}

// Check validates a raw URL and returns a Validation error naming the
// first violated rule.
func (g *Guard) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, err, "invalid url")
	}

	scheme := strings.ToLower(u.Scheme)
	if !g.allowedSchemes[scheme] {
		return apperrors.New(apperrors.KindValidation, "url scheme %q is not allowed, only http and https", u.Scheme)
	}

	if err := g.checkHost(u.Hostname()); err != nil {
		return err
	}
	return g.checkPath(u.Path)
}

func (g *Guard) checkHost(hostname string) error {
	if hostname == "" {
		return apperrors.New(apperrors.KindValidation, "url hostname is required")
	}

	host := strings.ToLower(strings.TrimSpace(hostname))
	if g.blockedHosts[host] {
		return apperrors.New(apperrors.KindValidation, "url host %q is blocked", hostname)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	// Resolve and screen every address the host maps to. A failed lookup
	// passes; the request itself will fail the same way.
	ips, err := g.lookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// checkIP rejects addresses that reach internal infrastructure: loopback,
// RFC 1918 / ULA ranges, link-local (cloud metadata services live there),
// multicast and unspecified.
func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return apperrors.New(apperrors.KindValidation, "url resolves to loopback address %s", ip)
	case ip.IsPrivate():
		return apperrors.New(apperrors.KindValidation, "url resolves to private address %s", ip)
	case ip.IsLinkLocalUnicast():
		return apperrors.New(apperrors.KindValidation, "url resolves to link-local address %s", ip)
	case ip.IsMulticast():
		return apperrors.New(apperrors.KindValidation, "url resolves to multicast address %s", ip)
	case ip.IsUnspecified():
		return apperrors.New(apperrors.KindValidation, "url resolves to unspecified address %s", ip)
	}
	return nil
}

var blockedPathPatterns = []string{
	"../", "..\\",
	"%2e%2e/", "%2e%2e%2f", "..%2f",
	"%2e%2e\\", "%2e%2e%5c", "..%5c",
}

func (g *Guard) checkPath(path string) error {
	p := strings.ToLower(path)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(p, pattern) {
			return apperrors.New(apperrors.KindValidation, "url path contains traversal pattern %q", pattern)
		}
	}
	return nil
}
