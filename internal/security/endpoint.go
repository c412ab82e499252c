package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedDestination is wrapped by every rejection of an outbound URL.
var ErrBlockedDestination = errors.New("destination not allowed")

// Resolver looks up the addresses a hostname points at.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google.internal": true,
}

// Ranges IsPrivate and friends do not cover.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// EndpointValidator rejects URLs that would make the server call into its
// own network. Hostnames are resolved and every address is checked.
type EndpointValidator struct {
	resolver     Resolver
	timeout      time.Duration
	requireHTTPS bool
}

// NewEndpointValidator uses the system resolver with a 3s lookup budget.
func NewEndpointValidator() *EndpointValidator {
	return &EndpointValidator{resolver: net.DefaultResolver, timeout: 3 * time.Second}
}

// WithResolver replaces the DNS resolver.
func (v *EndpointValidator) WithResolver(r Resolver) *EndpointValidator {
	v.resolver = r
	return v
}

// RequireHTTPS rejects plain-http URLs.
func (v *EndpointValidator) RequireHTTPS() *EndpointValidator {
	v.requireHTTPS = true
	return v
}

// Validate checks rawURL.
func (v *EndpointValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if v.requireHTTPS {
			return fmt.Errorf("URL must use https")
		}
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("host %q: %w", host, ErrBlockedDestination)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %q", host)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("host %q has no addresses", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

// Func adapts Validate to the func(string) error shape handlers take.
func (v *EndpointValidator) Func() func(string) error {
	return func(rawURL string) error { return v.Validate(context.Background(), rawURL) }
}

// ValidateEndpointURL checks rawURL with the default validator.
func ValidateEndpointURL(rawURL string) error {
	return NewEndpointValidator().Validate(context.Background(), rawURL)
}

// WebhookURLValidator returns the check applied to user-registered webhook
// URLs. Production deployments only deliver over https.
func WebhookURLValidator(requireHTTPS bool) func(string) error {
	v := NewEndpointValidator()
	if requireHTTPS {
		v.RequireHTTPS()
	}
	return v.Func()
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	var kind string
	switch {
	case addr.IsLoopback():
		kind = "loopback"
	case addr.IsPrivate():
		kind = "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		kind = "link-local"
	case addr.IsUnspecified():
		kind = "unspecified"
	case addr.IsMulticast():
		kind = "multicast"
	default:
		for _, p := range blockedPrefixes {
			if p.Contains(addr) {
				kind = "reserved"
				break
			}
		}
	}
	if kind == "" {
		return nil
	}
	return fmt.Errorf("%s address %s: %w", kind, addr, ErrBlockedDestination)
}
