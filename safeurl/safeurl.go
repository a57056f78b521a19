// Package safeurl decides whether an outbound URL may be contacted on behalf
// of an untrusted caller (SSRF prevention).
//
// A URL is accepted only if its scheme is http or https and its host is not a
// reserved name (localhost, *.local, *.localhost, *.internal) and does not
// point to a loopback, private, link-local, CGNAT or unspecified address.
// Hostnames are resolved and every returned address must be public; a lookup
// error or an empty answer is treated as blocked (fail closed).
//
// Usage:
//
//	r := safeurl.New()
//	u, err := r.Resolve(ctx, raw)
//	if errors.Is(err, safeurl.ErrBlocked) { ... }
//
// The same Resolver is used to re-check redirect targets and, through
// DialControl, the address actually dialed.
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrInvalidURL is returned when the input cannot be parsed as an absolute URL
// with a host.
var ErrInvalidURL = errors.New("safeurl: invalid URL")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("safeurl: only http and https schemes are allowed")

// ErrBlocked is returned when a URL targets a reserved name or a private,
// loopback or link-local address.
var ErrBlocked = errors.New("safeurl: destination is not publicly routable")

// LookupFunc resolves a hostname to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

var blockedSuffixes = []string{".local", ".localhost", ".internal"}

// Resolver validates URLs against the trust boundary.
type Resolver struct {
	lookup LookupFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces DNS resolution (tests, custom resolvers).
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

// New creates a Resolver backed by net.DefaultResolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve parses raw and validates it. The returned URL is safe to request at
// the time of the call.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if err := r.Check(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Check validates an already parsed URL. Used for redirect hops and final
// response URLs.
func (r *Resolver) Check(ctx context.Context, u *url.URL) error {
	if u == nil || u.Scheme == "" {
		return fmt.Errorf("%w: not an absolute URL", ErrInvalidURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsafeScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL has no host", ErrInvalidURL)
	}
	return r.checkHost(ctx, host)
}

func (r *Resolver) checkHost(ctx context.Context, host string) error {
	if IsBlockedHostname(host) {
		return fmt.Errorf("%w: %s", ErrBlocked, host)
	}

	// Literal IP first: no DNS involved.
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return fmt.Errorf("%w: %s", ErrBlocked, host)
		}
		return nil
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: %s does not resolve: %v", ErrBlocked, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s has no addresses", ErrBlocked, host)
	}
	for _, a := range addrs {
		if IsBlockedAddr(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrBlocked, host, a)
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook that refuses connections to
// blocked addresses. It closes the gap between validation and dial when DNS
// answers change (rebinding).
func (r *Resolver) DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", ErrBlocked, address)
	}
	if IsBlockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: dial %s", ErrBlocked, ap.Addr())
	}
	return nil
}

// IsBlockedHostname reports whether host is a reserved local name.
func IsBlockedHostname(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if h == "" || h == "localhost" {
		return true
	}
	for _, s := range blockedSuffixes {
		if strings.HasSuffix(h, s) {
			return true
		}
	}
	return false
}

// IsBlockedAddr reports whether a is loopback, private, link-local, CGNAT or
// unspecified. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedAddr(a netip.Addr) bool {
	if !a.IsValid() {
		return true
	}
	a = a.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
