package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrEndpointBlocked marks an endpoint rejected by the SSRF guard.
var ErrEndpointBlocked = errors.New("security: endpoint not allowed")

// metadataHosts are cloud metadata services. An RPC URL pointed at one of
// these would let a compromised config read instance credentials.
var metadataHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata.google",
}

// ValidateEndpointURL rejects RPC endpoint URLs that would aim server-side
// traffic at internal infrastructure: loopback, private, and link-local
// ranges are blocked for both IP literals and every address a hostname
// resolves to. Production configs run through this before the chain client
// is constructed.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable URL", ErrEndpointBlocked)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q, want http or https", ErrEndpointBlocked, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host", ErrEndpointBlocked)
	}
	for _, blocked := range metadataHosts {
		if strings.EqualFold(host, blocked) {
			return fmt.Errorf("%w: host %q", ErrEndpointBlocked, host)
		}
	}

	// An IP literal is checked directly; no DNS round trip.
	if ip := net.ParseIP(host); ip != nil {
		return checkAddr(host, ip)
	}

	// A hostname is only as safe as everything it resolves to.
	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: host %q does not resolve", ErrEndpointBlocked, host)
	}
	for _, ip := range addrs {
		if err := checkAddr(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func checkAddr(host string, ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: %q is a loopback address", ErrEndpointBlocked, host)
	case ip.IsPrivate():
		return fmt.Errorf("%w: %q is a private address", ErrEndpointBlocked, host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: %q is a link-local address", ErrEndpointBlocked, host)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: %q is unspecified", ErrEndpointBlocked, host)
	}
	return nil
}
