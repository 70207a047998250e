package validate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URL validation errors
var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrDisallowedDomain = errors.New("URL domain not allowed")
	ErrPrivateHost      = errors.New("URL host is not publicly reachable")
)

// URLConstraints defines validation constraints for URLs.
type URLConstraints struct {
	AllowedSchemes []string // e.g., []string{"https", "http"}
	AllowedDomains []string // If non-empty, only these domains are allowed
	BlockPrivate   bool     // Whether to reject localhost and private IP literals
	MaxLength      int      // Maximum URL length (0 = no limit)
}

// CallbackURLConstraints apply to URLs the provider calls or redirects to in
// production: HTTPS on a public host.
var CallbackURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https"},
	BlockPrivate:   true,
	MaxLength:      2048,
}

// DevelopmentURLConstraints allow plain HTTP and local hosts, e.g. a tunnel
// or a provider simulator.
var DevelopmentURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	MaxLength:      2048,
}

// URL validates a URL against the given constraints.
// Returns the validated URL string and an error if validation fails.
func URL(urlStr string, constraints URLConstraints) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", ErrEmpty
	}

	if constraints.MaxLength > 0 && len(urlStr) > constraints.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrStringTooLong, constraints.MaxLength)
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if len(constraints.AllowedSchemes) > 0 {
		schemeAllowed := false
		for _, scheme := range constraints.AllowedSchemes {
			if parsedURL.Scheme == scheme {
				schemeAllowed = true
				break
			}
		}
		if !schemeAllowed {
			return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, parsedURL.Scheme, constraints.AllowedSchemes)
		}
	}

	hostname := parsedURL.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}

	if len(constraints.AllowedDomains) > 0 {
		domainAllowed := false
		for _, domain := range constraints.AllowedDomains {
			// Exact match or subdomain
			if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
				domainAllowed = true
				break
			}
		}
		if !domainAllowed {
			return "", fmt.Errorf("%w: %q not in allowlist", ErrDisallowedDomain, hostname)
		}
	}

	if constraints.BlockPrivate {
		if err := checkPublicHost(hostname); err != nil {
			return "", err
		}
	}

	return urlStr, nil
}

// CallbackURL validates a notification or redirect URL handed to the
// provider. Outside production local HTTP endpoints are accepted.
func CallbackURL(urlStr string, production bool) (string, error) {
	if production {
		return URL(urlStr, CallbackURLConstraints)
	}
	return URL(urlStr, DevelopmentURLConstraints)
}

// checkPublicHost rejects hosts the provider could never reach. Names are
// not resolved; only localhost and IP literals are inspected.
func checkPublicHost(hostname string) error {
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "localhost.localdomain" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: localhost", ErrPrivateHost)
	}

	ip := net.ParseIP(hostname)
	if ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("%w: private IP address %s", ErrPrivateHost, ip.String())
	}
	return nil
}

// isPrivateIP checks if an IP address is private, loopback, or link-local.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// 10/8, 172.16/12, 192.168/16 and fc00::/7
	return ip.IsPrivate()
}
