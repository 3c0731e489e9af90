// Package hostname maps an inbound Host header to the endpoint id that owns it.
package hostname

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var (
	ErrInvalidHost     = errors.New("invalid host")
	ErrInvalidEndpoint = errors.New("invalid endpoint id")

	// A single lowercase DNS label.
	endpointIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// Router extracts endpoint ids from Host headers. When Domain is set, only
// strict subdomains of it are routable; otherwise the public suffix list
// decides where the registrable domain starts.
type Router struct {
	Domain string
}

// Extract returns the endpoint id for host using the public suffix list.
func Extract(host string) (string, error) {
	return Router{}.Extract(host)
}

func (r Router) Extract(host string) (string, error) {
	h, err := normalize(host)
	if err != nil {
		return "", err
	}
	if !strings.Contains(h, ".") {
		return "", fmt.Errorf("%w: %q has no subdomain", ErrInvalidHost, host)
	}

	var rest string
	if domain := NormalizeDomain(r.Domain); domain != "" {
		marker := "." + domain
		if !strings.HasSuffix(h, marker) {
			return "", fmt.Errorf("%w: %q is not under %s", ErrInvalidHost, host, domain)
		}
		rest = strings.TrimSuffix(h, marker)
	} else {
		registrable, err := publicsuffix.EffectiveTLDPlusOne(h)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidHost, err)
		}
		if registrable == h {
			return "", fmt.Errorf("%w: %q has no subdomain", ErrInvalidHost, host)
		}
		rest = strings.TrimSuffix(h, "."+registrable)
	}

	label, _, _ := strings.Cut(rest, ".")
	if err := ValidateID(label); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	return label, nil
}

// ValidateID reports whether id can be used as an endpoint id.
func ValidateID(id string) error {
	if !endpointIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, id)
	}
	return nil
}

// NormalizeDomain lowercases d and trims surrounding dots and whitespace.
func NormalizeDomain(d string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
}

// PublicHost is the host name public callers use to reach id.
func PublicHost(id, domain string) string {
	if domain = NormalizeDomain(domain); domain == "" {
		domain = "localhost"
	}
	return id + "." + domain
}

func normalize(host string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidHost)
	}
	if strings.HasPrefix(h, "[") {
		return "", fmt.Errorf("%w: %q is an IP literal", ErrInvalidHost, host)
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		if !isAllDigits(h[i+1:]) {
			return "", fmt.Errorf("%w: %q has a malformed port", ErrInvalidHost, host)
		}
		h = h[:i]
	}
	if strings.ContainsAny(h, ":/\\@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	h = strings.TrimSuffix(h, ".")
	if _, err := netip.ParseAddr(h); err == nil {
		return "", fmt.Errorf("%w: %q is an IP literal", ErrInvalidHost, host)
	}
	if h == "" || strings.HasPrefix(h, ".") || strings.Contains(h, "..") {
		return "", fmt.Errorf("%w: %q has an empty label", ErrInvalidHost, host)
	}
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	return ascii, nil
}

func isAllDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
