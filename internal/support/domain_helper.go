package support

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const (
	MaxDomainLength  = 255
	MaxAddressLength = 39
)

var (
	ErrEmptyDomain    = errors.New("domain is empty")
	ErrDomainTooLong  = errors.New("domain exceeds 255 characters")
	ErrInvalidAddress = errors.New("invalid network address")
)

var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// NormalizeDomain lower-cases the name, drops a trailing root dot and converts
// unicode labels to their ASCII form.
func NormalizeDomain(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return "", ErrEmptyDomain
	}

	ascii, err := domainProfile.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("normalize domain %q: %w", raw, err)
	}
	ascii = strings.ToLower(ascii)

	if ascii == "" {
		return "", ErrEmptyDomain
	}
	if len(ascii) > MaxDomainLength {
		return "", ErrDomainTooLong
	}
	return ascii, nil
}

// IsPublicSuffix reports whether name is itself an effective TLD such as
// "com" or "co.uk".
func IsPublicSuffix(name string) bool {
	if name == "" {
		return false
	}
	suffix, _ := publicsuffix.PublicSuffix(name)
	return suffix == name
}

// ParentDomains returns name followed by each of its parents, most specific
// first: a.b.c -> [a.b.c b.c c].
func ParentDomains(name string) []string {
	if name == "" {
		return nil
	}
	out := []string{name}
	for {
		idx := strings.IndexByte(name, '.')
		if idx < 0 || idx == len(name)-1 {
			return out
		}
		name = name[idx+1:]
		out = append(out, name)
	}
}

// ValidateAddress accepts textual IPv4 or IPv6 addresses of at most 39 characters.
func ValidateAddress(raw string) (netip.Addr, error) {
	if raw == "" || len(raw) > MaxAddressLength {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return addr, nil
}
