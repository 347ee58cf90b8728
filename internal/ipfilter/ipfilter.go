// Package ipfilter gates application-host traffic to trusted source CIDRs.
package ipfilter

import (
	"errors"
	"net/http"
	"net/netip"
	"strings"
)

var (
	ErrNoClientIP = errors.New("ipfilter: cannot determine client ip")
	ErrNotAllowed = errors.New("ipfilter: client ip not in allowlist")
)

type Filter struct {
	allowlist   []netip.Prefix
	trustedHops int
}

func New(allowlist []netip.Prefix, trustedHops int) *Filter {
	return &Filter{allowlist: allowlist, trustedHops: trustedHops}
}

// ClientIP extracts the real client address as the Nth-from-last entry of
// X-Forwarded-For, where N is the number of trusted hops in front of us.
// Everything left of that point is client-controlled and ignored.
func (f *Filter) ClientIP(r *http.Request) (netip.Addr, error) {
	header := r.Header.Get("X-Forwarded-For")
	if header == "" {
		return netip.Addr{}, ErrNoClientIP
	}

	parts := strings.Split(header, ",")
	idx := len(parts) - f.trustedHops
	if idx < 0 || idx >= len(parts) {
		return netip.Addr{}, ErrNoClientIP
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return netip.Addr{}, ErrNoClientIP
	}
	return addr, nil
}

// Check returns nil when the request's client IP falls inside any
// configured CIDR.
func (f *Filter) Check(r *http.Request) error {
	addr, err := f.ClientIP(r)
	if err != nil {
		return err
	}
	for _, prefix := range f.allowlist {
		if prefix.Contains(addr) {
			return nil
		}
	}
	return ErrNotAllowed
}
