// Package dns looks up the names of connecting clients.
package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
)

var (
	ErrNotFound = errors.New("dns: name not found")
	ErrServFail = errors.New("dns: server failure")
	ErrRefused  = errors.New("dns: query refused")
	ErrTimeout  = errors.New("dns: query timeout")
)

// IsNotFound reports whether err means the name or record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTemporary reports whether a retry later may succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrServFail) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Resolver is the subset of DNS the server uses. Names are returned
// without the trailing dot.
type Resolver interface {
	LookupAddr(ctx context.Context, ip netip.Addr) ([]string, error)
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// VerifiedName returns the first PTR name of ip whose forward lookup
// contains ip again (forward-confirmed reverse DNS). It returns "" with a
// nil error when PTR names exist but none confirms.
func VerifiedName(ctx context.Context, r Resolver, ip netip.Addr) (string, error) {
	names, err := r.LookupAddr(ctx, ip)
	if err != nil {
		return "", err
	}
	ip = ip.Unmap()
	var lastErr error
	for _, name := range names {
		addrs, err := r.LookupIP(ctx, name)
		if err != nil {
			if !IsNotFound(err) {
				lastErr = err
			}
			continue
		}
		for _, a := range addrs {
			if a.Unmap() == ip {
				return name, nil
			}
		}
	}
	return "", lastErr
}

func absolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func relative(name string) string {
	return strings.TrimSuffix(name, ".")
}
