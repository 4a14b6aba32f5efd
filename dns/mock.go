package dns

import (
	"context"
	"net"
	"net/netip"
	"slices"
)

// MockResolver answers from maps keyed by absolute names, for tests.
// PTR is keyed by IP address string.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	MX   map[string][]*net.MX

	// Fail lists lookups that return ErrServFail, as "type name",
	// e.g. "mx example.com." or "ptr 192.0.2.1".
	Fail []string
}

var _ Resolver = MockResolver{}

func (r MockResolver) check(ctx context.Context, typ, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slices.Contains(r.Fail, typ+" "+name) {
		return ErrServFail
	}
	return nil
}

func (r MockResolver) LookupAddr(ctx context.Context, ip netip.Addr) ([]string, error) {
	key := ip.Unmap().String()
	if err := r.check(ctx, "ptr", key); err != nil {
		return nil, err
	}
	names := r.PTR[key]
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = relative(n)
	}
	return out, nil
}

func (r MockResolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	name := normalize(host)
	if err := r.check(ctx, "ip", name); err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, s := range append(slices.Clone(r.A[name]), r.AAAA[name]...) {
		if a, err := netip.ParseAddr(s); err == nil {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, ErrNotFound
	}
	return addrs, nil
}

func (r MockResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	name := normalize(domain)
	if err := r.check(ctx, "mx", name); err != nil {
		return nil, err
	}
	records := r.MX[name]
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}
