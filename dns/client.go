package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ClientConfig configures Client.
type ClientConfig struct {
	// Nameservers are "host:port" addresses. Empty means the servers in
	// /etc/resolv.conf, or public resolvers when that cannot be read.
	Nameservers []string

	// Timeout per query. Default: 5 seconds
	Timeout time.Duration

	// Retries after the first round over all nameservers. Default: 2
	Retries int
}

// Client is a Resolver speaking DNS directly with github.com/miekg/dns.
type Client struct {
	config ClientConfig
	client *mdns.Client
}

var _ Resolver = (*Client)(nil)

// NewClient returns a Client, filling in defaults.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &Client{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

// Config returns the configuration in use, defaults included.
func (c *Client) Config() ClientConfig {
	return c.config
}

func systemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, net.JoinHostPort(s, config.Port))
	}
	return servers
}

// query sends the question to each nameserver in turn until one answers
// authoritatively for the outcome.
func (c *Client) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(absolute(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for i := 0; i <= c.config.Retries; i++ {
		for _, server := range c.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, _, err := c.client.ExchangeContext(ctx, m, server)
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					lastErr = fmt.Errorf("%w: %s", ErrTimeout, server)
				} else {
					lastErr = fmt.Errorf("dns: query %s: %w", server, err)
				}
				continue
			}
			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, ErrNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrServFail
			case mdns.RcodeRefused:
				lastErr = ErrRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrServFail
	}
	return nil, lastErr
}

func (c *Client) LookupAddr(ctx context.Context, ip netip.Addr) ([]string, error) {
	arpa, err := mdns.ReverseAddr(ip.Unmap().String())
	if err != nil {
		return nil, fmt.Errorf("dns: reverse name for %s: %w", ip, err)
	}
	resp, err := c.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, relative(ptr.Ptr))
		}
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return names, nil
}

// LookupIP returns A and AAAA records. A failure of one of the two
// queries is only reported when the other found nothing.
func (c *Client) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		resp, err := c.query(ctx, host, qtype)
		if err != nil {
			if !IsNotFound(err) {
				lastErr = err
			}
			continue
		}
		for _, rr := range resp.Answer {
			var ip net.IP
			switch r := rr.(type) {
			case *mdns.A:
				ip = r.A
			case *mdns.AAAA:
				ip = r.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrNotFound
	}
	return addrs, nil
}

func (c *Client) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	resp, err := c.query(ctx, domain, mdns.TypeMX)
	if err != nil {
		return nil, err
	}
	var records []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: relative(mx.Mx), Pref: mx.Preference})
		}
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// normalize lower-cases name and makes it absolute, the form mock maps use.
func normalize(name string) string {
	return absolute(strings.ToLower(name))
}
