package wren

import (
	"context"
	"io"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/wren/dns"
	"github.com/synqronlabs/wren/utils"
)

// RateLimiter counts sessions per client IP in fixed windows.
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[netip.Addr]*rateLimitEntry
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit sessions per window from a single IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts: make(map[netip.Addr]*rateLimitEntry),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a session from ip and reports whether it is within the limit.
func (rl *RateLimiter) Allow(ip netip.Addr) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > 2*rl.window {
		for k, e := range rl.counts {
			if now.Sub(e.windowStart) > rl.window {
				delete(rl.counts, k)
			}
		}
		rl.lastSweep = now
	}

	entry, ok := rl.counts[ip]
	if !ok || now.Sub(entry.windowStart) > rl.window {
		rl.counts[ip] = &rateLimitEntry{count: 1, windowStart: now}
		return true
	}
	if entry.count >= rl.limit {
		return false
	}
	entry.count++
	return true
}

// IPFilterMode determines how an IPFilter treats unlisted addresses.
type IPFilterMode int

const (
	// IPFilterModeAllow only admits addresses in the allow list.
	IPFilterModeAllow IPFilterMode = iota
	// IPFilterModeDeny admits everything but the deny list.
	IPFilterModeDeny
)

// IPFilter admits or refuses clients by network prefix.
type IPFilter struct {
	mu    sync.RWMutex
	allow []netip.Prefix
	deny  []netip.Prefix
	mode  IPFilterMode
}

func NewIPFilter(mode IPFilterMode) *IPFilter {
	return &IPFilter{mode: mode}
}

// Allow adds an address or CIDR prefix to the allow list.
func (f *IPFilter) Allow(s string) error {
	p, err := parsePrefix(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allow = append(f.allow, p)
	return nil
}

// Deny adds an address or CIDR prefix to the deny list.
func (f *IPFilter) Deny(s string) error {
	p, err := parsePrefix(s)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny = append(f.deny, p)
	return nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		return p.Masked(), err
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// IsAllowed reports whether ip may connect. A denied prefix always wins.
func (f *IPFilter) IsAllowed(ip netip.Addr) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ip = ip.Unmap()
	for _, p := range f.deny {
		if p.Contains(ip) {
			return false
		}
	}
	if f.mode == IPFilterModeDeny {
		return true
	}
	for _, p := range f.allow {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// DomainValidator knows the domains this server receives mail for and
// the sender domains it relays for.
type DomainValidator struct {
	mu      sync.RWMutex
	local   map[string]bool
	senders map[string]bool
}

func NewDomainValidator() *DomainValidator {
	return &DomainValidator{local: make(map[string]bool), senders: make(map[string]bool)}
}

// AddLocalDomain adds a domain RCPT is accepted for. UTF-8 names are
// matched in their A-label form.
func (v *DomainValidator) AddLocalDomain(domain string) error {
	h, err := ParseHostname(domain)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.local[strings.ToLower(h.ASCII)] = true
	return nil
}

// AddAllowedSender restricts MAIL to the sender domains added.
func (v *DomainValidator) AddAllowedSender(domain string) error {
	h, err := ParseHostname(domain)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.senders[strings.ToLower(h.ASCII)] = true
	return nil
}

func (v *DomainValidator) IsLocal(h Hostname) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.local[strings.ToLower(h.ASCII)]
}

// IsAllowedSender reports whether mail from h is accepted. With no
// allowed senders configured every domain is.
func (v *DomainValidator) IsAllowedSender(h Hostname) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.senders) == 0 || v.senders[strings.ToLower(h.ASCII)]
}

// Guard refuses clients and addresses before the wrapped Hooks see them.
// Nil fields disable their check.
type Guard struct {
	// Hooks receives what the guard lets through. Nil means DefaultHooks.
	Hooks Hooks

	Limiter *RateLimiter
	Filter  *IPFilter
	Domains *DomainValidator

	// Resolver, when set, is used to require that sender domains have
	// an MX or address record.
	Resolver dns.Resolver

	// RequireReverseDNS refuses clients without forward-confirmed reverse DNS.
	RequireReverseDNS bool
}

var _ Hooks = (*Guard)(nil)

func (g *Guard) next() Hooks {
	if g.Hooks == nil {
		return DefaultHooks{}
	}
	return g.Hooks
}

func (g *Guard) Connect(ctx context.Context, s *SessionInfo) Decision {
	ip, err := utils.AddrIP(s.RemoteAddr)
	if err == nil {
		if g.Filter != nil && !g.Filter.IsAllowed(ip) {
			return Terminate(ReplyTransactionFailed("Connection not allowed from your IP address", ESCDeliveryNotAuth))
		}
		if g.Limiter != nil && !g.Limiter.Allow(ip) {
			return Terminate(NewReply(CodeServiceUnavailable, ESCTempAuthFailed, "Too many connections, try again later"))
		}
	}
	if g.RequireReverseDNS && s.ReverseDNS == "" {
		return Terminate(ReplyTransactionFailed("Reverse DNS required", ESCDeliveryNotAuth))
	}
	return g.next().Connect(ctx, s)
}

func (g *Guard) Mail(ctx context.Context, s *SessionInfo, cmd MailCmd) Decision {
	if !cmd.From.IsNull() {
		domain := cmd.From.Mailbox.Domain
		if g.Domains != nil && !g.Domains.IsAllowedSender(domain) {
			return Rejectf(CodeMailboxNotFound, ESCDeliveryNotAuth, "Sender domain %s not allowed", domain.ASCII)
		}
		if g.Resolver != nil && !domain.IsLiteral() {
			if d, ok := g.checkSenderDomain(ctx, domain); !ok {
				return d
			}
		}
	}
	return g.next().Mail(ctx, s, cmd)
}

// checkSenderDomain requires an MX record, or an address record for the
// implicit MX (RFC 5321 Section 5.1).
func (g *Guard) checkSenderDomain(ctx context.Context, domain Hostname) (Decision, bool) {
	_, err := g.Resolver.LookupMX(ctx, domain.ASCII)
	if err == nil {
		return Decision{}, true
	}
	if dns.IsNotFound(err) {
		_, err = g.Resolver.LookupIP(ctx, domain.ASCII)
		if err == nil {
			return Decision{}, true
		}
	}
	if dns.IsTemporary(err) {
		return Rejectf(CodeLocalError, ESCTempFailure, "Cannot resolve sender domain %s, try again later", domain.ASCII), false
	}
	return Rejectf(CodeMailboxNotFound, "5.1.8", "Sender domain %s does not exist", domain.ASCII), false
}

func (g *Guard) Rcpt(ctx context.Context, s *SessionInfo, cmd RcptCmd) Decision {
	if g.Domains != nil && !cmd.To.Mailbox.Domain.IsZero() && !g.Domains.IsLocal(cmd.To.Mailbox.Domain) {
		if !s.IsAuthenticated() {
			return Rejectf(CodeMailboxNotFound, ESCDeliveryNotAuth, "Relay access denied")
		}
	}
	return g.next().Rcpt(ctx, s, cmd)
}

func (g *Guard) Hello(ctx context.Context, s *SessionInfo, h Hello) Decision {
	return g.next().Hello(ctx, s, h)
}

func (g *Guard) StartTLS(ctx context.Context, s *SessionInfo) Decision {
	return g.next().StartTLS(ctx, s)
}

func (g *Guard) Auth(ctx context.Context, s *SessionInfo, req AuthRequest) Decision {
	return g.next().Auth(ctx, s, req)
}

func (g *Guard) DataStart(ctx context.Context, s *SessionInfo) Decision {
	return g.next().DataStart(ctx, s)
}

func (g *Guard) Data(ctx context.Context, s *SessionInfo, body io.Reader) Decision {
	return g.next().Data(ctx, s, body)
}

func (g *Guard) Reset(ctx context.Context, s *SessionInfo) Decision {
	return g.next().Reset(ctx, s)
}

func (g *Guard) Verify(ctx context.Context, s *SessionInfo, arg string) Decision {
	return g.next().Verify(ctx, s, arg)
}

func (g *Guard) Expand(ctx context.Context, s *SessionInfo, arg string) Decision {
	return g.next().Expand(ctx, s, arg)
}

func (g *Guard) Help(ctx context.Context, s *SessionInfo, topic string) Decision {
	return g.next().Help(ctx, s, topic)
}

func (g *Guard) Noop(ctx context.Context, s *SessionInfo, arg string) Decision {
	return g.next().Noop(ctx, s, arg)
}

func (g *Guard) Disconnect(ctx context.Context, s *SessionInfo) {
	g.next().Disconnect(ctx, s)
}
