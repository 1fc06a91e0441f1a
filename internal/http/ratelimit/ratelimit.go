package ratelimit

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	httperrors "github.com/jw6ventures/calremind/internal/http/errors"
)

const defaultMaxClients = 10000

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	mu         sync.Mutex
	clients    map[netip.Addr]*client
	rate       rate.Limit
	burst      int
	idle       time.Duration
	maxClients int
	trusted    []netip.Prefix
	now        func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows r requests per second with bursts of b per client.
// Clients idle for longer than idle are forgotten by Sweep. trustedProxies
// lists addresses or CIDR ranges whose forwarding headers are believed; with
// none configured every forwarding header is believed.
func NewIPRateLimiter(r rate.Limit, b int, idle time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		clients:    make(map[netip.Addr]*client),
		rate:       r,
		burst:      b,
		idle:       idle,
		maxClients: defaultMaxClients,
		now:        time.Now,
	}
	for _, p := range trustedProxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			l.trusted = append(l.trusted, prefix.Masked())
		} else if addr, err := netip.ParseAddr(p); err == nil {
			l.trusted = append(l.trusted, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
		}
	}
	return l
}

// Run sweeps idle clients until ctx is cancelled.
func (l *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Sweep forgets clients not seen within the idle window.
func (l *IPRateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for addr, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, addr)
		}
	}
}

// Allow reports whether addr may make another request now.
func (l *IPRateLimiter) Allow(addr netip.Addr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[addr]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[addr] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) evictOldest() {
	var (
		oldest     netip.Addr
		oldestSeen time.Time
	)
	for addr, c := range l.clients {
		if !oldest.IsValid() || c.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen = addr, c.lastSeen
		}
	}
	delete(l.clients, oldest)
}

// Middleware rejects requests over the limit with 429.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.clientAddr(r)) {
				w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
				httperrors.WriteJSON(w, http.StatusTooManyRequests, httperrors.Envelope{
					Status:  httperrors.StatusError,
					Message: "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *IPRateLimiter) retryAfter() int {
	if l.rate <= 0 {
		return 60
	}
	secs := int(1 / float64(l.rate))
	return max(secs, 1)
}

func (l *IPRateLimiter) isTrusted(addr netip.Addr) bool {
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr resolves the address a request is charged to. Behind trusted
// proxies it is the rightmost X-Forwarded-For hop that is not itself a
// trusted proxy.
func (l *IPRateLimiter) clientAddr(r *http.Request) netip.Addr {
	remote := parseAddr(r.RemoteAddr)
	if len(l.trusted) > 0 && !l.isTrusted(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		if len(l.trusted) == 0 {
			if addr := parseAddr(hops[0]); addr.IsValid() {
				return addr
			}
		}
		for i := len(hops) - 1; i >= 0; i-- {
			addr := parseAddr(hops[i])
			if !addr.IsValid() {
				break
			}
			if !l.isTrusted(addr) {
				return addr
			}
		}
	}

	if addr := parseAddr(r.Header.Get("X-Real-IP")); addr.IsValid() {
		return addr
	}
	return remote
}

func parseAddr(s string) netip.Addr {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
