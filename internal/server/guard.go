package server

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gramyfied/eloquence-backend/internal/fault"
)

const (
	// defaultRequestsPerMinute caps control-plane traffic per client IP.
	defaultRequestsPerMinute = 60

	// authFailWindow and authFailLimit define the brute-force trip wire:
	// authFailLimit failed key checks inside the window block the IP.
	authFailWindow = time.Minute
	authFailLimit  = 3
	authBlockFor   = 5 * time.Minute

	// visitorTTL is how long an idle IP's state is retained.
	visitorTTL = 10 * time.Minute
)

// visitor is the per-IP state: a token bucket plus the recent auth failures.
type visitor struct {
	limiter      *rate.Limiter
	fails        []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// guard enforces the control plane's client-side limits: API-key
// authentication, per-IP rate limiting, and temporary blocks after repeated
// bad credentials.
type guard struct {
	apiKey string
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	visitors map[string]*visitor

	now func() time.Time // swapped in tests
}

func newGuard(apiKey string, perMinute int) *guard {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	return &guard{
		apiKey:   apiKey,
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// admit runs the full gate for one request: rate limit first, then the block
// list, then the key itself.
func (g *guard) admit(r *http.Request) error {
	ip := clientIP(r)

	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.visitor(ip)

	if !v.limiter.Allow() {
		return fmt.Errorf("server: ip %s over rate limit: %w", ip, fault.ErrOverloaded)
	}
	now := g.now()
	if now.Before(v.blockedUntil) {
		return fmt.Errorf("server: ip %s temporarily blocked: %w", ip, fault.ErrAuth)
	}

	key := r.Header.Get("X-API-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(g.apiKey)) != 1 {
		v.fails = append(v.fails, now)
		v.fails = trimOlder(v.fails, now.Add(-authFailWindow))
		if len(v.fails) >= authFailLimit {
			v.blockedUntil = now.Add(authBlockFor)
			v.fails = nil
		}
		return fmt.Errorf("server: invalid api key: %w", fault.ErrAuth)
	}
	return nil
}

// visitor returns the state for ip, creating it and pruning stale neighbours
// as a side effect. Called with g.mu held.
func (g *guard) visitor(ip string) *visitor {
	now := g.now()
	for addr, v := range g.visitors {
		if now.Sub(v.lastSeen) > visitorTTL && now.After(v.blockedUntil) {
			delete(g.visitors, addr)
		}
	}

	v, ok := g.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = now
	return v
}

func trimOlder(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// clientIP strips the port from RemoteAddr; limits key on the peer address,
// not forwarded headers, which are spoofable without a trusted proxy layer.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
