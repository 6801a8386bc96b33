// Package auth holds the pre-authentication defenses of the REST surface:
// per-remote rate limiting on credential endpoints and the registration
// whitelist.
package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// cleanThreshold is the map size past which stale remotes are swept.
	cleanThreshold = 1000
	// cleanDelay is the minimum time between sweeps.
	cleanDelay = 10 * time.Second
)

// Limiter applies a fixed retry delay per remote address to credential
// requests. Addresses are easily faked through proxies, but this already
// puts enough hassle on whoever is probing passwords.
type Limiter struct {
	delay time.Duration

	mu          sync.Mutex
	remotes     map[string]*rate.Limiter
	lastCleaned time.Time
}

// NewLimiter builds a limiter enforcing one attempt per delay per remote.
// A zero delay disables limiting entirely.
func NewLimiter(delay time.Duration) *Limiter {
	return &Limiter{
		delay:   delay,
		remotes: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from the remote address may proceed now.
func (l *Limiter) Allow(remoteAddr string) bool {
	if l.delay == 0 {
		return true
	}

	ip := remoteIP(remoteAddr)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeClean()

	limiter, ok := l.remotes[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.delay), 1)
		l.remotes[ip] = limiter
	}
	return limiter.Allow()
}

// AllowRequest is Allow keyed on the request's remote address.
func (l *Limiter) AllowRequest(r *http.Request) bool {
	return l.Allow(r.RemoteAddr)
}

// maybeClean lazily drops remotes whose delay has fully elapsed. Only runs
// when the map has grown past the threshold and the previous sweep is old
// enough; callers hold the mutex.
func (l *Limiter) maybeClean() {
	if len(l.remotes) < cleanThreshold || time.Since(l.lastCleaned) < cleanDelay {
		return
	}
	for ip, limiter := range l.remotes {
		if limiter.Tokens() >= 1 {
			delete(l.remotes, ip)
		}
	}
	l.lastCleaned = time.Now()
}

func remoteIP(remoteAddr string) string {
	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return ip
	}
	return remoteAddr
}
