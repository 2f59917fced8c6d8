// Package security implements the GURT security middleware: per-IP
// request-rate and concurrent-connection limits, and a method allow-list.
package security

import (
	"net"
	"sync"
	"time"

	"github.com/zeonzip/gurt/pkg/message"
)

// Config is the security middleware configuration surface.
type Config struct {
	AllowedMethods       []string // empty/nil means no restriction
	RateLimitRequests    int      // 0 means no rate limiting
	RateLimitConnections int      // 0 means no connection limiting
}

const rateWindow = 60 * time.Second

type ipState struct {
	requests    []time.Time
	connections int
}

func (s *ipState) cleanup(now time.Time) {
	cutoff := now.Add(-rateWindow)
	fresh := s.requests[:0]
	for _, t := range s.requests {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	s.requests = fresh
}

// Middleware holds per-IP rate and connection-count state behind a single
// mutex: one map of IP to {timestamps, connections} per instance.
type Middleware struct {
	cfg     Config
	mu      sync.Mutex
	byIP    map[string]*ipState
	methods map[string]bool
}

// New builds a middleware instance from cfg.
func New(cfg Config) *Middleware {
	m := &Middleware{cfg: cfg, byIP: make(map[string]*ipState)}
	if len(cfg.AllowedMethods) > 0 {
		m.methods = make(map[string]bool, len(cfg.AllowedMethods))
		for _, name := range cfg.AllowedMethods {
			m.methods[name] = true
		}
	}
	return m
}

func (m *Middleware) stateFor(ip net.IP) *ipState {
	key := ip.String()
	s, ok := m.byIP[key]
	if !ok {
		s = &ipState{}
		m.byIP[key] = s
	}
	return s
}

// IsMethodAllowed reports whether method passes the configured allow-list.
// An unconfigured list allows everything.
func (m *Middleware) IsMethodAllowed(method message.Method) bool {
	if m.methods == nil {
		return true
	}
	return m.methods[string(method)]
}

// CheckRateLimit evicts timestamps older than 60s and reports whether a new
// request from ip should be admitted, pushing the current timestamp when
// it is. A zero RateLimitRequests disables the check.
func (m *Middleware) CheckRateLimit(ip net.IP) bool {
	if m.cfg.RateLimitRequests <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(ip)
	now := time.Now()
	s.cleanup(now)

	if len(s.requests) >= m.cfg.RateLimitRequests {
		return false
	}
	s.requests = append(s.requests, now)
	return true
}

// CheckConnectionLimit reports whether ip is under its concurrent
// connection cap. A zero RateLimitConnections disables the check.
func (m *Middleware) CheckConnectionLimit(ip net.IP) bool {
	if m.cfg.RateLimitConnections <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(ip)
	return s.connections < m.cfg.RateLimitConnections
}

// RegisterConnection increments ip's concurrent-connection counter.
func (m *Middleware) RegisterConnection(ip net.IP) {
	if m.cfg.RateLimitConnections <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFor(ip).connections++
}

// UnregisterConnection decrements ip's counter, saturating at zero so a
// stray extra call never underflows.
func (m *Middleware) UnregisterConnection(ip net.IP) {
	if m.cfg.RateLimitConnections <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byIP[ip.String()]
	if !ok {
		return
	}
	if s.connections > 0 {
		s.connections--
	}
}

// MethodNotAllowedResponse builds the synthesized 405.
func MethodNotAllowedResponse() *message.Response {
	return message.NewResponse(message.StatusMethodNotAllowed).
		WithHeader("Content-Type", "text/html")
}

// RateLimitResponse builds the synthesized 429 with Retry-After: 60, used
// for both the request-rate and connection-limit rejections.
func RateLimitResponse() *message.Response {
	return message.NewResponse(message.StatusTooManyRequests).
		WithHeader("Content-Type", "text/html").
		WithHeader("Retry-After", "60")
}
