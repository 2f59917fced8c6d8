// Package transport implements GURT connection establishment: the
// two-phase plaintext-handshake-then-TLS-upgrade on both the client and
// server side, plus the client's per-(host,port) connection pool.
//
// The pool itself is modeled closely on a classic mutex-guarded
// idle-deque-per-destination design: one mutex per destination, O(1)
// push/pop, lazy eviction of stale entries on pop, and a background sweep
// goroutine as a secondary cleanup path.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/zeonzip/gurt/pkg/constants"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/trust"
)

// readFrame reads from r until the blank-line body separator appears (or
// limit bytes have been read, or ctx is done), returning everything read so
// far including the separator.
func readFrame(ctx context.Context, r io.Reader, limit int) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)

	go func() {
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, err := r.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
				if len(buf) > limit {
					done <- result{nil, gurterrors.NewInvalidMessageError("message exceeds max size")}
					return
				}
				if strings.Contains(string(buf), constants.BodySeparator) {
					done <- result{buf, nil}
					return
				}
			}
			if err != nil {
				if err == io.EOF && len(buf) > 0 {
					done <- result{buf, gurterrors.NewConnectionError("", 0, "connection closed unexpectedly", err)}
					return
				}
				done <- result{nil, err}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.buf, res.err
	}
}

// ClientHandshake performs the client side of connection establishment:
// dial is assumed already done on conn. It writes a HANDSHAKE request,
// waits for the 101 response, then performs the TLS upgrade with the GURT
// ALPN pinned in tlsConfig.
func ClientHandshake(ctx context.Context, conn net.Conn, host string, userAgent string, tlsConfig *tls.Config, handshakeTimeout time.Duration) (*tls.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	req := message.NewRequest(message.MethodHANDSHAKE, "/").
		WithHeader("Host", host).
		WithHeader("User-Agent", userAgent)
	wire := message.SerializeRequest(req, userAgent)

	if deadline, ok := hctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, gurterrors.NewHandshakeError(conn.RemoteAddr().String(), "failed to write handshake request", err)
	}

	if deadline, ok := hctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	buf, err := readFrame(hctx, conn, constants.MaxMessageSize)
	if err != nil {
		if hctx.Err() != nil {
			return nil, gurterrors.NewTimeoutError("handshake", handshakeTimeout)
		}
		return nil, gurterrors.NewHandshakeError(conn.RemoteAddr().String(), "failed to read handshake response", err)
	}

	head, _, err := message.ParseHead(buf)
	if err != nil {
		return nil, gurterrors.NewHandshakeError(conn.RemoteAddr().String(), "malformed handshake response", err)
	}
	if head.StatusCode != message.StatusSwitchingProtocols {
		return nil, gurterrors.NewHandshakeError(conn.RemoteAddr().String(), fmt.Sprintf("expected 101, got %d", head.StatusCode), nil)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	cfg := trust.ConfigureSNI(tlsConfig, host)
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, gurterrors.NewCryptoError("tls_handshake", "TLS upgrade failed", err)
	}
	if tlsConn.ConnectionState().NegotiatedProtocol != constants.ALPN {
		return nil, gurterrors.NewCryptoError("tls_handshake", "peer did not select the GURT ALPN", nil)
	}
	return tlsConn, nil
}

// ServerHandshake performs the server side on a freshly accepted
// connection: reads the plaintext HANDSHAKE, replies 101, then accepts TLS.
func ServerHandshake(ctx context.Context, conn net.Conn, tlsConfig *tls.Config, handshakeTimeout time.Duration, serverBanner string) (*tls.Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if deadline, ok := hctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	buf, err := readFrame(hctx, conn, constants.MaxMessageSize)
	if err != nil {
		if hctx.Err() != nil {
			return nil, gurterrors.NewTimeoutError("handshake", handshakeTimeout)
		}
		return nil, gurterrors.NewProtocolError("failed to read initial frame", err)
	}

	req, _, err := message.Parse(buf)
	if err != nil || req == nil {
		return nil, gurterrors.NewProtocolError("initial frame is not a valid request", err)
	}
	if req.Method != message.MethodHANDSHAKE {
		return nil, gurterrors.NewProtocolError("expected HANDSHAKE, got "+string(req.Method), nil)
	}

	resp := message.NewResponse(message.StatusSwitchingProtocols).
		WithHeader("GURT-Version", constants.Version).
		WithHeader("Encryption", constants.TLSVersionName).
		WithHeader("ALPN", constants.ALPN)
	wire := message.SerializeResponse(resp, serverBanner)

	if deadline, ok := hctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(wire); err != nil {
		return nil, gurterrors.NewProtocolError("failed to write 101 response", err)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	tlsConn := tls.Server(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, gurterrors.NewCryptoError("tls_accept", "TLS accept failed", err)
	}
	return tlsConn, nil
}

// ReadEncryptedFrame reads one complete frame (headers + Content-Length
// body bytes) off an up-and-running TLS connection, bounded by timeout and
// maxSize (pass 0 to fall back to constants.MaxMessageSize). A clean close
// with no bytes read yields io.EOF so callers can tell graceful shutdown
// from a mid-frame disconnect.
func ReadEncryptedFrame(ctx context.Context, r *bufio.Reader, timeout time.Duration, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = constants.MaxMessageSize
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 0, 4096)
		for {
			line, err := r.ReadBytes('\n')
			buf = append(buf, line...)
			if len(buf) > maxSize {
				done <- result{nil, gurterrors.NewInvalidMessageError("message exceeds max size")}
				return
			}
			if strings.HasSuffix(string(buf), constants.BodySeparator) {
				headersLen := len(buf)
				contentLength := scanContentLength(buf)
				if contentLength > 0 {
					body := make([]byte, contentLength)
					if _, err := io.ReadFull(r, body); err != nil {
						done <- result{nil, gurterrors.NewConnectionError("", 0, "short body read", err)}
						return
					}
					buf = append(buf[:headersLen], body...)
				}
				done <- result{buf, nil}
				return
			}
			if err != nil {
				if err == io.EOF {
					if len(buf) == 0 {
						done <- result{nil, io.EOF}
					} else {
						done <- result{nil, gurterrors.NewConnectionError("", 0, "closed unexpectedly", err)}
					}
					return
				}
				done <- result{nil, err}
				return
			}
		}
	}()

	select {
	case <-cctx.Done():
		if cctx.Err() == context.DeadlineExceeded {
			return nil, gurterrors.NewTimeoutError("request", timeout)
		}
		return nil, cctx.Err()
	case res := <-done:
		return res.buf, res.err
	}
}

// ReadFrameHead reads only the start-line and headers (through the
// blank-line separator) off an up-and-running TLS connection, leaving the
// body unread on r so the caller can route body bytes incrementally.
func ReadFrameHead(ctx context.Context, r *bufio.Reader, timeout time.Duration, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = constants.MaxMessageSize
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 0, 1024)
		for {
			line, err := r.ReadBytes('\n')
			buf = append(buf, line...)
			if len(buf) > maxSize {
				done <- result{nil, gurterrors.NewInvalidMessageError("message exceeds max size")}
				return
			}
			if strings.HasSuffix(string(buf), constants.BodySeparator) {
				done <- result{buf, nil}
				return
			}
			if err != nil {
				if err == io.EOF {
					if len(buf) == 0 {
						done <- result{nil, io.EOF}
					} else {
						done <- result{nil, gurterrors.NewConnectionError("", 0, "closed unexpectedly", err)}
					}
					return
				}
				done <- result{nil, err}
				return
			}
		}
	}()

	select {
	case <-cctx.Done():
		if cctx.Err() == context.DeadlineExceeded {
			return nil, gurterrors.NewTimeoutError("request", timeout)
		}
		return nil, cctx.Err()
	case res := <-done:
		return res.buf, res.err
	}
}

func scanContentLength(headerBlock []byte) int {
	lines := strings.Split(string(headerBlock), constants.CRLF)
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				var n int
				if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &n); err == nil {
					return n
				}
			}
		}
	}
	return 0
}

// PoolConfig tunes the client connection pool.
type PoolConfig struct {
	MaxConnectionsPerHost int
	IdleTimeout           time.Duration
}

// DefaultPoolConfig applies the standard 30s idle window and per-host cap.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnectionsPerHost: constants.MaxConnectionsPerHost,
		IdleTimeout:           constants.PoolIdleTimeout,
	}
}

type pooledConn struct {
	conn     *tls.Conn
	lastUsed time.Time
}

type hostPool struct {
	mu        sync.Mutex
	idle      []*pooledConn
	numActive int
}

// Pool is the process-wide, per-(host,port) connection pool: one mutex per
// destination, O(1) critical sections, lazy eviction on pop, plus a periodic
// sweep as a secondary cleanup path.
type Pool struct {
	cfg   PoolConfig
	mu    sync.Mutex
	pools map[string]*hostPool

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPool starts the background idle-sweep goroutine and returns a ready
// pool.
func NewPool(cfg PoolConfig) *Pool {
	p := &Pool{
		cfg:      cfg,
		pools:    make(map[string]*hostPool),
		stopChan: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

func poolKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (p *Pool) poolFor(host string, port int) *hostPool {
	key := poolKey(host, port)
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.pools[key]
	if !ok {
		hp = &hostPool{}
		p.pools[key] = hp
	}
	return hp
}

// Acquire pops a live, non-stale pooled connection for (host,port), or
// returns nil if none is available.
func (p *Pool) Acquire(host string, port int) *tls.Conn {
	hp := p.poolFor(host, port)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	for len(hp.idle) > 0 {
		n := len(hp.idle) - 1
		pc := hp.idle[n]
		hp.idle = hp.idle[:n]
		if time.Since(pc.lastUsed) > p.cfg.IdleTimeout {
			pc.conn.Close()
			continue
		}
		hp.numActive++
		return pc.conn
	}
	return nil
}

// Register records a freshly dialed connection as active, so Stats stays
// balanced with the Release/Discard that eventually follows.
func (p *Pool) Register(host string, port int) {
	hp := p.poolFor(host, port)
	hp.mu.Lock()
	hp.numActive++
	hp.mu.Unlock()
}

// Release returns a connection to the idle pool, subject to the per-host
// cap; beyond the cap the connection is closed instead.
func (p *Pool) Release(host string, port int, conn *tls.Conn) {
	hp := p.poolFor(host, port)
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.numActive > 0 {
		hp.numActive--
	}
	if len(hp.idle) >= p.cfg.MaxConnectionsPerHost {
		conn.Close()
		return
	}
	hp.idle = append(hp.idle, &pooledConn{conn: conn, lastUsed: time.Now()})
}

// Discard closes conn without returning it to the pool. A connection is
// never reused after a request error.
func (p *Pool) Discard(host string, port int, conn *tls.Conn) {
	hp := p.poolFor(host, port)
	hp.mu.Lock()
	if hp.numActive > 0 {
		hp.numActive--
	}
	hp.mu.Unlock()
	conn.Close()
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	hps := make([]*hostPool, 0, len(p.pools))
	for _, hp := range p.pools {
		hps = append(hps, hp)
	}
	p.mu.Unlock()

	for _, hp := range hps {
		hp.mu.Lock()
		fresh := hp.idle[:0]
		for _, pc := range hp.idle {
			if time.Since(pc.lastUsed) > p.cfg.IdleTimeout {
				pc.conn.Close()
				continue
			}
			fresh = append(fresh, pc)
		}
		hp.idle = fresh
		hp.mu.Unlock()
	}
}

// Close stops the sweep goroutine and closes every idle connection.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hp := range p.pools {
		hp.mu.Lock()
		for _, pc := range hp.idle {
			pc.conn.Close()
		}
		hp.idle = nil
		hp.mu.Unlock()
	}
}

// Stats reports pool occupancy for observability.
type Stats struct {
	Destinations int
	IdleTotal    int
	ActiveTotal  int
}

// Stats returns a snapshot across all destinations.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Destinations: len(p.pools)}
	for _, hp := range p.pools {
		hp.mu.Lock()
		s.IdleTotal += len(hp.idle)
		s.ActiveTotal += hp.numActive
		hp.mu.Unlock()
	}
	return s
}
