// Package client implements the GURT client engine: URL parsing,
// connection pooling, request/response exchange over an established TLS
// connection, and streaming downloads with cancellation.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/proxy"

	"github.com/zeonzip/gurt/pkg/buffer"
	"github.com/zeonzip/gurt/pkg/constants"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/timing"
	"github.com/zeonzip/gurt/pkg/transport"
	"github.com/zeonzip/gurt/pkg/trust"
)

// Options configures a Client. Zero value is usable; unset durations fall
// back to the package defaults.
type Options struct {
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	UserAgent        string

	EnableConnectionPooling bool
	MaxConnectionsPerHost   int

	// MaxRedirects is reserved; redirects are not followed in this
	// version.
	MaxRedirects int

	CustomCACertificates []string // extra PEM trust anchors
	InsecureSkipVerify   bool     // testing escape hatch only

	DNSServerIP   string
	DNSServerPort int

	// Dialer overrides the default net.Dialer, e.g. to route through a
	// SOCKS5 proxy via golang.org/x/net/proxy.
	Dialer proxy.Dialer

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = constants.DefaultConnectionTimeout
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = constants.DefaultRequestTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = "GURT-Client/" + constants.Version
	}
	if o.MaxConnectionsPerHost == 0 {
		o.MaxConnectionsPerHost = constants.MaxConnectionsPerHost
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Response is the result of a completed request, plus timing metadata.
type Response struct {
	*message.Response
	Metrics timing.Metrics
}

// dnsCache maps hostname to resolved IPv4 literal. No TTL; entries live
// for the Client's lifetime.
type dnsCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newDNSCache() *dnsCache {
	return &dnsCache{entries: make(map[string]string)}
}

func (c *dnsCache) get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[name]
	return v, ok
}

func (c *dnsCache) set(name, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = ip
}

// Resolver is implemented by pkg/resolver.Client so this package can issue
// name lookups without importing it directly (it would be a cycle: the
// resolver is itself a specialization of Client).
type Resolver interface {
	ResolveA(ctx context.Context, domain string) (string, error)
}

// Client is a GURT client: pool + trust config + DNS cache + optional
// resolver.
type Client struct {
	opts       Options
	tlsConfig  *tls.Config
	pool       *transport.Pool
	dns        *dnsCache
	resolver   Resolver
	dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds a Client, assembling its TLS trust bundle from the OS store
// plus any CustomCACertificates.
func New(opts Options, resolver Resolver) (*Client, error) {
	opts = opts.withDefaults()

	cfg, err := trust.BuildClient(opts.CustomCACertificates)
	if err != nil {
		return nil, err
	}
	if opts.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}

	c := &Client{
		opts:      opts,
		tlsConfig: cfg,
		dns:       newDNSCache(),
		resolver:  resolver,
	}
	if opts.EnableConnectionPooling {
		c.pool = transport.NewPool(transport.PoolConfig{
			MaxConnectionsPerHost: opts.MaxConnectionsPerHost,
			IdleTimeout:           constants.PoolIdleTimeout,
		})
	}

	if opts.Dialer != nil {
		d := opts.Dialer
		c.dialerFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}
	} else {
		nd := &net.Dialer{Timeout: opts.ConnectTimeout}
		c.dialerFunc = nd.DialContext
	}

	return c, nil
}

// Close shuts down the connection pool.
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Stats reports connection pool occupancy.
func (c *Client) Stats() transport.Stats {
	if c.pool == nil {
		return transport.Stats{}
	}
	return c.pool.Stats()
}

// ParsedURL is the decomposed form of a gurt:// URL.
type ParsedURL struct {
	Host string
	Port int
	Path string
}

// ParseURL accepts gurt://host[:port][/path[?query]]. Missing path
// defaults to "/".
func ParseURL(raw string) (*ParsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, gurterrors.NewInvalidMessageError("invalid URL: " + err.Error())
	}
	if u.Scheme != "gurt" {
		return nil, gurterrors.NewInvalidMessageError("URL must use gurt:// scheme")
	}
	host := u.Hostname()
	if host == "" {
		return nil, gurterrors.NewInvalidMessageError("URL must have a host")
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	port := constants.DefaultPort
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, gurterrors.NewInvalidMessageError("invalid port: " + p)
		}
		port = n
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return &ParsedURL{Host: host, Port: port, Path: path}, nil
}

func isLiteralIP(host string) bool {
	return net.ParseIP(host) != nil
}

// resolve turns a hostname into a dialable IPv4 literal. Literal IPs and
// "localhost" short-circuit; otherwise check the cache, then fall back to
// the configured resolver.
func (c *Client) resolve(ctx context.Context, host string) (string, error) {
	if host == "localhost" {
		return "127.0.0.1", nil
	}
	if isLiteralIP(host) {
		return host, nil
	}
	if ip, ok := c.dns.get(host); ok {
		return ip, nil
	}
	if c.resolver == nil {
		return "", gurterrors.NewInvalidMessageError("no resolver configured for host: " + host)
	}
	ip, err := c.resolver.ResolveA(ctx, host)
	if err != nil {
		return "", err
	}
	c.dns.set(host, ip)
	return ip, nil
}

// acquire returns a ready TLS connection for (host,port): from the pool if
// one is idle and fresh, otherwise dials and performs the plaintext
// handshake plus TLS upgrade. tm, when non-nil, records the name-resolution,
// connect and upgrade phases.
func (c *Client) acquire(ctx context.Context, host string, port int, tm *timing.Timer) (*tls.Conn, error) {
	if c.pool != nil {
		if conn := c.pool.Acquire(host, port); conn != nil {
			return conn, nil
		}
	}

	if tm != nil {
		tm.StartDNS()
	}
	ip, err := c.resolve(ctx, host)
	if tm != nil {
		tm.EndDNS()
	}
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	if tm != nil {
		tm.StartTCP()
	}
	rawConn, err := c.dialerFunc(dialCtx, "tcp", addr)
	if tm != nil {
		tm.EndTCP()
	}
	if err != nil {
		if dialCtx.Err() != nil {
			return nil, gurterrors.NewTimeoutError("connect", c.opts.ConnectTimeout)
		}
		return nil, gurterrors.NewConnectionError(host, port, "failed to connect", err)
	}

	if tm != nil {
		tm.StartTLS()
	}
	tlsConn, err := transport.ClientHandshake(ctx, rawConn, host, c.opts.UserAgent, c.tlsConfig, c.opts.HandshakeTimeout)
	if tm != nil {
		tm.EndTLS()
	}
	if err != nil {
		rawConn.Close()
		c.opts.Logger.Warn("handshake failed", "host", host, "port", port, "error", err)
		return nil, err
	}
	if c.pool != nil {
		c.pool.Register(host, port)
	}
	return tlsConn, nil
}

func (c *Client) release(host string, port int, conn *tls.Conn, ok bool) {
	if c.pool == nil {
		conn.Close()
		return
	}
	if ok {
		c.pool.Release(host, port, conn)
	} else {
		c.pool.Discard(host, port, conn)
	}
}

// Send writes req to (host, port) and returns the parsed response, managing
// pool acquire/release around the exchange.
func (c *Client) Send(ctx context.Context, host string, port int, req *message.Request) (*Response, error) {
	m := timing.NewTimer()

	conn, err := c.acquire(ctx, host, port, m)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if _, ok := req.Headers.Get("host"); !ok {
		req.WithHeader("Host", host)
	}
	wire := message.SerializeRequest(req, c.opts.UserAgent)

	if deadline, ok := reqCtx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(wire); err != nil {
		c.release(host, port, conn, false)
		return nil, gurterrors.NewConnectionError(host, port, "write failed", err)
	}

	// The TTFB phase recorded here ends once the whole response frame has
	// been read, not at its first byte.
	m.StartTTFB()
	br := bufio.NewReader(conn)
	// A HEAD response carries the GET's Content-Length but no body bytes,
	// so only its head is read.
	var buf []byte
	if req.Method == message.MethodHEAD {
		buf, err = transport.ReadFrameHead(reqCtx, br, c.opts.RequestTimeout, 0)
	} else {
		buf, err = transport.ReadEncryptedFrame(reqCtx, br, c.opts.RequestTimeout, 0)
	}
	m.EndTTFB()
	if err != nil {
		c.release(host, port, conn, false)
		return nil, err
	}

	_, resp, err := message.Parse(buf)
	if err != nil || resp == nil {
		c.release(host, port, conn, false)
		return nil, gurterrors.NewInvalidMessageError("failed to parse response")
	}

	c.release(host, port, conn, true)
	return &Response{Response: resp, Metrics: m.GetMetrics()}, nil
}

// ChunkFunc receives each body chunk as it streams in; returning false
// cancels the download.
type ChunkFunc func(chunk []byte) bool

// Stream issues req and invokes onHead once headers are available, then
// onChunk for each piece of the body as it arrives. Returning false from
// onChunk closes (and does not pool) the connection and returns a
// Cancelled error.
func (c *Client) Stream(ctx context.Context, host string, port int, req *message.Request, onHead func(*message.Head), onChunk ChunkFunc) error {
	conn, err := c.acquire(ctx, host, port, nil)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	if _, ok := req.Headers.Get("host"); !ok {
		req.WithHeader("Host", host)
	}
	wire := message.SerializeRequest(req, c.opts.UserAgent)
	if deadline, ok := reqCtx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(wire); err != nil {
		c.release(host, port, conn, false)
		return gurterrors.NewConnectionError(host, port, "write failed", err)
	}

	br := bufio.NewReader(conn)
	buf, err := transport.ReadFrameHead(reqCtx, br, c.opts.RequestTimeout, 0)
	if err != nil {
		c.release(host, port, conn, false)
		return err
	}

	head, _, err := message.ParseHead(buf)
	if err != nil {
		c.release(host, port, conn, false)
		return err
	}
	if onHead != nil {
		onHead(head)
	}

	if deadline, ok := reqCtx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	cl := head.ContentLength()
	read := 0
	reusable := true
	chunk := make([]byte, 32*1024)
	for cl < 0 || read < cl {
		n, err := br.Read(chunk)
		if n > 0 {
			piece := chunk[:n]
			if cl >= 0 && read+n > cl {
				piece = piece[:cl-read]
			}
			if onChunk != nil && !onChunk(piece) {
				c.release(host, port, conn, false)
				return gurterrors.NewCancelledError("stream")
			}
			read += len(piece)
		}
		if err != nil {
			if cl < 0 {
				// EOF with no Content-Length: what was read is the body,
				// but the connection is spent.
				reusable = false
				break
			}
			c.release(host, port, conn, false)
			if gurterrors.IsTimeoutError(err) {
				return gurterrors.NewTimeoutError("stream", c.opts.RequestTimeout)
			}
			return gurterrors.NewConnectionError(host, port, "short read during stream", err)
		}
	}

	_ = conn.SetReadDeadline(time.Time{})
	c.release(host, port, conn, reusable)
	return nil
}

// Download issues a GET for rawURL and collects the body into a buffer.Buffer,
// spilling to disk past memLimit bytes rather than growing an in-memory byte
// slice without bound. It is the large-response counterpart to Get, built on
// top of Stream so the same pool/cancellation semantics apply.
func (c *Client) Download(ctx context.Context, rawURL string, memLimit int64) (*buffer.Buffer, *message.Head, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	req := message.NewRequest(message.MethodGET, u.Path)

	buf := buffer.New(memLimit)
	var head *message.Head
	err = c.Stream(ctx, u.Host, u.Port, req,
		func(h *message.Head) { head = h },
		func(chunk []byte) bool {
			_, werr := buf.Write(chunk)
			return werr == nil
		},
	)
	if err != nil {
		buf.Close()
		return nil, nil, err
	}
	return buf, head, nil
}

// --- per-method convenience wrappers ---

func (c *Client) do(ctx context.Context, method message.Method, rawURL string, body []byte, contentType string) (*Response, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	req := message.NewRequest(method, u.Path)
	if contentType != "" {
		req.WithHeader("Content-Type", contentType)
	}
	if body != nil {
		req.WithBody(body)
	}
	return c.Send(ctx, u.Host, u.Port, req)
}

func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, message.MethodGET, rawURL, nil, "")
}

func (c *Client) Head(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, message.MethodHEAD, rawURL, nil, "")
}

func (c *Client) Options(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, message.MethodOPTIONS, rawURL, nil, "")
}

func (c *Client) Delete(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, message.MethodDELETE, rawURL, nil, "")
}

func (c *Client) Post(ctx context.Context, rawURL string, body []byte, contentType string) (*Response, error) {
	return c.do(ctx, message.MethodPOST, rawURL, body, contentType)
}

func (c *Client) Put(ctx context.Context, rawURL string, body []byte, contentType string) (*Response, error) {
	return c.do(ctx, message.MethodPUT, rawURL, body, contentType)
}

func (c *Client) Patch(ctx context.Context, rawURL string, body []byte, contentType string) (*Response, error) {
	return c.do(ctx, message.MethodPATCH, rawURL, body, contentType)
}

func (c *Client) doJSON(ctx context.Context, method message.Method, rawURL string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, gurterrors.NewSerializationError("failed to encode JSON body", err)
	}
	return c.do(ctx, method, rawURL, body, "application/json")
}

// PostJSON/PutJSON/PatchJSON serialize v and set
// Content-Type: application/json.
func (c *Client) PostJSON(ctx context.Context, rawURL string, v any) (*Response, error) {
	return c.doJSON(ctx, message.MethodPOST, rawURL, v)
}

func (c *Client) PutJSON(ctx context.Context, rawURL string, v any) (*Response, error) {
	return c.doJSON(ctx, message.MethodPUT, rawURL, v)
}

func (c *Client) PatchJSON(ctx context.Context, rawURL string, v any) (*Response, error) {
	return c.doJSON(ctx, message.MethodPATCH, rawURL, v)
}
