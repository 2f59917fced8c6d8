// Package server implements the GURT server engine: the route table,
// handler dispatch, the per-connection request loop, and the default
// OPTIONS/HEAD handlers.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/zeonzip/gurt/pkg/constants"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/security"
	"github.com/zeonzip/gurt/pkg/tlsconfig"
	"github.com/zeonzip/gurt/pkg/transport"
	"github.com/zeonzip/gurt/pkg/trust"
)

// Handler processes a request and returns a response, or an error which the
// engine logs and converts to a 500.
type Handler func(ctx context.Context, sc *Context) (*message.Response, error)

// Route is (optional method, path-pattern, handler). A nil Method matches
// any method.
type Route struct {
	Method  *message.Method
	Pattern string
	Handler Handler
}

// Matches reports whether method/path satisfy this route: method matches
// (or the route is method-wildcard) and path is either literally equal to
// Pattern or, for a trailing-* pattern, starts with the pattern's prefix.
func (r Route) Matches(method message.Method, path string) bool {
	if r.Method != nil && *r.Method != method {
		return false
	}
	return matchPath(r.Pattern, path)
}

func matchPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	}
	return pattern == path
}

// Config is the per-instance server configuration surface.
type Config struct {
	Host string
	Port int

	CertPEM []byte
	KeyPEM  []byte

	MaxMessageSize int // 0 uses constants.MaxMessageSize

	// MaxMessageSizeHuman accepts a human-readable size ("10MB", "512KB")
	// and, if set, overrides MaxMessageSize once parsed.
	MaxMessageSizeHuman string

	// MaxConnections caps concurrently served connections across all
	// clients; 0 means unlimited. Connections past the cap are closed at
	// accept.
	MaxConnections int

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	// ConnectionTimeout, when set, bounds the total lifetime of a single
	// connection from accept to close.
	ConnectionTimeout time.Duration

	Security security.Config

	// ErrorPages maps a status code to literal HTML, or to a file path
	// prefixed with "/" or "./" whose contents are served instead.
	ErrorPages map[int]string

	// Headers are appended to every outgoing response.
	Headers map[string]string

	ServerBanner string // defaults to "GURT/<version>"

	Logger *slog.Logger
}

func (c *Config) withDefaults() error {
	if c.MaxMessageSizeHuman != "" {
		n, err := humanize.ParseBytes(c.MaxMessageSizeHuman)
		if err != nil {
			return gurterrors.NewInvalidMessageError("invalid server.max_message_size: " + err.Error())
		}
		c.MaxMessageSize = int(n)
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = constants.MaxMessageSize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = constants.DefaultRequestTimeout
	}
	if c.ServerBanner == "" {
		c.ServerBanner = "GURT/" + constants.Version
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Server is the GURT server engine.
type Server struct {
	cfg       Config
	routes    []Route
	tlsConfig *tls.Config
	sec       *security.Middleware
	listener  net.Listener
	connSem   chan struct{} // nil when MaxConnections is unlimited
}

// New validates cfg, builds the server TLS configuration, and returns a
// Server ready to have routes registered.
func New(cfg Config) (*Server, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	tlsConfig, err := trust.BuildServer(cfg.CertPEM, cfg.KeyPEM)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("server configured",
		"max_message_size", humanize.Bytes(uint64(cfg.MaxMessageSize)))
	s := &Server{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		sec:       security.New(cfg.Security),
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}
	return s, nil
}

func methodPtr(m message.Method) *message.Method { return &m }

func (s *Server) register(method message.Method, pattern string, h Handler) {
	s.routes = append(s.routes, Route{Method: methodPtr(method), Pattern: pattern, Handler: h})
}

func (s *Server) Get(pattern string, h Handler)     { s.register(message.MethodGET, pattern, h) }
func (s *Server) Post(pattern string, h Handler)    { s.register(message.MethodPOST, pattern, h) }
func (s *Server) Put(pattern string, h Handler)     { s.register(message.MethodPUT, pattern, h) }
func (s *Server) Delete(pattern string, h Handler)  { s.register(message.MethodDELETE, pattern, h) }
func (s *Server) Head(pattern string, h Handler)    { s.register(message.MethodHEAD, pattern, h) }
func (s *Server) Options(pattern string, h Handler) { s.register(message.MethodOPTIONS, pattern, h) }
func (s *Server) Patch(pattern string, h Handler)   { s.register(message.MethodPATCH, pattern, h) }

// Any registers a route matching every method.
func (s *Server) Any(pattern string, h Handler) {
	s.routes = append(s.routes, Route{Method: nil, Pattern: pattern, Handler: h})
}

// ListenAndServe binds cfg.Host:cfg.Port and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return gurterrors.NewConnectionError(s.cfg.Host, s.cfg.Port, "failed to bind", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.cfg.Logger.Warn("accept failed", "error", err)
				continue
			}
		}
		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				s.cfg.Logger.Warn("connection cap reached, dropping", "remote_addr", conn.RemoteAddr().String())
				conn.Close()
				continue
			}
		}
		go func() {
			defer func() {
				if s.connSem != nil {
					<-s.connSem
				}
			}()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	log := s.cfg.Logger.With("conn_id", connID, "remote_addr", conn.RemoteAddr().String())

	ip := clientIP(conn.RemoteAddr())
	s.sec.RegisterConnection(ip)
	defer s.sec.UnregisterConnection(ip)

	if s.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
		defer cancel()
	}

	tlsConn, err := transport.ServerHandshake(ctx, conn, s.tlsConfig, s.cfg.HandshakeTimeout, s.cfg.ServerBanner)
	if err != nil {
		log.Debug("handshake failed", "error", err)
		return
	}
	defer tlsConn.Close()

	state := tlsConn.ConnectionState()
	log.Info("connection established",
		"tls_version", tlsconfig.GetVersionName(state.Version),
		"cipher_suite", tlsconfig.GetCipherSuiteName(state.CipherSuite))
	br := bufio.NewReader(tlsConn)

	for {
		buf, err := transport.ReadEncryptedFrame(ctx, br, s.cfg.RequestTimeout, s.cfg.MaxMessageSize)
		if err != nil {
			if err == io.EOF {
				log.Debug("connection closed by peer without TLS close_notify, treating as graceful shutdown")
				return
			}
			if gurterrors.GetErrorType(err) == gurterrors.ErrorTypeTimeout {
				log.Debug("request timeout, closing connection")
				return
			}
			// Parse/IO failure on inbound traffic: best-effort 400, then close.
			resp := s.finalize(message.NewResponse(message.StatusBadRequest))
			s.writeResponse(tlsConn, resp)
			return
		}

		req, _, parseErr := message.Parse(buf)
		if parseErr != nil || req == nil {
			resp := s.finalize(message.NewResponse(message.StatusBadRequest))
			s.writeResponse(tlsConn, resp)
			return
		}

		if req.Method == message.MethodHANDSHAKE {
			log.Warn("HANDSHAKE received over TLS, closing")
			return
		}

		resp := s.dispatch(ctx, &Context{RemoteAddr: conn.RemoteAddr(), Request: req}, ip, log)
		s.writeResponse(tlsConn, resp)
	}
}

func clientIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.IPv4zero
	}
	return net.ParseIP(host)
}

func (s *Server) writeResponse(conn *tls.Conn, resp *message.Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.RequestTimeout))
	wire := message.SerializeResponse(resp, s.cfg.ServerBanner)
	_, _ = conn.Write(wire)
	_ = conn.SetWriteDeadline(time.Time{})
}

// dispatch runs the security checks, then route matching and the default
// OPTIONS/HEAD fallbacks.
func (s *Server) dispatch(ctx context.Context, sc *Context, ip net.IP, log *slog.Logger) *message.Response {
	if !s.sec.IsMethodAllowed(sc.Request.Method) {
		return s.finalize(security.MethodNotAllowedResponse())
	}
	if !s.sec.CheckRateLimit(ip) {
		return s.finalize(security.RateLimitResponse())
	}
	if !s.sec.CheckConnectionLimit(ip) {
		return s.finalize(security.RateLimitResponse())
	}

	if route, ok := s.findRoute(sc.Request.Method, sc.Request.Path); ok {
		resp, err := route.Handler(ctx, sc)
		if err != nil {
			log.Error("handler error", "error", err, "path", sc.Request.Path)
			return s.finalize(message.NewResponse(message.StatusInternalServerError))
		}
		return s.finalize(resp)
	}

	if sc.Request.Method == message.MethodOPTIONS {
		return s.finalize(s.defaultOptions(sc.Request.Path))
	}
	if sc.Request.Method == message.MethodHEAD {
		if resp, ok := s.defaultHead(ctx, sc); ok {
			return s.finalize(resp)
		}
		return s.finalize(message.NewResponse(message.StatusNotFound))
	}

	return s.finalize(message.NewResponse(message.StatusNotFound))
}

func (s *Server) findRoute(method message.Method, path string) (Route, bool) {
	for _, r := range s.routes {
		if r.Matches(method, path) {
			return r, true
		}
	}
	return Route{}, false
}

// defaultOptions surveys every route matching path across all methods,
// always includes OPTIONS, sorts, and returns the Allow header plus
// permissive CORS-style headers.
func (s *Server) defaultOptions(path string) *message.Response {
	set := map[string]bool{"OPTIONS": true}
	for _, r := range s.routes {
		if !matchPath(r.Pattern, path) {
			continue
		}
		if r.Method == nil {
			for _, m := range []message.Method{message.MethodGET, message.MethodPOST, message.MethodPUT, message.MethodDELETE, message.MethodHEAD, message.MethodPATCH} {
				set[string(m)] = true
			}
			continue
		}
		set[string(*r.Method)] = true
	}
	methods := make([]string, 0, len(set))
	for m := range set {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	return message.NewResponse(message.StatusOK).
		WithHeader("Allow", strings.Join(methods, ", ")).
		WithHeader("Access-Control-Allow-Origin", "*").
		WithHeader("Access-Control-Allow-Methods", strings.Join(methods, ", "))
}

// defaultHead finds a matching GET route, invokes it, empties the body but
// retains the original Content-Length header. Does not fall back to any
// other method if no GET route matches.
func (s *Server) defaultHead(ctx context.Context, sc *Context) (*message.Response, bool) {
	get := message.MethodGET
	for _, r := range s.routes {
		if r.Method != nil && *r.Method != get {
			continue
		}
		if !matchPath(r.Pattern, sc.Request.Path) {
			continue
		}
		resp, err := r.Handler(ctx, sc)
		if err != nil {
			return message.NewResponse(message.StatusInternalServerError), true
		}
		cl, _ := resp.Headers.Get("content-length")
		if cl == "" {
			cl = strconv.Itoa(len(resp.Body))
		}
		resp.Body = nil
		resp.Headers.Set("Content-Length", cl)
		return resp, true
	}
	return nil, false
}

// finalize applies the custom error-page table for 4xx/5xx responses and
// appends global headers.
func (s *Server) finalize(resp *message.Response) *message.Response {
	if resp.StatusCode.IsClientError() || resp.StatusCode.IsServerError() {
		if page, ok := s.cfg.ErrorPages[int(resp.StatusCode)]; ok {
			if body, ok := loadErrorPage(page); ok {
				resp.Body = body
				if _, has := resp.Headers.Get("content-type"); !has {
					resp.Headers.Set("Content-Type", "text/html")
				}
				resp.Headers.Set("Content-Length", strconv.Itoa(len(body)))
			}
		}
	}
	return s.applyGlobalHeaders(resp)
}

// loadErrorPage resolves an error-page entry: a "/"- or "./"-prefixed value
// is a file path to read, anything else is literal HTML. An unreadable file
// leaves the original response body untouched.
func loadErrorPage(page string) ([]byte, bool) {
	if strings.HasPrefix(page, "/") || strings.HasPrefix(page, "./") {
		data, err := os.ReadFile(page)
		if err != nil {
			return nil, false
		}
		return data, true
	}
	return []byte(page), true
}

func (s *Server) applyGlobalHeaders(resp *message.Response) *message.Response {
	for k, v := range s.cfg.Headers {
		if _, has := resp.Headers.Get(k); !has {
			resp.Headers.Set(k, v)
		}
	}
	return resp
}
