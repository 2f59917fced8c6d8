// Package gurt is the top-level entry point for the GURT protocol stack: a
// TLS-only application protocol with a plaintext handshake preface. It
// re-exports the core types from the pkg/ subpackages so callers that only
// need a client or a server don't have to reach into the package layout.
package gurt

import (
	"github.com/zeonzip/gurt/pkg/client"
	"github.com/zeonzip/gurt/pkg/constants"
	"github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/resolver"
	"github.com/zeonzip/gurt/pkg/security"
	"github.com/zeonzip/gurt/pkg/server"
)

// Version is the GURT protocol version this module implements.
const Version = constants.Version

// ALPN is the single ALPN identifier GURT pins on every TLS connection.
const ALPN = constants.ALPN

// Re-export key types for easier usage without importing every subpackage.
type (
	// Client is a GURT client engine: pooled connections, name resolution
	// and streaming downloads over TLS.
	Client = client.Client

	// ClientOptions configures a Client.
	ClientOptions = client.Options

	// Response is a completed client request/response exchange plus timing.
	Response = client.Response

	// Request is a GURT request frame (builder form or parsed).
	Request = message.Request

	// Method is a GURT request method.
	Method = message.Method

	// Headers is the case-insensitive header map shared by requests and
	// responses.
	Headers = message.Headers

	// StatusCode is a GURT response status.
	StatusCode = message.StatusCode

	// Server is the GURT server engine: route table, dispatch, and the
	// per-connection request loop.
	Server = server.Server

	// ServerConfig is the per-instance server configuration surface.
	ServerConfig = server.Config

	// ServerContext is the per-request context passed to handlers.
	ServerContext = server.Context

	// Handler processes a request and returns a response or an error.
	Handler = server.Handler

	// SecurityConfig is the security middleware configuration surface.
	SecurityConfig = security.Config

	// Resolver is a GURT name-resolver client (the /resolve-full
	// specialization of Client).
	Resolver = resolver.Client

	// Error is the structured error type shared across the stack.
	Error = errors.Error

	// ErrorType classifies an Error.
	ErrorType = errors.ErrorType
)

// Re-export the method constants for convenience.
const (
	MethodGET       = message.MethodGET
	MethodPOST      = message.MethodPOST
	MethodPUT       = message.MethodPUT
	MethodDELETE    = message.MethodDELETE
	MethodHEAD      = message.MethodHEAD
	MethodOPTIONS   = message.MethodOPTIONS
	MethodPATCH     = message.MethodPATCH
	MethodHANDSHAKE = message.MethodHANDSHAKE
)

// NewClient builds a GURT client, optionally wired to a name-resolver
// client for non-literal hosts (pass nil when every host reached is a
// literal IP or "localhost").
func NewClient(opts ClientOptions, res *Resolver) (*Client, error) {
	return client.New(opts, res)
}

// NewResolver builds a name-resolver client bootstrapped with a literal
// resolver IP:port.
func NewResolver(ip string, port int, opts ClientOptions) (*Resolver, error) {
	return resolver.New(ip, port, opts)
}

// NewServer validates cfg, builds its TLS configuration, and returns a
// Server ready to have routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	return server.New(cfg)
}
