package server

import (
	"net"
	"strconv"
	"unicode/utf8"

	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
)

// Context is the per-request state passed to handlers: the remote socket
// address and the parsed request, plus derived accessors.
type Context struct {
	RemoteAddr net.Addr
	Request    *message.Request
}

// ClientIP returns the remote peer's IP as a string.
func (c *Context) ClientIP() string {
	host, _, err := net.SplitHostPort(c.RemoteAddr.String())
	if err != nil {
		return c.RemoteAddr.String()
	}
	return host
}

// ClientPort returns the remote peer's port.
func (c *Context) ClientPort() int {
	_, port, err := net.SplitHostPort(c.RemoteAddr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

func (c *Context) Method() message.Method { return c.Request.Method }
func (c *Context) Path() string           { return c.Request.Path }
func (c *Context) Body() []byte           { return c.Request.Body }

// Header looks up a request header case-insensitively.
func (c *Context) Header(name string) (string, bool) {
	return c.Request.Headers.Get(name)
}

// Text returns the body decoded as UTF-8, failing if it is not valid.
func (c *Context) Text() (string, error) {
	if !utf8.Valid(c.Request.Body) {
		return "", gurterrors.NewInvalidMessageError("request body is not valid UTF-8")
	}
	return string(c.Request.Body), nil
}
