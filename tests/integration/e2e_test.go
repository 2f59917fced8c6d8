// Package integration exercises the full GURT stack end-to-end: a real
// server bound to a loopback port, a real client dialing it, the plaintext
// handshake, the TLS upgrade, and request dispatch.
package integration

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/zeonzip/gurt/pkg/client"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/resolver"
	"github.com/zeonzip/gurt/pkg/security"
	"github.com/zeonzip/gurt/pkg/server"
)

func generateLoopbackCert(t *testing.T, extraNames ...string) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		DNSNames:              append([]string{"localhost"}, extraNames...),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
}

// newTestServer starts a GURT server on an ephemeral loopback port and
// returns its port plus a teardown func.
func newTestServer(t *testing.T, sec security.Config, register func(s *server.Server), certNames ...string) (port int, certPEM []byte, shutdown func()) {
	t.Helper()
	certPEM, keyPEM := generateLoopbackCert(t, certNames...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(portStr)
	ln.Close()

	srv, err := server.New(server.Config{
		Host:     "127.0.0.1",
		Port:     port,
		CertPEM:  certPEM,
		KeyPEM:   keyPEM,
		Security: sec,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	time.Sleep(50 * time.Millisecond)

	return port, certPEM, func() { cancel(); srv.Close() }
}

func newTestClient(t *testing.T, certPEM []byte) *client.Client {
	t.Helper()
	c, err := client.New(client.Options{
		EnableConnectionPooling: true,
		CustomCACertificates:    []string{string(certPEM)},
		ConnectTimeout:          2 * time.Second,
		HandshakeTimeout:        2 * time.Second,
		RequestTimeout:          2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return c
}

// Plaintext handshake followed by a GET over the upgraded TLS connection.
func TestHandshakeThenGET(t *testing.T) {
	port, certPEM, shutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Get("/hello", func(_ context.Context, _ *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK).WithBody([]byte("hi")), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	resp, err := c.Get(context.Background(), "gurt://127.0.0.1:"+strconv.Itoa(port)+"/hello")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != message.StatusOK {
		t.Fatalf("expected 200, got %d %s", resp.StatusCode, resp.StatusMessage)
	}
	if string(resp.Body) != "hi" {
		t.Fatalf("expected body %q, got %q", "hi", resp.Body)
	}
	if cl, _ := resp.Headers.Get("content-length"); cl != "2" {
		t.Fatalf("expected content-length 2, got %q", cl)
	}
}

// After the configured number of admissions, further requests within the
// window are rejected with 429 and Retry-After: 60.
func TestRateLimitRejectsAfterThreshold(t *testing.T) {
	port, certPEM, shutdown := newTestServer(t, security.Config{RateLimitRequests: 3}, func(s *server.Server) {
		s.Get("/x", func(_ context.Context, _ *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	url := "gurt://127.0.0.1:" + strconv.Itoa(port) + "/x"
	for i := 0; i < 3; i++ {
		resp, err := c.Get(context.Background(), url)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if resp.StatusCode != message.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp, err := c.Get(context.Background(), url)
	if err != nil {
		t.Fatalf("4th request: %v", err)
	}
	if resp.StatusCode != message.StatusTooManyRequests {
		t.Fatalf("expected 429 on the 4th request, got %d", resp.StatusCode)
	}
	if ra, _ := resp.Headers.Get("retry-after"); ra != "60" {
		t.Fatalf("expected Retry-After: 60, got %q", ra)
	}
}

// A wildcard route matches a nested path; an unrelated path 404s.
func TestWildcardRouteDispatch(t *testing.T) {
	port, certPEM, shutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Get("/files/*", func(_ context.Context, sc *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK).WithBody([]byte(sc.Path())), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	resp, err := c.Get(context.Background(), "gurt://127.0.0.1:"+strconv.Itoa(port)+"/files/a/b")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != message.StatusOK || string(resp.Body) != "/files/a/b" {
		t.Fatalf("unexpected wildcard dispatch result: %d %q", resp.StatusCode, resp.Body)
	}

	other, err := c.Get(context.Background(), "gurt://127.0.0.1:"+strconv.Itoa(port)+"/other")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if other.StatusCode != message.StatusNotFound {
		t.Fatalf("expected 404 for an unrelated path, got %d", other.StatusCode)
	}
}

// Default OPTIONS surveys every method registered for the path.
func TestDefaultOptionsAllowHeader(t *testing.T) {
	port, certPEM, shutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Get("/x", func(_ context.Context, _ *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK), nil
		})
		s.Post("/x", func(_ context.Context, _ *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	resp, err := c.Options(context.Background(), "gurt://127.0.0.1:"+strconv.Itoa(port)+"/x")
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	if allow, _ := resp.Headers.Get("allow"); allow != "GET, OPTIONS, POST" {
		t.Fatalf("expected Allow: GET, OPTIONS, POST, got %q", allow)
	}
}

// PostJSON serializes the value, sets the JSON content type, and the body
// round-trips through a handler that echoes it back.
func TestPostJSONSerializesAndRoundTrips(t *testing.T) {
	port, certPEM, shutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Post("/echo", func(_ context.Context, sc *server.Context) (*message.Response, error) {
			ct, _ := sc.Header("content-type")
			return message.NewResponse(message.StatusOK).
				WithHeader("X-Received-Content-Type", ct).
				WithBody(sc.Body()), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	resp, err := c.PostJSON(context.Background(), "gurt://127.0.0.1:"+strconv.Itoa(port)+"/echo",
		map[string]string{"domain": "app.web"})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if ct, _ := resp.Headers.Get("x-received-content-type"); ct != "application/json" {
		t.Fatalf("expected the JSON content type to be set, got %q", ct)
	}
	if string(resp.Body) != `{"domain":"app.web"}` {
		t.Fatalf("unexpected echoed body: %s", resp.Body)
	}
}

// Stream delivers the head first, then the body incrementally; the chunk
// callback returning false aborts with a Cancelled error.
func TestStreamDeliversBodyAndSupportsCancellation(t *testing.T) {
	big := make([]byte, 256*1024)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	port, certPEM, shutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Get("/big", func(_ context.Context, _ *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK).WithBody(big), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	var gotHead *message.Head
	var got []byte
	req := message.NewRequest(message.MethodGET, "/big")
	err := c.Stream(context.Background(), "127.0.0.1", port, req,
		func(h *message.Head) { gotHead = h },
		func(chunk []byte) bool { got = append(got, chunk...); return true })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if gotHead == nil || gotHead.StatusCode != message.StatusOK {
		t.Fatalf("expected the head callback to fire with a 200, got %+v", gotHead)
	}
	if len(got) != len(big) {
		t.Fatalf("expected the full body to stream through, got %d of %d bytes", len(got), len(big))
	}

	cancelReq := message.NewRequest(message.MethodGET, "/big")
	err = c.Stream(context.Background(), "127.0.0.1", port, cancelReq,
		nil,
		func(chunk []byte) bool { return false })
	if gurterrors.GetErrorType(err) != gurterrors.ErrorTypeCancelled {
		t.Fatalf("expected a Cancelled error after the chunk callback declined, got %v", err)
	}
}

// A client configured with a resolver address resolves a non-literal host
// through POST /resolve-full, then connects to the resolved IP while
// keeping the original name in the Host header.
func TestResolverIntegration(t *testing.T) {
	resolverPort, resolverCertPEM, resolverShutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Post("/resolve-full", func(_ context.Context, sc *server.Context) (*message.Response, error) {
			var in struct {
				Domain string `json:"domain"`
			}
			if err := json.Unmarshal(sc.Body(), &in); err != nil || in.Domain != "app.web" {
				return message.NewResponse(message.StatusBadRequest), nil
			}
			return message.NewResponse(message.StatusOK).
				WithHeader("Content-Type", "application/json").
				WithBody([]byte(`{"name":"app","tld":"web","records":[{"type":"A","value":"127.0.0.1","ttl":300,"name":"@"}]}`)), nil
		})
	})
	defer resolverShutdown()

	var seenHost string
	originPort, originCertPEM, originShutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Get("/", func(_ context.Context, sc *server.Context) (*message.Response, error) {
			seenHost, _ = sc.Header("host")
			return message.NewResponse(message.StatusOK).WithBody([]byte("resolved")), nil
		})
	}, "app.web")
	defer originShutdown()

	res, err := resolver.New("127.0.0.1", resolverPort, client.Options{
		CustomCACertificates: []string{string(resolverCertPEM)},
		ConnectTimeout:       2 * time.Second,
		HandshakeTimeout:     2 * time.Second,
		RequestTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	defer res.Close()

	c, err := client.New(client.Options{
		EnableConnectionPooling: true,
		CustomCACertificates:    []string{string(originCertPEM)},
		ConnectTimeout:          2 * time.Second,
		HandshakeTimeout:        2 * time.Second,
		RequestTimeout:          2 * time.Second,
	}, res)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	defer c.Close()

	resp, err := c.Get(context.Background(), "gurt://app.web:"+strconv.Itoa(originPort)+"/")
	if err != nil {
		t.Fatalf("GET via resolver: %v", err)
	}
	if string(resp.Body) != "resolved" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if seenHost != "app.web" {
		t.Fatalf("expected the origin to see Host: app.web, got %q", seenHost)
	}
}

// HEAD on a registered GET route returns the same headers (including
// Content-Length) and an empty body.
func TestHeadMirrorsGetHeadersWithEmptyBody(t *testing.T) {
	port, certPEM, shutdown := newTestServer(t, security.Config{}, func(s *server.Server) {
		s.Get("/doc", func(_ context.Context, _ *server.Context) (*message.Response, error) {
			return message.NewResponse(message.StatusOK).WithBody([]byte("document body")), nil
		})
	})
	defer shutdown()

	c := newTestClient(t, certPEM)
	defer c.Close()

	resp, err := c.Head(context.Background(), "gurt://127.0.0.1:"+strconv.Itoa(port)+"/doc")
	if err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	if len(resp.Body) != 0 {
		t.Fatalf("expected an empty HEAD body, got %q", resp.Body)
	}
	if cl, _ := resp.Headers.Get("content-length"); cl != "13" {
		t.Fatalf("expected content-length 13 (from the GET body), got %q", cl)
	}
}
