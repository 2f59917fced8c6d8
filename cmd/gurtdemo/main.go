// Command gurtdemo stands up a local GURT server with a self-signed leaf
// certificate, then drives a client through the handshake and a couple of
// requests against it. It exists to exercise the stack end-to-end on a
// single machine with no external setup.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zeonzip/gurt/pkg/client"
	"github.com/zeonzip/gurt/pkg/fileserver"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/security"
	"github.com/zeonzip/gurt/pkg/server"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	certPEM, keyPEM, err := selfSignedCert("localhost")
	if err != nil {
		return fmt.Errorf("generating demo certificate: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	srv, err := server.New(server.Config{
		Host:    "127.0.0.1",
		Port:    port,
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
		Security: security.Config{
			RateLimitRequests:    100,
			RateLimitConnections: 50,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	srv.Get("/hello", func(_ context.Context, _ *server.Context) (*message.Response, error) {
		return message.NewResponse(message.StatusOK).
			WithHeader("Content-Type", "text/plain").
			WithBody([]byte("hi")), nil
	})
	srv.Post("/echo", func(_ context.Context, sc *server.Context) (*message.Response, error) {
		return message.NewResponse(message.StatusOK).WithBody(sc.Body()), nil
	})

	staticDir, err := os.MkdirTemp("", "gurtdemo-static-*")
	if err != nil {
		return fmt.Errorf("creating static dir: %w", err)
	}
	defer os.RemoveAll(staticDir)
	if err := os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("<h1>gurt</h1>"), 0o644); err != nil {
		return fmt.Errorf("writing demo static file: %w", err)
	}
	deny := fileserver.NewDenyList([]string{"*.secret"})
	srv.Get("/files/*", func(_ context.Context, sc *server.Context) (*message.Response, error) {
		rel := sc.Path()[len("/files"):]
		resolved, ok := deny.Resolve(staticDir, rel)
		if !ok {
			return message.NewResponse(message.StatusBadRequest), nil
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return message.NewResponse(message.StatusNotFound), nil
		}
		return message.NewResponse(message.StatusOK).WithHeader("Content-Type", "text/html").WithBody(data), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("server exited", "error", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	c, err := client.New(client.Options{
		EnableConnectionPooling: true,
		CustomCACertificates:    []string{string(certPEM)},
		Logger:                  logger,
	}, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	url := fmt.Sprintf("gurt://127.0.0.1:%d/hello", port)
	resp, err := c.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	fmt.Printf("GET %s -> %d %s: %q\n", url, resp.StatusCode, resp.StatusMessage, resp.Body)

	optURL := fmt.Sprintf("gurt://127.0.0.1:%d/hello", port)
	optResp, err := c.Options(ctx, optURL)
	if err != nil {
		return fmt.Errorf("OPTIONS %s: %w", optURL, err)
	}
	allow, _ := optResp.Headers.Get("allow")
	fmt.Printf("OPTIONS %s -> Allow: %s\n", optURL, allow)

	fileURL := fmt.Sprintf("gurt://127.0.0.1:%d/files/index.html", port)
	fileResp, err := c.Get(ctx, fileURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", fileURL, err)
	}
	fmt.Printf("GET %s -> %d %s: %q\n", fileURL, fileResp.StatusCode, fileResp.StatusMessage, fileResp.Body)

	stats := c.Stats()
	fmt.Printf("pool: %s destinations, %s idle, %s active\n",
		humanize.Comma(int64(stats.Destinations)), humanize.Comma(int64(stats.IdleTotal)), humanize.Comma(int64(stats.ActiveTotal)))

	return nil
}

// selfSignedCert builds an ephemeral ECDSA leaf certificate for host, valid
// for one hour, suitable only for demo/local-test purposes.
func selfSignedCert(host string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{host},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
