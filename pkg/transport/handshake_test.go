package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/zeonzip/gurt/pkg/constants"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
	"github.com/zeonzip/gurt/pkg/trust"
)

func serverTLSConfig(t *testing.T) *tls.Config {
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
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	cfg, err := trust.BuildServer(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// The server emits a 101 with the upgrade headers before the TLS accept
// begins.
func TestServerHandshakeEmits101WithUpgradeHeaders(t *testing.T) {
	sc := serverTLSConfig(t)
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(context.Background(), serverEnd, sc, 2*time.Second, "GURT/"+constants.Version)
		done <- err
	}()

	req := message.NewRequest(message.MethodHANDSHAKE, "/").
		WithHeader("Host", "localhost").
		WithHeader("User-Agent", "t")
	if _, err := clientEnd.Write(message.SerializeRequest(req, "t")); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	clientEnd.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 256)
	for !strings.Contains(string(buf), constants.BodySeparator) {
		n, err := clientEnd.Read(tmp)
		if err != nil {
			t.Fatalf("read 101: %v", err)
		}
		buf = append(buf, tmp[:n]...)
	}

	head, _, err := message.ParseHead(buf)
	if err != nil {
		t.Fatalf("parse 101: %v", err)
	}
	if head.StatusCode != message.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", head.StatusCode)
	}
	if v, _ := head.Headers.Get("gurt-version"); v != constants.Version {
		t.Fatalf("expected gurt-version %s, got %q", constants.Version, v)
	}
	if v, _ := head.Headers.Get("encryption"); v != constants.TLSVersionName {
		t.Fatalf("expected encryption %s, got %q", constants.TLSVersionName, v)
	}
	if v, _ := head.Headers.Get("alpn"); v != constants.ALPN {
		t.Fatalf("expected alpn %s, got %q", constants.ALPN, v)
	}

	// Abort the TLS accept; only the plaintext phase is under test here.
	clientEnd.Close()
	<-done
}

// Anything other than a HANDSHAKE request on a fresh connection is a
// protocol violation and the connection is refused.
func TestServerHandshakeRejectsNonHandshakeFirstFrame(t *testing.T) {
	sc := serverTLSConfig(t)
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(context.Background(), serverEnd, sc, 2*time.Second, "GURT/"+constants.Version)
		done <- err
	}()

	req := message.NewRequest(message.MethodGET, "/early").WithHeader("Host", "localhost")
	if _, err := clientEnd.Write(message.SerializeRequest(req, "t")); err != nil {
		t.Fatalf("write: %v", err)
	}

	err := <-done
	if gurterrors.GetErrorType(err) != gurterrors.ErrorTypeProtocol {
		t.Fatalf("expected a protocol error for a pre-handshake GET, got %v", err)
	}
}

// The client rejects a handshake response whose status is not 101.
func TestClientHandshakeRejectsNon101(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	go func() {
		// Drain the HANDSHAKE request, then answer with a 200.
		buf := make([]byte, 0, 1024)
		tmp := make([]byte, 256)
		for !strings.Contains(string(buf), constants.BodySeparator) {
			n, err := serverEnd.Read(tmp)
			if err != nil {
				return
			}
			buf = append(buf, tmp[:n]...)
		}
		resp := message.NewResponse(message.StatusOK)
		serverEnd.Write(message.SerializeResponse(resp, "GURT/"+constants.Version))
	}()

	cfg, err := trust.BuildClient(nil)
	if err != nil {
		t.Skipf("no system trust store available: %v", err)
	}
	_, err = ClientHandshake(context.Background(), clientEnd, "localhost", "t", cfg, 2*time.Second)
	if gurterrors.GetErrorType(err) != gurterrors.ErrorTypeHandshake {
		t.Fatalf("expected a handshake error for a non-101 status, got %v", err)
	}
}
