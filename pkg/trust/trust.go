// Package trust builds the TLS trust anchor bundle and the client/server TLS
// configurations pinned to the GURT ALPN identifier.
package trust

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/zeonzip/gurt/pkg/constants"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
)

// Bundle is an immutable trust-anchor set: the root store plus the single
// pinned ALPN identifier. Once built it is never mutated; BuildClient
// constructs a fresh *x509.CertPool each call rather than reusing one across
// bundles.
type Bundle struct {
	RootCAs      *x509.CertPool
	ALPNProtocol string
}

// BuildClient assembles the root store from the OS trust store plus any
// extra PEM blobs, pinning the GURT ALPN. Returns a crypto error
// (classified "NoTrustAnchors" in spec terms) if neither source yields a
// usable certificate.
func BuildClient(extraPEMs []string) (*tls.Config, error) {
	pool, sysErr := x509.SystemCertPool()
	if sysErr != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	loaded := 0
	if sysErr == nil {
		loaded++
	}
	for _, pem := range extraPEMs {
		if pool.AppendCertsFromPEM([]byte(pem)) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, gurterrors.NewCryptoError("build_client", "no trust anchors available (system store failed and no extra PEM parsed)", nil)
	}

	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{constants.ALPN},
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}, nil
}

// BuildServer loads a certificate chain + private key pair and pins the
// GURT ALPN on the resulting server config.
func BuildServer(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, gurterrors.NewCryptoError("build_server", "invalid certificate or private key", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{constants.ALPN},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}

// ConfigureSNI clones cfg with ServerName set for host: "127.0.0.1" and
// "localhost" both present as SNI "localhost"; any other host is used
// verbatim.
func ConfigureSNI(cfg *tls.Config, host string) *tls.Config {
	out := cfg.Clone()
	out.ServerName = constants.ServerName(host)
	return out
}
