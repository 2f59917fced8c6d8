// Package tlsconfig provides descriptive helpers for logging negotiated TLS
// connection metadata. GURT pins TLS to exactly 1.3 (see pkg/trust), so
// unlike a general-purpose HTTP client this package does not expose version
// profiles or cipher-suite selection; it only names what was negotiated.
package tlsconfig

import "crypto/tls"

// GetVersionName returns a human-readable name for a tls.VersionTLSxx
// constant.
func GetVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS13:
		return "TLS 1.3"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS10:
		return "TLS 1.0"
	default:
		return "unknown"
	}
}

// GetCipherSuiteName returns the IANA name for a negotiated cipher suite id,
// used only in diagnostic log lines.
func GetCipherSuiteName(id uint16) string {
	if name := tls.CipherSuiteName(id); name != "" {
		return name
	}
	return "unknown"
}
