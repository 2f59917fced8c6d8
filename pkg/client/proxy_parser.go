package client

import (
	"fmt"
	"net/url"

	"golang.org/x/net/proxy"
)

// ParseProxyURL builds a golang.org/x/net/proxy.Dialer from a
// socks5://[user:pass@]host:port URL, for use as Options.Dialer. Only
// SOCKS5 is supported; HTTP CONNECT proxying has no GURT analog since the
// client never speaks cleartext HTTP.
func ParseProxyURL(proxyURL string) (proxy.Dialer, error) {
	if proxyURL == "" {
		return nil, fmt.Errorf("proxy URL cannot be empty")
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("unsupported proxy scheme: %s (only socks5 is supported)", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy URL must include host")
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	return proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
}
