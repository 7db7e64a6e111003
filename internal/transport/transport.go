package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"rpc-forwarder/config"
)

// CreateTransport builds the shared upstream transport, routed through the
// configured egress proxy when one is enabled.
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg == nil || !cfg.Proxy.Enabled {
		return transport, nil
	}

	proxyURL, err := proxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}

	return transport, nil
}

func proxyURL(p config.ProxyConfig) (*url.URL, error) {
	raw := p.URL
	if raw == "" {
		raw = fmt.Sprintf("%s://%s", p.Type, net.JoinHostPort(p.Host, fmt.Sprint(p.Port)))
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	if p.Username != "" && u.User == nil {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// GetProxyInfo describes the egress proxy for startup logs.
func GetProxyInfo(cfg *config.Config) string {
	if !cfg.Proxy.Enabled {
		return "代理未启用"
	}
	u, err := proxyURL(cfg.Proxy)
	if err != nil {
		return fmt.Sprintf("代理配置无效: %v", err)
	}
	return fmt.Sprintf("代理已启用: %s://%s", cfg.Proxy.Type, u.Host)
}
