package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"
)

// Dialers open the connection a request is sent over, taking care of name
// resolution, socket options and TLS. They hold no connection state.
type Dialer interface {
	// Dial connects to the origin of u. For https origins the returned
	// connection is a *tls.Conn that finished its handshake, its ALPN
	// result selects the HTTP version.
	Dial(ctx context.Context, u *url.URL) (net.Conn, error)
}

type CoreDialer struct {
	ResolveConfig *ResolveConfig

	TLSConfig *tls.Config // the config to use

	Timeout   time.Duration // for resolving, connecting and the TLS handshake
	KeepAlive time.Duration // TCP keep-alive period, negative disables
	// TCPUserTimeout bounds how long written data may stay unacknowledged
	// before the kernel drops the connection. Linux only.
	TCPUserTimeout time.Duration

	// DisableHTTP2 offers only http/1.1 during ALPN.
	DisableHTTP2 bool

	// Proxy tunnels every connection through an http or https proxy.
	Proxy       *url.URL
	ProxyConfig *ProxyConfig
}

func (d *CoreDialer) Clone() *CoreDialer {
	return &CoreDialer{
		ResolveConfig:  d.ResolveConfig.Clone(),
		TLSConfig:      d.TLSConfig.Clone(),
		Timeout:        d.Timeout,
		KeepAlive:      d.KeepAlive,
		TCPUserTimeout: d.TCPUserTimeout,
		DisableHTTP2:   d.DisableHTTP2,
		Proxy:          cloneURL(d.Proxy),
		ProxyConfig:    d.ProxyConfig.Clone(),
	}
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	u2 := *u // Userinfo is immutable
	return &u2
}
