package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
)

var schemes = map[string]string{
	"http": "80", "https": "443",
}

var ErrUnsupportedScheme = errors.New("unsupported scheme")

// HostPort returns the address to dial for u, the port defaulting by scheme.
func HostPort(u *url.URL) (host, port string, err error) {
	port, ok := schemes[u.Scheme]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host = u.Hostname()
	if p := u.Port(); p != "" {
		port = p
	}
	return host, port, nil
}

func (d *CoreDialer) netDialer() *net.Dialer {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	if dns := d.ResolveConfig.dnsServer(); dns != "" {
		nd.Resolver = &customServerResolver
	}
	if d.TCPUserTimeout > 0 {
		nd.Control = tcpUserTimeout(d.TCPUserTimeout)
	}
	return nd
}

func (d *CoreDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	addr, port, err := HostPort(u)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var conn net.Conn
	if d.Proxy != nil {
		conn, err = d.DialOverProxy(ctx, addr, port, d.Proxy)
	} else {
		conn, err = d.dialTCP(ctx, addr, port)
	}
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return conn, nil
	}

	config := d.TLSConfig.Clone()
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = addr
	}
	config.NextProtos = d.nextProtos(config.NextProtos)
	c := tls.Client(conn, config)
	if err := c.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (d *CoreDialer) nextProtos(configured []string) []string {
	protos := configured
	if len(protos) == 0 {
		protos = []string{"h2", "http/1.1"}
	}
	if d.DisableHTTP2 {
		protos = slices.DeleteFunc(slices.Clone(protos), func(p string) bool { return p == "h2" })
	}
	return protos
}

func (d *CoreDialer) dialTCP(ctx context.Context, addr, port string) (net.Conn, error) {
	// as of now net.Dialer could handle current DNS configurations
	network, dialctx, dst := "tcp", ctx, net.JoinHostPort(addr, port)
	if cfg := d.ResolveConfig; cfg != nil {
		if cfg.Network == "ip4" {
			network = "tcp4"
		} else if cfg.Network == "ip6" {
			network = "tcp6"
		}
		if static, ok := cfg.StaticHosts[addr]; ok {
			dst = net.JoinHostPort(static, port)
		}
		if dns := cfg.CustomDNSServer; dns != "" {
			dialctx = dnsServerCtx{dialctx, dns}
		}
	}
	return d.netDialer().DialContext(dialctx, network, dst)
}
