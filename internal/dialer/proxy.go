package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/frankli0324/httpconn/internal/transport"
)

var ErrProxyRefused = errors.New("proxy refused the tunnel")

type ProxyConfig struct {
	TLSConfig      *tls.Config // used with https proxies, if nil, *[CoreDialer.TLSConfig] will be used
	ResolveLocally bool        // resolve the origin here and CONNECT to its address
}

func (c *ProxyConfig) Clone() *ProxyConfig {
	if c == nil {
		return nil
	}
	return &ProxyConfig{
		TLSConfig:      c.TLSConfig.Clone(),
		ResolveLocally: c.ResolveLocally,
	}
}

// DialOverProxy opens a CONNECT tunnel to host:port through an http or
// https proxy. Credentials in the proxy url are sent as Basic
// Proxy-Authorization.
func (d *CoreDialer) DialOverProxy(ctx context.Context, host, port string, proxy *url.URL) (net.Conn, error) {
	if proxy.Scheme != "http" && proxy.Scheme != "https" { // TODO: socks5
		return nil, fmt.Errorf("%w: proxy %q", ErrUnsupportedScheme, proxy.Scheme)
	}
	phost, pport, _ := HostPort(proxy)
	conn, err := d.dialTCP(ctx, phost, pport)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	tunnel, err := d.connect(ctx, conn, host, port, proxy)
	if !stop() {
		err = context.Cause(ctx)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunnel, nil
}

func (d *CoreDialer) connect(ctx context.Context, conn net.Conn, host, port string, proxy *url.URL) (net.Conn, error) {
	if proxy.Scheme == "https" {
		c := tls.Client(conn, d.proxyTLSConfig(proxy.Hostname()))
		if err := c.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		conn = c
	}
	if d.ProxyConfig != nil && d.ProxyConfig.ResolveLocally {
		ips, err := d.LookupIP(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		host = ips[rand.IntN(len(ips))].String()
	}

	target := net.JoinHostPort(host, port)
	head := &transport.RequestHead{Method: "CONNECT", RequestURI: target, Host: target, ContentLength: -1}
	if u := proxy.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		head.Header = http.Header{"Proxy-Authorization": {"Basic " + cred}}
	}
	bw := bufio.NewWriter(conn)
	if err := transport.WriteRequestHead(bw, head); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := transport.ReadResponseHead(br)
	for err == nil && resp.IsInformational() {
		resp, err = transport.ReadResponseHead(br)
	}
	if err != nil {
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: %s", ErrProxyRefused, resp.Status)
	}
	if br.Buffered() > 0 {
		// the origin spoke first
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// proxyTLSConfig never carries the origin's server name or protocols.
func (d *CoreDialer) proxyTLSConfig(host string) *tls.Config {
	var config *tls.Config
	if d.ProxyConfig != nil && d.ProxyConfig.TLSConfig != nil {
		config = d.ProxyConfig.TLSConfig.Clone()
	} else if d.TLSConfig != nil {
		config = d.TLSConfig.Clone()
		config.ServerName = ""
	} else {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = host
	}
	config.NextProtos = []string{"http/1.1"}
	return config
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
