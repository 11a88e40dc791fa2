package dialer

import (
	"github.com/frankli0324/httpconn/internal/dialer"
)

// Dialers are responsible for creating the connections requests are sent
// over, for example a raw TCP connection for HTTP/1.1, or a TLS connection
// that negotiated h2.
//
// A Dialer MUST NOT hold active connection states, which means a Dialer
// must be able to be swapped out without pain. It SHOULD hold the
// connection related configs like *[crypto/tls.Config].
type Dialer = dialer.Dialer

// CoreDialer is the default implementation of the [Dialer] interface.
type CoreDialer = dialer.CoreDialer

// we need a dedicated resolver to customize the DNS server used for
// resolving hostnames.
//
// the standard library didn't provide a intuitive way of
// setting DNS server addresses since it only follows the
// system configuration (e.g. /etc/resolv.conf), leaving us only
// one option of using [net.Resolver.Dial] hook with a Go Resolver.
//
// this part of code tries to take advantage of that
// only option as far as possible to provide a relativly
// intuitive configuration API.
type ResolveConfig = dialer.ResolveConfig

var ErrUnsupportedScheme = dialer.ErrUnsupportedScheme

// ProxyConfig tunes how [CoreDialer.Proxy] is reached. Proxies are spoken
// to with CONNECT, only http and https proxies are supported.
type ProxyConfig = dialer.ProxyConfig

var ErrProxyRefused = dialer.ErrProxyRefused
