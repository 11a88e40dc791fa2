package httpconn

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/frankli0324/httpconn/client"
	"github.com/frankli0324/httpconn/config"
	"github.com/frankli0324/httpconn/conn"
	"github.com/frankli0324/httpconn/dialer"
	"github.com/frankli0324/httpconn/internal/logger"
)

// DefaultDialer is used when Dial is given a nil Dialer.
var DefaultDialer dialer.Dialer = &dialer.CoreDialer{}

// Dial connects to the origin of rawURL and starts a connection on it.
// The connection runs until it is closed or fails; Dial's ctx only bounds
// connecting and the handshake.
func Dial[B conn.Payload](ctx context.Context, rawURL string, d dialer.Dialer, cfg conn.Config) (*Connection[B], error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = DefaultDialer
	}
	nc, err := d.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Host, err)
	}
	return Handshake[B](ctx, nc, cfg)
}

// Handshake starts a connection on nc and serves it in the background.
func Handshake[B conn.Payload](ctx context.Context, nc net.Conn, cfg conn.Config) (*Connection[B], error) {
	sender, driver, err := conn.Handshake[B](ctx, nc, cfg)
	if err != nil {
		return nil, err
	}
	go func() {
		// the dispatcher already logged why it stopped
		err := driver.Serve(context.Background())
		cfg.Logger.Debug().Err(err).Stringer("proto", driver.Protocol()).Msg("connection served")
	}()
	return client.New(sender), nil
}

// Open is Dial with the dialer, transport and logging settings of c.
func Open[B conn.Payload](ctx context.Context, rawURL string, c *config.Config) (*Connection[B], error) {
	log, err := logger.New(c.Logging)
	if err != nil {
		return nil, err
	}
	return Dial[B](ctx, rawURL, c.Dialer(), c.ConnConfig(log))
}
