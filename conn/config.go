package conn

import (
	"time"

	"github.com/rs/zerolog"
)

// Config tunes a connection. Zero values select the defaults.
type Config struct {
	// HTTP2 forces HTTP/2 with prior knowledge. Without it HTTP/2 is used
	// only when TLS negotiated "h2".
	HTTP2 bool

	// MaxInFlight is the number of HTTP/1.1 requests that may be written
	// before their responses were read. Default 1, larger values pipeline.
	MaxInFlight int
	// BodyBufferSize bounds the response bytes buffered for a reader that
	// falls behind on HTTP/1.1.
	BodyBufferSize int

	// MaxConcurrentStreams caps open HTTP/2 streams below the peer's limit.
	MaxConcurrentStreams  uint32
	InitialWindowSize     uint32
	InitialConnWindowSize uint32
	MaxFrameSize          uint32
	MaxHeaderListSize     uint32
	// KeepAliveInterval enables HTTP/2 PINGs when the connection is idle
	// for that long; a PING unanswered within KeepAliveTimeout closes it.
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// Logger receives connection events. The zero Logger is disabled.
	Logger zerolog.Logger
}

const (
	defaultMaxInFlight           = 1
	defaultBodyBufferSize        = 64 << 10
	defaultMaxConcurrentStreams  = 100
	defaultInitialWindowSize     = 4 << 20
	defaultInitialConnWindowSize = 8 << 20
	defaultMaxFrameSize          = 16 << 10
	defaultKeepAliveTimeout      = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if c.BodyBufferSize <= 0 {
		c.BodyBufferSize = defaultBodyBufferSize
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = defaultInitialWindowSize
	}
	if c.InitialConnWindowSize == 0 {
		c.InitialConnWindowSize = defaultInitialConnWindowSize
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.KeepAliveInterval > 0 && c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	return c
}
