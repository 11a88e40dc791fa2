package controller

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"golang.org/x/net/http2"
)

type pingMixin struct {
	pingFut map[[8]byte]chan struct{}
	muPing  sync.Mutex
}

func (p *pingMixin) init(c *Controller) {
	p.pingFut = map[[8]byte]chan struct{}{}
	c.on[http2.FramePing] = func(frame http2.Frame) error {
		pingFrame := frame.(*http2.PingFrame)
		if pingFrame.IsAck() {
			p.muPing.Lock()
			if v, ok := p.pingFut[pingFrame.Data]; ok {
				close(v)
				delete(p.pingFut, pingFrame.Data)
			}
			// else: server acked to an unknown ping packet, ignored
			p.muPing.Unlock()
			return nil
		}
		if pingFrame.StreamID != 0 {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return c.WritePing(true, pingFrame.Data)
	}
}

// Ping sends a PING and waits for its acknowledgement or ctx. A missing
// ack is not proof of a dead connection, callers decide what a timeout
// means.
func (c *Controller) Ping(ctx context.Context) error {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], rand.Uint64())
	res := make(chan struct{})
	c.muPing.Lock()
	c.pingFut[data] = res
	c.muPing.Unlock()
	defer func() {
		c.muPing.Lock()
		delete(c.pingFut, data)
		c.muPing.Unlock()
	}()

	if err := c.WritePing(false, data); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Valid()
	case <-res:
		return nil
	}
}
