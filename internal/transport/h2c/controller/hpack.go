package controller

import (
	"bytes"
	"errors"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

var ErrHeaderListTooLarge = errors.New("http2: request header list larger than peer's advertised limit")

type hpackMixin struct {
	muWbuf sync.Mutex
	hpEnc  *hpack.Encoder
	wBuf   *bytes.Buffer
}

func (h *hpackMixin) init(c *Controller) {
	h.wBuf = &bytes.Buffer{}
	h.hpEnc = hpack.NewEncoder(h.wBuf)
	c.peerSettings.On(http2.SettingHeaderTableSize, func(_, value uint32) {
		h.muWbuf.Lock()
		h.hpEnc.SetMaxDynamicTableSizeLimit(value)
		h.muWbuf.Unlock()
	})
}

// WriteHeaders encodes the header list produced by enumHeaders and writes
// it as one HEADERS frame followed by as many CONTINUATION frames as the
// peer's max frame size requires. No other frame is interleaved, and header
// blocks reach the wire in the order they were encoded.
func (c *Controller) WriteHeaders(streamID uint32, endStream bool, enumHeaders func(func(k, v string))) error {
	c.muWbuf.Lock()
	defer c.muWbuf.Unlock()

	total := uint64(0)
	enumHeaders(func(name, value string) {
		total += uint64(hpack.HeaderField{Name: name, Value: value}.Size())
	})
	if limit := c.PeerSetting(http2.SettingMaxHeaderListSize); total > uint64(limit) {
		return ErrHeaderListTooLarge
	}
	c.wBuf.Reset()
	enumHeaders(func(name, value string) {
		c.hpEnc.WriteField(hpack.HeaderField{Name: name, Value: value})
	})

	// below code consults x/net/http2 func (cc *ClientConn) writeHeaders()
	data := c.wBuf.Bytes()
	maxFrameSize := int(c.MaxWriteFrameSize())
	c.muWrite.Lock()
	defer c.muWrite.Unlock()
	first := true // first frame written (HEADERS is first, then CONTINUATION)
	for first || len(data) > 0 {
		chunk := data
		if len(chunk) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		data = data[len(chunk):]
		endHeaders := len(data) == 0
		var err error
		if first {
			err = c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = c.framer.WriteContinuation(streamID, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
