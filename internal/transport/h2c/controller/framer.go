package controller

import (
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// framerMixin serializes frame writes. Reads happen on the read loop only.
type framerMixin struct {
	muWrite sync.Mutex
	framer  *http2.Framer
}

func (f *framerMixin) init(c *Controller) {
	framer := http2.NewFramer(c.Conn, c.Conn) // framer already has a layer of buffer
	framer.SetMaxReadFrameSize(c.selfSettings.GetSetting(http2.SettingMaxFrameSize))
	framer.ReadMetaHeaders = hpack.NewDecoder(c.selfSettings.GetSetting(http2.SettingHeaderTableSize), nil)
	framer.MaxHeaderListSize = c.selfSettings.GetSetting(http2.SettingMaxHeaderListSize)
	f.framer = framer
}

// ReadFrame must only be called from the read loop. The returned frame is
// valid until the next call.
func (f *framerMixin) ReadFrame() (http2.Frame, error) {
	return f.framer.ReadFrame()
}

func (f *framerMixin) write(fn func(fr *http2.Framer) error) error {
	f.muWrite.Lock()
	defer f.muWrite.Unlock()
	return fn(f.framer)
}

func (f *framerMixin) WriteSettings(settings ...http2.Setting) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteSettings(settings...) })
}

func (f *framerMixin) WriteSettingsAck() error {
	return f.write((*http2.Framer).WriteSettingsAck)
}

func (f *framerMixin) WriteData(streamID uint32, endStream bool, data []byte) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteData(streamID, endStream, data) })
}

func (f *framerMixin) WritePing(ack bool, data [8]byte) error {
	return f.write(func(fr *http2.Framer) error { return fr.WritePing(ack, data) })
}

func (f *framerMixin) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteRSTStream(streamID, code) })
}

func (f *framerMixin) WriteGoAway(maxStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return f.write(func(fr *http2.Framer) error { return fr.WriteGoAway(maxStreamID, code, debugData) })
}

// WriteWindowUpdate drops zero increments, which the peer would treat as a
// protocol error.
func (f *framerMixin) WriteWindowUpdate(streamID, incr uint32) error {
	if incr == 0 {
		return nil
	}
	return f.write(func(fr *http2.Framer) error { return fr.WriteWindowUpdate(streamID, incr) })
}
