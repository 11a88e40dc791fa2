package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestInflow(t *testing.T) {
	f := NewInflow(65535)
	assert.True(t, f.Take(1000))
	assert.False(t, f.Take(65535), "peer overran the window")

	assert.Equal(t, uint32(0), f.Add(100), "small releases are batched")
	assert.Equal(t, uint32(inflowMinRefresh+100), f.Add(inflowMinRefresh))
	assert.True(t, f.Take(65535))

	f = NewInflow(10)
	require.True(t, f.Take(10))
	assert.Equal(t, uint32(6), f.Add(6), "the peer is blocked, update right away")
}

func TestOutflowTake(t *testing.T) {
	conn, stream := NewOutflow(10), NewOutflow(4)
	assert.Equal(t, int32(4), Take(nil, 100, stream, conn))
	assert.Equal(t, int32(0), stream.Available())
	assert.Equal(t, int32(6), conn.Available())

	got := make(chan int32)
	go func() { got <- Take(nil, 100, stream, conn) }()
	select {
	case <-got:
		t.Fatal("took from an exhausted stream window")
	case <-time.After(20 * time.Millisecond):
	}
	require.True(t, stream.Add(50))
	assert.Equal(t, int32(6), <-got, "limited by the connection window")
	assert.Equal(t, int32(44), stream.Available())

	quit := make(chan struct{})
	close(quit)
	assert.Equal(t, int32(0), Take(quit, 1, stream, conn))
}

func TestOutflowNegative(t *testing.T) {
	f := NewOutflow(100)
	assert.True(t, f.Add(-150))
	assert.Equal(t, int32(-50), f.Available())
	assert.True(t, f.Add(60))
	assert.Equal(t, int32(10), f.Available())
	assert.False(t, f.Add(inflowMaxWindow))
}

func TestSettingsBounds(t *testing.T) {
	s := newSelfSettings(Options{MaxFrameSize: 1, InitialWindowSize: 1 << 31})
	assert.Equal(t, uint32(minMaxFrameSize), s.GetSetting(http2.SettingMaxFrameSize))
	assert.Equal(t, uint32(inflowMaxWindow), s.GetSetting(http2.SettingInitialWindowSize))
	assert.Equal(t, uint32(0), s.GetSetting(http2.SettingID(200)))

	m := settingsMixin{peerSettings: newPeerSettings(), selfSettings: s}
	for _, st := range m.advertised() {
		assert.NoError(t, st.Valid())
		assert.NotEqual(t, http2.SettingMaxConcurrentStreams, st.ID)
	}
}
