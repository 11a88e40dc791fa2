package controller

import (
	"sync"

	"golang.org/x/net/http2"
)

const (
	minMaxFrameSize = 1 << 14
	maxMaxFrameSize = 1<<24 - 1

	// one past the largest setting id we keep, SETTINGS_ENABLE_CONNECT_PROTOCOL
	settingsLen = 9
)

// Options are the settings we advertise, zero values keep the protocol
// defaults.
type Options struct {
	HeaderTableSize       uint32
	InitialWindowSize     uint32 // per stream receive window
	InitialConnWindowSize uint32 // connection receive window, grown by WINDOW_UPDATE
	MaxFrameSize          uint32 // largest frame we accept
	MaxHeaderListSize     uint32
}

type settingsMixin struct {
	peerSettings, selfSettings *settings
}

// PeerSetting returns the current value of a setting sent by the peer.
func (s *settingsMixin) PeerSetting(id http2.SettingID) uint32 {
	return s.peerSettings.GetSetting(id)
}

func (s *settingsMixin) SelfSetting(id http2.SettingID) uint32 {
	return s.selfSettings.GetSetting(id)
}

// OnPeerSetting registers a callback run on the read loop whenever the peer
// changes a setting, before the SETTINGS frame is acknowledged.
func (s *settingsMixin) OnPeerSetting(id http2.SettingID, do func(prev, value uint32)) {
	s.peerSettings.On(id, do)
}

// MaxWriteFrameSize is the largest frame payload the peer accepts.
func (s *settingsMixin) MaxWriteFrameSize() uint32 {
	return clampFrameSize(s.peerSettings.GetSetting(http2.SettingMaxFrameSize))
}

func (s *settingsMixin) advertised() []http2.Setting {
	out := make([]http2.Setting, 0, 6)
	for id := http2.SettingHeaderTableSize; id <= http2.SettingMaxHeaderListSize; id++ {
		if id == http2.SettingMaxConcurrentStreams {
			continue // server initiated streams are never accepted
		}
		setting := http2.Setting{ID: id, Val: s.selfSettings.GetSetting(id)}
		if setting.Valid() == nil {
			out = append(out, setting)
		}
	}
	return out
}

func newSelfSettings(opts Options) *settings {
	s := [settingsLen]uint32{}
	s[http2.SettingHeaderTableSize] = 4096
	s[http2.SettingEnablePush] = 0
	s[http2.SettingInitialWindowSize] = 4 << 20
	s[http2.SettingMaxFrameSize] = 1 << 20
	s[http2.SettingMaxHeaderListSize] = 10 << 20 // allow response header to be at most 10MB
	if opts.HeaderTableSize != 0 {
		s[http2.SettingHeaderTableSize] = opts.HeaderTableSize
	}
	if opts.InitialWindowSize != 0 {
		s[http2.SettingInitialWindowSize] = min(opts.InitialWindowSize, inflowMaxWindow)
	}
	if opts.MaxFrameSize != 0 {
		s[http2.SettingMaxFrameSize] = clampFrameSize(opts.MaxFrameSize)
	}
	if opts.MaxHeaderListSize != 0 {
		s[http2.SettingMaxHeaderListSize] = opts.MaxHeaderListSize
	}
	return &settings{settings: s}
}

// newPeerSettings creates a settings instance with the protocol defaults,
// in effect until the peer's first SETTINGS frame
func newPeerSettings() *settings {
	s := [settingsLen]uint32{}
	s[http2.SettingHeaderTableSize] = 4096
	s[http2.SettingEnablePush] = 1
	s[http2.SettingMaxConcurrentStreams] = 1000 // unlimited by default, be reasonable
	s[http2.SettingInitialWindowSize] = 65535
	s[http2.SettingMaxFrameSize] = 16384
	s[http2.SettingMaxHeaderListSize] = 0xffffffff
	return &settings{settings: s}
}

func clampFrameSize(fs uint32) uint32 {
	if fs < minMaxFrameSize {
		return minMaxFrameSize
	}
	if fs > maxMaxFrameSize {
		return maxMaxFrameSize
	}
	return fs
}

// settings is a set of http2 settings
type settings struct {
	settings [settingsLen]uint32                   // http2.SettingID -> Val
	on       [settingsLen][]func(prev, val uint32) // callbacks per setting id
	mu       sync.RWMutex
}

// On registers callback on settings pushed by the peer
func (s *settings) On(id http2.SettingID, do func(prev, value uint32)) {
	if int(id) >= settingsLen {
		return
	}
	s.mu.Lock()
	s.on[id] = append(s.on[id], do)
	s.mu.Unlock()
}

// UpdateFrom validates and applies every setting of frame. Unknown settings
// are ignored. Callbacks run after all values of the frame are stored.
func (s *settings) UpdateFrom(frame *http2.SettingsFrame) error {
	if err := frame.ForeachSetting(func(i http2.Setting) error { return i.Valid() }); err != nil {
		return err
	}
	type change struct {
		id         http2.SettingID
		prev, next uint32
	}
	var changes []change
	s.mu.Lock()
	_ = frame.ForeachSetting(func(i http2.Setting) error {
		if int(i.ID) >= settingsLen {
			return nil
		}
		if prev := s.settings[i.ID]; prev != i.Val {
			s.settings[i.ID] = i.Val
			changes = append(changes, change{i.ID, prev, i.Val})
		}
		return nil
	})
	s.mu.Unlock()
	for _, c := range changes {
		s.mu.RLock()
		cbs := s.on[c.id]
		s.mu.RUnlock()
		for _, cb := range cbs {
			cb(c.prev, c.next)
		}
	}
	return nil
}

func (s *settings) GetSetting(id http2.SettingID) uint32 {
	if int(id) >= settingsLen {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[id]
}
