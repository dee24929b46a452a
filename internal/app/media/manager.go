// Package media owns the local capture handles of one classroom session.
package media

import (
	"context"
	"sync"

	"github.com/dkeye/Classroom/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is a copy of the local media flags.
type State struct {
	MicEnabled    bool   `json:"mic_enabled"`
	CamEnabled    bool   `json:"cam_enabled"`
	ScreenSharing bool   `json:"screen_sharing"`
	Primary       string `json:"primary,omitempty"`
	Handles       int    `json:"handles"`
}

// Manager holds the camera stream and the screen-share stream. At most one
// video track is primary. Every acquired track is stopped by ReleaseAll, and
// an acquisition that resolves after ReleaseAll is stopped on arrival.
type Manager struct {
	Devices   core.Devices
	Publisher core.Publisher

	logger zerolog.Logger
	life   context.Context
	kill   context.CancelFunc

	// op serializes acquisitions and source switches.
	op sync.Mutex

	mu      sync.Mutex
	camera  core.Stream
	screen  core.Stream
	micOn   bool
	camOn   bool
	sharing bool
	closed  bool
	handles map[string]core.Track
	gen     int
	unwatch context.CancelFunc
	watches sync.WaitGroup
}

func NewManager(devices core.Devices, publisher core.Publisher) *Manager {
	life, kill := context.WithCancel(context.Background())
	return &Manager{
		Devices:   devices,
		Publisher: publisher,
		logger:    log.With().Str("module", "app.media").Logger(),
		life:      life,
		kill:      kill,
		micOn:     true,
		camOn:     true,
		handles:   make(map[string]core.Track),
	}
}

// acquire runs get with a context that also ends on ReleaseAll.
func (m *Manager) acquire(ctx context.Context, get func(context.Context) (core.Stream, error)) (core.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.life, cancel)
	defer stop()
	return get(ctx)
}

// adoptLocked registers every track of s. Caller holds m.mu.
func (m *Manager) adoptLocked(s core.Stream) {
	for _, t := range s.AudioTracks() {
		m.handles[t.ID()] = t
	}
	for _, t := range s.VideoTracks() {
		m.handles[t.ID()] = t
	}
}

// stopTrackLocked stops t once; tracks already released are skipped.
func (m *Manager) stopTrackLocked(t core.Track) {
	if _, ok := m.handles[t.ID()]; !ok {
		return
	}
	t.Stop()
	delete(m.handles, t.ID())
}

func (m *Manager) stopStreamLocked(s core.Stream) {
	if s == nil {
		return
	}
	for _, t := range s.AudioTracks() {
		m.stopTrackLocked(t)
	}
	for _, t := range s.VideoTracks() {
		m.stopTrackLocked(t)
	}
}

func stopStream(s core.Stream) {
	for _, t := range s.AudioTracks() {
		t.Stop()
	}
	for _, t := range s.VideoTracks() {
		t.Stop()
	}
}

func setEnabled(ts []core.Track, on bool) {
	for _, t := range ts {
		t.SetEnabled(on)
	}
}

func first(ts []core.Track) core.Track {
	if len(ts) == 0 {
		return nil
	}
	return ts[0]
}

// AcquireCamera opens camera and microphone and makes the camera primary.
// It is a no-op while a camera stream is held.
func (m *Manager) AcquireCamera(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return core.ErrReleased
	}
	if m.camera != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.openCamera(ctx)
}

// openCamera swaps in a fresh camera stream. Caller holds m.op.
func (m *Manager) openCamera(ctx context.Context) error {
	stream, err := m.acquire(ctx, m.Devices.UserMedia)
	if err != nil {
		m.logger.Warn().Err(err).Msg("camera acquisition failed")
		return core.NewError(core.ErrDeviceUnavailable, "media.acquire_camera", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		stopStream(stream)
		m.logger.Info().Str("stream", stream.ID()).Msg("camera resolved after release, stopped")
		return core.ErrReleased
	}
	old := m.camera
	m.camera = stream
	m.adoptLocked(stream)
	m.stopStreamLocked(old)
	setEnabled(stream.AudioTracks(), m.micOn)
	setEnabled(stream.VideoTracks(), m.camOn)
	sharing := m.sharing
	m.mu.Unlock()

	m.logger.Info().Str("stream", stream.ID()).Msg("camera acquired")
	if !sharing {
		m.publishVideo(ctx, first(stream.VideoTracks()))
	}
	m.publishAudio(ctx, first(stream.AudioTracks()))
	return nil
}

// ToggleMic flips the microphone enabled flag on the held track.
func (m *Manager) ToggleMic() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, core.ErrReleased
	}
	m.micOn = !m.micOn
	if m.camera != nil {
		setEnabled(m.camera.AudioTracks(), m.micOn)
	}
	m.logger.Debug().Bool("mic", m.micOn).Msg("mic toggled")
	return m.micOn, nil
}

// ToggleCam flips the camera enabled flag. While sharing the screen the
// camera track is not held, so the flag applies when the camera returns.
func (m *Manager) ToggleCam() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, core.ErrReleased
	}
	m.camOn = !m.camOn
	if m.camera != nil && !m.sharing {
		setEnabled(m.camera.VideoTracks(), m.camOn)
	}
	m.logger.Debug().Bool("cam", m.camOn).Msg("cam toggled")
	return m.camOn, nil
}

// ToggleScreenShare starts sharing, or reverts to the camera while sharing.
// It reports whether the screen is primary afterwards.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, core.ErrReleased
	}
	sharing := m.sharing
	m.mu.Unlock()

	if sharing {
		return false, m.revertToCamera(ctx)
	}
	if err := m.startScreen(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// startScreen makes a display stream primary. Caller holds m.op.
func (m *Manager) startScreen(ctx context.Context) error {
	stream, err := m.acquire(ctx, m.Devices.DisplayMedia)
	if err != nil {
		m.logger.Warn().Err(err).Msg("screen share acquisition failed")
		return core.NewError(core.ErrDeviceUnavailable, "media.screen_share", err)
	}
	video := first(stream.VideoTracks())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		stopStream(stream)
		return core.ErrReleased
	}
	m.screen = stream
	m.sharing = true
	m.adoptLocked(stream)
	if m.camera != nil {
		for _, t := range m.camera.VideoTracks() {
			m.stopTrackLocked(t)
		}
	}
	m.gen++
	if video != nil {
		m.watchLocked(video, m.gen)
	}
	m.mu.Unlock()

	m.logger.Info().Str("stream", stream.ID()).Msg("screen share started")
	m.publishVideo(ctx, video)
	return nil
}

// watchLocked falls back to the camera when t ends without our asking.
// Caller holds m.mu.
func (m *Manager) watchLocked(t core.Track, gen int) {
	ctx, cancel := context.WithCancel(m.life)
	m.unwatch = cancel
	m.watches.Add(1)
	go func() {
		defer m.watches.Done()
		select {
		case <-ctx.Done():
			return
		case <-t.Ended():
		}
		m.op.Lock()
		defer m.op.Unlock()
		m.mu.Lock()
		current := m.sharing && m.gen == gen && !m.closed
		m.mu.Unlock()
		if !current {
			return
		}
		m.logger.Info().Str("track", t.ID()).Msg("screen share ended externally")
		if err := m.revertToCamera(m.life); err != nil {
			m.logger.Error().Err(err).Msg("camera fallback failed")
		}
	}()
}

// revertToCamera stops the screen stream and reacquires the camera.
// Caller holds m.op.
func (m *Manager) revertToCamera(ctx context.Context) error {
	m.mu.Lock()
	m.stopStreamLocked(m.screen)
	m.screen = nil
	m.sharing = false
	m.gen++
	if m.unwatch != nil {
		m.unwatch()
		m.unwatch = nil
	}
	m.mu.Unlock()
	m.logger.Info().Msg("screen share stopped")

	if err := m.openCamera(ctx); err != nil {
		m.publishVideo(ctx, nil)
		return err
	}
	return nil
}

func (m *Manager) publishVideo(ctx context.Context, t core.Track) {
	if m.Publisher == nil {
		return
	}
	if err := m.Publisher.PublishVideo(ctx, t); err != nil {
		m.logger.Error().Err(err).Msg("publish video failed")
	}
}

func (m *Manager) publishAudio(ctx context.Context, t core.Track) {
	if m.Publisher == nil || t == nil {
		return
	}
	if err := m.Publisher.PublishAudio(ctx, t); err != nil {
		m.logger.Error().Err(err).Msg("publish audio failed")
	}
}

// ReleaseAll stops every held track and abandons pending acquisitions. The
// manager is unusable afterwards. Calling it again is a no-op.
func (m *Manager) ReleaseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.kill()
	n := len(m.handles)
	for _, t := range m.handles {
		t.Stop()
	}
	m.handles = make(map[string]core.Track)
	m.camera = nil
	m.screen = nil
	m.sharing = false
	m.unwatch = nil
	m.mu.Unlock()

	m.watches.Wait()
	m.logger.Info().Int("stopped", n).Msg("released all media")
	return nil
}

// Primary returns the video track currently attached as the primary source.
func (m *Manager) Primary() core.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primaryLocked()
}

func (m *Manager) primaryLocked() core.Track {
	var s core.Stream
	switch {
	case m.sharing:
		s = m.screen
	default:
		s = m.camera
	}
	if s == nil {
		return nil
	}
	t := first(s.VideoTracks())
	if t == nil {
		return nil
	}
	if _, live := m.handles[t.ID()]; !live {
		return nil
	}
	return t
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		MicEnabled:    m.micOn,
		CamEnabled:    m.camOn,
		ScreenSharing: m.sharing,
		Handles:       len(m.handles),
	}
	if p := m.primaryLocked(); p != nil {
		st.Primary = p.ID()
	}
	return st
}
