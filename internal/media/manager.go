package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

var (
	ErrNoVideoTrack = errors.New("no local video track")
	ErrNoAudioTrack = errors.New("no local audio track")
)

// Notifier shows capture failures to the user.
type Notifier func(err *CaptureError)

// Sender is the part of *webrtc.RTPSender used for toggles.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// SenderLookup finds the peer-connection sender carrying a kind, if any.
type SenderLookup interface {
	Sender(kind Kind) (Sender, bool)
}

// Manager owns the local stream for one call interface. Every method except
// Capture must run on the client's event loop.
type Manager struct {
	sig      transport.Emitter
	role     models.Role
	capturer Capturer
	notify   Notifier
	senders  SenderLookup
	log      *zerolog.Logger

	sessionID string
	stream    *Stream
	reserved  bool
	degraded  *CaptureError
}

func NewManager(sig transport.Emitter, role models.Role, capturer Capturer, logger *zerolog.Logger) *Manager {
	return &Manager{
		sig:      sig,
		role:     role,
		capturer: capturer,
		log:      log.OrNop(logger),
	}
}

func (m *Manager) SetNotifier(fn Notifier)        { m.notify = fn }
func (m *Manager) SetSenders(lookup SenderLookup) { m.senders = lookup }
func (m *Manager) SetSession(id string)           { m.sessionID = id }

// Reserve claims the single acquisition allowed per activation.
// It returns false if media was already requested.
func (m *Manager) Reserve() bool {
	if m.reserved {
		return false
	}
	m.reserved = true
	return true
}

// Capture makes the one capture call of an activation, asking for audio and
// video. On failure the cause is returned with whatever the capturer still
// produced (audio only, or an empty stream) so the call can continue.
// It touches no manager state and may run off the loop.
func (m *Manager) Capture(ctx context.Context) (*Stream, *CaptureError) {
	stream, err := m.capturer.Capture(ctx, Constraints{Audio: true, Video: true})
	if err == nil {
		return stream, nil
	}
	if stream == nil {
		m.log.Warn().Err(err).Msg("capture failed; joining without local media")
		stream = NewStream("local-empty")
	}
	return stream, Classify(err)
}

// Install adopts a captured stream and applies the role's default policy:
// agents start with the camera on and announce it, customers start with it off.
func (m *Manager) Install(sessionID string, stream *Stream, cerr *CaptureError) {
	m.reserved = true
	if sessionID != "" {
		m.sessionID = sessionID
	}
	if m.stream != nil && m.stream != stream {
		m.stream.Stop()
	}
	m.stream = stream
	m.degraded = cerr

	if cerr != nil {
		m.log.Warn().Err(cerr).Str("cause", string(cerr.Cause)).Msg("camera unavailable; continuing without video")
		if m.notify != nil {
			m.notify(cerr)
		}
	}

	if audio := stream.Audio(); audio != nil {
		audio.SetEnabled(true)
	}

	video := stream.Video()
	if video == nil {
		return
	}
	if m.role.IsAgent() {
		video.SetEnabled(true)
		m.emitCamera(true)
	} else {
		video.SetEnabled(false)
	}
	m.log.Info().
		Str("session_id", m.sessionID).
		Str("role", m.role.String()).
		Bool("video", video.Enabled()).
		Msg("local media ready")
}

// Acquire is Reserve, Capture and Install in one step on the caller's goroutine.
// A second call returns the stream from the first.
func (m *Manager) Acquire(ctx context.Context, sessionID string) *Stream {
	if !m.Reserve() {
		return m.stream
	}
	stream, cerr := m.Capture(ctx)
	m.Install(sessionID, stream, cerr)
	return stream
}

// ToggleVideo flips the camera and reports the new state.
func (m *Manager) ToggleVideo() (bool, error) {
	video := m.stream.Video()
	if video == nil {
		return false, ErrNoVideoTrack
	}
	on := !video.Enabled()
	video.SetEnabled(on)
	m.replace(video, on)

	m.log.Info().Str("session_id", m.sessionID).Bool("video", on).Msg("camera toggled")
	return on, m.emitCamera(on)
}

// ToggleAudio flips the microphone and reports whether it is now muted.
func (m *Manager) ToggleAudio() (bool, error) {
	audio := m.stream.Audio()
	if audio == nil {
		return true, ErrNoAudioTrack
	}
	on := !audio.Enabled()
	audio.SetEnabled(on)
	m.replace(audio, on)

	m.log.Info().Str("session_id", m.sessionID).Bool("muted", !on).Msg("microphone toggled")
	err := m.sig.Emit(models.EventAudioStateChanged, models.AudioState{
		SessionID: m.sessionID,
		IsMuted:   !on,
		UserType:  m.role.UserType(),
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to announce audio state")
		return !on, fmt.Errorf("announce audio state: %w", err)
	}
	return !on, nil
}

// replace points the sender at the track, or at nothing while it is
// disabled, without renegotiating. Missing senders are expected before the
// connection is up; local state stands either way and Resync applies it later.
func (m *Manager) replace(track *Track, on bool) {
	if m.senders == nil {
		m.log.Debug().Str("kind", string(track.Kind())).Msg("no peer connection yet; track state kept locally")
		return
	}
	sender, ok := m.senders.Sender(track.Kind())
	if !ok {
		m.log.Debug().Str("kind", string(track.Kind())).Msg("no active sender; track state kept locally")
		return
	}
	var next webrtc.TrackLocal
	if on {
		next = track.Local()
	}
	if sender.Track() == next {
		return
	}
	if err := sender.ReplaceTrack(next); err != nil {
		m.log.Warn().Err(err).Str("kind", string(track.Kind())).Msg("replace track failed")
	}
}

// Resync brings every sender in line with the local enabled flags. Run it
// when the connection (re)connects: toggles made while it was down only
// changed local state.
func (m *Manager) Resync() {
	for _, track := range m.stream.Tracks() {
		m.replace(track, track.Enabled())
	}
}

func (m *Manager) emitCamera(on bool) error {
	err := m.sig.Emit(models.EventCameraStateChanged, models.CameraState{
		SessionID: m.sessionID,
		IsVideoOn: on,
		UserType:  m.role.UserType(),
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to announce camera state")
		return fmt.Errorf("announce camera state: %w", err)
	}
	return nil
}

// Release stops every local track and forgets the stream.
func (m *Manager) Release() {
	if m.stream != nil {
		m.stream.Stop()
		m.log.Info().Str("session_id", m.sessionID).Msg("local media released")
	}
	m.stream = nil
	m.reserved = false
	m.degraded = nil
	m.senders = nil
	m.sessionID = ""
}

func (m *Manager) Stream() *Stream         { return m.stream }
func (m *Manager) Degraded() *CaptureError { return m.degraded }
func (m *Manager) Role() models.Role       { return m.role }

// VideoOn reports whether the local camera is currently sending.
func (m *Manager) VideoOn() bool {
	v := m.stream.Video()
	return v != nil && v.Enabled()
}

// Muted reports whether the microphone is off (or absent).
func (m *Manager) Muted() bool {
	a := m.stream.Audio()
	return a == nil || !a.Enabled()
}
