package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport/transporttest"
)

// fakeSender records ReplaceTrack calls and, like an RTPSender, keeps the
// track it currently carries.
type fakeSender struct {
	current webrtc.TrackLocal
	tracks  []webrtc.TrackLocal
	err     error
}

func (f *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	f.tracks = append(f.tracks, track)
	if f.err != nil {
		return f.err
	}
	f.current = track
	return nil
}

func (f *fakeSender) Track() webrtc.TrackLocal { return f.current }

// connectivity serves senders only while up, the way the engine does.
type connectivity struct {
	up      bool
	senders fakeSenders
}

func (c *connectivity) Sender(kind Kind) (Sender, bool) {
	if !c.up {
		return nil, false
	}
	return c.senders.Sender(kind)
}

type fakeSenders map[Kind]*fakeSender

func (f fakeSenders) Sender(kind Kind) (Sender, bool) {
	s, ok := f[kind]
	return s, ok
}

// scriptedCapturer fails the first n captures with err. With partial set a
// failure still hands back an audio-only stream.
type scriptedCapturer struct {
	err     error
	fails   int
	partial bool
	calls   []Constraints
	inner   SampleCapturer
}

func (s *scriptedCapturer) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	s.calls = append(s.calls, c)
	if len(s.calls) <= s.fails {
		if !s.partial {
			return nil, s.err
		}
		audio, err := s.inner.Capture(ctx, Constraints{Audio: true})
		if err != nil {
			return nil, err
		}
		return audio, s.err
	}
	return s.inner.Capture(ctx, c)
}

func newManager(t *testing.T, role models.Role, capturer Capturer) (*Manager, *transporttest.Recorder) {
	t.Helper()
	rec := &transporttest.Recorder{}
	m := NewManager(rec, role, capturer, nil)
	t.Cleanup(m.Release)
	return m, rec
}

func slowCapturer() *SampleCapturer {
	return &SampleCapturer{Interval: time.Hour}
}

func TestAgentVideoForcedOnAndAnnounced(t *testing.T) {
	m, rec := newManager(t, models.RoleAgent, slowCapturer())

	stream := m.Acquire(context.Background(), "s1")
	require.NotNil(t, stream.Video())

	assert.True(t, stream.Video().Enabled())
	assert.True(t, m.VideoOn())
	assert.False(t, m.Muted())

	var state models.CameraState
	require.True(t, rec.Last(models.EventCameraStateChanged, &state))
	assert.Equal(t, models.CameraState{SessionID: "s1", IsVideoOn: true, UserType: "agent"}, state)
}

func TestCustomerVideoOffWithoutBroadcast(t *testing.T) {
	m, rec := newManager(t, models.RoleCustomer, slowCapturer())

	stream := m.Acquire(context.Background(), "s1")
	require.NotNil(t, stream.Video())

	assert.False(t, stream.Video().Enabled())
	assert.True(t, stream.Audio().Enabled())
	assert.Empty(t, rec.Events())
}

func TestAcquireOncePerActivation(t *testing.T) {
	capturer := &scriptedCapturer{inner: SampleCapturer{Interval: time.Hour}}
	m, _ := newManager(t, models.RoleCustomer, capturer)

	first := m.Acquire(context.Background(), "s1")
	second := m.Acquire(context.Background(), "s1")

	assert.Same(t, first, second)
	assert.Len(t, capturer.calls, 1)
}

func TestToggleVideoEmitsExactlyOnce(t *testing.T) {
	m, rec := newManager(t, models.RoleCustomer, slowCapturer())
	stream := m.Acquire(context.Background(), "s1")

	video := &fakeSender{}
	m.SetSenders(fakeSenders{KindVideo: video})

	on, err := m.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, 1, rec.Count(models.EventCameraStateChanged))

	var state models.CameraState
	require.True(t, rec.Last(models.EventCameraStateChanged, &state))
	assert.Equal(t, stream.Video().Enabled(), state.IsVideoOn)
	assert.Equal(t, "customer", state.UserType)

	require.Len(t, video.tracks, 1)
	assert.Equal(t, stream.Video().Local(), video.tracks[0])

	on, err = m.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 2, rec.Count(models.EventCameraStateChanged))
	assert.Nil(t, video.tracks[1])
}

func TestToggleWithoutSenderKeepsLocalState(t *testing.T) {
	m, rec := newManager(t, models.RoleCustomer, slowCapturer())
	m.Acquire(context.Background(), "s1")

	on, err := m.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, m.VideoOn())
	assert.Equal(t, 1, rec.Count(models.EventCameraStateChanged))
}

func TestResyncRestoresTrackToggledWhileDisconnected(t *testing.T) {
	m, rec := newManager(t, models.RoleAgent, slowCapturer())
	stream := m.Acquire(context.Background(), "s1")

	video := &fakeSender{current: stream.Video().Local()}
	conn := &connectivity{up: true, senders: fakeSenders{KindVideo: video}}
	m.SetSenders(conn)

	on, err := m.ToggleVideo()
	require.NoError(t, err)
	require.False(t, on)
	require.Nil(t, video.Track())

	// The connection blips; the camera comes back on meanwhile.
	conn.up = false
	on, err = m.ToggleVideo()
	require.NoError(t, err)
	require.True(t, on)
	assert.Nil(t, video.Track())

	conn.up = true
	m.Resync()

	assert.Equal(t, stream.Video().Local(), video.Track())
	assert.Len(t, video.tracks, 2)
	assert.Equal(t, 3, rec.Count(models.EventCameraStateChanged))

	// Nothing to do once in line.
	m.Resync()
	assert.Len(t, video.tracks, 2)
}

func TestReplaceTrackFailureIsNonFatal(t *testing.T) {
	m, rec := newManager(t, models.RoleAgent, slowCapturer())
	m.Acquire(context.Background(), "s1")
	rec.Reset()

	m.SetSenders(fakeSenders{KindVideo: {err: errors.New("sender stopped")}})

	on, err := m.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, m.VideoOn())
	assert.Equal(t, 1, rec.Count(models.EventCameraStateChanged))
}

func TestToggleAudioAnnouncesMute(t *testing.T) {
	m, rec := newManager(t, models.RoleAgent, slowCapturer())
	m.Acquire(context.Background(), "s1")

	muted, err := m.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, m.Muted())

	var state models.AudioState
	require.True(t, rec.Last(models.EventAudioStateChanged, &state))
	assert.Equal(t, models.AudioState{SessionID: "s1", IsMuted: true, UserType: "agent"}, state)
}

func TestCameraFailureKeepsAudioFromSameCapture(t *testing.T) {
	capturer := &scriptedCapturer{
		err:     ErrNoDevice,
		fails:   1,
		partial: true,
		inner:   SampleCapturer{Interval: time.Hour},
	}
	m, rec := newManager(t, models.RoleAgent, capturer)

	var notified *CaptureError
	m.SetNotifier(func(err *CaptureError) { notified = err })

	stream := m.Acquire(context.Background(), "s1")

	require.NotNil(t, notified)
	assert.Equal(t, CauseNoDevice, notified.Cause)
	assert.NotEmpty(t, notified.Remediation())
	assert.Equal(t, notified, m.Degraded())

	assert.Nil(t, stream.Video())
	require.NotNil(t, stream.Audio())
	assert.True(t, stream.Audio().Enabled())
	assert.False(t, m.VideoOn())
	assert.Equal(t, []Constraints{{Audio: true, Video: true}}, capturer.calls)

	// No camera means nothing to announce, even for the agent.
	assert.Zero(t, rec.Count(models.EventCameraStateChanged))

	_, err := m.ToggleVideo()
	assert.ErrorIs(t, err, ErrNoVideoTrack)
}

func TestDeniedCaptureIsNotRetried(t *testing.T) {
	capturer := &scriptedCapturer{
		err:   ErrPermissionDenied,
		fails: 1,
		inner: SampleCapturer{Interval: time.Hour},
	}
	m, _ := newManager(t, models.RoleCustomer, capturer)

	stream := m.Acquire(context.Background(), "s1")

	assert.Empty(t, stream.Tracks())
	require.NotNil(t, m.Degraded())
	assert.Equal(t, CausePermissionDenied, m.Degraded().Cause)
	assert.Len(t, capturer.calls, 1)
}

func TestInsecureContextJoinsWithoutMedia(t *testing.T) {
	capturer := SecureContext{Origin: "http://shop.example", Next: slowCapturer()}
	m, _ := newManager(t, models.RoleCustomer, capturer)

	var notified *CaptureError
	m.SetNotifier(func(err *CaptureError) { notified = err })

	stream := m.Acquire(context.Background(), "s1")

	require.NotNil(t, notified)
	assert.Equal(t, CauseInsecureContext, notified.Cause)
	assert.Empty(t, stream.Tracks())
	assert.True(t, m.Muted())
}

func TestReleaseEndsEveryTrack(t *testing.T) {
	m, _ := newManager(t, models.RoleAgent, slowCapturer())
	stream := m.Acquire(context.Background(), "s1")
	require.Equal(t, 2, stream.LiveTracks())

	m.Release()

	assert.Zero(t, stream.LiveTracks())
	for _, track := range stream.Tracks() {
		assert.Equal(t, ReadyStateEnded, track.ReadyState())
		assert.False(t, track.Enabled())
	}
	assert.Nil(t, m.Stream())
	assert.True(t, m.Reserve(), "a new activation may acquire again")
}

func TestClassify(t *testing.T) {
	cases := map[error]Cause{
		ErrInsecureContext:                            CauseInsecureContext,
		ErrPermissionDenied:                           CausePermissionDenied,
		ErrNoDevice:                                   CauseNoDevice,
		errors.New("driver crashed"):                  CauseUnknown,
		&CaptureError{Cause: CauseNoDevice, Err: nil}: CauseNoDevice,
	}
	for err, want := range cases {
		assert.Equal(t, want, Classify(err).Cause, err)
	}
}

func TestIsSecureOrigin(t *testing.T) {
	assert.True(t, IsSecureOrigin("https://shop.example"))
	assert.True(t, IsSecureOrigin("wss://shop.example/ws"))
	assert.True(t, IsSecureOrigin("http://localhost:8080"))
	assert.True(t, IsSecureOrigin("http://127.0.0.1:8080"))
	assert.True(t, IsSecureOrigin("http://[::1]:8080"))
	assert.False(t, IsSecureOrigin("http://shop.example"))
	assert.False(t, IsSecureOrigin("ws://10.0.0.4:8080"))
}

func TestSampleCapturerDevices(t *testing.T) {
	c := &SampleCapturer{Interval: time.Hour, NoCamera: true}

	partial, err := c.Capture(context.Background(), Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrNoDevice)
	require.NotNil(t, partial)
	defer partial.Stop()
	assert.Nil(t, partial.Video())
	assert.NotNil(t, partial.Audio())

	_, err = (&SampleCapturer{Interval: time.Hour, NoMic: true}).Capture(context.Background(), Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrNoDevice)

	stream, err := c.Capture(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	defer stream.Stop()
	assert.Equal(t, webrtc.MimeTypeOpus, stream.Audio().Local().(*webrtc.TrackLocalStaticSample).Codec().MimeType)
}
