package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Constraints selects which kinds to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer is the getUserMedia equivalent. When only the camera is
// unavailable it returns the audio it did capture together with the error.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}

// Cause categorizes capture failures for user guidance.
type Cause string

const (
	CauseInsecureContext  Cause = "insecure_context"
	CausePermissionDenied Cause = "permission_denied"
	CauseNoDevice         Cause = "no_device"
	CauseUnknown          Cause = "unknown"
)

var (
	ErrInsecureContext  = errors.New("media capture requires a secure context")
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNoDevice         = errors.New("no capture device found")
)

// CaptureError is a classified capture failure.
type CaptureError struct {
	Cause Cause
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.Cause, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Remediation is the actionable text shown to the user.
func (e *CaptureError) Remediation() string {
	switch e.Cause {
	case CauseInsecureContext:
		return "Camera and microphone need a secure connection. Open the store over https:// (or localhost) and try again."
	case CausePermissionDenied:
		return "Camera or microphone access was blocked. Allow access in your browser or system settings, then rejoin the call."
	case CauseNoDevice:
		return "No camera was found. Connect a camera to share video; the call continues with audio only."
	default:
		return "Your camera could not be started. The call continues without video."
	}
}

// Classify wraps err into a CaptureError with a cause.
func Classify(err error) *CaptureError {
	var cerr *CaptureError
	if errors.As(err, &cerr) {
		return cerr
	}
	switch {
	case errors.Is(err, ErrInsecureContext):
		return &CaptureError{Cause: CauseInsecureContext, Err: err}
	case errors.Is(err, ErrPermissionDenied):
		return &CaptureError{Cause: CausePermissionDenied, Err: err}
	case errors.Is(err, ErrNoDevice):
		return &CaptureError{Cause: CauseNoDevice, Err: err}
	default:
		return &CaptureError{Cause: CauseUnknown, Err: err}
	}
}

// SecureContext refuses capture unless the page origin is https/wss or loopback,
// which is what browsers enforce for getUserMedia.
type SecureContext struct {
	Origin string
	Next   Capturer
}

func (s SecureContext) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	if !IsSecureOrigin(s.Origin) {
		return nil, &CaptureError{Cause: CauseInsecureContext, Err: ErrInsecureContext}
	}
	return s.Next.Capture(ctx, c)
}

// IsSecureOrigin reports whether origin would count as a secure context.
func IsSecureOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "https", "wss":
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SampleCapturer produces synthetic Opus and VP8 tracks paced at a fixed
// interval. It stands in for camera/microphone drivers on headless hosts.
type SampleCapturer struct {
	Interval time.Duration
	NoCamera bool
	NoMic    bool
	Denied   bool
	payload  []byte
	initOnce sync.Once
}

func (c *SampleCapturer) Capture(ctx context.Context, cons Constraints) (*Stream, error) {
	c.initOnce.Do(func() {
		if c.Interval <= 0 {
			c.Interval = 20 * time.Millisecond
		}
		c.payload = make([]byte, 160)
	})

	if c.Denied {
		return nil, &CaptureError{Cause: CausePermissionDenied, Err: ErrPermissionDenied}
	}
	if cons.Audio && c.NoMic {
		return nil, &CaptureError{Cause: CauseNoDevice, Err: ErrNoDevice}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cons.Video && c.NoCamera {
		if !cons.Audio {
			return nil, &CaptureError{Cause: CauseNoDevice, Err: ErrNoDevice}
		}
		audio, err := c.Capture(ctx, Constraints{Audio: true})
		if err != nil {
			return nil, err
		}
		return audio, &CaptureError{Cause: CauseNoDevice, Err: ErrNoDevice}
	}

	streamID := "local-" + uuid.NewString()
	var tracks []*Track

	if cons.Audio {
		t, err := c.newTrack(KindAudio, webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
		}, streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if cons.Video {
		t, err := c.newTrack(KindVideo, webrtc.RTPCodecCapability{
			MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
		}, streamID)
		if err != nil {
			for _, prev := range tracks {
				prev.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return NewStream(streamID, tracks...), nil
}

func (c *SampleCapturer) newTrack(kind Kind, codec webrtc.RTPCodecCapability, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	quit := make(chan struct{})
	track := NewTrack(kind, local, func() { close(quit) })

	go func() {
		ticker := time.NewTicker(c.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if !track.Enabled() {
					continue
				}
				// Unbound tracks drop samples silently.
				_ = local.WriteSample(pionmedia.Sample{Data: c.payload, Duration: c.Interval})
			}
		}
	}()

	return track, nil
}
