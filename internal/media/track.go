// Package media owns local camera/microphone tracks for one call interface
// and the remote stream bound from the peer connection.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Codec maps the kind to Pion's codec type.
func (k Kind) Codec() webrtc.RTPCodecType {
	if k == KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// KindOf maps a Pion codec type back to a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// ReadyState mirrors MediaStreamTrack.readyState.
type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

// Track is one local source. Enabled can flip freely; once stopped it stays ended.
type Track struct {
	kind  Kind
	local webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	state   ReadyState
	stop    func()
}

// NewTrack wraps a Pion local track. stop releases the underlying source.
func NewTrack(kind Kind, local webrtc.TrackLocal, stop func()) *Track {
	return &Track{
		kind:    kind,
		local:   local,
		enabled: true,
		state:   ReadyStateLive,
		stop:    stop,
	}
}

func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && t.state == ReadyStateLive
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop ends the track and releases its source. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	if t.state == ReadyStateEnded {
		t.mu.Unlock()
		return
	}
	t.state = ReadyStateEnded
	t.enabled = false
	stop := t.stop
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Stream groups the local tracks acquired for one call interface.
type Stream struct {
	id     string
	tracks []*Track
}

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) Audio() *Track { return s.first(KindAudio) }
func (s *Stream) Video() *Track { return s.first(KindVideo) }

func (s *Stream) first(kind Kind) *Track {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// LiveTracks counts tracks that have not been stopped.
func (s *Stream) LiveTracks() int {
	n := 0
	for _, t := range s.Tracks() {
		if t.ReadyState() == ReadyStateLive {
			n++
		}
	}
	return n
}

// Stop ends every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteTrack describes one incoming track.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     Kind
}

// RemoteStream is filled asynchronously as the peer's tracks arrive.
type RemoteStream struct {
	mu     sync.Mutex
	id     string
	tracks []RemoteTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (r *RemoteStream) ID() string { return r.id }

// Add binds a track and reports whether it was new.
func (r *RemoteStream) Add(t RemoteTrack) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tracks {
		if existing.ID == t.ID && existing.Kind == t.Kind {
			return false
		}
	}
	r.tracks = append(r.tracks, t)
	return true
}

func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// Has reports whether a track of kind has arrived.
func (r *RemoteStream) Has(kind Kind) bool {
	for _, t := range r.Tracks() {
		if t.Kind == kind {
			return true
		}
	}
	return false
}
