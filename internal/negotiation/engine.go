package negotiation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/eventloop"
	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/media"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

var (
	ErrSessionMismatch = errors.New("message for another session")
	ErrWrongRole       = errors.New("message not meant for this role")
	ErrNoPeer          = errors.New("no peer connection")
)

// LocalSource supplies the tracks to attach. *media.Manager satisfies it.
type LocalSource interface {
	Stream() *media.Stream
}

// Engine owns at most one peer connection, for the bound session. Exported
// methods run on the event loop; Pion callbacks are posted back to it.
type Engine struct {
	sig     transport.Emitter
	role    models.Role
	factory PeerFactory
	loop    eventloop.Dispatcher
	local   LocalSource
	log     *zerolog.Logger

	sessionID string
	pc        PeerConnection
	gen       int
	attached  bool
	offered   bool
	senders   map[media.Kind]*webrtc.RTPSender
	pending   []webrtc.ICECandidateInit
	remote    *media.RemoteStream
	state     webrtc.PeerConnectionState
	failures  int

	received atomic.Int64

	onRemoteMedia func(*media.RemoteStream)
	onState       func(webrtc.PeerConnectionState)
}

func NewEngine(sig transport.Emitter, role models.Role, factory PeerFactory, loop eventloop.Dispatcher,
	local LocalSource, logger *zerolog.Logger) *Engine {
	return &Engine{
		sig:     sig,
		role:    role,
		factory: factory,
		loop:    loop,
		local:   local,
		log:     log.OrNop(logger),
		senders: make(map[media.Kind]*webrtc.RTPSender),
	}
}

// OnRemoteMedia fires each time a new remote track is bound.
func (e *Engine) OnRemoteMedia(fn func(*media.RemoteStream)) { e.onRemoteMedia = fn }

// OnStateChange fires on peer connection state changes.
func (e *Engine) OnStateChange(fn func(webrtc.PeerConnectionState)) { e.onState = fn }

// Bind sets the active session. Messages for any other id are dropped.
func (e *Engine) Bind(sessionID string) {
	e.sessionID = sessionID
	e.log.Debug().Str("session_id", sessionID).Msg("negotiation bound to session")
}

// Start is the agent's reaction to call-connected: build the connection,
// attach tracks and send the offer.
func (e *Engine) Start(sessionID string) error {
	if err := e.guard(models.EventCallConnected, sessionID, models.RoleAgent); err != nil {
		return err
	}
	if e.offered {
		e.log.Debug().Str("session_id", sessionID).Msg("offer already sent")
		return nil
	}
	if err := e.ensurePeer(); err != nil {
		return err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return e.fail("create offer", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return e.fail("set local offer", err)
	}
	e.offered = true

	if err := e.sig.Emit(models.EventWebRTCOffer, models.Offer{Offer: offer, SessionID: e.sessionID}); err != nil {
		return e.fail("send offer", err)
	}
	e.log.Info().Str("session_id", e.sessionID).Msg("offer sent")
	return nil
}

// HandleOffer is the customer's answer path.
func (e *Engine) HandleOffer(p models.Offer) error {
	if err := e.guard(models.EventWebRTCOffer, p.SessionID, models.RoleCustomer); err != nil {
		return err
	}
	if err := e.ensurePeer(); err != nil {
		return err
	}

	if err := e.pc.SetRemoteDescription(p.Offer); err != nil {
		return e.fail("set remote offer", err)
	}
	e.flushCandidates()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return e.fail("create answer", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return e.fail("set local answer", err)
	}

	if err := e.sig.Emit(models.EventWebRTCAnswer, models.Answer{Answer: answer, SessionID: e.sessionID}); err != nil {
		return e.fail("send answer", err)
	}
	e.log.Info().Str("session_id", e.sessionID).Msg("answer sent")
	return nil
}

// HandleAnswer completes the agent's side of the exchange.
func (e *Engine) HandleAnswer(p models.Answer) error {
	if err := e.guard(models.EventWebRTCAnswer, p.SessionID, models.RoleAgent); err != nil {
		return err
	}
	if e.pc == nil || !e.offered {
		e.log.Warn().Str("session_id", p.SessionID).Msg("answer without an offer; ignored")
		return ErrNoPeer
	}
	if err := e.pc.SetRemoteDescription(p.Answer); err != nil {
		return e.fail("set remote answer", err)
	}
	e.flushCandidates()
	e.log.Info().Str("session_id", e.sessionID).Msg("answer applied")
	return nil
}

// HandleCandidate applies a remote candidate, or queues it until a remote
// description exists.
func (e *Engine) HandleCandidate(p models.ICECandidate) error {
	if err := e.guard(models.EventWebRTCICECandidate, p.SessionID, e.role); err != nil {
		return err
	}
	if e.pc == nil || e.pc.RemoteDescription() == nil {
		e.pending = append(e.pending, p.Candidate)
		e.log.Debug().Str("session_id", p.SessionID).Int("queued", len(e.pending)).Msg("candidate queued")
		return nil
	}
	if err := e.pc.AddICECandidate(p.Candidate); err != nil {
		return e.fail("add candidate", err)
	}
	return nil
}

// guard drops messages for other sessions or for the other role.
func (e *Engine) guard(event, sessionID string, want models.Role) error {
	if e.role != want {
		e.log.Warn().Str("event", event).Str("role", e.role.String()).Msg("wrong-role message ignored")
		return fmt.Errorf("%s: %w", event, ErrWrongRole)
	}
	if e.sessionID == "" || sessionID != e.sessionID {
		e.log.Warn().Str("event", event).Str("session_id", sessionID).Str("active", e.sessionID).Msg("session mismatch; message ignored")
		return fmt.Errorf("%s: %w", event, ErrSessionMismatch)
	}
	return nil
}

// fail records a negotiation error. The call is left as it is.
func (e *Engine) fail(step string, err error) error {
	e.failures++
	e.log.Error().Err(err).Str("session_id", e.sessionID).Str("step", step).Msg("negotiation step failed")
	return fmt.Errorf("%s: %w", step, err)
}

func (e *Engine) ensurePeer() error {
	if e.pc != nil {
		return nil
	}
	pc, err := e.factory.NewPeerConnection()
	if err != nil {
		return e.fail("create peer connection", err)
	}
	e.gen++
	gen := e.gen
	e.pc = pc
	e.state = webrtc.PeerConnectionStateNew

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.post(gen, func() { e.sendCandidate(init) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.post(gen, func() { e.setState(s) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := media.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: media.KindOf(track.Kind())}
		e.post(gen, func() { e.bindRemote(rt) })
		go e.drain(track)
	})

	e.attachLocal()
	e.log.Info().Str("session_id", e.sessionID).Str("role", e.role.String()).Msg("peer connection created")
	return nil
}

// attachLocal adds local tracks exactly once per peer connection. Kinds with
// no local track get a receive-only transceiver on the offering side so the
// remote media still has an m-line.
func (e *Engine) attachLocal() {
	if e.attached {
		return
	}
	e.attached = true

	var stream *media.Stream
	if e.local != nil {
		stream = e.local.Stream()
	}

	have := map[media.Kind]bool{}
	for _, t := range stream.Tracks() {
		sender, err := e.pc.AddTrack(t.Local())
		if err != nil {
			e.fail("add "+string(t.Kind())+" track", err)
			continue
		}
		have[t.Kind()] = true
		if sender != nil {
			e.senders[t.Kind()] = sender
			go drainRTCP(sender)
		}
	}

	if !e.role.IsAgent() {
		return
	}
	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		if have[kind] {
			continue
		}
		if _, err := e.pc.AddTransceiverFromKind(kind.Codec(), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			e.fail("add recvonly "+string(kind), err)
		}
	}
}

func (e *Engine) flushCandidates() {
	queued := e.pending
	e.pending = nil
	for _, c := range queued {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.fail("add queued candidate", err)
		}
	}
	if len(queued) > 0 {
		e.log.Debug().Str("session_id", e.sessionID).Int("count", len(queued)).Msg("queued candidates applied")
	}
}

func (e *Engine) sendCandidate(c webrtc.ICECandidateInit) {
	if e.sessionID == "" {
		return
	}
	if err := e.sig.Emit(models.EventWebRTCICECandidate, models.ICECandidate{Candidate: c, SessionID: e.sessionID}); err != nil {
		e.log.Warn().Err(err).Msg("failed to send candidate")
	}
}

func (e *Engine) setState(s webrtc.PeerConnectionState) {
	e.state = s
	e.log.Info().Str("session_id", e.sessionID).Str("state", s.String()).Msg("peer connection state")
	if e.onState != nil {
		e.onState(s)
	}
}

func (e *Engine) bindRemote(rt media.RemoteTrack) {
	if e.remote == nil {
		e.remote = media.NewRemoteStream(rt.StreamID)
	}
	if !e.remote.Add(rt) {
		return
	}
	e.log.Info().Str("session_id", e.sessionID).Str("kind", string(rt.Kind)).Msg("remote track bound")
	if e.onRemoteMedia != nil {
		e.onRemoteMedia(e.remote)
	}
}

// post drops callbacks from a connection that has since been closed.
func (e *Engine) post(gen int, fn func()) {
	e.loop.Post(func() {
		if gen != e.gen || e.pc == nil {
			return
		}
		fn()
	})
}

func (e *Engine) drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		e.received.Add(1)
	}
}

// drainRTCP keeps interceptors fed; the packets themselves are not used.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Sender returns the active sender for kind once media is flowing.
// Before that, toggles only change local state.
func (e *Engine) Sender(kind media.Kind) (media.Sender, bool) {
	if e.pc == nil || e.state != webrtc.PeerConnectionStateConnected {
		return nil, false
	}
	s, ok := e.senders[kind]
	if !ok {
		return nil, false
	}
	return s, true
}

// Close tears the peer connection down and returns to uninitialized.
func (e *Engine) Close() {
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close peer connection")
		}
		e.log.Info().Str("session_id", e.sessionID).Msg("peer connection closed")
	}
	e.pc = nil
	e.gen++
	e.attached = false
	e.offered = false
	e.senders = make(map[media.Kind]*webrtc.RTPSender)
	e.pending = nil
	e.remote = nil
	e.state = webrtc.PeerConnectionStateUnknown
	e.sessionID = ""
}

// Initialized reports whether a peer connection exists.
func (e *Engine) Initialized() bool { return e.pc != nil }

func (e *Engine) SessionID() string                 { return e.sessionID }
func (e *Engine) State() webrtc.PeerConnectionState { return e.state }
func (e *Engine) Remote() *media.RemoteStream       { return e.remote }
func (e *Engine) Pending() int                      { return len(e.pending) }

// Failures counts negotiation errors that were logged and swallowed.
func (e *Engine) Failures() int { return e.failures }

// PacketsReceived counts RTP packets read from remote tracks.
func (e *Engine) PacketsReceived() int64 { return e.received.Load() }
