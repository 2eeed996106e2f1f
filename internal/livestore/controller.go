// Package livestore wires the request protocol, negotiation engine and media
// manager of one participant to its signaling socket. Everything the
// components do happens on a single event loop.
package livestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/livestore-signaling/internal/callstate"
	"github.com/mossy-p/livestore-signaling/internal/eventloop"
	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/media"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/negotiation"
	"github.com/mossy-p/livestore-signaling/internal/precheck"
	"github.com/mossy-p/livestore-signaling/internal/presence"
	"github.com/mossy-p/livestore-signaling/internal/request"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

// ErrTransportLost ends any in-flight request or call when the socket drops.
// Calls do not survive reconnects.
var ErrTransportLost = errors.New("signaling connection lost")

// Socket is what the controller needs from transport.Socket.
type Socket interface {
	transport.Emitter
	On(event string, h transport.Handler)
	OnStatus(fn func(connected bool))
	Connect(ctx context.Context) error
	Close() error
}

// PreChecker is the REST availability check.
type PreChecker interface {
	Check(ctx context.Context, req models.RequestConnection) (precheck.Result, error)
}

type Options struct {
	Identity  models.Identity
	Request   request.Options
	Capturer  media.Capturer
	Factory   negotiation.PeerFactory
	PreCheck  PreChecker
	Scheduler eventloop.Scheduler
	Logger    *zerolog.Logger
}

// Snapshot is a copy of the controller state safe to read off the loop.
type Snapshot struct {
	Role          models.Role
	State         string
	View          callstate.View
	SessionID     string
	OtherParty    string
	Message       string
	IsVideoOn     bool
	RemoteVideoOn bool
	IsMuted       bool
	RemoteMuted   bool
	IsConnecting  bool
	LocalTracks   int
	RemoteTracks  int
	PeerState     webrtc.PeerConnectionState
	MediaIssue    string // capture failure cause, empty when media is complete
	Request       *models.ConnectionRequest
}

type Controller struct {
	sock     Socket
	loop     eventloop.Runner
	identity models.Identity
	check    PreChecker
	log      *zerolog.Logger

	registrar *presence.Registrar
	customer  *request.Customer
	agent     *request.Agent
	media     *media.Manager
	engine    *negotiation.Engine

	ctx          context.Context
	call         *callstate.Call
	backend      bool
	pendingOffer *models.Offer
	notice       string

	onChange []func(Snapshot)
	onNotice []func(string)
}

func New(sock Socket, loop eventloop.Runner, opts Options) *Controller {
	logger := log.OrNop(opts.Logger)
	l := logger.With().Str("role", opts.Identity.Role.String()).Str("email", opts.Identity.Email).Logger()

	c := &Controller{
		sock:     sock,
		loop:     loop,
		identity: opts.Identity,
		check:    opts.PreCheck,
		log:      &l,
		ctx:      context.Background(),
	}

	sched := opts.Scheduler
	if sched == nil {
		if s, ok := loop.(eventloop.Scheduler); ok {
			sched = s
		}
	}

	c.registrar = presence.NewRegistrar(sock, opts.Identity, c.log)
	c.media = media.NewManager(sock, opts.Identity.Role, opts.Capturer, c.log)
	c.media.SetNotifier(func(err *media.CaptureError) { c.notify(err.Remediation()) })
	c.engine = negotiation.NewEngine(sock, opts.Identity.Role, opts.Factory, loop, c.media, c.log)
	c.engine.OnRemoteMedia(c.remoteMedia)
	c.engine.OnStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			c.media.Resync()
		}
		c.changed()
	})

	// Timer-driven transitions (call UI pacing, auto-revert) have no inbound
	// event behind them, so the machines report their own changes.
	if opts.Identity.Role.IsAgent() {
		machine := callstate.NewAgentMachine(c.log)
		machine.OnChange(func(_, _ callstate.AgentState) { c.changed() })
		c.agent = request.NewAgent(sock, opts.Identity, machine, c.log)
		c.agent.OnIncoming(func(r models.ConnectionRequest) {
			c.notify(fmt.Sprintf("Incoming request from %s", displayName(r)))
		})
	} else {
		machine := callstate.NewCustomerMachine(c.log)
		machine.OnChange(func(_, _ callstate.CustomerState) { c.changed() })
		c.customer = request.NewCustomer(sock, opts.Identity, machine, sched, opts.Request, c.log)
		c.customer.OnAccepted(c.accepted)
		c.customer.OnShowCall(c.showCall)
	}

	c.bind()
	return c
}

// OnChange registers fn to receive a snapshot after every handled event.
// It runs on the loop.
func (c *Controller) OnChange(fn func(Snapshot)) { c.onChange = append(c.onChange, fn) }

// OnNotice registers fn for user-facing messages.
func (c *Controller) OnNotice(fn func(string)) { c.onNotice = append(c.onNotice, fn) }

// Start connects the socket. Registration follows from the status callback.
func (c *Controller) Start(ctx context.Context) error {
	c.loop.Do(func() { c.ctx = ctx })
	if err := c.sock.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Shutdown ends any call, telling the peer, and closes the socket.
func (c *Controller) Shutdown() error {
	c.loop.Do(func() {
		if c.inCall() {
			c.endCall(true, "shutdown")
		}
	})
	return c.sock.Close()
}

// RequestConnection starts the customer handshake. The pre-check runs off
// the loop and posts its result back.
func (c *Controller) RequestConnection() error {
	if c.customer == nil {
		return fmt.Errorf("request connection: %w", negotiation.ErrWrongRole)
	}
	var err error
	c.loop.Do(func() {
		var attempt int
		attempt, err = c.customer.Begin()
		if err != nil {
			c.notify(err.Error())
			return
		}
		c.changed()

		if c.check == nil {
			c.customer.PreChecked(attempt, true, nil)
			c.changed()
			return
		}
		ctx := c.ctx
		req := models.RequestConnection{UserEmail: c.identity.Email, UserName: c.identity.DisplayName()}
		go func() {
			res, cerr := c.check.Check(ctx, req)
			c.loop.Post(func() {
				c.customer.PreChecked(attempt, res.AgentsAvailable, cerr)
				c.changed()
			})
		}()
	})
	return err
}

// CancelRequest closes the connecting popup.
func (c *Controller) CancelRequest() error {
	if c.customer == nil {
		return fmt.Errorf("cancel request: %w", negotiation.ErrWrongRole)
	}
	var err error
	c.loop.Do(func() {
		err = c.customer.Cancel()
		c.changed()
	})
	return err
}

// Accept answers the pending request on the agent side.
func (c *Controller) Accept() error {
	if c.agent == nil {
		return fmt.Errorf("accept: %w", negotiation.ErrWrongRole)
	}
	var err error
	c.loop.Do(func() {
		err = c.agent.Accept()
		c.changed()
	})
	return err
}

// Decline rejects the pending request on the agent side.
func (c *Controller) Decline() error {
	if c.agent == nil {
		return fmt.Errorf("decline: %w", negotiation.ErrWrongRole)
	}
	var err error
	c.loop.Do(func() {
		err = c.agent.Decline()
		c.changed()
	})
	return err
}

// EndCall hangs up and tells the other side.
func (c *Controller) EndCall() {
	c.loop.Do(func() {
		if c.inCall() {
			c.endCall(true, "local hangup")
		}
	})
}

func (c *Controller) ToggleVideo() (bool, error) {
	var on bool
	var err error
	c.loop.Do(func() {
		if c.call == nil || c.call.LocalStream == nil {
			err = media.ErrNoVideoTrack
			return
		}
		on, err = c.media.ToggleVideo()
		c.call.IsVideoOn = c.media.VideoOn()
		c.changed()
	})
	return on, err
}

func (c *Controller) ToggleAudio() (bool, error) {
	var muted bool
	var err error
	c.loop.Do(func() {
		if c.call == nil || c.call.LocalStream == nil {
			err = media.ErrNoAudioTrack
			return
		}
		muted, err = c.media.ToggleAudio()
		c.call.IsMuted = c.media.Muted()
		c.changed()
	})
	return muted, err
}

// Snapshot copies the current state from the loop.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	c.loop.Do(func() { s = c.snapshot() })
	return s
}

func (c *Controller) bind() {
	c.sock.OnStatus(func(connected bool) {
		c.loop.Post(func() {
			c.status(connected)
			c.changed()
		})
	})

	if c.agent != nil {
		on(c, models.EventConnectionRequest, c.agent.Incoming)
		on(c, models.EventConnectionWithdrawn, func(p models.RequestRef) { c.agent.Withdrawn(p.RequestID) })
	} else {
		on(c, models.EventConnectionAccepted, c.customer.Accepted)
		on(c, models.EventConnectionDeclined, c.customer.Declined)
	}

	on(c, models.EventCallConnected, c.callConnected)
	on(c, models.EventWebRTCOffer, c.offer)
	on(c, models.EventWebRTCAnswer, func(p models.Answer) { _ = c.engine.HandleAnswer(p) })
	on(c, models.EventWebRTCICECandidate, func(p models.ICECandidate) { _ = c.engine.HandleCandidate(p) })
	on(c, models.EventCameraStateChanged, c.remoteCamera)
	on(c, models.EventAudioStateChanged, c.remoteAudio)
	on(c, models.EventEndCall, func(p models.SessionRef) {
		if c.call.Matches(p.SessionID) {
			c.endCall(false, "remote hangup")
		} else {
			c.log.Debug().Str("session_id", p.SessionID).Msg("end-call for another session ignored")
		}
	})
}

// on decodes event payloads off the loop and handles them on it.
func on[T any](c *Controller, event string, fn func(T)) {
	c.sock.On(event, func(env models.Envelope) {
		var p T
		if err := env.Decode(&p); err != nil {
			c.log.Warn().Err(err).Str("event", event).Msg("malformed event dropped")
			return
		}
		c.loop.Post(func() {
			fn(p)
			c.changed()
		})
	})
}

func (c *Controller) status(connected bool) {
	c.backend = connected
	if connected {
		if err := c.registrar.Register(); err != nil {
			c.notify(err.Error())
		}
		return
	}
	c.transportLost()
}

// transportLost tears down exactly as a remote end-call would. Nothing is
// resumed when the socket comes back.
func (c *Controller) transportLost() {
	if c.inCall() {
		c.endCall(false, ErrTransportLost.Error())
		c.notify("The connection to the store was lost and the call ended.")
		return
	}
	if c.customer != nil {
		c.customer.Failed(ErrTransportLost)
	}
	if c.agent != nil {
		if r := c.agent.Request(); r != nil {
			c.agent.Withdrawn(r.RequestID)
		}
	}
}

func (c *Controller) accepted(s models.Session) {
	c.call = &callstate.Call{Session: s, IsConnecting: true}
	c.engine.Bind(s.ID)
	c.media.SetSession(s.ID)
}

func (c *Controller) showCall(s models.Session) {
	c.activateMedia(s.ID, func() {
		if p := c.pendingOffer; p != nil {
			c.pendingOffer = nil
			_ = c.engine.HandleOffer(*p)
		}
	})
}

func (c *Controller) callConnected(p models.SessionRef) {
	if c.agent == nil {
		if !c.call.Matches(p.SessionID) {
			c.log.Debug().Str("session_id", p.SessionID).Msg("call-connected for another session ignored")
		}
		return
	}
	if !c.agent.CallConnected(p.SessionID) {
		return
	}
	c.call = &callstate.Call{Session: *c.agent.Session(), IsConnecting: true}
	c.engine.Bind(p.SessionID)
	c.media.SetSession(p.SessionID)
	c.activateMedia(p.SessionID, func() { _ = c.engine.Start(p.SessionID) })
}

// offer holds an offer that beats local media to the customer, and replays
// it once the tracks exist.
func (c *Controller) offer(p models.Offer) {
	if c.customer != nil && c.call.Matches(p.SessionID) && c.call.LocalStream == nil {
		c.pendingOffer = &p
		c.log.Info().Str("session_id", p.SessionID).Msg("offer held until local media is ready")
		return
	}
	_ = c.engine.HandleOffer(p)
}

// activateMedia captures off the loop, then installs the stream and runs next.
func (c *Controller) activateMedia(sessionID string, next func()) {
	if !c.media.Reserve() {
		next()
		return
	}
	ctx := c.ctx
	go func() {
		stream, cerr := c.media.Capture(ctx)
		c.loop.Post(func() {
			if !c.call.Matches(sessionID) {
				stream.Stop()
				return
			}
			c.media.Install(sessionID, stream, cerr)
			c.media.SetSenders(c.engine)
			c.call.LocalStream = stream
			c.call.IsVideoOn = c.media.VideoOn()
			c.call.IsMuted = c.media.Muted()
			next()
			c.changed()
		})
	}()
}

func (c *Controller) remoteMedia(rs *media.RemoteStream) {
	if c.call == nil {
		return
	}
	c.call.RemoteStream = rs
	c.call.IsConnecting = false
	c.changed()
}

func (c *Controller) remoteCamera(p models.CameraState) {
	if !c.call.Matches(p.SessionID) || p.UserType == c.identity.Role.UserType() {
		return
	}
	c.call.RemoteVideoOn = p.IsVideoOn
}

func (c *Controller) remoteAudio(p models.AudioState) {
	if !c.call.Matches(p.SessionID) || p.UserType == c.identity.Role.UserType() {
		return
	}
	c.call.RemoteMuted = p.IsMuted
}

func (c *Controller) inCall() bool {
	if c.call != nil {
		return true
	}
	if c.agent != nil {
		return c.agent.State() == callstate.AgentInCall
	}
	return c.customer.State() == callstate.CustomerConnected || c.customer.State() == callstate.CustomerInCall
}

// endCall releases media, closes the peer connection and resets to idle.
func (c *Controller) endCall(tellPeer bool, reason string) {
	id := c.call.SessionID()
	if tellPeer && id != "" {
		if err := c.sock.Emit(models.EventEndCall, models.SessionRef{SessionID: id}); err != nil {
			c.log.Warn().Err(err).Msg("failed to send end-call")
		}
	}

	c.media.Release()
	c.engine.Close()
	c.pendingOffer = nil
	c.call = nil
	if c.customer != nil {
		c.customer.End()
	} else {
		c.agent.End()
	}
	c.log.Info().Str("session_id", id).Str("reason", reason).Msg("call ended")
}

func displayName(r models.ConnectionRequest) string {
	if r.UserName != "" {
		return r.UserName
	}
	return r.UserEmail
}

func (c *Controller) notify(msg string) {
	c.notice = msg
	for _, fn := range c.onNotice {
		fn(msg)
	}
}

func (c *Controller) changed() {
	if len(c.onChange) == 0 {
		return
	}
	s := c.snapshot()
	for _, fn := range c.onChange {
		fn(s)
	}
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		Role:      c.identity.Role,
		Message:   c.notice,
		PeerState: c.engine.State(),
	}
	if cerr := c.media.Degraded(); cerr != nil {
		s.MediaIssue = string(cerr.Cause)
	}
	if c.agent != nil {
		s.State = c.agent.State().String()
		s.View = callstate.AgentView(c.agent.State(), c.call, c.backend)
		if r := c.agent.Request(); r != nil {
			cp := *r
			s.Request = &cp
		}
	} else {
		s.State = c.customer.State().String()
		s.View = callstate.CustomerView(c.customer.State(), c.call, c.backend)
		if msg := c.customer.Message(); msg != "" {
			s.Message = msg
			s.View.Status = msg
		}
	}
	if call := c.call; call != nil {
		s.SessionID = call.SessionID()
		s.OtherParty = call.Session.OtherEmail()
		s.IsVideoOn = call.IsVideoOn
		s.RemoteVideoOn = call.RemoteVideoOn
		s.IsMuted = call.IsMuted
		s.RemoteMuted = call.RemoteMuted
		s.IsConnecting = call.IsConnecting
		s.LocalTracks = call.LocalStream.LiveTracks()
		if call.RemoteStream != nil {
			s.RemoteTracks = len(call.RemoteStream.Tracks())
		}
	}
	return s
}
