// Package negotiation runs the offer/answer and ICE exchange for one call on
// a Pion peer connection. The agent always offers; the customer always answers.
package negotiation

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection the engine drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerFactory builds a fresh peer connection per session.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// FactoryOptions configures the Pion API shared by every call.
type FactoryOptions struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
	IncludeLoopback     bool
}

// PionFactory builds peer connections from one configured webrtc.API.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPionFactory(opts FactoryOptions) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepaliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepaliveInterval)
	}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, url := range opts.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &PionFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: servers},
	}, nil
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
