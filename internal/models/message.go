package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaling event names. These are shared with browser clients and must not change.
const (
	EventRegisterUser       = "register-user"
	EventRequestConnection  = "request-connection"
	EventConnectionRequest  = "connection-request"
	EventAcceptConnection   = "accept-connection"
	EventDeclineConnection  = "decline-connection"
	EventConnectionAccepted = "connection-accepted"
	EventConnectionDeclined = "connection-declined"
	EventCallConnected      = "call-connected"
	EventWebRTCOffer        = "webrtc-offer"
	EventWebRTCAnswer       = "webrtc-answer"
	EventWebRTCICECandidate = "webrtc-ice-candidate"
	EventCameraStateChanged = "camera-state-changed"
	EventAudioStateChanged  = "audio-state-changed"
	EventEndCall            = "end-call"

	// EventConnectionWithdrawn tells an agent that a request it was shown
	// has been taken by another agent, expired, or was abandoned.
	EventConnectionWithdrawn = "connection-request-withdrawn"
)

// Envelope is the frame exchanged over the signaling socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Event, err)
	}
	return nil
}

// RegisterUser is sent by every client right after the socket connects.
type RegisterUser struct {
	UserEmail string   `json:"UserEmail"`
	IsAgent   RoleFlag `json:"isAgent"`
}

// RequestConnection asks the server to find an agent for the customer.
type RequestConnection struct {
	UserEmail string `json:"userEmail"`
	UserName  string `json:"userName"`
}

// ConnectionRequest is delivered to agents.
type ConnectionRequest struct {
	RequestID string    `json:"requestId"`
	UserEmail string    `json:"userEmail"`
	UserName  string    `json:"userName"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestRef identifies a connection request in accept/decline messages.
type RequestRef struct {
	RequestID string `json:"requestId"`
}

// ConnectionAccepted tells the customer which agent picked the request up.
type ConnectionAccepted struct {
	AgentEmail string `json:"agentEmail"`
	AgentName  string `json:"agentName"`
	SessionID  string `json:"sessionId"`
}

// ConnectionDeclined tells the customer no agent will take the request.
type ConnectionDeclined struct {
	Message string `json:"message"`
}

// SessionRef carries only a session id (call-connected, end-call).
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// Offer is the agent's SDP offer.
type Offer struct {
	Offer     webrtc.SessionDescription `json:"offer"`
	SessionID string                    `json:"sessionId"`
}

// Answer is the customer's SDP answer.
type Answer struct {
	Answer    webrtc.SessionDescription `json:"answer"`
	SessionID string                    `json:"sessionId"`
}

// ICECandidate relays one trickled candidate.
type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	SessionID string                  `json:"sessionId"`
}

// CameraState announces a camera toggle so the peer can render "camera off".
type CameraState struct {
	SessionID string `json:"sessionId"`
	IsVideoOn bool   `json:"isVideoOn"`
	UserType  string `json:"userType"`
}

// AudioState announces a microphone toggle.
type AudioState struct {
	SessionID string `json:"sessionId"`
	IsMuted   bool   `json:"isMuted"`
	UserType  string `json:"userType"`
}
