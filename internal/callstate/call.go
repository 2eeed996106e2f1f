package callstate

import (
	"github.com/mossy-p/livestore-signaling/internal/media"
	"github.com/mossy-p/livestore-signaling/internal/models"
)

// Call is the aggregate a client keeps for the active call.
type Call struct {
	Session       models.Session
	LocalStream   *media.Stream
	RemoteStream  *media.RemoteStream
	IsVideoOn     bool
	RemoteVideoOn bool
	IsMuted       bool
	RemoteMuted   bool
	IsConnecting  bool
}

// SessionID is empty when there is no active call.
func (c *Call) SessionID() string {
	if c == nil {
		return ""
	}
	return c.Session.ID
}

// Matches reports whether id names the active session.
func (c *Call) Matches(id string) bool {
	return c != nil && c.Session.ID != "" && c.Session.ID == id
}

// View is what the UI renders, derived from one state value.
type View struct {
	ShowConnectingPopup bool
	ShowCall            bool
	ShowIncomingRequest bool
	Connecting          bool
	Status              string
	BackendConnected    bool
}

const (
	StatusConnecting = "Connecting you to a store agent..."
	StatusConnected  = "Connected! Starting video call..."
	StatusNoAgents   = "No agents are available right now. Please try again later."
	StatusError      = "Something went wrong. Please try again."
)

// CustomerView derives customer UI visibility.
func CustomerView(state CustomerState, call *Call, backend bool) View {
	v := View{BackendConnected: backend}
	switch state {
	case CustomerConnecting:
		v.ShowConnectingPopup = true
		v.Status = StatusConnecting
	case CustomerConnected:
		v.ShowConnectingPopup = true
		v.Status = StatusConnected
	case CustomerNoAgents:
		v.ShowConnectingPopup = true
		v.Status = StatusNoAgents
	case CustomerError:
		v.ShowConnectingPopup = true
		v.Status = StatusError
	case CustomerInCall:
		v.ShowCall = true
		v.Connecting = call != nil && call.IsConnecting
	}
	return v
}

// AgentView derives agent UI visibility.
func AgentView(state AgentState, call *Call, backend bool) View {
	v := View{BackendConnected: backend}
	switch state {
	case AgentIncomingRequest:
		v.ShowIncomingRequest = true
	case AgentInCall:
		v.ShowCall = true
		v.Connecting = call == nil || call.IsConnecting
	}
	return v
}
