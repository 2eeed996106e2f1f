package models

import "time"

// Session is a live or establishing call, stored from the holder's point of view.
type Session struct {
	ID            string    `json:"sessionId"`
	CustomerEmail string    `json:"customerEmail"`
	CustomerName  string    `json:"customerName"`
	AgentEmail    string    `json:"agentEmail"`
	AgentName     string    `json:"agentName"`
	StartedAt     time.Time `json:"startedAt"`
	Role          Role      `json:"-"` // whose view this is
}

// OtherEmail returns the email of the party on the other end of the call.
func (s Session) OtherEmail() string {
	if s.Role == RoleAgent {
		return s.CustomerEmail
	}
	return s.AgentEmail
}

// OtherName returns the display name of the other party.
func (s Session) OtherName() string {
	if s.Role == RoleAgent {
		return s.CustomerName
	}
	return s.AgentName
}
