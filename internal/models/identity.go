package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Role is the side a participant plays in a call.
type Role int

const (
	RoleCustomer Role = iota
	RoleAgent
)

// UserType is the value used in camera/audio state payloads.
func (r Role) UserType() string {
	if r == RoleAgent {
		return "agent"
	}
	return "customer"
}

func (r Role) String() string { return r.UserType() }

// IsAgent reports whether the role is the agent side.
func (r Role) IsAgent() bool { return r == RoleAgent }

// RoleFromBool maps the wire flag to a Role.
func RoleFromBool(isAgent bool) Role {
	if isAgent {
		return RoleAgent
	}
	return RoleCustomer
}

// RoleFlag decodes the loosely typed isAgent flag browsers send
// (true, "true", "True", 1, "1", "yes") into a plain boolean.
type RoleFlag bool

func (f RoleFlag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}

func (f *RoleFlag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = false
		return nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case bool:
		*f = RoleFlag(v)
	case float64:
		*f = v == 1
	case string:
		*f = ParseRoleFlag(v)
	default:
		*f = false
	}
	return nil
}

// ParseRoleFlag normalizes a textual flag.
func ParseRoleFlag(s string) RoleFlag {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "agent":
		return true
	default:
		return false
	}
}

// Role returns the Role the flag denotes.
func (f RoleFlag) Role() Role { return RoleFromBool(bool(f)) }

// Identity is who a client registered as. It is fixed for the socket's lifetime.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"-"`
}

// LoggedIn reports whether the identity carries a usable email.
func (i Identity) LoggedIn() bool {
	return strings.TrimSpace(i.Email) != ""
}

// DisplayName falls back to the email when no name is set.
func (i Identity) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Email
}
