// Package precheck talks to the signaling server's REST surface: login and
// the "are any agents online" check that runs before a live request.
package precheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mossy-p/livestore-signaling/internal/models"
)

var ErrUnauthorized = errors.New("not authorized; log in again")

// Result is the body of POST /api/live-store/request-connection.
type Result struct {
	Success         bool `json:"success"`
	AgentsAvailable bool `json:"agentsAvailable"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email   string          `json:"email"`
	Name    string          `json:"name"`
	IsAgent models.RoleFlag `json:"isAgent"`
}

// LoginResponse carries the bearer token for later calls.
type LoginResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken sets the bearer token sent with the pre-check.
func (c *Client) SetToken(token string) { c.token = token }
func (c *Client) Token() string         { return c.token }

// Login obtains a token for identity and stores it on the client.
func (c *Client) Login(ctx context.Context, identity models.Identity) (LoginResponse, error) {
	var out LoginResponse
	err := c.post(ctx, "/api/auth/login", LoginRequest{
		Email:   identity.Email,
		Name:    identity.Name,
		IsAgent: models.RoleFlag(identity.Role.IsAgent()),
	}, &out)
	if err != nil {
		return out, fmt.Errorf("login: %w", err)
	}
	c.token = out.Token
	return out, nil
}

// Check asks whether any agents are online. The answer is advisory: the live
// request can still be declined.
func (c *Client) Check(ctx context.Context, req models.RequestConnection) (Result, error) {
	var out Result
	if err := c.post(ctx, "/api/live-store/request-connection", req, &out); err != nil {
		return out, fmt.Errorf("pre-check: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
