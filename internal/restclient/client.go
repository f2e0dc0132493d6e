package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Ayuan97/rust-bot-sub001/internal/device"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/pkg/types"
)

// APIError is a control-plane rejection: the call reached the server and the
// server said no.
type APIError struct {
	Message string
}

func (e *APIError) Error() string { return "control plane: " + e.Message }

// envelope is the control plane's uniform response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client wraps the consumed REST control plane: plain JSON request/response,
// no concurrency hazards. The sync core's own rules (no retries, surfaced
// errors) apply here too.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

func New(base string, log *zap.Logger) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("restclient: encode %s: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return fmt.Errorf("restclient: %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("restclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("restclient: decode %s (%d): %w", path, resp.StatusCode, err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("restclient: decode %s data: %w", path, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// ServerResource is a managed server as the control plane renders it.
type ServerResource struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	PlayerID    string `json:"playerId"`
	PlayerToken string `json:"playerToken"`
}

// ToTarget converts to the snapshot store's value shape.
func (s ServerResource) ToTarget() store.RemoteTarget {
	return store.RemoteTarget{
		ID:      s.ID,
		Name:    s.Name,
		Address: fmt.Sprintf("%s:%d", s.IP, s.Port),
		Credentials: store.Credentials{
			PlayerID:    s.PlayerID,
			PlayerToken: s.PlayerToken,
		},
	}
}

func (c *Client) ListServers(ctx context.Context) ([]ServerResource, error) {
	var out []ServerResource
	if err := c.get(ctx, "/api/servers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListDevices(ctx context.Context, serverID string) ([]device.Device, error) {
	var out []device.Device
	if err := c.get(ctx, "/api/servers/"+serverID+"/devices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

type PairingStatus struct {
	Active  bool   `json:"active"`
	Waiting bool   `json:"waiting"`
	Message string `json:"message,omitempty"`
}

func (c *Client) PairingStatus(ctx context.Context) (PairingStatus, error) {
	var out PairingStatus
	err := c.get(ctx, "/api/pairing/status", &out)
	return out, err
}

func (c *Client) ProxyStatus(ctx context.Context) (types.ProxyStatus, error) {
	var out types.ProxyStatus
	err := c.get(ctx, "/api/proxy/status", &out)
	return out, err
}

// NotificationSettings is the per-event on/off map.
type NotificationSettings map[string]bool

func (c *Client) GetNotificationSettings(ctx context.Context) (NotificationSettings, error) {
	var out NotificationSettings
	err := c.get(ctx, "/api/notification-settings", &out)
	return out, err
}

func (c *Client) SetNotificationSettings(ctx context.Context, s NotificationSettings) error {
	return c.post(ctx, "/api/notification-settings", s, nil)
}

func (c *Client) ResetNotificationSettings(ctx context.Context) error {
	return c.post(ctx, "/api/notification-settings/reset", nil, nil)
}
