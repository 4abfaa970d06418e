package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ClientEventKind identifies a lifecycle signal from the remote transport.
type ClientEventKind string

const (
	EventAuthCode      ClientEventKind = "auth_code"
	EventAuthenticated ClientEventKind = "authenticated"
	EventReady         ClientEventKind = "ready"
	EventAuthFailure   ClientEventKind = "auth_failure"
	EventDisconnected  ClientEventKind = "disconnected"
	EventLoading       ClientEventKind = "loading"
)

// ClientEvent is a lifecycle signal emitted by a chat client instance.
type ClientEvent struct {
	Kind   ClientEventKind
	Code   string // scannable auth code, set for EventAuthCode
	Reason string // diagnostic detail for failures and disconnects
}

// StateConnected is the transport state reported by a healthy session.
const StateConnected = "CONNECTED"

// Client is one logical chat-session connection. Implementations own an
// external browser-automation process behind the scenes; Destroy must tear
// it down before a replacement instance is created.
type Client interface {
	// Initialize starts the session. A fresh session emits EventAuthCode;
	// a resumable one proceeds to EventReady.
	Initialize(ctx context.Context) error
	// GetState reports the transport connection state, e.g. "CONNECTED".
	GetState(ctx context.Context) (string, error)
	// Version fetches the remote protocol version, used as a deep liveness probe.
	Version(ctx context.Context) (string, error)
	// SendMessage delivers body to a canonical chat address and returns the
	// remote message id.
	SendMessage(ctx context.Context, to, body string) (string, error)
	// Logout performs a graceful protocol-level logout.
	Logout(ctx context.Context) error
	// Destroy tears down the underlying client resources.
	Destroy(ctx context.Context) error
	// Events streams lifecycle signals. The channel is closed on Destroy.
	Events() <-chan ClientEvent
}

// GatewayClient talks to a local chat-gateway sidecar over HTTP. The sidecar
// drives the headless browser session and exposes its lifecycle as a
// long-polled event feed.
type GatewayClient struct {
	BaseURL    string
	SessionDir string
	HTTP       *http.Client
	log        zerolog.Logger

	events chan ClientEvent
	stop   chan struct{}
}

// NewGatewayClient creates a client bound to one gateway session. Each call
// represents a fresh logical session instance.
func NewGatewayClient(baseURL, sessionDir string, log zerolog.Logger) *GatewayClient {
	return &GatewayClient{
		BaseURL:    baseURL,
		SessionDir: sessionDir,
		log:        log,
		HTTP: &http.Client{
			Timeout: 40 * time.Second, // long-poll window plus slack
		},
		events: make(chan ClientEvent, 16),
		stop:   make(chan struct{}),
	}
}

// Initialize asks the gateway to start the session and begins pumping its
// event feed.
func (c *GatewayClient) Initialize(ctx context.Context) error {
	payload := map[string]string{"session_dir": c.SessionDir}
	if err := c.post(ctx, "/session/start", payload, nil); err != nil {
		return fmt.Errorf("gateway initialize failed: %w", err)
	}
	go c.pollEvents()
	return nil
}

// GetState reports the gateway's view of the transport connection.
func (c *GatewayClient) GetState(ctx context.Context) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.get(ctx, "/session/state", &out); err != nil {
		return "", fmt.Errorf("gateway state check failed: %w", err)
	}
	return out.State, nil
}

// Version fetches the remote protocol version.
func (c *GatewayClient) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/session/version", &out); err != nil {
		return "", fmt.Errorf("gateway version check failed: %w", err)
	}
	return out.Version, nil
}

// SendMessage delivers a text message through the gateway.
func (c *GatewayClient) SendMessage(ctx context.Context, to, body string) (string, error) {
	payload := map[string]string{"to": to, "body": body}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.post(ctx, "/messages", payload, &out); err != nil {
		return "", fmt.Errorf("gateway send failed: %w", err)
	}
	return out.MessageID, nil
}

// Logout performs a protocol-level logout on the remote session.
func (c *GatewayClient) Logout(ctx context.Context) error {
	if err := c.post(ctx, "/session/logout", nil, nil); err != nil {
		return fmt.Errorf("gateway logout failed: %w", err)
	}
	return nil
}

// Destroy tears down the gateway session and stops the event pump.
func (c *GatewayClient) Destroy(ctx context.Context) error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	if err := c.post(ctx, "/session/destroy", nil, nil); err != nil {
		return fmt.Errorf("gateway destroy failed: %w", err)
	}
	return nil
}

// Events returns the lifecycle event stream for this instance.
func (c *GatewayClient) Events() <-chan ClientEvent {
	return c.events
}

// pollEvents long-polls the gateway event feed until the client is destroyed.
func (c *GatewayClient) pollEvents() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		var out struct {
			Events []struct {
				Kind   string `json:"kind"`
				Code   string `json:"code"`
				Reason string `json:"reason"`
			} `json:"events"`
		}
		ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
		err := c.get(ctx, "/session/events?wait=25", &out)
		cancel()
		if err != nil {
			select {
			case <-c.stop:
				return
			case <-time.After(2 * time.Second):
				continue
			}
		}

		for _, ev := range out.Events {
			select {
			case c.events <- ClientEvent{Kind: ClientEventKind(ev.Kind), Code: ev.Code, Reason: ev.Reason}:
			case <-c.stop:
				return
			}
		}
	}
}

func (c *GatewayClient) post(ctx context.Context, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *GatewayClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *GatewayClient) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway error %s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
