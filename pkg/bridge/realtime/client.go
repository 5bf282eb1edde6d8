package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config describes how to reach the realtime endpoint.
type Config struct {
	URL             string
	Model           string
	APIKey          string
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	Logger          *slog.Logger
}

// Client owns the AI-leg websocket. Dial connects and starts the read loop;
// decoded events arrive on Events until the socket closes for any reason.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	events chan any
	done   chan struct{}
}

// Dial opens the AI leg. The handshake is bounded by cfg.ConnectTimeout
// (default 10s); on failure no Client is returned and the call proceeds
// without an AI leg.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("realtime url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime api key is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	endpoint, err := buildEndpoint(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		conn:   conn,
		events: make(chan any, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func buildEndpoint(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	if strings.TrimSpace(model) != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", model)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// Events delivers decoded server events in arrival order. The channel closes
// when the socket closes.
func (c *Client) Events() <-chan any {
	return c.events
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.logger.Debug("realtime read loop ended", "error", err)
			}
			return
		}
		ev, err := DecodeServerEvent(data)
		if err != nil {
			// Malformed frame: drop without touching session state.
			c.logger.Debug("dropping malformed realtime frame", "error", err)
			continue
		}
		if _, ok := ev.(UnknownEvent); ok {
			continue
		}
		// The consumer may have stopped draining; a blocked send here would
		// leak this goroutine past the call's teardown.
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return fmt.Errorf("realtime leg is closed")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// UpdateSession sends the one-shot session configuration.
func (c *Client) UpdateSession(settings SessionSettings) error {
	return c.send(sessionUpdate{Type: "session.update", Session: settings})
}

// AppendAudio forwards one opaque base64 audio payload from the caller.
func (c *Client) AppendAudio(payload string) error {
	return c.send(audioAppend{Type: "input_audio_buffer.append", Audio: payload})
}

// Truncate tells the endpoint how much of an in-flight utterance the caller
// actually heard before interrupting.
func (c *Client) Truncate(itemID string, contentIndex int, audioEndMS int64) error {
	return c.send(itemTruncate{Type: "conversation.item.truncate", ItemID: itemID, ContentIndex: contentIndex, AudioEndMS: audioEndMS})
}

// SendToolOutput returns a function-call result to the conversation and asks
// for a follow-up response.
func (c *Client) SendToolOutput(callID, output string) error {
	if err := c.send(itemCreate{
		Type: "conversation.item.create",
		Item: functionCallOutput{Type: "function_call_output", CallID: callID, Output: output},
	}); err != nil {
		return err
	}
	return c.send(responseCreate{Type: "response.create"})
}

// CreateResponse asks the model to speak. A non-empty instruction scopes the
// response (used for the opening greeting).
func (c *Client) CreateResponse(instructions string) error {
	msg := responseCreate{Type: "response.create"}
	if strings.TrimSpace(instructions) != "" {
		msg.Response = &responseParameters{Instructions: instructions}
	}
	return c.send(msg)
}

// Close shuts the socket down once; the read loop drains and Events closes.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
