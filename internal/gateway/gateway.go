// Package gateway owns the WebSocket connection to the speech AI gateway:
// the session-configuration handshake, serialisation of the JSON wire
// protocol, and the receive loop that dispatches typed inbound events.
//
// The connection is a retryless state machine — Disconnected → Connecting →
// Connected → (Disconnected | Error) — with no automatic reconnection; that
// decision belongs to the caller. An open socket alone is not a usable
// session: the orchestrator waits for the session.created confirmation
// dispatched through [Handler].
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultHandshakeTimeout bounds how long Dial waits for the transport to
// open.
const DefaultHandshakeTimeout = 10 * time.Second

// ConnectionError indicates the transport could not be established or died:
// a dial failure, handshake timeout, or socket error.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionConfig is the handshake configuration sent in session.update when
// the socket opens.
type SessionConfig struct {
	Voice        string
	Instructions string
}

// Config holds dial parameters.
type Config struct {
	// URL is the gateway WebSocket endpoint.
	URL string

	// APIKey, when non-empty, is sent as a Bearer token in the handshake
	// request headers.
	APIKey string

	// HandshakeTimeout bounds Dial. Defaults to [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// Handler receives inbound events. Required.
	Handler Handler

	// OnProtocolError, when set, is invoked for every dropped malformed or
	// unknown inbound message, after it has been logged.
	OnProtocolError func(error)
}

// Conn is a live gateway connection. Send methods are safe for concurrent
// use; when the connection is not open they log and return without error
// rather than failing the caller.
type Conn struct {
	handler    Handler
	onProtoErr func(error)

	mu    sync.Mutex
	ws    *websocket.Conn
	state State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	errVal error

	closeOnce sync.Once
}

// Dial opens the transport, sends the session-configuration handshake, and
// starts the receive loop. It returns once the socket is open or fails with
// a *ConnectionError after the handshake timeout.
func Dial(ctx context.Context, cfg Config, sess SessionConfig) (*Conn, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("gateway: config requires a handler")
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialOpts *websocket.DialOptions
	if cfg.APIKey != "" {
		dialOpts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + cfg.APIKey}},
		}
	}

	ws, _, err := websocket.Dial(dialCtx, cfg.URL, dialOpts)
	if err != nil {
		return nil, &ConnectionError{Op: fmt.Sprintf("dial %s (timeout %s)", cfg.URL, timeout), Err: err}
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &Conn{
		handler:    cfg.Handler,
		onProtoErr: cfg.OnProtocolError,
		ws:         ws,
		state:      StateConnected,
		ctx:        connCtx,
		cancel:     connCancel,
		done:       make(chan struct{}),
	}

	if err := c.sendHandshake(sess); err != nil {
		connCancel()
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return nil, &ConnectionError{Op: "handshake", Err: err}
	}

	go c.receiveLoop()
	return c, nil
}

// sendHandshake configures the session: PCM16 both ways and the gateway's
// own turn detection explicitly disabled, since the client VAD is the single
// source of truth for segmentation.
func (c *Conn) sendHandshake(sess SessionConfig) error {
	return c.writeJSON(sessionUpdateMessage{
		Type: typeSessionUpdate,
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             sess.Voice,
			Instructions:      sess.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     nil, // serialises as null
		},
	})
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// send delivers an outbound event if the connection is open; otherwise it
// logs and drops, never failing the caller.
func (c *Conn) send(eventType string, v any) {
	c.mu.Lock()
	open := c.state == StateConnected
	c.mu.Unlock()

	if !open {
		slog.Error("gateway: dropping send on non-open connection", "event", eventType, "state", c.State().String())
		return
	}
	if err := c.writeJSON(v); err != nil {
		slog.Error("gateway: send failed", "event", eventType, "err", err)
	}
}

// AppendAudio streams one base64 PCM16 chunk into the input buffer.
func (c *Conn) AppendAudio(base64PCM16 string) {
	c.send(typeAppendAudio, appendAudioMessage{Type: typeAppendAudio, Audio: base64PCM16})
}

// CommitInput finalises the buffered audio segment.
func (c *Conn) CommitInput() {
	c.send(typeCommitAudio, bareMessage{Type: typeCommitAudio})
}

// ClearInput discards the buffered audio segment.
func (c *Conn) ClearInput() {
	c.send(typeClearAudio, bareMessage{Type: typeClearAudio})
}

// CreateResponse requests response generation for the committed segment.
func (c *Conn) CreateResponse() {
	c.send(typeResponseCreate, bareMessage{Type: typeResponseCreate})
}

// CancelResponse aborts the in-flight response (barge-in).
func (c *Conn) CancelResponse() {
	c.send(typeResponseCancel, bareMessage{Type: typeResponseCancel})
}

// receiveLoop reads frames until the connection dies or is closed,
// dispatching each inbound event to the handler in arrival order. Malformed
// or unknown messages are logged and dropped.
func (c *Conn) receiveLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			if c.ctx.Err() != nil {
				// Deliberate close.
				c.state = StateDisconnected
			} else {
				c.state = StateError
				c.errVal = &ConnectionError{Op: "read", Err: err}
			}
			c.mu.Unlock()
			return
		}

		evt, perr := parseServerEvent(data)
		if perr != nil {
			slog.Warn("gateway: dropping bad inbound message", "err", perr)
			if c.onProtoErr != nil {
				c.onProtoErr(perr)
			}
			continue
		}
		dispatch(c.handler, evt)
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the receive loop has exited, whether by Close or by a
// transport failure.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal transport error, or nil after a deliberate
// close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close tears the connection down. Idempotent and safe from any state.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
