package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/panelcast/internal/logging"
	"github.com/sheerbytes/panelcast/pkg/protocol"
)

var ErrClosed = errors.New("connection closed")

// Conn represents a WebSocket connection to the control server.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope
	readErr   error
	readDone  chan struct{}
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// ControlURL turns a server URL such as http://host:8080 into its
// WebSocket endpoint.
func ControlURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", serverURL)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

// Dial establishes a WebSocket connection to the server and starts the
// reader that routes replies to Command callers.
func Dial(ctx context.Context, serverURL string, logger *slog.Logger) (*Conn, error) {
	wsURL, err := ControlURL(serverURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logging.Component(logger, "wsclient"),
		sendChan: make(chan protocol.Envelope, 16),
		done:     make(chan struct{}),
		pending:  make(map[string]chan protocol.Envelope),
		readDone: make(chan struct{}),
	}

	// Start writer goroutine for serialized writes
	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// Command sends one command line and waits for the server's reply, which
// is either a result or an error envelope.
func (c *Conn) Command(ctx context.Context, line string) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(protocol.TypeCommand, protocol.NewMsgID(), protocol.Command{Line: line})
	if err != nil {
		return protocol.Envelope{}, err
	}
	replyCh := make(chan protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.MsgID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.MsgID)
		c.pendingMu.Unlock()
	}()

	if err := c.Send(env); err != nil {
		return protocol.Envelope{}, err
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-c.readDone:
		if c.readErr != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return protocol.Envelope{}, ErrClosed
	}
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			c.readErr = err
			return
		}

		// Only process text messages
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("unsolicited envelope", "type", env.Type, "reply_to", env.ReplyTo)
			continue
		}
		select {
		case ch <- env:
		default:
		}
	}
}

// Send sends an envelope over the WebSocket connection.
// Uses a buffered channel to serialize writes and avoid concurrent write issues.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// writeLoop handles serialized writes to the WebSocket connection.
func (c *Conn) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := c.conn.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("websocket write error", "error", err)
			return
		}
	}
}

// Close closes the WebSocket connection.
func (c *Conn) Close() error {
	close(c.sendChan)
	<-c.done // Wait for write loop to finish
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := c.conn.Close()
	c.writeMu.Unlock()
	<-c.readDone
	return err
}
