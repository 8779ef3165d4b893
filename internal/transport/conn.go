// Package transport maintains the duplex websocket connection to the chat
// server. It owns the connection state machine and the reconnection policy;
// inbound envelopes are decoded and published on the bus, outbound sends
// fail fast when the connection is down (the repository falls back to REST).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tandemapp/chatkit/internal/bus"
	"github.com/tandemapp/chatkit/internal/chaterr"
	"github.com/tandemapp/chatkit/internal/retry"
	"github.com/tandemapp/chatkit/internal/status"
	"github.com/tandemapp/chatkit/internal/wire"
)

const writeWait = 10 * time.Second

// Config holds transport settings.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// Token is sent as a bearer Authorization header on the upgrade request.
	Token string
	// Reconnect is the backoff schedule applied after an unexpected
	// disconnect. MaxAttempts 0 disables auto-reconnect.
	Reconnect retry.Policy
}

// Conn is a duplex connection carrying one JSON envelope per frame.
type Conn struct {
	cfg     Config
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	done   chan struct{}

	// writeMu serializes writers; gorilla/websocket allows only one.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a transport in the disconnected state.
func New(cfg Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		cfg:     cfg,
		machine: machine,
		bus:     b,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		done:    make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Conn) State() status.State {
	return c.machine.Current()
}

// Connect dials the server and starts the read loop. On dial failure the
// transport enters the reconnect schedule when one is configured, otherwise
// it fails. Connect may be called again after Close or from the failed state.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.closed = false
		c.done = make(chan struct{})
	}
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}

	if err := c.dial(ctx); err != nil {
		if c.cfg.Reconnect.MaxAttempts > 0 {
			_ = c.machine.Transition(status.Reconnecting)
			c.wg.Add(1)
			go c.reconnectLoop()
		} else {
			_ = c.machine.Fail(err)
		}
		return err
	}
	return nil
}

// Send writes an envelope to the stream. It fails immediately with
// ErrNoConnection when the connection is not up; there is no retry here.
func (c *Conn) Send(env wire.Envelope) error {
	if c.machine.Current() != status.Connected {
		return chaterr.ErrNoConnection
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return chaterr.ErrNoConnection
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", chaterr.ErrTransport, err)
	}
	return nil
}

// Close tears the connection down for good: no reconnect is attempted and
// the state ends at Disconnected. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	done := c.done
	c.mu.Unlock()

	close(done)
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Conn) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", chaterr.ErrNoConnection, c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return chaterr.ErrCancelled
	}
	c.ws = ws
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("transport connected", zap.String("url", c.cfg.URL))

	c.wg.Add(1)
	go c.readLoop(ws)
	return nil
}

// readLoop runs for the lifetime of one socket. It never crashes on bad
// frames: malformed envelopes are logged and dropped. On a read error it
// either stops (explicit close) or hands over to the reconnect schedule.
func (c *Conn) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("connection lost", zap.Error(err))
			_ = c.machine.Transition(status.Reconnecting)
			c.wg.Add(1)
			go c.reconnectLoop()
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		if env.Type == "" {
			c.logger.Warn("dropping envelope without type")
			continue
		}

		c.bus.Publish(bus.Event{
			Kind:      "wire." + string(env.Type),
			Timestamp: time.Now(),
			Payload:   &env,
		})
	}
}

func (c *Conn) reconnectLoop() {
	defer c.wg.Done()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Reconnect.MaxAttempts; attempt++ {
		if !c.wait(c.cfg.Reconnect.Delay(attempt)) {
			return
		}
		if err := c.machine.Transition(status.Connecting); err != nil {
			return
		}
		err := c.dial(context.Background())
		if err == nil {
			return
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt < c.cfg.Reconnect.MaxAttempts {
			_ = c.machine.Transition(status.Reconnecting)
		}
	}
	c.logger.Error("reconnect attempts exhausted", zap.Error(lastErr))
	_ = c.machine.Fail(lastErr)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// wait sleeps for d unless the transport is closed first.
func (c *Conn) wait(d time.Duration) bool {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-done:
		return false
	}
}
