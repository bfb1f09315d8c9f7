package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orbit-server/internal/protocol"
	"orbit-server/internal/spatial"
)

const writeWait = 10 * time.Second

// WSChannel is a Channel backed by the server's websocket event stream and
// its HTTP snapshot endpoint.
type WSChannel struct {
	conn        *websocket.Conn
	snapshotURL string
	client      *http.Client
	header      http.Header
	welcome     protocol.Welcome
	frames      chan protocol.Frame
	rejections  chan protocol.Event
	writeMu     sync.Mutex
	closeOnce   sync.Once
	logger      *slog.Logger
}

// Dial connects to the event stream at wsURL and waits for the welcome
// message. header is sent with the upgrade and every snapshot request.
func Dial(ctx context.Context, wsURL, snapshotURL string, header http.Header, logger *slog.Logger) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if env.T != protocol.MsgWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.MsgWelcome, env.T)
	}
	welcome, err := protocol.DecodePayload[protocol.Welcome](env)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &WSChannel{
		conn:        conn,
		snapshotURL: snapshotURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		header:      header,
		welcome:     welcome,
		frames:      make(chan protocol.Frame, 64),
		rejections:  make(chan protocol.Event, 16),
		logger:      logger.With("component", "ws_channel", "connection_id", welcome.ConnectionID),
	}
	go c.readPump()
	return c, nil
}

func (c *WSChannel) Welcome() protocol.Welcome {
	return c.welcome
}

func (c *WSChannel) Frames() <-chan protocol.Frame {
	return c.frames
}

// Rejections yields commands the server refused. Unread rejections are
// dropped.
func (c *WSChannel) Rejections() <-chan protocol.Event {
	return c.rejections
}

func (c *WSChannel) readPump() {
	defer close(c.frames)
	defer close(c.rejections)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Event stream closed", "error", err)
			}
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debug("Ignoring malformed message", "error", err)
			continue
		}
		switch env.T {
		case protocol.MsgFrame:
			frame, err := protocol.DecodePayload[protocol.Frame](env)
			if err != nil {
				c.logger.Debug("Ignoring malformed frame", "error", err)
				continue
			}
			c.offer(frame)
		case protocol.MsgRejected:
			ev, err := protocol.DecodePayload[protocol.Event](env)
			if err != nil {
				continue
			}
			select {
			case c.rejections <- ev:
			default:
			}
		}
	}
}

// offer queues frame, dropping the oldest queued frame when the reader is
// behind. A later reconcile covers the gap.
func (c *WSChannel) offer(frame protocol.Frame) {
	for {
		select {
		case c.frames <- frame:
			return
		default:
		}
		select {
		case <-c.frames:
		default:
		}
	}
}

// Send writes one command envelope.
func (c *WSChannel) Send(t string, payload any) error {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *WSChannel) Snapshot(ctx context.Context) (*spatial.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request returned %s", resp.Status)
	}

	var snap spatial.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
