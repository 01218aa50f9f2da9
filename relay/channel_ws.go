package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	wsSubprotocolV1 = "atrium.relay.v1"

	wsMaxFrameBytes = 1 << 20

	wsMaxPingFailures = 3
	wsCloseGrace      = 1 * time.Second
)

// WSChannel is the production Channel: one websocket connection to the
// relay endpoint. Every received frame is stamped with the relay
// endpoint's origin, since a websocket peer cannot change identity
// mid-connection.
type WSChannel struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	connID string
	origin string
	closed bool

	heartbeatDone chan struct{}
	cancelHB      context.CancelFunc
}

// NewWSChannel constructs an unopened websocket channel.
func NewWSChannel(cfg Config, log *slog.Logger) *WSChannel {
	if log == nil {
		log = slog.Default()
	}
	return &WSChannel{cfg: cfg, log: log}
}

// Open dials the relay endpoint and starts the heartbeat loop.
func (c *WSChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.conn != nil {
		return nil
	}

	origin, err := originOf(c.cfg.RelayURL)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.RelayURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		return err
	}

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		c.log.Info("relay.ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		return ErrRelay
	}

	conn.SetReadLimit(wsMaxFrameBytes)

	c.conn = conn
	c.connID = uuid.NewString()
	c.origin = origin

	hbCtx, cancel := context.WithCancel(context.Background())
	c.cancelHB = cancel
	c.heartbeatDone = make(chan struct{})
	go c.heartbeat(hbCtx, conn, c.connID)

	c.log.Info("relay.ws.open", "conn_id", c.connID, "url", c.cfg.RelayURL)
	return nil
}

// Send writes one text frame.
func (c *WSChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed || conn == nil {
		return ErrChannelClosed
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// Recv blocks for the next inbound frame.
func (c *WSChannel) Recv(ctx context.Context) (Inbound, error) {
	c.mu.Lock()
	conn := c.conn
	origin := c.origin
	closed := c.closed
	c.mu.Unlock()

	if closed || conn == nil {
		return Inbound{}, ErrChannelClosed
	}

	mt, data, err := conn.Read(ctx)
	if err != nil {
		if isConnClosed(err) {
			return Inbound{}, ErrChannelClosed
		}
		return Inbound{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return Inbound{}, ErrRelay
	}

	return Inbound{Origin: origin, Data: data}, nil
}

// Close tears the connection down (idempotent).
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancelHB
	done := c.heartbeatDone
	connID := c.connID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(wsCloseGrace):
		}
	}

	c.log.Info("relay.ws.close", "conn_id", connID)
	return nil
}

func (c *WSChannel) heartbeat(ctx context.Context, conn *websocket.Conn, connID string) {
	defer close(c.heartbeatDone)

	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("relay.ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// originOf derives the web origin of a ws/wss endpoint URL.
func originOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "http", "https":
	default:
		return "", ErrConfig
	}
	if u.Host == "" {
		return "", ErrConfig
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

func isConnClosed(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
