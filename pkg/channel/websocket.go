package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// Frame types exchanged on the websocket feed.
const (
	FrameSubscribed = "subscribed"
	FrameRejected   = "rejected"
	FrameChange     = "change"
	FramePong       = "pong"
)

// Frame is the envelope of every server message on the websocket feed.
type Frame struct {
	Type       string          `json:"type"`
	ResourceID string          `json:"story_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	ServerTime int64           `json:"server_time,omitempty"`
}

const DefaultHandshakeTimeout = 10 * time.Second

// WebSocketSubscriber opens channels against a websocket change feed served at
// URL, passing the story id as the story_id query parameter.
type WebSocketSubscriber struct {
	URL              string
	Header           http.Header
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	// IdleTimeout bounds the silence tolerated after subscription; zero disables it.
	IdleTimeout time.Duration
}

var _ Subscriber = (*WebSocketSubscriber)(nil)

func (s *WebSocketSubscriber) Subscribe(ctx context.Context, resourceID string) (Channel, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, errors.New("websocket subscriber: resourceID is empty")
	}
	target, err := s.feedURL(resourceID)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ch := &wsChannel{
		base:        newBase(resourceID, 0),
		target:      target,
		header:      s.Header.Clone(),
		dialer:      dialer,
		timeout:     timeout,
		idleTimeout: s.IdleTimeout,
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch.setOnClose(func() {
		cancel()
		ch.closeConn()
	})
	go ch.run(runCtx)
	return ch, nil
}

func (s *WebSocketSubscriber) feedURL(resourceID string) (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", errors.Wrap(err, "websocket subscriber: parse url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("websocket subscriber: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("story_id", resourceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsChannel struct {
	*base
	target      string
	header      http.Header
	dialer      *websocket.Dialer
	timeout     time.Duration
	idleTimeout time.Duration

	conn *websocket.Conn
}

func (c *wsChannel) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *wsChannel) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *wsChannel) run(ctx context.Context) {
	defer c.finish()
	wsLog := log.With().
		Str("component", "channel").
		Str("transport", "websocket").
		Str("story_id", c.resourceID).
		Logger()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.target, c.header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if c.isClosed() {
			return
		}
		if resp != nil && isRejectStatus(resp.StatusCode) {
			wsLog.Warn().Int("status", resp.StatusCode).Msg("ws subscription rejected")
			c.transition(StateFailed, &RejectedError{Reason: resp.Status, Err: err})
			return
		}
		wsLog.Debug().Err(err).Msg("ws dial failed")
		c.transition(StateDegraded, Transient(err))
		return
	}
	if !c.setConn(conn) {
		_ = conn.Close()
		return
	}
	defer c.closeConn()

	if err := c.awaitSubscribed(conn); err != nil {
		if c.isClosed() {
			return
		}
		if IsRejected(err) {
			wsLog.Warn().Err(err).Msg("ws subscription rejected")
			c.transition(StateFailed, err)
			return
		}
		wsLog.Debug().Err(err).Msg("ws handshake failed")
		c.transition(StateDegraded, Transient(err))
		return
	}
	if !c.transition(StateSubscribed, nil) {
		return
	}
	wsLog.Info().Msg("ws subscribed")

	for {
		if c.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				wsLog.Debug().Msg("ws read loop end")
				return
			}
			wsLog.Debug().Err(err).Msg("ws read failed")
			c.transition(StateDegraded, Transient(err))
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			wsLog.Warn().Err(err).Msg("ws: failed to decode frame")
			continue
		}
		switch frame.Type {
		case FrameChange:
			ev, err := snapshot.DecodeEvent(frame.Event)
			if err != nil {
				wsLog.Warn().Err(err).Msg("ws: failed to decode change event")
				continue
			}
			if !c.emit(ev) {
				return
			}
		case FrameRejected:
			c.transition(StateFailed, &RejectedError{Reason: frame.Reason})
			return
		default:
		}
	}
}

// awaitSubscribed reads frames until the server acknowledges the subscription
// or the handshake timeout elapses.
func (c *wsChannel) awaitSubscribed(conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case FrameSubscribed:
			return nil
		case FrameRejected:
			reason := frame.Reason
			if reason == "" {
				reason = "rejected by server"
			}
			return &RejectedError{Reason: reason}
		}
	}
}

func isRejectStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
