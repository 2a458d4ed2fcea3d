package feed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// client owns the single writer goroutine of one connection.
type client struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool holds the websocket subscribers of one story. Each connection
// gets its own send queue; a subscriber whose queue overflows or whose write
// fails is dropped and will reconnect.
type ConnectionPool struct {
	storyID string
	log     zerolog.Logger

	mu           sync.Mutex
	clients      map[wsConn]*client
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewConnectionPool(storyID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		storyID:      storyID,
		log:          log.With().Str("component", "feed").Str("story_id", storyID).Logger(),
		clients:      map[wsConn]*client{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

// Add registers conn. hello, when set, is queued ahead of any broadcast.
func (cp *ConnectionPool) Add(conn wsConn, hello []byte) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.clients[conn]; ok {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, cp.sendBuffer), done: make(chan struct{})}
	cp.clients[conn] = c
	cp.stopIdleTimerLocked()
	if len(hello) > 0 {
		cp.enqueueLocked(c, hello)
	}
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	delete(cp.clients, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		c.stop()
	} else {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cp.log.Warn().Err(err).Msg("ws write failed, dropping connection")
				cp.Remove(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) enqueueLocked(c *client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		cp.log.Warn().Msg("ws send queue full, dropping connection")
		delete(cp.clients, c.conn)
		go c.stop()
		return false
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for _, c := range cp.clients {
		cp.enqueueLocked(c, data)
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) bool {
	if cp == nil || conn == nil || len(data) == 0 {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c, ok := cp.clients[conn]
	if !ok {
		return false
	}
	return cp.enqueueLocked(c, data)
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*client, 0, len(cp.clients))
	for conn, c := range cp.clients {
		clients = append(clients, c)
		delete(cp.clients, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.clients) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.clients) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
