package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSConn adapts a gorilla websocket connection to the Conn interface.
// Writes are serialized through a mutex; gorilla connections allow only
// one concurrent writer.
type WSConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Send writes one text frame with a bounded deadline. A slow or dead
// client fails the write instead of stalling the delivery path.
func (c *WSConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the underlying connection down once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// ReadLoop pumps inbound frames until the connection drops. Each text
// frame is handed to onMessage; onActivity fires on any traffic
// (including pongs) so the caller can refresh presence. The loop owns
// ping scheduling and the pong deadline. Blocks until disconnect.
func (c *WSConn) ReadLoop(onMessage func([]byte), onActivity func()) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onActivity != nil {
			onActivity()
		}
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(stop)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onActivity != nil {
			onActivity()
		}
		if kind == websocket.TextMessage && onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *WSConn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		case <-stop:
			return
		}
	}
}
