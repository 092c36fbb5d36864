package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a WebSocket connection to net.Conn so the binary
// protocol runs over it unchanged
type WebSocketConn struct {
	ws      *websocket.Conn
	current io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket connects to the /ws endpoint of addr
func DialWebSocket(ctx context.Context, addr string, useTLS bool) (*WebSocketConn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/ws"}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			return nil, fmt.Errorf("websocket handshake with %s failed (check ws:// vs wss://): %w", u.String(), err)
		}
		return nil, err
	}
	return &WebSocketConn{ws: ws}, nil
}

// Read implements net.Conn.Read. Frames may span WebSocket messages.
func (c *WebSocketConn) Read(b []byte) (int, error) {
	for {
		if c.current == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, io.ErrUnexpectedEOF
			}
			c.current = r
		}

		n, err := c.current.Read(b)
		if errors.Is(err, io.EOF) {
			c.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements net.Conn.Write
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn.Close
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
