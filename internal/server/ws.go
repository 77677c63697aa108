package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"appdeck/internal/protocol"
	"appdeck/internal/stream"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowObserver = errors.New("send buffer full")
)

// conn is one websocket client. It is also a stream observer: pushes are
// queued without blocking and written by writePump.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// serializes service log tail setup
	tailMu sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.logger.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.logger = s.logger.With("conn", c.id)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	c.logger.Debug("WebSocket connected", "ip", clientIP(r))

	go c.writePump()
	c.readLoop()
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// ID implements stream.Observer.
func (c *conn) ID() string {
	return c.id
}

// Send implements stream.Observer. It never blocks.
func (c *conn) Send(ev stream.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Channel, err)
	}
	frame, err := json.Marshal(protocol.Push{Channel: ev.Channel, Data: data})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSlowObserver
	}
}

// reply queues a response, waiting for buffer space. Responses are never
// dropped while the connection is open.
func (c *conn) reply(resp protocol.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to encode response", "channel", resp.Channel, "error", err)
		frame, _ = json.Marshal(protocol.Response{ID: resp.ID, Channel: resp.Channel, Error: "failed to encode response"})
	}
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *conn) readLoop() {
	defer c.close()

	// base64 inflates uploads by a third
	c.ws.SetReadLimit(c.server.opts.MaxUploadBytes*4/3 + 1<<20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			c.reply(protocol.Response{ID: req.ID, Channel: req.Channel, Error: "invalid frame"})
			continue
		}

		// Long calls such as uploads must not hold up later frames.
		go c.dispatch(req)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("WebSocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// close drops every subscription of the connection and stops writePump,
// which closes the socket. Work the client started keeps running.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.server.hub.DisconnectObserver(c.id)
		c.cancel()

		s := c.server
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.logger.Debug("WebSocket disconnected")
	})
}

// closed reports whether close has run.
func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
