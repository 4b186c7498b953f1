// Copyright 2025 Voxlane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package ws exposes the event broadcaster over WebSocket. Each accepted
// connection is registered as a broadcaster observer and receives every
// job status update as a JSON frame.
//
// The protocol is deliberately small. The server greets with
// {"type":"connected"}; afterwards it pushes job_status events. Clients
// may send {"type":"subscribe","job_id":...} (acknowledged, recorded as
// an interest marker) and {"type":"ping"} (answered with
// {"type":"pong"}). Anything else, including malformed JSON, is ignored.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxlane/voxlane/pkg/events"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// presumed dead. Pings go out at pingPeriod to keep healthy clients
	// inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; clients only ever send small
	// control messages.
	maxMessageSize = 4096

	// sendBuffer is the per-connection delivery queue. A client that
	// falls this far behind is dropped rather than allowed to stall the
	// broadcaster's consumers.
	sendBuffer = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Gateway upgrades HTTP requests to WebSocket connections and bridges
// them to the event broadcaster. It implements http.Handler.
type Gateway struct {
	broadcaster *events.Broadcaster
	logger      zerolog.Logger
	upgrader    websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// NewGateway creates a gateway publishing the broadcaster's events.
func NewGateway(broadcaster *events.Broadcaster, logger zerolog.Logger) *Gateway {
	return &Gateway{
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks are moot: the API is unauthenticated and
			// CORS already answers for the HTTP surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// ServeHTTP performs the upgrade and runs the connection until the
// client goes away. The read loop runs on the request goroutine; a
// dedicated writer goroutine owns all frame writes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &conn{
		gateway: g,
		socket:  socket,
		send:    make(chan any, sendBuffer),
		done:    make(chan struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = socket.Close()
		return
	}
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	g.broadcaster.Register(c)
	g.logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket connection established")

	// Greet before any events flow so clients can tell a live connection
	// from a silent one.
	c.control(controlMessage{Type: "connected", Message: "connection established"})

	go c.writeLoop()
	c.readLoop()
}

// ConnCount returns the number of live connections.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown closes every open connection with a going-away frame. New
// upgrades are refused afterwards. Safe to call more than once.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		deadline := time.Now().Add(writeWait)
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		g.drop(c, nil)
	}

	g.logger.Info().Int("connections", len(conns)).Msg("WebSocket gateway shut down")
}

// drop removes the connection from the gateway and the broadcaster and
// closes it. Idempotent: the read loop, the write loop and the
// broadcaster may all report the same connection dead.
func (g *Gateway) drop(c *conn, cause error) {
	g.mu.Lock()
	_, present := g.conns[c]
	delete(g.conns, c)
	g.mu.Unlock()
	if !present {
		return
	}

	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		g.logger.Debug().Err(cause).Msg("WebSocket connection dropped")
	}
	g.broadcaster.Unregister(c)
	_ = c.Close()
}

// clientMessage is the inbound protocol.
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// controlMessage is the outbound protocol envelope for everything that
// is not a job event.
type controlMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// conn is one client connection. It implements events.Observer: the
// broadcaster's consumers call Send concurrently, so delivery goes
// through the buffered send channel drained by the single writer
// goroutine that owns the socket.
type conn struct {
	gateway *Gateway
	socket  *websocket.Conn
	send    chan any

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Send queues an event for delivery. It never blocks: a full queue means
// the client is not draining, and reporting the error makes the
// broadcaster drop the connection.
func (c *conn) Send(ev events.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close tears the connection down. Safe to call from any goroutine, any
// number of times.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}

// control queues a protocol message. Best-effort: a saturated queue
// means the connection is on its way out.
func (c *conn) control(msg controlMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writeLoop owns the socket for writing. It drains the send queue and
// keeps the connection alive with periodic pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(msg); err != nil {
				c.gateway.drop(c, err)
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.gateway.drop(c, err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop consumes inbound frames until the client disconnects or stops
// answering pings.
func (c *conn) readLoop() {
	defer c.gateway.drop(c, nil)

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			c.gateway.drop(c, err)
			return
		}
		c.handleMessage(raw)
	}
}

// handleMessage dispatches one inbound frame. Unknown types and
// malformed JSON are ignored so a confused client cannot take its
// connection down.
func (c *conn) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.JobID == "" {
			return
		}
		c.gateway.broadcaster.Subscribe(c, msg.JobID)
		c.control(controlMessage{
			Type:    "subscribed",
			JobID:   msg.JobID,
			Message: "subscribed to job " + msg.JobID,
		})
	case "ping":
		c.control(controlMessage{Type: "pong"})
	}
}
