// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents one live WebSocket connection, either a user or a
// doctor. The router never dereferences a client beyond enqueueing outbound
// frames and comparing it for room or roster membership.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	router *Router
	addr   string

	// closed is guarded by the router's lock; once set, deliver refuses the
	// connection so the router never writes to a closed send channel.
	closed bool

	// Identity recorded by a user's register frame; chat requests carry
	// their own copy, so this is bookkeeping for the connection only.
	userID      string
	profileHint string

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient creates a Client for an upgraded connection. The send channel is
// buffered so router broadcasts never block on a slow socket.
func NewClient(conn *websocket.Conn, router *Router, addr string, cfg *Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		router:         router,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// deliver enqueues a marshaled frame without blocking. It must run under the
// router's lock so the closed check and the channel send cannot race with
// disconnect cleanup.
func (c *Client) deliver(payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// logReadError logs an appropriate message for a failed read. Every read
// error ends the read loop; the distinction here is only log noise control.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", c.addr, err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		log.Printf("Client %s connection closed: %v", c.addr, err)
	default:
		log.Printf("WebSocket read error from %s: %v", c.addr, err)
	}
}

// checkRateLimit reports whether the current frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d messages per %s); discarding message", c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// decode unmarshals an inbound payload, logging and rejecting malformed frames.
func (c *Client) decode(raw []byte, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Printf("Invalid message from %s: %v", c.addr, err)
		return false
	}
	return true
}

// dispatch routes an inbound frame to the matching router operation.
// Unknown types are dropped: the sender may be running a newer client.
func (c *Client) dispatch(raw []byte) {
	var env envelope
	if !c.decode(raw, &env) {
		return
	}

	switch env.Type {
	case TypeRegister:
		var p RegisterPayload
		if c.decode(raw, &p) {
			c.router.Register(c, p)
		}
	case TypeStartChat:
		var p StartChatPayload
		if c.decode(raw, &p) {
			c.router.StartChat(c, p)
		}
	case TypeAcceptChat:
		var p AcceptChatPayload
		if c.decode(raw, &p) {
			c.router.AcceptChat(c, p)
		}
	case TypeChatMessage:
		var p ChatMessagePayload
		if c.decode(raw, &p) {
			c.router.RelayMessage(p)
		}
	case TypeChatProfile:
		var p ChatProfilePayload
		if c.decode(raw, &p) {
			c.router.CacheAndRelayProfile(p)
		}
	case TypeChatFile:
		var p ChatFilePayload
		if c.decode(raw, &p) {
			c.router.RelayFile(p)
		}
	case TypeSubscribeCategory:
		var p CategoryPayload
		if c.decode(raw, &p) {
			c.router.SubscribeCategory(c, p.Category)
		}
	case TypeUnsubscribeCategory:
		var p CategoryPayload
		if c.decode(raw, &p) {
			c.router.UnsubscribeCategory(c, p.Category)
		}
	case TypeEndChat:
		var p EndChatPayload
		if c.decode(raw, &p) {
			c.router.EndChat(p)
		}
	default:
		log.Printf("Unknown message type %q from %s; dropping", env.Type, c.addr)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.router.Disconnect(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		if !c.checkRateLimit() {
			continue
		}

		c.dispatch(rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.handleOutbound(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				return
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleOutbound writes one outbound frame and reports whether the pump
// should continue.
func (c *Client) handleOutbound(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		// Router closed the send channel.
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error writing close message to %s: %v", c.addr, err)
			}
		}
		return false
	}

	// One event per frame: receivers decode each frame as a single JSON
	// document, so queued events must not be coalesced.
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("Error writing message to %s: %v", c.addr, err)
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}
