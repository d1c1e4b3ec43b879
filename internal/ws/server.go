// Package ws serves live document snapshots to duel clients over a
// websocket. Each client message subscribes or unsubscribes one path; every
// change to a watched path is pushed as a full snapshot.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"slice-duel/internal/docstore"
)

type Client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
}

type Server struct {
	store    docstore.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool

	connections   atomic.Int64
	subscriptions atomic.Int64
	dropped       atomic.Int64
}

func NewServer(st docstore.Store) *Server {
	return &Server{
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[*Client]bool{},
	}
}

// Connections is the number of open websocket clients.
func (s *Server) Connections() int64 { return s.connections.Load() }
func (s *Server) Subscriptions() int64 { return s.subscriptions.Load() }

// SlowClientsDropped counts clients disconnected for not keeping up.
func (s *Server) SlowClientsDropped() int64 { return s.dropped.Load() }

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, sendBuffer), subs: map[string]func(){}}
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()
	s.connections.Add(1)

	go s.writeLoop(client)
	s.readLoop(r.Context(), client)
}

// Shutdown closes every client connection. Clients see a dropped channel
// and end their subscriptions.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (s *Server) readLoop(ctx context.Context, c *Client) {
	defer func() {
		s.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("ws read failed")
			}
			return
		}
		var msg docstore.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.trySend(c, errorMessage("", errMalformed))
			continue
		}
		switch msg.Type {
		case docstore.MsgSubscribe:
			s.handleSubscribe(ctx, c, msg)
		case docstore.MsgUnsubscribe:
			s.handleUnsubscribe(c, msg.ID)
		default:
			s.trySend(c, errorMessage(msg.ID, errUnknownType))
		}
	}
}

func (s *Server) handleSubscribe(ctx context.Context, c *Client, msg docstore.ClientMessage) {
	if msg.ID == "" || len(msg.ID) > maxSubscriptionID {
		s.trySend(c, errorMessage(msg.ID, errInvalidID))
		return
	}
	if _, err := docstore.SplitPath(msg.Path); err != nil {
		s.trySend(c, errorMessage(msg.ID, errInvalidPath))
		return
	}
	c.mu.Lock()
	_, dup := c.subs[msg.ID]
	full := len(c.subs) >= maxSubscriptions
	c.mu.Unlock()
	switch {
	case dup:
		s.trySend(c, errorMessage(msg.ID, errDuplicateID))
		return
	case full:
		s.trySend(c, errorMessage(msg.ID, errTooManySubs))
		return
	}

	id := msg.ID
	cancel, err := s.store.Subscribe(ctx, msg.Path, func(snap docstore.Snapshot) {
		if snap.Disconnected {
			// the backend lost its change feed; make the client resubscribe
			log.Warn().Str("path", snap.Path).Msg("store subscription disconnected, closing client")
			_ = c.conn.Close()
			return
		}
		s.trySend(c, snapshotMessage(id, snap))
	})
	if err != nil {
		log.Warn().Err(err).Str("path", msg.Path).Msg("ws subscribe failed")
		code := errStoreFailure
		if errors.Is(err, docstore.ErrInvalidPath) {
			code = errInvalidPath
		}
		s.trySend(c, errorMessage(id, code))
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.subs[id] = cancel
	c.mu.Unlock()
	s.subscriptions.Add(1)
}

func (s *Server) handleUnsubscribe(c *Client, id string) {
	c.mu.Lock()
	cancel := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		s.subscriptions.Add(-1)
	}
}

func (s *Server) writeLoop(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues msg without blocking. A client whose buffer is full is
// disconnected instead of skipping a snapshot.
func (s *Server) trySend(c *Client, msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		s.dropped.Add(1)
		log.Warn().Msg("ws client too slow, disconnecting")
		_ = c.conn.Close()
	}
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string]func(){}
	close(c.send)
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	s.subscriptions.Add(-int64(len(subs)))
	s.connections.Add(-1)
}
