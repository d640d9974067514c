package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/triad/internal/config"
	"github.com/cory-johannsen/triad/internal/game/notify"
)

// maxMessageSize bounds inbound client messages.
const maxMessageSize = 4 * 1024

// pushEnvelope is the wire shape of an asynchronous server push.
type pushEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// WSServer accepts websocket connections and pumps messages between each
// client and the Handler. Implements server.Service.
type WSServer struct {
	cfg      config.ServerConfig
	handler  *Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	wg sync.WaitGroup
}

// NewWSServer creates a WSServer bound to cfg.Addr().
//
// Precondition: handler and logger must be non-nil.
func NewWSServer(cfg config.ServerConfig, handler *Handler, logger *zap.Logger) *WSServer {
	s := &WSServer{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The game has no browser origin story yet; clients are
			// native. Revisit before shipping a web client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}
	return s
}

// Start listens for connections until Stop is called. Implements server.Service.
//
// Postcondition: Blocks until shutdown; returns nil after a clean shutdown.
func (s *WSServer) Start() error {
	s.logger.Info("websocket server listening", zap.String("addr", s.cfg.Addr()))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down and waits for in-flight connections to finish
// their teardown hooks.
func (s *WSServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket server shutdown", zap.Error(err))
	}
	s.wg.Wait()
}

func (s *WSServer) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{
		ws:      ws,
		send:    make(chan []byte, 64),
		fwdDone: make(chan struct{}),
		server:  s,
	}
	close(c.fwdDone) // no forwarder until login

	s.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// wsConn is one client connection: a read pump dispatching requests, a write
// pump serializing all outbound traffic, and (after login) a forwarder that
// drains the user's push entity into the write pump.
type wsConn struct {
	ws      *websocket.Conn
	send    chan []byte
	fwdDone chan struct{}
	server  *WSServer

	client Client
	entity *notify.Entity
}

// readPump reads and dispatches client messages until the connection drops,
// then runs the disconnect hooks.
func (c *wsConn) readPump() {
	defer c.server.wg.Done()
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		resp, entity := c.server.handler.Dispatch(context.Background(), &c.client, raw)
		if entity != nil {
			c.entity = entity
			c.fwdDone = make(chan struct{})
			go c.forwardEvents(entity)
		}

		b, err := json.Marshal(resp)
		if err != nil {
			c.server.logger.Error("marshalling response", zap.Error(err))
			continue
		}
		select {
		case c.send <- b:
		default:
			// A client that cannot keep up with its own replies is gone.
			return
		}

		if resp.Close {
			return
		}
	}
}

// teardown runs the disconnect hooks exactly once, after the push forwarder
// has stopped, then releases the write pump.
func (c *wsConn) teardown() {
	c.server.handler.Teardown(&c.client, c.entity)
	<-c.fwdDone
	close(c.send)
}

// forwardEvents drains the push entity into the write pump, wrapping each
// event in the push envelope. Exits when the entity is closed on deregistration.
func (c *wsConn) forwardEvents(entity *notify.Entity) {
	defer close(c.fwdDone)
	for ev := range entity.Events() {
		b, err := json.Marshal(pushEnvelope{Type: string(ev.Type), Payload: ev.Payload})
		if err != nil {
			c.server.logger.Error("marshalling push event",
				zap.String("event", string(ev.Type)),
				zap.Error(err),
			)
			continue
		}
		select {
		case c.send <- b:
		default:
			c.server.logger.Warn("push dropped, slow client",
				zap.String("user_id", entity.UserID()),
				zap.String("event", string(ev.Type)),
			)
		}
	}
}

// writePump owns all writes to the socket: responses, pushes, and keepalive
// pings. It closes the socket when the send channel closes.
func (c *wsConn) writePump() {
	defer c.server.wg.Done()

	pingPeriod := c.server.cfg.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
