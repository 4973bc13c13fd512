// Package bridge serves the engine commands to a local UI over a websocket.
//
// Each text frame from the client is a Request; the server answers with a
// Response carrying the same id. Push notifications are written to every
// connected client as Event frames.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"unishare/app"
	"unishare/apperr"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxRequestSize = 1 << 20
	sendBuffer     = 256
)

// Engine is the command surface the bridge exposes.
type Engine interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (any, error)
	Subscribe() (<-chan app.Notification, func())
}

// Request invokes one command.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Event is a pushed notification.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Server accepts websocket clients on /ws.
type Server struct {
	engine   Engine
	log      *logrus.Entry
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewServer returns a bridge over engine.
func NewServer(engine Engine, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  engine,
		log:     logger.WithField("component", "bridge"),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: localOrigin}

	notes, stop := engine.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		s.broadcast(notes)
	}()
	return s
}

// Handler routes /ws to the websocket endpoint and /healthz to a liveness
// probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Serve accepts connections on l until ctx ends.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()
	s.log.WithField("addr", l.Addr().String()).Info("bridge listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

// Close disconnects every client.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		log:    s.log.WithField("remote", conn.RemoteAddr().String()),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	c.log.Info("client connected")
	go c.writePump()
	go c.readPump()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) broadcast(notes <-chan app.Notification) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case note, ok := <-notes:
			if !ok {
				return
			}
			frame, err := json.Marshal(Event{Type: "event", Event: note.Event, Payload: note.Payload})
			if err != nil {
				s.log.WithError(err).Warn("encode event")
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				c.enqueue(frame)
			}
			s.mu.Unlock()
		}
	}
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1", "tauri.localhost":
		return true
	default:
		return u.Scheme == "tauri"
	}
}

type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// enqueue drops the frame when the client is too slow to keep up.
func (c *client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn("client send buffer full, dropping frame")
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.server.remove(c)
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.log.Info("client disconnected")
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxRequestSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("websocket read failed")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(Response{Type: "response", Error: "malformed request: " + err.Error()})
			continue
		}
		// Commands like send_file block until the transfer ends.
		go c.handle(req)
	}
}

func (c *client) handle(req Request) {
	log := c.log.WithFields(logrus.Fields{"id": req.ID, "command": req.Command})
	log.Debug("invoke")
	result, err := c.server.engine.Invoke(c.ctx, req.Command, req.Args)
	resp := Response{Type: "response", ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = string(apperr.KindOf(err))
		if errors.Is(err, app.ErrUnknownCommand) {
			resp.ErrorKind = "unknown_command"
		}
		log.WithError(err).Info("command failed")
	} else {
		resp.OK = true
		resp.Result = result
	}
	c.reply(resp)
}

func (c *client) reply(resp Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.log.WithError(err).Warn("encode response")
		return
	}
	c.enqueue(frame)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
