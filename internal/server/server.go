// internal/server/server.go
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PreviewSource is the part of a camera the router serves.
type PreviewSource interface {
	PreviewImage() ([]byte, bool)
	LargePreviewImage() ([]byte, bool)
}

// Directory resolves camera ids.
type Directory interface {
	Lookup(id string) (PreviewSource, bool)
}

// DirectoryFunc adapts a lookup function to Directory.
type DirectoryFunc func(id string) (PreviewSource, bool)

func (f DirectoryFunc) Lookup(id string) (PreviewSource, bool) { return f(id) }

// Options configure a Server. Transport defaults to Plain; Metrics is
// mounted at /metrics when set.
type Options struct {
	Addr      string
	Transport Transport
	Directory Directory
	Metrics   http.Handler
	Logger    *slog.Logger
}

type Server struct {
	addr      string
	transport Transport
	dir       Directory
	metrics   http.Handler
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	isRunning bool

	wsConnections   map[*websocket.Conn]bool
	wsConnectionsMu sync.Mutex
}

func New(opts Options) *Server {
	if opts.Transport == nil {
		opts.Transport = Plain{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		addr:      opts.Addr,
		transport: opts.Transport,
		dir:       opts.Directory,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsConnections: make(map[*websocket.Conn]bool),
	}
}

// Handler routes WebSocket upgrades on / and /ws plus the health and
// metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		fmt.Fprintf(w, "captureframe node")
	})
	return mux
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv, transport := s.server, s.transport
	go func() {
		s.log.Info("server: listening", "addr", ln.Addr().String(), "scheme", transport.Scheme())
		if err := transport.Serve(srv, ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server: http server error", "error", err)
		}
	}()

	s.isRunning = true
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return fmt.Errorf("server is not running")
	}

	s.log.Info("server: stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not closed by Shutdown.
	s.wsConnectionsMu.Lock()
	for conn := range s.wsConnections {
		conn.Close()
	}
	s.wsConnectionsMu.Unlock()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.isRunning = false
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Addr is the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Scheme() string { return s.transport.Scheme() }

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("server: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.log.Debug("server: websocket connection established", "remote", r.RemoteAddr)

	s.wsConnectionsMu.Lock()
	s.wsConnections[conn] = true
	s.wsConnectionsMu.Unlock()

	defer func() {
		conn.Close()
		s.wsConnectionsMu.Lock()
		delete(s.wsConnections, conn)
		s.wsConnectionsMu.Unlock()
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("server: websocket read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		replyType, reply, ok := s.route(string(payload))
		if !ok {
			continue
		}
		if err := conn.WriteMessage(replyType, reply); err != nil {
			s.log.Warn("server: websocket write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

// route answers one text command of the form capture/<id>/<action>. Every
// empty path segment is dropped, leading ones included, so /capture/<id>/preview
// is accepted too. ok is false when nothing should be sent.
func (s *Server) route(msg string) (msgType int, reply []byte, ok bool) {
	var paths []string
	for _, p := range strings.Split(msg, "/") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) < 3 || paths[0] != "capture" || s.dir == nil {
		return 0, nil, false
	}

	id, action := paths[1], paths[2]
	cam, found := s.dir.Lookup(id)
	if !found {
		return 0, nil, false
	}

	switch action {
	case "large_preview":
		if buf, ok := cam.LargePreviewImage(); ok {
			return websocket.BinaryMessage, buf, true
		}
	case "preview":
		if buf, ok := cam.PreviewImage(); ok {
			return websocket.TextMessage, []byte(id + ";" + base64.StdEncoding.EncodeToString(buf)), true
		}
	}
	return 0, nil, false
}
