// Package dashboard is a read-only observability transport: it upgrades
// incoming HTTP connections to WebSocket and relays events.Event values
// published on a scheduler's events.Bus as JSON frames, one per event,
// in publish order. It has no inbound control plane — a connected
// observer cannot send the engine anything.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/root-11/maslite/events"
)

// Server streams events.Bus activity to connected WebSocket clients.
type Server struct {
	address string
	port    int
	bus     *events.Bus
	logger  *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

// NewServer creates a dashboard server that will relay events from bus
// once Start is called. logger defaults to slog.Default() if nil.
func NewServer(address string, port int, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		bus:     bus,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboard is a local operator tool, not a public endpoint;
			// allow any origin to connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the server's routes, for use in a test harness or
// when embedding the dashboard under an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the server stops
// or ctx is cancelled. Call Shutdown from another goroutine to stop it
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", addr, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting dashboard server", "address", addr, "port", s.port)
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server and closes every open
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.connsMu.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"subscribers":    s.bus.SubscriberCount(),
		"events_dropped": s.bus.Dropped(),
	})
}

// handleEvents upgrades the connection and pumps every event published
// on the bus to the client as a JSON frame, until the client
// disconnects or the bus subscription is torn down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	ch := s.bus.Subscribe(64)
	defer func() {
		if dropped := s.bus.DroppedFor(ch); dropped > 0 {
			s.logger.Warn("dashboard client missed events while connected", "dropped", dropped)
		}
		s.bus.Unsubscribe(ch)
	}()

	// Drain and discard anything the client sends — this is a
	// read-only stream, but we still need to notice disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("dashboard client write failed", "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}
