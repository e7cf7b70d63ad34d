package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(r.Host), strings.TrimSpace(u.Host))
	},
}

// Server exposes the board over HTTP: GET /progress returns the current
// snapshot as JSON, /progress/ws pushes one snapshot per interval.
type Server struct {
	board    *Board
	interval time.Duration
	logger   *slog.Logger

	ln  net.Listener
	srv *http.Server
}

// NewServer creates a server for board. It does not listen until Start.
func NewServer(board *Board, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{board: board, interval: interval, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", s.handleSnapshot)
	mux.HandleFunc("/progress/ws", s.handleWS)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("progress server stopped", "error", err)
		}
	}()
	s.logger.Info("progress feed listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close shuts the server down. Open websocket connections are dropped.
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type payload struct {
	Active   bool      `json:"active"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	At       time.Time `json:"at"`
}

func (s *Server) current() payload {
	snap, ok := s.board.Current()
	p := payload{Active: ok, At: time.Now().UTC()}
	if ok {
		p.Snapshot = &snap
	}
	return p
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.current())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := writePayload(conn, s.current()); err != nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := writePayload(conn, s.current()); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writePayload(conn *websocket.Conn, p payload) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(p)
}
