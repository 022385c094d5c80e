// Package relay accepts websocket peers and routes presence, handshake,
// chunk and message events between them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	config   Config
	logger   *slog.Logger
	hub      *Hub
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader

	closeOnce sync.Once
	pumps     sync.WaitGroup
}

// NewServer binds cfg.Addr immediately so Addr is valid before Start.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		hub:      NewHub(cfg),
		listener: ln,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL is the websocket endpoint clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.config.Path
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.serveWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	mux.HandleFunc("/peers", s.servePeers)
	return mux
}

// Start runs the hub, the ledger journal and the HTTP server until ctx is
// cancelled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Relay server started", "addr", s.Addr(), "path", s.config.Path)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(ctx)
	})
	g.Go(func() error {
		return s.hub.journal.Run(ctx)
	})
	g.Go(func() error {
		err := s.http.Serve(s.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})

	err := g.Wait()
	s.pumps.Wait()
	return err
}

func (s *Server) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Shutting down relay server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.http.Shutdown(ctx)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", "peer", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws, s.config)
	ctx := context.WithoutCancel(r.Context())
	if !s.hub.registerConn(ctx, c) {
		_ = ws.Close()
		return
	}

	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		c.writePump(s.config)
	}()
	go func() {
		defer s.pumps.Done()
		c.readPump(s.hubContext(c), s.hub, s.config)
	}()
}

// hubContext is cancelled when either the connection or the hub goes away.
func (s *Server) hubContext(c *Conn) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-c.done:
		case <-s.hub.stopped:
		}
	}()
	return ctx
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 || slices.Contains(s.config.AllowedOrigins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.config.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	s.logger.Warn("Rejected origin", "origin", origin)
	return false
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.hub.Stats())
}

func (s *Server) servePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.hub.Registry().Roster())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
