package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"qqchat/directory"
	"qqchat/history"
	"qqchat/protocol"
	"qqchat/session"
)

var ErrServerClosed = errors.New("server closed")

type Server struct {
	config   *ServerConfig
	users    *directory.Users
	groups   *directory.Groups
	sessions *session.Registry
	router   *session.Router
	history  *history.DB
	images   *ImageTransfers
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	closing  bool
	started  time.Time
}

type ServerConfig struct {
	Addr           string
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	OutboundBuffer int
	MaxRecordBytes int
	ImageOfferTTL  time.Duration
}

// New wires a server over the given directories and links their id spaces.
// hist may be nil, in which case history requests are answered with an
// empty batch.
func New(config *ServerConfig, users *directory.Users, groups *directory.Groups, hist *history.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = 64
	}
	if config.MaxRecordBytes <= 0 {
		config.MaxRecordBytes = 8 << 20
	}

	// users and groups are both addressed by the receiver field
	directory.Link(users, groups)

	sessions := session.NewRegistry(logger)
	return &Server{
		config:   config,
		users:    users,
		groups:   groups,
		sessions: sessions,
		router:   session.NewRouter(sessions, groups),
		history:  hist,
		images:   NewImageTransfers(config.ImageOfferTTL, logger),
		logger:   logger.With("component", "server"),
		conns:    make(map[*Conn]struct{}),
		started:  time.Now(),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// done or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.images.Run(ctx, s.expireOffer)
	go func() {
		<-ctx.Done()
		s.Shutdown("server stopping")
	}()

	s.logger.Info("chat server started", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("temporary accept error", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go s.handleConnection(conn)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, tells every connected client why, and closes
// all connections. It is safe to call more than once.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	listener := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", "reason", reason, "connections", len(conns))

	if listener != nil {
		listener.Close()
	}
	notice := protocol.New(protocol.KindError, protocol.ServerID, protocol.BroadcastID, "Server shutting down: "+reason)
	for _, c := range conns {
		c.Send(notice)
	}
	s.sessions.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// expireOffer tells the sender of an expired image offer that it lapsed.
func (s *Server) expireOffer(t *ImageTransfer) {
	s.router.RouteDirect(t.Sender, protocol.New(protocol.KindImageReject, protocol.ServerID, t.Sender, "Image offer for "+t.Filename+" expired."))
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	online := s.sessions.Online()
	parts := []string{
		"connections=" + strconv.Itoa(connections),
		"online=" + strconv.Itoa(len(online)),
		"users=" + strings.Join(online, ";"),
		"registered=" + strconv.Itoa(s.users.Count()),
		"groups=" + strconv.Itoa(s.groups.Count()),
		"image_offers=" + strconv.Itoa(s.images.Count()),
		"uptime=" + time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.history != nil {
		if n, err := s.history.Count(); err == nil {
			parts = append(parts, "history="+strconv.Itoa(n))
		}
	}
	return strings.Join(parts, ",")
}
