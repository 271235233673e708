package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"qqchat/metrics"
	"qqchat/protocol"
)

var (
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
	errConnClosed     = errors.New("connection closed")
	errSendTimeout    = errors.New("outbound queue full")
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Conn is one client connection. Its reader runs on the goroutine that
// called handleConnection; a writer goroutine drains the outbound queue, so
// a slow peer never blocks the sessions sending to it.
type Conn struct {
	id      string
	netConn net.Conn
	srv     *Server
	logger  *slog.Logger

	out       chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	state  connState
	userID string
}

func (s *Server) newConn(netConn net.Conn) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:      id,
		netConn: netConn,
		srv:     s,
		logger:  s.logger.With("conn", id, "remote", remoteAddr(netConn)),
		out:     make(chan protocol.Message, s.config.OutboundBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) bind(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.state = stateAuthenticated
	c.mu.Unlock()
}

func (c *Conn) unbind() {
	c.mu.Lock()
	c.userID = ""
	if c.state != stateClosed {
		c.state = stateUnauthenticated
	}
	c.mu.Unlock()
}

// log returns the connection logger tagged with the bound user, if any.
func (c *Conn) log() *slog.Logger {
	if id := c.UserID(); id != "" {
		return c.logger.With("user", id)
	}
	return c.logger
}

// Send queues msg for the writer. It fails when the connection is closed or
// the queue stays full for the write timeout.
func (c *Conn) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	timer := time.NewTimer(c.srv.config.WriteTimeout)
	defer timer.Stop()

	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	case <-timer.C:
		return errSendTimeout
	}
}

// Close stops the connection. Already queued records are flushed by the
// writer before the socket is closed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		close(c.done)
	})
}

// reply answers the client from the server.
func (c *Conn) reply(kind protocol.Kind, content string) {
	receiver := c.UserID()
	if err := c.Send(protocol.New(kind, protocol.ServerID, receiver, content)); err != nil {
		c.log().Debug("reply dropped", "kind", kind, "error", err)
	}
}

func (c *Conn) writeLoop() {
	defer c.netConn.Close()

	w := bufio.NewWriter(c.netConn)
	write := func(msg protocol.Message) error {
		c.netConn.SetWriteDeadline(time.Now().Add(c.srv.config.WriteTimeout))
		_, err := w.WriteString(msg.Encode())
		return err
	}

	for {
		select {
		case msg := <-c.out:
			err := write(msg)
			for err == nil && len(c.out) > 0 {
				err = write(<-c.out)
			}
			if err == nil {
				err = w.Flush()
			}
			if err != nil {
				c.log().Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.out:
					if write(msg) != nil {
						return
					}
				default:
					w.Flush()
					return
				}
			}
		}
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	c := s.newConn(netConn)
	if !s.track(c) {
		netConn.Close()
		return
	}
	metrics.OpenConnections.Inc()
	c.log().Info("client connected")

	go c.writeLoop()

	defer func() {
		s.disconnect(c)
		c.Close()
		s.untrack(c)
		metrics.OpenConnections.Dec()
	}()

	reader := bufio.NewReader(netConn)
	for {
		if s.config.IdleTimeout > 0 {
			netConn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		line, err := readRecord(reader, s.config.MaxRecordBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				c.log().Info("client disconnected")
			case errors.Is(err, ErrRecordTooLarge):
				c.log().Warn("closing connection", "error", err)
			default:
				c.log().Info("read failed", "error", err)
			}
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			c.log().Debug("rejected record", "error", err)
			if errors.Is(err, protocol.ErrUnknownKind) {
				c.reply(protocol.KindError, "Unknown operation: "+string(msg.Kind))
			} else {
				c.reply(protocol.KindError, "Invalid record format")
			}
			continue
		}

		s.handleMessage(c, msg)
		if c.currentState() == stateClosed {
			return
		}
	}
}

// disconnect releases everything bound to c's user.
func (s *Server) disconnect(c *Conn) {
	userID := c.UserID()
	if userID == "" {
		return
	}
	s.sessions.Remove(c)
	s.dropOffers(userID)
	c.log().Info("user offline")
}

// dropOffers cancels the image offers of userID and tells the other party.
func (s *Server) dropOffers(userID string) {
	for _, t := range s.images.DropUser(userID) {
		other := t.Sender
		if other == userID {
			other = t.Receiver
		}
		s.router.RouteDirect(other, protocol.New(protocol.KindImageReject, protocol.ServerID, other, userID+" went offline."))
	}
}

// readRecord reads one newline-terminated line of at most limit bytes.
func readRecord(r *bufio.Reader, limit int) (string, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(buf)+len(chunk) > limit {
			return "", ErrRecordTooLarge
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return string(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", err
		}
	}
}

func remoteAddr(c net.Conn) string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
