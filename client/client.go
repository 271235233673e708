// Package client is a Go client for the qqchat line protocol. It keeps one
// connection, answers keepalives, dispatches pushes to registered handlers
// and queues every record it reads for callers waiting on a reply.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qqchat/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrRejected     = errors.New("request rejected")
)

type Options struct {
	PingInterval time.Duration // 0 disables keepalive pings
	InboxSize    int
	Logger       *slog.Logger
}

// Client represents a qqchat protocol client
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	sendMu   sync.Mutex
	handlers map[protocol.Kind][]func(protocol.Message)
	events   chan protocol.Message
	inbox    chan protocol.Message

	pingTicker *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
	connected  atomic.Bool

	pongMu   sync.RWMutex
	lastPong time.Time
}

// New creates a client; call Connect before sending.
func New(opts Options) *Client {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		logger:   opts.Logger.With("component", "client"),
		opts:     opts,
		handlers: make(map[protocol.Kind][]func(protocol.Message)),
		events:   make(chan protocol.Message, opts.InboxSize),
		inbox:    make(chan protocol.Message, opts.InboxSize),
		done:     make(chan struct{}),
	}
}

// Connect dials the chat server and starts the read and keepalive loops.
func (c *Client) Connect(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected.Store(true)
	c.setLastPong(time.Now())

	if c.opts.PingInterval > 0 {
		c.pingTicker = time.NewTicker(c.opts.PingInterval)
		go c.pingLoop()
	}
	go c.dispatchLoop()
	go c.readLoop()
	return nil
}

// Close disconnects from the server. Pending records in the inbox stay readable.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		if c.pingTicker != nil {
			c.pingTicker.Stop()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the client is closed or the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// LastPongAt returns the time of the last PONG, or of Connect.
func (c *Client) LastPongAt() time.Time {
	c.pongMu.RLock()
	defer c.pongMu.RUnlock()
	return c.lastPong
}

func (c *Client) setLastPong(t time.Time) {
	c.pongMu.Lock()
	c.lastPong = t
	c.pongMu.Unlock()
}

func (c *Client) pingLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.pingTicker.C:
			if err := c.Ping(); err != nil {
				c.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if c.IsConnected() {
				c.logger.Info("connection lost", "error", err)
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			c.logger.Warn("bad record from server", "error", err)
			continue
		}
		if msg.Kind == protocol.KindPong {
			c.setLastPong(time.Now())
		}

		select {
		case c.events <- msg:
		case <-c.done:
			return
		}

		select {
		case c.inbox <- msg:
		default:
			c.logger.Warn("inbox full, record dropped", "kind", msg.Kind)
		}
	}
}

// dispatchLoop runs handlers one record at a time, in arrival order.
func (c *Client) dispatchLoop() {
	for {
		select {
		case msg := <-c.events:
			c.notifyHandlers(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Client) notifyHandlers(msg protocol.Message) {
	c.mu.Lock()
	handlers := c.handlers[msg.Kind]
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// OnMessage registers a handler for records of kind. Handlers are called in
// arrival order on a single dispatch goroutine, so they must not block on
// the inbox or on each other.
func (c *Client) OnMessage(kind protocol.Kind, handler func(protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
}

// Inbox returns every record read from the server, in arrival order.
func (c *Client) Inbox() <-chan protocol.Message {
	return c.inbox
}

// Until consumes the inbox until a record of one of kinds arrives. The
// records skipped on the way are returned too.
func (c *Client) Until(ctx context.Context, kinds ...protocol.Kind) (protocol.Message, []protocol.Message, error) {
	var skipped []protocol.Message
	for {
		select {
		case msg := <-c.inbox:
			for _, k := range kinds {
				if msg.Kind == k {
					return msg, skipped, nil
				}
			}
			skipped = append(skipped, msg)
		case <-ctx.Done():
			return protocol.Message{}, skipped, ctx.Err()
		case <-c.done:
			// drain what arrived before the connection went away
			select {
			case msg := <-c.inbox:
				for _, k := range kinds {
					if msg.Kind == k {
						return msg, skipped, nil
					}
				}
				skipped = append(skipped, msg)
			default:
				return protocol.Message{}, skipped, ErrNotConnected
			}
		}
	}
}

// WaitFor is Until without the skipped records.
func (c *Client) WaitFor(ctx context.Context, kinds ...protocol.Kind) (protocol.Message, error) {
	msg, _, err := c.Until(ctx, kinds...)
	return msg, err
}

// Send writes one record. The server fills in the sender after login.
func (c *Client) Send(kind protocol.Kind, receiver, content string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	_, err := c.conn.Write([]byte(protocol.New(kind, "", receiver, content).Encode()))
	return err
}

// request sends a record and waits for its success or failure reply.
func (c *Client) request(ctx context.Context, kind protocol.Kind, receiver, content string, ok, fail protocol.Kind) (protocol.Message, error) {
	if err := c.Send(kind, receiver, content); err != nil {
		return protocol.Message{}, err
	}
	reply, err := c.WaitFor(ctx, ok, fail, protocol.KindError)
	if err != nil {
		return protocol.Message{}, err
	}
	if reply.Kind != ok {
		return reply, fmt.Errorf("%w: %s", ErrRejected, reply.Content)
	}
	return reply, nil
}

func (c *Client) Ping() error {
	return c.Send(protocol.KindPing, protocol.ServerID, "")
}

// Login authenticates and returns the display name.
func (c *Client) Login(ctx context.Context, id, password string) (string, error) {
	reply, err := c.request(ctx, protocol.KindLogin, protocol.ServerID, id+","+password,
		protocol.KindLoginSuccess, protocol.KindLoginFail)
	return reply.Content, err
}

func (c *Client) Register(ctx context.Context, id, displayName, password string) error {
	_, err := c.request(ctx, protocol.KindRegister, protocol.ServerID, id+","+displayName+","+password,
		protocol.KindRegisterSuccess, protocol.KindRegisterFail)
	return err
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := c.request(ctx, protocol.KindLogout, protocol.ServerID, "",
		protocol.KindLogoutSuccess, protocol.KindError)
	return err
}

// SendText sends a direct message, or a room message when to is protocol.BroadcastID.
func (c *Client) SendText(to, text string) error {
	return c.Send(protocol.KindTextMessage, to, text)
}

// SendImage sends an inline image to a user or group.
func (c *Client) SendImage(to, filename, base64Data string) error {
	return c.Send(protocol.KindImageMessage, to, filename+":"+base64Data)
}

func (c *Client) SendGroupMessage(groupID, text string) error {
	return c.Send(protocol.KindGroupMessage, groupID, text)
}

func (c *Client) GetHistory(peer string, limit int) error {
	content := ""
	if limit > 0 {
		content = fmt.Sprintf("%d", limit)
	}
	return c.Send(protocol.KindGetHistory, peer, content)
}

func (c *Client) ClearHistory(peer string) error {
	return c.Send(protocol.KindClearHistory, peer, "")
}

func (c *Client) AddFriend(id string) error {
	return c.Send(protocol.KindFriendRequest, id, "")
}

func (c *Client) AcceptFriend(requester string) error {
	return c.Send(protocol.KindFriendAccept, requester, "")
}

func (c *Client) RejectFriend(requester string) error {
	return c.Send(protocol.KindFriendReject, requester, "")
}

func (c *Client) DeleteFriend(id string) error {
	return c.Send(protocol.KindDeleteFriend, id, "")
}

func (c *Client) GetFriends() error {
	return c.Send(protocol.KindFriendList, protocol.ServerID, "")
}

func (c *Client) GetPendingRequests() error {
	return c.Send(protocol.KindGetPendingRequests, protocol.ServerID, "")
}

func (c *Client) GetUsers() error {
	return c.Send(protocol.KindGetUsers, protocol.ServerID, "")
}

func (c *Client) CreateGroup(groupID string) error {
	return c.Send(protocol.KindCreateGroup, protocol.ServerID, groupID)
}

func (c *Client) InviteToGroup(groupID, invitee string) error {
	return c.Send(protocol.KindGroupInvite, invitee, groupID)
}

func (c *Client) AcceptGroupInvite(groupID string) error {
	return c.Send(protocol.KindGroupAccept, protocol.ServerID, groupID)
}

func (c *Client) RejectGroupInvite(groupID string) error {
	return c.Send(protocol.KindGroupReject, protocol.ServerID, groupID)
}

func (c *Client) GetGroupMembers(groupID string) error {
	return c.Send(protocol.KindGetGroupMembers, protocol.ServerID, groupID)
}

func (c *Client) GetGroups() error {
	return c.Send(protocol.KindGetGroups, protocol.ServerID, "")
}

func (c *Client) GetPendingInvites() error {
	return c.Send(protocol.KindGetPendingInvites, protocol.ServerID, "")
}

// RequestImage offers filename to a user; the image is sent with SendImageData
// once IMAGE_ACCEPT arrives.
func (c *Client) RequestImage(to, filename string) error {
	return c.Send(protocol.KindImageRequest, to, filename)
}

func (c *Client) AcceptImage(from, savePath string) error {
	return c.Send(protocol.KindImageAccept, from, savePath)
}

func (c *Client) RejectImage(from, reason string) error {
	return c.Send(protocol.KindImageReject, from, reason)
}

func (c *Client) SendImageData(to, savePath, base64Data string) error {
	return c.Send(protocol.KindImageData, to, savePath+":"+base64Data)
}
