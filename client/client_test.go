package client

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"qqchat/directory"
	"qqchat/history"
	"qqchat/protocol"
	"qqchat/server"
	"qqchat/store"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	dir := t.TempDir()

	records, err := store.New(dir, nil)
	require.NoError(t, err)
	users, err := directory.NewUsers(records, directory.UsersOptions{BcryptCost: bcrypt.MinCost}, nil)
	require.NoError(t, err)
	groups, err := directory.NewGroups(records, nil)
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(dir, "history.db"), nil)
	require.NoError(t, err)

	srv := server.New(&server.ServerConfig{ImageOfferTTL: time.Minute}, users, groups, hist, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		hist.Close()
	})
	return srv, listener.Addr().String()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx, addr))
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFriendsThenDirectMessage(t *testing.T) {
	_, addr := startServer(t)
	ctx := testContext(t)

	u1 := dial(t, addr)
	u2 := dial(t, addr)

	require.NoError(t, u1.Register(ctx, "u1", "Alice", "pw1"))
	require.NoError(t, u2.Register(ctx, "u2", "Bob", "pw2"))

	name, err := u1.Login(ctx, "u1", "pw1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
	_, err = u2.Login(ctx, "u2", "pw2")
	require.NoError(t, err)

	require.NoError(t, u1.AddFriend("u2"))
	_, err = u1.WaitFor(ctx, protocol.KindFriendRequestSuccess)
	require.NoError(t, err)
	req, err := u2.WaitFor(ctx, protocol.KindFriendRequest)
	require.NoError(t, err)
	assert.Equal(t, "u1", req.Sender)

	require.NoError(t, u2.AcceptFriend("u1"))
	_, err = u2.WaitFor(ctx, protocol.KindFriendAcceptSuccess)
	require.NoError(t, err)

	require.NoError(t, u1.SendText("u2", "hello, Bob"))

	msg, err := u2.WaitFor(ctx, protocol.KindTextMessage)
	require.NoError(t, err)
	assert.Equal(t, "u1", msg.Sender)
	assert.Equal(t, "hello, Bob", msg.Content)

	// nothing else addressed to u2 is queued behind it
	require.NoError(t, u2.Ping())
	_, skipped, err := u2.Until(ctx, protocol.KindPong)
	require.NoError(t, err)
	for _, m := range skipped {
		assert.NotEqual(t, protocol.KindTextMessage, m.Kind, "duplicate delivery")
	}

	require.NoError(t, u1.GetFriends())
	list, err := u1.WaitFor(ctx, protocol.KindFriendList)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, ParseList(list.Content))
}

func TestGroupFanout(t *testing.T) {
	_, addr := startServer(t)
	ctx := testContext(t)

	clients := make(map[string]*Client)
	for _, id := range []string{"a", "b", "c"} {
		c := dial(t, addr)
		require.NoError(t, c.Register(ctx, id, "User "+id, "secret"))
		_, err := c.Login(ctx, id, "secret")
		require.NoError(t, err)
		clients[id] = c
	}
	a, b, c := clients["a"], clients["b"], clients["c"]

	require.NoError(t, a.CreateGroup("team"))
	_, err := a.WaitFor(ctx, protocol.KindCreateGroupSuccess)
	require.NoError(t, err)

	require.NoError(t, a.InviteToGroup("team", "b"))
	_, err = b.WaitFor(ctx, protocol.KindGroupInvite)
	require.NoError(t, err)
	require.NoError(t, b.AcceptGroupInvite("team"))
	_, err = b.WaitFor(ctx, protocol.KindGroupJoinSuccess)
	require.NoError(t, err)

	require.NoError(t, b.SendGroupMessage("team", "hi team"))
	got, err := a.WaitFor(ctx, protocol.KindGroupMessage)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Sender)
	assert.Equal(t, "team", got.Receiver)

	// c is online but not a member
	require.NoError(t, c.Ping())
	_, skipped, err := c.Until(ctx, protocol.KindPong)
	require.NoError(t, err)
	for _, m := range skipped {
		assert.NotEqual(t, protocol.KindGroupMessage, m.Kind)
	}

	require.NoError(t, a.GetHistory("team", 0))
	hist, err := a.WaitFor(ctx, protocol.KindHistory)
	require.NoError(t, err)
	records, err := ParseHistory(hist.Content)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hi team", records[0].Content)

	require.NoError(t, c.GetUsers())
	all, err := c.WaitFor(ctx, protocol.KindAllUsers)
	require.NoError(t, err)
	users := ParseUsers(all.Content)
	require.Len(t, users, 3)
	assert.Equal(t, UserStatus{ID: "a", DisplayName: "User a", Online: true}, users[0])
}

func TestImageHandshake(t *testing.T) {
	_, addr := startServer(t)
	ctx := testContext(t)

	alice := dial(t, addr)
	bob := dial(t, addr)
	require.NoError(t, alice.Register(ctx, "alice", "Alice", "pw"))
	require.NoError(t, bob.Register(ctx, "bob", "Bob", "pw"))
	_, err := alice.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = bob.Login(ctx, "bob", "pw")
	require.NoError(t, err)

	accepted := make(chan protocol.Message, 1)
	alice.OnMessage(protocol.KindImageAccept, func(m protocol.Message) { accepted <- m })

	require.NoError(t, alice.RequestImage("bob", "cat.png"))
	offer, err := bob.WaitFor(ctx, protocol.KindImageRequest)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", offer.Content)

	require.NoError(t, bob.AcceptImage("alice", "/home/bob/cat.png"))
	select {
	case m := <-accepted:
		assert.Equal(t, "/home/bob/cat.png", m.Content)
	case <-ctx.Done():
		t.Fatal("IMAGE_ACCEPT handler not called")
	}

	require.NoError(t, alice.SendImageData("bob", "/home/bob/cat.png", "aGVsbG8="))
	data, err := bob.WaitFor(ctx, protocol.KindImageData)
	require.NoError(t, err)
	assert.Equal(t, "/home/bob/cat.png:aGVsbG8=", data.Content)
}

func TestLoginRejected(t *testing.T) {
	_, addr := startServer(t)
	ctx := testContext(t)

	first := dial(t, addr)
	require.NoError(t, first.Register(ctx, "alice", "Alice", "pw"))

	_, err := first.Login(ctx, "alice", "nope")
	require.ErrorIs(t, err, ErrRejected)

	_, err = first.Login(ctx, "alice", "pw")
	require.NoError(t, err)

	second := dial(t, addr)
	_, err = second.Login(ctx, "alice", "pw")
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "User already online.")
}

func TestServerShutdownDisconnects(t *testing.T) {
	srv, addr := startServer(t)
	ctx := testContext(t)

	c := dial(t, addr)
	require.NoError(t, c.Register(ctx, "alice", "Alice", "pw"))
	_, err := c.Login(ctx, "alice", "pw")
	require.NoError(t, err)

	srv.Shutdown("tests done")

	notice, err := c.WaitFor(ctx, protocol.KindError)
	require.NoError(t, err)
	assert.Equal(t, "Server shutting down: tests done", notice.Content)

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("client still connected after shutdown")
	}
	assert.False(t, c.IsConnected())
}

func TestHandlersSeeArrivalOrder(t *testing.T) {
	_, addr := startServer(t)
	ctx := testContext(t)

	alice := dial(t, addr)
	bob := dial(t, addr)
	require.NoError(t, alice.Register(ctx, "alice", "Alice", "pw"))
	require.NoError(t, bob.Register(ctx, "bob", "Bob", "pw"))
	_, err := alice.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = bob.Login(ctx, "bob", "pw")
	require.NoError(t, err)

	const count = 50
	got := make(chan string, count)
	bob.OnMessage(protocol.KindTextMessage, func(m protocol.Message) { got <- m.Content })

	for i := 0; i < count; i++ {
		require.NoError(t, alice.SendText("bob", fmt.Sprintf("msg-%02d", i)))
	}

	for i := 0; i < count; i++ {
		select {
		case content := <-got:
			require.Equal(t, fmt.Sprintf("msg-%02d", i), content)
		case <-ctx.Done():
			t.Fatalf("only %d of %d messages reached the handler", i, count)
		}
	}
}
