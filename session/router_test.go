package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qqchat/protocol"
)

type staticGroups map[string][]string

func (g staticGroups) GroupMembers(id string) ([]string, bool) {
	m, ok := g[id]
	return m, ok
}

func TestRouteGroupSkipsSenderAndOffline(t *testing.T) {
	r := NewRegistry(nil)
	alice := newFakeHandle("alice")
	bob := newFakeHandle("bob")
	require.NoError(t, r.Add(alice, greeting("alice")))
	require.NoError(t, r.Add(bob, greeting("bob")))
	drain(alice)
	drain(bob)

	rt := NewRouter(r, staticGroups{"g1": {"alice", "bob", "carol"}})
	msg := protocol.New(protocol.KindGroupMessage, "alice", "g1", "hi group")

	n, ok := rt.RouteGroup("g1", msg, "alice")
	require.True(t, ok)
	assert.Equal(t, 1, n)

	got := waitForKind(t, bob, protocol.KindGroupMessage)
	assert.Equal(t, "hi group", got.Content)
	assert.Empty(t, drain(alice))
}

func TestRouteGroupUnknownGroup(t *testing.T) {
	rt := NewRouter(NewRegistry(nil), staticGroups{})
	n, ok := rt.RouteGroup("nope", protocol.New(protocol.KindGroupMessage, "a", "nope", "x"), "a")
	assert.False(t, ok)
	assert.Zero(t, n)
}

func TestRouteDirect(t *testing.T) {
	r := NewRegistry(nil)
	bob := newFakeHandle("bob")
	require.NoError(t, r.Add(bob, greeting("bob")))
	drain(bob)

	rt := NewRouter(r, staticGroups{})
	assert.True(t, rt.RouteDirect("bob", protocol.New(protocol.KindTextMessage, "alice", "bob", "hey")))
	assert.False(t, rt.RouteDirect("carol", protocol.New(protocol.KindTextMessage, "alice", "carol", "hey")))

	got := waitForKind(t, bob, protocol.KindTextMessage)
	assert.Equal(t, "alice", got.Sender)
}

func TestBroadcastAllWithoutExclude(t *testing.T) {
	r := NewRegistry(nil)
	alice := newFakeHandle("alice")
	require.NoError(t, r.Add(alice, greeting("alice")))
	drain(alice)

	rt := NewRouter(r, staticGroups{})
	assert.Equal(t, 1, rt.BroadcastAll(protocol.New(protocol.KindTextMessage, "Server", protocol.BroadcastID, "notice"), ""))
	got := waitForKind(t, alice, protocol.KindTextMessage)
	assert.Equal(t, "notice", got.Content)
}
