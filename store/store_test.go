package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qqchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestLoadMissingFilesIsEmpty(t *testing.T) {
	s := newTestStore(t)

	users, err := s.LoadUsers()
	require.NoError(t, err)
	assert.Empty(t, users)

	groups, err := s.LoadGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestUsersSurviveReload(t *testing.T) {
	s := newTestStore(t)

	in := []models.User{
		{ID: "u2", DisplayName: "Bob | the builder", PasswordHash: "$2a$04$hash"},
		{ID: "u1", DisplayName: "Alice", PasswordHash: "$2a$04$other"},
	}
	require.NoError(t, s.SaveUsers(in))

	reopened, err := New(s.Dir(), nil)
	require.NoError(t, err)
	out, err := reopened.LoadUsers()
	require.NoError(t, err)
	assert.ElementsMatch(t, in, out)
}

func TestFriendshipsStoredOncePerPair(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveFriendships([][2]string{{"zed", "amy"}}))

	data, err := os.ReadFile(filepath.Join(s.Dir(), FriendshipsFile))
	require.NoError(t, err)
	assert.Equal(t, "amy|zed\n", string(data))

	pairs, err := s.LoadFriendships()
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"amy", "zed"}}, pairs)
}

func TestSaveRewritesWholeFile(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveFriendRequests([]models.FriendRequest{
		{SenderID: "a", ReceiverID: "b"},
		{SenderID: "c", ReceiverID: "b"},
	}))
	require.NoError(t, s.SaveFriendRequests([]models.FriendRequest{
		{SenderID: "c", ReceiverID: "b"},
	}))

	reqs, err := s.LoadFriendRequests()
	require.NoError(t, err)
	assert.Equal(t, []models.FriendRequest{{SenderID: "c", ReceiverID: "b"}}, reqs)
}

func TestGroupsAndInvites(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveGroups([]models.Group{
		{ID: "g1", Members: []string{"u1", "u2"}},
		{ID: "g2", Members: []string{"u3"}},
	}))
	require.NoError(t, s.SaveGroupInvites([]models.GroupInvite{
		{GroupID: "g1", InvitedUserID: "u3"},
	}))

	groups, err := s.LoadGroups()
	require.NoError(t, err)
	assert.Equal(t, []models.Group{
		{ID: "g1", Members: []string{"u1", "u2"}},
		{ID: "g2", Members: []string{"u3"}},
	}, groups)

	invites, err := s.LoadGroupInvites()
	require.NoError(t, err)
	assert.Equal(t, []models.GroupInvite{{GroupID: "g1", InvitedUserID: "u3"}}, invites)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	s := newTestStore(t)

	content := "u1|Alice|hash\nbroken-line\nu2|Bob|hash|extra\n\nu3|Carol|hash\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), UsersFile), []byte(content), 0o600))

	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, "u3", users[1].ID)
}
