package directory

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"qqchat/models"
	"qqchat/store"
)

func newTestUsers(t *testing.T, dir string) *Users {
	t.Helper()
	s, err := store.New(dir, nil)
	require.NoError(t, err)
	users, err := NewUsers(s, UsersOptions{BcryptCost: bcrypt.MinCost}, nil)
	require.NoError(t, err)
	return users
}

func registerAll(t *testing.T, d *Users, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, d.Register(id, "User "+id, "pw-"+id))
	}
}

func TestRegisterAndLogin(t *testing.T) {
	d := newTestUsers(t, t.TempDir())

	require.NoError(t, d.Register("u1", "Alice", "pw"))

	user, ok := d.Login("u1", "pw")
	require.True(t, ok)
	assert.Equal(t, "Alice", user.DisplayName)
	assert.NotEqual(t, "pw", user.PasswordHash)

	_, ok = d.Login("u1", "wrong")
	assert.False(t, ok)
	_, ok = d.Login("nobody", "pw")
	assert.False(t, ok)
}

func TestRegisterDuplicateLeavesUserUnchanged(t *testing.T) {
	d := newTestUsers(t, t.TempDir())

	require.NoError(t, d.Register("u1", "Alice", "pw"))
	err := d.Register("u1", "Mallory", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	user, ok := d.User("u1")
	require.True(t, ok)
	assert.Equal(t, "Alice", user.DisplayName)
	_, ok = d.Login("u1", "other")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Count())
}

func TestRegisterValidation(t *testing.T) {
	d := newTestUsers(t, t.TempDir())

	assert.ErrorIs(t, d.Register("", "Alice", "pw"), ErrInvalidID)
	assert.ErrorIs(t, d.Register("a|b", "Alice", "pw"), ErrInvalidID)
	assert.ErrorIs(t, d.Register("a;b", "Alice", "pw"), ErrInvalidID)
	assert.ErrorIs(t, d.Register("ALL", "Everyone", "pw"), ErrInvalidID)
	assert.ErrorIs(t, d.Register("Server", "Server", "pw"), ErrInvalidID)
	assert.ErrorIs(t, d.Register("server", "Server", "pw"), ErrInvalidID)
	assert.ErrorIs(t, d.Register("u1", " ", "pw"), ErrInvalidArgument)
	assert.ErrorIs(t, d.Register("u1", "Alice", ""), ErrInvalidArgument)
	assert.Equal(t, 0, d.Count())
}

func TestFriendLifecycle(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	registerAll(t, d, "u1", "u2")

	require.NoError(t, d.SendFriendRequest("u1", "u2"))
	assert.Equal(t, []string{"u1"}, d.PendingFriendRequests("u2"))
	assert.Empty(t, d.PendingFriendRequests("u1"))

	require.NoError(t, d.AcceptFriendRequest("u2", "u1"))
	assert.True(t, d.AreFriends("u1", "u2"))
	assert.True(t, d.AreFriends("u2", "u1"))
	assert.Equal(t, []string{"u2"}, d.Friends("u1"))
	assert.Equal(t, []string{"u1"}, d.Friends("u2"))
	assert.Empty(t, d.PendingFriendRequests("u2"))

	require.NoError(t, d.DeleteFriend("u1", "u2"))
	assert.False(t, d.AreFriends("u1", "u2"))
	assert.False(t, d.AreFriends("u2", "u1"))
	assert.Empty(t, d.Friends("u1"))
	assert.Empty(t, d.Friends("u2"))
}

func TestConcurrentFriendChangesStaySymmetric(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	ids := []string{"u0", "u1", "u2", "u3", "u4", "u5"}
	registerAll(t, d, ids...)

	var wg sync.WaitGroup
	for i, a := range ids {
		for j, b := range ids {
			if i == j {
				continue
			}
			wg.Add(1)
			go func(a, b string, round int) {
				defer wg.Done()
				for n := 0; n < 20; n++ {
					d.SendFriendRequest(a, b)
					d.AcceptFriendRequest(b, a)
					if (n+round)%3 == 0 {
						d.DeleteFriend(a, b)
					}
				}
			}(a, b, i+j)
		}
	}
	wg.Wait()

	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				continue
			}
			assert.Equal(t, d.AreFriends(x, y), d.AreFriends(y, x), "%s/%s", x, y)
			assert.Equal(t, slices.Contains(d.Friends(x), y), slices.Contains(d.Friends(y), x), "%s/%s", x, y)
			if d.AreFriends(x, y) {
				assert.NotContains(t, d.PendingFriendRequests(x), y)
			}
		}
	}
}

func TestUnknownLoginHashesAtConfiguredCost(t *testing.T) {
	d := newTestUsers(t, t.TempDir())

	_, ok := d.Login("nobody", "pw")
	assert.False(t, ok)

	cost, err := bcrypt.Cost(d.unknownHash)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestFriendRequestRules(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	registerAll(t, d, "u1", "u2")

	tests := []struct {
		name     string
		sender   string
		receiver string
		want     error
	}{
		{"unknown receiver", "u1", "ghost", ErrUnknownUser},
		{"unknown sender", "ghost", "u1", ErrUnknownUser},
		{"self", "u1", "u1", ErrSelfRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, d.SendFriendRequest(tt.sender, tt.receiver), tt.want)
		})
	}

	require.NoError(t, d.SendFriendRequest("u1", "u2"))
	assert.ErrorIs(t, d.SendFriendRequest("u1", "u2"), ErrRequestPending)
	assert.ErrorIs(t, d.SendFriendRequest("u2", "u1"), ErrRequestPending)

	require.NoError(t, d.AcceptFriendRequest("u2", "u1"))
	assert.ErrorIs(t, d.SendFriendRequest("u2", "u1"), ErrAlreadyFriends)
}

func TestAcceptWithoutRequestFails(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	registerAll(t, d, "u1", "u2")

	assert.ErrorIs(t, d.AcceptFriendRequest("u2", "u1"), ErrNoPendingRequest)
	assert.False(t, d.AreFriends("u1", "u2"))
}

func TestRejectRemovesRequestOnly(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	registerAll(t, d, "u1", "u2")

	require.NoError(t, d.SendFriendRequest("u1", "u2"))
	require.NoError(t, d.RejectFriendRequest("u2", "u1"))
	assert.Empty(t, d.PendingFriendRequests("u2"))
	assert.False(t, d.AreFriends("u1", "u2"))
	assert.ErrorIs(t, d.RejectFriendRequest("u2", "u1"), ErrNoPendingRequest)
}

func TestDeleteNonFriendsFails(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	registerAll(t, d, "u1", "u2")

	err := d.DeleteFriend("u1", "u2")
	assert.True(t, errors.Is(err, ErrNotFriends))
}

func TestUsersStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	d := newTestUsers(t, dir)
	registerAll(t, d, "u1", "u2", "u3")
	require.NoError(t, d.SendFriendRequest("u1", "u2"))
	require.NoError(t, d.AcceptFriendRequest("u2", "u1"))
	require.NoError(t, d.SendFriendRequest("u3", "u1"))

	reloaded := newTestUsers(t, dir)
	assert.Equal(t, 3, reloaded.Count())
	assert.True(t, reloaded.AreFriends("u1", "u2"))
	assert.True(t, reloaded.AreFriends("u2", "u1"))
	assert.Equal(t, []string{"u3"}, reloaded.PendingFriendRequests("u1"))

	_, ok := reloaded.Login("u2", "pw-u2")
	assert.True(t, ok)
}

func TestAllUsersSortedByID(t *testing.T) {
	d := newTestUsers(t, t.TempDir())
	registerAll(t, d, "u3", "u1", "u2")

	var ids []string
	for _, u := range d.AllUsers() {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)
}

type failingUserRecords struct{}

func (failingUserRecords) LoadUsers() ([]models.User, error) { return nil, nil }
func (failingUserRecords) SaveUsers([]models.User) error { return errors.New("disk full") }
func (failingUserRecords) LoadFriendships() ([][2]string, error) { return nil, nil }
func (failingUserRecords) SaveFriendships([][2]string) error { return errors.New("disk full") }
func (failingUserRecords) LoadFriendRequests() ([]models.FriendRequest, error) { return nil, nil }
func (failingUserRecords) SaveFriendRequests([]models.FriendRequest) error { return errors.New("disk full") }

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	d, err := NewUsers(failingUserRecords{}, UsersOptions{BcryptCost: bcrypt.MinCost}, nil)
	require.NoError(t, err)

	require.NoError(t, d.Register("u1", "Alice", "pw"))
	_, ok := d.Login("u1", "pw")
	assert.True(t, ok)
}
