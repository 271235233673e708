// Package directory holds the in-memory user and group directories. Every
// mutation runs under the directory's mutex and rewrites the affected record
// files before the lock is released.
package directory

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"qqchat/models"
)

// UserRecords is the persistence the user directory needs.
type UserRecords interface {
	LoadUsers() ([]models.User, error)
	SaveUsers([]models.User) error
	LoadFriendships() ([][2]string, error)
	SaveFriendships([][2]string) error
	LoadFriendRequests() ([]models.FriendRequest, error)
	SaveFriendRequests([]models.FriendRequest) error
}

type UsersOptions struct {
	// BcryptCost is the cost used for new password hashes; 0 means bcrypt.DefaultCost.
	BcryptCost int
}

type Users struct {
	mu      sync.RWMutex
	records UserRecords
	cost    int
	logger  *slog.Logger

	users   map[string]models.User
	friends map[string][]string // user -> friends, symmetric
	pending map[string][]string // receiver -> senders

	// unknownHash is compared against for unknown ids so a failed login costs
	// the same either way.
	unknownHash []byte

	ns          *namespace
	groupExists func(string) bool
}

// NewUsers builds the directory from everything records holds.
func NewUsers(records UserRecords, opts UsersOptions, logger *slog.Logger) (*Users, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	unknownHash, err := bcrypt.GenerateFromPassword([]byte("qqchat unknown user"), cost)
	if err != nil {
		return nil, fmt.Errorf("hash placeholder password: %w", err)
	}

	d := &Users{
		records:     records,
		cost:        cost,
		logger:      logger.With("component", "users"),
		users:       make(map[string]models.User),
		friends:     make(map[string][]string),
		pending:     make(map[string][]string),
		unknownHash: unknownHash,
	}

	users, err := records.LoadUsers()
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for _, u := range users {
		d.users[u.ID] = u
	}

	pairs, err := records.LoadFriendships()
	if err != nil {
		return nil, fmt.Errorf("load friendships: %w", err)
	}
	for _, p := range pairs {
		d.link(p[0], p[1])
	}

	reqs, err := records.LoadFriendRequests()
	if err != nil {
		return nil, fmt.Errorf("load friend requests: %w", err)
	}
	for _, r := range reqs {
		if !slices.Contains(d.pending[r.ReceiverID], r.SenderID) {
			d.pending[r.ReceiverID] = append(d.pending[r.ReceiverID], r.SenderID)
		}
	}

	d.logger.Info("user directory loaded", "users", len(d.users), "friendships", len(pairs), "requests", len(reqs))
	return d, nil
}

// Register creates a user. It fails without side effects if id is taken.
func (d *Users) Register(id, displayName, password string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	if strings.TrimSpace(displayName) == "" || password == "" {
		return ErrInvalidArgument
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return d.ns.claim(id, d.groupExists, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		if _, exists := d.users[id]; exists {
			return ErrUserExists
		}
		d.users[id] = models.User{ID: id, DisplayName: displayName, PasswordHash: string(hashed)}
		d.saveUsers()

		d.logger.Info("user registered", "user", id)
		return nil
	})
}

// Login returns the user when the credentials match. The result does not
// tell an unknown id apart from a wrong password.
func (d *Users) Login(id, password string) (models.User, bool) {
	d.mu.RLock()
	user, ok := d.users[id]
	d.mu.RUnlock()
	if !ok {
		bcrypt.CompareHashAndPassword(d.unknownHash, []byte(password))
		return models.User{}, false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, false
	}
	return user, true
}

func (d *Users) SendFriendRequest(senderID, receiverID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[senderID]; !ok {
		return ErrUnknownUser
	}
	if _, ok := d.users[receiverID]; !ok {
		return ErrUnknownUser
	}
	if senderID == receiverID {
		return ErrSelfRequest
	}
	if slices.Contains(d.friends[senderID], receiverID) {
		return ErrAlreadyFriends
	}
	if slices.Contains(d.pending[receiverID], senderID) || slices.Contains(d.pending[senderID], receiverID) {
		return ErrRequestPending
	}

	d.pending[receiverID] = append(d.pending[receiverID], senderID)
	d.saveFriendRequests()
	return nil
}

// AcceptFriendRequest turns the pending request from senderID into a friendship.
func (d *Users) AcceptFriendRequest(receiverID, senderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dropRequest(receiverID, senderID) {
		return ErrNoPendingRequest
	}
	d.link(receiverID, senderID)
	d.saveFriendRequests()
	d.saveFriendships()
	return nil
}

func (d *Users) RejectFriendRequest(receiverID, senderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dropRequest(receiverID, senderID) {
		return ErrNoPendingRequest
	}
	d.saveFriendRequests()
	return nil
}

// DeleteFriend removes both directions of the friendship or nothing.
func (d *Users) DeleteFriend(a, b string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !slices.Contains(d.friends[a], b) || !slices.Contains(d.friends[b], a) {
		return ErrNotFriends
	}
	d.friends[a] = remove(d.friends[a], b)
	d.friends[b] = remove(d.friends[b], a)
	if len(d.friends[a]) == 0 {
		delete(d.friends, a)
	}
	if len(d.friends[b]) == 0 {
		delete(d.friends, b)
	}
	d.saveFriendships()
	return nil
}

func (d *Users) AreFriends(a, b string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.friends[a], b)
}

// Friends returns a copy of id's friend list; unknown ids yield an empty list.
func (d *Users) Friends(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.friends[id])
}

// PendingFriendRequests returns the senders of requests waiting on id.
func (d *Users) PendingFriendRequests(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.pending[id])
}

func (d *Users) User(id string) (models.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

func (d *Users) Exists(id string) bool {
	_, ok := d.User(id)
	return ok
}

// AllUsers returns every user ordered by id.
func (d *Users) AllUsers() []models.User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := make([]models.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (d *Users) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// link adds both directions of a friendship; callers hold mu.
func (d *Users) link(a, b string) {
	if !slices.Contains(d.friends[a], b) {
		d.friends[a] = append(d.friends[a], b)
	}
	if !slices.Contains(d.friends[b], a) {
		d.friends[b] = append(d.friends[b], a)
	}
}

// dropRequest removes senderID from receiverID's pending list; callers hold mu.
func (d *Users) dropRequest(receiverID, senderID string) bool {
	reqs := d.pending[receiverID]
	if !slices.Contains(reqs, senderID) {
		return false
	}
	reqs = remove(reqs, senderID)
	if len(reqs) == 0 {
		delete(d.pending, receiverID)
	} else {
		d.pending[receiverID] = reqs
	}
	return true
}

// The save helpers run with mu held. A failed write is logged and the
// in-memory state stays authoritative.

func (d *Users) saveUsers() {
	users := make([]models.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	if err := d.records.SaveUsers(users); err != nil {
		d.logger.Error("failed to persist users", "error", err)
	}
}

func (d *Users) saveFriendships() {
	var pairs [][2]string
	for a, friends := range d.friends {
		for _, b := range friends {
			if a < b {
				pairs = append(pairs, [2]string{a, b})
			}
		}
	}
	if err := d.records.SaveFriendships(pairs); err != nil {
		d.logger.Error("failed to persist friendships", "error", err)
	}
}

func (d *Users) saveFriendRequests() {
	var reqs []models.FriendRequest
	for receiver, senders := range d.pending {
		for _, sender := range senders {
			reqs = append(reqs, models.FriendRequest{SenderID: sender, ReceiverID: receiver})
		}
	}
	if err := d.records.SaveFriendRequests(reqs); err != nil {
		d.logger.Error("failed to persist friend requests", "error", err)
	}
}

func remove(list []string, item string) []string {
	return slices.DeleteFunc(slices.Clone(list), func(s string) bool { return s == item })
}
