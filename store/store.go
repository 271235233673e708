// Package store persists the chat directories as flat '|'-delimited text files.
// Every save rewrites the whole file atomically; loads rebuild the full state.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"qqchat/models"
	"qqchat/protocol"
)

const (
	UsersFile          = "users.txt"
	FriendshipsFile    = "friendships.txt"
	FriendRequestsFile = "friend_requests.txt"
	GroupsFile         = "groups.txt"
	GroupInvitesFile   = "group_invites.txt"
)

type Store struct {
	dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger.With("component", "store")}, nil
}

// Dir returns the directory holding the record files.
func (s *Store) Dir() string {
	return s.dir
}

// User records: id|displayName|passwordHash
func (s *Store) LoadUsers() ([]models.User, error) {
	records, err := s.readRecords(UsersFile, 3)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(records))
	for _, r := range records {
		users = append(users, models.User{ID: r[0], DisplayName: r[1], PasswordHash: r[2]})
	}
	return users, nil
}

func (s *Store) SaveUsers(users []models.User) error {
	records := make([][]string, 0, len(users))
	for _, u := range users {
		records = append(records, []string{u.ID, u.DisplayName, u.PasswordHash})
	}
	return s.writeRecords(UsersFile, records)
}

// Friendship records hold each unordered pair once: a|b with a < b.
func (s *Store) LoadFriendships() ([][2]string, error) {
	records, err := s.readRecords(FriendshipsFile, 2)
	if err != nil {
		return nil, err
	}
	pairs := make([][2]string, 0, len(records))
	for _, r := range records {
		pairs = append(pairs, [2]string{r[0], r[1]})
	}
	return pairs, nil
}

func (s *Store) SaveFriendships(pairs [][2]string) error {
	records := make([][]string, 0, len(pairs))
	for _, p := range pairs {
		a, b := p[0], p[1]
		if b < a {
			a, b = b, a
		}
		records = append(records, []string{a, b})
	}
	return s.writeRecords(FriendshipsFile, records)
}

// Friend request records: sender|receiver
func (s *Store) LoadFriendRequests() ([]models.FriendRequest, error) {
	records, err := s.readRecords(FriendRequestsFile, 2)
	if err != nil {
		return nil, err
	}
	reqs := make([]models.FriendRequest, 0, len(records))
	for _, r := range records {
		reqs = append(reqs, models.FriendRequest{SenderID: r[0], ReceiverID: r[1]})
	}
	return reqs, nil
}

func (s *Store) SaveFriendRequests(reqs []models.FriendRequest) error {
	records := make([][]string, 0, len(reqs))
	for _, r := range reqs {
		records = append(records, []string{r.SenderID, r.ReceiverID})
	}
	return s.writeRecords(FriendRequestsFile, records)
}

// Group records: groupId|member|member|...
func (s *Store) LoadGroups() ([]models.Group, error) {
	records, err := s.readRecords(GroupsFile, -1)
	if err != nil {
		return nil, err
	}
	groups := make([]models.Group, 0, len(records))
	for _, r := range records {
		if r[0] == "" {
			continue
		}
		var members []string
		for _, m := range r[1:] {
			if m != "" {
				members = append(members, m)
			}
		}
		groups = append(groups, models.Group{ID: r[0], Members: members})
	}
	return groups, nil
}

func (s *Store) SaveGroups(groups []models.Group) error {
	records := make([][]string, 0, len(groups))
	for _, g := range groups {
		record := append([]string{g.ID}, g.Members...)
		records = append(records, record)
	}
	return s.writeRecords(GroupsFile, records)
}

// Group invite records: groupId|invitedUserId
func (s *Store) LoadGroupInvites() ([]models.GroupInvite, error) {
	records, err := s.readRecords(GroupInvitesFile, 2)
	if err != nil {
		return nil, err
	}
	invites := make([]models.GroupInvite, 0, len(records))
	for _, r := range records {
		invites = append(invites, models.GroupInvite{GroupID: r[0], InvitedUserID: r[1]})
	}
	return invites, nil
}

func (s *Store) SaveGroupInvites(invites []models.GroupInvite) error {
	records := make([][]string, 0, len(invites))
	for _, inv := range invites {
		records = append(records, []string{inv.GroupID, inv.InvitedUserID})
	}
	return s.writeRecords(GroupInvitesFile, records)
}

// readRecords returns the records of name. A missing file is an empty set.
// Lines with the wrong number of fields are skipped; fields < 0 accepts any count.
func (s *Store) readRecords(name string, fields int) ([][]string, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("record file not found, starting empty", "file", name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	var records [][]string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		parts := protocol.SplitFields(line)
		if fields >= 0 && len(parts) != fields {
			s.logger.Warn("skipping malformed record", "file", name, "line", lineNo)
			continue
		}
		records = append(records, parts)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}

	s.logger.Debug("loaded records", "file", name, "count", len(records))
	return records, nil
}

// writeRecords replaces name with records, sorted so the file content is stable.
func (s *Store) writeRecords(name string, records [][]string) error {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, protocol.JoinFields(r...))
	}
	sort.Strings(lines)

	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}

	path := filepath.Join(s.dir, name)
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	s.logger.Debug("saved records", "file", name, "count", len(lines))
	return nil
}
