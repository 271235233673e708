package directory

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"qqchat/models"
)

// GroupRecords is the persistence the group directory needs.
type GroupRecords interface {
	LoadGroups() ([]models.Group, error)
	SaveGroups([]models.Group) error
	LoadGroupInvites() ([]models.GroupInvite, error)
	SaveGroupInvites([]models.GroupInvite) error
}

type Groups struct {
	mu      sync.RWMutex
	records GroupRecords
	logger  *slog.Logger

	groups  map[string][]string // group -> members in join order
	invites map[string][]string // user -> groups inviting them

	ns         *namespace
	userExists func(string) bool
}

func NewGroups(records GroupRecords, logger *slog.Logger) (*Groups, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Groups{
		records: records,
		logger:  logger.With("component", "groups"),
		groups:  make(map[string][]string),
		invites: make(map[string][]string),
	}

	groups, err := records.LoadGroups()
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	for _, g := range groups {
		var members []string
		for _, m := range g.Members {
			if !slices.Contains(members, m) {
				members = append(members, m)
			}
		}
		d.groups[g.ID] = members
	}

	invites, err := records.LoadGroupInvites()
	if err != nil {
		return nil, fmt.Errorf("load group invites: %w", err)
	}
	for _, inv := range invites {
		if !slices.Contains(d.invites[inv.InvitedUserID], inv.GroupID) {
			d.invites[inv.InvitedUserID] = append(d.invites[inv.InvitedUserID], inv.GroupID)
		}
	}

	d.logger.Info("group directory loaded", "groups", len(d.groups), "invites", len(invites))
	return d, nil
}

// CreateGroup creates groupID with the creator as its only member.
func (d *Groups) CreateGroup(groupID, creatorID string) error {
	if !ValidID(groupID) || creatorID == "" {
		return ErrInvalidID
	}

	return d.ns.claim(groupID, d.userExists, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()

		if _, exists := d.groups[groupID]; exists {
			return ErrGroupExists
		}
		d.groups[groupID] = []string{creatorID}
		d.saveGroups()

		d.logger.Info("group created", "group", groupID, "creator", creatorID)
		return nil
	})
}

// SendGroupInvite records a pending invite of inviteeID into groupID.
// Membership of the inviter is checked by the caller.
func (d *Groups) SendGroupInvite(inviterID, inviteeID, groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.groups[groupID]
	if !ok {
		return ErrUnknownGroup
	}
	if inviteeID == "" {
		return ErrInvalidID
	}
	if slices.Contains(members, inviteeID) {
		return ErrAlreadyMember
	}
	if slices.Contains(d.invites[inviteeID], groupID) {
		return ErrInvitePending
	}

	d.invites[inviteeID] = append(d.invites[inviteeID], groupID)
	d.saveInvites()

	d.logger.Debug("group invite sent", "group", groupID, "inviter", inviterID, "invitee", inviteeID)
	return nil
}

// AcceptGroupInvite consumes the pending invite and adds userID to the group.
// A second accept finds no invite and leaves membership unchanged.
func (d *Groups) AcceptGroupInvite(userID, groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dropInvite(userID, groupID) {
		return ErrNoPendingInvite
	}
	members, ok := d.groups[groupID]
	if !ok {
		d.saveInvites()
		return ErrUnknownGroup
	}
	if !slices.Contains(members, userID) {
		d.groups[groupID] = append(members, userID)
	}
	d.saveInvites()
	d.saveGroups()
	return nil
}

func (d *Groups) RejectGroupInvite(userID, groupID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dropInvite(userID, groupID) {
		return ErrNoPendingInvite
	}
	d.saveInvites()
	return nil
}

// GroupMembers returns a copy of the member list, or false for an unknown group.
func (d *Groups) GroupMembers(groupID string) ([]string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.groups[groupID]
	if !ok {
		return nil, false
	}
	return slices.Clone(members), true
}

func (d *Groups) IsMember(groupID, userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Contains(d.groups[groupID], userID)
}

func (d *Groups) Exists(groupID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[groupID]
	return ok
}

// UserGroups returns the ids of the groups userID belongs to, sorted.
func (d *Groups) UserGroups(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id, members := range d.groups {
		if slices.Contains(members, userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Groups) PendingGroupInvites(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.invites[userID])
}

func (d *Groups) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups)
}

func (d *Groups) dropInvite(userID, groupID string) bool {
	pending := d.invites[userID]
	if !slices.Contains(pending, groupID) {
		return false
	}
	pending = remove(pending, groupID)
	if len(pending) == 0 {
		delete(d.invites, userID)
	} else {
		d.invites[userID] = pending
	}
	return true
}

func (d *Groups) saveGroups() {
	groups := make([]models.Group, 0, len(d.groups))
	for id, members := range d.groups {
		groups = append(groups, models.Group{ID: id, Members: members})
	}
	if err := d.records.SaveGroups(groups); err != nil {
		d.logger.Error("failed to persist groups", "error", err)
	}
}

func (d *Groups) saveInvites() {
	var invites []models.GroupInvite
	for user, groups := range d.invites {
		for _, g := range groups {
			invites = append(invites, models.GroupInvite{GroupID: g, InvitedUserID: user})
		}
	}
	if err := d.records.SaveGroupInvites(invites); err != nil {
		d.logger.Error("failed to persist group invites", "error", err)
	}
}
