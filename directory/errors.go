package directory

import (
	"errors"
	"regexp"
	"strings"

	"qqchat/protocol"
)

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidArgument    = errors.New("all fields are required")
	ErrUserExists         = errors.New("ID already exists")
	ErrUnknownUser        = errors.New("user not found")
	ErrSelfRequest        = errors.New("cannot add yourself")
	ErrAlreadyFriends     = errors.New("already friends")
	ErrRequestPending     = errors.New("friend request already pending")
	ErrNoPendingRequest   = errors.New("no pending friend request")
	ErrNotFriends         = errors.New("not friends")
	ErrGroupExists        = errors.New("group already exists")
	ErrUnknownGroup       = errors.New("group not found")
	ErrAlreadyMember      = errors.New("user is already a member")
	ErrInvitePending      = errors.New("group invite already pending")
	ErrNoPendingInvite    = errors.New("no pending group invite")
	ErrInvalidCredentials = errors.New("invalid ID or password")
	ErrIDTaken            = errors.New("ID already in use")
)

// ids end up in ';'-joined lists and '|'-delimited files, so they are kept plain.
var validID = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,32}$`)

// reservedIDs are addresses the protocol gives a meaning of its own.
var reservedIDs = []string{protocol.BroadcastID, protocol.ServerID}

// ValidID reports whether id may be used as a user or group id.
func ValidID(id string) bool {
	if !validID.MatchString(id) {
		return false
	}
	for _, r := range reservedIDs {
		if strings.EqualFold(id, r) {
			return false
		}
	}
	return true
}
