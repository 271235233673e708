package client

import (
	"strings"

	"qqchat/protocol"
)

// UserStatus is one entry of an ALL_USERS answer
type UserStatus struct {
	ID          string
	DisplayName string
	Online      bool
}

// ParseUsers parses ALL_USERS content.
// Format: id,name,online|offline;id,name,online|offline;...
func ParseUsers(content string) []UserStatus {
	var users []UserStatus
	for _, item := range protocol.SplitList(content) {
		parts := strings.SplitN(item, ",", 3)
		if len(parts) != 3 {
			continue
		}
		users = append(users, UserStatus{
			ID:          parts[0],
			DisplayName: parts[1],
			Online:      parts[2] == "online",
		})
	}
	return users
}

// ParseList parses the ';'-joined id lists of FRIEND_LIST, USER_LIST,
// GROUP_MEMBERS and friends.
func ParseList(content string) []string {
	return protocol.SplitList(content)
}

// ParseHistory parses HISTORY content, one encoded record per line.
func ParseHistory(content string) ([]protocol.Message, error) {
	return protocol.DecodeBatch(content)
}
