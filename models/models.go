package models

import "time"

type User struct {
	ID           string
	DisplayName  string
	PasswordHash string
	Online       bool // derived from the session registry, never persisted
}

type FriendRequest struct {
	SenderID   string
	ReceiverID string
}

type Group struct {
	ID      string
	Members []string
}

type GroupInvite struct {
	GroupID       string
	InvitedUserID string
}

// HistoryEntry is one persisted chat message.
type HistoryEntry struct {
	ID           int64
	Conversation string
	Kind         string
	Sender       string
	Receiver     string
	Content      string
	Timestamp    time.Time
}
