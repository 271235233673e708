package session

import (
	"qqchat/protocol"
)

// MemberLookup resolves a group's member ids.
type MemberLookup interface {
	GroupMembers(groupID string) ([]string, bool)
}

// Router resolves destinations for a record and pushes it to the live
// sessions among them.
type Router struct {
	sessions *Registry
	groups   MemberLookup
}

func NewRouter(sessions *Registry, groups MemberLookup) *Router {
	return &Router{sessions: sessions, groups: groups}
}

// RouteDirect delivers msg to one user. It returns false when the user is
// offline or the delivery failed.
func (rt *Router) RouteDirect(targetUserID string, msg protocol.Message) bool {
	return rt.sessions.SendTo(targetUserID, msg)
}

// RouteGroup delivers msg to every online member of groupID except
// excludeSenderID. It returns the number of members reached and false when
// the group does not exist.
func (rt *Router) RouteGroup(groupID string, msg protocol.Message, excludeSenderID string) (int, bool) {
	members, ok := rt.groups.GroupMembers(groupID)
	if !ok {
		return 0, false
	}
	delivered := 0
	for _, id := range members {
		if id == excludeSenderID {
			continue
		}
		if rt.sessions.SendTo(id, msg) {
			delivered++
		}
	}
	return delivered, true
}

// BroadcastAll delivers msg to every live session except excludeID, which may be empty.
func (rt *Router) BroadcastAll(msg protocol.Message, excludeID string) int {
	return rt.sessions.SendAll(msg, excludeID)
}
