package protocol

// Kind is the operation kind carried in the first field of a record.
type Kind string

// Session and account kinds
const (
	KindPing            Kind = "PING"
	KindPong            Kind = "PONG"
	KindLogin           Kind = "LOGIN"
	KindLoginSuccess    Kind = "LOGIN_SUCCESS"
	KindLoginFail       Kind = "LOGIN_FAIL"
	KindRegister        Kind = "REGISTER"
	KindRegisterSuccess Kind = "REGISTER_SUCCESS"
	KindRegisterFail    Kind = "REGISTER_FAIL"
	KindLogout          Kind = "LOGOUT"
	KindLogoutSuccess   Kind = "LOGOUT_SUCCESS"
	KindError           Kind = "ERROR"
)

// Presence pushes
const (
	KindUserJoin  Kind = "USER_JOIN"
	KindUserLeave Kind = "USER_LEAVE"
	KindUserList  Kind = "USER_LIST"
)

// Chat messages
const (
	KindTextMessage  Kind = "TEXT_MESSAGE"
	KindImageMessage Kind = "IMAGE_MESSAGE"
	KindGroupMessage Kind = "GROUP_MESSAGE"
	KindGetHistory   Kind = "GET_HISTORY"
	KindHistory      Kind = "HISTORY"

	KindClearHistory        Kind = "CLEAR_HISTORY"
	KindClearHistorySuccess Kind = "CLEAR_HISTORY_SUCCESS"
	KindClearHistoryFail    Kind = "CLEAR_HISTORY_FAIL"
)

// Friendship
const (
	KindFriendRequest        Kind = "FRIEND_REQUEST"
	KindFriendRequestSuccess Kind = "FRIEND_REQUEST_SUCCESS"
	KindFriendRequestFail    Kind = "FRIEND_REQUEST_FAIL"
	KindFriendAccept         Kind = "FRIEND_ACCEPT"
	KindFriendAcceptSuccess  Kind = "FRIEND_ACCEPT_SUCCESS"
	KindFriendAcceptFail     Kind = "FRIEND_ACCEPT_FAIL"
	KindFriendReject         Kind = "FRIEND_REJECT"
	KindFriendRejectSuccess  Kind = "FRIEND_REJECT_SUCCESS"
	KindFriendRejectFail     Kind = "FRIEND_REJECT_FAIL"
	KindDeleteFriend         Kind = "DELETE_FRIEND"
	KindDeleteFriendSuccess  Kind = "DELETE_FRIEND_SUCCESS"
	KindDeleteFriendFail     Kind = "DELETE_FRIEND_FAIL"
	KindFriendList           Kind = "FRIEND_LIST"
	KindGetPendingRequests   Kind = "GET_PENDING_REQUESTS"
	KindPendingRequests      Kind = "PENDING_REQUESTS"
	KindGetUsers             Kind = "GET_USERS"
	KindAllUsers             Kind = "ALL_USERS"
)

// Groups
const (
	KindCreateGroup         Kind = "CREATE_GROUP"
	KindCreateGroupSuccess  Kind = "CREATE_GROUP_SUCCESS"
	KindCreateGroupFail     Kind = "CREATE_GROUP_FAIL"
	KindGroupInvite         Kind = "GROUP_INVITE"
	KindGroupInviteSuccess  Kind = "GROUP_INVITE_SUCCESS"
	KindGroupInviteFail     Kind = "GROUP_INVITE_FAIL"
	KindGroupAccept         Kind = "GROUP_ACCEPT"
	KindGroupJoinSuccess    Kind = "GROUP_JOIN_SUCCESS"
	KindGroupJoinFail       Kind = "GROUP_JOIN_FAIL"
	KindGroupReject         Kind = "GROUP_REJECT"
	KindGroupRejectSuccess  Kind = "GROUP_REJECT_SUCCESS"
	KindGroupRejectFail     Kind = "GROUP_REJECT_FAIL"
	KindGetGroupMembers     Kind = "GET_GROUP_MEMBERS"
	KindGroupMembers        Kind = "GROUP_MEMBERS"
	KindGetGroupMembersFail Kind = "GET_GROUP_MEMBERS_FAIL"
	KindGroupMembersChanged Kind = "GROUP_MEMBERS_CHANGED"
	KindGetGroups           Kind = "GET_GROUPS"
	KindGroupList           Kind = "GROUP_LIST"
	KindGetPendingInvites   Kind = "GET_PENDING_INVITES"
	KindPendingInvites      Kind = "PENDING_INVITES"
)

// Image transfer handshake
const (
	KindImageRequest Kind = "IMAGE_REQUEST"
	KindImageAccept  Kind = "IMAGE_ACCEPT"
	KindImageReject  Kind = "IMAGE_REJECT"
	KindImageData    Kind = "IMAGE_DATA"
)

var knownKinds = map[Kind]struct{}{}

func init() {
	for _, k := range []Kind{
		KindPing, KindPong, KindLogin, KindLoginSuccess, KindLoginFail,
		KindRegister, KindRegisterSuccess, KindRegisterFail, KindLogout,
		KindLogoutSuccess, KindError,
		KindUserJoin, KindUserLeave, KindUserList,
		KindTextMessage, KindImageMessage, KindGroupMessage, KindGetHistory, KindHistory,
		KindClearHistory, KindClearHistorySuccess, KindClearHistoryFail,
		KindFriendRequest, KindFriendRequestSuccess, KindFriendRequestFail,
		KindFriendAccept, KindFriendAcceptSuccess, KindFriendAcceptFail,
		KindFriendReject, KindFriendRejectSuccess, KindFriendRejectFail,
		KindDeleteFriend, KindDeleteFriendSuccess, KindDeleteFriendFail,
		KindFriendList, KindGetPendingRequests, KindPendingRequests,
		KindGetUsers, KindAllUsers,
		KindCreateGroup, KindCreateGroupSuccess, KindCreateGroupFail,
		KindGroupInvite, KindGroupInviteSuccess, KindGroupInviteFail,
		KindGroupAccept, KindGroupJoinSuccess, KindGroupJoinFail,
		KindGroupReject, KindGroupRejectSuccess, KindGroupRejectFail,
		KindGetGroupMembers, KindGroupMembers, KindGetGroupMembersFail,
		KindGroupMembersChanged, KindGetGroups, KindGroupList,
		KindGetPendingInvites, KindPendingInvites,
		KindImageRequest, KindImageAccept, KindImageReject, KindImageData,
	} {
		knownKinds[k] = struct{}{}
	}
}

// Valid reports whether k belongs to the protocol.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// IsHandshake reports whether k is one of the image transfer handshake steps.
func (k Kind) IsHandshake() bool {
	switch k {
	case KindImageRequest, KindImageAccept, KindImageReject, KindImageData:
		return true
	}
	return false
}
