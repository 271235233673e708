package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"qqchat/history"
	"qqchat/metrics"
	"qqchat/models"
	"qqchat/protocol"
	"qqchat/session"
)

// handleMessage dispatches one decoded request. Only PING, LOGIN and
// REGISTER are served before login; the sender of every later request is
// forced to the bound user.
func (s *Server) handleMessage(c *Conn, msg protocol.Message) {
	start := time.Now()
	kind := string(msg.Kind)
	defer func() {
		metrics.RequestsTotal.WithLabelValues(kind).Inc()
		metrics.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	switch msg.Kind {
	case protocol.KindPing:
		s.handlePing(c)
		return
	case protocol.KindLogin:
		s.handleLogin(c, msg)
		return
	case protocol.KindRegister:
		s.handleRegister(c, msg)
		return
	}

	userID := c.UserID()
	if userID == "" {
		c.log().Debug("request rejected", "kind", kind, "state", c.currentState())
		c.reply(protocol.KindError, "Please login first.")
		return
	}
	msg.Sender = userID
	c.log().Debug("request", "kind", kind, "receiver", msg.Receiver)

	switch msg.Kind {
	case protocol.KindLogout:
		s.handleLogout(c)
	case protocol.KindTextMessage:
		s.handleTextMessage(c, msg)
	case protocol.KindImageMessage:
		s.handleImageMessage(c, msg)
	case protocol.KindGroupMessage:
		s.handleGroupMessage(c, msg)
	case protocol.KindGetHistory:
		s.handleGetHistory(c, msg)
	case protocol.KindClearHistory:
		s.handleClearHistory(c, msg)
	case protocol.KindFriendRequest:
		s.handleFriendRequest(c, msg)
	case protocol.KindFriendAccept:
		s.handleFriendAccept(c, msg)
	case protocol.KindFriendReject:
		s.handleFriendReject(c, msg)
	case protocol.KindDeleteFriend:
		s.handleDeleteFriend(c, msg)
	case protocol.KindFriendList:
		s.sendFriendList(c, userID)
	case protocol.KindGetPendingRequests:
		c.reply(protocol.KindPendingRequests, protocol.JoinList(s.users.PendingFriendRequests(userID)))
	case protocol.KindGetUsers:
		s.handleGetUsers(c)
	case protocol.KindCreateGroup:
		s.handleCreateGroup(c, msg)
	case protocol.KindGroupInvite:
		s.handleGroupInvite(c, msg)
	case protocol.KindGroupAccept:
		s.handleGroupAccept(c, msg)
	case protocol.KindGroupReject:
		s.handleGroupReject(c, msg)
	case protocol.KindGetGroupMembers:
		s.handleGetGroupMembers(c, msg)
	case protocol.KindGetGroups:
		c.reply(protocol.KindGroupList, protocol.JoinList(s.groups.UserGroups(userID)))
	case protocol.KindGetPendingInvites:
		c.reply(protocol.KindPendingInvites, protocol.JoinList(s.groups.PendingGroupInvites(userID)))
	case protocol.KindImageRequest:
		s.handleImageRequest(c, msg)
	case protocol.KindImageAccept:
		s.handleImageAccept(c, msg)
	case protocol.KindImageReject:
		s.handleImageReject(c, msg)
	case protocol.KindImageData:
		s.handleImageData(c, msg)
	default:
		c.reply(protocol.KindError, "Unsupported operation: "+kind)
	}
}

func (s *Server) handlePing(c *Conn) {
	c.reply(protocol.KindPong, "")
}

// LOGIN content: id,password
func (s *Server) handleLogin(c *Conn, msg protocol.Message) {
	if c.UserID() != "" {
		c.reply(protocol.KindLoginFail, "Already logged in.")
		return
	}

	fields := protocol.SplitContent(msg.Content, 2)
	if len(fields) != 2 {
		c.reply(protocol.KindLoginFail, "Invalid credentials format.")
		return
	}
	id, password := fields[0], fields[1]
	if id == "" || password == "" {
		c.reply(protocol.KindLoginFail, "ID and password cannot be empty.")
		return
	}

	user, ok := s.users.Login(id, password)
	if !ok {
		c.log().Info("login failed", "id", id)
		c.reply(protocol.KindLoginFail, "Invalid ID or password.")
		return
	}

	c.bind(user.ID)
	greeting := protocol.New(protocol.KindLoginSuccess, protocol.ServerID, user.ID, user.DisplayName)
	if err := s.sessions.Add(c, greeting); err != nil {
		c.unbind()
		if errors.Is(err, session.ErrAlreadyOnline) {
			c.reply(protocol.KindLoginFail, "User already online.")
		} else {
			c.reply(protocol.KindLoginFail, "Login failed.")
		}
		return
	}
	c.log().Info("user logged in")
}

// REGISTER content: id,displayName,password
func (s *Server) handleRegister(c *Conn, msg protocol.Message) {
	fields := protocol.SplitContent(msg.Content, 3)
	if len(fields) != 3 {
		c.reply(protocol.KindRegisterFail, "Invalid registration format.")
		return
	}

	id, name, password := fields[0], fields[1], fields[2]
	if id == "" || name == "" || password == "" {
		c.reply(protocol.KindRegisterFail, "All fields are required.")
		return
	}

	if err := s.users.Register(id, name, password); err != nil {
		c.log().Info("registration rejected", "id", id, "error", err)
		c.reply(protocol.KindRegisterFail, failReason(err))
		return
	}
	c.reply(protocol.KindRegisterSuccess, "Registration successful.")
}

func (s *Server) handleLogout(c *Conn) {
	userID := c.UserID()
	s.sessions.Remove(c)
	s.dropOffers(userID)
	c.reply(protocol.KindLogoutSuccess, "Logged out.")
	c.unbind()
	c.log().Info("user logged out", "user", userID)
}

// TEXT_MESSAGE to a user, or to ALL for the shared room.
func (s *Server) handleTextMessage(c *Conn, msg protocol.Message) {
	if msg.Receiver == "" || msg.Content == "" {
		c.reply(protocol.KindError, "Receiver and content are required.")
		return
	}

	relay := protocol.New(protocol.KindTextMessage, msg.Sender, msg.Receiver, msg.Content)
	if msg.Receiver == protocol.BroadcastID {
		s.router.BroadcastAll(relay, msg.Sender)
		s.record(roomConversation, relay)
		return
	}

	if !s.users.Exists(msg.Receiver) {
		c.reply(protocol.KindError, "User not found: "+msg.Receiver)
		return
	}
	s.router.RouteDirect(msg.Receiver, relay)
	s.record(history.DirectConversation(msg.Sender, msg.Receiver), relay)
}

// IMAGE_MESSAGE content: filename:base64. The receiver is a user or a group.
func (s *Server) handleImageMessage(c *Conn, msg protocol.Message) {
	filename, _, ok := protocol.SplitImage(msg.Content)
	if msg.Receiver == "" || !ok {
		c.reply(protocol.KindError, "Invalid image message.")
		return
	}

	relay := protocol.New(protocol.KindImageMessage, msg.Sender, msg.Receiver, msg.Content)
	stored := relay
	stored.Content = filename

	switch {
	case s.users.Exists(msg.Receiver):
		s.router.RouteDirect(msg.Receiver, relay)
		s.record(history.DirectConversation(msg.Sender, msg.Receiver), stored)
	case s.groups.Exists(msg.Receiver):
		if !s.groups.IsMember(msg.Receiver, msg.Sender) {
			c.reply(protocol.KindError, "You are not a member of group "+msg.Receiver+".")
			return
		}
		s.router.RouteGroup(msg.Receiver, relay, msg.Sender)
		s.record(history.GroupConversation(msg.Receiver), stored)
	default:
		c.reply(protocol.KindError, "Receiver not found: "+msg.Receiver)
	}
}

func (s *Server) handleGroupMessage(c *Conn, msg protocol.Message) {
	if msg.Receiver == "" || msg.Content == "" {
		c.reply(protocol.KindError, "Group and content are required.")
		return
	}
	if !s.groups.Exists(msg.Receiver) {
		c.reply(protocol.KindError, "Group not found: "+msg.Receiver)
		return
	}
	if !s.groups.IsMember(msg.Receiver, msg.Sender) {
		c.reply(protocol.KindError, "You are not a member of group "+msg.Receiver+".")
		return
	}

	relay := protocol.New(protocol.KindGroupMessage, msg.Sender, msg.Receiver, msg.Content)
	s.router.RouteGroup(msg.Receiver, relay, msg.Sender)
	s.record(history.GroupConversation(msg.Receiver), relay)
}

// GET_HISTORY receiver: peer user, group, or ALL; content: optional limit.
func (s *Server) handleGetHistory(c *Conn, msg protocol.Message) {
	conversation, ok := s.conversationFor(c, msg.Sender, msg.Receiver)
	if !ok {
		return
	}

	limit := history.DefaultLimit
	if msg.Content != "" {
		n, err := strconv.Atoi(strings.TrimSpace(msg.Content))
		if err != nil || n <= 0 {
			c.reply(protocol.KindError, "Invalid history limit.")
			return
		}
		limit = n
	}

	var records []protocol.Message
	if s.history != nil {
		entries, err := s.history.Recent(conversation, limit)
		if err != nil {
			c.log().Error("history query failed", "conversation", conversation, "error", err)
			c.reply(protocol.KindError, "History unavailable.")
			return
		}
		for _, e := range entries {
			records = append(records, protocol.Message{
				Kind:      protocol.Kind(e.Kind),
				Sender:    e.Sender,
				Receiver:  e.Receiver,
				Content:   e.Content,
				Timestamp: e.Timestamp.UnixMilli(),
			})
		}
	}
	c.reply(protocol.KindHistory, protocol.EncodeBatch(records))
}

// CLEAR_HISTORY removes a direct conversation for both participants.
func (s *Server) handleClearHistory(c *Conn, msg protocol.Message) {
	if !s.users.Exists(msg.Receiver) {
		c.reply(protocol.KindClearHistoryFail, "User not found: "+msg.Receiver)
		return
	}
	if s.history != nil {
		if err := s.history.Clear(history.DirectConversation(msg.Sender, msg.Receiver)); err != nil {
			c.log().Error("clear history failed", "peer", msg.Receiver, "error", err)
			c.reply(protocol.KindClearHistoryFail, "History unavailable.")
			return
		}
	}
	c.reply(protocol.KindClearHistorySuccess, msg.Receiver)
}

func (s *Server) handleFriendRequest(c *Conn, msg protocol.Message) {
	target := msg.Receiver
	if err := s.users.SendFriendRequest(msg.Sender, target); err != nil {
		c.reply(protocol.KindFriendRequestFail, failReason(err))
		return
	}
	c.reply(protocol.KindFriendRequestSuccess, "Friend request sent to "+target+".")
	s.router.RouteDirect(target, protocol.New(protocol.KindFriendRequest, msg.Sender, target, msg.Sender+" wants to add you as a friend."))
}

// FRIEND_ACCEPT is sent by the receiver of a request; its receiver field
// names the original requester.
func (s *Server) handleFriendAccept(c *Conn, msg protocol.Message) {
	requester := msg.Receiver
	if err := s.users.AcceptFriendRequest(msg.Sender, requester); err != nil {
		c.reply(protocol.KindFriendAcceptFail, failReason(err))
		return
	}
	c.reply(protocol.KindFriendAcceptSuccess, requester)
	s.router.RouteDirect(requester, protocol.New(protocol.KindFriendAccept, msg.Sender, requester, msg.Sender+" accepted your friend request."))
	s.pushFriendList(msg.Sender)
	s.pushFriendList(requester)
}

func (s *Server) handleFriendReject(c *Conn, msg protocol.Message) {
	requester := msg.Receiver
	if err := s.users.RejectFriendRequest(msg.Sender, requester); err != nil {
		c.reply(protocol.KindFriendRejectFail, failReason(err))
		return
	}
	c.reply(protocol.KindFriendRejectSuccess, requester)
	s.router.RouteDirect(requester, protocol.New(protocol.KindFriendReject, msg.Sender, requester, msg.Sender+" rejected your friend request."))
}

func (s *Server) handleDeleteFriend(c *Conn, msg protocol.Message) {
	friend := msg.Receiver
	if err := s.users.DeleteFriend(msg.Sender, friend); err != nil {
		c.reply(protocol.KindDeleteFriendFail, failReason(err))
		return
	}
	c.reply(protocol.KindDeleteFriendSuccess, friend)
	s.router.RouteDirect(friend, protocol.New(protocol.KindDeleteFriend, msg.Sender, friend, msg.Sender+" removed you from their friends."))
	s.pushFriendList(msg.Sender)
	s.pushFriendList(friend)
}

func (s *Server) sendFriendList(c *Conn, userID string) {
	c.reply(protocol.KindFriendList, protocol.JoinList(s.users.Friends(userID)))
}

func (s *Server) pushFriendList(userID string) {
	s.router.RouteDirect(userID, protocol.New(protocol.KindFriendList, protocol.ServerID, userID, protocol.JoinList(s.users.Friends(userID))))
}

// ALL_USERS content: id,displayName,status entries joined by ';'.
func (s *Server) handleGetUsers(c *Conn) {
	users := s.users.AllUsers()
	entries := make([]string, 0, len(users))
	for _, u := range users {
		entries = append(entries, userEntry(u, s.sessions.IsOnline(u.ID)))
	}
	c.reply(protocol.KindAllUsers, protocol.JoinList(entries))
}

// CREATE_GROUP content: group id.
func (s *Server) handleCreateGroup(c *Conn, msg protocol.Message) {
	groupID := strings.TrimSpace(msg.Content)
	if err := s.groups.CreateGroup(groupID, msg.Sender); err != nil {
		c.reply(protocol.KindCreateGroupFail, failReason(err))
		return
	}
	c.reply(protocol.KindCreateGroupSuccess, groupID)
}

// GROUP_INVITE receiver: invitee; content: group id. Only members may invite.
func (s *Server) handleGroupInvite(c *Conn, msg protocol.Message) {
	groupID, invitee := strings.TrimSpace(msg.Content), msg.Receiver

	switch {
	case !s.groups.Exists(groupID):
		c.reply(protocol.KindGroupInviteFail, "Group not found: "+groupID)
		return
	case !s.groups.IsMember(groupID, msg.Sender):
		c.reply(protocol.KindGroupInviteFail, "You are not a member of group "+groupID+".")
		return
	case !s.users.Exists(invitee):
		c.reply(protocol.KindGroupInviteFail, "User not found: "+invitee)
		return
	}

	if err := s.groups.SendGroupInvite(msg.Sender, invitee, groupID); err != nil {
		c.reply(protocol.KindGroupInviteFail, failReason(err))
		return
	}
	c.reply(protocol.KindGroupInviteSuccess, groupID)
	s.router.RouteDirect(invitee, protocol.New(protocol.KindGroupInvite, msg.Sender, invitee, groupID))
}

// GROUP_ACCEPT content: group id.
func (s *Server) handleGroupAccept(c *Conn, msg protocol.Message) {
	groupID := strings.TrimSpace(msg.Content)
	if err := s.groups.AcceptGroupInvite(msg.Sender, groupID); err != nil {
		c.reply(protocol.KindGroupJoinFail, failReason(err))
		return
	}
	c.reply(protocol.KindGroupJoinSuccess, groupID)

	if members, ok := s.groups.GroupMembers(groupID); ok {
		notice := protocol.New(protocol.KindGroupMembersChanged, groupID, groupID, protocol.JoinList(members))
		s.router.RouteGroup(groupID, notice, "")
	}
}

func (s *Server) handleGroupReject(c *Conn, msg protocol.Message) {
	groupID := strings.TrimSpace(msg.Content)
	if err := s.groups.RejectGroupInvite(msg.Sender, groupID); err != nil {
		c.reply(protocol.KindGroupRejectFail, failReason(err))
		return
	}
	c.reply(protocol.KindGroupRejectSuccess, groupID)
}

// GET_GROUP_MEMBERS content: group id. The answer carries the group id as sender.
func (s *Server) handleGetGroupMembers(c *Conn, msg protocol.Message) {
	groupID := strings.TrimSpace(msg.Content)
	members, ok := s.groups.GroupMembers(groupID)
	if !ok {
		c.reply(protocol.KindGetGroupMembersFail, "Group not found: "+groupID)
		return
	}
	if err := c.Send(protocol.New(protocol.KindGroupMembers, groupID, msg.Sender, protocol.JoinList(members))); err != nil {
		c.log().Debug("reply dropped", "kind", protocol.KindGroupMembers, "error", err)
	}
}

// IMAGE_REQUEST receiver: user; content: filename.
func (s *Server) handleImageRequest(c *Conn, msg protocol.Message) {
	receiver, filename := msg.Receiver, strings.TrimSpace(msg.Content)
	if filename == "" || receiver == msg.Sender {
		c.reply(protocol.KindError, "Invalid image request.")
		return
	}
	if !s.users.Exists(receiver) {
		c.reply(protocol.KindError, "User not found: "+receiver)
		return
	}

	transfer := s.images.Offer(msg.Sender, receiver, filename)
	offer := protocol.New(protocol.KindImageRequest, msg.Sender, receiver, filename)
	if !s.router.RouteDirect(receiver, offer) {
		s.images.Reject(receiver, msg.Sender)
		c.reply(protocol.KindImageReject, receiver+" is offline.")
		return
	}
	c.log().Debug("image offered", "transfer", transfer.ID, "receiver", receiver)
}

// IMAGE_ACCEPT is sent by the receiver; its receiver field is the image
// sender and the content is the save path the data should carry.
func (s *Server) handleImageAccept(c *Conn, msg protocol.Message) {
	sender := msg.Receiver
	if _, err := s.images.Accept(msg.Sender, sender); err != nil {
		c.reply(protocol.KindError, "Image accept failed: "+err.Error())
		return
	}
	relay := protocol.New(protocol.KindImageAccept, msg.Sender, sender, msg.Content)
	if !s.router.RouteDirect(sender, relay) {
		s.images.Reject(msg.Sender, sender)
		c.reply(protocol.KindImageReject, sender+" is offline.")
	}
}

func (s *Server) handleImageReject(c *Conn, msg protocol.Message) {
	sender := msg.Receiver
	if _, err := s.images.Reject(msg.Sender, sender); err != nil {
		c.reply(protocol.KindError, "Image reject failed: "+err.Error())
		return
	}
	s.router.RouteDirect(sender, protocol.New(protocol.KindImageReject, msg.Sender, sender, msg.Content))
}

// IMAGE_DATA content: path:base64, relayed only for an accepted offer.
func (s *Server) handleImageData(c *Conn, msg protocol.Message) {
	path, _, ok := protocol.SplitImage(msg.Content)
	if !ok {
		c.reply(protocol.KindError, "Invalid image data.")
		return
	}
	if _, err := s.images.Complete(msg.Sender, msg.Receiver); err != nil {
		c.reply(protocol.KindError, "Image data rejected: "+err.Error())
		return
	}

	relay := protocol.New(protocol.KindImageData, msg.Sender, msg.Receiver, msg.Content)
	if !s.router.RouteDirect(msg.Receiver, relay) {
		c.reply(protocol.KindImageReject, msg.Receiver+" is offline.")
		return
	}

	stored := protocol.New(protocol.KindImageMessage, msg.Sender, msg.Receiver, baseName(path))
	s.record(history.DirectConversation(msg.Sender, msg.Receiver), stored)
}

// conversationFor resolves the history key for peer, answering the client
// itself when there is none. Users are tried before groups, as in routing.
func (s *Server) conversationFor(c *Conn, userID, peer string) (string, bool) {
	switch {
	case peer == protocol.BroadcastID:
		return roomConversation, true
	case s.users.Exists(peer):
		return history.DirectConversation(userID, peer), true
	case s.groups.Exists(peer):
		if !s.groups.IsMember(peer, userID) {
			c.reply(protocol.KindError, "You are not a member of group "+peer+".")
			return "", false
		}
		return history.GroupConversation(peer), true
	default:
		c.reply(protocol.KindError, "Conversation not found: "+peer)
		return "", false
	}
}

const roomConversation = "room"

// record appends msg to the conversation history. Failures are logged only.
func (s *Server) record(conversation string, msg protocol.Message) {
	if s.history == nil {
		return
	}
	err := s.history.Save(models.HistoryEntry{
		Conversation: conversation,
		Kind:         string(msg.Kind),
		Sender:       msg.Sender,
		Receiver:     msg.Receiver,
		Content:      msg.Content,
		Timestamp:    msg.Time(),
	})
	if err != nil {
		s.logger.Error("failed to save history", "conversation", conversation, "error", err)
	}
}

// failReason turns a directory error into the text sent to the client.
func failReason(err error) string {
	reason := err.Error()
	if reason == "" {
		return "Request failed."
	}
	return strings.ToUpper(reason[:1]) + reason[1:] + "."
}

func userEntry(u models.User, online bool) string {
	status := "offline"
	if online {
		status = "online"
	}
	name := strings.NewReplacer(";", " ", ",", " ").Replace(u.DisplayName)
	return u.ID + "," + name + "," + status
}

// baseName strips any directory from a client supplied path, either separator.
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
