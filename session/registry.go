// Package session tracks who is online and delivers records to live sessions.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"qqchat/metrics"
	"qqchat/protocol"
)

var ErrAlreadyOnline = errors.New("user already online")

// Handle is a live connection bound to a user.
type Handle interface {
	UserID() string
	// Send queues msg for the peer. An error means the peer is gone.
	Send(msg protocol.Message) error
	Close()
}

// Registry maps user ids to their single live session. Sends never happen
// while mu is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]Handle),
		logger:   logger.With("component", "sessions"),
	}
}

// Add binds h to its user id. The check and the insert are one step, so two
// racing logins for the same id cannot both succeed. On success greeting is
// queued to h ahead of its own join notice and online list, which then go to
// everyone. Pushes caused by another user's concurrent login may still reach
// h before the greeting.
func (r *Registry) Add(h Handle, greeting protocol.Message) error {
	id := h.UserID()

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return ErrAlreadyOnline
	}
	r.sessions[id] = h
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(count))
	r.logger.Info("session added", "user", id, "online", count)

	var failed []Handle
	if err := h.Send(greeting); err != nil {
		failed = append(failed, h)
	}
	failed = append(failed, r.announce(
		protocol.New(protocol.KindUserJoin, protocol.ServerID, protocol.BroadcastID, id+" joined the chat room"),
	)...)
	r.evict(failed)
	return nil
}

// Remove drops h if it is still the session bound to its user id and
// announces the departure. Removing an absent or replaced session is a no-op.
func (r *Registry) Remove(h Handle) bool {
	if !r.detach(h) {
		return false
	}
	r.evict(r.announce(
		protocol.New(protocol.KindUserLeave, protocol.ServerID, protocol.BroadcastID, h.UserID()+" left the chat room"),
	))
	return true
}

func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[userID]
	return h, ok
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Online returns the ids of all live sessions, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendTo delivers msg to userID's session. A failed send evicts the session.
func (r *Registry) SendTo(userID string, msg protocol.Message) bool {
	h, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	if err := h.Send(msg); err != nil {
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("delivery failed", "user", userID, "kind", msg.Kind, "error", err)
		r.evict([]Handle{h})
		return false
	}
	metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
	return true
}

// SendAll delivers msg to every live session except exclude and returns how
// many sessions accepted it.
func (r *Registry) SendAll(msg protocol.Message, exclude string) int {
	failed, delivered := r.sendEach(r.snapshot(), exclude, msg)
	r.evict(failed)
	return delivered
}

// Close closes every live session without announcements. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.sessions))
	for id, h := range r.sessions {
		handles = append(handles, h)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	metrics.OnlineUsers.Set(0)
	for _, h := range handles {
		h.Close()
	}
}

// detach removes h if it is the current session for its id.
func (r *Registry) detach(h Handle) bool {
	id := h.UserID()

	r.mu.Lock()
	cur, ok := r.sessions[id]
	if !ok || cur != h {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(count))
	r.logger.Info("session removed", "user", id, "online", count)
	return true
}

// announce sends notice followed by the refreshed online list to everyone.
// It returns the sessions whose sends failed.
func (r *Registry) announce(notice protocol.Message) []Handle {
	handles := r.snapshot()
	ids := make([]string, 0, len(handles))
	for _, h := range handles {
		ids = append(ids, h.UserID())
	}
	sort.Strings(ids)
	list := protocol.New(protocol.KindUserList, protocol.ServerID, protocol.BroadcastID, protocol.JoinList(ids))

	failed, _ := r.sendEach(handles, "", notice, list)
	return failed
}

func (r *Registry) snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	return handles
}

func (r *Registry) sendEach(handles []Handle, exclude string, msgs ...protocol.Message) (failed []Handle, delivered int) {
	for _, h := range handles {
		if exclude != "" && h.UserID() == exclude {
			continue
		}
		ok := true
		for _, msg := range msgs {
			if err := h.Send(msg); err != nil {
				r.logger.Warn("delivery failed", "user", h.UserID(), "kind", msg.Kind, "error", err)
				ok = false
				break
			}
		}
		if ok {
			metrics.DeliveriesTotal.WithLabelValues("ok").Add(float64(len(msgs)))
			delivered++
		} else {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			failed = append(failed, h)
		}
	}
	return failed, delivered
}

// evict closes the failed sessions and announces each departure. Announcing
// may fail further sessions; they join the queue until it drains.
func (r *Registry) evict(failed []Handle) {
	for len(failed) > 0 {
		h := failed[0]
		failed = failed[1:]
		h.Close()
		if !r.detach(h) {
			continue
		}
		metrics.EvictionsTotal.Inc()
		r.logger.Warn("session evicted", "user", h.UserID())
		failed = append(failed, r.announce(
			protocol.New(protocol.KindUserLeave, protocol.ServerID, protocol.BroadcastID, h.UserID()+" left the chat room"),
		)...)
	}
}
