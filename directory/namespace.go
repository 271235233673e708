package directory

import "sync"

// namespace serializes id creation across the user and group directories.
// It is always taken before either directory's own mutex.
type namespace struct {
	mu sync.Mutex
}

// Link makes users and groups share one id space: Register fails for an id
// naming a group and CreateGroup fails for an id naming a user. Call it once
// before either directory is used concurrently.
func Link(users *Users, groups *Groups) {
	ns := &namespace{}
	users.ns, users.groupExists = ns, groups.Exists
	groups.ns, groups.userExists = ns, users.Exists
}

// claim runs create while no other id can be created, after checking that
// taken does not already own id.
func (n *namespace) claim(id string, taken func(string) bool, create func() error) error {
	if n == nil {
		return create()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if taken(id) {
		return ErrIDTaken
	}
	return create()
}
