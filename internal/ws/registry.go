package ws

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Durability mirrors session existence into durable storage. Both calls must
// return without waiting on I/O.
type Durability interface {
	Persist(id uuid.UUID, username string)
	Remove(id uuid.UUID)
}

type nopDurability struct{}

func (nopDurability) Persist(uuid.UUID, string) {}
func (nopDurability) Remove(uuid.UUID)          {}

// Registry is the in-memory authority on which sessions are open and who
// owns them. byUser is derived from sessions and both are only ever changed
// together under mu.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	byUser     map[string]map[uuid.UUID]struct{}
	durability Durability
	logger     Logger
}

// NewRegistry returns an empty registry. A nil durability disables mirroring.
func NewRegistry(durability Durability, logger Logger) *Registry {
	if durability == nil {
		durability = nopDurability{}
	}
	if logger == nil {
		logger = defaultLogger
	}
	return &Registry{
		sessions:   make(map[uuid.UUID]*Session),
		byUser:     make(map[string]map[uuid.UUID]struct{}),
		durability: durability,
		logger:     logger,
	}
}

// Register adds s. A second registration of the same id is rejected with an
// errors.AlreadyExists error and leaves the registry unchanged.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; ok {
		r.mu.Unlock()
		r.logger.Errorf("rejecting duplicate session id %s for user %q", s.ID, s.Username)
		return errors.AlreadyExistsf("session %s", s.ID)
	}
	r.sessions[s.ID] = s
	ids, ok := r.byUser[s.Username]
	if !ok {
		ids = make(map[uuid.UUID]struct{})
		r.byUser[s.Username] = ids
	}
	ids[s.ID] = struct{}{}
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debugf("added session for user %q (id: %s); total sessions: %d", s.Username, s.ID, total)
	r.durability.Persist(s.ID, s.Username)
	return nil
}

// Unregister removes the session with the given id. Unknown ids are ignored.
// It reports whether a session was removed.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	if ids := r.byUser[s.Username]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byUser, s.Username)
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debugf("removed session for user %q (id: %s); total sessions: %d", s.Username, id, total)
	r.durability.Remove(id)
	return true
}

// Get returns the session with the given id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionsFor returns a snapshot of the sessions owned by username.
func (r *Registry) SessionsFor(username string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[username]
	result := make([]*Session, 0, len(ids))
	for id := range ids {
		result = append(result, r.sessions[id])
	}
	return result
}

// All returns a snapshot of every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserCounts returns the number of open sessions per user.
func (r *Registry) UserCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.byUser))
	for user, ids := range r.byUser {
		counts[user] = len(ids)
	}
	return counts
}

// Users returns the users with at least one open session, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for user := range r.byUser {
		users = append(users, user)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// CloseAll closes every transport. Each session's read loop then reports its
// terminal event and unregisters it.
func (r *Registry) CloseAll() {
	for _, s := range r.All() {
		if err := s.Transport.Close(); err != nil {
			r.logger.Debugf("closing session %s: %v", s.ID, err)
		}
	}
}
