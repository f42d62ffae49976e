package mcp

import "sync"

// SessionRegistry maps user IDs to MCP session IDs. It is filled whenever a
// tool is called with a user_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // userID → sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a user with a session, replacing any earlier one.
func (r *SessionRegistry) Register(userID, sessionID string) {
	if userID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = sessionID
}

// SessionFor returns the session of a connected user.
func (r *SessionRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userID]
	return sid, ok
}

// Remove forgets every user bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, uid)
		}
	}
}

// Len returns the number of connected users.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
