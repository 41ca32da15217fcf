package gateway

import (
    "sort"
    "sync"
)

// Registry maps watcher ids to their live session.
type Registry struct {
    mu       sync.RWMutex
    sessions map[string]*Session
}

func NewRegistry() *Registry {
    return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Get(clientID string) *Session {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return r.sessions[clientID]
}

// Put stores s and returns the session it displaced, if any.
func (r *Registry) Put(s *Session) (prev *Session) {
    r.mu.Lock()
    defer r.mu.Unlock()
    prev = r.sessions[s.ClientID]
    r.sessions[s.ClientID] = s
    return prev
}

// Remove deletes the entry for clientID only if it still points at s, so a
// late close of a replaced session cannot evict its successor.
func (r *Registry) Remove(clientID string, s *Session) bool {
    r.mu.Lock()
    defer r.mu.Unlock()
    if cur, ok := r.sessions[clientID]; ok && cur == s {
        delete(r.sessions, clientID)
        return true
    }
    return false
}

func (r *Registry) Len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.sessions)
}

// List returns the live sessions ordered by watcher id.
func (r *Registry) List() []*Session {
    r.mu.RLock()
    out := make([]*Session, 0, len(r.sessions))
    for _, s := range r.sessions { out = append(out, s) }
    r.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
    return out
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []*Session {
    r.mu.Lock()
    out := make([]*Session, 0, len(r.sessions))
    for id, s := range r.sessions {
        out = append(out, s)
        delete(r.sessions, id)
    }
    r.mu.Unlock()
    return out
}
