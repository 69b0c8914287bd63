package relay

import (
	"context"
	"sync"
)

// Registry tracks live sessions by call connection id. The media websocket
// carries no call id, so the stream handler claims the most recently answered
// session via Active.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	order    []string
	wg       sync.WaitGroup
}

type entry struct {
	session *Session
	once    sync.Once
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Register tracks a session under its call id, tearing down any session it
// replaces. The returned func unregisters; calling it twice is safe.
func (r *Registry) Register(s *Session) (unregister func()) {
	if r == nil || s == nil {
		return func() {}
	}
	callID := s.CallID()
	e := &entry{session: s}

	r.mu.Lock()
	if r.sessions == nil {
		r.sessions = make(map[string]*entry)
	}
	old := r.sessions[callID]
	r.sessions[callID] = e
	r.order = append(r.order, callID)
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		old.session.Teardown()
		r.unregister(callID, old)
	}

	return func() { r.unregister(callID, e) }
}

func (r *Registry) unregister(callID string, e *entry) {
	if r == nil || e == nil {
		return
	}
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions != nil && r.sessions[callID] == e {
			delete(r.sessions, callID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Remove tears down and unregisters the session under callID, if any.
func (r *Registry) Remove(callID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	e := r.sessions[callID]
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.session.Teardown()
	r.unregister(callID, e)
}

// Get returns the session registered under callID, or nil.
func (r *Registry) Get(callID string) *Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[callID]; ok {
		return e.session
	}
	return nil
}

// Active returns the most recently registered live session, or nil.
func (r *Registry) Active() *Session {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		if e, ok := r.sessions[r.order[i]]; ok {
			return e.session
		}
	}
	return nil
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TeardownAll tears down and unregisters every live session. Used during
// server shutdown.
func (r *Registry) TeardownAll() (n int) {
	if r == nil {
		return 0
	}
	var ids []string
	r.mu.Lock()
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
		n++
	}
	return n
}

// Wait blocks until every registered session has unregistered, or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
