package sessions

import "sync"

// TransientData is per-session state that lives only in process memory:
// the refresh signal and the count of open presenter windows. It is never
// persisted and never sent to clients directly.
type TransientData struct {
	refresh          chan struct{}
	presenterWindows int
}

// TransientStore holds the transient data of every live session.
type TransientStore struct {
	mu       sync.Mutex
	sessions map[string]*TransientData
}

func NewTransientStore() *TransientStore {
	return &TransientStore{sessions: make(map[string]*TransientData)}
}

func (ts *TransientStore) get(sessionID string) *TransientData {
	d, ok := ts.sessions[sessionID]
	if !ok {
		d = &TransientData{refresh: make(chan struct{})}
		ts.sessions[sessionID] = d
	}
	return d
}

// RefreshChannel returns a channel closed the next time the session is told
// to recompute its pushed state. Callers grab a fresh channel after each
// signal.
func (ts *TransientStore) RefreshChannel(sessionID string) <-chan struct{} {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.get(sessionID).refresh
}

// Refresh signals one session's connections to recompute their state.
func (ts *TransientStore) Refresh(sessionID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	d, ok := ts.sessions[sessionID]
	if !ok {
		return
	}
	close(d.refresh)
	d.refresh = make(chan struct{})
}

// RefreshAll signals every tracked session.
func (ts *TransientStore) RefreshAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, d := range ts.sessions {
		close(d.refresh)
		d.refresh = make(chan struct{})
	}
}

// PresenterWindowOpened bumps the session's presenter window count and
// reports whether this was the first window.
func (ts *TransientStore) PresenterWindowOpened(sessionID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	d := ts.get(sessionID)
	d.presenterWindows++
	return d.presenterWindows == 1
}

// PresenterWindowClosed drops the count and reports whether it reached zero.
func (ts *TransientStore) PresenterWindowClosed(sessionID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	d, ok := ts.sessions[sessionID]
	if !ok || d.presenterWindows == 0 {
		return false
	}
	d.presenterWindows--
	return d.presenterWindows == 0
}

// PresenterActive reports whether the session has a presenter window open.
func (ts *TransientStore) PresenterActive(sessionID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	d, ok := ts.sessions[sessionID]
	return ok && d.presenterWindows > 0
}

// Drop forgets a session's transient data.
func (ts *TransientStore) Drop(sessionID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.sessions, sessionID)
}
