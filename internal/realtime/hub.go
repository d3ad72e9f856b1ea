package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/consensio/backend/internal/sessions"
	"github.com/consensio/backend/internal/state"
)

// Hub fans state changes out to websocket subscribers. Each subscriber
// recomputes its censored snapshot from authoritative state when poked, so
// a dropped poke is harmless: the next one recomputes from scratch.
type Hub struct {
	store     *state.Store
	tracker   *sessions.Tracker
	transient *sessions.TransientStore
	logger    *zap.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	cancelWatch func()
}

func NewHub(store *state.Store, tracker *sessions.Tracker, transient *sessions.TransientStore, logger *zap.Logger) *Hub {
	h := &Hub{
		store:       store,
		tracker:     tracker,
		transient:   transient,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
	h.cancelWatch = store.Watch(h.poke)
	return h
}

// Close detaches the hub from the store. Live connections wind down through
// their own contexts.
func (h *Hub) Close() {
	h.cancelWatch()
}

// poke wakes every subscriber after a mutation batch commits. The dirty
// channel holds one slot; a subscriber already marked dirty needs no second
// mark, it will recompute from current state anyway.
func (h *Hub) poke([]state.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.dirty <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// subscriber is one websocket connection's view of the state stream.
type subscriber struct {
	sessionID string
	dirty     chan struct{}
	frames    chan Frame
}

// Subscribe registers a state stream for the session and starts its
// recompute loop. Frames arrive on the returned subscriber's channel until
// ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) *subscriber {
	sub := &subscriber{
		sessionID: sessionID,
		dirty:     make(chan struct{}, 1),
		frames:    make(chan Frame, 8),
	}
	h.add(sub)
	go h.run(ctx, sub)
	return sub
}

// Frames is the stream of outbound frames for this subscription. It closes
// when the subscription ends.
func (s *subscriber) Frames() <-chan Frame { return s.frames }

// run drives one subscription: an initial loading+snapshot pair, then a
// fresh snapshot whenever the state changes or the session is refreshed,
// sent only when it differs from the last one delivered.
func (h *Hub) run(ctx context.Context, sub *subscriber) {
	defer h.remove(sub)
	defer close(sub.frames)

	if !h.deliver(ctx, sub, Loading()) {
		return
	}

	var lastSent []byte
	refresh := h.transient.RefreshChannel(sub.sessionID)

	for {
		frame, payload, ok := h.snapshot(sub.sessionID)
		if !ok {
			h.deliver(ctx, sub, frame)
			return
		}
		if !bytes.Equal(payload, lastSent) {
			if !h.deliver(ctx, sub, frame) {
				return
			}
			lastSent = payload
		}

		select {
		case <-ctx.Done():
			return
		case <-sub.dirty:
		case <-refresh:
			refresh = h.transient.RefreshChannel(sub.sessionID)
		}
	}
}

// snapshot computes the censored state for the session. The returned bytes
// are the comparison key for change suppression. ok=false means the stream
// must end with the returned error frame.
func (h *Hub) snapshot(sessionID string) (Frame, []byte, bool) {
	session, ok := h.tracker.Get(sessionID)
	if !ok {
		return Err(ErrDisconnected, "session expired"), nil, false
	}
	user := h.tracker.User(session)
	censor := state.NewCensor(h.store, &session, user, h.transient.PresenterActive(sessionID))
	sent := censor.SentState()

	payload, err := json.Marshal(sent)
	if err != nil {
		h.logger.Error("state snapshot encode failed", zap.String("session", sessionID), zap.Error(err))
		return Err(ErrInternalError, "state snapshot failed"), nil, false
	}
	return Frame{Type: FrameOK, Data: payload}, payload, true
}

func (h *Hub) deliver(ctx context.Context, sub *subscriber, f Frame) bool {
	select {
	case sub.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
