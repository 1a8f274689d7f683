// Package proctor implements the per-session real-time channel: fan-out of
// progress, warnings and final notices, plus heartbeat and switch intake.
package proctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// DefaultBuffer is the per-subscription event buffer.
const DefaultBuffer = 32

// ErrSessionNotOpen rejects a subscription to a session that is neither
// running nor finished.
var ErrSessionNotOpen = errors.New("session is not in progress")

// SessionReader resolves the current state of a session, deadline applied.
type SessionReader interface {
	Current(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error)
}

// Subscription is one subscriber's stream of events for one session.
// The channel is closed after a final notice, on Close, or when the
// subscriber falls too far behind.
type Subscription struct {
	id        uint64
	sessionID uuid.UUID
	ch        chan ws.OutboundEvent
	hub       *Hub
	once      sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan ws.OutboundEvent { return s.ch }

// SessionID returns the session the subscription is scoped to.
func (s *Subscription) SessionID() uuid.UUID { return s.sessionID }

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.hub != nil {
		s.hub.remove(s)
		return
	}
	s.once.Do(func() { close(s.ch) })
}

// Hub fans events out to the subscribers of each session. Publishing never
// blocks: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[uint64]*Subscription
	nextID uint64

	sessions SessionReader
	relay    Relay
	buffer   int
	metrics  *metrics.Manager
	now      func() time.Time
	log      zerolog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRelay forwards locally published events to other instances.
func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubMetrics tracks live subscriptions on m.
func WithHubMetrics(m *metrics.Manager) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithHubClock overrides time.Now.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates a Hub.
func NewHub(log zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[uuid.UUID]map[uint64]*Subscription),
		buffer: DefaultBuffer,
		now:    time.Now,
		log:    log.With().Str("component", "proctor_hub").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSessionReader wires the session lookup used by Subscribe. It is set
// after construction because the session manager publishes through the hub.
func (h *Hub) SetSessionReader(r SessionReader) {
	h.sessions = r
}

// Subscribe opens a stream for a running session. A finished session yields
// a subscription that delivers only the final notice and then closes.
func (h *Hub) Subscribe(ctx context.Context, sessionID uuid.UUID) (*Subscription, error) {
	session, err := h.sessions.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.IsTerminal() {
		return finalOnly(session, h.buffer), nil
	}
	if session.State != model.SessionStateInProgress {
		return nil, ErrSessionNotOpen
	}

	sub := h.add(sessionID)

	// The session may have closed between the lookup and registration, in
	// which case its final notice went out before we were listening.
	if session, err = h.sessions.Current(ctx, sessionID); err == nil && session.State.IsTerminal() {
		h.deliverTo(sub, ClosedEvent(session))
	}
	return sub, nil
}

func finalOnly(session *model.ExamSession, buffer int) *Subscription {
	sub := &Subscription{sessionID: session.ID, ch: make(chan ws.OutboundEvent, buffer)}
	sub.ch <- ClosedEvent(session)
	sub.Close()
	return sub
}

func (h *Hub) add(sessionID uuid.UUID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:        h.nextID,
		sessionID: sessionID,
		ch:        make(chan ws.OutboundEvent, h.buffer),
		hub:       h,
	}
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[uint64]*Subscription)
		h.subs[sessionID] = set
	}
	set[sub.id] = sub
	h.metrics.SubscriptionOpened()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		if set, ok := h.subs[sub.sessionID]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(h.subs, sub.sessionID)
			}
		}
		close(sub.ch)
		h.metrics.SubscriptionClosed()
	})
}

// deliverTo sends one event to a single registered subscription.
func (h *Hub) deliverTo(sub *Subscription, ev ws.OutboundEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.sessionID]; !ok || set[sub.id] == nil {
		return
	}
	h.sendLocked(sub, ev)
}

func (h *Hub) sendLocked(sub *Subscription, ev ws.OutboundEvent) {
	select {
	case sub.ch <- ev:
	default:
		h.log.Warn().Str("session_id", sub.sessionID.String()).Msg("Dropping slow subscriber")
		h.removeLocked(sub)
		return
	}
	if ev.Event.Final() {
		h.removeLocked(sub)
	}
}

// Deliver fans ev out to local subscribers only. Events arriving from the
// relay come in here. Holding the lock for the whole fan-out keeps publish
// order identical for every subscriber of a session.
func (h *Hub) Deliver(ev ws.OutboundEvent) {
	sessionID, err := uuid.Parse(ev.SessionID)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[sessionID] {
		h.sendLocked(sub, ev)
	}
}

// Publish delivers ev locally and forwards it to other instances.
func (h *Hub) Publish(ctx context.Context, ev ws.OutboundEvent) {
	h.Deliver(ev)
	if h.relay == nil {
		return
	}
	if err := h.relay.Publish(ctx, ev); err != nil {
		h.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("Relay publish failed")
	}
}

// PublishProgress broadcasts the latest progress count.
func (h *Hub) PublishProgress(ctx context.Context, sessionID uuid.UUID, answered int) {
	h.Publish(ctx, ProgressEvent(sessionID, answered, h.now()))
}

// PublishWarning broadcasts a warning message.
func (h *Hub) PublishWarning(ctx context.Context, sessionID uuid.UUID, message string) {
	h.Publish(ctx, WarningEvent(sessionID, message, h.now()))
}

// PublishClosed broadcasts the final notice and ends every stream of the session.
func (h *Hub) PublishClosed(ctx context.Context, s *model.ExamSession) {
	h.Publish(ctx, ClosedEvent(s))
}

// Subscribers returns the number of live subscriptions of a session.
func (h *Hub) Subscribers(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Shutdown closes every subscription.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, set := range h.subs {
		for _, sub := range set {
			h.removeLocked(sub)
		}
	}
}
