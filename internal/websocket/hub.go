package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ecoshare/backend/internal/cache"
	"github.com/ecoshare/backend/internal/metrics"
	"github.com/ecoshare/backend/internal/models"
	"github.com/ecoshare/backend/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Relay fans events out to every server instance. Without one, the hub
// delivers only to its own connections.
type Relay interface {
	PublishEnvelope(ctx context.Context, env cache.Envelope) error
	ConsumeEnvelopes(ctx context.Context, fn func(cache.Envelope)) error
}

// StateMirror copies presence and typing state somewhere other services can
// read it.
type StateMirror interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
	SetTyping(ctx context.Context, conversationID, userID uuid.UUID) error
	RemoveTyping(ctx context.Context, conversationID, userID uuid.UUID) error
}

const (
	resubscribeMin = 500 * time.Millisecond
	resubscribeMax = 30 * time.Second
	mirrorTimeout  = 5 * time.Second
)

// Hub maintains the set of active clients and the rooms they joined.
type Hub struct {
	id       string
	registry *registry.Registry
	relay    Relay
	mirror   StateMirror
	log      *zap.Logger

	retryMin time.Duration
	retryMax time.Duration

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	rooms   map[uuid.UUID]map[uuid.UUID]*Client
}

// NewHub creates a new Hub. relay and mirror may be nil.
func NewHub(reg *registry.Registry, relay Relay, mirror StateMirror, log *zap.Logger) *Hub {
	return &Hub{
		id:       uuid.NewString(),
		registry: reg,
		relay:    relay,
		mirror:   mirror,
		log:      log.Named("hub"),
		retryMin: resubscribeMin,
		retryMax: resubscribeMax,
		clients:  make(map[uuid.UUID]*Client),
		rooms:    make(map[uuid.UUID]map[uuid.UUID]*Client),
	}
}

// Run consumes relayed events until ctx is cancelled. It returns at once when
// the hub has no relay. Failed subscriptions are retried with exponential
// backoff; a subscription that stayed up for retryMax resets it.
func (h *Hub) Run(ctx context.Context) {
	if h.relay == nil {
		return
	}
	backoff := h.retryMin
	for {
		started := time.Now()
		err := h.relay.ConsumeEnvelopes(ctx, h.deliverEnvelope)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= h.retryMax {
			backoff = h.retryMin
		}
		h.log.Warn("room relay stopped, resubscribing",
			zap.Error(err), zap.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, h.retryMax)
	}
}

func (h *Hub) deliverEnvelope(env cache.Envelope) {
	switch env.Scope {
	case cache.ScopeRoom:
		h.deliverRoom(env.ConversationID, env.Data, env.Exclude)
	case cache.ScopeAll:
		h.deliverAll(env.Data, env.Exclude)
	case cache.ScopeUser:
		for _, userID := range env.Users {
			h.deliverUser(userID, env.Data)
		}
	case cache.ScopeJoin:
		h.joinUsers(env.ConversationID, env.Users)
	case cache.ScopeLeave:
		h.leaveUsers(env.ConversationID, env.Users)
	}
}

// Register adds a client and announces the user when this is their first
// connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	metrics.Connections.Inc()
	first := h.registry.Register(c.userID, c.id)
	h.log.Debug("client registered", zap.Stringer("user_id", c.userID), zap.Stringer("conn_id", c.id))

	if first {
		if h.mirror != nil {
			if err := h.mirror.SetUserOnline(context.Background(), c.userID); err != nil {
				h.log.Warn("failed to mirror presence", zap.Stringer("user_id", c.userID), zap.Error(err))
			}
		}
		h.BroadcastAll(models.EventUserOnline, models.WSPresencePayload{UserID: c.userID}, c.userID)
	}
}

// Unregister removes a client from every room and closes its send buffer.
// Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for convID, members := range h.rooms {
		if _, ok := members[c.id]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, convID)
			}
		}
	}
	h.mu.Unlock()

	c.close()
	metrics.Connections.Dec()

	userID, last, ok := h.registry.Unregister(c.id)
	if !ok {
		return
	}
	h.log.Debug("client unregistered", zap.Stringer("user_id", userID), zap.Stringer("conn_id", c.id))
	if last {
		if h.mirror != nil {
			if err := h.mirror.SetUserOffline(context.Background(), userID); err != nil {
				h.log.Warn("failed to mirror presence", zap.Stringer("user_id", userID), zap.Error(err))
			}
		}
		h.BroadcastAll(models.EventUserOffline, models.WSPresencePayload{UserID: userID}, userID)
	}
}

// Join adds a client to a conversation room. The caller has already checked
// that the user participates.
func (h *Hub) Join(c *Client, conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.id]; !ok {
		return
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[uuid.UUID]*Client)
		h.rooms[conversationID] = members
	}
	members[c.id] = c
}

// Leave removes a client from a room and reports whether it was there.
func (h *Hub) Leave(c *Client, conversationID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := members[c.id]; !ok {
		return false
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.rooms, conversationID)
	}
	return true
}

// JoinUsers adds every live connection of the given users to a room, on this
// instance and, through the relay, on every other.
func (h *Hub) JoinUsers(conversationID uuid.UUID, users ...uuid.UUID) {
	if len(users) == 0 {
		return
	}
	if h.publish(cache.Envelope{Scope: cache.ScopeJoin, ConversationID: conversationID, Users: users}) {
		return
	}
	h.joinUsers(conversationID, users)
}

// LeaveUser removes every live connection of userID from a room.
func (h *Hub) LeaveUser(conversationID, userID uuid.UUID) {
	users := []uuid.UUID{userID}
	if h.publish(cache.Envelope{Scope: cache.ScopeLeave, ConversationID: conversationID, Users: users}) {
		return
	}
	h.leaveUsers(conversationID, users)
}

func (h *Hub) joinUsers(conversationID uuid.UUID, users []uuid.UUID) {
	var ids []uuid.UUID
	for _, userID := range users {
		ids = append(ids, h.registry.ConnectionsFor(userID)...)
	}
	if len(ids) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[uuid.UUID]*Client)
		h.rooms[conversationID] = members
	}
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			members[id] = c
		}
	}
	if len(members) == 0 {
		delete(h.rooms, conversationID)
	}
}

func (h *Hub) leaveUsers(conversationID uuid.UUID, users []uuid.UUID) {
	var ids []uuid.UUID
	for _, userID := range users {
		ids = append(ids, h.registry.ConnectionsFor(userID)...)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	for _, id := range ids {
		delete(members, id)
	}
	if len(members) == 0 {
		delete(h.rooms, conversationID)
	}
}

// InRoom reports whether a client joined a room.
func (h *Hub) InRoom(c *Client, conversationID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][c.id]
	return ok
}

// RoomSize returns the number of local connections in a room.
func (h *Hub) RoomSize(conversationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Broadcast sends an event to every connection in a room except exclude.
func (h *Hub) Broadcast(conversationID uuid.UUID, event string, payload any, exclude uuid.UUID) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	if h.publish(cache.Envelope{Scope: cache.ScopeRoom, ConversationID: conversationID, Exclude: exclude, Data: data}) {
		return
	}
	h.deliverRoom(conversationID, data, exclude)
}

// BroadcastAll sends an event to every connection not owned by excludeUser.
func (h *Hub) BroadcastAll(event string, payload any, excludeUser uuid.UUID) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	if h.publish(cache.Envelope{Scope: cache.ScopeAll, Exclude: excludeUser, Data: data}) {
		return
	}
	h.deliverAll(data, excludeUser)
}

// SendToUser delivers an event to every connection of a user, whichever
// instance holds it.
func (h *Hub) SendToUser(userID uuid.UUID, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	if h.publish(cache.Envelope{Scope: cache.ScopeUser, Users: []uuid.UUID{userID}, Data: data}) {
		return
	}
	h.deliverUser(userID, data)
}

// RefreshPresence extends the mirrored online state of a connected user.
func (h *Hub) RefreshPresence(userID uuid.UUID) {
	if h.mirror == nil || !h.registry.IsOnline(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.SetUserOnline(ctx, userID); err != nil {
		h.log.Warn("failed to refresh presence", zap.Stringer("user_id", userID), zap.Error(err))
	}
}

func (h *Hub) deliverUser(userID uuid.UUID, data []byte) {
	ids := h.registry.ConnectionsFor(userID)
	h.mu.RLock()
	targets := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, data)
}

// publish hands the event to the relay. It reports false when the caller
// should deliver locally instead.
func (h *Hub) publish(env cache.Envelope) bool {
	if h.relay == nil {
		return false
	}
	env.Origin = h.id
	if err := h.relay.PublishEnvelope(context.Background(), env); err != nil {
		h.log.Warn("room relay publish failed, delivering locally", zap.Error(err))
		return false
	}
	return true
}

func (h *Hub) deliverRoom(conversationID uuid.UUID, data []byte, exclude uuid.UUID) {
	h.mu.RLock()
	members := h.rooms[conversationID]
	targets := make([]*Client, 0, len(members))
	for id, c := range members {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, data)
}

func (h *Hub) deliverAll(data []byte, excludeUser uuid.UUID) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.userID != excludeUser {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, data)
}

// deliver runs outside the hub lock. A closed or saturated client is a soft
// failure: it is logged and skipped.
func (h *Hub) deliver(targets []*Client, data []byte) {
	for _, c := range targets {
		if !c.enqueue(data) {
			metrics.BroadcastDropped.Inc()
			h.log.Warn("dropped event for connection",
				zap.Stringer("user_id", c.userID), zap.Stringer("conn_id", c.id))
		}
	}
}

// OnlineUsers returns the users with at least one live connection.
func (h *Hub) OnlineUsers() []uuid.UUID {
	return h.registry.OnlineUsers()
}

// IsUserOnline checks if a user is online
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	return h.registry.IsOnline(userID)
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(models.WSMessage{Event: event, Payload: payload})
}
