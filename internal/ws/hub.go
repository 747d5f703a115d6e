package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/unichat/internal/bus"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/model"
)

// keySub is one conversation key's local subscriber set. mu serializes the
// key's bus subscribe/unsubscribe transitions so a disconnecting last member
// and a joining first member cannot interleave; members and subscribed are
// read under the hub mutex and mutated only while mu is held.
type keySub struct {
	mu         sync.Mutex
	members    map[*Client]model.MemberRole
	subscribed bool
}

// Hub owns the connection registry and the per-conversation subscriber sets.
// Bus subscriptions are refcounted: the first session joining a conversation
// subscribes the process, the last one leaving unsubscribes it.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	// subs maps a conversation key to its local sessions. The membership
	// role is captured at join time so the delivery filter never blocks on
	// a lookup; a role change takes effect on the next join.
	subs  map[string]*keySub
	total int

	maxConns int
	fanout   bus.Bus

	convStore     ConversationStore
	msgStore      MessageStore
	reactStore    ReactionStore
	readStore     ReadStore
	typingStore   TypingStore
	presenceStore PresenceStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(
	fanout bus.Bus,
	convStore ConversationStore,
	msgStore MessageStore,
	reactStore ReactionStore,
	readStore ReadStore,
	typingStore TypingStore,
	presenceStore PresenceStore,
	maxConns int,
) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		subs:          make(map[string]*keySub),
		maxConns:      maxConns,
		fanout:        fanout,
		convStore:     convStore,
		msgStore:      msgStore,
		reactStore:    reactStore,
		readStore:     readStore,
		typingStore:   typingStore,
		presenceStore: presenceStore,
		register:      make(chan *Client, 64),
		unregister:    make(chan *Client, 64),
		done:          make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	keys := make([]string, 0, len(h.subs))
	for key := range h.subs {
		keys = append(keys, key)
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.subs = make(map[string]*keySub)
	h.total = 0
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := h.fanout.Unsubscribe(ctx, key); err != nil {
			logger.Errorf("ws unsubscribe %s on shutdown: %v", key, err)
		}
	}

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID())
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID()]; !ok {
		h.clients[c.userID()] = make(map[*Client]struct{})
	}
	h.clients[c.userID()][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presenceStore.Upsert(ctx, c.userID(), model.StatusOnline, time.Now().UTC()); err != nil {
		logger.Errorf("ws set online user=%s: %v", c.userID(), err)
	}

	h.sendToClient(c, OutboundFrame{Type: EventConnectionEstablished, Data: ConnectionEstablishedData{
		Message: "Connected to chat server",
		User:    c.user.ToPublic(),
	}})
}

// removeClient is the session finalizer: it runs on every disconnect, abrupt
// or graceful, and tears down subscriptions, presence, and typing marks.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.userID())
	}
	type emptiedKey struct {
		key string
		ks  *keySub
	}
	var emptied []emptiedKey
	for key, ks := range h.subs {
		if _, joined := ks.members[c]; !joined {
			continue
		}
		delete(ks.members, c)
		if len(ks.members) == 0 {
			emptied = append(emptied, emptiedKey{key: key, ks: ks})
		}
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range emptied {
		h.retireKey(ctx, e.key, e.ks)
	}
	if err := h.typingStore.DeleteAllForUser(ctx, c.userID()); err != nil {
		logger.Errorf("ws clear typing marks user=%s: %v", c.userID(), err)
	}
	if lastClient {
		if err := h.presenceStore.Upsert(ctx, c.userID(), model.StatusOffline, time.Now().UTC()); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.userID(), err)
		}
	}
}

// joinConversation records the session in the conversation's subscriber set,
// subscribing the process to the bus key first when no live subscription
// exists. The key's transition lock keeps this ordered against a concurrent
// last-member teardown: a join that races an in-flight unsubscribe waits it
// out and then establishes a fresh subscription, so the session is only
// registered once the bus delivers to it. Bus I/O happens outside the hub
// mutex.
func (h *Hub) joinConversation(ctx context.Context, c *Client, conversationID string, role model.MemberRole) error {
	key := bus.ConversationKey(conversationID)
	for {
		h.mu.Lock()
		ks, ok := h.subs[key]
		if !ok {
			ks = &keySub{members: make(map[*Client]model.MemberRole)}
			h.subs[key] = ks
		}
		h.mu.Unlock()

		ks.mu.Lock()
		h.mu.Lock()
		stale := h.subs[key] != ks
		h.mu.Unlock()
		if stale {
			// The entry was retired while waiting for its lock.
			ks.mu.Unlock()
			continue
		}

		if !ks.subscribed {
			if err := h.fanout.Subscribe(ctx, key, h.deliver); err != nil {
				h.mu.Lock()
				if h.subs[key] == ks && len(ks.members) == 0 {
					delete(h.subs, key)
				}
				h.mu.Unlock()
				ks.mu.Unlock()
				return err
			}
			ks.subscribed = true
		}

		h.mu.Lock()
		ks.members[c] = role
		h.mu.Unlock()
		ks.mu.Unlock()
		return nil
	}
}

// retireKey drops the bus subscription for a key whose last local member
// left. Holding the transition lock means no join can add a member until the
// unsubscribe completes and the entry is removed, so a late joiner finds
// either the live entry (and keeps it) or no entry (and subscribes fresh).
func (h *Hub) retireKey(ctx context.Context, key string, ks *keySub) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	h.mu.Lock()
	if h.subs[key] != ks || len(ks.members) > 0 {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if ks.subscribed {
		if err := h.fanout.Unsubscribe(ctx, key); err != nil {
			logger.Errorf("ws unsubscribe %s: %v", key, err)
		}
		ks.subscribed = false
	}

	h.mu.Lock()
	if h.subs[key] == ks && len(ks.members) == 0 {
		delete(h.subs, key)
	}
	h.mu.Unlock()
}

// joinedRole reports whether the session has joined the conversation and
// with what role snapshot.
func (h *Hub) joinedRole(c *Client, conversationID string) (model.MemberRole, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ks, ok := h.subs[bus.ConversationKey(conversationID)]
	if !ok {
		return "", false
	}
	role, joined := ks.members[c]
	return role, joined
}

// publish marshals the payload and hands it to the fanout bus. SenderID is
// only set for events whose delivery filter depends on a message author.
func (h *Hub) publish(ctx context.Context, conversationID string, evType EventType, actorID, senderID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("ws marshal %s payload conv=%s: %v", evType, conversationID, err)
		return
	}
	env := bus.Envelope{
		Type:     string(evType),
		ActorID:  actorID,
		SenderID: senderID,
		Data:     data,
	}
	if err := h.fanout.Publish(ctx, bus.ConversationKey(conversationID), env); err != nil {
		logger.Errorf("ws publish %s conv=%s: %v", evType, conversationID, err)
	}
}

// deliver fans a bus envelope out to the key's local sessions, applying the
// per-recipient visibility filter. It runs on the bus delivery goroutine and
// must not block: sends go through the non-blocking sendToClient path.
func (h *Hub) deliver(key string, env bus.Envelope) {
	type target struct {
		c    *Client
		role model.MemberRole
	}

	h.mu.RLock()
	ks, ok := h.subs[key]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]target, 0, len(ks.members))
	for c, role := range ks.members {
		targets = append(targets, target{c: c, role: role})
	}
	h.mu.RUnlock()

	frame := OutboundFrame{Type: EventType(env.Type), Data: json.RawMessage(env.Data)}
	for _, t := range targets {
		if !h.visibleTo(env, t.c.userID(), t.role) {
			continue
		}
		h.sendToClient(t.c, frame)
	}
}

// visibleTo is the per-recipient visibility filter. New and file messages go
// to everyone; delete, react, typing, and aggregate read events exclude the
// actor (who got a private acknowledgment instead); single-message read
// receipts additionally go only to admins and the message's author.
func (h *Hub) visibleTo(env bus.Envelope, userID string, role model.MemberRole) bool {
	switch EventType(env.Type) {
	case EventNewMessage, EventFileMessage:
		return true
	case EventMessageRead:
		if userID == env.ActorID {
			return false
		}
		return role == model.RoleAdmin || userID == env.SenderID
	case EventMessageDeleted, EventReactionUpdate, EventTypingUpdate, EventConversationRead:
		return userID != env.ActorID
	default:
		return userID != env.ActorID
	}
}

func (h *Hub) sendToUser(userID string, frame OutboundFrame) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, frame)
	}
}

func (h *Hub) sendToClient(c *Client, frame OutboundFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID())
		c.Close()
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	h.sendToClient(c, OutboundFrame{Type: EventError, Data: ErrorData{
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}})
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// NotifyUploadFailure sends a private error frame to the uploader when the
// background file pipeline gives up. Implements fileserver.FailureNotifier.
func (h *Hub) NotifyUploadFailure(userID, reason string) {
	h.sendToUser(userID, OutboundFrame{Type: EventError, Data: ErrorData{
		Message:   reason,
		Timestamp: time.Now().UTC(),
	}})
}
