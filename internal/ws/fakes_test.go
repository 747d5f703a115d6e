package ws

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unichat/internal/bus"
	"github.com/unichat/internal/model"
	"github.com/unichat/internal/repository"
)

// In-memory fakes behind the hub's store interfaces. They reproduce the
// row-level semantics the pgx repositories get from postgres constraints.

type fakeConvStore struct {
	mu      sync.Mutex
	members map[string]map[string]*model.Membership
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{members: make(map[string]map[string]*model.Membership)}
}

func (s *fakeConvStore) addMember(conversationID, userID string, role model.MemberRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[conversationID] == nil {
		s.members[conversationID] = make(map[string]*model.Membership)
	}
	s.members[conversationID][userID] = &model.Membership{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       time.Now().UTC(),
		IsActive:       true,
	}
}

func (s *fakeConvStore) GetMember(ctx context.Context, conversationID, userID string) (*model.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[conversationID][userID]
	if !ok || !m.IsActive {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeConvStore) UpdateMemberLastRead(ctx context.Context, conversationID, userID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[conversationID][userID]; ok {
		at := t
		m.LastReadAt = &at
	}
	return nil
}

func (s *fakeConvStore) lastReadAt(conversationID, userID string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[conversationID][userID]; ok {
		return m.LastReadAt
	}
	return nil
}

type fakeMsgStore struct {
	mu   sync.Mutex
	msgs map[string]*model.Message
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{msgs: make(map[string]*model.Message)}
}

func (s *fakeMsgStore) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.msgs[m.ID] = &cp
	return nil
}

func (s *fakeMsgStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMsgStore) SoftDelete(ctx context.Context, id, sentinel string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return false, nil
	}
	if m.Kind == model.MessageSystem || strings.HasPrefix(m.Content, model.DeletedSentinelPrefix) {
		return false, nil
	}
	m.Content = sentinel
	m.IsEdited = true
	t := at
	m.EditedAt = &t
	return true, nil
}

func (s *fakeMsgStore) UnreadRefs(ctx context.Context, conversationID, readerID string, since *time.Time) ([]repository.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []repository.MessageRef
	var at []time.Time
	for _, m := range s.msgs {
		if m.ConversationID != conversationID || m.SenderID == readerID {
			continue
		}
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		refs = append(refs, repository.MessageRef{ID: m.ID, SenderID: m.SenderID})
		at = append(at, m.CreatedAt)
	}
	sort.Slice(refs, func(i, j int) bool { return at[i].Before(at[j]) })
	return refs, nil
}

func (s *fakeMsgStore) FilterReadable(ctx context.Context, conversationID, readerID string, ids []string) ([]repository.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []repository.MessageRef
	for _, id := range ids {
		m, ok := s.msgs[id]
		if !ok || m.ConversationID != conversationID || m.SenderID == readerID {
			continue
		}
		refs = append(refs, repository.MessageRef{ID: m.ID, SenderID: m.SenderID})
	}
	return refs, nil
}

type fakeReactStore struct {
	mu     sync.Mutex
	reacts map[string]*model.Reaction
}

func newFakeReactStore() *fakeReactStore {
	return &fakeReactStore{reacts: make(map[string]*model.Reaction)}
}

func reactKey(messageID, userID string) string { return messageID + "|" + userID }

func (s *fakeReactStore) GetOrCreate(ctx context.Context, messageID, userID, symbol string, at time.Time) (bool, *model.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reacts[reactKey(messageID, userID)]; ok {
		cp := *r
		return false, &cp, nil
	}
	r := &model.Reaction{MessageID: messageID, UserID: userID, Symbol: symbol, CreatedAt: at}
	s.reacts[reactKey(messageID, userID)] = r
	cp := *r
	return true, &cp, nil
}

func (s *fakeReactStore) UpdateSymbol(ctx context.Context, messageID, userID, symbol string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reacts[reactKey(messageID, userID)]; ok {
		r.Symbol = symbol
		r.CreatedAt = at
	}
	return nil
}

func (s *fakeReactStore) Delete(ctx context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reacts, reactKey(messageID, userID))
	return nil
}

func (s *fakeReactStore) get(messageID, userID string) (*model.Reaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reacts[reactKey(messageID, userID)]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

type fakeReadStore struct {
	mu    sync.Mutex
	reads map[string]struct{}
}

func newFakeReadStore() *fakeReadStore {
	return &fakeReadStore{reads: make(map[string]struct{})}
}

func (s *fakeReadStore) CreateMissing(ctx context.Context, userID string, messageIDs []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []string
	for _, id := range messageIDs {
		key := id + "|" + userID
		if _, ok := s.reads[key]; ok {
			continue
		}
		s.reads[key] = struct{}{}
		inserted = append(inserted, id)
	}
	return inserted, nil
}

func (s *fakeReadStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

type fakeTypingStore struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func newFakeTypingStore() *fakeTypingStore {
	return &fakeTypingStore{marks: make(map[string]time.Time)}
}

func typingKey(conversationID, userID string) string { return conversationID + "|" + userID }

func (s *fakeTypingStore) Upsert(ctx context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[typingKey(conversationID, userID)] = at
	return nil
}

func (s *fakeTypingStore) Delete(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, typingKey(conversationID, userID))
	return nil
}

func (s *fakeTypingStore) DeleteAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.marks {
		if strings.HasSuffix(key, "|"+userID) {
			delete(s.marks, key)
		}
	}
	return nil
}

func (s *fakeTypingStore) has(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.marks[typingKey(conversationID, userID)]
	return ok
}

type fakePresenceStore struct {
	mu       sync.Mutex
	statuses map[string]model.PresenceStatus
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{statuses: make(map[string]model.PresenceStatus)}
}

func (s *fakePresenceStore) Upsert(ctx context.Context, userID string, status model.PresenceStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[userID] = status
	return nil
}

func (s *fakePresenceStore) status(userID string) model.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[userID]
}

// --- Test harness ---

type testEnv struct {
	hub      *Hub
	conv     *fakeConvStore
	msgs     *fakeMsgStore
	reacts   *fakeReactStore
	reads    *fakeReadStore
	typing   *fakeTypingStore
	presence *fakePresenceStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fanout := bus.NewMemoryBus()
	t.Cleanup(func() { fanout.Close() })
	return newTestEnvWithBus(t, fanout)
}

// newTestEnvWithBus builds the harness around a caller-supplied bus, used by
// the subscription lifecycle tests to interpose on bus transitions.
func newTestEnvWithBus(t *testing.T, fanout bus.Bus) *testEnv {
	t.Helper()
	env := &testEnv{
		conv:     newFakeConvStore(),
		msgs:     newFakeMsgStore(),
		reacts:   newFakeReactStore(),
		reads:    newFakeReadStore(),
		typing:   newFakeTypingStore(),
		presence: newFakePresenceStore(),
	}
	env.hub = NewHub(fanout, env.conv, env.msgs, env.reacts, env.reads, env.typing, env.presence, 100)
	return env
}

// connect registers a new session for the user and consumes the
// connection_established frame.
func (e *testEnv) connect(t *testing.T, user *model.User) *Client {
	t.Helper()
	c := NewClient(e.hub, nil, user)
	e.hub.addClient(c)
	frame := recvFrame(t, c)
	require.Equal(t, EventConnectionEstablished, frame.Type)
	return c
}

// join performs the join_conversation operation and consumes the ack.
func (e *testEnv) join(t *testing.T, c *Client, conversationID string) {
	t.Helper()
	e.hub.HandleFrame(context.Background(), c, makeFrame(t, OpJoinConversation, JoinData{ConversationID: conversationID}))
	frame := recvFrame(t, c)
	require.Equal(t, EventConversationJoined, frame.Type)
}

func makeFrame(t *testing.T, op OpType, payload any) InboundFrame {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return InboundFrame{Type: op, Data: data}
}

// recvFrame waits for the next outbound frame on the session's send channel.
func recvFrame(t *testing.T, c *Client) OutboundFrame {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return OutboundFrame{}
	}
}

// expectNoFrame asserts that no frame arrives within a settle window.
func expectNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame %s: %+v", frame.Type, frame.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

// decodeData re-marshals frame data (typed struct or raw JSON) into out.
func decodeData(t *testing.T, frame OutboundFrame, out any) {
	t.Helper()
	raw, err := json.Marshal(frame.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}
