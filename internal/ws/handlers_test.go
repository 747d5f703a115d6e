package ws

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unichat/internal/model"
)

func testUser(id string) *model.User {
	return &model.User{ID: id, Email: id + "@campus.edu", FirstName: "User", LastName: id, IsActive: true}
}

func seedMessage(e *testEnv, conversationID, senderID, content string, age time.Duration) *model.Message {
	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           model.MessageText,
		CreatedAt:      time.Now().UTC().Add(-age),
	}
	_ = e.msgs.Create(context.Background(), m)
	return m
}

func TestPing(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect(t, testUser("u1"))

	e.hub.HandleFrame(context.Background(), c, InboundFrame{Type: OpPing})
	frame := recvFrame(t, c)
	assert.Equal(t, EventPong, frame.Type)
}

func TestUnknownOperation(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect(t, testUser("u1"))

	e.hub.HandleFrame(context.Background(), c, makeFrame(t, OpType("frobnicate"), struct{}{}))
	frame := recvFrame(t, c)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "Unknown message type: frobnicate", errData.Message)
}

func TestMalformedData(t *testing.T) {
	e := newTestEnv(t)
	c := e.connect(t, testUser("u1"))

	e.hub.HandleFrame(context.Background(), c, InboundFrame{Type: OpSendMessage, Data: []byte(`{"content": `)})
	frame := recvFrame(t, c)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "Invalid JSON format", errData.Message)
}

func TestJoinDenied(t *testing.T) {
	e := newTestEnv(t)
	x := e.connect(t, testUser("x"))

	e.hub.HandleFrame(context.Background(), x, makeFrame(t, OpJoinConversation, JoinData{ConversationID: "c1"}))
	frame := recvFrame(t, x)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "You are not a member of this conversation", errData.Message)

	_, joined := e.hub.joinedRole(x, "c1")
	assert.False(t, joined)
}

func TestSendBroadcast(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	e.conv.addMember("c1", "b", model.RoleMember)
	a := e.connect(t, testUser("a"))
	b := e.connect(t, testUser("b"))
	e.join(t, a, "c1")
	e.join(t, b, "c1")

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpSendMessage, SendData{ConversationID: "c1", Content: "hi"}))

	for _, c := range []*Client{a, b} {
		frame := recvFrame(t, c)
		require.Equal(t, EventNewMessage, frame.Type)
		var msg model.Message
		decodeData(t, frame, &msg)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, "a", msg.SenderID)
	}

	stored, err := e.msgs.GetByID(context.Background(), fetchOnlyMessageID(t, e))
	require.NoError(t, err)
	assert.Equal(t, "a", stored.SenderID)
	assert.Equal(t, "hi", stored.Content)
}

func fetchOnlyMessageID(t *testing.T, e *testEnv) string {
	t.Helper()
	e.msgs.mu.Lock()
	defer e.msgs.mu.Unlock()
	require.Len(t, e.msgs.msgs, 1)
	for id := range e.msgs.msgs {
		return id
	}
	return ""
}

func TestSendEmptyContentRejected(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	e.join(t, a, "c1")

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpSendMessage, SendData{ConversationID: "c1", Content: "   "}))
	frame := recvFrame(t, a)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "conversation_id and content are required", errData.Message)
}

func TestSendClearsTypingMark(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	e.join(t, a, "c1")

	require.NoError(t, e.typing.Upsert(context.Background(), "c1", "a", time.Now()))
	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpSendMessage, SendData{ConversationID: "c1", Content: "done typing"}))
	recvFrame(t, a)

	assert.False(t, e.typing.has("c1", "a"))
}

func TestReactionToggleSameSymbol(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	e.join(t, a, "c1")
	msg := seedMessage(e, "c1", "b", "hello", 0)

	react := func() ReactionUpdateData {
		e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpReactToMessage, ReactData{MessageID: msg.ID, ReactionType: "👍"}))
		var out ReactionUpdateData
		for {
			frame := recvFrame(t, a)
			if frame.Type == EventReactionUpdate {
				decodeData(t, frame, &out)
				return out
			}
		}
	}

	first := react()
	assert.Equal(t, "added", first.Action)
	require.NotNil(t, first.ReactionData)
	assert.Equal(t, "👍", first.ReactionData.ReactionType)
	_, exists := e.reacts.get(msg.ID, "a")
	assert.True(t, exists)

	second := react()
	assert.Equal(t, "removed", second.Action)
	assert.Nil(t, second.ReactionData)
	_, exists = e.reacts.get(msg.ID, "a")
	assert.False(t, exists, "toggling the same symbol twice must return to no-reaction")
}

func TestReactionToggleDifferentSymbol(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	e.join(t, a, "c1")
	msg := seedMessage(e, "c1", "b", "hello", 0)

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpReactToMessage, ReactData{MessageID: msg.ID, ReactionType: "👍"}))
	recvFrame(t, a)
	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpReactToMessage, ReactData{MessageID: msg.ID, ReactionType: "❤️"}))

	var out ReactionUpdateData
	for {
		frame := recvFrame(t, a)
		if frame.Type == EventReactionUpdate {
			decodeData(t, frame, &out)
			if out.Action == "updated" {
				break
			}
		}
	}
	require.NotNil(t, out.ReactionData)
	assert.Equal(t, "❤️", out.ReactionData.ReactionType)

	r, exists := e.reacts.get(msg.ID, "a")
	require.True(t, exists)
	assert.Equal(t, "❤️", r.Symbol, "a different symbol overwrites, never a second row")
}

func TestReactionInvalidSymbol(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	msg := seedMessage(e, "c1", "b", "hello", 0)

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpReactToMessage, ReactData{MessageID: msg.ID, ReactionType: "🙃"}))
	frame := recvFrame(t, a)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Contains(t, errData.Message, "Invalid reaction type")
	_, exists := e.reacts.get(msg.ID, "a")
	assert.False(t, exists)
}

func TestDeleteAuthorWithinWindow(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	e.join(t, a, "c1")
	msg := seedMessage(e, "c1", "a", "regretted", 23*time.Hour+59*time.Minute)

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	frame := recvFrame(t, a)
	require.Equal(t, EventMessageDeleted, frame.Type)
	var del MessageDeletedData
	decodeData(t, frame, &del)
	assert.Equal(t, "deleted by author", del.DeleteReason)
	assert.Equal(t, "[Message deleted by author]", del.NewContent)

	stored, err := e.msgs.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "[Message deleted by author]", stored.Content)
	assert.True(t, stored.IsEdited)
}

func TestDeleteAuthorOutsideWindow(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	e.conv.addMember("c1", "admin", model.RoleAdmin)
	a := e.connect(t, testUser("a"))
	adm := e.connect(t, testUser("admin"))
	e.join(t, a, "c1")
	e.join(t, adm, "c1")
	msg := seedMessage(e, "c1", "a", "old news", 24*time.Hour+time.Minute)

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	frame := recvFrame(t, a)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "You can only delete your own messages within 24 hours of posting", errData.Message)

	stored, err := e.msgs.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "old news", stored.Content)

	// The same message still falls to an admin regardless of age.
	e.hub.HandleFrame(context.Background(), adm, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	frame = recvFrame(t, adm)
	require.Equal(t, EventMessageDeleted, frame.Type)
	var del MessageDeletedData
	decodeData(t, frame, &del)
	assert.Equal(t, "deleted by admin", del.DeleteReason)
}

func TestDeleteByNonAuthorNonAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	a := e.connect(t, testUser("a"))
	msg := seedMessage(e, "c1", "b", "not yours", 0)

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	frame := recvFrame(t, a)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "You can only delete your own messages", errData.Message)
}

func TestSystemMessageImmuneToDelete(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "admin", model.RoleAdmin)
	adm := e.connect(t, testUser("admin"))
	e.join(t, adm, "c1")

	msg := seedMessage(e, "c1", "b", "user joined the conversation", 0)
	e.msgs.mu.Lock()
	e.msgs.msgs[msg.ID].Kind = model.MessageSystem
	e.msgs.mu.Unlock()

	e.hub.HandleFrame(context.Background(), adm, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	frame := recvFrame(t, adm)
	require.Equal(t, EventError, frame.Type)
	var errData ErrorData
	decodeData(t, frame, &errData)
	assert.Equal(t, "System messages cannot be deleted", errData.Message)

	stored, err := e.msgs.GetByID(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "user joined the conversation", stored.Content)
	assert.False(t, stored.IsEdited)
}

func TestDeleteIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "a", model.RoleMember)
	e.conv.addMember("c1", "b", model.RoleMember)
	a := e.connect(t, testUser("a"))
	b := e.connect(t, testUser("b"))
	e.join(t, a, "c1")
	e.join(t, b, "c1")
	msg := seedMessage(e, "c1", "a", "to delete", 0)

	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	require.Equal(t, EventMessageDeleted, recvFrame(t, a).Type)
	require.Equal(t, EventMessageDeleted, recvFrame(t, b).Type)

	// Second delete: ack only, no second broadcast.
	e.hub.HandleFrame(context.Background(), a, makeFrame(t, OpDeleteMessage, DeleteData{MessageID: msg.ID}))
	require.Equal(t, EventMessageDeleted, recvFrame(t, a).Type)
	expectNoFrame(t, b)
}

func TestMarkReadWatermark(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "reader", model.RoleMember)
	reader := e.connect(t, testUser("reader"))
	e.join(t, reader, "c1")

	const n = 5
	for i := 0; i < n; i++ {
		seedMessage(e, "c1", "sender", "unread", time.Duration(i+1)*time.Minute)
	}
	require.Nil(t, e.conv.lastReadAt("c1", "reader"))

	before := time.Now().UTC()
	e.hub.HandleFrame(context.Background(), reader, makeFrame(t, OpMarkRead, MarkReadData{ConversationID: "c1"}))

	assert.Equal(t, n, e.reads.count(), "first read marks the entire history")
	watermark := e.conv.lastReadAt("c1", "reader")
	require.NotNil(t, watermark)
	assert.False(t, watermark.Before(before))

	// Immediate re-read creates no new receipts but still advances the
	// watermark.
	e.hub.HandleFrame(context.Background(), reader, makeFrame(t, OpMarkRead, MarkReadData{ConversationID: "c1"}))
	assert.Equal(t, n, e.reads.count())
	second := e.conv.lastReadAt("c1", "reader")
	require.NotNil(t, second)
	assert.False(t, second.Before(*watermark))
}

func TestMarkReadExcludesOwnMessages(t *testing.T) {
	e := newTestEnv(t)
	e.conv.addMember("c1", "reader", model.RoleMember)
	reader := e.connect(t, testUser("reader"))
	e.join(t, reader, "c1")

	seedMessage(e, "c1", "reader", "my own", time.Minute)
	other := seedMessage(e, "c1", "sender", "theirs", time.Minute)

	e.hub.HandleFrame(context.Background(), reader, makeFrame(t, OpMarkRead, MarkReadData{ConversationID: "c1"}))
	assert.Equal(t, 1, e.reads.count())

	e.reads.mu.Lock()
	_, ok := e.reads.reads[other.ID+"|reader"]
	e.reads.mu.Unlock()
	assert.True(t, ok)
}
