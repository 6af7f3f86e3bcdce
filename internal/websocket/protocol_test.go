package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/models"
	"github.com/ecoshare/backend/internal/registry"
	"github.com/ecoshare/backend/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []*models.Message
}

func (n *recordingNotifier) Dispatch(msg *models.Message, _ *models.Conversation) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return 1
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type failingMessages struct {
	*repository.MemoryMessageRepository
}

func (failingMessages) Create(context.Context, *models.Message) error {
	return apperr.Transient("create message", errors.New("connection refused"))
}

type testEnv struct {
	store    *repository.MemoryStore
	hub      *Hub
	proto    *Protocol
	convs    *chat.ConversationService
	msgs     *chat.MessageService
	notifier *recordingNotifier
	alice    uuid.UUID
	bob      uuid.UUID
	carol    uuid.UUID
}

func newTestEnv(t *testing.T, messages chat.MessageRepository) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	if messages == nil {
		messages = store.Messages()
	}
	log := zap.NewNop()
	env := &testEnv{
		store:    store,
		hub:      NewHub(registry.New(), nil, nil, log),
		convs:    chat.NewConversationService(store.Conversations(), messages, store.Users(), chat.DefaultLimits(), log),
		msgs:     chat.NewMessageService(store.Conversations(), messages, store.Users(), chat.DefaultLimits(), log),
		notifier: &recordingNotifier{},
	}
	env.proto = NewProtocol(env.hub, env.convs, env.msgs, NewEvents(env.hub, env.notifier), time.Second, log)

	for _, u := range []struct {
		id    *uuid.UUID
		email string
		name  string
	}{
		{&env.alice, "alice@example.com", "Alice"},
		{&env.bob, "bob@example.com", "Bob"},
		{&env.carol, "carol@example.com", "Carol"},
	} {
		user := &models.User{ID: uuid.New(), Email: u.email, DisplayName: u.name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		require.NoError(t, store.Users().Create(context.Background(), user))
		*u.id = user.ID
	}
	return env
}

func (e *testEnv) connect(t *testing.T, userID uuid.UUID) *Client {
	t.Helper()
	c := newTestClient(e.hub, userID)
	require.NoError(t, e.proto.JoinParticipating(context.Background(), c))
	return c
}

func (e *testEnv) emit(t *testing.T, c *Client, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(models.WSMessage{Event: event, Payload: payload})
	require.NoError(t, err)
	e.proto.Handle(context.Background(), c, data)
}

func (e *testEnv) direct(t *testing.T) *models.Conversation {
	t.Helper()
	conv, _, err := e.convs.FindOrCreateDirect(context.Background(), e.alice, e.bob)
	require.NoError(t, err)
	return conv
}

func TestProtocol_DirectRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)

	a := env.connect(t, env.alice)
	b := env.connect(t, env.bob)

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{
		ConversationID:  conv.ID,
		Content:         "hi",
		ClientMessageID: "tmp-1",
	})

	var atAlice, atBob models.Message
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventNewMessage), &atAlice))
	require.NoError(t, json.Unmarshal(waitFor(t, b, models.EventNewMessage), &atBob))
	assert.Equal(t, atAlice.ID, atBob.ID)
	assert.Equal(t, models.StatusSent, atBob.Status)
	assert.Empty(t, atBob.ReadBy)
	assert.Equal(t, "hi", atBob.Content)
	assert.Equal(t, "tmp-1", atAlice.ClientMessageID)
	assert.Equal(t, 1, env.notifier.count())

	env.emit(t, b, models.EventMarkMessagesRead, models.WSMessageIDsPayload{
		ConversationID: conv.ID,
		MessageIDs:     []uuid.UUID{atBob.ID},
	})

	var read models.WSReadPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventMessagesRead), &read))
	assert.Equal(t, env.bob, read.ReadBy)
	assert.Equal(t, []uuid.UUID{atBob.ID}, read.MessageIDs)
	assertNoEvent(t, b, models.EventMessagesRead)

	stored, err := env.store.Messages().GetByID(context.Background(), atBob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
	require.Len(t, stored.ReadBy, 1)
	assert.Equal(t, env.bob, stored.ReadBy[0].UserID)
}

func TestProtocol_JoinReportsUnreadThenMarksRead(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, _, err := env.msgs.Send(ctx, conv.ID, env.alice, models.SendMessageRequest{Content: content})
		require.NoError(t, err)
	}

	a := env.connect(t, env.alice)
	b := newTestClient(env.hub, env.bob)

	env.emit(t, b, models.EventJoinConversation, models.WSConversationPayload{ConversationID: conv.ID})
	var joined models.WSJoinedPayload
	require.NoError(t, json.Unmarshal(waitFor(t, b, models.EventJoinedConversation), &joined))
	assert.EqualValues(t, 3, joined.UnreadCount)
	assert.Len(t, joined.MarkedRead, 3)
	assert.True(t, env.hub.InRoom(b, conv.ID))

	var read models.WSReadPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventMessagesRead), &read))
	assert.Equal(t, env.bob, read.ReadBy)
	assert.Len(t, read.MessageIDs, 3)

	n, err := env.convs.UnreadCount(ctx, conv.ID, env.bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.emit(t, b, models.EventJoinConversation, models.WSConversationPayload{ConversationID: conv.ID})
	require.NoError(t, json.Unmarshal(waitFor(t, b, models.EventJoinedConversation), &joined))
	assert.Zero(t, joined.UnreadCount)
	assert.Empty(t, joined.MarkedRead)
}

func TestProtocol_NonParticipantIsDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	c := newTestClient(env.hub, env.carol)

	for _, tc := range []struct {
		event   string
		payload any
	}{
		{models.EventJoinConversation, models.WSConversationPayload{ConversationID: conv.ID}},
		{models.EventJoinConversation, models.WSConversationPayload{ConversationID: uuid.New()}},
		{models.EventSendMessage, models.WSSendMessagePayload{ConversationID: conv.ID, Content: "let me in"}},
		{models.EventTypingStart, models.WSConversationPayload{ConversationID: conv.ID}},
	} {
		t.Run(tc.event, func(t *testing.T) {
			env.emit(t, c, tc.event, tc.payload)
			var got models.WSErrorPayload
			require.NoError(t, json.Unmarshal(waitFor(t, c, models.EventError), &got))
			assert.Equal(t, codeAccessDenied, got.Code)
			assert.Equal(t, tc.event, got.Event)
		})
	}

	assert.False(t, env.hub.InRoom(c, conv.ID))
	page, err := env.store.Messages().List(context.Background(), conv.ID, models.MessageQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestProtocol_TypingExcludesSender(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	a := env.connect(t, env.alice)
	b := env.connect(t, env.bob)

	env.emit(t, a, models.EventTypingStart, models.WSConversationPayload{ConversationID: conv.ID})
	var typing models.WSTypingPayload
	require.NoError(t, json.Unmarshal(waitFor(t, b, models.EventUserTyping), &typing))
	assert.Equal(t, env.alice, typing.UserID)
	assertNoEvent(t, a, models.EventUserTyping)

	env.emit(t, a, models.EventTypingStop, models.WSConversationPayload{ConversationID: conv.ID})
	waitFor(t, b, models.EventUserStoppedTyping)
}

func TestProtocol_Leave(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	a := env.connect(t, env.alice)
	require.True(t, env.hub.InRoom(a, conv.ID))

	env.emit(t, a, models.EventLeaveConversation, models.WSConversationPayload{ConversationID: conv.ID})
	waitFor(t, a, models.EventLeftConversation)
	assert.False(t, env.hub.InRoom(a, conv.ID))

	env.emit(t, a, models.EventLeaveConversation, models.WSConversationPayload{ConversationID: conv.ID})
	var got models.WSErrorPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventError), &got))
	assert.Equal(t, "not_in_room", got.Code)
}

func TestProtocol_SendJoinsSenderToNewConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := newTestClient(env.hub, env.alice)
	conv := env.direct(t)
	require.False(t, env.hub.InRoom(a, conv.ID))

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{ConversationID: conv.ID, Content: "first"})
	waitFor(t, a, models.EventNewMessage)
	assert.True(t, env.hub.InRoom(a, conv.ID))
}

func TestProtocol_StoreFailureEchoesFailed(t *testing.T) {
	store := repository.NewMemoryStore()
	env := newTestEnv(t, failingMessages{store.Messages()})
	conv := env.direct(t)
	a := env.connect(t, env.alice)
	b := env.connect(t, env.bob)

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{
		ConversationID:  conv.ID,
		Content:         "hello?",
		ClientMessageID: "tmp-9",
	})

	var failed models.WSFailedPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventMessageFailed), &failed))
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "tmp-9", failed.ClientMessageID)
	assert.Equal(t, "hello?", failed.Content)
	assert.NotContains(t, failed.Error, "connection refused")

	assertNoEvent(t, b, models.EventNewMessage)
	assert.Zero(t, env.notifier.count())
}

func TestProtocol_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	a := env.connect(t, env.alice)

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{ConversationID: conv.ID, Content: "   "})
	var got models.WSErrorPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventError), &got))
	assert.Equal(t, "validation_error", got.Code)

	env.proto.Handle(context.Background(), a, []byte("not json"))
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventError), &got))
	assert.Equal(t, "invalid_message", got.Code)

	env.emit(t, a, "shout", nil)
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventError), &got))
	assert.Equal(t, "unknown_event", got.Code)
}

func TestProtocol_ReactionBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	a := env.connect(t, env.alice)
	b := env.connect(t, env.bob)

	msg, _, err := env.msgs.Send(context.Background(), conv.ID, env.alice, models.SendMessageRequest{Content: "free couch"})
	require.NoError(t, err)

	env.emit(t, b, models.EventToggleReaction, models.WSReactionPayload{ConversationID: conv.ID, MessageID: msg.ID, Emoji: "👍"})
	var got models.WSReactionUpdatedPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventReactionUpdated), &got))
	assert.True(t, got.Added)
	assert.Equal(t, env.bob, got.UserID)
	require.Len(t, got.Reactions, 1)

	env.emit(t, b, models.EventToggleReaction, models.WSReactionPayload{ConversationID: conv.ID, MessageID: msg.ID, Emoji: "👍"})
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventReactionUpdated), &got))
	assert.False(t, got.Added)
	assert.Empty(t, got.Reactions)
}

func TestProtocol_DeliveredReceipts(t *testing.T) {
	env := newTestEnv(t, nil)
	conv := env.direct(t)
	a := env.connect(t, env.alice)
	b := env.connect(t, env.bob)

	msg, _, err := env.msgs.Send(context.Background(), conv.ID, env.alice, models.SendMessageRequest{Content: "ping"})
	require.NoError(t, err)

	env.emit(t, b, models.EventMessageDelivered, models.WSMessageIDsPayload{ConversationID: conv.ID, MessageIDs: []uuid.UUID{msg.ID}})
	var got models.WSDeliveredPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventMessagesDelivered), &got))
	assert.Equal(t, env.bob, got.DeliveredTo)
	assert.Equal(t, []uuid.UUID{msg.ID}, got.MessageIDs)
}

func TestProtocol_RemovedParticipantLeavesRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	conv, _, err := env.convs.Create(ctx, env.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{env.bob, env.carol},
		Type:         models.ConversationGroup,
	})
	require.NoError(t, err)

	a := env.connect(t, env.alice)
	phone := env.connect(t, env.carol)
	laptop := env.connect(t, env.carol)
	require.True(t, env.hub.InRoom(phone, conv.ID))

	_, err = env.convs.RemoveParticipant(ctx, conv.ID, env.alice, env.carol)
	require.NoError(t, err)
	env.proto.events.ParticipantRemoved(conv.ID, env.carol)

	var removed models.WSParticipantPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventParticipantRemoved), &removed))
	assert.Equal(t, env.carol, removed.UserID)
	for _, c := range []*Client{phone, laptop} {
		var left models.WSConversationPayload
		require.NoError(t, json.Unmarshal(waitFor(t, c, models.EventLeftConversation), &left))
		assert.Equal(t, conv.ID, left.ConversationID)
		assert.False(t, env.hub.InRoom(c, conv.ID))
	}

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{ConversationID: conv.ID, Content: "secret"})
	waitFor(t, a, models.EventNewMessage)
	assertNoEvent(t, phone, models.EventNewMessage)
	assertNoEvent(t, laptop, models.EventNewMessage)

	// rejoining by hand is refused once removed
	env.emit(t, phone, models.EventJoinConversation, models.WSConversationPayload{ConversationID: conv.ID})
	var denied models.WSErrorPayload
	require.NoError(t, json.Unmarshal(waitFor(t, phone, models.EventError), &denied))
	assert.Equal(t, codeAccessDenied, denied.Code)
	assert.False(t, env.hub.InRoom(phone, conv.ID))
}

func TestProtocol_NewConversationReachesConnectedPeer(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.connect(t, env.alice)
	b := env.connect(t, env.bob)

	conv := env.direct(t)
	env.proto.events.ConversationStarted(conv)
	assert.True(t, env.hub.InRoom(b, conv.ID))

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{ConversationID: conv.ID, Content: "hello"})
	var got models.Message
	require.NoError(t, json.Unmarshal(waitFor(t, b, models.EventNewMessage), &got))
	assert.Equal(t, "hello", got.Content)
	waitFor(t, a, models.EventNewMessage)
}

func TestProtocol_AddedParticipantJoinsRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	conv, _, err := env.convs.Create(ctx, env.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{env.bob},
		Type:         models.ConversationGroup,
	})
	require.NoError(t, err)

	a := env.connect(t, env.alice)
	c := env.connect(t, env.carol)
	require.False(t, env.hub.InRoom(c, conv.ID))

	conv, err = env.convs.AddParticipant(ctx, conv.ID, env.alice, env.carol)
	require.NoError(t, err)
	env.proto.events.ParticipantAdded(conv, env.carol)

	var added models.WSParticipantPayload
	require.NoError(t, json.Unmarshal(waitFor(t, a, models.EventParticipantAdded), &added))
	assert.Equal(t, env.carol, added.UserID)
	assert.True(t, env.hub.InRoom(c, conv.ID))

	env.emit(t, a, models.EventSendMessage, models.WSSendMessagePayload{ConversationID: conv.ID, Content: "welcome"})
	var got models.Message
	require.NoError(t, json.Unmarshal(waitFor(t, c, models.EventNewMessage), &got))
	assert.Equal(t, "welcome", got.Content)
}
