package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/models"
	"github.com/ecoshare/backend/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store *repository.MemoryStore
	convs *ConversationService
	msgs  *MessageService
	alice uuid.UUID
	bob   uuid.UUID
	carol uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	f := &fixture{
		store: store,
		convs: NewConversationService(store.Conversations(), store.Messages(), store.Users(), DefaultLimits(), zap.NewNop()),
		msgs:  NewMessageService(store.Conversations(), store.Messages(), store.Users(), DefaultLimits(), zap.NewNop()),
	}
	f.alice = f.addUser(t, "alice@example.com", "Alice")
	f.bob = f.addUser(t, "bob@example.com", "Bob")
	f.carol = f.addUser(t, "carol@example.com", "Carol")
	return f
}

func (f *fixture) addUser(t *testing.T, email, name string) uuid.UUID {
	t.Helper()
	u := &models.User{ID: uuid.New(), Email: email, DisplayName: name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, f.store.Users().Create(context.Background(), u))
	return u.ID
}

func (f *fixture) direct(t *testing.T) *models.Conversation {
	t.Helper()
	conv, _, err := f.convs.FindOrCreateDirect(context.Background(), f.alice, f.bob)
	require.NoError(t, err)
	return conv
}

func (f *fixture) send(t *testing.T, convID, from uuid.UUID, content string) *models.Message {
	t.Helper()
	msg, _, err := f.msgs.Send(context.Background(), convID, from, models.SendMessageRequest{Content: content})
	require.NoError(t, err)
	return msg
}

func TestFindOrCreateDirect_IsOrderIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.convs.FindOrCreateDirect(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.convs.FindOrCreateDirect(ctx, f.bob, f.alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestFindOrCreateDirect_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 16
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := f.alice, f.bob
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := f.convs.FindOrCreateDirect(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := f.convs.ListForUser(ctx, f.alice, models.ConversationFilter{Type: models.ConversationDirect})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFindOrCreateDirect_RejectsSelfAndUnknownUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.convs.FindOrCreateDirect(ctx, f.alice, f.alice)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, _, err = f.convs.FindOrCreateDirect(ctx, f.alice, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateGroupAndParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, created, err := f.convs.Create(ctx, f.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{f.bob},
		Type:         models.ConversationGroup,
		Title:        "Garden tools",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Garden tools", conv.Metadata.Title)
	assert.Len(t, conv.ActiveParticipantIDs(), 2)

	// re-adding an active participant keeps a single record
	conv, err = f.convs.AddParticipant(ctx, conv.ID, f.alice, f.carol)
	require.NoError(t, err)
	conv, err = f.convs.AddParticipant(ctx, conv.ID, f.alice, f.carol)
	require.NoError(t, err)
	assert.Len(t, conv.Participants, 3)

	conv, err = f.convs.RemoveParticipant(ctx, conv.ID, f.alice, f.carol)
	require.NoError(t, err)
	require.NotNil(t, conv.Participant(f.carol))
	assert.False(t, conv.IsParticipant(f.carol))
	assert.Len(t, conv.Participants, 3)

	_, _, err = f.msgs.Send(ctx, conv.ID, f.carol, models.SendMessageRequest{Content: "still here?"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	conv, err = f.convs.AddParticipant(ctx, conv.ID, f.bob, f.carol)
	require.NoError(t, err)
	assert.True(t, conv.IsParticipant(f.carol))
	assert.Len(t, conv.Participants, 3)
}

func TestAddParticipant_DirectAndForeign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)

	_, err := f.convs.AddParticipant(ctx, conv.ID, f.alice, f.carol)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.convs.AddParticipant(ctx, conv.ID, f.carol, f.carol)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	// missing and foreign conversations fail alike
	_, err = f.convs.Get(ctx, uuid.New(), f.alice)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreate_ItemExchangeRequiresItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.convs.Create(ctx, f.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{f.bob},
		Type:         models.ConversationItemExchange,
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	item := models.RelatedItem{ItemID: uuid.New(), ItemKind: "food"}
	conv, _, err := f.convs.Create(ctx, f.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{f.bob},
		Type:         models.ConversationItemExchange,
		RelatedItem:  &item,
	})
	require.NoError(t, err)

	found, err := f.convs.FindByItem(ctx, f.bob, item)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, conv.ID, found[0].ID)

	found, err = f.convs.FindByItem(ctx, f.carol, item)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSend_UpdatesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)

	msg := f.send(t, conv.ID, f.alice, "hello")
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Empty(t, msg.ReadBy)
	require.NotNil(t, msg.Sender)
	assert.Equal(t, "Alice", msg.Sender.DisplayName)

	got, err := f.convs.Get(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, msg.ID, *got.LastMessageID)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "hello", got.LastMessage.Content)
	assert.EqualValues(t, 1, got.Stats.MessageCount)
	assert.EqualValues(t, 1, got.Stats.UnreadCount)
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)

	long := make([]rune, models.MaxContentLength+1)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		req  models.SendMessageRequest
		want error
	}{
		{"too long", models.SendMessageRequest{Content: string(long)}, apperr.ErrValidation},
		{"empty text", models.SendMessageRequest{Content: "  "}, apperr.ErrValidation},
		{"image without url", models.SendMessageRequest{Type: models.MessageImage}, apperr.ErrValidation},
		{"unknown type", models.SendMessageRequest{Content: "x", Type: "sticker"}, apperr.ErrValidation},
		{"image with url", models.SendMessageRequest{Type: models.MessageImage, Metadata: models.MessageMetadata{
			Image: &models.ImageMeta{URL: "https://cdn.example.com/a.png"},
		}}, nil},
		{"reply to unknown", models.SendMessageRequest{Content: "re", ReplyToID: ptr(uuid.New())}, apperr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.msgs.Send(ctx, conv.ID, f.alice, tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, _, err := f.msgs.Send(ctx, conv.ID, f.carol, models.SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestMarkRead_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "hello")

	marked, err := f.msgs.MarkRead(ctx, conv.ID, f.bob, []uuid.UUID{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{msg.ID}, marked)

	once, err := f.store.Messages().GetByID(ctx, msg.ID)
	require.NoError(t, err)

	marked, err = f.msgs.MarkRead(ctx, conv.ID, f.bob, []uuid.UUID{msg.ID})
	require.NoError(t, err)
	assert.Empty(t, marked)

	twice, err := f.store.Messages().GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, once.ReadBy, twice.ReadBy)
	assert.Equal(t, models.StatusRead, twice.Status)

	// the sender never gains a receipt on their own message
	marked, err = f.msgs.MarkRead(ctx, conv.ID, f.alice, []uuid.UUID{msg.ID})
	require.NoError(t, err)
	assert.Empty(t, marked)
}

func TestStatus_IsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "hello")

	observed := []models.MessageStatus{msg.Status}
	observe := func() {
		m, err := f.store.Messages().GetByID(ctx, msg.ID)
		require.NoError(t, err)
		observed = append(observed, m.Status)
	}

	delivered, err := f.msgs.MarkDelivered(ctx, conv.ID, f.bob, []uuid.UUID{msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{msg.ID}, delivered)
	observe()

	_, err = f.msgs.MarkRead(ctx, conv.ID, f.bob, []uuid.UUID{msg.ID})
	require.NoError(t, err)
	observe()

	delivered, err = f.msgs.MarkDelivered(ctx, conv.ID, f.bob, []uuid.UUID{msg.ID})
	require.NoError(t, err)
	assert.Empty(t, delivered)
	observe()

	rank := map[models.MessageStatus]int{models.StatusSent: 0, models.StatusDelivered: 1, models.StatusRead: 2}
	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, rank[observed[i]], rank[observed[i-1]], "status went from %s to %s", observed[i-1], observed[i])
	}
	assert.Equal(t, models.StatusRead, observed[len(observed)-1])
}

func TestToggleReaction_TogglesBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "hello")

	m, added, err := f.msgs.ToggleReaction(ctx, msg.ID, f.bob, "👍")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Len(t, m.Reactions, 1)

	_, added, err = f.msgs.ToggleReaction(ctx, msg.ID, f.bob, "❤️")
	require.NoError(t, err)
	assert.True(t, added)

	m, added, err = f.msgs.ToggleReaction(ctx, msg.ID, f.bob, "👍")
	require.NoError(t, err)
	assert.False(t, added)
	require.Len(t, m.Reactions, 1)
	assert.Equal(t, "❤️", m.Reactions[0].Emoji)

	_, _, err = f.msgs.ToggleReaction(ctx, msg.ID, f.carol, "👍")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestEdit_PreservesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "v1")

	edited, err := f.msgs.Edit(ctx, msg.ID, f.alice, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", edited.Content)
	assert.True(t, edited.Edited.IsEdited)
	require.Len(t, edited.Edited.EditHistory, 1)
	assert.Equal(t, "v1", edited.Edited.EditHistory[0].Content)
}

func TestEdit_ForbiddenForNonSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "v1")

	_, err := f.msgs.Edit(ctx, msg.ID, f.bob, "hijacked")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	stored, err := f.store.Messages().GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", stored.Content)
	assert.False(t, stored.Edited.IsEdited)
}

func TestEditAndDelete_RequireActiveParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, _, err := f.convs.Create(ctx, f.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{f.bob, f.carol},
		Type:         models.ConversationGroup,
	})
	require.NoError(t, err)
	msg := f.send(t, conv.ID, f.carol, "my old offer")

	_, err = f.convs.RemoveParticipant(ctx, conv.ID, f.alice, f.carol)
	require.NoError(t, err)

	_, err = f.msgs.Edit(ctx, msg.ID, f.carol, "changed after leaving")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.msgs.Delete(ctx, msg.ID, f.carol, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	stored, err := f.store.Messages().GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "my old offer", stored.Content)
	assert.False(t, stored.IsDeleted)

	_, err = f.msgs.Edit(ctx, uuid.New(), f.carol, "anything")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestEdit_RejectsHiddenMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.msgs.limits.ReportThreshold = 1
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "abusive text")

	reported, err := f.msgs.Report(ctx, msg.ID, f.bob, models.ReportRequest{Reason: models.ReportHarassment})
	require.NoError(t, err)
	assert.True(t, reported.Hidden())
	assert.Equal(t, models.DeletedPlaceholder, reported.Content)
	assert.Empty(t, reported.Moderation.Reports)

	_, err = f.msgs.Edit(ctx, msg.ID, f.alice, "edited after hide")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	unpinned, err := f.msgs.SetPinned(ctx, msg.ID, f.bob, false)
	require.NoError(t, err)
	assert.Equal(t, models.DeletedPlaceholder, unpinned.Content)
}

func TestDelete_HidesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "secret plans")
	f.send(t, conv.ID, f.bob, "ok")

	_, err := f.msgs.Delete(ctx, msg.ID, f.bob, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	deleted, err := f.msgs.Delete(ctx, msg.ID, f.alice, "typo")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, models.DeletedPlaceholder, deleted.Content)

	list, err := f.msgs.List(ctx, conv.ID, f.bob, models.MessageQuery{}, Expansion{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].Content)

	list, err = f.msgs.List(ctx, conv.ID, f.bob, models.MessageQuery{IncludeDeleted: true}, Expansion{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, m := range list {
		assert.NotEqual(t, "secret plans", m.Content)
		if m.ID == msg.ID {
			assert.True(t, m.IsDeleted)
		}
	}

	stored, err := f.store.Messages().GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret plans", stored.Content)

	found, err := f.msgs.Search(ctx, f.bob, models.SearchQuery{Text: "SECRET"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)

	var sent []*models.Message
	for _, c := range []string{"one", "two", "three", "four"} {
		sent = append(sent, f.send(t, conv.ID, f.alice, c))
	}

	page, err := f.msgs.List(ctx, conv.ID, f.bob, models.MessageQuery{Limit: 2}, Expansion{Sender: true})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "four", page[0].Content)
	assert.Equal(t, "three", page[1].Content)
	require.NotNil(t, page[0].Sender)
	assert.Equal(t, "Alice", page[0].Sender.DisplayName)

	before := page[1].CreatedAt
	page, err = f.msgs.List(ctx, conv.ID, f.bob, models.MessageQuery{Limit: 2, Before: &before}, Expansion{})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "two", page[0].Content)
	assert.Equal(t, "one", page[1].Content)

	_, err = f.msgs.List(ctx, conv.ID, f.carol, models.MessageQuery{}, Expansion{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Len(t, sent, 4)
}

func TestList_ExpandsReplyTo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	parent := f.send(t, conv.ID, f.alice, "lend me your drill?")

	reply, _, err := f.msgs.Send(ctx, conv.ID, f.bob, models.SendMessageRequest{Content: "sure", ReplyToID: &parent.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)

	list, err := f.msgs.List(ctx, conv.ID, f.alice, models.MessageQuery{Limit: 1}, Expansion{ReplyTo: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].ReplyTo)
	assert.Equal(t, "lend me your drill?", list[0].ReplyTo.Content)

	_, err = ParseExpansion([]string{"sender,author"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	exp, err := ParseExpansion([]string{"sender", "replyTo"})
	require.NoError(t, err)
	assert.Equal(t, Expansion{Sender: true, ReplyTo: true}, exp)
}

func TestUnreadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)

	var ids []uuid.UUID
	for _, c := range []string{"are you there?", "the bike is free", "pick up tonight"} {
		ids = append(ids, f.send(t, conv.ID, f.alice, c).ID)
	}
	f.send(t, conv.ID, f.bob, "own message")

	n, err := f.convs.UnreadCount(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = f.msgs.MarkRead(ctx, conv.ID, f.bob, ids)
	require.NoError(t, err)

	n, err = f.convs.UnreadCount(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestMarkRead_MarkerStopsAtUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)

	older := f.send(t, conv.ID, f.alice, "is the lamp free?")
	middle := f.send(t, conv.ID, f.alice, "I can pick up today")
	newest := f.send(t, conv.ID, f.alice, "or tomorrow")

	unread := func() int64 {
		t.Helper()
		n, err := f.convs.UnreadCount(ctx, conv.ID, f.bob)
		require.NoError(t, err)
		return n
	}

	marked, err := f.msgs.MarkRead(ctx, conv.ID, f.bob, []uuid.UUID{newest.ID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{newest.ID}, marked)
	assert.EqualValues(t, 3, unread())

	_, err = f.msgs.MarkRead(ctx, conv.ID, f.bob, []uuid.UUID{older.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread())

	// the gap closes and the marker runs through the already read newest
	_, err = f.msgs.MarkRead(ctx, conv.ID, f.bob, []uuid.UUID{middle.ID})
	require.NoError(t, err)
	assert.Zero(t, unread())
}

func TestReadAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	f.send(t, conv.ID, f.alice, "one")
	f.send(t, conv.ID, f.alice, "two")

	marked, err := f.msgs.ReadAll(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	assert.Len(t, marked, 2)

	n, err := f.convs.UnreadCount(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	marked, err = f.msgs.ReadAll(ctx, conv.ID, f.bob)
	require.NoError(t, err)
	assert.Empty(t, marked)
}

func TestReport_HidesAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dave := f.addUser(t, "dave@example.com", "Dave")

	conv, _, err := f.convs.Create(ctx, f.alice, models.CreateConversationRequest{
		Participants: []uuid.UUID{f.bob, f.carol, dave},
		Type:         models.ConversationGroup,
	})
	require.NoError(t, err)
	msg := f.send(t, conv.ID, f.alice, "buy cheap watches")

	_, err = f.msgs.Report(ctx, msg.ID, f.alice, models.ReportRequest{Reason: models.ReportSpam})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	for i, reporter := range []uuid.UUID{f.bob, f.carol} {
		m, err := f.msgs.Report(ctx, msg.ID, reporter, models.ReportRequest{Reason: models.ReportSpam})
		require.NoError(t, err)
		assert.False(t, m.Moderation.IsModerated, "report %d", i)
	}

	_, err = f.msgs.Report(ctx, msg.ID, f.bob, models.ReportRequest{Reason: models.ReportSpam})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	m, err := f.msgs.Report(ctx, msg.ID, dave, models.ReportRequest{Reason: models.ReportHarassment})
	require.NoError(t, err)
	assert.True(t, m.Moderation.IsModerated)
	assert.Equal(t, "hide", m.Moderation.ModerationAction)

	list, err := f.msgs.List(ctx, conv.ID, f.bob, models.MessageQuery{}, Expansion{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPinAndMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	msg := f.send(t, conv.ID, f.alice, "address: 12 Elm St")

	m, err := f.msgs.SetPinned(ctx, msg.ID, f.bob, true)
	require.NoError(t, err)
	assert.True(t, m.IsPinned)

	_, err = f.msgs.SetPinned(ctx, msg.ID, f.carol, false)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	archived := true
	updated, err := f.convs.UpdateMetadata(ctx, conv.ID, f.alice, models.UpdateConversationRequest{IsArchived: &archived})
	require.NoError(t, err)
	assert.True(t, updated.Metadata.IsArchived)

	list, err := f.convs.ListForUser(ctx, f.alice, models.ConversationFilter{Archived: ptr(false)})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t)
	f.send(t, conv.ID, f.alice, "Fresh Bread available")
	f.send(t, conv.ID, f.bob, "thanks")

	other, _, err := f.convs.FindOrCreateDirect(ctx, f.alice, f.carol)
	require.NoError(t, err)
	f.send(t, other.ID, f.carol, "bread for carol")

	found, err := f.msgs.Search(ctx, f.bob, models.SearchQuery{Text: "bread"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Fresh Bread available", found[0].Content)

	found, err = f.msgs.Search(ctx, f.alice, models.SearchQuery{Text: "bread", SenderID: &f.carol})
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = f.msgs.Search(ctx, f.bob, models.SearchQuery{Text: "bread", ConversationID: &other.ID})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.msgs.Search(ctx, f.bob, models.SearchQuery{Text: "  "})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func ptr[T any](v T) *T { return &v }
