package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type presenceSet map[uuid.UUID]bool

func (p presenceSet) IsOnline(id uuid.UUID) bool { return p[id] }

type recorder struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	block chan struct{}
}

func (r *recorder) Send(_ context.Context, n Notification) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recorder) sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func conversation(ids ...uuid.UUID) *models.Conversation {
	conv := &models.Conversation{ID: uuid.New(), Type: models.ConversationGroup}
	for _, id := range ids {
		conv.Participants = append(conv.Participants, models.Participant{UserID: id, IsActive: true})
	}
	return conv
}

func TestRecipients(t *testing.T) {
	sender, online, offline, gone := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	conv := conversation(sender, online, offline, gone)
	conv.Participants[3].IsActive = false

	d := NewDispatcher(&recorder{}, presenceSet{online: true}, DefaultOptions(), zap.NewNop())
	msg := &models.Message{ID: uuid.New(), SenderID: sender, Content: "hi", Type: models.MessageText}

	assert.Equal(t, []uuid.UUID{offline}, d.Recipients(msg, conv))

	conv.Metadata.IsMuted = true
	assert.Empty(t, d.Recipients(msg, conv))
}

func TestDispatchDeliversPayload(t *testing.T) {
	sender, bob := uuid.New(), uuid.New()
	conv := conversation(sender, bob)
	rec := &recorder{}

	d := NewDispatcher(rec, presenceSet{}, Options{Workers: 2, QueueSize: 8, PreviewLength: 10, Timeout: time.Second}, zap.NewNop())
	d.Start()

	msg := &models.Message{
		ID:       uuid.New(),
		SenderID: sender,
		Type:     models.MessageText,
		Content:  "Would you like the sourdough starter?",
		Sender:   &models.UserSummary{ID: sender, DisplayName: "Alice"},
	}
	assert.Equal(t, 1, d.Dispatch(msg, conv))
	d.Stop()

	got := rec.sent()
	require.Len(t, got, 1)
	assert.Equal(t, bob, got[0].ParticipantID)
	assert.Equal(t, conv.ID, got[0].ConversationID)
	assert.Equal(t, "Alice", got[0].SenderName)
	assert.Equal(t, "Would you …", got[0].Preview)
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	sender := uuid.New()
	others := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	conv := conversation(append([]uuid.UUID{sender}, others...)...)

	// no workers started, so the queue only drains on Stop
	d := NewDispatcher(&recorder{}, presenceSet{}, Options{Workers: 1, QueueSize: 2, Timeout: time.Second}, zap.NewNop())
	msg := &models.Message{ID: uuid.New(), SenderID: sender, Type: models.MessageText, Content: "hello"}

	assert.Equal(t, 2, d.Dispatch(msg, conv))
	assert.ErrorIs(t, d.enqueue(Notification{}), ErrQueueFull)
}

func TestDispatchDoesNotBlockOnSlowChannel(t *testing.T) {
	sender, bob := uuid.New(), uuid.New()
	rec := &recorder{block: make(chan struct{})}
	d := NewDispatcher(rec, presenceSet{}, Options{Workers: 1, QueueSize: 4, Timeout: time.Second}, zap.NewNop())
	d.Start()

	done := make(chan int)
	go func() {
		done <- d.Dispatch(&models.Message{ID: uuid.New(), SenderID: sender, Content: "x", Type: models.MessageText}, conversation(sender, bob))
	}()

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on the channel")
	}
	close(rec.block)
	d.Stop()
	assert.Len(t, rec.sent(), 1)
}

func TestDispatchAfterStop(t *testing.T) {
	sender, bob := uuid.New(), uuid.New()
	d := NewDispatcher(&recorder{}, presenceSet{}, DefaultOptions(), zap.NewNop())
	d.Start()
	d.Stop()
	d.Stop()

	n := d.Dispatch(&models.Message{ID: uuid.New(), SenderID: sender, Content: "late", Type: models.MessageText}, conversation(sender, bob))
	assert.Zero(t, n)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	rec := &recorder{err: errors.New("broker unreachable")}
	b := NewBreakerChannel("test", rec, BreakerSettings{MaxFailures: 2, Timeout: time.Minute}, zap.NewNop())

	ctx := context.Background()
	assert.Error(t, b.Send(ctx, Notification{}))
	assert.Error(t, b.Send(ctx, Notification{}))
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Send(ctx, Notification{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, rec.sent(), 2)
}

func TestPreviewForAttachments(t *testing.T) {
	msg := &models.Message{Type: models.MessageImage}
	assert.Equal(t, "[image]", msg.Preview(20))

	long := &models.Message{Type: models.MessageText, Content: strings.Repeat("é", 30)}
	assert.Equal(t, strings.Repeat("é", 20)+"…", long.Preview(20))
}
