// Package notify routes deferred notifications for new messages to
// participants who have no live connection.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ecoshare/backend/internal/metrics"
	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("notification queue full")

// Notification is the payload handed to an external channel.
type Notification struct {
	ParticipantID  uuid.UUID `json:"participantId"`
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
	Preview        string    `json:"preview"`
	SenderName     string    `json:"senderName"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Channel delivers one notification, for example by email or push.
type Channel interface {
	Send(ctx context.Context, n Notification) error
}

// Presence answers whether a user currently has a live connection.
type Presence interface {
	IsOnline(userID uuid.UUID) bool
}

type Options struct {
	Workers       int
	QueueSize     int
	PreviewLength int
	Timeout       time.Duration
}

func DefaultOptions() Options {
	return Options{Workers: 4, QueueSize: 1024, PreviewLength: 100, Timeout: 5 * time.Second}
}

// Dispatcher decides who gets notified and hands the work to a bounded pool
// of workers. Dispatch never blocks the caller.
type Dispatcher struct {
	channel  Channel
	presence Presence
	opts     Options
	log      *zap.Logger

	queue  chan Notification
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(channel Channel, presence Presence, opts Options, log *zap.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = DefaultOptions().PreviewLength
	}
	return &Dispatcher{
		channel:  channel,
		presence: presence,
		opts:     opts,
		log:      log.Named("notify"),
		queue:    make(chan Notification, opts.QueueSize),
	}
}

// Start launches the workers. They exit once Stop drains the queue.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Stop refuses new notifications and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Recipients returns the active participants other than the sender who have
// no live connection. Muted conversations notify nobody.
func (d *Dispatcher) Recipients(msg *models.Message, conv *models.Conversation) []uuid.UUID {
	if conv.Metadata.IsMuted {
		return nil
	}
	var ids []uuid.UUID
	for _, id := range conv.ActiveParticipantIDs() {
		if id == msg.SenderID || d.presence.IsOnline(id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Dispatch enqueues a notification per offline recipient and returns how many
// were accepted. Presence is sampled now, not when a worker runs.
func (d *Dispatcher) Dispatch(msg *models.Message, conv *models.Conversation) int {
	recipients := d.Recipients(msg, conv)
	if len(recipients) == 0 {
		return 0
	}

	senderName := "Someone"
	if msg.Sender != nil && msg.Sender.DisplayName != "" {
		senderName = msg.Sender.DisplayName
	}
	preview := msg.Preview(d.opts.PreviewLength)

	accepted := 0
	for _, id := range recipients {
		n := Notification{
			ParticipantID:  id,
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			Preview:        preview,
			SenderName:     senderName,
			CreatedAt:      msg.CreatedAt,
		}
		if err := d.enqueue(n); err != nil {
			metrics.Notifications.WithLabelValues("dropped").Inc()
			d.log.Warn("notification dropped",
				zap.Stringer("participant_id", id),
				zap.Stringer("message_id", msg.ID),
				zap.Error(err))
			continue
		}
		accepted++
	}
	return accepted
}

func (d *Dispatcher) enqueue(n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("dispatcher stopped")
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		err := d.channel.Send(ctx, n)
		cancel()
		if err != nil {
			metrics.Notifications.WithLabelValues("failed").Inc()
			d.log.Warn("failed to send notification",
				zap.Stringer("participant_id", n.ParticipantID),
				zap.Stringer("conversation_id", n.ConversationID),
				zap.Error(err))
			continue
		}
		metrics.Notifications.WithLabelValues("sent").Inc()
	}
}
