package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ecoshare/backend/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	roomsChannel = "chat:rooms"

	onlineTTL  = 5 * time.Minute
	offlineTTL = 24 * time.Hour
	typingTTL  = 10 * time.Second
)

// Envelope scopes. Join and leave carry no event; they change which
// connections of Users belong to the room on every instance.
const (
	ScopeRoom  = "room"
	ScopeAll   = "all"
	ScopeUser  = "user"
	ScopeJoin  = "join"
	ScopeLeave = "leave"
)

// Envelope carries one encoded socket event or room change between server
// instances. Exclude is a connection id for room scope and a user id for all
// scope.
type Envelope struct {
	Origin         string          `json:"origin"`
	Scope          string          `json:"scope"`
	ConversationID uuid.UUID       `json:"conversationId"`
	Exclude        uuid.UUID       `json:"exclude"`
	Users          []uuid.UUID     `json:"users,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:user:%s", userID.String())
}

func typingKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("typing:%s", conversationID.String())
}

// SetUserOnline mirrors a user's presence for other instances and services.
// Live connections call it again on every pong so the key outlives onlineTTL.
func (r *RedisClient) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	return r.setPresence(ctx, userID, "online", onlineTTL)
}

// SetUserOffline records the time a user's last connection went away.
func (r *RedisClient) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	return r.setPresence(ctx, userID, "offline", offlineTTL)
}

func (r *RedisClient) setPresence(ctx context.Context, userID uuid.UUID, status string, ttl time.Duration) error {
	data, err := json.Marshal(models.UserPresence{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, presenceKey(userID), data, ttl).Err()
}

// GetUserPresence reads the mirrored presence. A missing key means offline.
func (r *RedisClient) GetUserPresence(ctx context.Context, userID uuid.UUID) (*models.UserPresence, error) {
	data, err := r.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return &models.UserPresence{UserID: userID, Status: "offline"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.UserPresence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, err
	}
	return &presence, nil
}

// SetTyping adds a user to the conversation's typing set. The set expires on
// its own so a lost typing_stop does not leave a stale indicator.
func (r *RedisClient) SetTyping(ctx context.Context, conversationID, userID uuid.UUID) error {
	key := typingKey(conversationID)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, userID.String())
	pipe.Expire(ctx, key, typingTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveTyping removes a user from the conversation's typing set.
func (r *RedisClient) RemoveTyping(ctx context.Context, conversationID, userID uuid.UUID) error {
	return r.client.SRem(ctx, typingKey(conversationID), userID.String()).Err()
}

// GetTypingUsers lists users currently typing in a conversation.
func (r *RedisClient) GetTypingUsers(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, typingKey(conversationID)).Result()
	if err != nil {
		return nil, err
	}

	userIDs := make([]uuid.UUID, 0, len(members))
	for _, member := range members {
		userID, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

// PublishEnvelope sends an event to every instance, this one included.
func (r *RedisClient) PublishEnvelope(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, roomsChannel, data).Err()
}

// ConsumeEnvelopes calls fn for every relayed event until ctx is cancelled.
func (r *RedisClient) ConsumeEnvelopes(ctx context.Context, fn func(Envelope)) error {
	sub := r.client.Subscribe(ctx, roomsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", roomsChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("room relay subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			fn(env)
		}
	}
}
