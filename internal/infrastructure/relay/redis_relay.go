package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"marketchat/pkg/logger"
)

const (
	roomChannelPrefix = "chat:room:"
	userChannelPrefix = "chat:user:"
	channelPattern    = "chat:*"
)

func RoomChannel(roomID string) string { return roomChannelPrefix + roomID }
func UserChannel(userID string) string { return userChannelPrefix + userID }

// LocalDelivery hands a frame to the connections of this instance.
type LocalDelivery interface {
	SendToChatRoom(ctx context.Context, roomID string, frame []byte, excludeConnID string)
	SendToUser(ctx context.Context, userID string, frame []byte)
}

type envelope struct {
	Frame   json.RawMessage `json:"frame"`
	Exclude string          `json:"exclude,omitempty"`
}

// RedisRelay publishes room and user events to Redis so every instance delivers them to its own
// connections. A single pattern subscription per instance keeps per-room order.
type RedisRelay struct {
	client *redis.Client
	local  LocalDelivery
	ready  chan struct{}
	doneCh chan struct{}
}

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisRelay(client *redis.Client, local LocalDelivery) *RedisRelay {
	return &RedisRelay{
		client: client,
		local:  local,
		ready:  make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Ready is closed once the first subscription is active.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Done is closed when Run returns.
func (r *RedisRelay) Done() <-chan struct{} { return r.doneCh }

func (r *RedisRelay) SendToChatRoom(ctx context.Context, roomID string, frame []byte, excludeConnID string) {
	n, err := r.publish(ctx, RoomChannel(roomID), frame, excludeConnID)
	if err != nil {
		logger.L().Error().Err(err).Str(logger.FieldRoomID, roomID).Msg("relay publish failed, delivering locally")
	} else if n == 0 {
		logger.L().Warn().Str(logger.FieldRoomID, roomID).Msg("relay has no subscribers, delivering locally")
	}
	if err != nil || n == 0 {
		r.local.SendToChatRoom(ctx, roomID, frame, excludeConnID)
	}
}

func (r *RedisRelay) SendToUser(ctx context.Context, userID string, frame []byte) {
	n, err := r.publish(ctx, UserChannel(userID), frame, "")
	if err != nil {
		logger.L().Error().Err(err).Str(logger.FieldUserID, userID).Msg("relay publish failed, delivering locally")
	} else if n == 0 {
		logger.L().Warn().Str(logger.FieldUserID, userID).Msg("relay has no subscribers, delivering locally")
	}
	if err != nil || n == 0 {
		r.local.SendToUser(ctx, userID, frame)
	}
}

// publish returns how many subscribers received the frame.
func (r *RedisRelay) publish(ctx context.Context, channel string, frame []byte, exclude string) (int64, error) {
	data, err := json.Marshal(envelope{Frame: frame, Exclude: exclude})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Result()
}

// Run delivers relayed events until ctx is done, resubscribing after receive errors.
func (r *RedisRelay) Run(ctx context.Context) {
	defer close(r.doneCh)
	l := logger.L()

	first := true
	for {
		err := r.runSubscription(ctx, &first)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.Warn().Err(err).Msg("relay subscription error, reconnecting in 2s")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (r *RedisRelay) runSubscription(ctx context.Context, first *bool) error {
	pubsub := r.client.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if *first {
		*first = false
		close(r.ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay channel closed")
			}
			r.deliver(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, channel, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.L().Warn().Err(err).Str("channel", channel).Msg("dropping malformed relay payload")
		return
	}

	switch {
	case strings.HasPrefix(channel, roomChannelPrefix):
		r.local.SendToChatRoom(ctx, strings.TrimPrefix(channel, roomChannelPrefix), env.Frame, env.Exclude)
	case strings.HasPrefix(channel, userChannelPrefix):
		r.local.SendToUser(ctx, strings.TrimPrefix(channel, userChannelPrefix), env.Frame)
	}
}
