package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/jeementor/internal/model"
)

// DefaultRelayChannel はセッションイベント中継に使うpub/subチャンネル名。
const DefaultRelayChannel = "jeementor:session-events"

const redisKeyPrefix = "jeementor:session:"

// RedisCache はRedisを使用したCache実装。複数インスタンスでキャッシュを共有する。
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache はRedisCacheを生成する。
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get はキャッシュされたセッションを返す。
func (c *RedisCache) Get(ctx context.Context, token string) (*model.Session, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read session from redis: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached session: %w", err)
	}
	return &s, true, nil
}

// Set はttlの間セッションを保持する。
func (c *RedisCache) Set(ctx context.Context, s *model.Session, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+s.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session to redis: %w", err)
	}
	return nil
}

// Delete はセッションを破棄する。
func (c *RedisCache) Delete(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+token).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

// relayMessage はpub/subで流すイベントの形式。
type relayMessage struct {
	Origin  string         `json:"origin"`
	Type    EventType      `json:"type"`
	Token   string         `json:"token"`
	UserID  string         `json:"user_id"`
	Session *model.Session `json:"session,omitempty"`
	At      time.Time      `json:"at"`
}

// RedisRelay はRedis pub/subでサインアウト・トークン更新を他インスタンスへ中継する。
// 自インスタンスが送ったメッセージはinstance IDで識別して無視する。
type RedisRelay struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
}

// NewRedisRelay はRedisRelayを生成する。channelが空の場合はDefaultRelayChannelを使う。
func NewRedisRelay(client redis.UniversalClient, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
	}
}

// InstanceID はこのプロセスの識別子を返す。
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Publish はイベントを他インスタンスへ送る。Identityは送らない。
func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(relayMessage{
		Origin:  r.instanceID,
		Type:    ev.Type,
		Token:   ev.Token,
		UserID:  ev.UserID,
		Session: ev.Session,
		At:      ev.At,
	})
	if err != nil {
		return fmt.Errorf("failed to encode relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	return nil
}

// Subscribe はctxが終了するまでメッセージを受信し、他インスタンス発のイベントをfnに渡す。
func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Event)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// 購読確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay channel closed")
			}
			ev, ok := r.decode(msg.Payload)
			if !ok {
				continue
			}
			fn(ev)
		}
	}
}

// decode はメッセージをEventに変換する。自インスタンス発と不正な形式はfalseを返す。
func (r *RedisRelay) decode(payload string) (Event, bool) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		slog.Warn("ignoring malformed relay message", slog.String("error", err.Error()))
		return Event{}, false
	}
	if m.Origin == r.instanceID {
		return Event{}, false
	}
	switch m.Type {
	case EventSignedOut, EventTokenRefreshed:
	default:
		return Event{}, false
	}
	return Event{
		Type:    m.Type,
		Token:   m.Token,
		UserID:  m.UserID,
		Session: m.Session,
		At:      m.At,
	}, true
}

// compile-time interface check
var (
	_ Cache = (*RedisCache)(nil)
	_ Relay = (*RedisRelay)(nil)
)
