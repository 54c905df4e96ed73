package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	errUtils "github.com/apexion-ai/chatcore/errors"
)

const defaultRedisPrefix = "chatcore:"

// RedisContextStore keeps context windows in Redis so several server replicas
// share one view of each session. Messages stay in the SQL store.
type RedisContextStore struct {
	client redis.Cmdable
	prefix string
}

type redisContext struct {
	ActiveMessageIDs []string  `json:"active_message_ids"`
	Summary          string    `json:"summary,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewRedisContextStore stores contexts under prefix+"context:"+sessionID.
func NewRedisContextStore(client redis.Cmdable, prefix string) *RedisContextStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisContextStore{client: client, prefix: prefix}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(errUtils.ErrInvalidConfig, "redis url: %v", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisContextStore) key(sessionID string) string {
	return s.prefix + "context:" + sessionID
}

func (s *RedisContextStore) GetContext(ctx context.Context, sessionID string) (*Context, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(errUtils.ErrContextNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get context")
	}

	var rc redisContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, errors.Wrapf(err, "decode context %s", sessionID)
	}
	if rc.ActiveMessageIDs == nil {
		rc.ActiveMessageIDs = []string{}
	}
	return &Context{
		SessionID:        sessionID,
		ActiveMessageIDs: rc.ActiveMessageIDs,
		Summary:          rc.Summary,
		UpdatedAt:        rc.UpdatedAt,
	}, nil
}

func (s *RedisContextStore) UpsertContext(ctx context.Context, c *Context) error {
	data, err := json.Marshal(redisContext{
		ActiveMessageIDs: c.ActiveMessageIDs,
		Summary:          c.Summary,
		UpdatedAt:        c.UpdatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "encode context")
	}
	return errors.Wrap(s.client.Set(ctx, s.key(c.SessionID), data, 0).Err(), "redis set context")
}

func (s *RedisContextStore) DeleteContext(ctx context.Context, sessionID string) error {
	return errors.Wrap(s.client.Del(ctx, s.key(sessionID)).Err(), "redis delete context")
}
