package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coedit/coedit/coedit"
)

type RedisPresenceSettings struct {
	// member entries expire when not refreshed, so a crashed server cannot
	// leave ghosts behind
	MemberTtl time.Duration
}

func DefaultRedisPresenceSettings() *RedisPresenceSettings {
	return &RedisPresenceSettings{
		MemberTtl: 60 * time.Second,
	}
}

// RedisPresence tracks live clients per document in Redis sorted sets keyed
// by announce time. Read by ops tooling, never by the sync path.
type RedisPresence struct {
	client   *redis.Client
	settings *RedisPresenceSettings
}

func NewRedisPresenceWithDefaults(ctx context.Context, addr string) (*RedisPresence, error) {
	return NewRedisPresence(ctx, addr, DefaultRedisPresenceSettings())
}

func NewRedisPresence(ctx context.Context, addr string, settings *RedisPresenceSettings) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisPresence{
		client:   client,
		settings: settings,
	}, nil
}

func presenceKey(documentId coedit.DocumentId) string {
	return fmt.Sprintf("coedit:presence:%s", documentId)
}

func (self *RedisPresence) Announce(ctx context.Context, documentId coedit.DocumentId, clientId coedit.Id) error {
	key := presenceKey(documentId)
	pipe := self.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: clientId.String(),
	})
	pipe.Expire(ctx, key, self.settings.MemberTtl)
	_, err := pipe.Exec(ctx)
	return err
}

func (self *RedisPresence) Withdraw(ctx context.Context, documentId coedit.DocumentId, clientId coedit.Id) error {
	return self.client.ZRem(ctx, presenceKey(documentId), clientId.String()).Err()
}

// Members lists the clients currently announced on a document.
func (self *RedisPresence) Members(ctx context.Context, documentId coedit.DocumentId) ([]string, error) {
	return self.client.ZRange(ctx, presenceKey(documentId), 0, -1).Result()
}

func (self *RedisPresence) Close() error {
	return self.client.Close()
}
