// Package redis keeps the last acknowledged power limits in Redis so a
// restarted engine does not resend limits the stations already hold.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/smartcharge/core/dispatch"
	"github.com/kilianp07/smartcharge/core/model"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// Config locates the Redis server. An empty Addr disables persistence.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

func (c *Config) SetDefaults() {
	if c.Key == "" {
		c.Key = "smartcharge:acked"
	}
}

// NewClient returns a client after validating the connection with PING.
func NewClient(cfg Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// AckStore stores one hash field per scope under a single key.
type AckStore struct {
	client *redis.Client
	key    string
}

var _ dispatch.AckStore = (*AckStore)(nil)

// NewAckStore wraps client. key names the hash.
func NewAckStore(client *redis.Client, key string) *AckStore {
	if key == "" {
		key = "smartcharge:acked"
	}
	return &AckStore{client: client, key: key}
}

// Save records lim as the confirmed limit of scope.
func (s *AckStore) Save(ctx context.Context, scope model.Scope, lim dispatch.AckedLimit) error {
	data, err := json.Marshal(lim)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, scope.String(), data).Err()
}

// Delete forgets scope.
func (s *AckStore) Delete(ctx context.Context, scope model.Scope) error {
	return s.client.HDel(ctx, s.key, scope.String()).Err()
}

// LoadAll returns every stored limit. Undecodable entries are skipped.
func (s *AckStore) LoadAll(ctx context.Context) (map[model.Scope]dispatch.AckedLimit, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[model.Scope]dispatch.AckedLimit, len(raw))
	for _, v := range raw {
		var lim dispatch.AckedLimit
		if err := json.Unmarshal([]byte(v), &lim); err != nil {
			continue
		}
		out[lim.Command.Scope()] = lim
	}
	return out, nil
}

// Close closes the client.
func (s *AckStore) Close() error { return s.client.Close() }
