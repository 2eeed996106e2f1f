// Package redis keeps agent presence and live session records for one
// signaling instance in Redis, where the REST pre-check and operators can
// read them. The keys are owned by that instance: it clears them on boot.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/livestore-signaling/config"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/signaling"
)

var _ signaling.Directory = (*Directory)(nil)

const (
	agentsKey     = "livestore:agents"
	sessionPrefix = "livestore:session:"

	// SessionTTL bounds how long a session record outlives a crashed server.
	SessionTTL = 4 * time.Hour
)

// Directory is the Redis-backed presence and session store.
type Directory struct {
	client *redis.Client
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Directory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Directory {
	return &Directory{client: client}
}

// Close closes the Redis connection
func (d *Directory) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

func (d *Directory) SetAgentOnline(ctx context.Context, email string, online bool) error {
	if online {
		return d.client.SAdd(ctx, agentsKey, email).Err()
	}
	return d.client.SRem(ctx, agentsKey, email).Err()
}

func (d *Directory) AgentsOnline(ctx context.Context) (int, error) {
	n, err := d.client.SCard(ctx, agentsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return int(n), nil
}

func (d *Directory) SaveSession(ctx context.Context, s models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return d.client.Set(ctx, sessionPrefix+s.ID, data, SessionTTL).Err()
}

func (d *Directory) DeleteSession(ctx context.Context, id string) error {
	return d.client.Del(ctx, sessionPrefix+id).Err()
}

// Reset clears presence left behind by a previous run of this instance.
// Agents reconnect and register again.
func (d *Directory) Reset(ctx context.Context) error {
	return d.client.Del(ctx, agentsKey).Err()
}
