package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/room4-2/uirelay/config"
	"github.com/room4-2/uirelay/logging"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix  = "session:"
	activeSessionsKey = "active_sessions"

	defaultSessionTTL = 30 * time.Minute
)

// Info describes a live connection in the registry
type Info struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time
}

// Registry publishes live connections to Redis so operators can see them.
// It is observability only: the relay never reads it back to route traffic.
// A nil *Registry is valid and records nothing.
type Registry struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	local map[string]struct{} // IDs registered by this process
}

// NewRegistry connects to Redis when REDIS_URL is set. It returns nil, and
// the relay runs without a registry, when Redis is not configured or not
// reachable.
func NewRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.RedisURL == "" {
		return nil
	}

	opts, err := redisOptions(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Warn("⚠️ invalid REDIS_URL, session registry disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	// Test Redis connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Redis unavailable, continue without it
		logger.Warn("⚠️ Redis unavailable, session registry disabled", "addr", opts.Addr, "error", err)
		_ = client.Close()
		return nil
	}

	logger.Info("🗄️ session registry connected", "addr", opts.Addr)
	return newRegistry(client, cfg.SessionTTL, logger)
}

func newRegistry(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Registry{redis: client, ttl: ttl, logger: logger, local: make(map[string]struct{})}
}

// redisOptions accepts either a redis:// URL or a bare host:port
func redisOptions(url, password string) (*redis.Options, error) {
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	return &redis.Options{Addr: url, Password: password, DB: 0}, nil
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Register records a connection as active
func (r *Registry) Register(ctx context.Context, info Info) error {
	if r == nil {
		return nil
	}
	key := sessionKey(info.ID)
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"remote_addr": info.RemoteAddr,
			"created_at":  info.CreatedAt.Format(time.RFC3339),
			"status":      "active",
		})
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, activeSessionsKey, info.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register session %s: %w", info.ID, err)
	}
	r.mu.Lock()
	r.local[info.ID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Unregister removes a connection
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.SRem(ctx, activeSessionsKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister session %s: %w", id, err)
	}
	return nil
}

// ActiveCount returns how many connections are registered across all relays
// sharing the Redis instance.
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	if r == nil {
		return 0, nil
	}
	return r.redis.SCard(ctx, activeSessionsKey).Result()
}

// Sweep refreshes the TTL of every connection this process still holds and
// drops set members whose hash has expired, which is what a crashed relay
// leaves behind. It returns how many members were pruned.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	if r == nil {
		return 0, nil
	}

	r.mu.Lock()
	local := make([]string, 0, len(r.local))
	for id := range r.local {
		local = append(local, id)
	}
	r.mu.Unlock()

	if len(local) > 0 {
		_, err := r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range local {
				pipe.Expire(ctx, sessionKey(id), r.ttl)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("refresh session ttl: %w", err)
		}
	}

	members, err := r.redis.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	pruned := 0
	for _, id := range members {
		n, err := r.redis.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return pruned, fmt.Errorf("check session %s: %w", id, err)
		}
		if n > 0 {
			continue
		}
		if err := r.redis.SRem(ctx, activeSessionsKey, id).Err(); err != nil {
			return pruned, fmt.Errorf("prune session %s: %w", id, err)
		}
		pruned++
	}
	return pruned, nil
}

// SweepInterval returns how often to sweep so that an entry is refreshed
// several times within its TTL.
func SweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return max(min(ttl/3, time.Minute), time.Second)
}

// StartCleanupRoutine sweeps the registry every interval until ctx is done
func (r *Registry) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn("⚠️ registry sweep failed", "error", err)
				continue
			}
			if pruned > 0 {
				r.logger.Info("🧹 pruned stale sessions", "count", pruned)
			}
		}
	}
}

// Close releases the Redis client
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	return r.redis.Close()
}
