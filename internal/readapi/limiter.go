package readapi

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces per-(endpoint, observer) request budgets in Redis so all
// replicas share the same buckets. Fails open when Redis is unreachable.
type Limiter struct {
	client *redis.Client
	logger *log.Logger
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		client: client,
		logger: log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
	}
}

// Allow consumes one token from the minute bucket for (endpoint, observer).
func (l *Limiter) Allow(ctx context.Context, endpoint, observerID string, perMinute int) bool {
	if l.client == nil || perMinute <= 0 {
		return true
	}
	key := fmt.Sprintf("ratelimit:%s:%s:%d", endpoint, observerID, time.Now().Unix()/60)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Printf("⚠️  Redis unavailable, failing open: %v", err)
		return true
	}
	if count == 1 {
		l.client.Expire(ctx, key, 90*time.Second)
	}
	return count <= int64(perMinute)
}
