package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/auth"
)

// RateLimit caps requests per authenticated user, or per client IP for
// anonymous traffic, within fixed one-minute windows stored in Redis.
func RateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 120
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		subject := "ip:" + c.IP()
		if p, ok := auth.PrincipalFrom(c); ok {
			subject = "user:" + p.UserID
		}
		window := time.Now().Unix() / 60
		key := fmt.Sprintf("rl:%s:%d", subject, window)

		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			c.Set(fiber.HeaderRetryAfter, "60")
			return fiber.NewError(fiber.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
