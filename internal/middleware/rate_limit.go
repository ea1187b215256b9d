package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:"

// RateLimit caps calls to the listed paths per ownid (or client IP when absent)
// to maxPerMin in a fixed one-minute window. Redis errors fail open.
func RateLimit(cache *redis.Client, maxPerMin int, paths ...string) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	limited := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		limited[p] = struct{}{}
	}
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next()
		}
		path := c.Query("path")
		if _, ok := limited[path]; !ok {
			return c.Next()
		}
		subject := strings.TrimSpace(c.Query("ownid"))
		if subject == "" {
			subject = c.IP()
		}
		key := rateLimitPrefix + path + ":" + subject
		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}
