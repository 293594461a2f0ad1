package mailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// ErrRateLimited is returned when a send would exceed the provider quota.
// It is transient: the job is retried after backoff.
var ErrRateLimited = errors.New("send rate limit reached")

// RateLimit is a provider sending quota. Zero disables a window.
type RateLimit struct {
	PerSecond int
	PerDay    int
}

// Check both windows before incrementing either, so a denied send consumes
// nothing.
const sendLimitLuaScript = `
local secondKey = KEYS[1]
local dailyKey = KEYS[2]
local secondLimit = tonumber(ARGV[1])
local dailyLimit = tonumber(ARGV[2])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secondLimit > 0 and secCurrent + 1 > secondLimit then
    return {0, 1}
end
if dailyLimit > 0 and dayCurrent + 1 > dailyLimit then
    return {0, 2}
end

if redis.call("INCR", secondKey) == 1 then
    redis.call("EXPIRE", secondKey, 2)
end
if redis.call("INCR", dailyKey) == 1 then
    redis.call("EXPIRE", dailyKey, 90000)
end
return {1, 0}
`

var sendLimitScript = redis.NewScript(sendLimitLuaScript)

// RateLimitedSender enforces a quota shared by every worker process through
// Redis counters before delegating to the wrapped sender.
type RateLimitedSender struct {
	next   Sender
	redis  *redis.Client
	limit  RateLimit
	prefix string
	now    func() time.Time
}

// NewRateLimitedSender wraps next. With a nil client or an empty limit it
// returns next unchanged.
func NewRateLimitedSender(next Sender, client *redis.Client, name string, limit RateLimit) Sender {
	if client == nil || (limit.PerSecond <= 0 && limit.PerDay <= 0) {
		return next
	}
	return &RateLimitedSender{
		next:   next,
		redis:  client,
		limit:  limit,
		prefix: "ratelimit:" + name,
		now:    time.Now,
	}
}

// Send reserves quota and delivers msg. A Redis failure lets the send
// through; the provider enforces its own quota as a backstop.
func (s *RateLimitedSender) Send(ctx context.Context, msg Message) (string, error) {
	now := s.now().UTC()
	secondKey := fmt.Sprintf("%s:sec:%d", s.prefix, now.Unix())
	dailyKey := fmt.Sprintf("%s:day:%s", s.prefix, now.Format("2006-01-02"))

	result, err := sendLimitScript.Run(ctx, s.redis, []string{secondKey, dailyKey},
		s.limit.PerSecond, s.limit.PerDay).Int64Slice()
	if err != nil {
		logger.Warn("send rate limit check failed, sending anyway", "error", err)
		return s.next.Send(ctx, msg)
	}
	if result[0] == 0 {
		window := "second"
		if result[1] == 2 {
			window = "day"
		}
		return "", fmt.Errorf("%w: per-%s quota", ErrRateLimited, window)
	}
	return s.next.Send(ctx, msg)
}
