package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	Requests  int           // Maximum requests
	Window    time.Duration // Time window
	BurstSize int           // Additional burst capacity
}

// Default rate limit configurations
var (
	RateLimitDefault = RateLimitConfig{Requests: 100, Window: time.Minute, BurstSize: 20}
	RateLimitAuth    = RateLimitConfig{Requests: 5, Window: time.Minute, BurstSize: 0}
	RateLimitWrite   = RateLimitConfig{Requests: 30, Window: time.Minute, BurstSize: 5}
	RateLimitRead    = RateLimitConfig{Requests: 200, Window: time.Minute, BurstSize: 50}
)

// RateLimiter implements sliding window rate limiting with Redis
type RateLimiter struct {
	redis     *redis.Client
	keyPrefix string
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:     redisClient,
		keyPrefix: "tgsuite:ratelimit:",
	}
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"reset_after"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Limit      int           `json:"limit"`
	Window     time.Duration `json:"window"`
}

// Check performs a rate limit check using a sliding window over a Redis
// sorted set. The script is atomic so concurrent callers cannot overshoot.
func (r *RateLimiter) Check(ctx context.Context, identifier string, config RateLimitConfig) (*RateLimitResult, error) {
	key := r.keyPrefix + identifier
	now := time.Now()
	windowStart := now.Add(-config.Window)

	script := redis.NewScript(`
		local key = KEYS[1]
		local now = tonumber(ARGV[1])
		local window_start = tonumber(ARGV[2])
		local max_requests = tonumber(ARGV[3])
		local window_ms = tonumber(ARGV[4])
		local burst = tonumber(ARGV[5])

		redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

		local current_count = redis.call('ZCARD', key)
		local total_allowed = max_requests + burst

		if current_count < total_allowed then
			redis.call('ZADD', key, now, now .. '-' .. math.random(100000))
			redis.call('PEXPIRE', key, window_ms)
			return {1, total_allowed - current_count - 1, 0}
		else
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local retry_after = 0
			if #oldest >= 2 then
				retry_after = tonumber(oldest[2]) + window_ms - now
			end
			return {0, 0, retry_after}
		end
	`)

	result, err := script.Run(ctx, r.redis, []string{key},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		config.Requests,
		config.Window.Milliseconds(),
		config.BurstSize,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values := result.([]interface{})
	allowed := values[0].(int64) == 1
	remaining := int(values[1].(int64))
	retryAfterMs := values[2].(int64)

	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAfter: config.Window,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
		Limit:      config.Requests + config.BurstSize,
		Window:     config.Window,
	}, nil
}

// CheckIP rate limits by IP address
func (r *RateLimiter) CheckIP(ctx context.Context, ip string, config RateLimitConfig) (*RateLimitResult, error) {
	return r.Check(ctx, "ip:"+ip, config)
}

// CheckUser rate limits by user ID
func (r *RateLimiter) CheckUser(ctx context.Context, userID string, config RateLimitConfig) (*RateLimitResult, error) {
	return r.Check(ctx, "user:"+userID, config)
}

// Reset clears rate limit state for an identifier
func (r *RateLimiter) Reset(ctx context.Context, identifier string) error {
	return r.redis.Del(ctx, r.keyPrefix+identifier).Err()
}

func setRateLimitHeaders(c *gin.Context, result *RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(result.ResetAfter).Unix(), 10))
	if !result.Allowed {
		c.Header("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds()), 10))
	}
}
