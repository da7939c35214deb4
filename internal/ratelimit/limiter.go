// Package ratelimit enforces per-(channel, subject) sliding-window limits over Redis sorted sets. Each configured
// window keeps one sorted set whose members are timestamped admissions; eviction, counting, and the conditional
// admission run inside a single server-side script, so concurrent callers on the same subject cannot admit past the
// limit. A small in-process token-bucket guard for raw socket traffic lives in flood.go.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tilemud/tilemud-server/internal/catalog"
	"github.com/tilemud/tilemud-server/internal/metrics"
)

// Window is one sliding window constraint: at most Limit admissions inside any interval of Duration.
type Window struct {
	Duration time.Duration
	Limit    int
}

// Channel names for the pre-configured limits.
const (
	ChannelChatInInstance = "chat_in_instance"
	ChannelPrivateMessage = "private_message"
	ChannelTileAction     = "tile_action"
)

// DefaultChannels returns the standard channel configuration. Multi-window channels must satisfy every window.
func DefaultChannels() map[string][]Window {
	return map[string][]Window{
		ChannelChatInInstance: {{Duration: 10 * time.Second, Limit: 20}},
		ChannelPrivateMessage: {{Duration: 10 * time.Second, Limit: 10}},
		ChannelTileAction: {
			{Duration: 1 * time.Second, Limit: 5},
			{Duration: 2 * time.Second, Limit: 10},
		},
	}
}

// Decision is the outcome of evaluating one admission request.
type Decision struct {
	Channel    string
	Allowed    bool
	Remaining  int
	Limit      int
	WindowMS   int64
	RetryAfter time.Duration
}

// Limiter evaluates sliding-window limits against Redis.
type Limiter struct {
	rdb      *redis.Client
	prefix   string
	mu       sync.RWMutex
	channels map[string][]Window
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow injects the time source, used by tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter with the given channel configuration. Unknown channels are always allowed.
func NewLimiter(rdb *redis.Client, prefix string, channels map[string][]Window, logger zerolog.Logger, opts ...Option) *Limiter {
	if channels == nil {
		channels = DefaultChannels()
	}
	l := &Limiter{
		rdb:      rdb,
		prefix:   prefix,
		channels: channels,
		log:      logger.With().Str("component", "ratelimit").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure replaces the window set for a channel.
func (l *Limiter) Configure(channel string, windows []Window) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channels[channel] = windows
}

func (l *Limiter) windowsFor(channel string) []Window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.channels[channel]
}

func (l *Limiter) key(channel, subject string, w Window) string {
	return fmt.Sprintf("%s:%s:%s:%d", l.prefix, channel, subject, w.Duration.Milliseconds())
}

// admitScript evicts expired members, counts every window, and only when all windows have headroom adds one
// timestamped member per window with a TTL equal to the window length. KEYS holds one sorted set per window; ARGV is
// {nowMS, member, durationMS1, limit1, durationMS2, limit2, ...}. The reply is {1, postAddCount...} on admission and
// {0, count...} on rejection. Running the whole decision server-side keeps check-and-admit atomic: two concurrent
// callers on the same subject serialize inside Redis instead of both reading the pre-admission count.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local counts = {}
local blocked = false
for i = 1, #KEYS do
  local duration = tonumber(ARGV[2*i+1])
  local limit = tonumber(ARGV[2*i+2])
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - duration)
  counts[i] = redis.call('ZCARD', KEYS[i])
  if counts[i] >= limit then
    blocked = true
  end
end
local reply = {0}
if not blocked then
  reply[1] = 1
  for i = 1, #KEYS do
    redis.call('ZADD', KEYS[i], now, member)
    redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[2*i+1]))
    counts[i] = counts[i] + 1
  end
end
for i = 1, #KEYS do
  reply[i+1] = counts[i]
end
return reply
`)

// Evaluate checks every window configured for the channel and admits the request only when all of them have headroom.
// Check and admit run in one atomic script. The returned decision carries the most constrained window's remaining
// count on success, and the retry-after hint on rejection.
func (l *Limiter) Evaluate(ctx context.Context, channel, subject string) (Decision, error) {
	windows := l.windowsFor(channel)
	decision := Decision{Channel: channel, Allowed: true}
	if len(windows) == 0 {
		return decision, nil
	}

	now := l.now()
	nowMS := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMS, uuid.NewString()[:8])

	keys := make([]string, len(windows))
	args := make([]interface{}, 0, 2+2*len(windows))
	args = append(args, nowMS, member)
	for i, w := range windows {
		keys[i] = l.key(channel, subject, w)
		args = append(args, w.Duration.Milliseconds(), w.Limit)
	}

	reply, err := admitScript.Run(ctx, l.rdb, keys, args...).Int64Slice()
	if err != nil {
		return Decision{Channel: channel}, fmt.Errorf("rate limit admission: %w", err)
	}
	if len(reply) != len(windows)+1 {
		return Decision{Channel: channel}, fmt.Errorf("rate limit admission: reply has %d entries, want %d", len(reply), len(windows)+1)
	}

	if reply[0] == 1 {
		minHeadroom := math.MaxInt
		for i, w := range windows {
			headroom := w.Limit - int(reply[i+1])
			if headroom < minHeadroom {
				minHeadroom = headroom
				decision.Remaining = headroom
				decision.Limit = w.Limit
				decision.WindowMS = w.Duration.Milliseconds()
			}
		}
		return decision, nil
	}

	var violated []int
	for i, w := range windows {
		if int(reply[i+1]) >= w.Limit {
			violated = append(violated, i)
		}
	}
	decision.Allowed = false
	decision.Remaining = 0
	retry, err := l.retryAfter(ctx, channel, subject, windows, violated, now)
	if err != nil {
		return Decision{Channel: channel}, err
	}
	decision.RetryAfter = retry
	w := windows[violated[0]]
	decision.Limit = w.Limit
	decision.WindowMS = w.Duration.Milliseconds()
	metrics.RecordRateLimitRejection(channel)
	return decision, nil
}

// retryAfter computes the worst retry hint across the violated windows: the moment the oldest live entry in each
// violated window ages out, rounded up to whole seconds with a floor of one second.
func (l *Limiter) retryAfter(ctx context.Context, channel, subject string, windows []Window, violated []int, now time.Time) (time.Duration, error) {
	var worst time.Duration
	for _, i := range violated {
		w := windows[i]
		oldest, err := l.rdb.ZRangeWithScores(ctx, l.key(channel, subject, w), 0, 0).Result()
		if err != nil {
			return 0, fmt.Errorf("rate limit oldest entry: %w", err)
		}
		wait := w.Duration
		if len(oldest) > 0 {
			expiresAt := int64(oldest[0].Score) + w.Duration.Milliseconds()
			wait = time.Duration(expiresAt-now.UnixMilli()) * time.Millisecond
		}
		if wait > worst {
			worst = wait
		}
	}
	secs := int64(math.Ceil(worst.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second, nil
}

// Enforce evaluates the channel and converts a denial into a catalog rate_limit_exceeded error. KV failures fail
// closed: the request is denied with an internal error, uniformly for every channel.
func (l *Limiter) Enforce(ctx context.Context, channel, subject string) error {
	decision, err := l.Evaluate(ctx, channel, subject)
	if err != nil {
		l.log.Warn().Err(err).Str("channel", channel).Msg("Rate limit evaluation failed, denying")
		return catalog.NewError(catalog.ReasonInternalError).
			WithDetail("rate limit check unavailable").
			WithCause(err)
	}
	if !decision.Allowed {
		return catalog.NewError(catalog.ReasonRateLimitExceeded).
			WithDetail(fmt.Sprintf("rate limit exceeded on %s, retry in %s", channel, decision.RetryAfter)).
			WithRetryAfter(decision.RetryAfter)
	}
	return nil
}
