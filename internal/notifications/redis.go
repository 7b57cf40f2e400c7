package notifications

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"docket/internal/queue"
	"docket/internal/services"
)

const (
	deliveredKeyPrefix = "docket:delivered:"
	deliveredTTL       = 7 * 24 * time.Hour
)

// RedisOptions configures the stream notifier.
type RedisOptions struct {
	Addr     string
	Password string
	Stream   string
	Timeout  time.Duration
}

// appendOnce checks the dedupe marker, appends to the stream and sets the
// marker as one atomic step. The marker is written only after XADD succeeds,
// so a failed append leaves nothing behind and redelivery appends again.
var appendOnce = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('XADD', KEYS[2], '*', unpack(ARGV, 3))
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
return 1
`)

// RedisNotifier appends events to a Redis stream. A marker per event_id keeps
// redelivery from appending twice.
type RedisNotifier struct {
	rdb    *redis.Client
	stream string
}

func NewRedisNotifier(opts RedisOptions) *RedisNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RedisNotifier{
		rdb: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			MaxRetries:   1,
		}),
		stream: opts.Stream,
	}
}

func (n *RedisNotifier) Name() string { return "redis" }

func (n *RedisNotifier) Deliver(ctx context.Context, event queue.OutboxEvent) error {
	keys := []string{deliveredKeyPrefix + event.ID, n.stream}
	args := []any{
		time.Now().UTC().Format(time.RFC3339),
		int64(deliveredTTL / time.Second),
		"event_id", event.ID,
		"event_type", event.EventType,
		"hearing_id", event.HearingID,
		"publish_version", event.PublishVersion,
		"payload", string(event.Payload),
	}
	if err := appendOnce.Run(ctx, n.rdb, keys, args...).Err(); err != nil {
		return services.Wrap(services.ErrTransient, "outbox", "deliver", "append to redis stream", err)
	}
	return nil
}

// Close releases the client's connections.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
