package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"productlab/internal/domain"
	"productlab/internal/infra"
)

const (
	NudgeList        = "jobs:nudge"
	throttlePrefix   = "jobs:nudge:throttle:"
	eventsPrefix     = "jobs:events:"
	brpopTimeout     = 5 * time.Second
	consumeBackoff   = 5 * time.Second
	eventsBufferSize = 8
)

// redisCmdable is the subset of *redis.Client used by the list and throttle.
type redisCmdable interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisQueue is a job id list used when RabbitMQ is not configured, and as
// the target of client nudges.
type RedisQueue struct {
	rdb    redisCmdable
	key    string
	logger infra.Logger
}

func NewRedisQueue(rdb *redis.Client, logger infra.Logger) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: NudgeList, logger: logger}
}

func (q *RedisQueue) Dispatch(ctx context.Context, jobID string) error {
	if err := q.rdb.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", q.key, err)
	}
	return nil
}

// Consume blocks on BRPOP and forwards ids to out until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, out chan<- string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := q.rdb.BRPop(ctx, brpopTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error().Err(err).Str("key", q.key).Msg("dispatch: redis brpop failed")
			select {
			case <-time.After(consumeBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		// result[0] is the list name, result[1] the job id.
		if len(result) < 2 || result[1] == "" {
			continue
		}
		select {
		case out <- result[1]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RedisThrottle allows one nudge per job per window using SET NX with a TTL.
type RedisThrottle struct {
	rdb redisCmdable
}

func NewRedisThrottle(rdb *redis.Client) *RedisThrottle {
	return &RedisThrottle{rdb: rdb}
}

func (t *RedisThrottle) Allow(ctx context.Context, jobID string, window time.Duration) (bool, error) {
	return t.rdb.SetNX(ctx, throttlePrefix+jobID, time.Now().Unix(), window).Result()
}

// Events publishes job events on a per-job Redis channel.
type Events struct {
	rdb    *redis.Client
	pub    redisCmdable
	logger infra.Logger
}

func NewEvents(rdb *redis.Client, logger infra.Logger) *Events {
	return &Events{rdb: rdb, pub: rdb, logger: logger}
}

func EventsChannel(jobID string) string { return eventsPrefix + jobID }

func (e *Events) PublishJobEvent(ctx context.Context, event domain.JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, EventsChannel(event.JobID), body).Err()
}

// Subscribe streams events for jobID until ctx is done. The returned channel
// is closed when the subscription ends.
func (e *Events) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, error) {
	sub := e.rdb.Subscribe(ctx, EventsChannel(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe job events: %w", err)
	}
	out := make(chan domain.JobEvent, eventsBufferSize)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event domain.JobEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					e.logger.Warn().Err(err).Str("job_id", jobID).Msg("dispatch: malformed job event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
