package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tenzoki/svcbus/internal/svcerr"
)

// RedisOptions configures a RedisBroker, mapping directly onto the
// MEMORY_CACHE_REDIS_* configuration options from spec.md §6.
type RedisOptions struct {
	Host             string
	Port             int
	DB               int
	AuthKey          string
	User             string
	RetryMaxAttempts int
	RetryMaxInterval time.Duration

	// HealthCheckInterval controls how often the background loop pings
	// Redis to detect disruption/recovery transitions.
	HealthCheckInterval time.Duration

	Logger *slog.Logger
}

// RedisBroker is the production Broker implementation: a thin wrapper
// over go-redis with an increasing-backoff retry on every command and a
// background health loop that emits connection-disrupted/recovered
// events to registered observers.
type RedisBroker struct {
	client     *redis.Client
	identifier string
	retry      IncreasingBackoff
	log        *slog.Logger

	mu         sync.Mutex
	observers  []ConnectionObserver
	disrupted  bool
	stopHealth chan struct{}
	healthDone chan struct{}
}

// NewRedisBroker dials Redis and starts the background health monitor.
func NewRedisBroker(opts RedisOptions) (*RedisBroker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.User,
		Password: opts.AuthKey,
		DB:       opts.DB,
	})

	maxAttempts := opts.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	maxInterval := opts.RetryMaxInterval
	if maxInterval <= 0 {
		maxInterval = time.Second
	}

	interval := opts.HealthCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	b := &RedisBroker{
		client:     client,
		identifier: "redis:" + addr + fmt.Sprintf("/%d", opts.DB),
		retry:      NewIncreasingBackoff(maxAttempts, maxInterval),
		log:        logger,
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, svcerr.Wrap(err, "connect to redis at %s", addr)
	}

	go b.healthLoop(interval)

	return b, nil
}

func (b *RedisBroker) Identifier() string { return b.identifier }

func (b *RedisBroker) AddConnectionObserver(observer ConnectionObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, observer)
}

func (b *RedisBroker) notifyDisrupted() {
	b.mu.Lock()
	already := b.disrupted
	b.disrupted = true
	observers := append([]ConnectionObserver(nil), b.observers...)
	b.mu.Unlock()

	if already {
		return
	}
	for _, o := range observers {
		safeNotify(func() { o.OnConnectionDisrupted(b.identifier) })
	}
}

func (b *RedisBroker) notifyRecovered() {
	b.mu.Lock()
	was := b.disrupted
	b.disrupted = false
	observers := append([]ConnectionObserver(nil), b.observers...)
	b.mu.Unlock()

	if !was {
		return
	}
	for _, o := range observers {
		safeNotify(func() { o.OnConnectionRecovered(b.identifier) })
	}
}

// safeNotify swallows a panicking observer so the remaining observers
// still see the event.
func safeNotify(f func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("connection observer panicked", "recover", r)
		}
	}()
	f()
}

func (b *RedisBroker) healthLoop(interval time.Duration) {
	defer close(b.healthDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopHealth:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval/2+time.Second)
			err := b.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				b.log.Warn("redis health check failed", "error", err)
				b.notifyDisrupted()
			} else {
				b.notifyRecovered()
			}
		}
	}
}

// withRetry wraps a single broker round-trip with the increasing
// backoff from spec.md §4.1, marking the connection disrupted when the
// retry budget is exhausted. A command the broker does not know (a
// missing module) says nothing about the link and does not mark it.
func (b *RedisBroker) withRetry(ctx context.Context, action func(ctx context.Context) error) error {
	err := b.retry.Do(ctx, action)
	if err != nil {
		if !svcerr.Is(unsupportedIfMissingModule(err), svcerr.KindFeatureUnsupported) {
			b.notifyDisrupted()
		}
		return err
	}
	return nil
}

func (b *RedisBroker) Close() error {
	close(b.stopHealth)
	<-b.healthDone
	return b.client.Close()
}

func (b *RedisBroker) ListPush(ctx context.Context, queue string, value []byte) error {
	return b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.LPush(ctx, queue, value).Err()
	})
}

func (b *RedisBroker) ListPopTailBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	var out []byte
	err := b.withRetry(ctx, func(ctx context.Context) error {
		res, err := b.client.BRPop(ctx, timeout, queue).Result()
		if errors.Is(err, redis.Nil) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		// BRPop returns [queueName, value]
		if len(res) == 2 {
			out = []byte(res[1])
		}
		return nil
	})
	return out, err
}

func (b *RedisBroker) ListPopTailPushHeadBlocking(ctx context.Context, srcQueue, dstQueue string, timeout time.Duration) ([]byte, error) {
	var out []byte
	err := b.withRetry(ctx, func(ctx context.Context) error {
		res, err := b.client.BRPopLPush(ctx, srcQueue, dstQueue, timeout).Result()
		if errors.Is(err, redis.Nil) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = []byte(res)
		return nil
	})
	return out, err
}

func (b *RedisBroker) HashSet(ctx context.Context, location, field string, value []byte) error {
	return b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.HSet(ctx, location, field, value).Err()
	})
}

func (b *RedisBroker) HashGet(ctx context.Context, location, field string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := b.withRetry(ctx, func(ctx context.Context) error {
		res, err := b.client.HGet(ctx, location, field).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		out = []byte(res)
		found = true
		return nil
	})
	return out, found, err
}

func (b *RedisBroker) HashDelete(ctx context.Context, location, field string) error {
	return b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.HDel(ctx, location, field).Err()
	})
}

func (b *RedisBroker) SetAdd(ctx context.Context, key string, member string) error {
	return b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.SAdd(ctx, key, member).Err()
	})
}

func (b *RedisBroker) SetIsMember(ctx context.Context, key string, member string) (bool, error) {
	var ok bool
	err := b.withRetry(ctx, func(ctx context.Context) error {
		res, err := b.client.SIsMember(ctx, key, member).Result()
		ok = res
		return err
	})
	return ok, err
}

func (b *RedisBroker) SetMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := b.withRetry(ctx, func(ctx context.Context) error {
		res, err := b.client.SMembers(ctx, key).Result()
		out = res
		return err
	})
	return out, err
}

func (b *RedisBroker) Expire(ctx context.Context, key string, seconds int) error {
	if seconds <= 0 {
		return nil
	}
	return b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.Expire(ctx, key, time.Duration(seconds)*time.Second).Err()
	})
}

// unsupportedIfMissingModule translates a Redis "unknown command"
// response (RedisJSON module not loaded) into FeatureUnsupported so
// callers like the tracer can fall back to a plain Set. The whole
// wrap chain is inspected, since the retry wrapper's own message does
// not repeat the underlying Redis error.
func unsupportedIfMissingModule(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		if strings.Contains(msg, "unknown command") || strings.Contains(msg, "unknown subcommand") {
			return &svcerr.Error{Kind: svcerr.KindFeatureUnsupported, Message: "broker JSON path commands unavailable", Wrapped: err}
		}
	}
	return err
}

func (b *RedisBroker) SetJSONPath(ctx context.Context, key string, path string, value []byte, ttlSeconds int) error {
	err := b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.Do(ctx, "JSON.SET", key, path, string(value)).Err()
	})
	if err := unsupportedIfMissingModule(err); err != nil {
		return err
	}
	if err == nil && ttlSeconds > 0 {
		return b.Expire(ctx, key, ttlSeconds)
	}
	return err
}

func (b *RedisBroker) AppendJSONArrayPath(ctx context.Context, key string, path string, value []byte) error {
	err := b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.Do(ctx, "JSON.ARRAPPEND", key, path, string(value)).Err()
	})
	return unsupportedIfMissingModule(err)
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, message []byte) error {
	return b.withRetry(ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, channel, message).Err()
	})
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler func(message []byte)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, svcerr.Wrap(err, "subscribe to %s", channel)
	}

	ch := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return func() {
		close(done)
		pubsub.Close()
	}, nil
}

func (b *RedisBroker) ExecuteAtomic(ctx context.Context, cmds []Cmd) ([]interface{}, error) {
	var results []interface{}
	err := b.withRetry(ctx, func(ctx context.Context) error {
		pipe := b.client.TxPipeline()
		cmders := make([]*redis.Cmd, 0, len(cmds))
		for _, c := range cmds {
			args := append([]interface{}{c.Name}, c.Args...)
			cmders = append(cmders, pipe.Do(ctx, args...))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		results = make([]interface{}, len(cmders))
		for i, cmder := range cmders {
			results[i], _ = cmder.Result()
		}
		return nil
	})
	return results, err
}
