// Package broker provides the thin capability surface over the
// memory-cache broker (Redis) that every higher-level svcbus component
// builds on: list push/pop primitives for queues, hash and set
// commands for the registry/health/labels/payload stores, JSON-path
// commands for the trace repository, and pub/sub for out-of-band
// events. The broker surfaces connection-disrupted/recovered events so
// the exchange can track which links are currently unusable.
//
// Called by: internal/handler, internal/exchange, internal/trace,
// public/instance, internal/labels
// Calls: github.com/redis/go-redis/v9
package broker

import (
	"context"
	"time"
)

// Cmd is one command in an atomic batch passed to ExecuteAtomic.
type Cmd struct {
	Name string
	Args []interface{}
}

// ConnectionObserver receives connection-disrupted/recovered
// notifications. Delivery order is registration order; a panicking
// observer must not prevent the others from being notified (mirrors the
// observer fan-out rule in internal/handler).
type ConnectionObserver interface {
	OnConnectionDisrupted(identifier string)
	OnConnectionRecovered(identifier string)
}

// Broker is the command surface spec.md §4.1 and §6 name. Names are
// contracts, not a wire format: a concrete Broker may implement them
// however it likes, as long as the semantics hold.
type Broker interface {
	// Identifier names this broker connection for connection-event
	// reporting (e.g. "redis:localhost:6379/0").
	Identifier() string

	ExecuteAtomic(ctx context.Context, cmds []Cmd) ([]interface{}, error)

	ListPush(ctx context.Context, queue string, value []byte) error
	ListPopTailBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	ListPopTailPushHeadBlocking(ctx context.Context, srcQueue, dstQueue string, timeout time.Duration) ([]byte, error)

	HashSet(ctx context.Context, location, field string, value []byte) error
	HashGet(ctx context.Context, location, field string) ([]byte, bool, error)
	HashDelete(ctx context.Context, location, field string) error

	SetAdd(ctx context.Context, key string, member string) error
	SetIsMember(ctx context.Context, key string, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	Expire(ctx context.Context, key string, seconds int) error

	SetJSONPath(ctx context.Context, key string, path string, value []byte, ttlSeconds int) error
	AppendJSONArrayPath(ctx context.Context, key string, path string, value []byte) error

	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) (unsubscribe func(), err error)

	AddConnectionObserver(observer ConnectionObserver)

	Close() error
}
