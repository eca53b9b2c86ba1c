// Package storage defines the persistence interfaces and their implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"slot_bot/internal/model"
)

// ErrUnknownDriver is returned by Open for an unsupported storage driver.
var ErrUnknownDriver = errors.New("unknown storage driver")

// ErrLockLost means a center lock expired while its pipeline still ran.
var ErrLockLost = errors.New("lock expired before release")

// SeenStore records which slot keys have already been announced per center.
type SeenStore interface {
	// Seen returns every key announced for the center.
	Seen(ctx context.Context, centerID string) (model.KeySet, error)
	// MarkSeen adds keys for the center. Re-marking a key is a no-op.
	MarkSeen(ctx context.Context, centerID string, keys []model.SlotKey) error
	// Prune drops keys dated before the given day and reports how many went.
	Prune(ctx context.Context, centerID string, before time.Time) (int, error)
}

// Registry maps centers to the chats subscribed to them.
type Registry interface {
	SubscribersOf(ctx context.Context, centerID string) ([]model.Subscriber, error)
	SubscriptionsOf(ctx context.Context, chatID int64) ([]string, error)
	// Subscribe reports false when the chat already tracks the center.
	Subscribe(ctx context.Context, chatID int64, centerID string) (bool, error)
	// Unsubscribe reports false when the chat did not track the center.
	Unsubscribe(ctx context.Context, chatID int64, centerID string) (bool, error)
	Window(ctx context.Context, chatID int64) (model.Window, error)
	SetWindow(ctx context.Context, chatID int64, w model.Window) error
}

// Locker serializes pipelines for the same center.
type Locker interface {
	// LockCenter tries to take the center's lock for at most ttl. When acquired is
	// false another worker holds it and release is nil. release reports
	// ErrLockLost when the lock expired before it was released.
	LockCenter(ctx context.Context, centerID string, ttl time.Duration) (release func() error, acquired bool, err error)
}

// Storage is the interface for all persistence operations.
type Storage interface {
	SeenStore
	Registry
	Locker

	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver       string
	RedisURL     string
	RedisPrefix  string
	DatabasePath string
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Storage, error) {
	switch opts.Driver {
	case "redis", "":
		return NewRedis(ctx, opts.RedisURL, opts.RedisPrefix)
	case "sqlite":
		return NewSQLite(opts.DatabasePath)
	default:
		return nil, ErrUnknownDriver
	}
}

func dayOf(t time.Time) string {
	return t.Format(model.DayLayout)
}
