package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrClosed = errors.New("kv store closed")

// Store is the small persistent key/value surface the sequencer and auth
// service rely on. Get reports ok=false for a missing key. Keys lists the keys
// starting with prefix in lexical order.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type Options struct {
	Driver      string
	DSN         string
	RedisAddr   string
	RedisPrefix string
}

func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPrefix)
	case "postgres":
		return NewPostgresStore(ctx, opts.DSN)
	case "sqlite":
		return NewSQLiteStore(opts.DSN)
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", opts.Driver)
	}
}
