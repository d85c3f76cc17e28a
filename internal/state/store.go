package state

import "context"

// Store is the small kv surface the operational state rides on. Values
// are strings; callers own the encoding.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
