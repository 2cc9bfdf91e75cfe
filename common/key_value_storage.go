package common

import (
	"context"
)

// KeyValueStorage provides namespaced key-value storage. Values are stored as
// JSON; MGet returns nil for missing keys, in key order.
type KeyValueStorage interface {
	MGet(ctx context.Context, namespace string, keys []string) ([][]byte, error)
	MSet(ctx context.Context, namespace string, values map[string]interface{}) error
}
