// Package localstore is the device-local persistence layer: a namespaced
// key/value store that never fails loudly, and the prompt library built on it.
package localstore

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by a Medium that refuses a value because it
// is larger than the configured per-value quota.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Medium is the raw storage underneath a Store. Values are serialized text.
type Medium interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
