package ports

import (
	"context"
	"encoding/json"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

// MutateFunc receives the current document body and returns the replacement.
// Returning an error aborts the update and leaves the document untouched.
type MutateFunc func(current json.RawMessage) (json.RawMessage, error)

// DocumentStore is a keyed JSON document store with single-document atomic
// read-modify-write.
type DocumentStore interface {
	Get(ctx context.Context, key string) (domain.Document, error)
	Set(ctx context.Context, doc domain.Document) (domain.Document, error)
	Update(ctx context.Context, key string, mutate MutateFunc) (domain.Document, error)
}

// RateLimitStore holds one counter record per identity. Get reports whether a
// record exists. CompareAndSwap writes next only if the stored record still
// equals prev (nil prev means "no record yet") and reports whether it did.
type RateLimitStore interface {
	Get(ctx context.Context, identity string) (domain.RateLimitRecord, bool, error)
	Set(ctx context.Context, identity string, rec domain.RateLimitRecord) error
	CompareAndSwap(ctx context.Context, identity string, prev *domain.RateLimitRecord, next domain.RateLimitRecord) (bool, error)
}
