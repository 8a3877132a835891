package coldtier

import (
	"context"
	"objcache/internal/types"
)

// ObjectReader is the read side of the cold tier.
type ObjectReader interface {
	// GetRange returns bytes [rng.Start, rng.End) of an object.
	GetRange(ctx context.Context, bucket, key string, rng types.Range) ([]byte, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Client is everything the service needs from an object store.
type Client interface {
	MultipartClient
	ObjectReader
	EnsureBucket(ctx context.Context, bucket string) error
}
