package ports

import (
	"context"
)

// DataBackend defines the storage used by the Datastore service.
// Values are opaque JSON encodings; change detection and fan-out happen
// above this layer, so a backend only has to be a faithful byte map.
type DataBackend interface {
	// Get returns the encoded value of key in domain.
	// Returns domain.ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, domain, key string) ([]byte, error)

	// Put stores the encoded value of key in domain.
	Put(ctx context.Context, domain, key string, value []byte) error

	// Delete removes key from domain. Deleting a missing key is not an error.
	Delete(ctx context.Context, domain, key string) error

	// Keys lists the keys currently stored in domain.
	Keys(ctx context.Context, domain string) ([]string, error)

	// Drop removes every key of domain.
	Drop(ctx context.Context, domain string) error
}
