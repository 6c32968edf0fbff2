// Package vault stores sealed update packages as immutable, hash-addressed
// blobs. The builder writes a package here before the metadata index ever
// references it, so a hash present in the index is always retrievable.
package vault

import "context"

// Vault is a content-addressed blob store for update packages. Put is
// idempotent: storing the same hash twice is safe and never rewrites.
type Vault interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
}
