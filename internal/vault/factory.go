package vault

import (
	"context"
	"fmt"

	"github.com/hydrusnetwork/tagrepo/internal/config"
)

// NewFromConfig creates a Vault implementation based on the configured
// backend type.
func NewFromConfig(ctx context.Context, cfg config.VaultConfig) (Vault, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryVault(), nil
	case "filesystem":
		return NewFileSystemVault(cfg.Path)
	case "minio":
		return NewMinioVault(ctx, MinioVaultConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown vault backend: %s", cfg.Backend)
	}
}
