package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hydrusnetwork/tagrepo/internal/apperr"
)

// MinioVault stores packages in an S3-compatible bucket, object names being
// the package hashes.
type MinioVault struct {
	client *minio.Client
	bucket string
}

// MinioVaultConfig describes an S3-compatible endpoint.
type MinioVaultConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioVault connects to the endpoint and ensures the bucket exists.
func NewMinioVault(ctx context.Context, cfg MinioVaultConfig) (*MinioVault, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("vault: minio endpoint and bucket required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperr.Storagef("connect to %s: %v", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, apperr.Storagef("check bucket %s: %v", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, apperr.Storagef("create bucket %s: %v", cfg.Bucket, err)
		}
	}

	return &MinioVault{client: client, bucket: cfg.Bucket}, nil
}

// Put stores package bytes under their hash, skipping objects that already
// exist.
func (v *MinioVault) Put(ctx context.Context, hash string, data []byte) error {
	exists, err := v.Has(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = v.client.PutObject(ctx, v.bucket, hash, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return apperr.Storagef("put package %s: %v", hash, err)
	}
	return nil
}

// Get retrieves package bytes by hash.
func (v *MinioVault) Get(ctx context.Context, hash string) ([]byte, error) {
	object, err := v.client.GetObject(ctx, v.bucket, hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Storagef("get package %s: %v", hash, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperr.NotFoundf("update package %s", hash)
		}
		return nil, apperr.Storagef("read package %s: %v", hash, err)
	}
	return data, nil
}

// Has reports whether a package object exists.
func (v *MinioVault) Has(ctx context.Context, hash string) (bool, error) {
	_, err := v.client.StatObject(ctx, v.bucket, hash, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, apperr.Storagef("stat package %s: %v", hash, err)
	}
	return true, nil
}
