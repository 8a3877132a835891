package coldtier

import (
	"context"
	"fmt"
	"io"
	"objcache/internal/types"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig describes an S3-compatible endpoint reached through minio-go.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// MinioClient implements Client with the low-level minio-go Core API, which
// exposes the multipart calls individually.
type MinioClient struct {
	core   *minio.Core
	region string
}

func NewMinioClient(cfg MinioConfig) (*MinioClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client for %s: %w", cfg.Endpoint, err)
	}
	return &MinioClient{core: core, region: region}, nil
}

func (c *MinioClient) CreateSession(ctx context.Context, bucket, key string) (string, error) {
	return c.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{ContentType: "application/octet-stream"})
}

func (c *MinioClient) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	part, err := c.core.PutObjectPart(ctx, bucket, key, uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

func (c *MinioClient) CompleteSession(ctx context.Context, bucket, key, uploadID string, parts []Part) error {
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: p.Number, ETag: p.ETag})
	}
	_, err := c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, complete, minio.PutObjectOptions{})
	return err
}

func (c *MinioClient) AbortSession(ctx context.Context, bucket, key, uploadID string) error {
	return c.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

func (c *MinioClient) get(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) ([]byte, error) {
	body, _, _, err := c.core.GetObject(ctx, bucket, key, opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (c *MinioClient) GetRange(ctx context.Context, bucket, key string, rng types.Range) ([]byte, error) {
	if rng.Len() == 0 {
		return []byte{}, nil
	}

	var opts minio.GetObjectOptions
	// minio ranges are inclusive.
	if err := opts.SetRange(rng.Start, rng.End-1); err != nil {
		return nil, err
	}

	data, err := c.get(ctx, bucket, key, opts)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != rng.Len() {
		return nil, fmt.Errorf("%s/%s range %s: got %d bytes: %w", bucket, key, rng, len(data), io.ErrUnexpectedEOF)
	}
	return data, nil
}

func (c *MinioClient) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return c.get(ctx, bucket, key, minio.GetObjectOptions{})
}

func (c *MinioClient) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for info := range c.core.Client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %q: %w", bucket, info.Err)
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func (c *MinioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.core.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := c.core.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
		}
	}
	return nil
}
