// Package storage holds raw upload bytes in S3-compatible object storage.
// Objects are content addressed: the key embeds the file hash, so identical
// uploads share one object and writes are idempotent.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/topiary-ai/topiary/internal/util"
)

// ContentStore reads and writes raw source bytes in a single bucket.
type ContentStore struct {
	client *s3.Client
	bucket string
}

// NewS3Client builds an S3 client from AWS_REGION, AWS_ENDPOINT,
// AWS_ACCESS_KEY and AWS_SECRET_KEY. Path-style addressing keeps MinIO and
// other S3-compatible stores working.
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(util.GetEnv("AWS_REGION")),
		config.WithBaseEndpoint(util.GetEnv("AWS_ENDPOINT")),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			util.GetEnv("AWS_ACCESS_KEY"),
			util.GetEnv("AWS_SECRET_KEY"),
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure S3 client: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// NewContentStore wraps an S3 client for the bucket named by AWS_BUCKET.
func NewContentStore(client *s3.Client) *ContentStore {
	return &ContentStore{
		client: client,
		bucket: util.GetEnv("AWS_BUCKET"),
	}
}

// ContentKey is the object key for an uploaded file with the given hash.
// The original extension is kept so content types survive the round trip.
func ContentKey(fileHash, originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	return "content/" + fileHash + ext
}

// PutContent uploads data under its content key. Rewriting an existing key
// is harmless: the bytes are identical by construction.
func (c *ContentStore) PutContent(ctx context.Context, key string, data []byte) error {
	mimeType := mime.TypeByExtension(filepath.Ext(key))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// GetContent downloads the object stored under key.
func (c *ContentStore) GetContent(ctx context.Context, key string) ([]byte, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// ContentExists reports whether an object is already stored under key, so
// duplicate uploads can skip the transfer.
func (c *ContentStore) ContentExists(ctx context.Context, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return true, nil
}

// DeleteContent removes the object stored under key.
func (c *ContentStore) DeleteContent(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
