package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"codeforge/pkg/config"
)

// PutObjectAPI is the subset of the S3 client the mirror uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror copies artifacts to a bucket under a key prefix.
type S3Mirror struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Mirror builds a mirror from storage config. It returns nil when no
// bucket is configured.
func NewS3Mirror(ctx context.Context, cfg config.StorageConfig) (*S3Mirror, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3MirrorWithClient(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

// NewS3MirrorWithClient wraps an existing client.
func NewS3MirrorWithClient(client PutObjectAPI, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

// Put implements Mirror.
func (m *S3Mirror) Put(ctx context.Context, key string, body []byte) error {
	full := path.Join(m.prefix, key)
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(full),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, full, err)
	}
	return nil
}

var _ Mirror = (*S3Mirror)(nil)
