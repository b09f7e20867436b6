package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// S3API is the subset of the S3 client the broker uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3ClientFactory builds a client for a workspace's broker settings.
type S3ClientFactory func(ctx context.Context, cfg core.BrokerConfig) (S3API, error)

// NewS3Client loads the default AWS configuration, overriding the region
// and endpoint when the workspace sets them.
func NewS3Client(ctx context.Context, cfg core.BrokerConfig) (S3API, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Broker stores files as objects in one bucket, keyed by workspace path.
type S3Broker struct {
	client S3API
	bucket string
}

// NewS3Broker creates a broker for bucket.
func NewS3Broker(client S3API, bucket string) *S3Broker {
	return &S3Broker{client: client, bucket: bucket}
}

func (b *S3Broker) Download(ctx context.Context, f *core.File, dst string) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(f.FilePath),
	})
	if err != nil {
		return fmt.Errorf("%w: get s3://%s/%s: %v", ErrUnavailable, b.bucket, f.FilePath, err)
	}
	defer out.Body.Close()
	if _, err := writeFile(dst, out.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *S3Broker) Upload(ctx context.Context, src, path string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, errors.New("cannot upload a directory")
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(path),
		Body:          in,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: put s3://%s/%s: %v", ErrUnavailable, b.bucket, path, err)
	}
	return info.Size(), nil
}

func (b *S3Broker) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("%w: delete s3://%s/%s: %v", ErrUnavailable, b.bucket, path, err)
	}
	return nil
}
