package transport

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bamsammich/sdsync/internal/retry"
)

// S3Options configures an S3Source. Empty fields fall back to the AWS
// default credential chain and endpoint.
type S3Options struct {
	Endpoint  string // e.g. an R2 or MinIO URL; enables path-style addressing
	Region    string
	AccessKey string
	SecretKey string
}

// S3Source reads the manifest and files from a key prefix in a bucket.
type S3Source struct {
	client       *s3.Client
	bucket       string
	prefix       string
	manifestName string
}

var _ Source = (*S3Source)(nil)

// NewS3Source creates a source for bucket/prefix.
func NewS3Source(ctx context.Context, bucket, prefix, manifestName string, opts S3Options) (*S3Source, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrFetch, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	if manifestName == "" {
		manifestName = DefaultManifestName
	}
	return &S3Source{client: client, bucket: bucket, prefix: prefix, manifestName: manifestName}, nil
}

func (s *S3Source) OpenManifest(ctx context.Context) (Stream, error) {
	return s.Open(ctx, s.manifestName)
}

func (s *S3Source) Open(ctx context.Context, name string) (Stream, error) {
	key := s.Key(name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Stream{}, fetchError(name, errors.Join(ErrNotFound, err))
		}
		return Stream{}, retry.Retryable(fetchError(name, err))
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return Stream{ReadCloser: out.Body, Size: size}, nil
}

// Key returns the object key a manifest name maps to.
func (s *S3Source) Key(name string) string {
	return path.Join(s.prefix, cleanName(name))
}

func (s *S3Source) Close() error { return nil }
