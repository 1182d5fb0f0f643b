package archive

import (
	"bytes"
	"context"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

// Config defines where delivered exports land.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // MinIO or LocalStack; switches to path-style addressing

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string

	EnableEncryption bool
	KMSKeyID         string
}

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes export objects to a bucket.
type S3Sink struct {
	client PutObjectAPI
	config Config
	logger *zap.Logger
}

// NewS3Sink loads AWS configuration and creates a sink.
func NewS3Sink(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewValidationError("MISSING_BUCKET", "s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewInternalError("failed to load AWS config").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg, logger)
}

// NewS3SinkWithClient creates a sink over an existing client.
func NewS3SinkWithClient(client PutObjectAPI, cfg Config, logger *zap.Logger) (*S3Sink, error) {
	if client == nil {
		return nil, errors.NewValidationError("MISSING_CLIENT", "s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.NewValidationError("MISSING_BUCKET", "s3 bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Sink{client: client, config: cfg, logger: logger}, nil
}

// Put uploads body under the configured prefix.
func (s *S3Sink) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if key == "" {
		return errors.NewValidationError("MISSING_KEY", "object key is required")
	}
	fullKey := s.objectKey(key)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	}
	if s.config.EnableEncryption {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
		if s.config.KMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(s.config.KMSKeyID)
		}
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		s.logger.Error("Failed to upload export object",
			zap.String("bucket", s.config.Bucket),
			zap.String("key", fullKey),
			zap.Error(err))
		return errors.NewStorageError("EXPORT_UPLOAD_FAILED", "failed to upload export object").WithCause(err)
	}

	s.logger.Info("Uploaded export object",
		zap.String("bucket", s.config.Bucket),
		zap.String("key", fullKey),
		zap.Int("bytes", len(body)))
	return nil
}

func (s *S3Sink) objectKey(key string) string {
	prefix := strings.Trim(s.config.Prefix, "/")
	if prefix == "" {
		return strings.TrimPrefix(key, "/")
	}
	return path.Join(prefix, key)
}
