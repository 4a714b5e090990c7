package objects

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/beam-cloud/gvfs/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrObjectNotFound = errors.New("object not found")

// Remote is a backend that loose objects are fetched from.
type Remote interface {
	Get(ctx context.Context, key, localPath string) error
	RefreshCredentials(ctx context.Context) error
	URL() string
}

// S3Store fetches objects from an S3 compatible bucket.
type S3Store struct {
	client *s3.Client
	awsCfg aws.Config
	cfg    types.S3Config
}

func NewS3Store(ctx context.Context, cfg types.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("objects: s3 bucket is not configured")
	}

	awsCfg, err := buildAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("object store initialized")

	return &S3Store{client: client, awsCfg: awsCfg, cfg: cfg}, nil
}

func buildAWSConfig(ctx context.Context, cfg types.S3Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(3),
		config.WithRetryMode(aws.RetryModeStandard),
	}

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	return config.LoadDefaultConfig(ctx, opts...)
}

func (s *S3Store) URL() string {
	if s.cfg.Endpoint != "" {
		return strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket
	}
	return "s3://" + s.cfg.Bucket
}

// RefreshCredentials forces the credential chain to resolve, so a mount with no
// usable credentials fails at startup instead of on the first object fetch.
func (s *S3Store) RefreshCredentials(ctx context.Context) error {
	if s.awsCfg.Credentials == nil {
		return errors.New("no aws credentials provider configured")
	}
	if _, err := s.awsCfg.Credentials.Retrieve(ctx); err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	return nil
}

// Get downloads key to localPath through a temp file and an atomic rename.
func (s *S3Store) Get(ctx context.Context, key, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%s", localPath, uuid.New().String()[:6])
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	downloader := manager.NewDownloader(s.client)
	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(d *manager.Downloader) {
		d.Concurrency = 1
	})
	f.Close()

	if err != nil {
		os.Remove(tmpPath)
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("download: %w", err)
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
