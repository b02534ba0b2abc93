package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	// FolderExports is the S3 prefix for generated attendance tables.
	FolderExports = "exports"
	// MaxLogSize is the largest attendance log the service will download (20MB).
	MaxLogSize = 20 * 1024 * 1024
)

// ErrObjectTooLarge is returned for an object larger than MaxLogSize.
var ErrObjectTooLarge = errors.New("object exceeds maximum attendance log size")

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	PresignExpireMinutes int
}

// S3 reads attendance logs from a bucket and uploads exports to it. Calls go
// through a circuit breaker so a failing bucket stops a batch quickly.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cb       *gobreaker.CircuitBreaker[any]
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("S3 client using credentials from .env/config", zap.String("region", cfg.Region), zap.String("bucket", cfg.Bucket))
	} else {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3{
		client:   client,
		uploader: manager.NewUploader(client),
		cb:       newBreaker("s3:"+cfg.Bucket, logger),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Bucket returns the configured bucket name.
func (s *S3) Bucket() string { return s.cfg.Bucket }

// ExportKey returns the default export key for a prefix: exports/{prefix}/attendance.csv.
func ExportKey(prefix string) string {
	return path.Join(FolderExports, strings.Trim(prefix, "/"), "attendance.csv")
}

// IsLogKey reports whether key looks like an attendance log: a CSV or TXT
// object outside the exports folder.
func IsLogKey(key string) bool {
	if strings.HasPrefix(key, FolderExports+"/") || strings.HasSuffix(key, "/") {
		return false
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".csv", ".txt", ".tsv":
		return true
	}
	return false
}

// ListKeys returns every attendance log key under prefix, in listing order.
func (s *S3) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	res, err := s.cb.Execute(func() (any, error) {
		var keys []string
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.cfg.Bucket),
			Prefix: aws.String(prefix),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, fmt.Errorf("list objects: %w", err)
			}
			for _, obj := range page.Contents {
				if key := aws.ToString(obj.Key); IsLogKey(key) {
					keys = append(keys, key)
				}
			}
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	keys, _ := res.([]string)
	return keys, nil
}

// GetObject returns the object body. Caller must close it.
func (s *S3) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	res, err := s.cb.Execute(func() (any, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", key, err)
		}
		if aws.ToInt64(out.ContentLength) > MaxLogSize {
			out.Body.Close()
			return nil, fmt.Errorf("%w: %s", ErrObjectTooLarge, key)
		}
		return out.Body, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(io.ReadCloser), nil
}

// Upload streams body to key and returns the object URL.
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	_, err := s.cb.Execute(func() (any, error) {
		return s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        body,
			ContentType: aws.String(contentType),
		})
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	s.logger.Info("uploaded export", zap.String("bucket", s.cfg.Bucket), zap.String("key", key))
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key), nil
}

// GeneratePresignedDownloadURL returns a pre-signed GET URL for key. The
// object does not need to exist yet.
func (s *S3) GeneratePresignedDownloadURL(ctx context.Context, key string) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.PresignExpire()
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}
