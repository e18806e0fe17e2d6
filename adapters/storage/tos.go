package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/jackiexiao/asr-gateway/domain/repositories"
)

// TOSConfig configures the S3-compatible object storage the gateway uploads
// recorded audio to. TOS (the vendor's bucket service) speaks the S3 API on
// its tos-s3-{region}.volces.com endpoints, so any S3-compatible bucket
// works the same way.
type TOSConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
	PublicBaseURL   string
	ForcePathStyle  bool
	SignedURLTTL    time.Duration
}

func (c TOSConfig) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("object storage bucket is required")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return fmt.Errorf("object storage access key id and secret are required")
	}
	return nil
}

// TOSStorage implements repositories.ObjectStorage on top of an
// S3-compatible bucket.
type TOSStorage struct {
	client *minio.Client
	config TOSConfig
	logger *zap.Logger
}

var _ repositories.ObjectStorage = (*TOSStorage)(nil)

// NewTOSStorage creates the uploader. The endpoint defaults to the vendor's
// S3-compatible endpoint for the configured region.
func NewTOSStorage(config TOSConfig, logger *zap.Logger) (*TOSStorage, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	if config.Region == "" {
		config.Region = "cn-shanghai"
	}
	if config.Endpoint == "" {
		config.Endpoint = fmt.Sprintf("https://tos-s3-%s.volces.com", config.Region)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "volcengine-file-asr"
	}
	if config.SignedURLTTL <= 0 {
		config.SignedURLTTL = time.Hour
	}

	endpoint, err := url.Parse(config.Endpoint)
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid object storage endpoint: %q", config.Endpoint)
	}

	lookup := minio.BucketLookupDNS
	if config.ForcePathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(endpoint.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure:       endpoint.Scheme != "http",
		Region:       config.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	return &TOSStorage{client: client, config: config, logger: logger}, nil
}

// Upload stores the data under a date-partitioned key and returns a URL the
// transcription API can fetch: the public base URL when one is configured,
// otherwise a presigned GET link.
func (s *TOSStorage) Upload(ctx context.Context, fileName, contentType string, data []byte) (*repositories.StoredObject, error) {
	key := s.buildObjectKey(fileName)

	_, err := s.client.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("upload object %s: %w", key, err)
	}

	objectURL, err := s.objectURL(ctx, key)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Uploaded audio object",
		zap.String("key", key),
		zap.Int("size", len(data)))

	return &repositories.StoredObject{
		Key:         key,
		URL:         objectURL,
		ContentType: contentType,
		Size:        len(data),
	}, nil
}

func (s *TOSStorage) buildObjectKey(fileName string) string {
	return path.Join(
		s.config.KeyPrefix,
		time.Now().UTC().Format("2006/01/02"),
		uuid.NewString()+"-"+sanitizeFileName(fileName),
	)
}

func (s *TOSStorage) objectURL(ctx context.Context, key string) (string, error) {
	if s.config.PublicBaseURL != "" {
		return strings.TrimRight(s.config.PublicBaseURL, "/") + "/" + key, nil
	}
	signed, err := s.client.PresignedGetObject(ctx, s.config.Bucket, key, s.config.SignedURLTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	return signed.String(), nil
}

func sanitizeFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "audio"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
