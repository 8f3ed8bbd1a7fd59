// Package archive stores finished ledger exports in S3-compatible object
// storage and issues presigned download URLs for them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Validation errors
var (
	ErrInvalidScopeID  = errors.New("invalid scope ID")
	ErrInvalidCategory = errors.New("invalid category")
)

// DownloadURL is a presigned GET URL for a stored export.
type DownloadURL struct {
	URL       string    `json:"url"`        // Pre-signed GET URL
	Key       string    `json:"key"`        // Object key in the bucket
	ExpiresAt time.Time `json:"expires_at"` // URL expiration time
}

// Service stores export objects and presigns downloads.
type Service struct {
	s3Client      *s3.Client
	presignClient *s3.PresignClient
	bucketName    string
	urlExpiry     time.Duration
	timeNow       func() time.Time // For testability
}

// ServiceConfig holds configuration for the archive service.
type ServiceConfig struct {
	BucketName       string
	AccessKeyID      string
	SecretAccessKey  string
	Endpoint         string
	Region           string // Default: "auto" (R2)
	URLExpiryMinutes int    // Default: 15 minutes
}

// NewService creates a new archive service with the given configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if cfg.URLExpiryMinutes <= 0 {
		cfg.URLExpiryMinutes = 15
	}

	// R2 and MinIO require path-style addressing.
	s3Client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	presignClient := s3.NewPresignClient(s3Client)

	return &Service{
		s3Client:      s3Client,
		presignClient: presignClient,
		bucketName:    cfg.BucketName,
		urlExpiry:     time.Duration(cfg.URLExpiryMinutes) * time.Minute,
		timeNow:       time.Now,
	}, nil
}

// ObjectKey builds a unique object key for an export.
// Pattern: exports/{scopeID}/{category}/{timestamp}-{uuid}.{ext}
func ObjectKey(scopeID, category, ext string, ts time.Time) (string, error) {
	scope := sanitizePathComponent(scopeID)
	if scope == "" {
		return "", ErrInvalidScopeID
	}
	cat := sanitizePathComponent(category)
	if cat == "" {
		return "", ErrInvalidCategory
	}

	stamp := ts.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("exports/%s/%s/%s-%s.%s", scope, cat, stamp, uuid.New().String(), ext), nil
}

// sanitizePathComponent removes potentially dangerous characters from path components.
func sanitizePathComponent(s string) string {
	// Only allow alphanumeric, hyphens, and underscores
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Store uploads an export object. The scope and category land in the object
// metadata so bucket listings can be audited without re-parsing keys.
func (s *Service) Store(ctx context.Context, key, contentType string, body io.Reader, meta map[string]string) error {
	putInput := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if len(meta) > 0 {
		putInput.Metadata = meta
	}

	if _, err := s.s3Client.PutObject(ctx, putInput); err != nil {
		return fmt.Errorf("failed to store export object: %w", err)
	}
	return nil
}

// PresignDownload generates a pre-signed GET URL for a stored export.
func (s *Service) PresignDownload(ctx context.Context, key string) (*DownloadURL, error) {
	getObjectInput := &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}

	presignedReq, err := s.presignClient.PresignGetObject(ctx, getObjectInput, func(opts *s3.PresignOptions) {
		opts.Expires = s.urlExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign download: %w", err)
	}

	return &DownloadURL{
		URL:       presignedReq.URL,
		Key:       key,
		ExpiresAt: s.timeNow().Add(s.urlExpiry),
	}, nil
}
