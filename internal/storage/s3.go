// Package storage uploads session recordings to S3-compatible object storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/internal/config"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

// DefaultContentType is used when the caller names none.
const DefaultContentType = "video/webm"

var ErrMissingIDs = fmt.Errorf("%w: commerce and session ids are required", types.ErrInvalidInput)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type objectPresigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Recordings implements interfaces.RecordingStorage.
type S3Recordings struct {
	client    objectPutter
	presigner objectPresigner
	bucket    string
	region    string
	endpoint  string
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

var _ interfaces.RecordingStorage = (*S3Recordings)(nil)

// NewS3Recordings builds an S3 client from cfg. A custom endpoint switches
// to path-style addressing for S3-compatible stores.
func NewS3Recordings(ctx context.Context, cfg *config.StorageConfig) (*S3Recordings, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Recordings(client, s3.NewPresignClient(client), cfg), nil
}

func newS3Recordings(client objectPutter, presigner objectPresigner, cfg *config.StorageConfig) *S3Recordings {
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Recordings{
		client:    client,
		presigner: presigner,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		ttl:       ttl,
		now:       time.Now,
		logger:    log.With().Str("component", "storage").Logger(),
	}
}

// PresignUpload returns a PUT URL valid for the configured TTL.
func (s *S3Recordings) PresignUpload(ctx context.Context, commerceID, sessionID, contentType string) (*interfaces.UploadTicket, error) {
	key, err := s.objectKey(commerceID, sessionID)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return nil, fmt.Errorf("%w: presign upload: %v", types.ErrUpstreamUnavailable, err)
	}

	return &interfaces.UploadTicket{
		URL:       req.URL,
		Key:       key,
		Method:    http.MethodPut,
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	}, nil
}

// Upload stores body and returns the object's URL.
func (s *S3Recordings) Upload(ctx context.Context, commerceID, sessionID, contentType string, body io.Reader, size int64) (string, error) {
	key, err := s.objectKey(commerceID, sessionID)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("%w: upload recording: %v", types.ErrUpstreamUnavailable, err)
	}

	s.logger.Info().Str("session_id", sessionID).Str("key", key).Int64("bytes", size).Msg("recording uploaded")
	return s.objectURL(key), nil
}

// objectKey is commerceId/sessionId/<unix-ms>.
func (s *S3Recordings) objectKey(commerceID, sessionID string) (string, error) {
	if commerceID == "" || sessionID == "" {
		return "", ErrMissingIDs
	}
	return fmt.Sprintf("%s/%s/%d", url.PathEscape(commerceID), url.PathEscape(sessionID), s.now().UnixMilli()), nil
}

func (s *S3Recordings) objectURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}
