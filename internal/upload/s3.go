package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PresignAPI is the subset of the S3 presign client used by S3LinkIssuer.
type PresignAPI interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3LinkIssuer presigns object URLs under <protocol>/<fileKey>.
type S3LinkIssuer struct {
	presign PresignAPI
	bucket  string
	ttl     time.Duration
}

func NewS3LinkIssuer(presign PresignAPI, bucket string, ttl time.Duration) *S3LinkIssuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3LinkIssuer{presign: presign, bucket: bucket, ttl: ttl}
}

// Enabled reports whether a bucket and client are configured.
func (s *S3LinkIssuer) Enabled() bool {
	return s != nil && s.presign != nil && s.bucket != ""
}

func objectKey(protocol, fileKey string) (string, error) {
	protocol = strings.Trim(strings.TrimSpace(protocol), "/")
	fileKey = strings.Trim(strings.TrimSpace(fileKey), "/")
	if protocol == "" || fileKey == "" {
		return "", errors.New("upload: protocol and file key required")
	}
	if strings.Contains(fileKey, "..") {
		return "", fmt.Errorf("upload: invalid file key %q", fileKey)
	}
	return protocol + "/" + fileKey, nil
}

func (s *S3LinkIssuer) RequestUploadLink(ctx context.Context, protocol, fileKey, mimeType string) (string, error) {
	key, err := objectKey(protocol, fileKey)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(mimeType),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("upload: presign put %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *S3LinkIssuer) RequestDownloadLink(ctx context.Context, protocol, fileKey string) (string, error) {
	key, err := objectKey(protocol, fileKey)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("upload: presign get %s: %w", key, err)
	}
	return req.URL, nil
}
