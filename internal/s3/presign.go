package s3

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Presigner is the part of *minio.Client used to sign downloads.
type Presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
}

// Service signs short-lived attachment download URLs.
type Service struct {
	Client Presigner
	Bucket string
	// TTL is the lifetime of generated URLs; MaxTTL caps it.
	TTL    time.Duration
	MaxTTL time.Duration
}

// DownloadURL signs a GET for objectKey that downloads as filename.
func (s Service) DownloadURL(ctx context.Context, objectKey, filename string) (string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return s.PresignGet(ctx, objectKey, filename, ttl)
}

// PresignGet creates a short-lived URL for downloading an object with forced Content-Disposition.
func (s Service) PresignGet(ctx context.Context, objectKey, filename string, ttl time.Duration) (string, error) {
	if s.Client == nil {
		return "", fmt.Errorf("object storage not configured")
	}
	if ttl <= 0 || (s.MaxTTL > 0 && ttl > s.MaxTTL) {
		return "", fmt.Errorf("invalid ttl")
	}
	vals := url.Values{}
	if filename != "" {
		vals.Set("response-content-disposition", "attachment; filename=\""+strings.ReplaceAll(filename, "\"", "")+"\"")
	}
	u, err := s.Client.PresignedGetObject(ctx, s.Bucket, objectKey, ttl, vals)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
