package oracle

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cloudlearn/corelms/internal/apperr"
)

// MinioMediaService implements MediaService over minio-go/v7, built the
// way the teacher's storage.Service constructs its client (static V4
// credentials, configurable endpoint/secure flag).
type MinioMediaService struct {
	client *minio.Client
	bucket string
}

func NewMinioMediaService(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioMediaService, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "failed to construct minio client")
	}
	return &MinioMediaService{client: client, bucket: bucket}, nil
}

// PresignedURL returns a GET URL for storagePath valid for ttlSeconds,
// clamped to MinIO's maximum presign duration of 7 days.
func (m *MinioMediaService) PresignedURL(ctx context.Context, storagePath string, ttlSeconds int) (string, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = 600
	}
	maxTTL := 7 * 24 * 3600
	if ttlSeconds > maxTTL {
		ttlSeconds = maxTTL
	}

	u, err := m.client.PresignedGetObject(ctx, m.bucket, storagePath, time.Duration(ttlSeconds)*time.Second, url.Values{})
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, err, "failed to presign object url")
	}
	return u.String(), nil
}
