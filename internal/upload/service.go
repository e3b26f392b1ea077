// Package upload stores slide images in S3-compatible object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"slidequick/api/internal/util"
)

// ErrUnsupportedType indicates the uploaded file is not an allowed image type.
var ErrUnsupportedType = errors.New("upload unsupported content type")

// MaxImageSize caps slide image uploads at 10 MiB.
const MaxImageSize = 10 << 20

var extByType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Service uploads images to a MinIO/S3 bucket and returns public URLs.
type Service struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewService connects to the object store and ensures the bucket exists.
func NewService(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
		log.Printf("upload: created bucket %s", bucket)
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return &Service{
		client:  client,
		bucket:  bucket,
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// UploadImage stores an image under a random key and returns its public URL.
func (s *Service) UploadImage(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	ext, ok := extByType[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	key := path.Join("images", util.NewID("")+ext)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("minio put object: %w", err)
	}
	return s.baseURL + "/" + key, nil
}
