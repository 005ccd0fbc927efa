package fragmentsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/moolen/lineagectx/internal/config"
	"github.com/moolen/lineagectx/internal/logging"
	"github.com/moolen/lineagectx/internal/models"
)

// ObjectSource serves fragment files from an S3-compatible bucket.
type ObjectSource struct {
	client *minio.Client
	bucket string
	prefix string
	logger *logging.Logger
}

// ValidateObjectStore checks the object store section.
func ValidateObjectStore(cfg config.ObjectStoreConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("object store endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return fmt.Errorf("object store endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return errors.New("object store bucket is required")
	}
	return nil
}

// NewObjectSource builds a minio client for cfg. No request is made until
// the first List or Open.
func NewObjectSource(cfg config.ObjectStoreConfig) (*ObjectSource, error) {
	if err := ValidateObjectStore(cfg); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &ObjectSource{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimPrefix(cfg.Prefix, "/"),
		logger: logging.GetLogger("fragmentsource"),
	}, nil
}

// List returns fragment objects under the configured prefix plus prefix.
// Keys are returned relative to the configured prefix.
func (s *ObjectSource) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	full := s.prefix + prefix
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, models.NewEngineError(models.KindUnavailable, "list fragments", obj.Err, "bucket %s", s.bucket)
		}
		if !IsFragmentFile(obj.Key) {
			continue
		}
		out = append(out, Object{
			Key:          strings.TrimPrefix(obj.Key, s.prefix),
			LastModified: obj.LastModified.UTC(),
			Size:         obj.Size,
		})
	}
	sortNewestFirst(out)
	s.logger.Debug("Listed %d fragments under %s/%s", len(out), s.bucket, full)
	return out, nil
}

func (s *ObjectSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	full := s.prefix + key
	obj, err := s.client.GetObject(ctx, s.bucket, full, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.classify(err, full)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.classify(err, full)
	}
	return obj, nil
}

func (s *ObjectSource) classify(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return models.NewEngineError(models.KindNotFound, "open fragment", err, "%s/%s", s.bucket, key)
	}
	return models.NewEngineError(models.KindUnavailable, "open fragment", err, "%s/%s", s.bucket, key)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
