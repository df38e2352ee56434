// Package archive keeps rendered exports in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

const defaultLinkTTL = 15 * time.Minute

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	LinkTTL   time.Duration
}

// objectStore is the part of *minio.Client the archive calls.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type Archive struct {
	client  objectStore
	bucket  string
	region  string
	linkTTL time.Duration
	logger  zerolog.Logger
}

// Object describes one stored export.
type Object struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Archive, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	a := newArchive(client, cfg, logger)
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newArchive(client objectStore, cfg Config, logger zerolog.Logger) *Archive {
	ttl := cfg.LinkTTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	return &Archive{
		client:  client,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		linkTTL: ttl,
		logger:  logger.With().Str("component", "archive").Logger(),
	}
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info().Str("bucket", a.bucket).Msg("created export bucket")
	return nil
}

// ObjectKey is procedures/<id>/v<reviewVersion>/<filename>.
func ObjectKey(procedureID string, reviewVersion int, filename string) string {
	return path.Join("procedures", procedureID, fmt.Sprintf("v%d", reviewVersion), path.Base(filename))
}

// Put stores data and returns a presigned download link for it.
func (a *Archive) Put(ctx context.Context, procedureID string, reviewVersion int, filename, contentType string, data []byte) (Object, error) {
	key := ObjectKey(procedureID, reviewVersion, filename)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"procedure-id":   procedureID,
			"review-version": fmt.Sprintf("%d", reviewVersion),
		},
	})
	if err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}
	obj, err := a.Link(ctx, key, filename)
	if err != nil {
		return Object{}, err
	}
	obj.Size = info.Size
	obj.ContentType = contentType
	return obj, nil
}

// Link presigns a download URL for an existing key.
func (a *Archive) Link(ctx context.Context, key, filename string) (Object, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(filename)))
	}
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, a.linkTTL, params)
	if err != nil {
		return Object{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return Object{Key: key, URL: u.String(), ExpiresAt: time.Now().Add(a.linkTTL)}, nil
}

// RemoveProcedure deletes every archived export of a procedure.
func (a *Archive) RemoveProcedure(ctx context.Context, procedureID string) (int, error) {
	prefix := path.Join("procedures", procedureID) + "/"
	removed := 0
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}
	return removed, nil
}
