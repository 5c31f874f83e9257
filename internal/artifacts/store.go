// Package artifacts provides object storage for session workspaces.
//
// Workspace files live under a per-session prefix
// (sessions/{session_id}/{relative_path}) and are removed wholesale when
// the session reaches a terminal state. Small objects are served inline;
// objects above the configured threshold are served via a presigned URL
// so the control plane never buffers large downloads.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

// presignExpiry bounds how long a handed-out download URL stays valid.
const presignExpiry = 15 * time.Minute

// Config holds artifact store connection settings.
type Config struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Bucket      string
	UseSSL      bool
	InlineLimit int64 // bytes; larger objects download via presigned URL
}

// Store wraps a minio client with the per-session workspace layout.
type Store struct {
	mc          *minio.Client
	bucket      string
	inlineLimit int64
}

// NewStore creates the artifact store client and ensures the bucket exists.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("artifact store endpoint cannot be empty")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Artifacts().Info().Str("bucket", cfg.Bucket).Msg("Created artifact bucket")
	}

	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = 10 * 1024 * 1024
	}

	return &Store{mc: mc, bucket: cfg.Bucket, inlineLimit: cfg.InlineLimit}, nil
}

// objectKey maps a session-relative path to its bucket key.
func objectKey(sessionID, relPath string) string {
	return fmt.Sprintf("sessions/%s/%s", sessionID, strings.TrimPrefix(relPath, "/"))
}

// sessionPrefix is the key prefix holding every object of a session.
func sessionPrefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/", sessionID)
}

// Upload stores a workspace file. Size may be -1 when unknown; minio then
// streams with multipart upload.
func (s *Store) Upload(ctx context.Context, sessionID, relPath string, r io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := objectKey(sessionID, relPath)

	_, err := s.mc.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperrors.ArtifactStore(fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err), isTransient(err))
	}
	return nil
}

// Download describes how to retrieve a workspace file: a reader for small
// objects, a presigned URL for objects above the inline threshold.
type Download struct {
	// Reader streams the object when it fits the inline threshold.
	// Caller closes it. Nil when RedirectURL is set.
	Reader io.ReadCloser

	// RedirectURL is a presigned GET URL for large objects.
	RedirectURL string

	SizeBytes   int64
	ContentType string
}

// DownloadFile fetches a workspace file, inline or via presigned URL.
func (s *Store) DownloadFile(ctx context.Context, sessionID, relPath string) (*Download, error) {
	key := objectKey(sessionID, relPath)

	stat, err := s.mc.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, apperrors.NotFound("file", relPath)
		}
		return nil, apperrors.ArtifactStore(fmt.Errorf("failed to stat s3://%s/%s: %w", s.bucket, key, err), isTransient(err))
	}

	if stat.Size > s.inlineLimit {
		u, err := s.mc.PresignedGetObject(ctx, s.bucket, key, presignExpiry, nil)
		if err != nil {
			return nil, apperrors.ArtifactStore(fmt.Errorf("failed to presign s3://%s/%s: %w", s.bucket, key, err), isTransient(err))
		}
		return &Download{RedirectURL: u.String(), SizeBytes: stat.Size, ContentType: stat.ContentType}, nil
	}

	obj, err := s.mc.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.ArtifactStore(fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, key, err), isTransient(err))
	}
	return &Download{Reader: obj, SizeBytes: stat.Size, ContentType: stat.ContentType}, nil
}

// List enumerates the workspace files of a session.
func (s *Store) List(ctx context.Context, sessionID string) ([]db.ArtifactDescriptor, error) {
	prefix := sessionPrefix(sessionID)

	var descriptors []db.ArtifactDescriptor
	for obj := range s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, apperrors.ArtifactStore(fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, obj.Err), isTransient(obj.Err))
		}
		descriptors = append(descriptors, db.ArtifactDescriptor{
			Path:      strings.TrimPrefix(obj.Key, prefix),
			SizeBytes: obj.Size,
			MimeType:  obj.ContentType,
			Kind:      db.ArtifactKindArtifact,
			Checksum:  obj.ETag,
			CreatedAt: obj.LastModified,
		})
	}
	return descriptors, nil
}

// DeleteAll removes every object under the session's prefix. Deleting a
// session that has no objects (or was already deleted) succeeds.
func (s *Store) DeleteAll(ctx context.Context, sessionID string) error {
	prefix := sessionPrefix(sessionID)

	objects := s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for result := range s.mc.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			if resp := minio.ToErrorResponse(result.Err); resp.Code == "NoSuchKey" {
				continue
			}
			return apperrors.ArtifactStore(fmt.Errorf("failed to delete s3://%s/%s: %w", s.bucket, result.ObjectName, result.Err), isTransient(result.Err))
		}
	}

	logger.Artifacts().Debug().Str("session_id", sessionID).Msg("Deleted session artifacts")
	return nil
}

// Ping verifies the store is reachable, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("artifact store unreachable: %w", err)
	}
	return nil
}

// isTransient reports whether a minio error is worth retrying (5xx-class
// server trouble, as opposed to a 4xx request problem).
func isTransient(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode >= 500 || resp.StatusCode == 0
}
