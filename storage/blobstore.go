// Package storage implements the blob store adapter over any S3-compatible
// endpoint (AWS, MinIO, Hetzner). The ingest API issues presigned PUT URLs
// against it; the worker downloads document content from it to a local
// scratch path before running the pipeline.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"brant.roofing.org/common"
	"brant.roofing.org/config"
)

// BlobStore is the outbound blob-store contract used by the API and worker.
type BlobStore interface {
	// PresignPut issues a time-limited upload URL for an object.
	PresignPut(ctx context.Context, objectName, contentType string) (string, error)

	// Upload stores an object from a stream. Used by the direct multipart
	// upload path.
	Upload(ctx context.Context, objectName string, r io.Reader) error

	// Download fetches an object to a local temp path under destDir.
	Download(ctx context.Context, objectName, destDir string) (string, error)

	// Delete removes an object (invoked on FAILED/CANCELLED terminal
	// states per retention policy).
	Delete(ctx context.Context, objectName string) error

	// Ping verifies bucket access for health checks.
	Ping(ctx context.Context) error
}

// ObjectName builds the canonical object key for an uploaded document:
// uploads/{document_id}/{sanitized_filename}.
func ObjectName(documentID, filename string) string {
	return fmt.Sprintf("uploads/%s/%s", documentID, filename)
}

// ObjectNameFromRef extracts the object key from a stored blob reference.
// References look like "s3:{bucket}/{object}" or "file:{object}".
func ObjectNameFromRef(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "s3:"):
		rest := strings.TrimPrefix(ref, "s3:")
		if i := strings.IndexByte(rest, '/'); i > 0 && i < len(rest)-1 {
			return rest[i+1:], nil
		}
		return "", fmt.Errorf("malformed blob reference %q: %w", ref, common.ErrValidation)
	case strings.HasPrefix(ref, "file:"):
		rest := strings.TrimPrefix(ref, "file:")
		if rest == "" {
			return "", fmt.Errorf("malformed blob reference %q: %w", ref, common.ErrValidation)
		}
		return rest, nil
	default:
		return "", fmt.Errorf("unrecognized blob reference %q: %w", ref, common.ErrValidation)
	}
}

// S3BlobStore implements BlobStore against an S3-compatible endpoint.
type S3BlobStore struct {
	client    S3Client
	presigner S3Presigner
	bucket    string
	ttl       time.Duration
	uploader  *manager.Uploader
}

// NewS3BlobStore builds the adapter from configuration. Custom endpoints
// (MinIO and friends) use path-style addressing.
func NewS3BlobStore(ctx context.Context, cfg config.BlobConfig) (*S3BlobStore, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
			o.HTTPClient = &http.Client{}
		}
	})

	return &S3BlobStore{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		ttl:       cfg.PresignTTL,
		uploader:  manager.NewUploader(client),
	}, nil
}

// NewS3BlobStoreWithClients wires injected clients. Used by tests.
func NewS3BlobStoreWithClients(client S3Client, presigner S3Presigner, bucket string, ttl time.Duration) *S3BlobStore {
	return &S3BlobStore{client: client, presigner: presigner, bucket: bucket, ttl: ttl}
}

// PresignPut issues a time-limited PUT URL for objectName.
func (b *S3BlobStore) PresignPut(ctx context.Context, objectName, contentType string) (string, error) {
	req, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(objectName),
		ContentType: aws.String(contentType),
	}, presignExpires(b.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %v: %w", err, common.ErrUpstream)
	}
	return req.URL, nil
}

// Upload streams the content to objectName. The transfer manager splits
// large documents into concurrent multipart uploads.
func (b *S3BlobStore) Upload(ctx context.Context, objectName string, r io.Reader) error {
	if b.uploader != nil {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(objectName),
			Body:   r,
		})
		if err != nil {
			return fmt.Errorf("failed to upload object %s: %v: %w", objectName, err, common.ErrUpstream)
		}
		return nil
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectName),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %v: %w", objectName, err, common.ErrUpstream)
	}
	return nil
}

// Download streams an object to a file under destDir and returns its path.
// The partial file is removed on any failure.
func (b *S3BlobStore) Download(ctx context.Context, objectName, destDir string) (string, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get object %s: %v: %w", objectName, err, common.ErrUpstream)
	}
	defer out.Body.Close()

	dest := filepath.Join(destDir, filepath.Base(objectName))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create local file: %w", err)
	}

	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("failed to download object %s: %v: %w", objectName, err, common.ErrUpstream)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to finalize download: %w", err)
	}
	return dest, nil
}

// Delete removes an object.
func (b *S3BlobStore) Delete(ctx context.Context, objectName string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectName),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %v: %w", objectName, err, common.ErrUpstream)
	}
	return nil
}

// Ping checks bucket access.
func (b *S3BlobStore) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s unreachable: %v: %w", b.bucket, err, common.ErrUpstream)
	}
	return nil
}

// LocalBlobStore implements BlobStore on the local filesystem for
// deployments without an object store; only the direct-upload path works
// against it.
type LocalBlobStore struct {
	Root string
}

// PresignPut always fails: local storage has no presign facility.
func (l *LocalBlobStore) PresignPut(ctx context.Context, objectName, contentType string) (string, error) {
	return "", fmt.Errorf("blob store not configured: %w", common.ErrValidation)
}

// Upload writes the content under the local root.
func (l *LocalBlobStore) Upload(ctx context.Context, objectName string, r io.Reader) error {
	dest := filepath.Join(l.Root, objectName)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create storage dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create stored file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to store file: %w", err)
	}
	return f.Close()
}

// Download copies the stored file into destDir.
func (l *LocalBlobStore) Download(ctx context.Context, objectName, destDir string) (string, error) {
	src := filepath.Join(l.Root, objectName)
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open stored file: %w", err)
	}
	defer in.Close()

	dest := filepath.Join(destDir, filepath.Base(objectName))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create local copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return "", fmt.Errorf("failed to copy stored file: %w", err)
	}
	return dest, out.Close()
}

// Delete removes the stored file.
func (l *LocalBlobStore) Delete(ctx context.Context, objectName string) error {
	err := os.Remove(filepath.Join(l.Root, objectName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Ping verifies the root directory exists and is writable.
func (l *LocalBlobStore) Ping(ctx context.Context) error {
	return os.MkdirAll(l.Root, 0o750)
}
