// Package storage provides the object-store adapter for workflow artifacts.
// It speaks the S3 API against a MinIO-compatible endpoint with path-style
// addressing and surfaces canonical download URLs for every uploaded object.
//
// Objects for a task live under the prefix <bucket>/<task_id>/. Directories
// are always compressed into a single archive before upload.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/wionch/yivideo/archive"
	"github.com/wionch/yivideo/config"
)

// ObjectStore uploads and retrieves workflow artifacts.
type ObjectStore struct {
	client        S3Client
	uploader      *manager.Uploader // set only when backed by a real SDK client
	bucket        string
	publicBaseURL string
	log           *logrus.Entry
}

// New connects to the configured S3-compatible endpoint and ensures the
// bucket exists.
func New(ctx context.Context, cfg config.MinioConfig, log *logrus.Entry) (*ObjectStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true // MinIO requires path-style addressing
	})

	store := &ObjectStore{
		client:        client,
		uploader:      manager.NewUploader(client),
		bucket:        cfg.Bucket,
		publicBaseURL: publicBase(cfg),
		log:           log.WithField("component", "objectstore"),
	}

	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewWithClient wraps an injected client. Used by tests; the multipart
// uploader is bypassed and uploads go through plain PutObject.
func NewWithClient(client S3Client, bucket, publicBaseURL string, log *logrus.Entry) *ObjectStore {
	return &ObjectStore{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		log:           log.WithField("component", "objectstore"),
	}
}

func publicBase(cfg config.MinioConfig) string {
	base := cfg.PublicBaseURL
	if base == "" {
		base = cfg.Endpoint
	}
	return strings.TrimRight(base, "/")
}

func (o *ObjectStore) ensureBucket(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	if err == nil {
		return nil
	}
	if _, err := o.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(o.bucket)}); err != nil {
		return fmt.Errorf("failed to ensure bucket %s: %w", o.bucket, err)
	}
	o.log.WithField("bucket", o.bucket).Info("created object store bucket")
	return nil
}

// ObjectURL returns the canonical download URL for an object key.
func (o *ObjectStore) ObjectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", o.publicBaseURL, o.bucket, strings.TrimLeft(key, "/"))
}

// Bucket returns the configured bucket name.
func (o *ObjectStore) Bucket() string { return o.bucket }

// UploadFile uploads a local file to the given object key and returns its
// canonical URL.
func (o *ObjectStore) UploadFile(ctx context.Context, localPath, objectKey string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = file.Close() }()

	input := &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(objectKey),
		Body:   file,
	}
	if o.uploader != nil {
		_, err = o.uploader.Upload(ctx, input)
	} else {
		_, err = o.client.PutObject(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload %s to %s: %w", localPath, objectKey, err)
	}

	o.log.WithFields(logrus.Fields{
		"key":   objectKey,
		"local": localPath,
	}).Debug("uploaded object")
	return o.ObjectURL(objectKey), nil
}

// UploadTaskFile uploads a file under the task prefix (<task_id>/<basename>).
func (o *ObjectStore) UploadTaskFile(ctx context.Context, taskID, localPath string) (string, error) {
	return o.UploadFile(ctx, localPath, taskID+"/"+filepath.Base(localPath))
}

// UploadDirectory compresses a directory into a single archive, uploads it
// under the task prefix, and returns the archive URL plus compression info.
// The directory is never uploaded file by file.
func (o *ObjectStore) UploadDirectory(ctx context.Context, taskID, dirPath string) (string, *archive.CompressionInfo, error) {
	archivePath, info, err := archive.ZipDirectory(dirPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to compress %s: %w", dirPath, err)
	}
	defer func() { _ = os.Remove(archivePath) }()

	url, err := o.UploadTaskFile(ctx, taskID, archivePath)
	if err != nil {
		return "", nil, err
	}

	o.log.WithFields(logrus.Fields{
		"dir":         dirPath,
		"files":       info.FilesCount,
		"compressed":  info.CompressedSize,
		"original":    info.OriginalSize,
	}).Info("uploaded directory archive")
	return url, info, nil
}

// Download returns a reader over the object body and its size.
func (o *ObjectStore) Download(ctx context.Context, objectKey string) (io.ReadCloser, int64, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download %s: %w", objectKey, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// DownloadToFile streams an object into a local file.
func (o *ObjectStore) DownloadToFile(ctx context.Context, objectKey, localPath string) error {
	body, _, err := o.Download(ctx, objectKey)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (o *ObjectStore) Delete(ctx context.Context, objectKey string) error {
	_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", objectKey, err)
	}
	return nil
}

// Stat returns the size of an object, or an error when it does not exist.
func (o *ObjectStore) Stat(ctx context.Context, objectKey string) (int64, error) {
	out, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return 0, err
	}
	if out.ContentLength == nil {
		return 0, errors.New("object has no content length")
	}
	return *out.ContentLength, nil
}

// Ping verifies the bucket is reachable.
func (o *ObjectStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	return err
}
