package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	mu      sync.Mutex
	Objects map[string]*MockS3Object
	Buckets map[string]bool
	// Err is returned from every operation when set.
	Err error

	PutObjectCalled    bool
	GetObjectCalled    bool
	DeleteObjectCalled bool
	LastBucket         string
	LastObjectKey      string
}

// MockS3Object holds one stored object.
type MockS3Object struct {
	Key     string
	Content []byte
}

// NewMockS3Client creates an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

// HeadBucket mocks bucket existence checks.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

// CreateBucket mocks bucket creation.
func (m *MockS3Client) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Buckets[*params.Bucket] = true
	return &s3.CreateBucketOutput{}, nil
}

// PutObject mocks object upload.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	var content []byte
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		content = data
	}
	m.Objects[*params.Key] = &MockS3Object{Key: *params.Key, Content: content}
	return &s3.PutObjectOutput{}, nil
}

// GetObject mocks object retrieval.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	size := int64(len(obj.Content))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Content)),
		ContentLength: aws.Int64(size),
	}, nil
}

// HeadObject mocks metadata retrieval.
func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.Objects[*params.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.Content)))}, nil
}

// DeleteObject mocks object deletion.
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteObjectCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	delete(m.Objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 mocks prefix listing.
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	prefix := ""
	if params.Prefix != nil {
		prefix = *params.Prefix
	}
	var contents []types.Object
	for key, obj := range m.Objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{
				Key:  aws.String(key),
				Size: aws.Int64(int64(len(obj.Content))),
			})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}
