package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	// Objects maps key -> content.
	Objects map[string][]byte

	HeadBucketErr   error
	GetObjectErr    error
	PutObjectErr    error
	DeleteObjectErr error

	DeletedKeys []string
}

// NewMockS3Client creates an empty in-memory client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{Objects: make(map[string][]byte)}
}

// HeadBucket mocks a bucket existence check.
func (m *MockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if m.HeadBucketErr != nil {
		return nil, m.HeadBucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

// GetObject returns stored content or an error for missing keys.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.GetObjectErr != nil {
		return nil, m.GetObjectErr
	}
	content, ok := m.Objects[*params.Key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", *params.Key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(content))}, nil
}

// PutObject stores content in memory.
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.PutObjectErr != nil {
		return nil, m.PutObjectErr
	}
	content, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.Objects[*params.Key] = content
	return &s3.PutObjectOutput{}, nil
}

// DeleteObject removes content and records the key.
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.DeleteObjectErr != nil {
		return nil, m.DeleteObjectErr
	}
	delete(m.Objects, *params.Key)
	m.DeletedKeys = append(m.DeletedKeys, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

// MockS3Presigner returns canned presigned URLs.
type MockS3Presigner struct {
	PresignErr error
	LastKey    string
}

// PresignPutObject returns a deterministic URL embedding the key.
func (m *MockS3Presigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if m.PresignErr != nil {
		return nil, m.PresignErr
	}
	m.LastKey = *params.Key
	return &v4.PresignedHTTPRequest{
		URL:    "https://blob.test/" + *params.Key + "?signed=1",
		Method: "PUT",
	}, nil
}
