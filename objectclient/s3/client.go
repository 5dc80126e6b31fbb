// Package s3 provides an S3-compatible range-read client for the accelerator.
//
// This adapter supports AWS S3, MinIO, LocalStack, Cloudflare R2,
// and other S3-compatible object stores.
//
// # Port Compliance
//
//   - HeadObject: returns ContentLength and ETag; ErrNotFound / ErrAccessDenied
//   - GetRange: true range reads via the HTTP Range header, pinned to the
//     entity tag with If-Match. The response ETag is checked as well, since
//     some S3-compatible backends ignore If-Match on ranged GETs.
//
// # Consistency
//
// AWS S3 provides strong read-after-write consistency (since Dec 2020).
// The accelerator trusts object immutability for the lifetime of a stream;
// the entity tag turns a concurrent overwrite into ErrPreconditionFailed
// instead of silently mixing two object versions.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/analystoscar1/analytics-accelerator-s3/objectclient"
)

// API defines the subset of the S3 client interface used by the adapter.
// This enables testing with mock implementations.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds configuration for the S3 client adapter.
type Config struct {
	// Prefix is an optional key prefix applied to every object key.
	// If set, a trailing slash is added if missing.
	Prefix string
}

// Client implements objectclient.Client using an S3-compatible backend.
type Client struct {
	api    API
	prefix string
}

// New creates a new S3 range-read client.
//
// The api must be pre-configured with credentials, region, and endpoint.
// Use NewClient or github.com/aws/aws-sdk-go-v2/config to build one.
//
// Example:
//
//	cfg, err := config.LoadDefaultConfig(ctx)
//	api := s3.NewFromConfig(cfg)
//	client, err := s3client.New(api, s3client.Config{})
func New(api API, cfg Config) (*Client, error) {
	if api == nil {
		return nil, errors.New("s3: client is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Client{api: api, prefix: prefix}, nil
}

// HeadObject implements objectclient.Client.
func (c *Client) HeadObject(ctx context.Context, id objectclient.ID) (objectclient.Metadata, error) {
	key, err := c.validateKey(id)
	if err != nil {
		return objectclient.Metadata{}, err
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(id.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectclient.Metadata{}, fmt.Errorf("s3: head object %s: %w", id, classify(err))
	}

	return objectclient.Metadata{
		Size: aws.ToInt64(out.ContentLength),
		ETag: aws.ToString(out.ETag),
	}, nil
}

// GetRange implements objectclient.Client.
func (c *Client) GetRange(ctx context.Context, id objectclient.ID, start, end int64, etag string) ([]byte, error) {
	if start < 0 || end <= start {
		return nil, fmt.Errorf("s3: range read %s [%d,%d): %w", id, start, end, objectclient.ErrRangeNotSatisfiable)
	}
	key, err := c.validateKey(id)
	if err != nil {
		return nil, err
	}

	// S3 Range header format: "bytes=start-end" (inclusive)
	input := &s3.GetObjectInput{
		Bucket: aws.String(id.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
	}
	if etag != "" {
		input.IfMatch = aws.String(etag)
	}

	out, err := c.api.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3: range read %s [%d,%d): %w", id, start, end, classify(err))
	}
	defer func() { _ = out.Body.Close() }()

	if etag != "" && out.ETag != nil && aws.ToString(out.ETag) != etag {
		return nil, fmt.Errorf("s3: range read %s: etag %s, want %s: %w",
			id, aws.ToString(out.ETag), etag, objectclient.ErrPreconditionFailed)
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: reading range body %s: %w: %w", id, objectclient.ErrTransient, err)
	}
	if want := aws.ToInt64(out.ContentLength); out.ContentLength != nil && int64(len(data)) != want {
		return nil, fmt.Errorf("s3: range read %s: got %d bytes, want %d: %w",
			id, len(data), want, objectclient.ErrTransient)
	}

	return data, nil
}

// validateKey returns the full key for an object.
func (c *Client) validateKey(id objectclient.ID) (string, error) {
	if id.Bucket == "" {
		return "", fmt.Errorf("s3: bucket is required: %w", objectclient.ErrNotFound)
	}
	key := strings.TrimPrefix(id.Key, "/")
	if key == "" {
		return "", fmt.Errorf("s3: key is required: %w", objectclient.ErrNotFound)
	}
	return c.prefix + key, nil
}

// classify maps SDK errors onto the port error taxonomy. The original error
// stays in the chain.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %w", objectclient.ErrNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return fmt.Errorf("%w: %w", objectclient.ErrNotFound, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", objectclient.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "404":
			return fmt.Errorf("%w: %w", objectclient.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "403":
			return fmt.Errorf("%w: %w", objectclient.ErrAccessDenied, err)
		case "InvalidRange", "416":
			return fmt.Errorf("%w: %w", objectclient.ErrRangeNotSatisfiable, err)
		case "PreconditionFailed", "412":
			return fmt.Errorf("%w: %w", objectclient.ErrPreconditionFailed, err)
		}
	}
	return fmt.Errorf("%w: %w", objectclient.ErrTransient, err)
}

// Ensure Client implements objectclient.Client.
var _ objectclient.Client = (*Client)(nil)

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

type mockObject struct {
	data []byte
	etag string
}

// MockS3Client is a test double for API.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string]mockObject // bucket/key -> object

	// Call counters for test assertions
	GetObjectCalls  int
	HeadObjectCalls int

	// GetObjectErr, if set, is returned by every GetObject call.
	GetObjectErr error

	// IgnoreIfMatch makes GetObject skip the If-Match precondition, like some
	// S3-compatible backends do for ranged reads.
	IgnoreIfMatch bool
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string]mockObject)}
}

// PutObject stores data under bucket/key with the given entity tag.
func (m *MockS3Client) PutObject(bucket, key string, data []byte, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = mockObject{data: append([]byte(nil), data...), etag: etag}
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	m.GetObjectCalls++
	injected := m.GetObjectErr
	obj, exists := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	ignoreIfMatch := m.IgnoreIfMatch
	m.mu.Unlock()

	if injected != nil {
		return nil, injected
	}
	if !exists {
		return nil, &types.NoSuchKey{}
	}
	if params.IfMatch != nil && !ignoreIfMatch && aws.ToString(params.IfMatch) != obj.etag {
		return nil, &smithyAPIError{code: "PreconditionFailed", message: "etag mismatch"}
	}

	data := obj.data
	if params.Range != nil {
		var start, end int64
		_, _ = fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end)

		if start >= int64(len(data)) {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		data = data[start : end+1]
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ETag:          aws.String(obj.etag),
	}, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	m.HeadObjectCalls++
	obj, exists := m.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	m.mu.Unlock()

	if !exists {
		return nil, &smithyAPIError{code: "NotFound", message: "not found"}
	}

	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
	}, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
