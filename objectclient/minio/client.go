// Package minio provides a range-read client backed by minio-go.
//
// It serves the same port as objectclient/s3 for deployments that already
// run the MinIO SDK or target MinIO directly. Entity tags are reported
// without surrounding quotes, as minio-go normalizes them.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/analystoscar1/analytics-accelerator-s3/objectclient"
)

// API is the subset of minio.Core used by the adapter.
type API interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
}

// Options configures Dial.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// Client implements objectclient.Client on top of minio-go.
type Client struct {
	api API
}

// New wraps api. The api must already be authenticated.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, errors.New("minio: client is required")
	}
	return &Client{api: api}, nil
}

// Dial connects a minio.Core to opts.Endpoint using static credentials.
func Dial(opts Options) (*Client, error) {
	core, err := minio.NewCore(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: dial %s: %w", opts.Endpoint, err)
	}
	return New(core)
}

// HeadObject implements objectclient.Client.
func (c *Client) HeadObject(ctx context.Context, id objectclient.ID) (objectclient.Metadata, error) {
	if err := validate(id); err != nil {
		return objectclient.Metadata{}, err
	}

	info, err := c.api.StatObject(ctx, id.Bucket, id.Key, minio.StatObjectOptions{})
	if err != nil {
		return objectclient.Metadata{}, fmt.Errorf("minio: stat %s: %w", id, classify(err))
	}
	return objectclient.Metadata{Size: info.Size, ETag: info.ETag}, nil
}

// GetRange implements objectclient.Client.
func (c *Client) GetRange(ctx context.Context, id objectclient.ID, start, end int64, etag string) ([]byte, error) {
	if start < 0 || end <= start {
		return nil, fmt.Errorf("minio: range read %s [%d,%d): %w", id, start, end, objectclient.ErrRangeNotSatisfiable)
	}
	if err := validate(id); err != nil {
		return nil, err
	}

	var opts minio.GetObjectOptions
	if err := opts.SetRange(start, end-1); err != nil {
		return nil, fmt.Errorf("minio: range read %s: %w", id, err)
	}
	if etag != "" {
		opts.SetMatchETag(strings.Trim(etag, `"`))
	}

	body, info, _, err := c.api.GetObject(ctx, id.Bucket, id.Key, opts)
	if err != nil {
		return nil, fmt.Errorf("minio: range read %s [%d,%d): %w", id, start, end, classify(err))
	}
	defer func() { _ = body.Close() }()

	if etag != "" && info.ETag != "" && info.ETag != strings.Trim(etag, `"`) {
		return nil, fmt.Errorf("minio: range read %s: etag %s, want %s: %w",
			id, info.ETag, etag, objectclient.ErrPreconditionFailed)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("minio: reading range body %s: %w: %w", id, objectclient.ErrTransient, err)
	}
	if info.Size > 0 && int64(len(data)) != info.Size {
		return nil, fmt.Errorf("minio: range read %s: got %d bytes, want %d: %w",
			id, len(data), info.Size, objectclient.ErrTransient)
	}
	return data, nil
}

func validate(id objectclient.ID) error {
	if id.Bucket == "" || id.Key == "" {
		return fmt.Errorf("minio: bucket and key are required: %w", objectclient.ErrNotFound)
	}
	return nil
}

// classify maps minio error responses onto the port error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", objectclient.ErrNotFound, err)
	case resp.Code == "AccessDenied" || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", objectclient.ErrAccessDenied, err)
	case resp.Code == "InvalidRange" || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return fmt.Errorf("%w: %w", objectclient.ErrRangeNotSatisfiable, err)
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %w", objectclient.ErrPreconditionFailed, err)
	}
	return fmt.Errorf("%w: %w", objectclient.ErrTransient, err)
}

// Ensure Client implements objectclient.Client.
var _ objectclient.Client = (*Client)(nil)
