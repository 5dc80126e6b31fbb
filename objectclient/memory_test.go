package objectclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testID = ID{Bucket: "bucket", Key: "data/file.bin"}

func TestID_String(t *testing.T) {
	require.Equal(t, "s3://bucket/data/file.bin", testID.String())
}

func TestMemory_HeadObject(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.HeadObject(ctx, testID)
	require.ErrorIs(t, err, ErrNotFound)

	put := m.Put(testID, []byte("hello world"))
	md, err := m.HeadObject(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, put, md)
	require.Equal(t, int64(11), md.Size)
	require.NotEmpty(t, md.ETag)
	require.Equal(t, 2, m.HeadCalls())
}

func TestMemory_GetRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	md := m.Put(testID, []byte("0123456789"))

	got, err := m.GetRange(ctx, testID, 2, 5, md.ETag)
	require.NoError(t, err)
	require.Equal(t, []byte("234"), got)

	// End past the object is truncated.
	got, err = m.GetRange(ctx, testID, 8, 100, "")
	require.NoError(t, err)
	require.Equal(t, []byte("89"), got)

	_, err = m.GetRange(ctx, testID, 10, 12, "")
	require.ErrorIs(t, err, ErrRangeNotSatisfiable)

	_, err = m.GetRange(ctx, testID, 0, 1, "other-etag")
	require.ErrorIs(t, err, ErrPreconditionFailed)

	require.Len(t, m.Requests(), 4)
	m.ResetCounts()
	require.Empty(t, m.Requests())
}

func TestMemory_PutChangesETag(t *testing.T) {
	m := NewMemory()
	first := m.Put(testID, []byte("v1"))
	second := m.Put(testID, []byte("v2"))
	require.NotEqual(t, first.ETag, second.ETag)
}

func TestMemory_Fault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put(testID, []byte("abc"))

	boom := errors.New("boom")
	m.SetFault(func(req Request) error {
		if req.Start == 1 {
			return boom
		}
		return nil
	})

	_, err := m.GetRange(ctx, testID, 1, 2, "")
	require.ErrorIs(t, err, boom)

	_, err = m.GetRange(ctx, testID, 0, 1, "")
	require.NoError(t, err)

	m.SetFault(nil)
	_, err = m.GetRange(ctx, testID, 1, 2, "")
	require.NoError(t, err)
}

func TestMemory_BlockHonorsContext(t *testing.T) {
	m := NewMemory()
	m.Put(testID, []byte("abc"))
	m.Block()
	defer m.Unblock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.GetRange(ctx, testID, 0, 1, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(nil))
	require.False(t, Retryable(ErrNotFound))
	require.False(t, Retryable(ErrAccessDenied))
	require.False(t, Retryable(ErrRangeNotSatisfiable))
	require.False(t, Retryable(ErrPreconditionFailed))
	require.False(t, Retryable(context.Canceled))
	require.True(t, Retryable(ErrTransient))
	require.True(t, Retryable(context.DeadlineExceeded))
	require.True(t, Retryable(errors.New("connection reset")))
}
