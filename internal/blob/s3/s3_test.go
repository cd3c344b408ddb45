package s3

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cipherlog/internal/blob"
)

func TestGetOptions_Range(t *testing.T) {
	opts, err := getOptions(blob.Range{})
	require.NoError(t, err)
	require.Empty(t, opts.Header().Get("Range"))

	opts, err = getOptions(blob.Range{Offset: 10, Length: 5})
	require.NoError(t, err)
	require.Equal(t, "bytes=10-14", opts.Header().Get("Range"))

	opts, err = getOptions(blob.Range{Offset: 7})
	require.NoError(t, err)
	require.Equal(t, "bytes=7-", opts.Header().Get("Range"))

	_, err = getOptions(blob.Range{Offset: -1})
	require.Error(t, err)
}

func TestMapErr(t *testing.T) {
	nsk := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	require.Equal(t, blob.ErrNotFound, mapErr(nsk))

	other := errors.New("boom")
	require.Equal(t, other, mapErr(other))
}

func TestNew_RequiresEndpointAndBucket(t *testing.T) {
	_, err := New(t.Context(), Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}
