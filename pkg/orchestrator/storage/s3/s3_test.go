package s3

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

var _ orchestrator.BlobStore = (*Backend)(nil)

func TestS3Backend_Configuration(t *testing.T) {
	t.Run("EmptyBucket", func(t *testing.T) {
		_, err := New(Config{Region: "us-east-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket name is required")
	})

	t.Run("StaticCredentialsAndPrefix", func(t *testing.T) {
		backend, err := New(Config{
			Bucket:          "dlcs-storage",
			Prefix:          "/thumbs/",
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
			Endpoint:        "http://localhost:9000",
			UsePathStyle:    true,
		})
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", backend.config.Region)
		assert.Equal(t, "thumbs/99/1/foo/s.json", backend.key("99/1/foo/s.json"))
	})
}

func TestS3Backend_Classify(t *testing.T) {
	b := &Backend{}

	assert.ErrorIs(t, b.classify("k", "get", &types.NoSuchKey{}), orchestrator.ErrObjectNotFound)
	assert.ErrorIs(t, b.classify("k", "head", &types.NotFound{}), orchestrator.ErrObjectNotFound)
	assert.ErrorIs(t, b.classify("k", "head", &smithy.GenericAPIError{Code: "NotFound"}), orchestrator.ErrObjectNotFound)

	err := b.classify("k", "get", &smithy.GenericAPIError{Code: "AccessDenied"})
	var storageErr *orchestrator.StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "s3", storageErr.Backend)
	assert.Equal(t, "get", storageErr.Op)
}

func TestContentType(t *testing.T) {
	jpeg := "image/jpeg"
	empty := ""
	assert.Equal(t, "image/jpeg", contentType(&jpeg))
	assert.Equal(t, "application/octet-stream", contentType(&empty))
	assert.Equal(t, "application/octet-stream", contentType(nil))
}
