package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

func TestPathParser_Parse(t *testing.T) {
	parser := NewPathParser(fakeCustomers{99: {ID: 99, Name: "test"}})
	ctx := context.Background()

	t.Run("numeric customer", func(t *testing.T) {
		req, err := parser.Parse(ctx, "/iiif-img/99/1/foo/full/max/0/default.jpg")
		require.NoError(t, err)
		assert.Equal(t, "iiif-img", req.Route)
		assert.False(t, req.IsVersioned())
		assert.Equal(t, NewAssetID(99, 1, "foo"), req.AssetID)
		assert.Equal(t, "foo/full/max/0/default.jpg", req.AssetPath)
		assert.Equal(t, "/full/max/0/default.jpg", req.RequestPath())
		assert.Equal(t, "/iiif-img/99/1/", req.BasePath)
	})

	t.Run("named customer with version", func(t *testing.T) {
		req, err := parser.Parse(ctx, "/iiif-img/v2/test/1/foo/info.json")
		require.NoError(t, err)
		assert.Equal(t, "v2", req.VersionSlug)
		assert.Equal(t, iiif.V2, req.Version)
		assert.Equal(t, "test", req.CustomerPathValue)
		assert.Equal(t, NewAssetID(99, 1, "foo"), req.AssetID)
		assert.Equal(t, "/iiif-img/v2/test/1/", req.BasePath)
		assert.Equal(t, "/iiif-img/v2/99/1/foo/info.json", req.NormalisedFullPath())
	})

	t.Run("unknown version slug is still a version", func(t *testing.T) {
		req, err := parser.Parse(ctx, "/iiif-img/v9/99/1/foo/info.json")
		require.NoError(t, err)
		assert.Equal(t, iiif.VersionUnknown, req.Version)
		assert.True(t, req.IsVersioned())
	})

	t.Run("encoded path", func(t *testing.T) {
		req, err := parser.Parse(ctx, "/iiif-img/99/1/foo%20bar/info.json?x=1")
		require.NoError(t, err)
		assert.Equal(t, "foo bar", req.AssetID.Asset)
	})

	t.Run("unknown customer", func(t *testing.T) {
		_, err := parser.Parse(ctx, "/iiif-img/nobody/1/foo/info.json")
		requireKind(t, err, KindIdentityNotResolvable)
	})

	t.Run("non numeric space", func(t *testing.T) {
		_, err := parser.Parse(ctx, "/iiif-img/99/space/foo/info.json")
		requireKind(t, err, KindIdentityNotResolvable)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := parser.Parse(ctx, "/iiif-img/99/1")
		requireKind(t, err, KindMalformedRequestSyntax)
	})
}
