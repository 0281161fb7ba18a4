package orchestrator

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireKind(t *testing.T, err error, kind ErrorKind) *RequestError {
	t.Helper()
	var re *RequestError
	require.True(t, errors.As(err, &re), "expected RequestError, got %v", err)
	assert.Equal(t, kind, re.Kind, re.Error())
	return re
}

func TestAssetIDRoundTrip(t *testing.T) {
	ids := []AssetID{
		NewAssetID(99, 1, "foo"),
		NewAssetID(2, 100, "with.dots_and-dashes"),
		NewAssetID(0, 0, "a/b"),
	}
	for _, id := range ids {
		t.Run(id.String(), func(t *testing.T) {
			parsed, err := ParseAssetID(id.String())
			require.NoError(t, err)
			assert.Equal(t, id, parsed)
		})
	}
}

func TestParseAssetID_Invalid(t *testing.T) {
	for _, s := range []string{"", "99", "99/1", "99/1/", "x/1/foo", "99/y/foo"} {
		_, err := ParseAssetID(s)
		assert.ErrorIs(t, err, ErrInvalidAssetID, s)
	}
}

func TestParseRoles(t *testing.T) {
	assert.Equal(t, []string{"basic", "admin"}, ParseRoles("basic, admin"))
	assert.Equal(t, []string{"a", "b"}, ParseRoles("a|b|"))
	assert.Empty(t, ParseRoles(""))
}

func TestSessionUser_HasAnyRole(t *testing.T) {
	user := &SessionUser{Roles: map[int][]string{99: {"basic"}}}
	assert.True(t, user.HasAnyRole(99, []string{"other", "basic"}))
	assert.False(t, user.HasAnyRole(98, []string{"basic"}))
	assert.False(t, user.HasAnyRole(99, []string{"admin"}))
}

func TestErrorKindStatus(t *testing.T) {
	tests := map[ErrorKind]int{
		KindIdentityNotResolvable:     http.StatusNotFound,
		KindDeliveryChannelMismatch:   http.StatusNotFound,
		KindMissingCredentials:        http.StatusUnauthorized,
		KindInvalidCredentials:        http.StatusUnauthorized,
		KindExpiredCredentials:        http.StatusUnauthorized,
		KindMalformedRequestSyntax:    http.StatusBadRequest,
		KindOrchestrationNotFound:     http.StatusNotFound,
		KindOrchestrationBackendError: http.StatusInternalServerError,
		KindCacheBackendUnavailable:   http.StatusInternalServerError,
	}
	for kind, status := range tests {
		assert.Equal(t, status, kind.Status(), kind.String())
	}
	assert.Equal(t, http.StatusInternalServerError, StatusOf(errors.New("boom")))
}

func TestCheckDelivery(t *testing.T) {
	asset := &Asset{
		ID:               NewAssetID(99, 1, "foo"),
		ForDelivery:      true,
		DeliveryChannels: []DeliveryChannel{{Channel: ChannelImage}},
	}

	assert.NoError(t, CheckDelivery(asset, ChannelImage))

	err := CheckDelivery(asset, ChannelFile)
	requireKind(t, err, KindDeliveryChannelMismatch)
	assert.Equal(t, http.StatusNotFound, StatusOf(err))

	asset.ForDelivery = false
	err = CheckDelivery(asset, ChannelImage)
	requireKind(t, err, KindDeliveryChannelMismatch)
	assert.Equal(t, http.StatusNotFound, StatusOf(err))

	assert.Equal(t, http.StatusNotFound, StatusOf(CheckDelivery(nil, ChannelImage)))
}

func TestKeys(t *testing.T) {
	id := NewAssetID(99, 1, "foo")
	assert.Equal(t, "99/1/foo/original", StoredOriginalKey(id))
	assert.Equal(t, "99/1/foo/open/200.jpg", ThumbnailKey(id, 200, true))
	assert.Equal(t, "99/1/foo/auth/1024.jpg", ThumbnailKey(id, 1024, false))
	assert.Equal(t, "99/1/foo/s.json", ThumbsSizesKey(id))
	assert.Equal(t, "99/1/foo/full/max/default.mp4", TimebasedKey(id, "/full/max/default.mp4"))
}
