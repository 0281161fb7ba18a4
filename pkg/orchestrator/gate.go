package orchestrator

import "fmt"

// CheckDelivery returns a KindDeliveryChannelMismatch error when the asset is not
// for delivery or the channel is not assigned to it. Both surface as 404 so channel
// configuration is not revealed to callers.
func CheckDelivery(asset *Asset, channel string) error {
	if asset == nil {
		return NewRequestError(KindNotFound, "Asset not found", ErrAssetNotFound)
	}
	if !asset.ForDelivery {
		return NewRequestError(KindDeliveryChannelMismatch,
			fmt.Sprintf("Asset %s is not available for delivery", asset.ID), nil)
	}
	if !asset.HasDeliveryChannel(channel) {
		return NewRequestError(KindDeliveryChannelMismatch,
			fmt.Sprintf("Asset %s is not available on channel %s", asset.ID, channel), nil)
	}
	return nil
}
