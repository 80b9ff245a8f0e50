package fulfillment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/KeyHarbor/server/internal/storage"
)

// ErrOutOfStock is returned when no deliverable asset remains for the
// purchased product.
var ErrOutOfStock = errors.New("fulfillment: out of stock")

// Dispatcher assigns purchased assets to orders. Allocation decrements
// available stock; re-dispatching the same order returns the asset it
// already holds, so the settlement pipeline can call it under retries.
type Dispatcher struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewDispatcher builds a dispatcher over the shared store.
func NewDispatcher(store storage.Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, logger: logger}
}

// Fulfill allocates one asset of the order's product to the order.
func (d *Dispatcher) Fulfill(ctx context.Context, order storage.Order) (storage.Asset, error) {
	asset, err := d.store.AllocateAsset(ctx, order.ID, order.ProductID)
	if errors.Is(err, storage.ErrNoAssets) {
		d.logger.Error().
			Str("order_id", order.ID).
			Str("product_id", order.ProductID).
			Msg("fulfillment.out_of_stock")
		return storage.Asset{}, ErrOutOfStock
	}
	if err != nil {
		return storage.Asset{}, fmt.Errorf("allocate asset: %w", err)
	}

	d.logger.Info().
		Str("order_id", order.ID).
		Str("product_id", order.ProductID).
		Str("asset_id", asset.ID).
		Msg("fulfillment.asset_allocated")
	return asset, nil
}

// Secret returns the deliverable secret for an order, if one was allocated.
func (d *Dispatcher) Secret(ctx context.Context, orderID string) (string, error) {
	asset, err := d.store.GetAssetByOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return asset.Secret, nil
}

// Stock reports remaining inventory for a product.
func (d *Dispatcher) Stock(ctx context.Context, productID string) (int, error) {
	return d.store.CountAvailableAssets(ctx, productID)
}
