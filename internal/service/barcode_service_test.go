package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
)

func TestResolveBarcode(t *testing.T) {
	store := repository.NewMemoryStore(nil, zap.NewNop())
	p := seed(t, store, 45, 20)
	svc := NewBarcodeService(store, nil, zap.NewNop())
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		result, err := svc.ResolveBarcode(ctx, staff, " 123456789 ", "ean_13")
		require.NoError(t, err)
		require.NotNil(t, result.Product)
		assert.False(t, result.NotFound)
		assert.Equal(t, p.ProductID, result.Product.ProductID)
		require.NotNil(t, result.Scan.ProductID)
		assert.Equal(t, p.ProductID, *result.Scan.ProductID)
		assert.Equal(t, "123456789", result.Scan.Barcode)
	})

	t.Run("unknown symbol is not an error", func(t *testing.T) {
		result, err := svc.ResolveBarcode(ctx, staff, "000000000", "ean_13")
		require.NoError(t, err)
		assert.True(t, result.NotFound)
		assert.Nil(t, result.Product)
		assert.Nil(t, result.Scan.ProductID)
	})

	t.Run("other tenant does not see the product", func(t *testing.T) {
		result, err := svc.ResolveBarcode(ctx, other, "123456789", "")
		require.NoError(t, err)
		assert.True(t, result.NotFound)
	})

	t.Run("lookup failure is distinct from not found", func(t *testing.T) {
		store.FailNext("GetProductByBarcode", errors.New("throttled"))
		_, err := svc.ResolveBarcode(ctx, staff, "123456789", "")
		assert.ErrorIs(t, err, ErrStoreFailure)
	})

	t.Run("rejects", func(t *testing.T) {
		_, err := svc.ResolveBarcode(ctx, staff, "   ", "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = svc.ResolveBarcode(ctx, viewer, "", "")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	// every attempt above with a symbol was recorded, failures included
	scans, err := svc.RecentScans(ctx, staff, 50)
	require.NoError(t, err)
	assert.Len(t, scans, 3)
	assert.Equal(t, "123456789", scans[0].Barcode)
	assert.Equal(t, "000000000", scans[1].Barcode)
}

func TestResolveBarcodeRequiresActor(t *testing.T) {
	store := repository.NewMemoryStore(nil, zap.NewNop())
	svc := NewBarcodeService(store, nil, zap.NewNop())

	_, err := svc.ResolveBarcode(context.Background(), anonymous, "123456789", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.RecentScans(context.Background(), anonymous, 5)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRecentScansLimit(t *testing.T) {
	store := repository.NewMemoryStore(nil, zap.NewNop())
	svc := NewBarcodeService(store, nil, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := svc.ResolveBarcode(ctx, staff, "999", "")
		require.NoError(t, err)
	}

	scans, err := svc.RecentScans(ctx, staff, 0)
	require.NoError(t, err)
	assert.Len(t, scans, DefaultRecentScans)
}
