package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
)

func product(qty, threshold, version int) *domain.Product {
	return &domain.Product{
		ProductID: "p1",
		TenantID:  "t1",
		Name:      "Organic Coffee Beans",
		Quantity:  qty,
		Threshold: threshold,
		Version:   version,
	}
}

func kinds(ns []Notification) []Kind {
	var out []Kind
	for _, n := range ns {
		out = append(out, n.Kind)
	}
	return out
}

func update(t *testing.T, before, after *domain.Product) feed.Event {
	t.Helper()
	ev, err := feed.ProductEvent(feed.EventUpdate, before, after, time.Now().UTC())
	require.NoError(t, err)
	return ev
}

func TestDerive(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name          string
		before, after *domain.Product
		want          []Kind
	}{
		{"unchanged quantity", product(6, 5, 1), product(6, 5, 2), nil},
		{"to zero is out of stock only", product(6, 5, 1), product(0, 5, 2), []Kind{KindStockUpdated, KindOutOfStock}},
		{"into low stock", product(45, 20, 1), product(15, 20, 2), []Kind{KindStockUpdated, KindLowStock}},
		{"at threshold is low", product(45, 20, 1), product(20, 20, 2), []Kind{KindStockUpdated, KindLowStock}},
		{"restock above threshold", product(2, 5, 1), product(10, 5, 2), []Kind{KindStockUpdated}},
		{"insert has no before", nil, product(10, 5, 1), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.before, tt.after, at)
			assert.Equal(t, tt.want, kinds(got))
		})
	}

	got := Derive(product(45, 20, 1), product(15, 20, 2), at)
	assert.Equal(t, "Organic Coffee Beans: 45 → 15 (-30)", got[0].Description)
	assert.Equal(t, "Organic Coffee Beans has 15 units left (threshold 20)", got[1].Description)
}

func TestCenterObserve(t *testing.T) {
	c := NewCenter("t1", DefaultLimit, zap.NewNop())

	ev := update(t, product(6, 5, 1), product(0, 5, 2))
	c.Observe(ev)
	// the same commit delivered twice is counted once
	c.Observe(ev)

	items := c.List()
	require.Len(t, items, 2)
	assert.Equal(t, KindOutOfStock, items[0].Kind)
	assert.Equal(t, KindStockUpdated, items[1].Kind)
	assert.NotEqual(t, items[0].ID, items[1].ID)
	assert.Equal(t, 2, c.Unread())

	// other tenants are invisible
	foreign := product(9, 5, 3)
	foreign.TenantID = "t2"
	c.Observe(update(t, product(1, 5, 2), foreign))
	assert.Len(t, c.List(), 2)

	select {
	case <-c.Changes():
	default:
		t.Fatal("expected a change signal")
	}
}

func TestCenterRetainsNewest(t *testing.T) {
	c := NewCenter("t1", 3, zap.NewNop())
	for v := 2; v <= 5; v++ {
		c.Observe(update(t, product(100+v-1, 5, v-1), product(100+v, 5, v)))
	}

	items := c.List()
	require.Len(t, items, 3)
	assert.Contains(t, items[0].Description, "104 → 105")
	assert.Contains(t, items[2].Description, "102 → 103")
}

func TestCenterReadAndClear(t *testing.T) {
	c := NewCenter("t1", 0, zap.NewNop())
	c.Observe(update(t, product(45, 20, 1), product(15, 20, 2)))
	items := c.List()
	require.Len(t, items, 2)

	assert.True(t, c.MarkRead(items[0].ID))
	assert.False(t, c.MarkRead("missing"))
	assert.Equal(t, 1, c.Unread())

	c.MarkAllRead()
	assert.Equal(t, 0, c.Unread())
	assert.Len(t, c.List(), 2)

	c.Clear()
	assert.Empty(t, c.List())
}

func TestCenterAuditNotices(t *testing.T) {
	c := NewCenter("t1", 0, zap.NewNop())
	actor := domain.Actor{ID: "u1", Name: "Kim", TenantID: "t1", Role: domain.RoleStaff}
	p := product(10, 5, 1)

	for _, action := range []domain.Action{domain.ActionCreate, domain.ActionUpdate, domain.ActionDelete} {
		ev, err := feed.MovementEvent(domain.NewMovement(p, actor, action, domain.OperationManual, 0, "", time.Now()))
		require.NoError(t, err)
		c.Observe(ev)
	}

	items := c.List()
	require.Len(t, items, 2)
	assert.Equal(t, "Product deleted", items[0].Title)
	assert.Equal(t, "Product created", items[1].Title)
	assert.Equal(t, fmt.Sprintf("%s by Kim", p.Name), items[1].Description)
}

func TestCenterStartFollowsBroker(t *testing.T) {
	broker := feed.NewBroker(zap.NewNop())
	defer broker.Close()
	c := NewCenter("t1", 0, zap.NewNop())
	c.Start(context.Background(), broker)
	defer c.Close()

	broker.Publish(update(t, product(45, 20, 1), product(15, 20, 2)))

	require.Eventually(t, func() bool { return len(c.List()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, KindLowStock, c.List()[0].Kind)
}

func TestCenterCloseWithoutStart(t *testing.T) {
	c := NewCenter("t1", 0, zap.NewNop())
	c.Close()
	c.Close()
}
