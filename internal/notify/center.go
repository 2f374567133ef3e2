// Package notify turns committed stock changes into viewer-local notifications.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
)

const DefaultLimit = 10

type Kind string

const (
	KindStockUpdated Kind = "stock-updated"
	KindLowStock     Kind = "low-stock"
	KindOutOfStock   Kind = "out-of-stock"
	KindAudit        Kind = "audit"
)

type Notification struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ProductID   string    `json:"product_id"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// Derive returns the notifications for one product update. An unchanged quantity yields
// nothing; otherwise one stock update plus at most one of out-of-stock or low-stock.
func Derive(before, after *domain.Product, at time.Time) []Notification {
	if before == nil || after == nil || before.Quantity == after.Quantity {
		return nil
	}
	delta := after.Quantity - before.Quantity
	out := []Notification{{
		Kind:        KindStockUpdated,
		Title:       "Stock updated",
		Description: fmt.Sprintf("%s: %d → %d (%+d)", after.Name, before.Quantity, after.Quantity, delta),
		ProductID:   after.ProductID,
		CreatedAt:   at,
	}}
	switch after.Status() {
	case domain.StatusOutOfStock:
		out = append(out, Notification{
			Kind:        KindOutOfStock,
			Title:       "Out of stock",
			Description: fmt.Sprintf("%s is out of stock", after.Name),
			ProductID:   after.ProductID,
			CreatedAt:   at,
		})
	case domain.StatusLowStock:
		out = append(out, Notification{
			Kind:        KindLowStock,
			Title:       "Low stock",
			Description: fmt.Sprintf("%s has %d %s left (threshold %d)", after.Name, after.Quantity, unitLabel(after), after.Threshold),
			ProductID:   after.ProductID,
			CreatedAt:   at,
		})
	}
	return out
}

func unitLabel(p *domain.Product) string {
	if p.Unit == "" {
		return "units"
	}
	return p.Unit
}

// auditNotice covers product creation and deletion, which carry no before/after pair.
func auditNotice(m *domain.StockMovement) (Notification, bool) {
	var title string
	switch m.Action {
	case domain.ActionCreate:
		title = "Product created"
	case domain.ActionDelete:
		title = "Product deleted"
	default:
		return Notification{}, false
	}
	return Notification{
		Kind:        KindAudit,
		Title:       title,
		Description: fmt.Sprintf("%s by %s", m.SubjectName, m.ActorName),
		ProductID:   m.SubjectID,
		CreatedAt:   m.CreatedAt,
	}, true
}

// Center holds the newest notifications for one viewer.
type Center struct {
	tenantID string
	limit    int
	logger   *zap.Logger

	mu       sync.Mutex
	items    []Notification
	versions map[string]int

	changes   chan struct{}
	stop      chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

func NewCenter(tenantID string, limit int, logger *zap.Logger) *Center {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Center{
		tenantID: tenantID,
		limit:    limit,
		logger:   logger,
		versions: make(map[string]int),
		changes:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to product updates and movement inserts and feeds them to Observe
// until ctx ends or Close is called.
func (c *Center) Start(ctx context.Context, subscriber feed.Subscriber) {
	sub := subscriber.Subscribe(
		feed.Filter{Table: feed.TableProducts, Type: feed.EventUpdate},
		feed.Filter{Table: feed.TableMovements, Type: feed.EventInsert},
	)
	c.started.Store(true)
	go func() {
		defer close(c.done)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case d, ok := <-sub.C():
				if !ok || d.Status == feed.StatusClosed {
					return
				}
				if d.Event != nil {
					c.Observe(*d.Event)
				}
			}
		}
	}()
}

func (c *Center) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

func (c *Center) Changes() <-chan struct{} {
	return c.changes
}

// Observe evaluates one committed change. Redelivered updates of a version already seen
// are ignored.
func (c *Center) Observe(ev feed.Event) {
	var fresh []Notification
	switch ev.Table {
	case feed.TableProducts:
		before, after, err := ev.Products()
		if err != nil {
			c.logger.Warn("Skipping undecodable product change", zap.Error(err))
			return
		}
		if after == nil || after.TenantID != c.tenantID {
			return
		}
		c.mu.Lock()
		seen := c.versions[after.ProductID]
		if after.Version <= seen {
			c.mu.Unlock()
			return
		}
		c.versions[after.ProductID] = after.Version
		c.mu.Unlock()
		fresh = Derive(before, after, ev.CommitTime)

	case feed.TableMovements:
		m, err := ev.Movement()
		if err != nil {
			c.logger.Warn("Skipping undecodable movement", zap.Error(err))
			return
		}
		if m.TenantID != c.tenantID {
			return
		}
		if n, ok := auditNotice(m); ok {
			fresh = append(fresh, n)
		}
	}
	if len(fresh) == 0 {
		return
	}

	c.mu.Lock()
	for i := range fresh {
		fresh[i].ID = domain.NewID()
	}
	// 최신 알림이 앞에 온다.
	items := make([]Notification, 0, len(fresh)+len(c.items))
	for i := len(fresh) - 1; i >= 0; i-- {
		items = append(items, fresh[i])
	}
	items = append(items, c.items...)
	if len(items) > c.limit {
		items = items[:c.limit]
	}
	c.items = items
	c.mu.Unlock()
	c.signal()
}

// List returns the retained notifications, newest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

func (c *Center) MarkRead(id string) bool {
	c.mu.Lock()
	found := false
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Read = true
			found = true
			break
		}
	}
	c.mu.Unlock()
	if found {
		c.signal()
	}
	return found
}

func (c *Center) MarkAllRead() {
	c.mu.Lock()
	for i := range c.items {
		c.items[i].Read = true
	}
	c.mu.Unlock()
	c.signal()
}

func (c *Center) Clear() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
	c.signal()
}

func (c *Center) signal() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
