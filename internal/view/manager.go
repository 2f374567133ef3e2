// Package view tracks the realtime views opened by connected dashboard clients. A view
// pairs a projection cache with a notification center and belongs to one actor.
package view

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/notify"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/projection"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/metrics"
)

type View struct {
	ID       string
	Owner    domain.Actor
	Cache    *projection.Cache
	Center   *notify.Center
	OpenedAt time.Time
}

// Close releases both subscriptions held by the view.
func (v *View) Close() {
	v.Cache.Close()
	v.Center.Close()
}

type Manager struct {
	subscriber feed.Subscriber
	fetcher    projection.Fetcher
	limit      int
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	views map[string]*View
}

func NewManager(subscriber feed.Subscriber, fetcher projection.Fetcher, notificationLimit int, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		subscriber: subscriber,
		fetcher:    fetcher,
		limit:      notificationLimit,
		metrics:    m,
		logger:     logger,
		views:      make(map[string]*View),
	}
}

// Open starts a view for actor. The view lives until ctx ends or Close is called.
func (m *Manager) Open(ctx context.Context, actor domain.Actor, filter domain.ProductFilter) (*View, error) {
	if !actor.Authenticated() {
		return nil, service.ErrUnauthorized
	}
	v := &View{
		ID:       domain.NewID(),
		Owner:    actor,
		Cache:    projection.Open(ctx, m.subscriber, m.fetcher, actor, filter, m.logger),
		Center:   notify.NewCenter(actor.TenantID, m.limit, m.logger),
		OpenedAt: time.Now().UTC(),
	}
	v.Center.Start(ctx, m.subscriber)

	m.mu.Lock()
	m.views[v.ID] = v
	m.mu.Unlock()
	m.metrics.ViewOpened()

	m.logger.Info("View opened",
		zap.String("view_id", v.ID),
		zap.String("actor_id", actor.ID),
		zap.String("tenant_id", actor.TenantID))
	return v, nil
}

// Get returns the view only to its owner; any other caller sees ErrNotFound.
func (m *Manager) Get(actor domain.Actor, id string) (*View, error) {
	if !actor.Authenticated() {
		return nil, service.ErrUnauthorized
	}
	m.mu.Lock()
	v, ok := m.views[id]
	m.mu.Unlock()
	if !ok || v.Owner.ID != actor.ID || v.Owner.TenantID != actor.TenantID {
		return nil, service.ErrNotFound
	}
	return v, nil
}

func (m *Manager) Close(id string) {
	m.mu.Lock()
	v, ok := m.views[id]
	delete(m.views, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	v.Close()
	m.metrics.ViewClosed()
	m.logger.Info("View closed", zap.String("view_id", id))
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.views))
	for id := range m.views {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.views)
}
