// Package projection keeps a per-view mirror of a tenant's filtered products current
// with the change feed.
package projection

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
)

type State string

const (
	StateConnecting State = "CONNECTING"
	StateSubscribed State = "SUBSCRIBED"
	StateReceiving  State = "RECEIVING"
	StateError      State = "ERROR"
	StateClosed     State = "CLOSED"
)

var ErrClosed = errors.New("projection closed")

// Fetcher loads the authoritative subset for a filter. ProductService satisfies it.
type Fetcher interface {
	ListProducts(ctx context.Context, actor domain.Actor, filter domain.ProductFilter) ([]*domain.Product, error)
}

// Snapshot is an immutable copy of the cache. Stale is set while the feed is broken or a
// resync is pending; the rows are then the last known good state, not fabricated data.
type Snapshot struct {
	State     State             `json:"state"`
	Stale     bool              `json:"stale"`
	Products  []*domain.Product `json:"products"`
	Error     string            `json:"error,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
	Seq       uint64            `json:"seq"`
}

// Cache owns exactly one feed subscription. All state changes happen on its run goroutine.
type Cache struct {
	actor   domain.Actor
	filter  domain.ProductFilter
	fetcher Fetcher
	sub     *feed.Subscription
	logger  *zap.Logger

	mu       sync.RWMutex
	snap     Snapshot
	versions map[string]int
	resync   bool

	// connected is true while the feed delivers every change to this cache.
	connected bool

	changes   chan struct{}
	refetch   chan chan error
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open subscribes to product changes and starts the cache. The first SUBSCRIBED status
// from the feed triggers the initial fetch.
func Open(ctx context.Context, subscriber feed.Subscriber, fetcher Fetcher, actor domain.Actor, filter domain.ProductFilter, logger *zap.Logger) *Cache {
	c := &Cache{
		actor:    actor,
		filter:   filter,
		fetcher:  fetcher,
		sub:      subscriber.Subscribe(feed.Filter{Table: feed.TableProducts, Type: feed.EventAll}),
		logger:   logger.With(zap.String("tenant_id", actor.TenantID), zap.String("actor_id", actor.ID)),
		snap:     Snapshot{State: StateConnecting, Products: []*domain.Product{}},
		versions: make(map[string]int),
		resync:   true,
		changes:  make(chan struct{}, 1),
		refetch:  make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Cache) Filter() domain.ProductFilter {
	return c.filter
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Changes signals after every snapshot change. Signals coalesce; read Snapshot after each.
func (c *Cache) Changes() <-chan struct{} {
	return c.changes
}

// Done is closed once the cache has released its subscription.
func (c *Cache) Done() <-chan struct{} {
	return c.done
}

// Refetch replaces the rows with a full fetch. The error state is cleared only while the
// feed is connected; otherwise the fresh rows stay marked stale until it recovers.
func (c *Cache) Refetch(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.refetch <- reply:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.done)
	defer c.sub.Close()
	defer c.update(func(s *Snapshot) { s.State = StateClosed })

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case reply := <-c.refetch:
			reply <- c.fetch(ctx)
		case d, ok := <-c.sub.C():
			if !ok {
				return
			}
			if d.Event != nil {
				c.apply(*d.Event)
				continue
			}
			switch d.Status {
			case feed.StatusSubscribed:
				c.setConnected(true)
				// 재연결 후에는 놓친 변경이 있을 수 있으므로 전체를 다시 읽는다.
				if err := c.fetch(ctx); err != nil {
					c.logger.Warn("Projection fetch failed", zap.Error(err))
				}
			case feed.StatusChannelError:
				c.setConnected(false)
				c.fail(d.Err)
			case feed.StatusClosed:
				return
			}
		}
	}
}

func (c *Cache) fetch(ctx context.Context) error {
	products, err := c.fetcher.ListProducts(ctx, c.actor, c.filter)
	if err != nil {
		c.fail(err)
		return err
	}
	rows := make([]*domain.Product, 0, len(products))
	for _, p := range products {
		if p.TenantID != c.actor.TenantID || !c.filter.Matches(p) {
			continue
		}
		rows = append(rows, p)
	}

	c.mu.Lock()
	for _, p := range rows {
		if p.Version > c.versions[p.ProductID] {
			c.versions[p.ProductID] = p.Version
		}
	}
	connected := c.connected
	c.resync = !connected
	c.mu.Unlock()

	c.update(func(s *Snapshot) {
		s.Products = rows
		s.FetchedAt = time.Now().UTC()
		if !connected {
			// 피드가 복구되기 전의 변경은 도착하지 않으므로 다음 SUBSCRIBED까지 stale로 둔다
			s.Stale = true
			if s.State != StateConnecting {
				s.State = StateError
			}
			return
		}
		s.State = StateSubscribed
		s.Stale = false
		s.Error = ""
	})
	c.logger.Debug("Projection fetched", zap.Int("rows", len(rows)), zap.Bool("connected", connected))
	return nil
}

func (c *Cache) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Cache) fail(err error) {
	msg := "change feed unavailable"
	if err != nil {
		msg = err.Error()
	}
	c.mu.Lock()
	c.resync = true
	c.mu.Unlock()
	c.update(func(s *Snapshot) {
		s.State = StateError
		s.Stale = true
		s.Error = msg
	})
}

func (c *Cache) apply(ev feed.Event) {
	before, after, err := ev.Products()
	if err != nil {
		c.logger.Warn("Dropping undecodable product change", zap.String("key", ev.RowKey()), zap.Error(err))
		return
	}
	row := after
	if row == nil {
		row = before
	}
	if row == nil || row.TenantID != c.actor.TenantID {
		return
	}

	c.mu.Lock()
	if c.resync {
		c.mu.Unlock()
		return
	}
	version := row.Version
	if ev.Type == feed.EventDelete {
		// 삭제 이후에 늦게 도착한 이전 버전 이벤트가 행을 되살리지 않도록 한다.
		version++
	}
	if version < c.versions[row.ProductID] {
		c.mu.Unlock()
		c.logger.Debug("Ignoring out-of-date product change",
			zap.String("product_id", row.ProductID),
			zap.Int("version", row.Version))
		return
	}
	c.versions[row.ProductID] = version
	c.mu.Unlock()

	c.update(func(s *Snapshot) {
		s.State = StateReceiving
		s.Products = Reconcile(s.Products, ev.Type, before, after, c.filter)
	})
}

func (c *Cache) update(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.snap)
	c.snap.Seq++
	c.mu.Unlock()

	select {
	case c.changes <- struct{}{}:
	default:
	}
}
