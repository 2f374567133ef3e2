package feed

import (
	"sync"

	"go.uber.org/zap"
)

const defaultBuffer = 256

// Publisher accepts committed changes. Stores call it while the commit order is still held.
type Publisher interface {
	Publish(ev Event)
}

// Subscriber hands out independent subscriptions, one per consumer.
type Subscriber interface {
	Subscribe(filters ...Filter) *Subscription
}

// Broker fans committed changes out to in-process subscriptions. Publish never blocks:
// a subscriber that falls behind loses events and is told so with CHANNEL_ERROR, then
// SUBSCRIBED once it has room again, so it can resynchronise with a full fetch.
type Broker struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	status  Status
	lastErr error
	buffer  int
	logger  *zap.Logger
	onEvent func(Event)
}

type BrokerOption func(*Broker)

func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithEventHook runs fn for every published event, e.g. to count them.
func WithEventHook(fn func(Event)) BrokerOption {
	return func(b *Broker) { b.onEvent = fn }
}

func NewBroker(logger *zap.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[*Subscription]struct{}),
		status: StatusSubscribed,
		buffer: defaultBuffer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Subscribe(filters ...Filter) *Subscription {
	s := &Subscription{
		broker:  b,
		filters: filters,
		ch:      make(chan Delivery, b.buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusClosed {
		s.closed = true
		s.ch <- Delivery{Status: StatusClosed}
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	s.ch <- Delivery{Status: b.status, Err: b.lastErr}
	if b.status != StatusSubscribed {
		s.lagged = true
	}
	return s
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onEvent != nil {
		b.onEvent(ev)
	}
	for s := range b.subs {
		if !s.wants(ev) {
			continue
		}
		if s.lagged {
			// 소스가 아직 복구되지 않았으면 SetStatus가 회복을 알린다
			if b.status != StatusSubscribed {
				continue
			}
			select {
			case s.ch <- Delivery{Status: StatusSubscribed}:
				s.lagged = false
			default:
				continue
			}
		}
		e := ev
		select {
		case s.ch <- Delivery{Event: &e}:
		default:
			s.lagged = true
			b.logger.Warn("Subscriber lagging, dropping change",
				zap.String("table", ev.Table),
				zap.String("key", ev.RowKey()))
			select {
			case s.ch <- Delivery{Status: StatusChannelError, Err: ErrLagged}:
			default:
			}
		}
	}
}

// SetStatus reports the health of the upstream change source to every subscriber.
func (b *Broker) SetStatus(status Status, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status == b.status && status == StatusSubscribed {
		return
	}
	b.status, b.lastErr = status, err
	for s := range b.subs {
		select {
		case s.ch <- Delivery{Status: status, Err: err}:
			s.lagged = status != StatusSubscribed
		default:
			s.lagged = true
		}
	}
}

func (b *Broker) Status() (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.lastErr
}

// Close ends every subscription with a CLOSED delivery.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = StatusClosed
	for s := range b.subs {
		s.closeLocked()
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.closeLocked()
}

// Subscription is a single consumer's ordered view of the broker.
type Subscription struct {
	broker  *Broker
	filters []Filter
	ch      chan Delivery
	lagged  bool
	closed  bool
}

func (s *Subscription) wants(ev Event) bool {
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// C is closed after the final CLOSED delivery.
func (s *Subscription) C() <-chan Delivery {
	return s.ch
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.broker.subs, s)
	select {
	case s.ch <- Delivery{Status: StatusClosed}:
	default:
	}
	close(s.ch)
}
