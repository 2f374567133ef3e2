package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

func recv(t *testing.T, sub *Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		require.True(t, ok, "subscription channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery within 1s")
		return Delivery{}
	}
}

func productEvent(t *testing.T, typ EventType, id string, qty int) Event {
	t.Helper()
	p := &domain.Product{ProductID: id, TenantID: "t1", Quantity: qty, Version: qty}
	var before, after *domain.Product
	switch typ {
	case EventDelete:
		before = p
	default:
		after = p
	}
	ev, err := ProductEvent(typ, before, after, time.Now())
	require.NoError(t, err)
	return ev
}

func TestSubscribeReceivesCurrentStatus(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub := b.Subscribe()
	defer sub.Close()

	d := recv(t, sub)
	assert.Nil(t, d.Event)
	assert.Equal(t, StatusSubscribed, d.Status)
}

func TestPublishKeepsOrderAndFilters(t *testing.T) {
	b := NewBroker(zap.NewNop())
	all := b.Subscribe()
	updates := b.Subscribe(Filter{Table: TableProducts, Type: EventUpdate})
	defer all.Close()
	defer updates.Close()
	recv(t, all)
	recv(t, updates)

	b.Publish(productEvent(t, EventInsert, "p1", 1))
	b.Publish(productEvent(t, EventUpdate, "p1", 2))
	b.Publish(productEvent(t, EventUpdate, "p1", 3))

	for _, want := range []int{1, 2, 3} {
		d := recv(t, all)
		require.NotNil(t, d.Event)
		_, after, err := d.Event.Products()
		require.NoError(t, err)
		assert.Equal(t, want, after.Quantity)
	}
	for _, want := range []int{2, 3} {
		d := recv(t, updates)
		require.NotNil(t, d.Event)
		assert.Equal(t, EventUpdate, d.Event.Type)
		_, after, err := d.Event.Products()
		require.NoError(t, err)
		assert.Equal(t, want, after.Quantity)
	}
}

func TestLaggingSubscriberGetsChannelErrorThenRecovers(t *testing.T) {
	b := NewBroker(zap.NewNop(), WithBuffer(2))
	sub := b.Subscribe()
	defer sub.Close()
	// initial status occupies one slot
	b.Publish(productEvent(t, EventUpdate, "p1", 1))
	b.Publish(productEvent(t, EventUpdate, "p1", 2))

	assert.Equal(t, StatusSubscribed, recv(t, sub).Status)
	d := recv(t, sub)
	require.NotNil(t, d.Event)

	// the dropped change leaves the subscriber flagged; the next publish reports recovery first
	b.Publish(productEvent(t, EventUpdate, "p1", 3))
	d = recv(t, sub)
	if d.Status == StatusChannelError {
		assert.ErrorIs(t, d.Err, ErrLagged)
		d = recv(t, sub)
	}
	assert.Equal(t, StatusSubscribed, d.Status)
	d = recv(t, sub)
	require.NotNil(t, d.Event)
	_, after, err := d.Event.Products()
	require.NoError(t, err)
	assert.Equal(t, 3, after.Quantity)
}

func TestSetStatusBroadcasts(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub := b.Subscribe()
	defer sub.Close()
	recv(t, sub)

	cause := errors.New("connection reset")
	b.SetStatus(StatusChannelError, cause)
	d := recv(t, sub)
	assert.Equal(t, StatusChannelError, d.Status)
	assert.ErrorIs(t, d.Err, cause)

	late := b.Subscribe()
	defer late.Close()
	assert.Equal(t, StatusChannelError, recv(t, late).Status)

	b.SetStatus(StatusSubscribed, nil)
	assert.Equal(t, StatusSubscribed, recv(t, sub).Status)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub := b.Subscribe()
	recv(t, sub)

	b.Close()
	assert.Equal(t, StatusClosed, recv(t, sub).Status)
	_, ok := <-sub.C()
	assert.False(t, ok)

	// idempotent
	sub.Close()

	after := b.Subscribe()
	assert.Equal(t, StatusClosed, recv(t, after).Status)
}

func TestEventHookSeesEveryPublish(t *testing.T) {
	var seen []string
	b := NewBroker(zap.NewNop(), WithEventHook(func(ev Event) { seen = append(seen, ev.Table) }))
	b.Publish(productEvent(t, EventInsert, "p1", 1))
	assert.Equal(t, []string{TableProducts}, seen)
}

func TestRowKeyFallsBackToImages(t *testing.T) {
	ev := productEvent(t, EventDelete, "p9", 1)
	ev.Key = ""
	assert.Equal(t, "p9", ev.RowKey())
}

func TestParseEventType(t *testing.T) {
	typ, err := ParseEventType("")
	require.NoError(t, err)
	assert.Equal(t, EventAll, typ)

	_, err = ParseEventType("TRUNCATE")
	assert.Error(t, err)
}
