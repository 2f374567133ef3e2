package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

// Logical table names shared by every store backend and change source.
const (
	TableProducts  = "products"
	TableMovements = "stock_movements"
	TableScans     = "scan_events"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventInsert, EventUpdate, EventDelete, EventAll:
		return t, nil
	case "":
		return EventAll, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Event is one row-level change. Old is empty for inserts and New is empty for deletes.
type Event struct {
	Table      string          `json:"table"`
	Type       EventType       `json:"type"`
	Key        string          `json:"key"`
	Old        json.RawMessage `json:"old,omitempty"`
	New        json.RawMessage `json:"new,omitempty"`
	CommitTime time.Time       `json:"commit_time"`
}

// NewEvent marshals the row images of a committed change.
func NewEvent(table string, typ EventType, key string, before, after any, at time.Time) (Event, error) {
	ev := Event{Table: table, Type: typ, Key: key, CommitTime: at}
	var err error
	if before != nil {
		if ev.Old, err = json.Marshal(before); err != nil {
			return Event{}, fmt.Errorf("marshal old image: %w", err)
		}
	}
	if after != nil {
		if ev.New, err = json.Marshal(after); err != nil {
			return Event{}, fmt.Errorf("marshal new image: %w", err)
		}
	}
	return ev, nil
}

// ProductEvent builds a products-table event from domain rows.
func ProductEvent(typ EventType, before, after *domain.Product, at time.Time) (Event, error) {
	var key string
	var o, n any
	if before != nil {
		key, o = before.ProductID, before
	}
	if after != nil {
		key, n = after.ProductID, after
	}
	return NewEvent(TableProducts, typ, key, o, n, at)
}

func MovementEvent(m *domain.StockMovement) (Event, error) {
	return NewEvent(TableMovements, EventInsert, m.MovementID, nil, m, m.CreatedAt)
}

func ScanEvent(s *domain.ScanEvent) (Event, error) {
	return NewEvent(TableScans, EventInsert, s.ScanID, nil, s, s.CreatedAt)
}

func empty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Products decodes the old and new images of a products-table event.
func (e Event) Products() (before, after *domain.Product, err error) {
	if e.Table != TableProducts {
		return nil, nil, fmt.Errorf("event for table %q is not a product change", e.Table)
	}
	if !empty(e.Old) {
		before = &domain.Product{}
		if err := json.Unmarshal(e.Old, before); err != nil {
			return nil, nil, fmt.Errorf("decode old product: %w", err)
		}
	}
	if !empty(e.New) {
		after = &domain.Product{}
		if err := json.Unmarshal(e.New, after); err != nil {
			return nil, nil, fmt.Errorf("decode new product: %w", err)
		}
	}
	return before, after, nil
}

func (e Event) Movement() (*domain.StockMovement, error) {
	if e.Table != TableMovements || empty(e.New) {
		return nil, fmt.Errorf("event for table %q carries no movement", e.Table)
	}
	var m domain.StockMovement
	if err := json.Unmarshal(e.New, &m); err != nil {
		return nil, fmt.Errorf("decode movement: %w", err)
	}
	return &m, nil
}

// RowKey is the row id of the change, falling back to the images when Key is unset.
func (e Event) RowKey() string {
	if e.Key != "" {
		return e.Key
	}
	var row struct {
		ID string `json:"id"`
	}
	for _, raw := range []json.RawMessage{e.New, e.Old} {
		if empty(raw) {
			continue
		}
		if err := json.Unmarshal(raw, &row); err == nil && row.ID != "" {
			return row.ID
		}
	}
	return ""
}

// Status is the connection state a change source reports to subscribers.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
)

// Delivery is what a subscriber receives: either an event or a status change, in order.
type Delivery struct {
	Event  *Event
	Status Status
	Err    error
}

// Filter selects events by table and type. An empty table matches every table.
type Filter struct {
	Table string
	Type  EventType
}

func (f Filter) Matches(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	return f.Type == "" || f.Type == EventAll || f.Type == e.Type
}
