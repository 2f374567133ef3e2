package projection

import (
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
)

// Reconcile applies one product change to rows and returns the resulting slice. rows is
// never modified; the filter is evaluated against the new image on every call.
func Reconcile(rows []*domain.Product, typ feed.EventType, before, after *domain.Product, filter domain.ProductFilter) []*domain.Product {
	switch typ {
	case feed.EventInsert:
		if after == nil {
			return rows
		}
		if i := indexOf(rows, after.ProductID); i >= 0 {
			return replaceOrRemove(rows, i, after, filter)
		}
		if !filter.Matches(after) {
			return rows
		}
		return prepend(rows, after)

	case feed.EventUpdate:
		if after == nil {
			return rows
		}
		if i := indexOf(rows, after.ProductID); i >= 0 {
			return replaceOrRemove(rows, i, after, filter)
		}
		if !filter.Matches(after) {
			return rows
		}
		return prepend(rows, after)

	case feed.EventDelete:
		id := ""
		switch {
		case before != nil:
			id = before.ProductID
		case after != nil:
			id = after.ProductID
		}
		if i := indexOf(rows, id); i >= 0 {
			return removeAt(rows, i)
		}
	}
	return rows
}

func indexOf(rows []*domain.Product, id string) int {
	if id == "" {
		return -1
	}
	for i, p := range rows {
		if p.ProductID == id {
			return i
		}
	}
	return -1
}

func replaceOrRemove(rows []*domain.Product, i int, p *domain.Product, filter domain.ProductFilter) []*domain.Product {
	if !filter.Matches(p) {
		return removeAt(rows, i)
	}
	out := make([]*domain.Product, len(rows))
	copy(out, rows)
	out[i] = p
	return out
}

func prepend(rows []*domain.Product, p *domain.Product) []*domain.Product {
	out := make([]*domain.Product, 0, len(rows)+1)
	out = append(out, p)
	return append(out, rows...)
}

func removeAt(rows []*domain.Product, i int) []*domain.Product {
	out := make([]*domain.Product, 0, len(rows)-1)
	out = append(out, rows[:i]...)
	return append(out, rows[i+1:]...)
}
