package query

import (
	"slices"

	"github.com/roach88/entsync/internal/payload"
)

// Apply evaluates q locally: paging(sorting(filtering(items))).
//
// With correctPageNum, a page that starts past the end of the filtered
// results falls back to the last non-empty page, which recovers views
// whose page number went stale after remote deletions. Without it such a
// page is empty. The input slice is never modified.
func Apply[T Record](q *Query, items []T, correctPageNum bool) ([]T, error) {
	if q == nil {
		q = New()
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	out := FilterRecords(q, items)
	SortRecords(q, out)
	return PageWindow(q, out, correctPageNum), nil
}

// FilterRecords returns the records matching q, in input order.
func FilterRecords[T Record](q *Query, items []T) []T {
	pred := q.Predicate()
	out := make([]T, 0, len(items))
	for _, item := range items {
		if pred(item) {
			out = append(out, item)
		}
	}
	return out
}

// SortRecords stable-sorts items in place by q's orderings. The first
// ordering whose comparison is non-zero decides.
func SortRecords[T Record](q *Query, items []T) {
	if q == nil || len(q.Orders) == 0 {
		return
	}
	orders := q.Orders
	slices.SortStableFunc(items, func(a, b T) int {
		for _, o := range orders {
			va, _ := Lookup(a, o.Field)
			vb, _ := Lookup(b, o.Field)
			c, _ := payload.Compare(va, vb)
			if c == 0 {
				continue
			}
			if !o.Ascending {
				return -c
			}
			return c
		}
		return 0
	})
}

// PageWindow slices the requested page out of items.
func PageWindow[T any](q *Query, items []T, correctPageNum bool) []T {
	if !q.IsPaged() {
		return items
	}
	size := q.PageSize
	page := q.EffectivePage()
	start := (page - 1) * size
	if start >= len(items) {
		if !correctPageNum || len(items) == 0 {
			return items[:0]
		}
		for page > 1 && (page-1)*size >= len(items) {
			page--
		}
		start = (page - 1) * size
	}
	end := min(start+size, len(items))
	return items[start:end]
}

// CorrectedPage returns the page PageWindow would serve for n results.
func CorrectedPage(q *Query, n int) int {
	page := q.EffectivePage()
	if !q.IsPaged() {
		return page
	}
	for page > 1 && (page-1)*q.PageSize >= n {
		page--
	}
	return page
}
