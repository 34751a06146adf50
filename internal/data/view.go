package data

import (
	"context"
	"sync"

	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/query"
)

// View is a pull-based projection of a set through a query.
//
// Items recomputes only when the set's or the query's version moved.
// A paged view whose set is not synchronized with the server serves the
// last page fetched by Refresh instead, because the local contents cannot
// tell which entities belong to that page.
//
// A page number past the last page is moved back to the last non-empty
// page, both for local results and for server totals seen by Refresh.
type View struct {
	set *Set
	q   *query.Query

	mu          sync.Mutex
	cached      []*mapping.Entity
	setVersion  uint64
	qVersion    uint64
	valid       bool
	last        []*mapping.Entity
	remoteCount int
}

func newView(s *Set, q *query.Query) *View {
	if q == nil {
		q = query.New()
	}
	return &View{set: s, q: q, remoteCount: -1}
}

// Query returns the view's query. Builder calls on it invalidate Items.
func (v *View) Query() *query.Query {
	return v.q
}

// Set returns the projected set.
func (v *View) Set() *Set {
	return v.set
}

// Frozen reports whether Items serves the last server page.
func (v *View) Frozen() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frozenLocked()
}

func (v *View) frozenLocked() bool {
	return v.q.IsPaged() && !v.set.IsSynchronized() && len(v.last) > 0
}

// Items returns the current projection.
func (v *View) Items() ([]*mapping.Entity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.frozenLocked() {
		return append([]*mapping.Entity(nil), v.last...), nil
	}
	sv, qv := v.set.Version(), v.q.Version()
	if v.valid && sv == v.setVersion && qv == v.qVersion {
		return append([]*mapping.Entity(nil), v.cached...), nil
	}
	contents := v.set.Contents()
	out, err := query.Apply(v.q, contents, true)
	if err != nil {
		return nil, err
	}
	if v.q.IsPaged() {
		n := len(query.FilterRecords(v.q, contents))
		if page := query.CorrectedPage(v.q, n); page != v.q.EffectivePage() {
			v.q.Page(page, v.q.PageSize)
			qv = v.q.Version()
		}
	}
	v.cached, v.setVersion, v.qVersion, v.valid = out, sv, qv, true
	return append([]*mapping.Entity(nil), out...), nil
}

// Count is the server total from the last Refresh, -1 before one.
func (v *View) Count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.remoteCount
}

// Refresh runs the view's query remotely and keeps the returned page.
func (v *View) Refresh(ctx context.Context) error {
	res, err := v.set.Query(ctx, v.q, true)
	if err != nil {
		return err
	}
	if len(res.Entities) == 0 && res.Count > 0 {
		if page := query.CorrectedPage(v.q, res.Count); page != v.q.EffectivePage() {
			v.set.logger.Debug("stale page", "page", v.q.EffectivePage(), "corrected", page)
			v.q.Page(page, v.q.PageSize)
			if res, err = v.set.Query(ctx, v.q, true); err != nil {
				return err
			}
		}
	}
	v.mu.Lock()
	v.last = res.Entities
	v.remoteCount = res.Count
	v.valid = false
	v.mu.Unlock()
	return nil
}
