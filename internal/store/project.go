package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/entsync/internal/errs"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
)

// Project applies q's $expand and then $select to items read from s.
// Expansion recursively reads related sets through s.GetAll and s.GetOne,
// so nested paths ("Orders/Lines") are expanded by the related read.
func Project(ctx context.Context, s DataStore, r Resolver, setName string, items []Item, q *query.Query) ([]Item, error) {
	if q == nil || (len(q.Expands) == 0 && len(q.Selects) == 0) {
		return items, nil
	}

	heads, nested := splitExpands(q.Expands)
	out := make([]Item, len(items))
	for i, item := range items {
		data := item.Data.Clone()
		for _, head := range heads {
			if r == nil {
				return nil, errs.New(errs.CodeRelationUnsupported, "store cannot expand %q without relation metadata", head).
					With("set", setName)
			}
			rel, ok := r.Relation(setName, head)
			if !ok {
				return nil, errs.New(errs.CodeRelationUnsupported, "unknown relation %q", head).With("set", setName)
			}
			value, err := expandOne(ctx, s, rel, item, nested[head])
			if err != nil {
				return nil, fmt.Errorf("expand %s.%s: %w", setName, head, err)
			}
			data[head] = value
		}
		if len(q.Selects) > 0 {
			data = selectFields(data, q.Selects, heads)
		}
		out[i] = Item{Key: item.Key, State: item.State, Data: data}
	}
	return out, nil
}

func expandOne(ctx context.Context, s DataStore, rel Relation, owner Item, sub []string) (any, error) {
	var subQuery *query.Query
	if len(sub) > 0 {
		subQuery = query.New().Expand(sub...)
	}

	switch rel.Kind {
	case ToOne:
		fk := payload.KeyString(owner.Data[rel.ForeignKey])
		if fk == "" {
			return nil, nil
		}
		target, err := s.GetOne(ctx, rel.TargetSet, fk, subQuery)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return target.Data, nil
	default:
		ownerKey := any(owner.Key)
		if rel.OwnerKey != "" {
			if v, ok := owner.Data[rel.OwnerKey]; ok {
				ownerKey = v
			}
		}
		q := query.New().Where(rel.ForeignKey, query.OpEq, ownerKey)
		if subQuery != nil {
			q.Expand(subQuery.Expands...)
		}
		targets, err := s.GetAll(ctx, rel.TargetSet, q)
		if err != nil {
			return nil, err
		}
		list := make([]any, len(targets))
		for i, t := range targets {
			list[i] = t.Data
		}
		return list, nil
	}
}

// splitExpands groups expansion paths by their first segment, keeping the
// first-seen order of heads.
func splitExpands(expands []string) ([]string, map[string][]string) {
	var heads []string
	nested := make(map[string][]string)
	for _, e := range expands {
		head, rest, hasRest := strings.Cut(e, "/")
		if _, seen := nested[head]; !seen {
			heads = append(heads, head)
			nested[head] = nil
		}
		if hasRest {
			nested[head] = append(nested[head], rest)
		}
	}
	return heads, nested
}

func selectFields(data payload.Object, selects, expanded []string) payload.Object {
	out := make(payload.Object, len(selects)+len(expanded))
	for _, sel := range selects {
		head, _, _ := strings.Cut(sel, "/")
		if v, ok := data[head]; ok {
			out[head] = v
		}
	}
	for _, head := range expanded {
		if !slices.Contains(selects, head) {
			out[head] = data[head]
		}
	}
	return out
}
