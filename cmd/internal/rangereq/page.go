package rangereq

import (
	"cmp"
	"slices"
)

// Keys extracts the ordering key and (optionally) the owner of a row.
type Keys[T any] struct {
	Key   func(T) int64
	Owner func(T) int64
}

// Page applies r to an in-memory row set. rows is not modified.
func Page[T any](rows []T, keys Keys[T], r Request) ([]T, error) {
	if keys.Key == nil {
		return nil, ErrInvalidRequest
	}
	p := r.plan()
	if p.owner != nil && keys.Owner == nil {
		return nil, ErrInvalidRequest
	}

	out := make([]T, 0, min(len(rows), p.limit))
	for _, row := range rows {
		if !p.admits(keys.Key(row)) {
			continue
		}
		if p.owner != nil && keys.Owner(row) != *p.owner {
			continue
		}
		out = append(out, row)
	}

	slices.SortFunc(out, func(a, b T) int {
		c := cmp.Compare(keys.Key(a), keys.Key(b))
		if p.desc {
			return -c
		}
		return c
	})

	if len(out) > p.limit {
		out = out[:p.limit]
	}
	if p.reverse {
		slices.Reverse(out)
	}
	return out, nil
}
