package rangereq

import (
	"errors"
	"reflect"
	"testing"
)

type row struct {
	id    int64
	owner int64
}

var rowKeys = Keys[row]{
	Key:   func(r row) int64 { return r.id },
	Owner: func(r row) int64 { return r.owner },
}

func ids(rows []row) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.id)
	}
	return out
}

func fixture() []row {
	// Deliberately unsorted.
	return []row{{5, 1}, {1, 2}, {9, 1}, {3, 2}, {7, 1}, {2, 1}, {8, 2}, {4, 1}, {6, 2}}
}

func TestPage_Semantics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		req  Request
		want []int64
	}{
		{name: "newest first", req: Request{Limit: 3}, want: []int64{9, 8, 7}},
		{name: "newest delivered ascending", req: Request{Limit: 3, Direction: After}, want: []int64{7, 8, 9}},
		{name: "before anchor exclusive", req: Request{Anchor: ptr(5), Limit: 3}, want: []int64{4, 3, 2}},
		{name: "after anchor exclusive", req: Request{Anchor: ptr(5), Limit: 3, Direction: After}, want: []int64{6, 7, 8}},
		{name: "owner filter", req: Request{Limit: 10, OwnerID: ptr(2)}, want: []int64{8, 6, 3, 1}},
		{name: "past the end", req: Request{Anchor: ptr(1), Limit: 3}, want: []int64{}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Page(fixture(), rowKeys, tc.req)
			if err != nil {
				t.Fatalf("Page: %v", err)
			}
			if g := ids(got); !reflect.DeepEqual(g, tc.want) {
				t.Fatalf("Page=%v want=%v", g, tc.want)
			}
		})
	}
}

func TestPage_IdempotentAndGapFree(t *testing.T) {
	t.Parallel()

	for _, dir := range []Direction{Before, After} {
		var (
			seen []int64
			req  = Request{Limit: 2, Direction: dir}
		)
		if dir == After {
			start := int64(0)
			req.Anchor = &start
		}

		for page := 0; page < 10; page++ {
			a, err := Page(fixture(), rowKeys, req)
			if err != nil {
				t.Fatalf("Page: %v", err)
			}
			b, _ := Page(fixture(), rowKeys, req)
			if !reflect.DeepEqual(ids(a), ids(b)) {
				t.Fatalf("repeated page differs: %v vs %v", ids(a), ids(b))
			}
			if len(a) == 0 {
				break
			}
			seen = append(seen, ids(a)...)
			req = req.Next(a[len(a)-1].id)
		}

		if len(seen) != 9 {
			t.Fatalf("direction=%s: expected 9 rows across pages, got %v", dir, seen)
		}
		uniq := make(map[int64]struct{}, len(seen))
		for _, id := range seen {
			if _, dup := uniq[id]; dup {
				t.Fatalf("direction=%s: duplicate id %d in %v", dir, id, seen)
			}
			uniq[id] = struct{}{}
		}
	}
}

func TestPage_RejectsOwnerFilterWithoutOwnerKey(t *testing.T) {
	t.Parallel()

	_, err := Page(fixture(), Keys[row]{Key: rowKeys.Key}, Request{OwnerID: ptr(1)})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
