package rangereq

import (
	"errors"
	"net/url"
	"reflect"
	"testing"
)

func ptr(v int64) *int64 { return &v }

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Request
		want Request
	}{
		{name: "zero", in: Request{}, want: Request{Limit: DefaultLimit, Direction: Before}},
		{name: "negative limit", in: Request{Limit: -3}, want: Request{Limit: DefaultLimit, Direction: Before}},
		{name: "clamped", in: Request{Limit: 5000, Direction: After}, want: Request{Limit: MaxLimit, Direction: After}},
		{name: "unknown direction", in: Request{Limit: 7, Direction: "sideways"}, want: Request{Limit: 7, Direction: Before}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.in.Normalize(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Normalize()=%+v want=%+v", got, tc.want)
			}
		})
	}
}

func TestFromQuery(t *testing.T) {
	t.Parallel()

	r, err := FromQuery(url.Values{
		"anchor":    {"42"},
		"limit":     {"10"},
		"direction": {"AFTER"},
		"member_id": {"7"},
	}, "member_id")
	if err != nil {
		t.Fatalf("FromQuery: %v", err)
	}
	if r.Anchor == nil || *r.Anchor != 42 {
		t.Fatalf("anchor mismatch: %v", r.Anchor)
	}
	if r.Limit != 10 || r.Direction != After {
		t.Fatalf("unexpected request: %+v", r)
	}
	if r.OwnerID == nil || *r.OwnerID != 7 {
		t.Fatalf("owner mismatch: %v", r.OwnerID)
	}

	r, err = FromQuery(url.Values{"member_id": {"7"}}, "")
	if err != nil {
		t.Fatalf("FromQuery without owner param: %v", err)
	}
	if r.OwnerID != nil {
		t.Fatalf("owner filter must be ignored when ownerParam is empty")
	}

	bad := []url.Values{
		{"anchor": {"x"}},
		{"limit": {"ten"}},
		{"direction": {"up"}},
		{"member_id": {"me"}},
	}
	for _, v := range bad {
		if _, err := FromQuery(v, "member_id"); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("FromQuery(%v): expected ErrInvalidRequest, got %v", v, err)
		}
	}
}

func TestKeysetApply(t *testing.T) {
	t.Parallel()

	ks := Keyset{Key: "l.id", Owner: "l.member_id"}
	base := []any{int64(9)}

	cases := []struct {
		name      string
		req       Request
		wantWhere string
		wantTail  string
		wantArgs  []any
		reverse   bool
	}{
		{
			name:     "no anchor before",
			req:      Request{Limit: 3},
			wantTail: " ORDER BY l.id DESC LIMIT $2",
			wantArgs: []any{int64(9), 3},
		},
		{
			name:     "no anchor after is reversed",
			req:      Request{Limit: 3, Direction: After},
			wantTail: " ORDER BY l.id DESC LIMIT $2",
			wantArgs: []any{int64(9), 3},
			reverse:  true,
		},
		{
			name:      "anchor before",
			req:       Request{Anchor: ptr(100), Limit: 3},
			wantWhere: " AND l.id < $2",
			wantTail:  " ORDER BY l.id DESC LIMIT $3",
			wantArgs:  []any{int64(9), int64(100), 3},
		},
		{
			name:      "anchor after with owner",
			req:       Request{Anchor: ptr(100), Limit: 3, Direction: After, OwnerID: ptr(5)},
			wantWhere: " AND l.id > $2 AND l.member_id = $3",
			wantTail:  " ORDER BY l.id ASC LIMIT $4",
			wantArgs:  []any{int64(9), int64(100), int64(5), 3},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q, err := ks.Apply(tc.req, base)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if q.Where != tc.wantWhere {
				t.Fatalf("where=%q want=%q", q.Where, tc.wantWhere)
			}
			if q.Tail != tc.wantTail {
				t.Fatalf("tail=%q want=%q", q.Tail, tc.wantTail)
			}
			if !reflect.DeepEqual(q.Args, tc.wantArgs) {
				t.Fatalf("args=%v want=%v", q.Args, tc.wantArgs)
			}
			if q.reverse != tc.reverse {
				t.Fatalf("reverse=%v want=%v", q.reverse, tc.reverse)
			}
		})
	}

	if _, err := (Keyset{Key: "r.id"}).Apply(Request{OwnerID: ptr(1)}, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("owner filter without owner column: expected ErrInvalidRequest, got %v", err)
	}
	if len(base) != 1 {
		t.Fatalf("Apply must not mutate base args")
	}
}

func TestFinish_ReversesOnlyWhenPlanned(t *testing.T) {
	t.Parallel()

	q, _ := Keyset{Key: "id"}.Apply(Request{Direction: After}, nil)
	got := Finish(q, []int64{3, 2, 1})
	if !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Fatalf("Finish=%v", got)
	}

	q, _ = Keyset{Key: "id"}.Apply(Request{}, nil)
	got = Finish(q, []int64{3, 2, 1})
	if !reflect.DeepEqual(got, []int64{3, 2, 1}) {
		t.Fatalf("Finish=%v", got)
	}
}
