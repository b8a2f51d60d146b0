// Package rangereq implements the keyset pagination contract shared by every list operation.
//
// A Request is turned into exactly one plan; the SQL builder (Keyset.Apply) and the
// in-memory pager (Page) both consume that plan, so direction handling, the exclusive
// anchor and limit clamping behave identically for every backend and every entity.
package rangereq

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Direction selects which side of the anchor a page is read from.
type Direction string

const (
	// Before reads keys strictly below the anchor, newest first.
	Before Direction = "before"
	// After reads keys strictly above the anchor, oldest first.
	After Direction = "after"
)

const (
	// DefaultLimit is used when Limit <= 0.
	DefaultLimit = 50
	// MaxLimit caps any requested page size.
	MaxLimit = 200
)

// ErrInvalidRequest is returned for malformed range parameters.
var ErrInvalidRequest = errors.New("rangereq: invalid request")

// Request is a generic range request over a monotonic int64 key.
type Request struct {
	// Anchor is the exclusive boundary; nil selects the newest rows.
	Anchor *int64
	// Limit is clamped to [1, MaxLimit]; <= 0 means DefaultLimit.
	Limit int
	// Direction defaults to Before.
	Direction Direction
	// OwnerID optionally restricts rows to one owner (log author, room counterpart).
	OwnerID *int64
}

// Normalize returns a copy with defaults and limit clamping applied.
func (r Request) Normalize() Request {
	if r.Limit <= 0 {
		r.Limit = DefaultLimit
	}
	if r.Limit > MaxLimit {
		r.Limit = MaxLimit
	}
	if r.Direction != After {
		r.Direction = Before
	}
	return r
}

// Next returns the request for the page following rows whose last key is lastKey.
func (r Request) Next(lastKey int64) Request {
	r = r.Normalize()
	r.Anchor = &lastKey
	return r
}

type plan struct {
	op      string
	anchor  int64
	desc    bool
	reverse bool
	limit   int
	owner   *int64
}

func (r Request) plan() plan {
	r = r.Normalize()
	p := plan{limit: r.Limit, owner: r.OwnerID}

	switch {
	case r.Anchor == nil:
		// Newest rows first; After delivers them back in ascending order.
		p.desc = true
		p.reverse = r.Direction == After
	case r.Direction == After:
		p.op, p.anchor = ">", *r.Anchor
	default:
		p.op, p.anchor, p.desc = "<", *r.Anchor, true
	}
	return p
}

func (p plan) admits(key int64) bool {
	switch p.op {
	case "<":
		return key < p.anchor
	case ">":
		return key > p.anchor
	default:
		return true
	}
}

// FromQuery parses anchor, limit and direction from URL query values.
// ownerParam names the optional owner filter parameter (empty disables it).
func FromQuery(v url.Values, ownerParam string) (Request, error) {
	var r Request

	if raw := strings.TrimSpace(v.Get("anchor")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Request{}, fmt.Errorf("%w: anchor: %v", ErrInvalidRequest, err)
		}
		r.Anchor = &n
	}

	if raw := strings.TrimSpace(v.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Request{}, fmt.Errorf("%w: limit: %v", ErrInvalidRequest, err)
		}
		r.Limit = n
	}

	switch d := Direction(strings.ToLower(strings.TrimSpace(v.Get("direction")))); d {
	case "", Before:
		r.Direction = Before
	case After:
		r.Direction = After
	default:
		return Request{}, fmt.Errorf("%w: direction %q", ErrInvalidRequest, d)
	}

	if ownerParam != "" {
		if raw := strings.TrimSpace(v.Get(ownerParam)); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Request{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, ownerParam, err)
			}
			r.OwnerID = &n
		}
	}

	return r.Normalize(), nil
}
