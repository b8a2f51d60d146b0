package rangereq

import (
	"slices"
	"strconv"
	"strings"
)

// Keyset names the SQL expressions a Request is applied to.
type Keyset struct {
	// Key is the ordering key expression, e.g. "l.id".
	Key string
	// Owner is the owner expression used by Request.OwnerID; empty rejects owner filters.
	Owner string
}

// Query is the pagination part of a statement.
type Query struct {
	// Where holds " AND ..." conjunctions to append to an existing WHERE clause.
	Where string
	// Tail is the " ORDER BY ... LIMIT ..." suffix.
	Tail string
	// Args are the caller's base args followed by the pagination args.
	Args []any

	reverse bool
}

// Apply builds the WHERE/ORDER/LIMIT fragment for r. Placeholders continue after base.
func (k Keyset) Apply(r Request, base []any) (Query, error) {
	if strings.TrimSpace(k.Key) == "" {
		return Query{}, ErrInvalidRequest
	}
	p := r.plan()
	if p.owner != nil && strings.TrimSpace(k.Owner) == "" {
		return Query{}, ErrInvalidRequest
	}

	args := append(make([]any, 0, len(base)+3), base...)
	var where strings.Builder

	if p.op != "" {
		args = append(args, p.anchor)
		where.WriteString(" AND " + k.Key + " " + p.op + " $" + strconv.Itoa(len(args)))
	}
	if p.owner != nil {
		args = append(args, *p.owner)
		where.WriteString(" AND " + k.Owner + " = $" + strconv.Itoa(len(args)))
	}

	order := "ASC"
	if p.desc {
		order = "DESC"
	}
	args = append(args, p.limit)
	tail := " ORDER BY " + k.Key + " " + order + " LIMIT $" + strconv.Itoa(len(args))

	return Query{Where: where.String(), Tail: tail, Args: args, reverse: p.reverse}, nil
}

// Finish puts rows scanned for q into delivery order.
func Finish[T any](q Query, rows []T) []T {
	if q.reverse {
		slices.Reverse(rows)
	}
	return rows
}
