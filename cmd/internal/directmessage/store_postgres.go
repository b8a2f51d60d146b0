package directmessage

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"dmroom/cmd/internal/rangereq"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists rooms, memberships and logs in PostgreSQL.
//
// Ownership model: the pgx pool belongs to the caller. users and user_relationships are
// read from the same schema for room listing.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "dm").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" || !pgIdentIsValid(schema) {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "dm"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func (s *PostgresStore) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	return ctx.Err()
}

// ResolveRoom finds the room in which both a and b hold a membership.
func (s *PostgresStore) ResolveRoom(ctx context.Context, a, b int64) (int64, bool, error) {
	if err := s.ready(ctx); err != nil {
		return 0, false, err
	}
	members := pgIdent(s.schema, tableMemberships)

	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT a.room_id
		   FROM `+members+` a
		   JOIN `+members+` b ON b.room_id = a.room_id
		  WHERE a.user_id = $1 AND b.user_id = $2
		  ORDER BY a.room_id
		  LIMIT 1`,
		a, b,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// EnsureRoom returns the existing room for the pair or creates it.
//
// Creation seeds the watermark with the current global maximum log id (-1 when there are
// no logs). A concurrent creator that loses on uq_direct_message_rooms_pair re-resolves.
func (s *PostgresStore) EnsureRoom(ctx context.Context, a, b int64) (Room, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Room{}, false, err
	}
	if a == b {
		return Room{}, false, ErrInvalidInput
	}

	if id, ok, err := s.ResolveRoom(ctx, a, b); err != nil {
		return Room{}, false, err
	} else if ok {
		return s.mustGetRoom(ctx, id)
	}

	room, err := s.createRoom(ctx, a, b)
	if err == nil {
		return room, true, nil
	}
	if !pgIsUniqueViolation(err) {
		return Room{}, false, err
	}

	id, ok, err := s.ResolveRoom(ctx, a, b)
	if err != nil {
		return Room{}, false, err
	}
	if !ok {
		// The winner's room vanished between its commit and our read.
		return Room{}, false, ErrRoomNotFound
	}
	return s.mustGetRoom(ctx, id)
}

func (s *PostgresStore) mustGetRoom(ctx context.Context, id int64) (Room, bool, error) {
	room, ok, err := s.GetRoom(ctx, id)
	if err != nil {
		return Room{}, false, err
	}
	if !ok {
		return Room{}, false, ErrRoomNotFound
	}
	return room, false, nil
}

func (s *PostgresStore) createRoom(ctx context.Context, a, b int64) (Room, error) {
	rooms := pgIdent(s.schema, tableRooms)
	members := pgIdent(s.schema, tableMemberships)
	logs := pgIdent(s.schema, tableLogs)
	low, high := canonicalPair(a, b)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var newest int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), -1) FROM `+logs,
	).Scan(&newest); err != nil {
		return Room{}, err
	}

	var room Room
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+rooms+` (start_inclusive_log_id, user_low, user_high)
		 VALUES ($1, $2, $3)
		 RETURNING id, start_inclusive_log_id`,
		newest, low, high,
	).Scan(&room.ID, &room.StartInclusiveLogID); err != nil {
		return Room{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+members+` (room_id, user_id) VALUES ($1, $2), ($1, $3)`,
		room.ID, a, b,
	); err != nil {
		return Room{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}
	return room, nil
}

// GetRoom reads one room.
func (s *PostgresStore) GetRoom(ctx context.Context, roomID int64) (Room, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Room{}, false, err
	}
	var room Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, start_inclusive_log_id FROM `+pgIdent(s.schema, tableRooms)+` WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.StartInclusiveLogID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Room{}, false, nil
	}
	if err != nil {
		return Room{}, false, err
	}
	return room, true, nil
}

// DeleteRoom removes children before the parent so no cascade is required.
func (s *PostgresStore) DeleteRoom(ctx context.Context, roomID int64) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, tableLogs)+` WHERE room_id = $1`, roomID); err != nil {
		return false, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, tableMemberships)+` WHERE room_id = $1`, roomID); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM `+pgIdent(s.schema, tableRooms)+` WHERE id = $1`, roomID)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendLog inserts a log and applies the watermark rule in one transaction.
//
// The membership check is part of the INSERT so a concurrent membership change cannot
// slip between check and insert. The watermark update is a conditional UPDATE evaluated
// by the row lock, never a read-modify-write.
func (s *PostgresStore) AppendLog(ctx context.Context, in AppendRecord) (Log, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Log{}, false, err
	}
	if in.Content == "" {
		return Log{}, false, ErrInvalidInput
	}
	rooms := pgIdent(s.schema, tableRooms)
	members := pgIdent(s.schema, tableMemberships)
	logs := pgIdent(s.schema, tableLogs)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Log{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := Log{RoomID: in.RoomID, MemberID: in.AuthorID, Content: in.Content, Date: in.Date, IsHTML: in.IsHTML}
	err = tx.QueryRow(ctx,
		`INSERT INTO `+logs+` (room_id, member_id, content, date, is_html)
		 SELECT $1, $2, $3, $4, $5
		  WHERE EXISTS (SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2)
		 RETURNING id`,
		in.RoomID, in.AuthorID, in.Content, in.Date, in.IsHTML,
	).Scan(&out.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, false, nil
	}
	if err != nil {
		return Log{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+rooms+`
		    SET start_inclusive_log_id = $2
		  WHERE id = $1
		    AND (start_inclusive_log_id = -1 OR start_inclusive_log_id > $2)`,
		in.RoomID, out.ID,
	); err != nil {
		return Log{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Log{}, false, err
	}
	return out, true, nil
}

// ListLogs pages the room's logs above the requester's hide cursor and the room watermark.
func (s *PostgresStore) ListLogs(ctx context.Context, roomID, requesterID int64, r rangereq.Request) ([]Log, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q, err := rangereq.Keyset{Key: "l.id", Owner: "l.member_id"}.Apply(r, []any{roomID, requesterID})
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.room_id, l.member_id, l.content, l.date, l.is_html, l.is_liked
		   FROM `+pgIdent(s.schema, tableLogs)+` l
		   JOIN `+pgIdent(s.schema, tableRooms)+` r ON r.id = l.room_id
		  WHERE l.room_id = $1
		    AND l.id > COALESCE((
		          SELECT m.hide_log_id FROM `+pgIdent(s.schema, tableMemberships)+` m
		           WHERE m.room_id = $1 AND m.user_id = $2), -1)
		    AND (r.start_inclusive_log_id = -1 OR l.id >= r.start_inclusive_log_id)`+
			q.Where+q.Tail,
		q.Args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Log, 0, 16)
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.RoomID, &l.MemberID, &l.Content, &l.Date, &l.IsHTML, &l.IsLiked); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rangereq.Finish(q, out), nil
}

// GetLog reads one log.
func (s *PostgresStore) GetLog(ctx context.Context, logID int64) (Log, bool, error) {
	if err := s.ready(ctx); err != nil {
		return Log{}, false, err
	}
	var l Log
	err := s.pool.QueryRow(ctx,
		`SELECT id, room_id, member_id, content, date, is_html, is_liked
		   FROM `+pgIdent(s.schema, tableLogs)+`
		  WHERE id = $1`,
		logID,
	).Scan(&l.ID, &l.RoomID, &l.MemberID, &l.Content, &l.Date, &l.IsHTML, &l.IsLiked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Log{}, false, nil
	}
	if err != nil {
		return Log{}, false, err
	}
	return l, true, nil
}

// SetLiked is a no-op when logID does not exist.
func (s *PostgresStore) SetLiked(ctx context.Context, logID int64, liked bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, tableLogs)+` SET is_liked = $2 WHERE id = $1`,
		logID, liked,
	)
	return err
}

// LastLogID returns the newest log id of the room, or NoLogID.
func (s *PostgresStore) LastLogID(ctx context.Context, roomID int64) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), -1) FROM `+pgIdent(s.schema, tableLogs)+` WHERE room_id = $1`,
		roomID,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// IsMember reports whether userID holds a membership in roomID.
func (s *PostgresStore) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, tableMemberships)+` WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// HideCursor returns the member's hide cursor, NoLogID without a membership.
func (s *PostgresStore) HideCursor(ctx context.Context, userID, roomID int64) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT hide_log_id FROM `+pgIdent(s.schema, tableMemberships)+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return NoLogID, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SetHideCursor overwrites the cursor; monotonicity is the caller's concern.
func (s *PostgresStore) SetHideCursor(ctx context.Context, userID, roomID, logID int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, tableMemberships)+` SET hide_log_id = $3 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID, logID,
	)
	return err
}

// Members lists the room's member ids in ascending order.
func (s *PostgresStore) Members(ctx context.Context, roomID int64) ([]int64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+pgIdent(s.schema, tableMemberships)+` WHERE room_id = $1 ORDER BY user_id`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRooms pages the requester's rooms that have at least one log and whose counterpart
// is not blocked in either direction. The counterpart must exist in users.
func (s *PostgresStore) ListRooms(ctx context.Context, requesterID int64, r rangereq.Request) ([]RoomSummary, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q, err := rangereq.Keyset{Key: "a.room_id", Owner: "b.user_id"}.Apply(r, []any{requesterID})
	if err != nil {
		return nil, err
	}
	members := pgIdent(s.schema, tableMemberships)
	rels := pgIdent(s.schema, "user_relationships")

	rows, err := s.pool.Query(ctx,
		`WITH blocked AS (
		     SELECT to_id AS id FROM `+rels+` WHERE from_id = $1 AND relationship < 0
		     UNION
		     SELECT from_id FROM `+rels+` WHERE to_id = $1 AND relationship < 0
		 )
		 SELECT a.room_id, b.user_id, u.display_name, MAX(l.id), a.hide_log_id
		   FROM `+members+` a
		   JOIN `+members+` b ON b.room_id = a.room_id
		   JOIN `+pgIdent(s.schema, "users")+` u ON u.id = b.user_id
		   JOIN `+pgIdent(s.schema, tableLogs)+` l ON l.room_id = a.room_id
		  WHERE a.user_id = $1
		    AND b.user_id <> $1
		    AND NOT EXISTS (SELECT 1 FROM blocked WHERE blocked.id = b.user_id)`+
			q.Where+`
		  GROUP BY a.room_id, b.user_id, u.display_name, a.hide_log_id`+
			q.Tail,
		q.Args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RoomSummary, 0, 16)
	for rows.Next() {
		var rs RoomSummary
		if err := rows.Scan(&rs.RoomID, &rs.CounterpartID, &rs.CounterpartName, &rs.LastLogID, &rs.HideLogID); err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rangereq.Finish(q, out), nil
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
