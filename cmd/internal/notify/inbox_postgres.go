package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresInbox persists notifications into <schema>.notifications.
// Inserts are keyed by notification ID, so redelivered tasks are absorbed.
type PostgresInbox struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresInbox constructs a PostgresInbox. The pool is owned by the caller.
func NewPostgresInbox(pool *pgxpool.Pool, schema string) (*PostgresInbox, error) {
	if pool == nil {
		return nil, errors.New("notify: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "dm"
	}
	if !pgIdentRE.MatchString(schema) {
		return nil, errors.New("notify: invalid schema identifier")
	}
	return &PostgresInbox{pool: pool, schema: schema}, nil
}

// Name implements Sink.
func (p *PostgresInbox) Name() string { return "postgres_inbox" }

// Deliver implements Sink.
func (p *PostgresInbox) Deliver(ctx context.Context, n Notification) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO `+pgx.Identifier{p.schema, "notifications"}.Sanitize()+` (
		     id, user_id, sender_id, room_id, log_id, content, is_html, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.SenderID, n.RoomID, n.LogID, n.Content, n.IsHTML, n.CreatedAt,
	)
	return err
}

// List implements Inbox. IDs are ULIDs, so id order is creation order.
func (p *PostgresInbox) List(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	limit = inboxLimit(limit)
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, sender_id, room_id, log_id, content, is_html, created_at
		   FROM `+pgx.Identifier{p.schema, "notifications"}.Sanitize()+`
		  WHERE user_id = $1
		  ORDER BY id DESC
		  LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.SenderID, &n.RoomID, &n.LogID, &n.Content, &n.IsHTML, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ApplySchema creates the notifications table when missing.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !pgIdentRE.MatchString(schema) {
		return errors.New("notify: invalid schema identifier")
	}
	tbl := pgx.Identifier{schema, "notifications"}.Sanitize()
	_, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  user_id    BIGINT NOT NULL,
  sender_id  BIGINT NOT NULL,
  room_id    BIGINT NOT NULL,
  log_id     BIGINT NOT NULL,
  content    TEXT NOT NULL,
  is_html    BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notifications_user_id
  ON %s (user_id, id DESC);
`, pgx.Identifier{schema}.Sanitize(), tbl, tbl))
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
