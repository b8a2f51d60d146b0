package directmessage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	tableRooms       = "direct_message_rooms"
	tableMemberships = "direct_message_room_memberships"
	tableLogs        = "direct_message_logs"
)

// ApplySchema creates the room, membership and log tables when missing.
//
// The unique (user_low, user_high) pair makes concurrent EnsureRoom calls converge on one
// room. Logs reference memberships, so a log's author always belongs to its room.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("directmessage: nil pool")
	}
	if !pgIdentIsValid(schema) {
		return errors.New("directmessage: invalid schema identifier")
	}
	rooms := pgIdent(schema, tableRooms)
	members := pgIdent(schema, tableMemberships)
	logs := pgIdent(schema, tableLogs)

	_, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id                     BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  start_inclusive_log_id BIGINT NOT NULL DEFAULT -1,
  user_low               BIGINT NOT NULL,
  user_high              BIGINT NOT NULL,

  CONSTRAINT uq_direct_message_rooms_pair UNIQUE (user_low, user_high),
  CONSTRAINT chk_direct_message_rooms_pair CHECK (user_low < user_high)
);

CREATE TABLE IF NOT EXISTS %s (
  room_id     BIGINT NOT NULL REFERENCES %s(id),
  user_id     BIGINT NOT NULL,
  hide_log_id BIGINT NOT NULL DEFAULT -1,
  PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_direct_message_room_memberships_user
  ON %s (user_id, room_id);

CREATE TABLE IF NOT EXISTS %s (
  id        BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
  room_id   BIGINT NOT NULL,
  member_id BIGINT NOT NULL,
  content   TEXT NOT NULL,
  date      BIGINT NOT NULL,
  is_html   BOOLEAN NOT NULL DEFAULT false,
  is_liked  BOOLEAN NOT NULL DEFAULT false,

  CONSTRAINT chk_direct_message_logs_content CHECK (content <> ''),
  FOREIGN KEY (room_id, member_id) REFERENCES %s(room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_direct_message_logs_room_id
  ON %s (room_id, id);
`, pgx.Identifier{schema}.Sanitize(), rooms, members, rooms, members, logs, members, logs))
	return err
}
