package people

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads users and user_relationships.
//
// Ownership model: the pgx pool belongs to the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// Option configures PostgresStore behavior.
type Option func(*PostgresStore) error

// WithSchema sets the DB schema (default: "dm").
func WithSchema(schema string) Option {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("people: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("people: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed directory and relationship store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) (*PostgresStore, error) {
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
		return nil, errors.New("people: nil pool")
	}
	return st, nil
}

// GetDisplayName returns the display name of userID.
func (s *PostgresStore) GetDisplayName(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT display_name FROM `+pgIdent(s.schema, "users")+` WHERE id = $1`,
		userID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

// IsBlocked checks user_relationships for a negative value in either direction.
func (s *PostgresStore) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	var blocked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM `+pgIdent(s.schema, "user_relationships")+`
		      WHERE relationship < 0
		        AND ((from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1))
		 )`,
		a, b,
	).Scan(&blocked)
	if err != nil {
		return false, err
	}
	return blocked, nil
}

// ApplySchema creates the users and user_relationships tables when missing.
// Production deployments own these tables elsewhere; this exists for dev and tests.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if !isValidPGIdent(schema) {
		return errors.New("people: invalid schema identifier")
	}
	users := pgIdent(schema, "users")
	rels := pgIdent(schema, "user_relationships")

	_, err := pool.Exec(ctx, fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           BIGINT PRIMARY KEY,
  display_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %s (
  from_id      BIGINT NOT NULL,
  to_id        BIGINT NOT NULL,
  relationship SMALLINT NOT NULL,
  PRIMARY KEY (from_id, to_id)
);

CREATE INDEX IF NOT EXISTS idx_user_relationships_to
  ON %s (to_id, relationship);
`, pgx.Identifier{schema}.Sanitize(), users, rels, rels))
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
