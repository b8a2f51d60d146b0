package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dmroom/cmd/internal/directmessage"
	"dmroom/cmd/internal/notify"
	"dmroom/cmd/internal/people"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// ApplySchemas creates every table the service owns in schema. Each step is idempotent.
// Order matters: people tables first, then rooms/memberships/logs, then the inbox.
func ApplySchemas(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	steps := []struct {
		name  string
		apply func(context.Context, *pgxpool.Pool, string) error
	}{
		{name: "people", apply: people.ApplySchema},
		{name: "directmessage", apply: directmessage.ApplySchema},
		{name: "notify", apply: notify.ApplySchema},
	}
	for _, s := range steps {
		if err := s.apply(ctx, pool, schema); err != nil {
			return fmt.Errorf("apply %s schema: %w", s.name, err)
		}
	}
	return nil
}
