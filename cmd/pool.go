package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zero-logement-vacant/zlv-address/internal/db"
)

// lazyPool connects on first use so commands fed entirely from files never
// need a database.
type lazyPool struct {
	pool *pgxpool.Pool
}

func (l *lazyPool) get(ctx context.Context) (*pgxpool.Pool, error) {
	if l.pool != nil {
		return l.pool, nil
	}
	if err := cfg.Validate("db"); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	l.pool = pool
	return pool, nil
}

func (l *lazyPool) close() {
	if l.pool != nil {
		l.pool.Close()
	}
}
