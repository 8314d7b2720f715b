package banrecord

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/db"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Table is the persistent BAN address table.
const Table = "ban_addresses"

// Store applies record upserts. Every call is atomic: all records are
// applied or none.
type Store interface {
	Upsert(ctx context.Context, records []Record) (int64, error)
}

// PostgresStore upserts into ban_addresses through a temp table.
type PostgresStore struct {
	pool db.Pool
	log  *zap.Logger
}

// NewPostgresStore creates a store on pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, log: zap.L().With(zap.String("component", "banrecord"))}
}

// Upsert stages records and merges them with ON CONFLICT (ref_id,
// address_kind) DO UPDATE. Rows whose fields are unchanged are not rewritten,
// so replaying a response leaves the table as it was. It returns the number
// of rows inserted or changed.
func (s *PostgresStore) Upsert(ctx context.Context, records []Record) (int64, error) {
	records = Dedup(records)
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		v, err := r.values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, v)
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        Table,
		Columns:      Columns,
		ConflictKeys: []string{"ref_id", "address_kind"},
		ChangeCols:   ChangeColumns,
	}, rows)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "21000" {
			return 0, &resilience.InvariantError{Invariant: "ban_addresses_unique_key", Err: err}
		}
		return 0, eris.Wrap(err, "banrecord: upsert")
	}

	s.log.Debug("upserted ban records", zap.Int("records", len(records)), zap.Int64("changed", n))
	return n, nil
}
