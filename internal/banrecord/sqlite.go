package banrecord

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/zero-logement-vacant/zlv-address/internal/db"
)

// SQLiteStore is the dry-run store: same table and upsert contract as
// Postgres, in a local file.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ban_addresses (
	ref_id          TEXT NOT NULL,
	address_kind    TEXT NOT NULL CHECK (address_kind IN ('Housing', 'Owner')),
	house_number    TEXT,
	address         TEXT,
	street          TEXT,
	postal_code     TEXT,
	city            TEXT,
	latitude        REAL,
	longitude       REAL,
	score           REAL NOT NULL DEFAULT 0,
	ban_id          TEXT,
	geom            BLOB,
	last_updated_at TEXT NOT NULL,
	UNIQUE (ref_id, address_kind)
);
`

// OpenSQLite opens (and creates) a SQLite database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "banrecord: sqlite open")
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		sqliteSchema,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "banrecord: sqlite exec %.40s", stmt)
		}
	}
	return &SQLiteStore{db: conn}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var sqliteUpsertSQL = func() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(Columns)), ", ")
	var set, changed []string
	for _, c := range ChangeColumns {
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
		changed = append(changed, fmt.Sprintf("ban_addresses.%s IS NOT excluded.%s", c, c))
	}
	set = append(set, "geom = excluded.geom", "last_updated_at = excluded.last_updated_at")
	return fmt.Sprintf(
		"INSERT INTO ban_addresses (%s) VALUES (%s) ON CONFLICT (ref_id, address_kind) DO UPDATE SET %s WHERE %s",
		strings.Join(Columns, ", "), placeholders, strings.Join(set, ", "), strings.Join(changed, " OR "),
	)
}()

// Upsert applies records in one transaction with the same change-only
// semantics as PostgresStore.
func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) (int64, error) {
	records = Dedup(records)
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "banrecord: sqlite begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertSQL)
	if err != nil {
		return 0, eris.Wrap(err, "banrecord: sqlite prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var changed int64
	for _, r := range records {
		v, err := r.values()
		if err != nil {
			return 0, err
		}
		v[len(v)-1] = r.LastUpdatedAt.UTC().Format(time.RFC3339Nano)
		res, err := stmt.ExecContext(ctx, v...)
		if err != nil {
			return 0, eris.Wrapf(err, "banrecord: sqlite upsert %s/%s", r.RefID, r.Kind)
		}
		n, _ := res.RowsAffected()
		changed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "banrecord: sqlite commit")
	}
	return changed, nil
}

// All returns every record ordered by (ref_id, address_kind).
func (s *SQLiteStore) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref_id, address_kind, house_number, address, street,
		postal_code, city, latitude, longitude, score, ban_id, last_updated_at
		FROM ban_addresses ORDER BY ref_id, address_kind`)
	if err != nil {
		return nil, eris.Wrap(err, "banrecord: sqlite query")
	}
	defer rows.Close() //nolint:errcheck

	var out []Record
	for rows.Next() {
		var (
			r                                         Record
			kind, updated                             string
			house, addr, street, postal, city, banID sql.NullString
			lat, lon                                  sql.NullFloat64
		)
		if err := rows.Scan(&r.RefID, &kind, &house, &addr, &street, &postal, &city,
			&lat, &lon, &r.Score, &banID, &updated); err != nil {
			return nil, eris.Wrap(err, "banrecord: sqlite scan")
		}
		r.Kind = Kind(kind)
		r.HouseNumber, r.Address, r.Street = house.String, addr.String, street.String
		r.PostalCode, r.City = postal.String, city.String
		r.Latitude, r.Longitude = lat.Float64, lon.Float64
		if banID.Valid {
			id := banID.String
			r.BANID = &id
		}
		if r.LastUpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, eris.Wrap(err, "banrecord: sqlite parse last_updated_at")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "banrecord: sqlite rows")
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ db.Pool
)
