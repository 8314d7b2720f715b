package ownerscore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/db"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// RowSource yields scoring rows grouped by local_id: every row of a local_id
// arrives before the next local_id starts.
type RowSource interface {
	Rows(ctx context.Context, limit int, fn func(Row) error) error
}

var personFields = []string{"fullname", "raw_address", "postal_code", "city"}

// ownerColumns are the owner_* columns of the wide row.
func ownerColumns() []string {
	out := make([]string, len(personFields))
	for i, f := range personFields {
		out[i] = "owner_" + f
	}
	return out
}

// ffColumns are the ff_owner_<rank>_* columns for one slot.
func ffColumns(rank int) []string {
	out := make([]string, 0, len(personFields)+2)
	for _, f := range personFields {
		out = append(out, fmt.Sprintf("ff_owner_%d_%s", rank, f))
	}
	return append(out,
		fmt.Sprintf("ff_owner_%d_birth_date", rank),
		fmt.Sprintf("ff_owner_%d_idprodroit", rank),
	)
}

// PostgresRowSource reads the wide candidate view.
type PostgresRowSource struct {
	pool  db.Pool
	table string
}

// NewPostgresRowSource reads rows from table (schema-qualified names allowed).
func NewPostgresRowSource(pool db.Pool, table string) *PostgresRowSource {
	return &PostgresRowSource{pool: pool, table: table}
}

// Query renders the select statement. $1 limits the number of local_ids, not
// rows, so every candidate of a selected housing is read (NULL = all).
func (s *PostgresRowSource) Query() string {
	cols := []string{"local_id::text"}
	for _, c := range ownerColumns() {
		cols = append(cols, fmt.Sprintf("COALESCE(%s::text, '')", c))
	}
	for rank := 1; rank <= MaxCandidates; rank++ {
		for _, c := range ffColumns(rank) {
			cols = append(cols, fmt.Sprintf("COALESCE(%s::text, '')", c))
		}
	}
	cols = append(cols, "mutation_date::timestamptz")
	table := pgx.Identifier(strings.Split(s.table, ".")).Sanitize()
	return "SELECT " + strings.Join(cols, ", ") +
		" FROM " + table +
		" WHERE local_id IN (SELECT DISTINCT local_id FROM " + table + " ORDER BY local_id LIMIT $1)" +
		" ORDER BY local_id"
}

// Rows streams the view ordered by local_id.
func (s *PostgresRowSource) Rows(ctx context.Context, limit int, fn func(Row) error) error {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, s.Query(), lim)
	if err != nil {
		return eris.Wrapf(err, "ownerscore: query %s", s.table)
	}
	defer rows.Close()

	for rows.Next() {
		var r Row
		dest := []any{&r.LocalID, &r.Owner.Fullname, &r.Owner.RawAddress, &r.Owner.PostalCode, &r.Owner.City}
		for i := range r.Candidates {
			c := &r.Candidates[i]
			dest = append(dest, &c.Fullname, &c.RawAddress, &c.PostalCode, &c.City, &c.BirthDate, &c.IDProdroit)
		}
		dest = append(dest, &r.MutationDate)
		if err := rows.Scan(dest...); err != nil {
			return eris.Wrapf(err, "ownerscore: scan %s", s.table)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return eris.Wrapf(rows.Err(), "ownerscore: iterate %s", s.table)
}

// CSVRowSource reads an export of the wide view. Column names follow the
// view; missing optional columns read as empty.
type CSVRowSource struct {
	Path string
}

// Rows loads the file, orders it by local_id (stable) and yields the rows of
// at most limit local_ids.
func (s CSVRowSource) Rows(ctx context.Context, limit int, fn func(Row) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return resilience.NewConfigError("input", eris.Wrapf(err, "ownerscore: open %s", s.Path))
	}
	defer f.Close()

	rows, err := readRows(f)
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].LocalID < rows[j].LocalID })

	groups := 0
	for i, r := range rows {
		if i == 0 || r.LocalID != rows[i-1].LocalID {
			groups++
		}
		if limit > 0 && groups > limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func readRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, &resilience.DataQualityError{Err: eris.Wrap(err, "ownerscore: read header")}
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := idx["local_id"]; !ok {
		return nil, &resilience.DataQualityError{Err: eris.New("ownerscore: missing local_id column")}
	}

	var out []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, &resilience.DataQualityError{Err: eris.Wrapf(err, "ownerscore: line %d", line)}
		}
		get := func(col string) string {
			if i, ok := idx[col]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}

		row := Row{LocalID: get("local_id")}
		if row.LocalID == "" {
			continue
		}
		oc := ownerColumns()
		row.Owner = Person{Fullname: get(oc[0]), RawAddress: get(oc[1]), PostalCode: get(oc[2]), City: get(oc[3])}
		for rank := 1; rank <= MaxCandidates; rank++ {
			fc := ffColumns(rank)
			row.Candidates[rank-1] = FFOwner{
				Person:     Person{Fullname: get(fc[0]), RawAddress: get(fc[1]), PostalCode: get(fc[2]), City: get(fc[3])},
				BirthDate:  get(fc[4]),
				IDProdroit: get(fc[5]),
			}
		}
		if v := get("mutation_date"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				return nil, &resilience.DataQualityError{RefID: row.LocalID, Err: eris.Wrapf(err, "ownerscore: line %d mutation_date", line)}
			}
			row.MutationDate = &t
		}
		out = append(out, row)
	}
}

// parseDate accepts ISO dates with or without a time part.
func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable date %q", v)
}
