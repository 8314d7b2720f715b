package resolver

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/banrecord"
	"github.com/zero-logement-vacant/zlv-address/internal/db"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Candidate is one address that needs a BAN answer.
type Candidate struct {
	RefID   string
	Address string
	GeoCode string
}

// Source discovers candidates for a scope and streams them to fn in a
// stable order. limit <= 0 means no limit.
type Source interface {
	Candidates(ctx context.Context, kind banrecord.Kind, limit int, fn func(Candidate) error) error
}

// PostgresSource discovers candidates in the host application's housing and
// owners tables. It never writes to them.
type PostgresSource struct {
	pool db.Pool
	// IncludeMissing also selects owners without any ban_addresses row.
	IncludeMissing bool
}

// NewPostgresSource creates a source on pool.
func NewPostgresSource(pool db.Pool, includeMissing bool) *PostgresSource {
	return &PostgresSource{pool: pool, IncludeMissing: includeMissing}
}

const housingCandidatesSQL = `
SELECT h.id::text, array_to_string(h.address_dgfip, ' '), coalesce(h.geo_code, '')
FROM housing h
WHERE h.address_dgfip IS NOT NULL
  AND NOT EXISTS (
    SELECT 1 FROM ban_addresses b
    WHERE b.ref_id = h.id::text AND b.address_kind = 'Housing'
  )
ORDER BY h.id
LIMIT $1`

const ownerCandidatesSQL = `
SELECT o.id::text, array_to_string(o.address_dgfip, ' '), ''
FROM owners o
LEFT JOIN ban_addresses b ON b.ref_id = o.id::text AND b.address_kind = 'Owner'
WHERE o.address_dgfip IS NOT NULL
  AND ((b.ref_id IS NOT NULL AND b.ban_id IS NULL AND b.score < 1)
       OR ($2 AND b.ref_id IS NULL))
ORDER BY o.id
LIMIT $1`

// Candidates runs the discovery query of kind.
func (s *PostgresSource) Candidates(ctx context.Context, kind banrecord.Kind, limit int, fn func(Candidate) error) error {
	var lim any
	if limit > 0 {
		lim = limit
	}

	var (
		query string
		args  []any
	)
	switch kind {
	case banrecord.KindHousing:
		query, args = housingCandidatesSQL, []any{lim}
	case banrecord.KindOwner:
		query, args = ownerCandidatesSQL, []any{lim, s.IncludeMissing}
	default:
		return resilience.NewConfigError("scope", eris.Errorf("unknown kind %q", kind))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "resolver: discover %s", kind)
	}
	defer rows.Close()

	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.RefID, &c.Address, &c.GeoCode); err != nil {
			return eris.Wrapf(err, "resolver: scan %s candidate", kind)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return eris.Wrapf(rows.Err(), "resolver: iterate %s candidates", kind)
}

// CSVSource reads candidates from a CSV file with a header naming ref_id,
// an address column (address_dgfip or address) and optionally geo_code. The
// file is used as-is for every kind.
type CSVSource struct {
	Path string
}

// Candidates streams the file rows.
func (s CSVSource) Candidates(ctx context.Context, _ banrecord.Kind, limit int, fn func(Candidate) error) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return resilience.NewConfigError("input", eris.Wrapf(err, "resolver: open %s", s.Path))
	}
	defer f.Close() //nolint:errcheck

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return &resilience.DataQualityError{Err: eris.Wrapf(err, "resolver: read header of %s", s.Path)}
	}

	ref, addr, geo := -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "ref_id", "id":
			ref = i
		case "address_dgfip", "address":
			addr = i
		case "geo_code":
			geo = i
		}
	}
	if ref < 0 || addr < 0 {
		return &resilience.DataQualityError{Err: eris.Errorf("resolver: %s needs ref_id and address_dgfip columns", s.Path)}
	}

	n := 0
	for limit <= 0 || n < limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &resilience.DataQualityError{Err: eris.Wrapf(err, "resolver: read %s", s.Path)}
		}
		c := Candidate{RefID: field(rec, ref), Address: field(rec, addr), GeoCode: field(rec, geo)}
		if c.RefID == "" {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
		n++
	}
	return nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
