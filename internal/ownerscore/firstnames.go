package ownerscore

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/address"
	"github.com/zero-logement-vacant/zlv-address/internal/db"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// NameFrequency is one row of the first-name seed table.
type NameFrequency struct {
	Name      string
	Frequency int64
}

// Dictionary is the read-only set of common first names. A fullname
// contains a dictionary name when one of its tokens equals the name or
// starts with it.
type Dictionary struct {
	names   map[string]struct{}
	minLen  int
	maxLen  int
	version string
	cache   *lru.Cache[string, []string]
}

// NewDictionary keeps the names with frequency above minFrequency and at
// least minLength characters after normalization. cacheSize bounds the
// memoised extractions; 0 disables the cache.
func NewDictionary(entries []NameFrequency, minFrequency int64, minLength, cacheSize int) (*Dictionary, error) {
	d := &Dictionary{names: make(map[string]struct{}), minLen: minLength}
	for _, e := range entries {
		if e.Frequency <= minFrequency {
			continue
		}
		n := address.Normalize(e.Name)
		if len(n) < minLength || strings.Contains(n, " ") {
			continue
		}
		d.names[n] = struct{}{}
		d.maxLen = max(d.maxLen, len(n))
	}

	sorted := make([]string, 0, len(d.names))
	for n := range d.names {
		sorted = append(sorted, n)
	}
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	d.version = "fn-" + hex.EncodeToString(sum[:])[:12]

	if cacheSize > 0 {
		c, err := lru.New[string, []string](cacheSize)
		if err != nil {
			return nil, eris.Wrap(err, "ownerscore: first-name cache")
		}
		d.cache = c
	}
	return d, nil
}

// Version identifies the dictionary content; it is stored with every score.
func (d *Dictionary) Version() string { return d.version }

// Len is the number of names kept.
func (d *Dictionary) Len() int { return len(d.names) }

// Extract returns the sorted dictionary names present in fullname.
func (d *Dictionary) Extract(fullname string) []string {
	key := address.Normalize(fullname)
	if d.cache != nil {
		if v, ok := d.cache.Get(key); ok {
			return v
		}
	}

	found := map[string]struct{}{}
	for _, tok := range strings.Fields(key) {
		for k := d.minLen; k <= len(tok) && k <= d.maxLen; k++ {
			if _, ok := d.names[tok[:k]]; ok {
				found[tok[:k]] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(found))
	for n := range found {
		out = append(out, n)
	}
	slices.Sort(out)

	if d.cache != nil {
		d.cache.Add(key, out)
	}
	return out
}

// SameFirstName reports whether a and b share a dictionary name.
func (d *Dictionary) SameFirstName(a, b string) bool {
	na, nb := d.Extract(a), d.Extract(b)
	for _, n := range na {
		if _, ok := slices.BinarySearch(nb, n); ok {
			return true
		}
	}
	return false
}

// LoadFirstNames reads (firstname, frequency) rows from table.
func LoadFirstNames(ctx context.Context, pool db.Pool, table string) ([]NameFrequency, error) {
	ident := pgx.Identifier(strings.Split(table, "."))
	rows, err := pool.Query(ctx, "SELECT firstname, frequency FROM "+ident.Sanitize())
	if err != nil {
		return nil, eris.Wrapf(err, "ownerscore: query %s", table)
	}
	defer rows.Close()

	var out []NameFrequency
	for rows.Next() {
		var nf NameFrequency
		if err := rows.Scan(&nf.Name, &nf.Frequency); err != nil {
			return nil, eris.Wrapf(err, "ownerscore: scan %s", table)
		}
		out = append(out, nf)
	}
	return out, eris.Wrapf(rows.Err(), "ownerscore: iterate %s", table)
}

// ReadFirstNamesCSV reads a seed file with firstname and frequency columns.
func ReadFirstNamesCSV(r io.Reader) ([]NameFrequency, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, &resilience.DataQualityError{Err: eris.Wrap(err, "ownerscore: read first-name header")}
	}
	name, freq := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))) {
		case "firstname", "prenom":
			name = i
		case "frequency", "frequence":
			freq = i
		}
	}
	if name < 0 || freq < 0 {
		return nil, &resilience.DataQualityError{Err: eris.New("ownerscore: first-name file needs firstname and frequency columns")}
	}

	var out []NameFrequency
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, &resilience.DataQualityError{Err: eris.Wrapf(err, "ownerscore: first-name line %d", line)}
		}
		if name >= len(rec) || freq >= len(rec) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(rec[freq]), 10, 64)
		if err != nil {
			return nil, &resilience.DataQualityError{Err: eris.Wrapf(err, "ownerscore: first-name line %d frequency", line)}
		}
		out = append(out, NameFrequency{Name: rec[name], Frequency: n})
	}
}
