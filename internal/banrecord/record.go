// Package banrecord holds the BAN address record shared by resolver jobs and
// the stores it is upserted into.
package banrecord

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
	"github.com/zero-logement-vacant/zlv-address/pkg/ban"
)

// Kind is the address_kind of a record: which table its ref_id points to.
type Kind string

// Address kinds.
const (
	KindHousing Kind = "Housing"
	KindOwner   Kind = "Owner"
)

// ParseKind maps a CLI scope ("housing", "owner") to a Kind.
func ParseKind(scope string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(scope)) {
	case "housing":
		return KindHousing, nil
	case "owner":
		return KindOwner, nil
	}
	return "", resilience.NewConfigError("scope", eris.Errorf("unknown scope %q (want housing or owner)", scope))
}

// Scope is the lowercase CLI name of the kind.
func (k Kind) Scope() string { return strings.ToLower(string(k)) }

// Record is one row of ban_addresses. A nil BANID with a zero score encodes
// "not found by BAN".
type Record struct {
	RefID         string
	Kind          Kind
	HouseNumber   string
	Address       string
	Street        string
	PostalCode    string
	City          string
	Latitude      float64
	Longitude     float64
	Score         float64
	BANID         *string
	LastUpdatedAt time.Time
}

// Key identifies a record.
type Key struct {
	RefID string
	Kind  Kind
}

// Key returns the upsert key of r.
func (r Record) Key() Key { return Key{RefID: r.RefID, Kind: r.Kind} }

// NotFound reports whether r encodes a BAN miss.
func (r Record) NotFound() bool { return r.BANID == nil && r.Score == 0 }

// FromResult maps a decoded BAN row to a record. Rows with a status other
// than ok or not-found, or with a decoding error, are rejected.
func FromResult(res ban.Result, kind Kind, now time.Time) (Record, error) {
	if res.Err != nil {
		return Record{}, res.Err
	}
	rec := Record{RefID: res.RefID, Kind: kind, LastUpdatedAt: now.UTC()}

	switch res.Status {
	case ban.StatusOK:
		rec.HouseNumber = res.HouseNumber
		rec.Address = res.Label
		rec.Street = res.Street
		rec.PostalCode = res.Postcode
		rec.City = res.City
		rec.Latitude = res.Latitude
		rec.Longitude = res.Longitude
		rec.Score = res.Score
		if res.BANID != "" {
			id := res.BANID
			rec.BANID = &id
		}
		return rec, nil
	case ban.StatusNotFound:
		return rec, nil
	}
	return Record{}, &resilience.DataQualityError{
		RefID: res.RefID,
		Err:   eris.Errorf("ban: result_status %q", res.Status),
	}
}

// Geom returns the EWKB point (SRID 4326) of r, or nil for a BAN miss.
func (r Record) Geom() ([]byte, error) {
	if r.NotFound() {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{r.Longitude, r.Latitude}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "banrecord: encode point")
	}
	return data, nil
}

// Dedup keeps the last record for every key, ordered by last occurrence.
func Dedup(records []Record) []Record {
	last := make(map[Key]int, len(records))
	for i, r := range records {
		last[r.Key()] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]Record, 0, len(last))
	for i, r := range records {
		if last[r.Key()] == i {
			out = append(out, r)
		}
	}
	return out
}

// Columns of ban_addresses in insert order.
var Columns = []string{
	"ref_id", "address_kind", "house_number", "address", "street", "postal_code",
	"city", "latitude", "longitude", "score", "ban_id", "geom", "last_updated_at",
}

// ChangeColumns are compared before an update; last_updated_at and geom
// follow them.
var ChangeColumns = []string{
	"house_number", "address", "street", "postal_code", "city",
	"latitude", "longitude", "score", "ban_id",
}

// values renders r in Columns order. Empty strings and the coordinates of a
// miss become NULL.
func (r Record) values() ([]any, error) {
	g, err := r.Geom()
	if err != nil {
		return nil, err
	}
	var lat, lon any
	if !r.NotFound() {
		lat, lon = r.Latitude, r.Longitude
	}
	var banID any
	if r.BANID != nil {
		banID = *r.BANID
	}
	var geomVal any
	if g != nil {
		geomVal = g
	}
	return []any{
		r.RefID, string(r.Kind), nullable(r.HouseNumber), nullable(r.Address), nullable(r.Street),
		nullable(r.PostalCode), nullable(r.City), lat, lon, r.Score, banID, geomVal, r.LastUpdatedAt.UTC(),
	}, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
