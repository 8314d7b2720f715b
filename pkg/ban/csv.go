package ban

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Chunk columns.
const (
	ColumnRefID   = "ref_id"
	ColumnAddress = "address_dgfip"
	ColumnGeoCode = "geo_code"
)

// Response columns added by BAN.
const (
	ColumnStatus      = "result_status"
	ColumnHouseNumber = "result_housenumber"
	ColumnLabel       = "result_label"
	ColumnStreet      = "result_street"
	ColumnPostcode    = "result_postcode"
	ColumnCity        = "result_city"
	ColumnLatitude    = "latitude"
	ColumnLongitude   = "longitude"
	ColumnScore       = "result_score"
	ColumnID          = "result_id"
)

// Result statuses.
const (
	StatusOK       = "ok"
	StatusNotFound = "not-found"
)

var requiredColumns = []string{
	ColumnRefID, ColumnStatus, ColumnHouseNumber, ColumnLabel, ColumnStreet,
	ColumnPostcode, ColumnCity, ColumnLatitude, ColumnLongitude, ColumnScore, ColumnID,
}

// ChunkRow is one input row of a chunk.
type ChunkRow struct {
	RefID   string
	Address string
	GeoCode string
}

// Result is one decoded response row. Err is set when the row cannot be
// used; the caller records it as a diagnostic and moves on.
type Result struct {
	Line        int
	RefID       string
	Status      string
	HouseNumber string
	Label       string
	Street      string
	Postcode    string
	City        string
	Latitude    float64
	Longitude   float64
	Score       float64
	BANID       string
	Err         error
}

// ChunkHeader returns the chunk CSV header.
func ChunkHeader(withGeoCode bool) []string {
	if withGeoCode {
		return []string{ColumnRefID, ColumnAddress, ColumnGeoCode}
	}
	return []string{ColumnRefID, ColumnAddress}
}

// WriteChunk writes rows as a chunk CSV. Line breaks inside addresses are
// collapsed so address_dgfip stays single-line.
func WriteChunk(w io.Writer, rows []ChunkRow, withGeoCode bool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ChunkHeader(withGeoCode)); err != nil {
		return eris.Wrap(err, "ban: write chunk header")
	}
	rec := make([]string, 0, 3)
	for _, r := range rows {
		rec = append(rec[:0], r.RefID, singleLine(r.Address))
		if withGeoCode {
			rec = append(rec, r.GeoCode)
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "ban: write chunk row %s", r.RefID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "ban: flush chunk")
}

func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(s), " ")
}

// CountRows validates that r holds a well-formed CSV and returns its number
// of data rows.
func CountRows(r io.Reader) (int, error) {
	cr := newReader(r)
	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return 0, eris.New("ban: empty response")
		}
		return 0, eris.Wrap(err, "ban: read header")
	}
	n := 0
	for {
		_, err := cr.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, eris.Wrap(err, "ban: read row")
		}
		n++
	}
}

// ReadResults streams the rows of a BAN response CSV to fn, mapping columns
// by name. A missing required column is a DataQualityError for the whole
// response. Row-level problems are reported through Result.Err.
func ReadResults(r io.Reader, fn func(Result) error) error {
	cr := newReader(r)
	header, err := cr.Read()
	if err != nil {
		return &resilience.DataQualityError{Err: eris.Wrap(err, "ban: read response header")}
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &resilience.DataQualityError{Err: eris.Errorf("ban: response lacks columns %s", strings.Join(missing, ","))}
	}

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return &resilience.DataQualityError{Err: eris.Wrapf(err, "ban: read response line %d", line)}
		}
		if err := fn(decodeRow(rec, idx, line)); err != nil {
			return err
		}
	}
}

func decodeRow(rec []string, idx map[string]int, line int) Result {
	get := func(col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	res := Result{
		Line:        line,
		RefID:       get(ColumnRefID),
		Status:      get(ColumnStatus),
		HouseNumber: get(ColumnHouseNumber),
		Label:       get(ColumnLabel),
		Street:      get(ColumnStreet),
		Postcode:    get(ColumnPostcode),
		City:        get(ColumnCity),
		BANID:       get(ColumnID),
	}
	if res.RefID == "" {
		res.Err = &resilience.DataQualityError{Err: eris.Errorf("ban: line %d has no ref_id", line)}
		return res
	}
	if len(rec) != len(idx) {
		res.Err = &resilience.DataQualityError{RefID: res.RefID, Err: eris.Errorf("ban: line %d has %d fields, want %d", line, len(rec), len(idx))}
		return res
	}
	if res.Status != StatusOK {
		return res
	}

	var err error
	if res.Latitude, err = parseFloat(get(ColumnLatitude)); err != nil {
		res.Err = &resilience.DataQualityError{RefID: res.RefID, Err: eris.Wrap(err, "ban: latitude")}
		return res
	}
	if res.Longitude, err = parseFloat(get(ColumnLongitude)); err != nil {
		res.Err = &resilience.DataQualityError{RefID: res.RefID, Err: eris.Wrap(err, "ban: longitude")}
		return res
	}
	if res.Score, err = parseFloat(get(ColumnScore)); err != nil {
		res.Err = &resilience.DataQualityError{RefID: res.RefID, Err: eris.Wrap(err, "ban: result_score")}
		return res
	}
	if res.Score < 0 || res.Score > 1 {
		res.Err = &resilience.DataQualityError{RefID: res.RefID, Err: eris.Errorf("ban: result_score %v outside [0,1]", res.Score)}
		return res
	}
	if pc := res.Postcode; pc != "" && (len(pc) != 5 || strings.Trim(pc, "0123456789") != "") {
		res.Err = &resilience.DataQualityError{RefID: res.RefID, Err: eris.Errorf("ban: invalid postcode %q", pc)}
	}
	return res
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, eris.New("empty value")
	}
	return strconv.ParseFloat(s, 64)
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}

// ResultHeader is the column set ReadResults requires, in the order Record
// renders it.
func ResultHeader() []string {
	return append([]string(nil), requiredColumns...)
}

// Record renders r under ResultHeader. Reading it back with ReadResults
// yields the same values.
func (r Result) Record() []string {
	rec := []string{r.RefID, r.Status, r.HouseNumber, r.Label, r.Street, r.Postcode, r.City, "", "", "", r.BANID}
	if r.Status == StatusOK {
		rec[7] = strconv.FormatFloat(r.Latitude, 'f', -1, 64)
		rec[8] = strconv.FormatFloat(r.Longitude, 'f', -1, 64)
		rec[9] = strconv.FormatFloat(r.Score, 'f', -1, 64)
	}
	return rec
}
