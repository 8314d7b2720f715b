package batch

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// appendFile is an append-only file whose records always end in '\n'. On
// open, a trailing partial line left by a crash is cut off.
type appendFile struct {
	f    *os.File
	size int64
}

func openAppend(path string) (*appendFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "batch: mkdir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: open %s", path)
	}
	size, err := repairTail(f)
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "batch: repair %s", path)
	}
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		f.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "batch: seek %s", path)
	}
	return &appendFile{f: f, size: size}, nil
}

// repairTail truncates f after its last newline and returns the new size.
func repairTail(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size()
	if size == 0 {
		return 0, nil
	}

	const block = 4096
	buf := make([]byte, block)
	end := size
	for end > 0 {
		start := max(end-block, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep != size {
				if err := f.Truncate(keep); err != nil {
					return 0, err
				}
			}
			return keep, nil
		}
		end = start
	}
	if err := f.Truncate(0); err != nil {
		return 0, err
	}
	return 0, nil
}

// write appends p in one call. p must end with '\n'.
func (a *appendFile) write(p []byte) error {
	n, err := a.f.Write(p)
	a.size += int64(n)
	return err
}

func (a *appendFile) sync() error {
	return a.f.Sync()
}

func (a *appendFile) close() error {
	if err := a.f.Sync(); err != nil {
		a.f.Close() //nolint:errcheck
		return err
	}
	return a.f.Close()
}

// JSONLWriter appends JSON Lines records.
type JSONLWriter struct {
	a *appendFile
}

// OpenJSONL opens path for appending JSON Lines.
func OpenJSONL(path string) (*JSONLWriter, error) {
	a, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &JSONLWriter{a: a}, nil
}

// Write appends v as one line.
func (w *JSONLWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "batch: encode jsonl record")
	}
	line = append(line, '\n')
	return eris.Wrap(w.a.write(line), "batch: append jsonl")
}

// Sync flushes written records to stable storage.
func (w *JSONLWriter) Sync() error { return eris.Wrap(w.a.sync(), "batch: fsync jsonl") }

// Close fsyncs and closes the file.
func (w *JSONLWriter) Close() error { return eris.Wrap(w.a.close(), "batch: close jsonl") }

// CSVWriter appends CSV records. The header is written only to an empty
// file; an existing file must carry the same header.
type CSVWriter struct {
	a   *appendFile
	buf bytes.Buffer
	enc *csv.Writer
}

// OpenCSV opens path for appending CSV rows with the given header.
func OpenCSV(path string, header []string) (*CSVWriter, error) {
	a, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	w := &CSVWriter{a: a}
	w.enc = csv.NewWriter(&w.buf)

	if a.size == 0 {
		if err := w.Write(header); err != nil {
			a.close() //nolint:errcheck
			return nil, err
		}
		return w, nil
	}

	got, err := readHeader(path)
	if err != nil {
		a.close() //nolint:errcheck
		return nil, err
	}
	if !slices.Equal(got, header) {
		a.close() //nolint:errcheck
		return nil, &resilience.DataQualityError{Err: eris.Errorf(
			"batch: %s has header %q, want %q", path, strings.Join(got, ","), strings.Join(header, ","))}
	}
	return w, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	rec, err := csv.NewReader(bufio.NewReader(f)).Read()
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read header of %s", path)
	}
	return rec, nil
}

// Write appends one record. Line breaks inside fields are collapsed to a
// space so each record is one physical line and repairTail cuts only at
// record boundaries.
func (w *CSVWriter) Write(record []string) error {
	w.buf.Reset()
	if err := w.enc.Write(singleLineFields(record)); err != nil {
		return eris.Wrap(err, "batch: encode csv record")
	}
	w.enc.Flush()
	if err := w.enc.Error(); err != nil {
		return eris.Wrap(err, "batch: encode csv record")
	}
	return eris.Wrap(w.a.write(w.buf.Bytes()), "batch: append csv")
}

func singleLineFields(record []string) []string {
	if !slices.ContainsFunc(record, func(f string) bool { return strings.ContainsAny(f, "\r\n") }) {
		return record
	}
	out := slices.Clone(record)
	for i, f := range out {
		if strings.ContainsAny(f, "\r\n") {
			out[i] = strings.Join(strings.Fields(f), " ")
		}
	}
	return out
}

// Sync flushes written rows to stable storage.
func (w *CSVWriter) Sync() error { return eris.Wrap(w.a.sync(), "batch: fsync csv") }

// Close fsyncs and closes the file.
func (w *CSVWriter) Close() error { return eris.Wrap(w.a.close(), "batch: close csv") }
