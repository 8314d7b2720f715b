// Package batch holds the building blocks of resumable jobs: a cursor pager,
// atomic JSON checkpoints, a lock marker, crash-safe append writers and a
// progress counter.
package batch

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Checkpoint is the resume state of a paged job.
type Checkpoint struct {
	LastCompletedPage int      `json:"last_completed_page"`
	NextCursor        *string  `json:"next_cursor"`
	ProcessedIDs      []string `json:"processed_ids"`

	seen map[string]struct{}
}

// Processed reports whether id was recorded by a previous page.
func (c *Checkpoint) Processed(id string) bool {
	if c.seen == nil {
		c.seen = make(map[string]struct{}, len(c.ProcessedIDs))
		for _, p := range c.ProcessedIDs {
			c.seen[p] = struct{}{}
		}
	}
	_, ok := c.seen[id]
	return ok
}

// Advance records page as completed. Pages only move forward; a page at or
// below LastCompletedPage is an InvariantError.
func (c *Checkpoint) Advance(page int, next *string, ids ...string) error {
	if page <= c.LastCompletedPage {
		return &resilience.InvariantError{
			Invariant: "checkpoint_monotone",
			Err:       eris.Errorf("batch: page %d after %d", page, c.LastCompletedPage),
		}
	}
	c.LastCompletedPage = page
	c.NextCursor = next
	for _, id := range ids {
		if c.Processed(id) {
			continue
		}
		c.seen[id] = struct{}{}
		c.ProcessedIDs = append(c.ProcessedIDs, id)
	}
	return nil
}

// LoadCheckpoint reads the checkpoint at path. A missing file yields a zero
// checkpoint and false.
func LoadCheckpoint(path string) (*Checkpoint, bool, error) {
	cp := &Checkpoint{}
	found, err := ReadJSON(path, cp)
	if err != nil {
		return nil, false, err
	}
	if cp.ProcessedIDs == nil {
		cp.ProcessedIDs = []string{}
	}
	return cp, found, nil
}

// SaveCheckpoint writes cp to path atomically.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	if cp.ProcessedIDs == nil {
		cp.ProcessedIDs = []string{}
	}
	return WriteJSONAtomic(path, cp)
}

// RemoveCheckpoint deletes the checkpoint once the last page is processed.
func RemoveCheckpoint(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "batch: remove checkpoint %s", path)
	}
	return nil
}

// ReadJSON decodes the JSON document at path into v. It reports false when
// the file does not exist.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "batch: read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &resilience.DataQualityError{Err: eris.Wrapf(err, "batch: decode %s", path)}
	}
	return true, nil
}

// WriteJSONAtomic writes v as indented JSON with WriteFileAtomic.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "batch: encode %s", path)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteFileAtomic writes data to path through a temp file in the same
// directory: write, fsync, rename, fsync the directory. Readers see the old
// or the new content, never a torn file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "batch: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrapf(err, "batch: create temp for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "batch: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "batch: fsync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "batch: close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "batch: rename %s", path)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return eris.Wrapf(err, "batch: open dir %s", dir)
	}
	defer d.Close() //nolint:errcheck
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return eris.Wrapf(err, "batch: fsync dir %s", dir)
	}
	return nil
}
