package resolver

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// ChunkStatus is the dispatch state of a chunk.
type ChunkStatus string

// Chunk states. Done and set-aside are terminal; failed chunks are retried
// by the next run.
const (
	ChunkPending  ChunkStatus = "pending"
	ChunkDone     ChunkStatus = "done"
	ChunkFailed   ChunkStatus = "failed"
	ChunkSetAside ChunkStatus = "set_aside"
)

// Chunk is one manifest entry.
type Chunk struct {
	ID          string      `json:"id"`
	Rows        int         `json:"rows"`
	WithGeoCode bool        `json:"with_geo_code"`
	Status      ChunkStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	Error       string      `json:"error,omitempty"`
}

// Manifest is the resume state of a resolver job. The embedded checkpoint
// counts committed chunks in last_completed_page and lists their ids in
// processed_ids.
type Manifest struct {
	batch.Checkpoint

	JobID             string    `json:"job_id"`
	Scope             string    `json:"scope"`
	ChunkSize         int       `json:"chunk_size"`
	ClassifierVersion string    `json:"classifier_version,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Chunks            []Chunk   `json:"chunks"`
}

func chunkID(i int) string {
	return fmt.Sprintf("chunk-%06d", i)
}

func loadManifest(path string) (*Manifest, bool, error) {
	m := &Manifest{}
	found, err := batch.ReadJSON(path, m)
	if err != nil || !found {
		return nil, found, err
	}
	if m.ProcessedIDs == nil {
		m.ProcessedIDs = []string{}
	}
	return m, true, nil
}

func (m *Manifest) save(path string) error {
	if m.ProcessedIDs == nil {
		m.ProcessedIDs = []string{}
	}
	return batch.WriteJSONAtomic(path, m)
}

// commit marks chunk i done and advances the checkpoint.
func (m *Manifest) commit(i int) error {
	c := &m.Chunks[i]
	if c.Status == ChunkDone {
		return &resilience.InvariantError{Invariant: "chunk_commit_once", Err: eris.Errorf("resolver: %s already committed", c.ID)}
	}
	c.Status = ChunkDone
	c.Error = ""
	return m.Advance(m.LastCompletedPage+1, nil, c.ID)
}

// tally counts chunks per status.
func (m *Manifest) tally() map[ChunkStatus]int {
	out := make(map[ChunkStatus]int, 4)
	for _, c := range m.Chunks {
		out[c.Status]++
	}
	return out
}

// finished reports whether every chunk reached a terminal state.
func (m *Manifest) finished() bool {
	for _, c := range m.Chunks {
		if c.Status != ChunkDone && c.Status != ChunkSetAside {
			return false
		}
	}
	return true
}
