package resolver

// Summary reports a resolver or replay run. Chunk counts cover the whole
// manifest; row counts cover this run only.
type Summary struct {
	JobID          string `json:"job_id"`
	Scope          string `json:"scope"`
	DryRun         bool   `json:"dry_run"`
	Resumed        bool   `json:"resumed"`
	ChunksTotal    int    `json:"chunks_total"`
	ChunksDone     int    `json:"chunks_done"`
	ChunksFailed   int    `json:"chunks_failed"`
	ChunksSetAside int    `json:"chunks_set_aside"`
	ChunksPending  int    `json:"chunks_pending"`
	RowsOK         int    `json:"rows_ok"`
	RowsNotFound   int    `json:"rows_not_found"`
	RowsFailed     int    `json:"rows_failed"`
	RowsForeign    int    `json:"rows_foreign"`
	Upserted       int64  `json:"upserted"`
}

// Complete reports whether nothing is left for a later run.
func (s Summary) Complete() bool {
	return s.ChunksFailed == 0 && s.ChunksPending == 0
}

// Metadata renders s for the run log.
func (s Summary) Metadata() map[string]any {
	return map[string]any{
		"dry_run":          s.DryRun,
		"resumed":          s.Resumed,
		"chunks_total":     s.ChunksTotal,
		"chunks_done":      s.ChunksDone,
		"chunks_failed":    s.ChunksFailed,
		"chunks_set_aside": s.ChunksSetAside,
		"chunks_pending":   s.ChunksPending,
		"rows_ok":          s.RowsOK,
		"rows_not_found":   s.RowsNotFound,
		"rows_failed":      s.RowsFailed,
		"rows_foreign":     s.RowsForeign,
		"upserted":         s.Upserted,
	}
}

func (s *Summary) fill(m *Manifest) {
	t := m.tally()
	s.JobID = m.JobID
	s.ChunksTotal = len(m.Chunks)
	s.ChunksDone = t[ChunkDone]
	s.ChunksFailed = t[ChunkFailed]
	s.ChunksSetAside = t[ChunkSetAside]
	s.ChunksPending = t[ChunkPending]
}
