package ownerscore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-logement-vacant/zlv-address/internal/batch"
)

type fakeStore struct {
	calls  [][]Score
	at     []time.Time
	failAt int
}

func (f *fakeStore) Save(_ context.Context, _ uuid.UUID, scoredAt time.Time, scores []Score) (int64, error) {
	f.calls = append(f.calls, scores)
	f.at = append(f.at, scoredAt)
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return 0, errors.New("deadlock detected")
	}
	return int64(len(scores)), nil
}

type fakeRunLog struct {
	started  int
	complete map[string]any
	rows     int64
	failed   string
}

func (f *fakeRunLog) Start(context.Context, string, string) (uuid.UUID, error) {
	f.started++
	return uuid.New(), nil
}

func (f *fakeRunLog) Complete(_ context.Context, _ uuid.UUID, rows int64, md map[string]any) error {
	f.rows, f.complete = rows, md
	return nil
}

func (f *fakeRunLog) Fail(_ context.Context, _ uuid.UUID, msg string) error {
	f.failed = msg
	return nil
}

func fixedClock() time.Time { return scoredAt }

func TestJob_Run(t *testing.T) {
	src := CSVRowSource{Path: writeFile(t, "rows.csv", wideCSV)}
	store := &fakeStore{}
	runs := &fakeRunLog{}
	outPath := filepath.Join(t.TempDir(), "scores.csv")
	out, err := batch.OpenCSV(outPath, OutputHeader)
	require.NoError(t, err)

	job := NewJob(JobOptions{BatchSize: 1}, src, testScorer(t, false),
		WithStore(store), WithOutput(out), WithRunLog(runs), WithClock(fixedClock))
	sum, err := job.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, out.Close())

	// Both L1 rows land in the same batch.
	require.Len(t, store.calls, 2)
	assert.Len(t, store.calls[0], 2)
	assert.Len(t, store.calls[1], 1)
	assert.Equal(t, scoredAt, store.at[0])

	assert.Equal(t, int64(3), sum.Rows)
	assert.Equal(t, int64(2), sum.LocalIDs)
	// The second L1 row repeats rank 2 and is dropped.
	assert.Equal(t, int64(3), sum.Pairs)
	assert.Equal(t, int64(3), sum.Saved)
	assert.Equal(t, int64(2), sum.ByScore[10])
	assert.Equal(t, int64(1), sum.ByScore[0])

	assert.Equal(t, 1, runs.started)
	assert.Equal(t, int64(3), runs.rows)
	assert.Equal(t, sum.BatchID.String(), runs.complete["batch_id"])
	assert.Empty(t, runs.failed)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(OutputHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "L1,A1,1,10,"))
}

func TestJob_DryRun(t *testing.T) {
	src := CSVRowSource{Path: writeFile(t, "rows.csv", wideCSV)}
	store := &fakeStore{}
	runs := &fakeRunLog{}

	sum, err := NewJob(JobOptions{DryRun: true}, src, testScorer(t, false),
		WithStore(store), WithRunLog(runs)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.DryRun)
	assert.Equal(t, int64(3), sum.Pairs)
	assert.Zero(t, sum.Saved)
	assert.Empty(t, store.calls)
	assert.Zero(t, runs.started)
}

func TestJob_StoreErrorFailsRun(t *testing.T) {
	src := CSVRowSource{Path: writeFile(t, "rows.csv", wideCSV)}
	store := &fakeStore{failAt: 2}
	runs := &fakeRunLog{}

	sum, err := NewJob(JobOptions{BatchSize: 1}, src, testScorer(t, false),
		WithStore(store), WithRunLog(runs)).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(2), sum.Saved)
	assert.Contains(t, runs.failed, "deadlock detected")
	assert.Nil(t, runs.complete)
}

func TestJob_Cancelled(t *testing.T) {
	src := CSVRowSource{Path: writeFile(t, "rows.csv", wideCSV)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewJob(JobOptions{}, src, testScorer(t, false)).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummary_Metadata(t *testing.T) {
	s := Summary{BatchID: uuid.New(), ByScore: map[int]int64{10: 2, 0: 1}}
	md := s.Metadata()
	assert.Equal(t, map[string]int64{"10": 2, "0": 1}, md["by_score"])
}
