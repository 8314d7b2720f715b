package ownerscore

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/batch"
)

// JobName is the run-log name of scoring runs.
const JobName = "owner_score"

// JobScope is the run-log scope of scoring runs.
const JobScope = "owner_housing"

// OutputHeader is the header of the score CSV.
var OutputHeader = []string{
	"local_id", "ff_owner_idprodroit", "rank", "final_owner_score", "final_owner_reason",
	"match_fullname", "match_same_first_name", "match_raw_address", "match_postal_code",
	"fallback", "firstname_dict_version", "batch_id",
}

// RunLog records job runs. *runlog.Log implements it.
type RunLog interface {
	Start(ctx context.Context, job, scope string) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, rows int64, metadata map[string]any) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}

// CSVWriter receives output records. *batch.CSVWriter implements it.
type CSVWriter interface {
	Write(record []string) error
	Sync() error
}

// Summary reports one scoring run.
type Summary struct {
	BatchID     uuid.UUID
	DictVersion string
	DryRun      bool
	Rows        int64
	LocalIDs    int64
	Pairs       int64
	Fallbacks   int64
	Saved       int64
	ByScore     map[int]int64
}

// Metadata is the run-log form of the summary.
func (s Summary) Metadata() map[string]any {
	by := make(map[string]int64, len(s.ByScore))
	for k, v := range s.ByScore {
		by[strconv.Itoa(k)] = v
	}
	return map[string]any{
		"batch_id":     s.BatchID.String(),
		"dict_version": s.DictVersion,
		"dry_run":      s.DryRun,
		"rows":         s.Rows,
		"local_ids":    s.LocalIDs,
		"pairs":        s.Pairs,
		"fallbacks":    s.Fallbacks,
		"saved":        s.Saved,
		"by_score":     by,
	}
}

// JobOptions configure a Job.
type JobOptions struct {
	// Limit caps the number of local_ids scored (0 = all).
	Limit int
	// BatchSize is the number of rows scored and saved together. Batches
	// always end on a local_id boundary.
	BatchSize int
	DryRun    bool
}

// Job scores every row of a source.
type Job struct {
	opts     JobOptions
	source   RowSource
	scorer   *Scorer
	store    Store
	output   CSVWriter
	runs     RunLog
	progress *batch.Progress
	now      func() time.Time
	log      *zap.Logger
}

// JobOption configures optional collaborators.
type JobOption func(*Job)

// WithStore persists scores; without it (or in dry-run) nothing is saved.
func WithStore(s Store) JobOption { return func(j *Job) { j.store = s } }

// WithOutput streams scores to w.
func WithOutput(w CSVWriter) JobOption { return func(j *Job) { j.output = w } }

// WithRunLog records the run in address_job_runs.
func WithRunLog(r RunLog) JobOption { return func(j *Job) { j.runs = r } }

// WithProgress reports scored rows on p.
func WithProgress(p *batch.Progress) JobOption { return func(j *Job) { j.progress = p } }

// WithClock sets the scored_at clock.
func WithClock(fn func() time.Time) JobOption { return func(j *Job) { j.now = fn } }

// NewJob wires a scoring job.
func NewJob(opts JobOptions, source RowSource, scorer *Scorer, jobOpts ...JobOption) *Job {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	j := &Job{
		opts:   opts,
		source: source,
		scorer: scorer,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "ownerscore")),
	}
	for _, fn := range jobOpts {
		fn(j)
	}
	return j
}

// Run scores the source batch by batch.
func (j *Job) Run(ctx context.Context) (sum Summary, err error) {
	sum = Summary{
		BatchID:     uuid.New(),
		DictVersion: j.scorer.DictVersion(),
		DryRun:      j.opts.DryRun,
		ByScore:     map[int]int64{},
	}

	if j.runs != nil && !j.opts.DryRun {
		runID, serr := j.runs.Start(ctx, JobName, JobScope)
		if serr != nil {
			return sum, serr
		}
		defer func() {
			// Fresh context: the run must be closed even after cancellation.
			fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			var ferr error
			if err != nil {
				ferr = j.runs.Fail(fctx, runID, err.Error())
			} else {
				ferr = j.runs.Complete(fctx, runID, sum.Saved, sum.Metadata())
			}
			if ferr != nil {
				j.log.Warn("close run log", zap.Error(ferr))
			}
		}()
	}

	var pending []Row
	err = j.source.Rows(ctx, j.opts.Limit, func(r Row) error {
		if len(pending) >= j.opts.BatchSize && pending[len(pending)-1].LocalID != r.LocalID {
			if err := j.flush(ctx, pending, &sum); err != nil {
				return err
			}
			pending = pending[:0]
		}
		pending = append(pending, r)
		return nil
	})
	if err == nil && len(pending) > 0 {
		err = j.flush(ctx, pending, &sum)
	}
	if err != nil {
		return sum, err
	}

	if j.output != nil {
		if err := j.output.Sync(); err != nil {
			return sum, err
		}
	}
	j.log.Info("scoring complete",
		zap.String("batch_id", sum.BatchID.String()),
		zap.String("dict_version", sum.DictVersion),
		zap.Int64("rows", sum.Rows),
		zap.Int64("pairs", sum.Pairs),
		zap.Int64("fallbacks", sum.Fallbacks),
		zap.Int64("saved", sum.Saved),
	)
	return sum, nil
}

func (j *Job) flush(ctx context.Context, rows []Row, sum *Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	scores, err := j.scorer.ScoreAll(Pairs(rows))
	if err != nil {
		return err
	}

	sum.Rows += int64(len(rows))
	sum.Pairs += int64(len(scores))
	last := ""
	for _, r := range rows {
		if r.LocalID != last {
			sum.LocalIDs++
			last = r.LocalID
		}
	}
	for _, sc := range scores {
		sum.ByScore[sc.Value]++
		if sc.Fallback {
			sum.Fallbacks++
		}
	}

	if j.output != nil {
		for _, sc := range scores {
			if err := j.output.Write(outputRecord(sc, sum.BatchID)); err != nil {
				return eris.Wrap(err, "ownerscore: write output")
			}
		}
	}
	if j.store != nil && !j.opts.DryRun {
		n, err := j.store.Save(ctx, sum.BatchID, j.now().UTC(), scores)
		sum.Saved += n
		if err != nil {
			return err
		}
	}
	if j.progress != nil {
		j.progress.Add(len(rows))
	}
	return nil
}

func outputRecord(sc Score, batchID uuid.UUID) []string {
	return []string{
		sc.LocalID, sc.IDProdroit, strconv.Itoa(sc.Rank),
		strconv.Itoa(sc.Value), sc.Reason,
		strconv.FormatBool(sc.Match.Fullname), strconv.FormatBool(sc.Match.SameFirstName),
		strconv.FormatBool(sc.Match.RawAddress), strconv.FormatBool(sc.Match.PostalCode),
		strconv.FormatBool(sc.Fallback), sc.DictVersion, batchID.String(),
	}
}
