// Package resolver keeps ban_addresses in line with BAN's answers for one
// address scope: discover candidates, cut them into chunks, submit each chunk
// and merge the response, resuming from a manifest after any interruption.
package resolver

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/banrecord"
	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/country"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
	"github.com/zero-logement-vacant/zlv-address/pkg/ban"
)

// Submitter sends one chunk to BAN. *ban.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, req ban.Request) (*ban.Response, error)
}

// RunLog records job runs. *runlog.Log implements it.
type RunLog interface {
	Start(ctx context.Context, job, scope string) (uuid.UUID, error)
	Complete(ctx context.Context, id uuid.UUID, rows int64, metadata map[string]any) error
	Fail(ctx context.Context, id uuid.UUID, errMsg string) error
}

// JobName is the run-log name of resolver runs.
const JobName = "ban_resolve"

// ForeignHeader is the header of foreign.csv.
var ForeignHeader = []string{"ref_id", "address", "rule_id", "classifier_version"}

// Options configure a Job.
type Options struct {
	Kind banrecord.Kind
	// WorkDir holds the manifest, lock, chunks and output CSVs of this scope.
	WorkDir   string
	ChunkSize int
	Limit     int
	// ForceUnlock replaces a lock marker left by a dead run.
	ForceUnlock bool
	// BytesPerSecond bounds sustained download throughput; 0 disables the
	// pause between chunks.
	BytesPerSecond int
	// CircuitThreshold is the number of consecutive transient chunk failures
	// that abort the run.
	CircuitThreshold int
	DryRun           bool
}

// Job is one resolver run for a scope.
type Job struct {
	opts       Options
	source     Source
	client     Submitter
	store      banrecord.Store
	classifier *country.Classifier
	runs       RunLog
	progress   *batch.Progress
	breaker    *resilience.CircuitBreaker
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	log        *zap.Logger
}

// JobOption configures optional collaborators.
type JobOption func(*Job)

// WithClassifier sets the classifier used to set foreign owner addresses
// aside. Owner jobs build the default classifier when none is given.
func WithClassifier(c *country.Classifier) JobOption { return func(j *Job) { j.classifier = c } }

// WithRunLog records the run in address_job_runs.
func WithRunLog(r RunLog) JobOption { return func(j *Job) { j.runs = r } }

// WithProgress reports merged rows on p.
func WithProgress(p *batch.Progress) JobOption { return func(j *Job) { j.progress = p } }

// WithSleep replaces the throughput pause. Tests use it to skip waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) JobOption {
	return func(j *Job) { j.sleep = fn }
}

// WithClock sets the merge-time clock.
func WithClock(fn func() time.Time) JobOption { return func(j *Job) { j.now = fn } }

// NewJob validates opts and wires a job.
func NewJob(opts Options, source Source, client Submitter, store banrecord.Store, jobOpts ...JobOption) (*Job, error) {
	if opts.Kind != banrecord.KindHousing && opts.Kind != banrecord.KindOwner {
		return nil, resilience.NewConfigError("scope", eris.Errorf("unknown kind %q", opts.Kind))
	}
	if opts.WorkDir == "" {
		return nil, resilience.NewConfigError("ban.work_dir", eris.New("must not be empty"))
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ban.DefaultChunkSize
	}
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 5
	}

	j := &Job{
		opts:   opts,
		source: source,
		client: client,
		store:  store,
		sleep:  sleepCtx,
		now:    time.Now,
		log: zap.L().With(
			zap.String("component", "resolver"),
			zap.String("scope", opts.Kind.Scope()),
		),
	}
	for _, fn := range jobOpts {
		fn(j)
	}

	cbCfg := resilience.FromCircuitConfig(opts.CircuitThreshold, 0)
	cbCfg.ResetTimeout = 24 * time.Hour
	cbCfg.ShouldTrip = resilience.IsTransient
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		j.log.Warn("ban circuit breaker state change", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	j.breaker = resilience.NewCircuitBreaker(cbCfg)

	if opts.Kind == banrecord.KindOwner && j.classifier == nil {
		c, err := country.New()
		if err != nil {
			return nil, err
		}
		j.classifier = c
	}
	return j, nil
}

func (j *Job) path(name string) string { return filepath.Join(j.opts.WorkDir, name) }

func (j *Job) chunkPath(id string) string {
	return filepath.Join(j.opts.WorkDir, "chunks", id+".csv")
}

func (j *Job) responsePath(id string) string {
	return filepath.Join(j.opts.WorkDir, "chunks", id+".response.csv")
}

// Run executes the job: resume the manifest if one exists, otherwise
// discover and chunk, then dispatch every pending or failed chunk in order.
// The manifest is kept whenever work remains.
func (j *Job) Run(ctx context.Context) (sum Summary, err error) {
	sum = Summary{Scope: j.opts.Kind.Scope(), DryRun: j.opts.DryRun}

	if err := os.MkdirAll(j.opts.WorkDir, 0o755); err != nil {
		return sum, eris.Wrapf(err, "resolver: mkdir %s", j.opts.WorkDir)
	}
	lock, err := batch.AcquireLock(j.path("job.lock"), j.opts.ForceUnlock)
	if err != nil {
		return sum, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			j.log.Warn("release lock", zap.Error(rerr))
		}
	}()

	var runID uuid.UUID
	if j.runs != nil {
		if runID, err = j.runs.Start(ctx, JobName, sum.Scope); err != nil {
			return sum, err
		}
		defer func() { j.finishRun(runID, sum, err) }()
	}

	manifestPath := j.path("manifest.json")
	m, resumed, err := loadManifest(manifestPath)
	if err != nil {
		return sum, err
	}
	if resumed && m.Scope != sum.Scope {
		return sum, resilience.NewConfigError("ban.work_dir",
			eris.Errorf("resolver: %s belongs to scope %q", manifestPath, m.Scope))
	}
	if resumed {
		sum.Resumed = true
		j.log.Info("resuming job", zap.String("job_id", m.JobID),
			zap.Int("chunks", len(m.Chunks)), zap.Int("committed", m.LastCompletedPage))
	} else {
		if m, err = j.discover(ctx, &sum); err != nil {
			return sum, err
		}
		if err := m.save(manifestPath); err != nil {
			return sum, err
		}
	}
	sum.JobID = m.JobID

	err = j.dispatch(ctx, m, manifestPath, &sum)
	sum.fill(m)
	if err != nil {
		return sum, err
	}

	if m.finished() {
		if err := batch.RemoveCheckpoint(manifestPath); err != nil {
			return sum, err
		}
	}
	j.log.Info("resolver run finished",
		zap.String("job_id", m.JobID),
		zap.Int("chunks_done", sum.ChunksDone),
		zap.Int("chunks_failed", sum.ChunksFailed),
		zap.Int("chunks_set_aside", sum.ChunksSetAside),
		zap.Int("rows_ok", sum.RowsOK),
		zap.Int("rows_not_found", sum.RowsNotFound),
		zap.Int("rows_failed", sum.RowsFailed),
		zap.Int("rows_foreign", sum.RowsForeign),
		zap.Int64("upserted", sum.Upserted),
	)
	return sum, nil
}

func (j *Job) finishRun(id uuid.UUID, sum Summary, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch {
	case runErr != nil:
		err = j.runs.Fail(ctx, id, runErr.Error())
	case !sum.Complete():
		err = j.runs.Fail(ctx, id, "chunks left for a later run")
	default:
		err = j.runs.Complete(ctx, id, int64(sum.RowsOK+sum.RowsNotFound), sum.Metadata())
	}
	if err != nil {
		j.log.Warn("record run outcome", zap.Error(err))
	}
}

// discover streams candidates into chunk files. Foreign owner addresses go
// to foreign.csv instead. Outputs of a previous finished job are rotated.
func (j *Job) discover(ctx context.Context, sum *Summary) (*Manifest, error) {
	for _, name := range []string{"chunks", "aggregate.csv", "diagnostics.csv", "foreign.csv"} {
		if err := os.RemoveAll(j.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(err, "resolver: rotate %s", name)
		}
	}

	m := &Manifest{
		JobID:     uuid.NewString(),
		Scope:     j.opts.Kind.Scope(),
		ChunkSize: j.opts.ChunkSize,
		CreatedAt: j.now().UTC(),
	}
	if j.classifier != nil {
		m.ClassifierVersion = j.classifier.Version()
	}

	var foreign *batch.CSVWriter
	if j.opts.Kind == banrecord.KindOwner {
		var err error
		if foreign, err = batch.OpenCSV(j.path("foreign.csv"), ForeignHeader); err != nil {
			return nil, err
		}
		defer foreign.Close() //nolint:errcheck
	}
	diag, err := batch.OpenCSV(j.path("diagnostics.csv"), resilience.DiagnosticHeader)
	if err != nil {
		return nil, err
	}
	defer diag.Close() //nolint:errcheck

	var buf []ban.ChunkRow
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		withGeo := false
		for _, r := range buf {
			if r.GeoCode != "" {
				withGeo = true
				break
			}
		}
		var data bytes.Buffer
		if err := ban.WriteChunk(&data, buf, withGeo); err != nil {
			return err
		}
		id := chunkID(len(m.Chunks) + 1)
		if err := batch.WriteFileAtomic(j.chunkPath(id), data.Bytes()); err != nil {
			return err
		}
		m.Chunks = append(m.Chunks, Chunk{ID: id, Rows: len(buf), WithGeoCode: withGeo, Status: ChunkPending})
		buf = buf[:0]
		return nil
	}

	err = j.source.Candidates(ctx, j.opts.Kind, j.opts.Limit, func(c Candidate) error {
		if strings.TrimSpace(c.Address) == "" {
			sum.RowsFailed++
			return diag.Write(resilience.NewDiagnostic(c.RefID,
				&resilience.DataQualityError{RefID: c.RefID, Err: eris.New("empty address")}).Record())
		}
		if foreign != nil {
			if d := j.classifier.Classify(c.Address); d.Country == country.Foreign {
				sum.RowsForeign++
				return foreign.Write([]string{c.RefID, c.Address, d.RuleID, d.Version})
			}
		}
		buf = append(buf, ban.ChunkRow{RefID: c.RefID, Address: c.Address, GeoCode: c.GeoCode})
		if len(buf) >= j.opts.ChunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	j.log.Info("discovery complete",
		zap.String("job_id", m.JobID),
		zap.Int("chunks", len(m.Chunks)),
		zap.Int("foreign", sum.RowsForeign),
	)
	return m, nil
}

// dispatch submits chunks in manifest order. Each chunk commits before the
// next one is submitted, and the manifest is saved after every chunk.
func (j *Job) dispatch(ctx context.Context, m *Manifest, manifestPath string, sum *Summary) error {
	agg, err := batch.OpenCSV(j.path("aggregate.csv"), ban.ResultHeader())
	if err != nil {
		return err
	}
	defer agg.Close() //nolint:errcheck
	diag, err := batch.OpenCSV(j.path("diagnostics.csv"), resilience.DiagnosticHeader)
	if err != nil {
		return err
	}
	defer diag.Close() //nolint:errcheck

	halt := func(err error) error {
		if serr := m.save(manifestPath); serr != nil {
			j.log.Error("save manifest", zap.Error(serr))
		}
		return err
	}

	for i := range m.Chunks {
		c := &m.Chunks[i]
		if c.Status == ChunkDone || c.Status == ChunkSetAside {
			continue
		}
		if err := ctx.Err(); err != nil {
			return halt(err)
		}

		data, err := os.ReadFile(j.chunkPath(c.ID))
		if err != nil {
			return halt(eris.Wrapf(err, "resolver: read %s", c.ID))
		}

		c.Attempts++
		resp, err := resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*ban.Response, error) {
			return j.client.Submit(ctx, ban.Request{Name: c.ID + ".csv", Data: data, WithCityCode: c.WithGeoCode})
		})
		if err != nil {
			if stop := j.chunkFailed(ctx, c, data, err, diag); stop != nil {
				return halt(stop)
			}
			if serr := m.save(manifestPath); serr != nil {
				return serr
			}
			continue
		}

		if err := batch.WriteFileAtomic(j.responsePath(c.ID), resp.Body); err != nil {
			return halt(err)
		}
		if err := j.merge(ctx, c, resp.Body, agg, diag, sum); err != nil {
			if resilience.KindOf(err) == resilience.KindDataQuality {
				c.Status = ChunkSetAside
				c.Error = err.Error()
				if werr := diag.Write(resilience.NewDiagnostic(c.ID, err).Record()); werr != nil {
					return halt(werr)
				}
				if serr := m.save(manifestPath); serr != nil {
					return serr
				}
				continue
			}
			return halt(err)
		}
		if err := m.commit(i); err != nil {
			return halt(err)
		}
		if err := diag.Sync(); err != nil {
			return halt(err)
		}
		if err := m.save(manifestPath); err != nil {
			return err
		}

		if j.opts.BytesPerSecond > 0 && resp.Bytes > 0 {
			pause := time.Duration(float64(resp.Bytes) / float64(j.opts.BytesPerSecond) * float64(time.Second))
			if err := j.sleep(ctx, pause); err != nil {
				return halt(err)
			}
		}
	}
	return nil
}

// chunkFailed classifies a submit error. It returns non-nil when the run
// must stop; otherwise the chunk is marked and the run continues.
func (j *Job) chunkFailed(ctx context.Context, c *Chunk, data []byte, err error, diag *batch.CSVWriter) error {
	log := j.log.With(zap.String("chunk", c.ID), zap.Int("attempt", c.Attempts))
	c.Error = err.Error()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, resilience.ErrCircuitOpen):
		log.Error("circuit open, stopping run")
		return eris.Wrapf(err, "resolver: %s", c.ID)
	}

	switch resilience.KindOf(err) {
	case resilience.KindRateLimit:
		log.Error("rate limit exhausted, stopping run", zap.Error(err))
		return eris.Wrapf(err, "resolver: %s", c.ID)
	case resilience.KindPermanent, resilience.KindDataQuality:
		log.Warn("chunk rejected, setting aside", zap.Error(err))
		c.Status = ChunkSetAside
		for _, ref := range chunkRefs(data) {
			if werr := diag.Write(resilience.NewDiagnostic(ref, err).Record()); werr != nil {
				return werr
			}
		}
		return diag.Sync()
	case resilience.KindTransient:
		log.Warn("chunk failed, will retry next run", zap.Error(err))
		c.Status = ChunkFailed
		if werr := diag.Write(resilience.NewDiagnostic(c.ID, err).Record()); werr != nil {
			return werr
		}
		return diag.Sync()
	}
	return eris.Wrapf(err, "resolver: %s", c.ID)
}

func chunkRefs(data []byte) []string {
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	recs, err := cr.ReadAll()
	if err != nil || len(recs) < 2 {
		return nil
	}
	refs := make([]string, 0, len(recs)-1)
	for _, r := range recs[1:] {
		if len(r) > 0 {
			refs = append(refs, r[0])
		}
	}
	return refs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
