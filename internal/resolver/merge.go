package resolver

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/banrecord"
	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
	"github.com/zero-logement-vacant/zlv-address/pkg/ban"
)

// rowSet is the usable content of one response.
type rowSet struct {
	records  []banrecord.Record
	results  []ban.Result
	ok       int
	notFound int
	failed   int
}

// decode maps response rows to records stamped with now. Unusable rows are
// written to diag (when set) and counted as failed. A response without the
// required columns is a DataQualityError.
func decode(r io.Reader, kind banrecord.Kind, now time.Time, diag *batch.CSVWriter, fn func(*rowSet) error) error {
	set := &rowSet{}
	report := func(ref string, err error) error {
		set.failed++
		if diag == nil {
			return nil
		}
		return diag.Write(resilience.NewDiagnostic(ref, err).Record())
	}

	err := ban.ReadResults(r, func(res ban.Result) error {
		if res.Err != nil {
			return report(res.RefID, res.Err)
		}
		rec, err := banrecord.FromResult(res, kind, now)
		if err != nil {
			return report(res.RefID, err)
		}
		if rec.NotFound() {
			set.notFound++
		} else {
			set.ok++
		}
		set.records = append(set.records, rec)
		set.results = append(set.results, res)
		if fn != nil && len(set.records) >= replayBatch {
			if err := fn(set); err != nil {
				return err
			}
			*set = rowSet{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if fn != nil {
		return fn(set)
	}
	return nil
}

// replayBatch bounds the records held in memory by a replay.
const replayBatch = 5000

// merge upserts one chunk response in a single transaction, then appends the
// rows to the aggregate file.
func (j *Job) merge(ctx context.Context, c *Chunk, body []byte, agg, diag *batch.CSVWriter, sum *Summary) error {
	now := j.now().UTC()

	var set rowSet
	err := decode(bytes.NewReader(body), j.opts.Kind, now, diag, func(s *rowSet) error {
		set.records = append(set.records, s.records...)
		set.results = append(set.results, s.results...)
		set.ok += s.ok
		set.notFound += s.notFound
		set.failed += s.failed
		return nil
	})
	if err != nil {
		return err
	}

	n, err := j.store.Upsert(ctx, set.records)
	if err != nil {
		return eris.Wrapf(err, "resolver: merge %s", c.ID)
	}
	for _, res := range set.results {
		if err := agg.Write(res.Record()); err != nil {
			return err
		}
	}
	if err := agg.Sync(); err != nil {
		return err
	}

	sum.RowsOK += set.ok
	sum.RowsNotFound += set.notFound
	sum.RowsFailed += set.failed
	sum.Upserted += n
	if j.progress != nil {
		j.progress.Add(set.ok + set.notFound)
	}

	j.log.Debug("chunk merged",
		zap.String("chunk", c.ID),
		zap.Int("ok", set.ok),
		zap.Int("not_found", set.notFound),
		zap.Int("failed", set.failed),
		zap.Int64("upserted", n),
	)
	return nil
}

// ReplayOptions configure Replay.
type ReplayOptions struct {
	Path string
	Kind banrecord.Kind
	// Diagnostics receives unusable rows; nil drops them after counting.
	Diagnostics *batch.CSVWriter
	Now         func() time.Time
}

// Replay merges an aggregate (or raw BAN response) CSV into store. Records
// are deduplicated by key, the last row winning, within each batch of
// replayBatch rows; batches commit in file order so the last row still wins
// overall. Replaying the same file twice changes nothing the second time.
func Replay(ctx context.Context, opts ReplayOptions, store banrecord.Store) (Summary, error) {
	sum := Summary{Scope: opts.Kind.Scope()}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	f, err := os.Open(opts.Path)
	if err != nil {
		return sum, resilience.NewConfigError("aggregate", eris.Wrapf(err, "resolver: open %s", opts.Path))
	}
	defer f.Close() //nolint:errcheck

	err = decode(f, opts.Kind, now().UTC(), opts.Diagnostics, func(set *rowSet) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := store.Upsert(ctx, set.records)
		if err != nil {
			return eris.Wrap(err, "resolver: replay upsert")
		}
		sum.RowsOK += set.ok
		sum.RowsNotFound += set.notFound
		sum.RowsFailed += set.failed
		sum.Upserted += n
		return nil
	})
	if err != nil {
		return sum, err
	}

	zap.L().With(zap.String("component", "resolver")).Info("replay finished",
		zap.String("path", opts.Path),
		zap.String("scope", sum.Scope),
		zap.Int("rows_ok", sum.RowsOK),
		zap.Int("rows_not_found", sum.RowsNotFound),
		zap.Int("rows_failed", sum.RowsFailed),
		zap.Int64("upserted", sum.Upserted),
	)
	return sum, nil
}
