package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/banrecord"
	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/config"
	"github.com/zero-logement-vacant/zlv-address/internal/country"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
	"github.com/zero-logement-vacant/zlv-address/internal/resolver"
	"github.com/zero-logement-vacant/zlv-address/internal/runlog"
	"github.com/zero-logement-vacant/zlv-address/pkg/ban"
)

var banCmd = &cobra.Command{
	Use:   "ban",
	Short: "Reconcile addresses against the Base Adresse Nationale",
}

var banResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve unreconciled housing or owner addresses through BAN",
	Long: "Discovers the addresses of a scope that have no usable ban_addresses row, submits them " +
		"to the BAN CSV geocoder chunk by chunk and upserts the answers. An interrupted run " +
		"resumes from its manifest.",
	RunE: runBANResolve,
}

var banReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-merge an aggregate CSV into ban_addresses",
	Long:  "Upserts every row of an aggregate (or raw BAN response) CSV. Replaying the same file twice changes nothing.",
	RunE:  runBANReplay,
}

var (
	banScope          string
	banWorkDir        string
	banForceUnlock    bool
	banIncludeMissing bool
	banInput          string
	banAggregate      string
)

func init() {
	f := banResolveCmd.Flags()
	f.StringVar(&banScope, "scope", "", "housing or owner")
	f.StringVar(&banWorkDir, "work-dir", "", "job directory (default <ban.work_dir>/<scope>)")
	f.BoolVar(&banForceUnlock, "force-unlock", false, "replace a lock left by a dead run")
	f.BoolVar(&banIncludeMissing, "include-missing", false, "owner scope: also resolve owners without any ban_addresses row")
	f.StringVar(&banInput, "input", "", "read candidates from a CSV (ref_id, address_dgfip[, geo_code]) instead of PostgreSQL")
	markRequired(banResolveCmd, "scope")

	rf := banReplayCmd.Flags()
	rf.StringVar(&banAggregate, "aggregate", "", "aggregate CSV to replay")
	rf.StringVar(&banScope, "scope", "", "housing or owner")
	markRequired(banReplayCmd, "aggregate", "scope")

	banCmd.AddCommand(banResolveCmd, banReplayCmd)
	rootCmd.AddCommand(banCmd)
}

// newBANClient builds the BAN client from configuration.
func newBANClient(c config.BANConfig) *ban.Client {
	opts := []ban.Option{
		ban.WithBaseURL(c.BaseURL),
		ban.WithRateLimit(c.RateLimit),
		ban.WithHTTPClient(&http.Client{Timeout: time.Duration(c.TimeoutSecs) * time.Second}),
		ban.WithRetryConfig(resilience.FromRetryConfig(c.MaxRetries, c.InitialBackoffSecs, c.MaxBackoffSecs, 2)),
	}
	for k, v := range c.Headers {
		opts = append(opts, ban.WithHeader(k, v))
	}
	return ban.NewClient(opts...)
}

func newClassifier() (*country.Classifier, error) {
	return country.New(country.WithMonacoPolicy(country.MonacoPolicy(cfg.Classifier.MonacoPolicy)))
}

// openBANStore returns the ban_addresses store: PostgreSQL, or a SQLite file
// in dir for dry runs.
func openBANStore(cmd *cobra.Command, lp *lazyPool, dir string) (banrecord.Store, func(), error) {
	if flagDryRun {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, eris.Wrapf(err, "ban: mkdir %s", dir)
		}
		s, err := banrecord.OpenSQLite(filepath.Join(dir, "dry-run.sqlite"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	pool, err := lp.get(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return banrecord.NewPostgresStore(pool), func() {}, nil
}

func runBANResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := zap.L().With(zap.String("command", "ban resolve"))

	kind, err := banrecord.ParseKind(banScope)
	if err != nil {
		return err
	}
	if err := cfg.Validate("resolve"); err != nil {
		return err
	}

	workDir := banWorkDir
	if workDir == "" {
		workDir = filepath.Join(cfg.BAN.WorkDir, kind.Scope())
	}

	var lp lazyPool
	defer lp.close()

	var source resolver.Source
	if banInput != "" {
		source = resolver.CSVSource{Path: banInput}
	} else {
		pool, err := lp.get(ctx)
		if err != nil {
			return err
		}
		source = resolver.NewPostgresSource(pool, banIncludeMissing)
	}

	store, closeStore, err := openBANStore(cmd, &lp, workDir)
	if err != nil {
		return err
	}
	defer closeStore()

	progress := batch.NewProgress(cmd.ErrOrStderr(), "merged rows")
	jobOpts := []resolver.JobOption{resolver.WithProgress(progress)}
	if kind == banrecord.KindOwner {
		c, err := newClassifier()
		if err != nil {
			return err
		}
		jobOpts = append(jobOpts, resolver.WithClassifier(c))
	}
	if !flagDryRun {
		pool, err := lp.get(ctx)
		if err != nil {
			return err
		}
		jobOpts = append(jobOpts, resolver.WithRunLog(runlog.New(pool)))
	}

	job, err := resolver.NewJob(resolver.Options{
		Kind:             kind,
		WorkDir:          workDir,
		ChunkSize:        cfg.BAN.ChunkSize,
		Limit:            flagLimit,
		ForceUnlock:      banForceUnlock,
		BytesPerSecond:   cfg.BAN.BytesPerSecond,
		CircuitThreshold: cfg.BAN.CircuitThreshold,
		DryRun:           flagDryRun,
	}, source, newBANClient(cfg.BAN), store, jobOpts...)
	if err != nil {
		return err
	}

	log.Info("starting resolver", zap.String("scope", kind.Scope()), zap.String("work_dir", workDir), zap.Bool("dry_run", flagDryRun))
	sum, err := job.Run(ctx)
	progress.Done()
	printResolveSummary(cmd.OutOrStdout(), sum)
	if err != nil {
		return err
	}
	if !sum.Complete() {
		return eris.Wrapf(errIncomplete, "ban resolve: %d chunks failed, %d pending in %s",
			sum.ChunksFailed, sum.ChunksPending, workDir)
	}
	return nil
}

func runBANReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	kind, err := banrecord.ParseKind(banScope)
	if err != nil {
		return err
	}

	var lp lazyPool
	defer lp.close()
	store, closeStore, err := openBANStore(cmd, &lp, filepath.Dir(banAggregate))
	if err != nil {
		return err
	}
	defer closeStore()

	diag, err := batch.OpenCSV(banAggregate+".diagnostics.csv", resilience.DiagnosticHeader)
	if err != nil {
		return err
	}
	defer diag.Close() //nolint:errcheck

	sum, err := resolver.Replay(ctx, resolver.ReplayOptions{
		Path:        banAggregate,
		Kind:        kind,
		Diagnostics: diag,
	}, store)
	printResolveSummary(cmd.OutOrStdout(), sum)
	return err
}

func printResolveSummary(out io.Writer, s resolver.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "scope\t%s\n", s.Scope)
	if s.JobID != "" {
		_, _ = fmt.Fprintf(w, "job\t%s (resumed=%t, dry_run=%t)\n", s.JobID, s.Resumed, s.DryRun)
		_, _ = fmt.Fprintf(w, "chunks\t%d total, %d done, %d failed, %d set aside, %d pending\n",
			s.ChunksTotal, s.ChunksDone, s.ChunksFailed, s.ChunksSetAside, s.ChunksPending)
	}
	_, _ = fmt.Fprintf(w, "rows\t%d ok, %d not found, %d failed, %d foreign\n",
		s.RowsOK, s.RowsNotFound, s.RowsFailed, s.RowsForeign)
	_, _ = fmt.Fprintf(w, "upserted\t%d\n", s.Upserted)
	_ = w.Flush()
}
