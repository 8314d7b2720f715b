package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/ownerscore"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
	"github.com/zero-logement-vacant/zlv-address/internal/runlog"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score owner / Fichier Foncier owner candidate pairs",
	Long: "Compares each owner with the up to six Fichier Foncier owners of its housing and " +
		"writes a 0-10 score with its reason to owner_housing_scores (and --output).",
	RunE: runScore,
}

var (
	scoreInput      string
	scoreFirstNames string
	scoreOutput     string
	scoreRefDate    string
)

func init() {
	f := scoreCmd.Flags()
	f.StringVar(&scoreInput, "input", "", "CSV export of the candidate view (default: scorer.source_table)")
	f.StringVar(&scoreFirstNames, "first-names", "", "CSV of firstname,frequency (default: scorer.first_names_table)")
	f.StringVar(&scoreOutput, "output", "", "CSV file receiving the scores")
	f.StringVar(&scoreRefDate, "reference-date", "", "anchor of the mutation window, YYYY-MM-DD (default today)")
	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := cfg.Validate("score"); err != nil {
		return err
	}

	var refDate time.Time
	if scoreRefDate != "" {
		t, err := time.Parse("2006-01-02", scoreRefDate)
		if err != nil {
			return resilience.NewConfigError("reference-date", eris.Wrap(err, "score: parse reference date"))
		}
		refDate = t
	}

	var lp lazyPool
	defer lp.close()

	entries, err := loadFirstNames(ctx, &lp)
	if err != nil {
		return err
	}
	dict, err := ownerscore.NewDictionary(entries,
		int64(cfg.Scorer.FirstNameMinFrequency), cfg.Scorer.FirstNameMinLength, cfg.Scorer.FirstNameCacheSize)
	if err != nil {
		return err
	}
	if dict.Len() == 0 {
		return resilience.NewConfigError("scorer.first_names_table", eris.New("score: first-name dictionary is empty"))
	}

	scorer, err := ownerscore.NewScorer(dict, ownerscore.Options{
		Threshold:             cfg.Scorer.FuzzyThreshold,
		MutationWindowYears:   cfg.Scorer.MutationWindowYears,
		FallbackOnPartialZero: cfg.Scorer.FallbackOnPartialZero,
		ReferenceDate:         refDate,
	})
	if err != nil {
		return err
	}

	var source ownerscore.RowSource
	if scoreInput != "" {
		source = ownerscore.CSVRowSource{Path: scoreInput}
	} else {
		pool, err := lp.get(ctx)
		if err != nil {
			return err
		}
		source = ownerscore.NewPostgresRowSource(pool, cfg.Scorer.SourceTable)
	}

	progress := batch.NewProgress(cmd.ErrOrStderr(), "scored rows")
	jobOpts := []ownerscore.JobOption{ownerscore.WithProgress(progress)}
	if !flagDryRun {
		pool, err := lp.get(ctx)
		if err != nil {
			return err
		}
		jobOpts = append(jobOpts,
			ownerscore.WithStore(ownerscore.NewPostgresStore(pool, cfg.Batch.NumWorkers)),
			ownerscore.WithRunLog(runlog.New(pool)),
		)
	}
	if scoreOutput != "" {
		if err := os.Remove(scoreOutput); err != nil && !os.IsNotExist(err) {
			return eris.Wrapf(err, "score: replace %s", scoreOutput)
		}
		w, err := batch.OpenCSV(scoreOutput, ownerscore.OutputHeader)
		if err != nil {
			return err
		}
		defer w.Close() //nolint:errcheck
		jobOpts = append(jobOpts, ownerscore.WithOutput(w))
	}

	zap.L().Info("starting scorer", zap.String("command", "score"),
		zap.String("dict_version", dict.Version()), zap.Int("first_names", dict.Len()),
		zap.Bool("dry_run", flagDryRun))

	job := ownerscore.NewJob(ownerscore.JobOptions{
		Limit:     flagLimit,
		BatchSize: cfg.Batch.Size,
		DryRun:    flagDryRun,
	}, source, scorer, jobOpts...)
	sum, err := job.Run(ctx)
	progress.Done()
	printScoreSummary(cmd.OutOrStdout(), sum)
	return err
}

func loadFirstNames(ctx context.Context, lp *lazyPool) ([]ownerscore.NameFrequency, error) {
	if scoreFirstNames != "" {
		f, err := os.Open(scoreFirstNames)
		if err != nil {
			return nil, resilience.NewConfigError("first-names", eris.Wrapf(err, "score: open %s", scoreFirstNames))
		}
		defer f.Close() //nolint:errcheck
		return ownerscore.ReadFirstNamesCSV(f)
	}
	pool, err := lp.get(ctx)
	if err != nil {
		return nil, err
	}
	return ownerscore.LoadFirstNames(ctx, pool, cfg.Scorer.FirstNamesTable)
}

func printScoreSummary(out io.Writer, s ownerscore.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "batch\t%s (dry_run=%t)\n", s.BatchID, s.DryRun)
	_, _ = fmt.Fprintf(w, "first names\t%s\n", s.DictVersion)
	_, _ = fmt.Fprintf(w, "rows\t%d (%d housings)\n", s.Rows, s.LocalIDs)
	_, _ = fmt.Fprintf(w, "pairs\t%d (%d fallback)\n", s.Pairs, s.Fallbacks)
	scores := make([]int, 0, len(s.ByScore))
	for k := range s.ByScore {
		scores = append(scores, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(scores)))
	for _, k := range scores {
		_, _ = fmt.Fprintf(w, "score %d\t%d\n", k, s.ByScore[k])
	}
	_, _ = fmt.Fprintf(w, "saved\t%d\n", s.Saved)
	_ = w.Flush()
}
