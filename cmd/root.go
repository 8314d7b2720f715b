package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/config"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Exit codes.
const (
	exitOK          = 0
	exitUnexpected  = 1
	exitConfig      = 2
	exitRetriable   = 75
	exitInterrupted = 130
)

// errIncomplete marks a run that left work for a later run.
var errIncomplete = errors.New("work left for a later run")

var cfg *config.Config

var (
	flagConfig     string
	flagDBURL      string
	flagVerbose    bool
	flagDryRun     bool
	flagLimit      int
	flagBatchSize  int
	flagNumWorkers int
)

var rootCmd = &cobra.Command{
	Use:   "zlv-address",
	Short: "Address classification and reconciliation for Zéro Logement Vacant",
	Long: "Classifies owner addresses as French or foreign, reconciles housing and owner " +
		"addresses against the Base Adresse Nationale, and scores owner/housing candidate pairs.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := checkRequiredFlags(cmd); err != nil {
			return err
		}
		c, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		applyFlagOverrides(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ./config.yaml)")
	pf.StringVar(&flagDBURL, "db-url", "", "PostgreSQL DSN (overrides store.database_url)")
	pf.BoolVar(&flagVerbose, "verbose", false, "debug logging")
	pf.BoolVar(&flagDryRun, "dry-run", false, "do not write to PostgreSQL")
	pf.IntVar(&flagLimit, "limit", 0, "max input rows (0 = all)")
	pf.IntVar(&flagBatchSize, "batch-size", 0, "rows per batch or BAN chunk (overrides config)")
	pf.IntVar(&flagNumWorkers, "num-workers", 0, "parallel writers (overrides batch.num_workers)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return resilience.NewConfigError("flags", err)
	})
}

const requiredAnnotation = "zlv_required"

// markRequired flags options that must be set. Missing ones are reported as
// configuration errors by checkRequiredFlags.
func markRequired(cmd *cobra.Command, names ...string) {
	for _, n := range names {
		_ = cmd.Flags().SetAnnotation(n, requiredAnnotation, []string{"true"})
	}
}

func checkRequiredFlags(cmd *cobra.Command) error {
	var missing []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if _, ok := f.Annotations[requiredAnnotation]; ok && !f.Changed {
			missing = append(missing, f.Name)
		}
	})
	if len(missing) == 0 {
		return nil
	}
	return resilience.NewConfigError("flags", eris.Errorf(`required flag(s) "%s" not set`, strings.Join(missing, `", "`)))
}

// applyFlagOverrides lets explicit flags win over file and environment.
func applyFlagOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("db-url") {
		c.Store.DatabaseURL = flagDBURL
	}
	if flags.Changed("verbose") && flagVerbose {
		c.Log.Level = "debug"
	}
	if flags.Changed("batch-size") {
		c.Batch.Size = flagBatchSize
		c.BAN.ChunkSize = flagBatchSize
	}
	if flags.Changed("num-workers") {
		c.Batch.NumWorkers = flagNumWorkers
	}
}

// exitCode maps a command error to the process exit status.
func exitCode(err error, interrupted bool) int {
	if err == nil {
		return exitOK
	}
	if interrupted || errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	switch resilience.KindOf(err) {
	case resilience.KindConfig:
		return exitConfig
	case resilience.KindRateLimit:
		return exitRetriable
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, errIncomplete) {
		return exitRetriable
	}
	return exitUnexpected
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	code := exitCode(err, interrupted)
	if err != nil {
		zap.L().Error("command failed", zap.Error(err), zap.Int("exit_code", code))
		fmt.Fprintln(os.Stderr, "error:", eris.ToString(err, false))
	}
	_ = zap.L().Sync()
	os.Exit(code)
}
