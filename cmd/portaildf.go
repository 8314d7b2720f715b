package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/country"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

var portaildfCmd = &cobra.Command{
	Use:   "portaildf",
	Short: "Portail-DF (Cerema) API extraction",
}

var portaildfPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download every page of a Portail-DF endpoint to JSON Lines",
	Long: "Follows the next links of a paged Portail-DF endpoint, appending each record to --output. " +
		"Progress is checkpointed after every page so an interrupted pull resumes where it stopped.",
	RunE: runPortailDFPull,
}

var (
	pullURL           string
	pullOutput        string
	pullCheckpoint    string
	pullIDField       string
	pullClassifyField string
	pullForceUnlock   bool
)

func init() {
	f := portaildfPullCmd.Flags()
	f.StringVar(&pullURL, "url", "", "first page URL")
	f.StringVar(&pullOutput, "output", "", "JSON Lines output file")
	f.StringVar(&pullCheckpoint, "checkpoint", "", "checkpoint file (default <output>.checkpoint.json)")
	f.StringVar(&pullIDField, "id-field", "id", "record field identifying a record across pages")
	f.StringVar(&pullClassifyField, "classify-field", "", "address field to classify into a country column")
	f.BoolVar(&pullForceUnlock, "force-unlock", false, "replace a lock left by a dead pull")
	markRequired(portaildfPullCmd, "url", "output")

	portaildfCmd.AddCommand(portaildfPullCmd)
	rootCmd.AddCommand(portaildfCmd)
}

// pullOptions drive one pull.
type pullOptions struct {
	URL           string
	Output        string
	Checkpoint    string
	IDField       string
	ClassifyField string
	ForceUnlock   bool
}

func runPortailDFPull(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate("portaildf"); err != nil {
		return err
	}
	opts := pullOptions{
		URL:           pullURL,
		Output:        pullOutput,
		Checkpoint:    pullCheckpoint,
		IDField:       pullIDField,
		ClassifyField: pullClassifyField,
		ForceUnlock:   pullForceUnlock,
	}
	if opts.Checkpoint == "" {
		opts.Checkpoint = opts.Output + ".checkpoint.json"
	}

	var classifier *country.Classifier
	if opts.ClassifyField != "" {
		c, err := newClassifier()
		if err != nil {
			return err
		}
		classifier = c
	}

	pager := batch.NewPager(
		batch.WithBearerToken(cfg.PortailDF.Token),
		batch.WithPagerTimeout(time.Duration(cfg.PortailDF.TimeoutSecs)*time.Second),
	)
	n, err := pull(cmd.Context(), pager, classifier, opts, cmd.ErrOrStderr())
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d records written to %s\n", n, opts.Output)
	return err
}

// pull walks the pages, skipping records a previous run already wrote, and
// returns the number of records written by this run.
func pull(ctx context.Context, pager *batch.Pager, classifier *country.Classifier, opts pullOptions, progressOut io.Writer) (int, error) {
	log := zap.L().With(zap.String("command", "portaildf pull"), zap.String("output", opts.Output))

	lock, err := batch.AcquireLock(opts.Output+".lock", opts.ForceUnlock)
	if err != nil {
		return 0, err
	}
	defer lock.Release() //nolint:errcheck

	cp, found, err := batch.LoadCheckpoint(opts.Checkpoint)
	if err != nil {
		return 0, err
	}
	start := batch.Cursor{URL: opts.URL}
	if found {
		if cp.NextCursor == nil {
			log.Info("previous pull reached the last page")
			return 0, batch.RemoveCheckpoint(opts.Checkpoint)
		}
		start = batch.Cursor{URL: *cp.NextCursor, Page: cp.LastCompletedPage}
		log.Info("resuming pull", zap.Int("pages_done", cp.LastCompletedPage), zap.Int("records_done", len(cp.ProcessedIDs)))
	}

	out, err := batch.OpenJSONL(opts.Output)
	if err != nil {
		return 0, err
	}
	defer out.Close() //nolint:errcheck

	progress := batch.NewProgress(progressOut, "records")
	defer progress.Done()

	written := 0
	err = pager.Pages(ctx, start, nil, func(n int, page *batch.Page) error {
		ids := make([]string, 0, len(page.Results))
		for i, raw := range page.Results {
			rec := map[string]any{}
			if err := json.Unmarshal(raw, &rec); err != nil {
				return &resilience.DataQualityError{Err: eris.Wrapf(err, "portaildf: page %d record %d", n, i)}
			}
			id := recordID(rec, opts.IDField, n, i)
			if cp.Processed(id) {
				continue
			}
			if classifier != nil {
				addr, _ := rec[opts.ClassifyField].(string)
				d := classifier.Classify(addr)
				rec["country"] = string(d.Country)
				rec["country_rule_id"] = d.RuleID
				rec["classifier_version"] = d.Version
			}
			if err := out.Write(rec); err != nil {
				return err
			}
			ids = append(ids, id)
			written++
		}
		if err := out.Sync(); err != nil {
			return err
		}
		if err := cp.Advance(n, page.Next, ids...); err != nil {
			return err
		}
		if err := batch.SaveCheckpoint(opts.Checkpoint, cp); err != nil {
			return err
		}
		progress.Add(len(ids))
		return nil
	})
	if err != nil {
		return written, err
	}
	if err := out.Close(); err != nil {
		return written, err
	}
	log.Info("pull complete", zap.Int("pages", cp.LastCompletedPage), zap.Int("records", written))
	return written, batch.RemoveCheckpoint(opts.Checkpoint)
}

// recordID is the string form of the id field, or the record's position
// when the field is missing.
func recordID(rec map[string]any, field string, page, index int) string {
	switch v := rec[field].(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprintf("page-%d-%d", page, index)
}
