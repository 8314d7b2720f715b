package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zero-logement-vacant/zlv-address/internal/batch"
	"github.com/zero-logement-vacant/zlv-address/internal/country"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [ADDRESS...]",
	Short: "Classify addresses as FRANCE or FOREIGN",
	Long: "Classifies the addresses given as arguments, or every row of --input, and reports the " +
		"deciding rule. With --output the input rows are written back with country, rule_id and " +
		"classifier_version columns.",
	RunE: runClassify,
}

var (
	classifyInput  string
	classifyColumn string
	classifyOutput string
	classifyTrace  bool
)

// classifyColumns are appended to the input header in --output files.
var classifyColumns = []string{"country", "rule_id", "classifier_version"}

func init() {
	f := classifyCmd.Flags()
	f.StringVar(&classifyInput, "input", "", "CSV file to classify")
	f.StringVar(&classifyColumn, "column", "address", "address column of --input")
	f.StringVar(&classifyOutput, "output", "", "CSV file receiving the classified rows")
	f.BoolVar(&classifyTrace, "trace", false, "print the full decision trace as JSON lines")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate("classify"); err != nil {
		return err
	}
	if classifyInput == "" && len(args) == 0 {
		return resilience.NewConfigError("input", eris.New("give addresses as arguments or --input"))
	}
	if classifyOutput != "" && classifyInput == "" {
		return resilience.NewConfigError("output", eris.New("--output requires --input"))
	}

	c, err := newClassifier()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		if err := printDecisions(out, c, args, classifyTrace); err != nil {
			return err
		}
	}

	if classifyInput != "" {
		n, err := classifyFile(cmd.Context(), c, classifyInput, classifyColumn, classifyOutput, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		zap.L().Info("classified file", zap.String("command", "classify"),
			zap.String("input", classifyInput), zap.Int("rows", n))
	}

	st := c.Stats()
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%d classified: %d FRANCE, %d FOREIGN, %d by rule (%s)\n",
		st.TotalProcessed, st.FranceCount, st.ForeignCount, st.RuleBasedUsed, c.Version())
	return nil
}

func printDecisions(out io.Writer, c *country.Classifier, addrs []string, trace bool) error {
	if trace {
		enc := json.NewEncoder(out)
		for _, a := range addrs {
			d := c.Classify(a)
			if err := enc.Encode(struct {
				Address string `json:"address"`
				country.Decision
			}{a, d}); err != nil {
				return eris.Wrap(err, "classify: encode decision")
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, a := range addrs {
		d := c.Classify(a)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", d.Country, d.RuleID, a)
	}
	return w.Flush()
}

// classifyFile classifies every row of input. With output set, rows are
// written there with the classification appended; otherwise only counted.
func classifyFile(ctx context.Context, c *country.Classifier, input, column, output string, progressOut io.Writer) (int, error) {
	f, err := os.Open(input)
	if err != nil {
		return 0, resilience.NewConfigError("input", eris.Wrapf(err, "classify: open %s", input))
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return 0, &resilience.DataQualityError{Err: eris.Wrapf(err, "classify: read header of %s", input)}
	}
	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), column) {
			col = i
			break
		}
	}
	if col < 0 {
		return 0, resilience.NewConfigError("column", eris.Errorf("classify: %s has no %q column", input, column))
	}

	var w *batch.CSVWriter
	if output != "" {
		if err := os.Remove(output); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, eris.Wrapf(err, "classify: replace %s", output)
		}
		if w, err = batch.OpenCSV(output, append(append([]string{}, header...), classifyColumns...)); err != nil {
			return 0, err
		}
		defer w.Close() //nolint:errcheck
	}

	progress := batch.NewProgress(progressOut, "classified")
	defer progress.Done()

	n := 0
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, &resilience.DataQualityError{Err: eris.Wrapf(err, "classify: %s line %d", input, line)}
		}
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}

		addr := ""
		if col < len(rec) {
			addr = rec[col]
		}
		d := c.Classify(addr)
		n++
		progress.Add(1)

		if w != nil {
			row := make([]string, len(header), len(header)+len(classifyColumns))
			copy(row, rec)
			row = append(row, string(d.Country), d.RuleID, d.Version)
			if err := w.Write(row); err != nil {
				return n, err
			}
		}
	}
	if w != nil {
		if err := w.Sync(); err != nil {
			return n, err
		}
	}
	return n, nil
}
