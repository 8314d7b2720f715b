package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zero-logement-vacant/zlv-address/internal/country"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the binary and rule corpus versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := country.New(country.WithMonacoPolicy(country.MonacoPolicy(cfg.Classifier.MonacoPolicy)))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "zlv-address %s\nclassifier %s\n", version, c.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
