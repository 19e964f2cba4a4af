// Package cmd defines and implements the CLI commands for the scraper
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wildscrape/gbif-scraper/pkg/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gbif-scraper",
		Short: "Scrapes biodiversity occurrence media from the GBIF registry.",
		Long: `gbif-scraper resolves taxon entries of the TAXREF reference file against
the GBIF registry, persists their occurrences and photographic media in
Postgres, downloads the media under bounded concurrency and optionally feeds
the images to an external cropping worker. Every stage records its progress
in the database, so interrupted runs resume where they left off.`,
		SilenceUsage: true,
	}

	cobra.OnInitialize(func() { config.InitConfig(cfgFile) })

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yml)")

	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newCropCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
