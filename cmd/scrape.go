package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wildscrape/gbif-scraper/internal/cropper"
	"github.com/wildscrape/gbif-scraper/internal/downloader"
	"github.com/wildscrape/gbif-scraper/internal/gbif"
	"github.com/wildscrape/gbif-scraper/internal/retry"
	"github.com/wildscrape/gbif-scraper/internal/scraper"
	"github.com/wildscrape/gbif-scraper/internal/taxref"
)

// newScrapeCmd creates and configures the 'scrape' subcommand. It runs the
// whole pipeline for the selected taxon entries: resolution, occurrence
// scraping, marking, download and (when enabled) cropping.
func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape <taxon>=<query>",
		Short: "Scrapes occurrences and media for a taxonomic selection",
		Long: `Selects the species of the TAXREF reference file matching the given
taxonomic level and name, for example 'order=coleoptera' or
'species=lucanus cervus (linnaeus, 1758)', resolves them against the GBIF
registry and runs the scrape, mark, download and crop stages.`,
		Args: cobra.ExactArgs(1),
		RunE: runScrapeCommand,
	}
	return cmd
}

func runScrapeCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	level, query, err := parseSelector(args[0])
	if err != nil {
		return err
	}

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.cfg.Taxref.Path == "" {
		return errors.New("taxref.path is required")
	}
	if p.cfg.Taxref.URL != "" {
		if err := taxref.Download(p.cfg.Taxref.URL, p.cfg.Taxref.Path); err != nil {
			return err
		}
	}
	entries, err := taxref.EntriesFromFile(p.cfg.Taxref.Path, level, query)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		p.logger.Warn("no taxon entries matched the selection",
			zap.String("taxon", level.String()),
			zap.String("query", query),
		)
		return nil
	}
	p.logger.Info("taxon entries selected", zap.Int("count", len(entries)))

	registry := gbif.NewClient(
		gbif.Config{BaseURL: p.cfg.GBIF.BaseURL, Timeout: p.cfg.GBIF.Timeout},
		retry.RateLimited(3, 5*time.Second),
		p.logger,
	)
	scr := scraper.New(registry, p.store, scraper.Config{
		SpeciesDir:         p.cfg.Storage.SpeciesDir(),
		BlacklistedDataset: p.cfg.GBIF.BlacklistedDataset,
		MaxOccurrences:     p.cfg.Scraper.MaxOccurrences,
	}, p.emitter, p.logger)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sp, err := scr.Resolve(ctx, entry)
		switch {
		case errors.Is(err, scraper.ErrSpeciesNotFound):
			p.logger.Warn("taxon entry skipped",
				zap.String("valid_name", entry.ValidName), zap.Error(err))
			continue
		case err != nil:
			p.logger.Error("resolve taxon entry",
				zap.String("valid_name", entry.ValidName), zap.Error(err))
			continue
		}
		if err := scr.Scrape(ctx, sp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The species stays done=false; the next run resumes it.
			p.logger.Error("scrape species",
				zap.String("valid_name", sp.ValidName), zap.Error(err))
		}
	}

	firstN, err := p.store.MarkFirstMediaPerOccurrence(ctx, p.cfg.GBIF.BlacklistedDataset)
	if err != nil {
		return err
	}
	sparseN, err := p.store.MarkAllMediaForSparseSpecies(ctx, p.cfg.GBIF.BlacklistedDataset, p.cfg.Scraper.MinOccurrences)
	if err != nil {
		return err
	}
	pending, err := p.store.CountDownloadable(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("media marked for download",
		zap.Int64("first_media", firstN),
		zap.Int64("sparse_species", sparseN),
		zap.Int64("flagged_total", pending),
	)

	// When cropping is enabled the worker runs alongside the downloads, fed
	// by a channel the download tasks push successful media ids into.
	var (
		feed func(int64)
		cf   *cropFeed
	)
	if p.cfg.Scraper.Crop {
		bridge, err := cropper.Start(ctx, p.store, cropper.Config{
			Storage:       p.cfg.Storage,
			Command:       p.cfg.Cropper.Command,
			BatchCapacity: p.cfg.Cropper.BatchSize,
		}, p.emitter, p.logger)
		if err != nil {
			return fmt.Errorf("initialize cropper: %w", err)
		}
		cf = startCropFeed(ctx, bridge, 1024)
		feed = cf.send
	}

	sched := downloader.New(p.store, downloader.Config{
		Storage: p.cfg.Storage,
		Jobs:    int64(p.cfg.Scraper.Jobs),
	}, retry.RateLimited(3, 10*time.Second), feed, p.emitter, p.logger)

	runErr := sched.Run(ctx)

	if cf != nil {
		if err := cf.stop(); err != nil && runErr == nil {
			runErr = fmt.Errorf("finalize cropper: %w", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	p.logger.Info("scrape finished")
	return nil
}

// parseSelector splits a '<taxon>=<query>' argument.
func parseSelector(arg string) (taxref.Taxon, string, error) {
	level, query, found := strings.Cut(arg, "=")
	if !found || query == "" {
		return 0, "", fmt.Errorf("selection must be <taxon>=<query>, got %q", arg)
	}
	t, err := taxref.ParseTaxon(level)
	if err != nil {
		return 0, "", err
	}
	return t, query, nil
}
