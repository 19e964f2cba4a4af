package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wildscrape/gbif-scraper/internal/cropper"
)

// cropChunkSize bounds how many pending media rows are loaded at once.
const cropChunkSize = 100000

// newCropCmd creates and configures the 'crop' subcommand. It re-walks the
// downloaded media that have not been cropped yet, so cropping can run or
// resume independently of the downloads.
func newCropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crop",
		Short: "Crops the downloaded media that have not been cropped yet",
		Long: `Feeds every downloaded but uncropped media to the external cropping
worker in batches. Media cropped during an earlier run are left untouched,
so the command can resume an interrupted pass.`,
		RunE: runCropCommand,
	}
	return cmd
}

func runCropCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	p, err := buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	bridge, err := cropper.Start(ctx, p.store, cropper.Config{
		Storage:       p.cfg.Storage,
		Command:       p.cfg.Cropper.Command,
		BatchCapacity: p.cfg.Cropper.BatchSize,
	}, p.emitter, p.logger)
	if err != nil {
		return fmt.Errorf("initialize cropper: %w", err)
	}

	offset := 0
	total := 0
	for {
		items, err := p.store.ListCropPending(ctx, cropChunkSize, offset)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := bridge.AddMedia(ctx, item.MediaID); err != nil {
				return err
			}
		}
		total += len(items)
		if len(items) < cropChunkSize {
			break
		}
		offset += cropChunkSize
	}

	if err := bridge.End(ctx); err != nil {
		return err
	}
	p.logger.Info("crop pass finished", zap.Int("fed", total))
	return nil
}
