package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	appcfg "github.com/wildscrape/gbif-scraper/internal/config"
	"github.com/wildscrape/gbif-scraper/internal/logging"
	"github.com/wildscrape/gbif-scraper/internal/progress"
	"github.com/wildscrape/gbif-scraper/internal/store"
)

// pipeline bundles the services every subcommand needs: the typed config,
// the logger, the Postgres store and the progress emitter.
type pipeline struct {
	cfg     appcfg.Config
	logger  *zap.Logger
	store   *store.Store
	emitter progress.Emitter
}

// buildPipeline loads the configuration and connects the shared services.
func buildPipeline(ctx context.Context) (*pipeline, error) {
	cfg, err := appcfg.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	st, err := store.New(ctx, store.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	prom, err := progress.NewPromSink(prometheus.DefaultRegisterer)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &pipeline{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		emitter: progress.Multi{progress.NewLogSink(logger), prom},
	}, nil
}

// Close releases the pipeline's resources.
func (p *pipeline) Close() {
	p.store.Close()
	_ = p.logger.Sync()
}
