// Package config holds the typed runtime configuration and the storage
// layout helpers shared by the pipeline stages.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kennygrant/sanitize"
	"github.com/spf13/viper"
)

// Config is the application configuration, loaded from viper.
type Config struct {
	Database Database
	Storage  Storage
	Scraper  Scraper
	Cropper  Cropper
	GBIF     GBIF
	Taxref   Taxref
	Log      Log
}

// Database configures the Postgres connection pool.
type Database struct {
	DSN      string
	MaxConns int32
}

// Storage locates everything the pipeline writes on disk.
type Storage struct {
	DataPath string
}

// Scraper tunes the scrape and download stages.
type Scraper struct {
	Jobs           int
	MinOccurrences int
	MaxOccurrences int
	Crop           bool
}

// Cropper configures the external cropping worker.
type Cropper struct {
	Command   []string
	BatchSize int
}

// GBIF configures the registry client.
type GBIF struct {
	BaseURL            string
	Timeout            time.Duration
	BlacklistedDataset uuid.UUID
}

// Taxref locates the taxonomy reference file.
type Taxref struct {
	Path string
	URL  string
}

// Log configures logger construction.
type Log struct {
	Development bool
}

// Load builds a Config from the viper instance v.
func Load(v *viper.Viper) (Config, error) {
	blacklisted, err := uuid.Parse(v.GetString("gbif.blacklisted_dataset"))
	if err != nil {
		return Config{}, fmt.Errorf("parse gbif.blacklisted_dataset: %w", err)
	}

	cfg := Config{
		Database: Database{
			DSN:      v.GetString("database.dsn"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Storage: Storage{
			DataPath: v.GetString("storage.data_path"),
		},
		Scraper: Scraper{
			Jobs:           v.GetInt("scraper.jobs"),
			MinOccurrences: v.GetInt("scraper.min_occurrences"),
			MaxOccurrences: v.GetInt("scraper.max_occurrences"),
			Crop:           v.GetBool("scraper.crop"),
		},
		Cropper: Cropper{
			Command:   v.GetStringSlice("cropper.command"),
			BatchSize: v.GetInt("cropper.batch_size"),
		},
		GBIF: GBIF{
			BaseURL:            v.GetString("gbif.base_url"),
			Timeout:            v.GetDuration("gbif.timeout"),
			BlacklistedDataset: blacklisted,
		},
		Taxref: Taxref{
			Path: v.GetString("taxref.path"),
			URL:  v.GetString("taxref.url"),
		},
		Log: Log{
			Development: v.GetBool("log.development"),
		},
	}

	if cfg.Database.DSN == "" {
		return Config{}, fmt.Errorf("database.dsn is required")
	}
	if cfg.Scraper.Jobs <= 0 {
		return Config{}, fmt.Errorf("scraper.jobs must be positive, got %d", cfg.Scraper.Jobs)
	}
	if cfg.Cropper.BatchSize <= 0 {
		return Config{}, fmt.Errorf("cropper.batch_size must be positive, got %d", cfg.Cropper.BatchSize)
	}
	return cfg, nil
}

// SpeciesDir is where raw occurrence archives are written, one JSON file per
// species key.
func (s Storage) SpeciesDir() string {
	return filepath.Join(s.DataPath, "species")
}

// MediasDir is the root of the downloaded originals.
func (s Storage) MediasDir() string {
	return filepath.Join(s.DataPath, "medias")
}

// CroppedDir is the root of the cropped outputs.
func (s Storage) CroppedDir() string {
	return filepath.Join(s.DataPath, "medias_cropped")
}

// TmpDir is the cropper scratch root; one subdirectory per batch, removed
// after the batch commits.
func (s Storage) TmpDir() string {
	return filepath.Join(s.DataPath, "tmp")
}

// SpeciesMediaDir returns the per-species directory name under MediasDir and
// CroppedDir, derived from the species valid name.
func SpeciesMediaDir(validName string) string {
	return sanitize.BaseName(validName)
}
