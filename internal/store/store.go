// Package store provides the Postgres persistence layer for species,
// occurrences and media rows.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// Store persists all pipeline state.
type Store struct {
	db DB
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB constructs a store from an existing pool (primarily for testing).
func NewWithDB(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

const speciesColumns = `id, reign, phylum, class, "order", family, genus, valid_name, species_key, available_occurrences, done`

func scanSpecies(row pgx.Row) (*Species, error) {
	var sp Species
	err := row.Scan(&sp.ID, &sp.Reign, &sp.Phylum, &sp.Class, &sp.Order, &sp.Family,
		&sp.Genus, &sp.ValidName, &sp.SpeciesKey, &sp.AvailableOccurrences, &sp.Done)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan species: %w", err)
	}
	return &sp, nil
}

// SpeciesByValidName returns the species with the given valid name, or nil
// when absent.
func (s *Store) SpeciesByValidName(ctx context.Context, validName string) (*Species, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+speciesColumns+` FROM species WHERE valid_name = $1`, validName)
	return scanSpecies(row)
}

// SpeciesByKey returns the species owning the given registry key, or nil when
// absent.
func (s *Store) SpeciesByKey(ctx context.Context, speciesKey int64) (*Species, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+speciesColumns+` FROM species WHERE species_key = $1`, speciesKey)
	return scanSpecies(row)
}

// UpsertSpecies inserts the species row or, when a row with the same valid
// name exists, refreshes its key, available occurrence count and done flag.
// The row's ID is filled in.
func (s *Store) UpsertSpecies(ctx context.Context, sp *Species) error {
	row := s.db.QueryRow(ctx, `
INSERT INTO species (reign, phylum, class, "order", family, genus, valid_name, species_key, available_occurrences, done)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (valid_name) DO UPDATE SET
	species_key = EXCLUDED.species_key,
	available_occurrences = EXCLUDED.available_occurrences,
	done = EXCLUDED.done
RETURNING id`,
		sp.Reign, sp.Phylum, sp.Class, sp.Order, sp.Family, sp.Genus,
		sp.ValidName, sp.SpeciesKey, sp.AvailableOccurrences, sp.Done)
	if err := row.Scan(&sp.ID); err != nil {
		return fmt.Errorf("upsert species %q: %w", sp.ValidName, err)
	}
	return nil
}

// MarkSpeciesDone flags the species as completely scraped.
func (s *Store) MarkSpeciesDone(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `UPDATE species SET done = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark species %d done: %w", id, err)
	}
	return nil
}

// IgnoredSpeciesExists reports whether an ignored species with the given
// valid name is recorded.
func (s *Store) IgnoredSpeciesExists(ctx context.Context, validName string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ignored_species WHERE valid_name = $1)`, validName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ignored species lookup: %w", err)
	}
	return exists, nil
}

// InsertIgnoredSpecies records a duplicate-key convergence. Re-inserting the
// same valid name is a no-op.
func (s *Store) InsertIgnoredSpecies(ctx context.Context, ig *IgnoredSpecies) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO ignored_species (reign, phylum, class, "order", family, genus, valid_name, species_key)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (valid_name) DO NOTHING`,
		ig.Reign, ig.Phylum, ig.Class, ig.Order, ig.Family, ig.Genus, ig.ValidName, ig.SpeciesKey)
	if err != nil {
		return fmt.Errorf("insert ignored species %q: %w", ig.ValidName, err)
	}
	return nil
}

// MediaURLExists reports whether any media row, for any species, already
// carries the given URL.
func (s *Store) MediaURLExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medias WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("media url lookup: %w", err)
	}
	return exists, nil
}

// InsertOccurrenceWithMedia persists one occurrence and its media URLs in a
// single transaction, so an occurrence is never visible without its media.
func (s *Store) InsertOccurrenceWithMedia(ctx context.Context, occ *Occurrence, urls []string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin occurrence insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO occurrences (key, dataset_key, species_id) VALUES ($1,$2,$3) RETURNING id`,
		occ.Key, occ.DatasetKey, occ.SpeciesID).Scan(&occ.ID)
	if err != nil {
		return fmt.Errorf("insert occurrence %d: %w", occ.Key, err)
	}

	for _, url := range urls {
		_, err := tx.Exec(ctx,
			`INSERT INTO medias (url, to_download, cropped, occurrence_id) VALUES ($1, FALSE, FALSE, $2)`,
			url, occ.ID)
		if err != nil {
			return fmt.Errorf("insert media %q: %w", url, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit occurrence insert: %w", err)
	}
	return nil
}

// UpdateMediaDownload records a finished download attempt. path is non-nil
// only for successful downloads.
func (s *Store) UpdateMediaDownload(ctx context.Context, mediaID int64, statusCode int32, path *string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE medias SET status_code = $2, path = $3 WHERE id = $1`,
		mediaID, statusCode, path)
	if err != nil {
		return fmt.Errorf("update media %d download: %w", mediaID, err)
	}
	return nil
}

// MediaPath returns the relative download path of a media, or nil when it has
// not been downloaded.
func (s *Store) MediaPath(ctx context.Context, mediaID int64) (*string, error) {
	var path *string
	err := s.db.QueryRow(ctx, `SELECT path FROM medias WHERE id = $1`, mediaID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("media %d does not exist", mediaID)
	}
	if err != nil {
		return nil, fmt.Errorf("media %d path lookup: %w", mediaID, err)
	}
	return path, nil
}
