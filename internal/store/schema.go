package store

import (
	"context"
	"fmt"
)

// Schema statements, applied in order by EnsureSchema. All statements are
// idempotent so the pipeline can run them on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS species (
	id BIGSERIAL PRIMARY KEY,
	reign TEXT NOT NULL,
	phylum TEXT NOT NULL,
	class TEXT NOT NULL,
	"order" TEXT NOT NULL,
	family TEXT NOT NULL,
	genus TEXT NOT NULL,
	valid_name TEXT NOT NULL UNIQUE,
	species_key BIGINT UNIQUE,
	available_occurrences BIGINT NOT NULL DEFAULT 0,
	done BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE TABLE IF NOT EXISTS ignored_species (
	id BIGSERIAL PRIMARY KEY,
	reign TEXT NOT NULL,
	phylum TEXT NOT NULL,
	class TEXT NOT NULL,
	"order" TEXT NOT NULL,
	family TEXT NOT NULL,
	genus TEXT NOT NULL,
	valid_name TEXT NOT NULL UNIQUE,
	species_key BIGINT
)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
	id BIGSERIAL PRIMARY KEY,
	key BIGINT NOT NULL UNIQUE,
	dataset_key UUID NOT NULL,
	species_id BIGINT NOT NULL REFERENCES species(id)
)`,
	`CREATE TABLE IF NOT EXISTS medias (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	path TEXT,
	status_code INT,
	to_download BOOLEAN NOT NULL DEFAULT FALSE,
	cropped BOOLEAN NOT NULL DEFAULT FALSE,
	x DOUBLE PRECISION,
	y DOUBLE PRECISION,
	width DOUBLE PRECISION,
	height DOUBLE PRECISION,
	confidence DOUBLE PRECISION,
	occurrence_id BIGINT NOT NULL REFERENCES occurrences(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_medias_to_download ON medias (to_download, id)`,
	`CREATE INDEX IF NOT EXISTS idx_occurrences_species ON occurrences (species_id)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
