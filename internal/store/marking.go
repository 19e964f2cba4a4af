package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// markFirstMediaSQL flags exactly one media per non-blacklisted occurrence:
// the one with the lowest id. Re-running never unflags or double-flags.
const markFirstMediaSQL = `
UPDATE medias
SET to_download = TRUE
FROM (
	SELECT DISTINCT ON (m.occurrence_id) m.id
	FROM medias m
	JOIN occurrences o ON m.occurrence_id = o.id
	WHERE o.dataset_key != $1
	ORDER BY m.occurrence_id, m.id
) AS first_media
WHERE medias.id = first_media.id`

// markSparseSpeciesSQL flags every media of every occurrence, blacklisted
// included, for species whose non-blacklisted occurrence count is strictly
// below the threshold. Species with too few quality observations get every
// available image.
const markSparseSpeciesSQL = `
UPDATE medias
SET to_download = TRUE
FROM occurrences o
WHERE medias.occurrence_id = o.id
AND o.species_id IN (
	SELECT o2.species_id
	FROM occurrences o2
	WHERE o2.dataset_key != $1
	GROUP BY o2.species_id
	HAVING count(o2.id) < $2
)`

// MarkFirstMediaPerOccurrence applies the first marking rule.
func (s *Store) MarkFirstMediaPerOccurrence(ctx context.Context, blacklisted uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, markFirstMediaSQL, blacklisted)
	if err != nil {
		return 0, fmt.Errorf("mark first media per occurrence: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkAllMediaForSparseSpecies applies the second marking rule.
func (s *Store) MarkAllMediaForSparseSpecies(ctx context.Context, blacklisted uuid.UUID, minOccurrences int) (int64, error) {
	tag, err := s.db.Exec(ctx, markSparseSpeciesSQL, blacklisted, int64(minOccurrences))
	if err != nil {
		return 0, fmt.Errorf("mark media for sparse species: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDownloadable returns how many media rows are flagged for download.
func (s *Store) CountDownloadable(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(id) FROM medias WHERE to_download`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count downloadable media: %w", err)
	}
	return count, nil
}

// ListDownloadable pages through the media flagged for download, ordered by
// id, joined with the occurrence key and species name needed to build each
// destination path.
func (s *Store) ListDownloadable(ctx context.Context, limit, offset int) ([]DownloadItem, error) {
	rows, err := s.db.Query(ctx, `
SELECT m.id, m.url, m.status_code, o.key, sp.valid_name
FROM medias m
JOIN occurrences o ON m.occurrence_id = o.id
JOIN species sp ON o.species_id = sp.id
WHERE m.to_download
ORDER BY m.id
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list downloadable media: %w", err)
	}
	defer rows.Close()

	var items []DownloadItem
	for rows.Next() {
		var item DownloadItem
		if err := rows.Scan(&item.MediaID, &item.URL, &item.StatusCode, &item.OccurrenceKey, &item.SpeciesName); err != nil {
			return nil, fmt.Errorf("scan downloadable media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list downloadable media: %w", err)
	}
	return items, nil
}

// ListCropPending pages through downloaded media still awaiting a crop,
// ordered by id.
func (s *Store) ListCropPending(ctx context.Context, limit, offset int) ([]CropItem, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, path
FROM medias
WHERE to_download AND NOT cropped AND path IS NOT NULL
ORDER BY id
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list crop pending media: %w", err)
	}
	defer rows.Close()

	var items []CropItem
	for rows.Next() {
		var item CropItem
		if err := rows.Scan(&item.MediaID, &item.Path); err != nil {
			return nil, fmt.Errorf("scan crop pending media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list crop pending media: %w", err)
	}
	return items, nil
}
