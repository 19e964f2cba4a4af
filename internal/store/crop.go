package store

import (
	"context"
	"fmt"
)

// ApplyCropBatch records every result of one crop batch in a single
// transaction. For each successful crop the move callback is invoked with the
// media id and its stored relative path so the caller can relocate the
// cropped artifact; a move failure aborts the whole batch. Failed crops are
// marked cropped with no bounding box so they are never re-submitted.
func (s *Store) ApplyCropBatch(ctx context.Context, results []CropResult, move func(mediaID int64, relPath string) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin crop batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, res := range results {
		if !res.OK {
			if _, err := tx.Exec(ctx,
				`UPDATE medias SET cropped = TRUE WHERE id = $1`, res.MediaID); err != nil {
				return fmt.Errorf("record crop failure for media %d: %w", res.MediaID, err)
			}
			continue
		}

		var path *string
		err := tx.QueryRow(ctx, `
UPDATE medias
SET cropped = TRUE, x = $2, y = $3, width = $4, height = $5, confidence = $6
WHERE id = $1
RETURNING path`,
			res.MediaID, res.X, res.Y, res.Width, res.Height, res.Confidence).Scan(&path)
		if err != nil {
			return fmt.Errorf("record crop for media %d: %w", res.MediaID, err)
		}
		if path == nil {
			return fmt.Errorf("media %d cropped without a download path", res.MediaID)
		}
		if move != nil {
			if err := move(res.MediaID, *path); err != nil {
				return fmt.Errorf("move cropped media %d: %w", res.MediaID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit crop batch: %w", err)
	}
	return nil
}
