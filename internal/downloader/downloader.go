// Package downloader drains the media flagged for download under bounded
// concurrency, sniffing payloads and recording every outcome.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wildscrape/gbif-scraper/internal/config"
	"github.com/wildscrape/gbif-scraper/internal/progress"
	"github.com/wildscrape/gbif-scraper/internal/retry"
	"github.com/wildscrape/gbif-scraper/internal/store"
)

// StatusTransportFailure is the sentinel recorded when a download produced no
// HTTP response at all, or when the payload was not an image.
const StatusTransportFailure = 600

// listPageSize bounds how many pending media rows are held in memory at once.
const listPageSize = 100000

// Store is the persistence surface the scheduler reads and writes.
type Store interface {
	ListDownloadable(ctx context.Context, limit, offset int) ([]store.DownloadItem, error)
	UpdateMediaDownload(ctx context.Context, mediaID int64, statusCode int32, path *string) error
}

// Config tunes one Scheduler.
type Config struct {
	// Storage locates the download destination tree.
	Storage config.Storage
	// Jobs bounds the number of concurrent download tasks.
	Jobs int64
	// Timeout bounds one HTTP attempt.
	Timeout time.Duration
}

// Scheduler downloads every flagged media row, at most Jobs at a time. A
// successful download is reported through the feed callback so the cropping
// stage can pick it up.
type Scheduler struct {
	store   Store
	cfg     Config
	http    *http.Client
	policy  retry.Policy
	feed    func(mediaID int64)
	emitter progress.Emitter
	logger  *zap.Logger
}

// New builds a Scheduler. A nil feed disables crop handoff.
func New(st Store, cfg Config, policy retry.Policy, feed func(mediaID int64), emitter progress.Emitter, logger *zap.Logger) *Scheduler {
	if cfg.Jobs <= 0 {
		cfg.Jobs = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   st,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		policy:  policy,
		feed:    feed,
		emitter: emitter,
		logger:  logger,
	}
}

// Run pages through the flagged media and downloads each row once. Task
// failures are isolated; Run only returns an error when listing fails or the
// context finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(s.cfg.Jobs)
	offset := 0
	for {
		items, err := s.store.ListDownloadable(ctx, listPageSize, offset)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			go func(item store.DownloadItem) {
				defer sem.Release(1)
				s.downloadOne(ctx, item)
			}(item)
		}
		offset += len(items)
	}
	// Drain in-flight tasks.
	if err := sem.Acquire(ctx, s.cfg.Jobs); err != nil {
		return err
	}
	sem.Release(s.cfg.Jobs)
	return nil
}

// downloadOne runs a single download task end to end, recording its outcome.
func (s *Scheduler) downloadOne(ctx context.Context, item store.DownloadItem) {
	if item.StatusCode != nil {
		s.emitter.Emit(progress.Event{
			Stage:      progress.StageDownloadSkip,
			Species:    item.SpeciesName,
			MediaID:    item.MediaID,
			StatusCode: int(*item.StatusCode),
		})
		return
	}

	code, relPath, err := s.fetch(ctx, item)
	if err != nil {
		// No outcome recorded: the row stays pending for the next run.
		s.logger.Warn("download task failed",
			zap.Int64("media_id", item.MediaID),
			zap.String("url", item.URL),
			zap.Error(err),
		)
		return
	}

	var pathArg *string
	if relPath != "" {
		pathArg = &relPath
	}
	if err := s.store.UpdateMediaDownload(ctx, item.MediaID, int32(code), pathArg); err != nil {
		s.logger.Warn("record download outcome",
			zap.Int64("media_id", item.MediaID),
			zap.Error(err),
		)
		return
	}

	if code >= 200 && code < 400 {
		s.emitter.Emit(progress.Event{
			Stage:      progress.StageDownloadDone,
			Species:    item.SpeciesName,
			MediaID:    item.MediaID,
			StatusCode: code,
		})
		if s.feed != nil {
			s.feed(item.MediaID)
		}
		return
	}
	s.emitter.Emit(progress.Event{
		Stage:      progress.StageDownloadFail,
		Species:    item.SpeciesName,
		MediaID:    item.MediaID,
		StatusCode: code,
	})
}

// fetch performs the HTTP attempts for one media. It returns the status code
// to record and, on success, the stored relative path. An error means nothing
// should be recorded.
func (s *Scheduler) fetch(ctx context.Context, item store.DownloadItem) (int, string, error) {
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
		if err != nil {
			return StatusTransportFailure, "", nil
		}
		resp, err := s.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, "", ctx.Err()
			}
			return StatusTransportFailure, "", nil
		}

		if resp.StatusCode == http.StatusTooManyRequests && s.policy.ShouldRetry(resp.StatusCode, nil, attempt) {
			_ = resp.Body.Close()
			s.logger.Debug("download rate limited, backing off",
				zap.Int64("media_id", item.MediaID),
				zap.Int("attempt", attempt),
			)
			if err := s.policy.Wait(ctx); err != nil {
				return 0, "", err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			_ = resp.Body.Close()
			return resp.StatusCode, "", nil
		}

		code, relPath, err := s.saveBody(ctx, resp, item)
		_ = resp.Body.Close()
		return code, relPath, err
	}
}

// saveBody sniffs the response payload and streams it to the destination
// file. The stored path is relative to the medias root, so the cropping stage
// can mirror it under the cropped root.
func (s *Scheduler) saveBody(ctx context.Context, resp *http.Response, item store.DownloadItem) (int, string, error) {
	prefix := make([]byte, sniffLen)
	n, err := io.ReadFull(resp.Body, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return s.storageFailure(ctx, item, fmt.Errorf("read payload prefix: %w", err))
	}
	prefix = prefix[:n]

	ext, err := SniffImage(prefix)
	if err != nil {
		return StatusTransportFailure, "", nil
	}

	dir := config.SpeciesMediaDir(item.SpeciesName)
	name := fmt.Sprintf("%d_%04d.%s", item.OccurrenceKey, item.MediaID, ext)
	relPath := filepath.Join(dir, name)
	absPath := filepath.Join(s.cfg.Storage.MediasDir(), relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o750); err != nil {
		return s.storageFailure(ctx, item, fmt.Errorf("create media dir: %w", err))
	}
	f, err := os.Create(absPath)
	if err != nil {
		return s.storageFailure(ctx, item, fmt.Errorf("create media file: %w", err))
	}
	if _, err := f.Write(prefix); err != nil {
		_ = f.Close()
		_ = os.Remove(absPath)
		return s.storageFailure(ctx, item, fmt.Errorf("write media file: %w", err))
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(absPath)
		return s.storageFailure(ctx, item, fmt.Errorf("write media file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(absPath)
		return s.storageFailure(ctx, item, fmt.Errorf("close media file: %w", err))
	}
	return resp.StatusCode, relPath, nil
}

// storageFailure resolves a local read or write failure. A canceled context
// keeps the row pending for the next run; anything else records the transport
// sentinel so the failure is terminal for this media.
func (s *Scheduler) storageFailure(ctx context.Context, item store.DownloadItem, cause error) (int, string, error) {
	if ctx.Err() != nil {
		return 0, "", ctx.Err()
	}
	s.logger.Warn("download artifact not stored",
		zap.Int64("media_id", item.MediaID),
		zap.Error(cause),
	)
	return StatusTransportFailure, "", nil
}
