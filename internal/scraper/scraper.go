// Package scraper resolves taxon entries against the registry and paginates
// the occurrence search, persisting occurrences and media as it goes.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wildscrape/gbif-scraper/internal/gbif"
	"github.com/wildscrape/gbif-scraper/internal/progress"
	"github.com/wildscrape/gbif-scraper/internal/store"
	"github.com/wildscrape/gbif-scraper/internal/taxref"
)

// ErrSpeciesNotFound reports that the registry has no usable match for a
// taxon entry, or that the entry is a known duplicate.
var ErrSpeciesNotFound = errors.New("species not found on the registry")

// Registry is the subset of the gbif client the scraper uses.
type Registry interface {
	SearchSpecies(ctx context.Context, name string) ([]gbif.SpeciesResult, error)
	SearchOccurrences(ctx context.Context, speciesKey int64, offset, limit int) (*gbif.OccurrencePage, error)
}

// Store is the persistence surface the scraper writes through.
type Store interface {
	SpeciesByValidName(ctx context.Context, validName string) (*store.Species, error)
	SpeciesByKey(ctx context.Context, speciesKey int64) (*store.Species, error)
	UpsertSpecies(ctx context.Context, sp *store.Species) error
	MarkSpeciesDone(ctx context.Context, id int64) error
	IgnoredSpeciesExists(ctx context.Context, validName string) (bool, error)
	InsertIgnoredSpecies(ctx context.Context, ig *store.IgnoredSpecies) error
	MediaURLExists(ctx context.Context, url string) (bool, error)
	InsertOccurrenceWithMedia(ctx context.Context, occ *store.Occurrence, urls []string) error
}

// Config tunes one Scraper.
type Config struct {
	// SpeciesDir is where per-species raw occurrence archives are written.
	SpeciesDir string
	// BlacklistedDataset is excluded from the scraped-occurrence quality count.
	BlacklistedDataset uuid.UUID
	// MaxOccurrences caps the quality occurrences scraped per species.
	MaxOccurrences int
}

// Scraper drives species resolution and occurrence scraping.
type Scraper struct {
	registry Registry
	store    Store
	cfg      Config
	emitter  progress.Emitter
	logger   *zap.Logger
}

// New builds a Scraper.
func New(registry Registry, st Store, cfg Config, emitter progress.Emitter, logger *zap.Logger) *Scraper {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{registry: registry, store: st, cfg: cfg, emitter: emitter, logger: logger}
}

// Resolve maps a taxon entry to its Species row, querying the registry when
// no key is stored yet. Entries the registry cannot match, and entries whose
// key is already owned by another species, fail with ErrSpeciesNotFound; the
// outcome is persisted either way so the entry is not reprocessed.
func (s *Scraper) Resolve(ctx context.Context, entry taxref.Entry) (*store.Species, error) {
	sp, err := s.store.SpeciesByValidName(ctx, entry.ValidName)
	if err != nil {
		return nil, err
	}
	if sp != nil && sp.Done {
		return sp, nil
	}
	if sp != nil && sp.SpeciesKey != nil {
		return sp, nil
	}

	if sp == nil {
		ignored, err := s.store.IgnoredSpeciesExists(ctx, entry.ValidName)
		if err != nil {
			return nil, err
		}
		if ignored {
			return nil, fmt.Errorf("%q is a known duplicate: %w", entry.ValidName, ErrSpeciesNotFound)
		}
	}

	results, err := s.registry.SearchSpecies(ctx, searchName(entry))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		if sp == nil {
			sp = speciesFromEntry(entry)
		}
		if err := s.store.UpsertSpecies(ctx, sp); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no registry match for %q: %w", entry.ValidName, ErrSpeciesNotFound)
	}
	key := results[0].SpeciesKey

	owner, err := s.store.SpeciesByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		ig := ignoredFromEntry(entry)
		ig.SpeciesKey = &key
		if err := s.store.InsertIgnoredSpecies(ctx, ig); err != nil {
			return nil, err
		}
		s.logger.Info("taxon entry converged on an existing species",
			zap.String("valid_name", entry.ValidName),
			zap.String("owner", owner.ValidName),
			zap.Int64("species_key", key),
		)
		return owner, nil
	}

	if sp == nil {
		sp = speciesFromEntry(entry)
	}
	sp.SpeciesKey = &key
	if err := s.store.UpsertSpecies(ctx, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

// Scrape paginates the occurrence search for a resolved species and persists
// every new occurrence with its media. On a clean pass the accumulated raw
// pages are archived and the species is flagged done; on error the species
// stays resumable.
func (s *Scraper) Scrape(ctx context.Context, sp *store.Species) error {
	if sp.Done {
		s.emitter.Emit(progress.Event{Stage: progress.StageSpeciesSkip, Species: sp.ValidName})
		return nil
	}
	if sp.SpeciesKey == nil {
		return fmt.Errorf("species %q has no registry key", sp.ValidName)
	}
	key := *sp.SpeciesKey
	s.emitter.Emit(progress.Event{Stage: progress.StageSpeciesStart, Species: sp.ValidName})

	var (
		offset  int
		fetched int64
		scraped int
		total   int64
		raws    []json.RawMessage
		first   = true
	)

	for {
		page, err := s.registry.SearchOccurrences(ctx, key, offset, gbif.PageSize)
		if err != nil {
			return err
		}
		if first {
			// Persist the total right away so partial progress is visible
			// even when a later page fails.
			total = page.Count
			sp.AvailableOccurrences = total
			if err := s.store.UpsertSpecies(ctx, sp); err != nil {
				return err
			}
			first = false
		}
		s.emitter.Emit(progress.Event{
			Stage:   progress.StagePageFetched,
			Species: sp.ValidName,
			Count:   len(page.Results),
		})
		if len(page.Results) == 0 {
			break
		}

		for _, result := range page.Results {
			if raw := result.Raw(); raw != nil {
				raws = append(raws, raw)
			}

			// Media-less results are persisted too: the sparse-species
			// marking rule counts occurrences, not media. Only results
			// carrying media count toward the scrape cap.
			urls := mediaURLs(result)
			if result.DatasetKey != s.cfg.BlacklistedDataset && len(urls) > 0 {
				scraped++
			}
			known, err := s.anyMediaURLKnown(ctx, urls)
			if err != nil {
				return err
			}
			if known {
				// An occurrence sharing any media URL with the store is
				// skipped whole, novel media included.
				continue
			}
			occ := &store.Occurrence{Key: result.Key, DatasetKey: result.DatasetKey, SpeciesID: sp.ID}
			if err := s.store.InsertOccurrenceWithMedia(ctx, occ, urls); err != nil {
				return err
			}
		}

		// The offset advances by what the registry actually returned, not
		// by the requested page size.
		fetched += int64(len(page.Results))
		offset += len(page.Results)

		if scraped >= s.cfg.MaxOccurrences || fetched >= total {
			break
		}
	}

	if err := s.writeArchive(key, total, raws); err != nil {
		return err
	}
	if err := s.store.MarkSpeciesDone(ctx, sp.ID); err != nil {
		return err
	}
	sp.Done = true
	s.emitter.Emit(progress.Event{
		Stage:   progress.StageSpeciesDone,
		Species: sp.ValidName,
		Count:   scraped,
	})
	return nil
}

func (s *Scraper) anyMediaURLKnown(ctx context.Context, urls []string) (bool, error) {
	for _, u := range urls {
		known, err := s.store.MediaURLExists(ctx, u)
		if err != nil {
			return false, err
		}
		if known {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scraper) writeArchive(speciesKey, total int64, raws []json.RawMessage) error {
	if err := os.MkdirAll(s.cfg.SpeciesDir, 0o750); err != nil {
		return fmt.Errorf("create species archive dir: %w", err)
	}
	if raws == nil {
		raws = []json.RawMessage{}
	}
	payload, err := json.Marshal(gbif.Archive{Count: total, Results: raws})
	if err != nil {
		return fmt.Errorf("encode species archive: %w", err)
	}
	path := filepath.Join(s.cfg.SpeciesDir, strconv.FormatInt(speciesKey, 10)+".json")
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return fmt.Errorf("write species archive: %w", err)
	}
	return nil
}

// searchName prefers the binomial over the full valid name so authority
// suffixes do not skew the registry search.
func searchName(entry taxref.Entry) string {
	if name, ok := taxref.PrettyName(entry.ValidName); ok {
		return name
	}
	return entry.ValidName
}

func mediaURLs(result gbif.OccurrenceResult) []string {
	urls := make([]string, 0, len(result.Media))
	for _, m := range result.Media {
		if m.URL == "" {
			continue
		}
		urls = append(urls, m.URL)
	}
	return urls
}

func speciesFromEntry(entry taxref.Entry) *store.Species {
	return &store.Species{
		Reign:     entry.Reign,
		Phylum:    entry.Phylum,
		Class:     entry.Class,
		Order:     entry.Order,
		Family:    entry.Family,
		Genus:     entry.Genus,
		ValidName: entry.ValidName,
	}
}

func ignoredFromEntry(entry taxref.Entry) *store.IgnoredSpecies {
	return &store.IgnoredSpecies{
		Reign:     entry.Reign,
		Phylum:    entry.Phylum,
		Class:     entry.Class,
		Order:     entry.Order,
		Family:    entry.Family,
		Genus:     entry.Genus,
		ValidName: entry.ValidName,
	}
}
