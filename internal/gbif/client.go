// Package gbif implements the client for the GBIF registry API: species
// search against the backbone dataset and the paginated occurrence search.
package gbif

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wildscrape/gbif-scraper/internal/retry"
)

// BackboneDataset is the canonical taxonomic dataset used for name-to-key
// resolution.
var BackboneDataset = uuid.MustParse("d7dddbf4-2cf0-4f39-9b2a-bb099caae36c")

// PageSize is the fixed page size used for both search endpoints.
const PageSize = 300

// Config controls the client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the registry. Both searches retry on HTTP 429 according to
// the configured policy.
type Client struct {
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  *zap.Logger
}

// NewClient builds a Client. A zero policy disables rate-limit retries.
func NewClient(cfg Config, policy retry.Policy, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.gbif.org/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		policy:  policy,
		logger:  logger,
	}
}

// Normalize preprocesses a species name for querying: accents are folded to
// ASCII, parentheses and commas removed, and the result lowercased.
func Normalize(name string) string {
	folded, _, err := transform.String(transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	), name)
	if err != nil {
		folded = name
	}
	folded = strings.NewReplacer("(", "", ")", "", ",", "").Replace(folded)
	return strings.ToLower(folded)
}

// SearchSpecies queries the species search for name, restricted to the
// backbone dataset, and returns the matches that carry a species key. HTTP
// 429 responses are retried per the client's policy.
func (c *Client) SearchSpecies(ctx context.Context, name string) ([]SpeciesResult, error) {
	q := url.Values{}
	q.Set("q", Normalize(name))
	q.Set("limit", strconv.Itoa(PageSize))
	q.Set("datasetKey", BackboneDataset.String())
	path := "/species/search?" + q.Encode()

	for attempt := 1; ; attempt++ {
		body, code, err := c.get(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("species search for %q: %w", name, err)
		}
		if code >= 200 && code < 400 {
			return decodeSpeciesPage(body)
		}
		if c.policy.ShouldRetry(code, nil, attempt) {
			c.logger.Debug("registry rate limited, backing off", zap.String("name", name))
			if err := c.policy.Wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("species search for %q: unexpected status %d", name, code)
	}
}

func decodeSpeciesPage(body []byte) ([]SpeciesResult, error) {
	var page speciesPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode species search response: %w", err)
	}

	results := make([]SpeciesResult, 0, len(page.Results))
	for _, r := range page.Results {
		if r.SpeciesKey == nil {
			continue
		}
		results = append(results, SpeciesResult{
			SpeciesKey:     *r.SpeciesKey,
			ScientificName: r.ScientificName,
		})
	}
	return results, nil
}

// SearchOccurrences fetches one page of the occurrence search for speciesKey,
// restricted to records with still-image media. HTTP 429 responses are
// retried per the client's policy; any other non-success status is an error.
func (c *Client) SearchOccurrences(ctx context.Context, speciesKey int64, offset, limit int) (*OccurrencePage, error) {
	q := url.Values{}
	q.Set("speciesKey", strconv.FormatInt(speciesKey, 10))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("mediaType", "stillImage")
	path := "/occurrence/search?" + q.Encode()

	for attempt := 1; ; attempt++ {
		c.logger.Debug("occurrence search",
			zap.Int64("species_key", speciesKey),
			zap.Int("offset", offset),
			zap.Int("attempt", attempt),
		)

		body, code, err := c.get(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("occurrence search for %d: %w", speciesKey, err)
		}
		if code >= 200 && code < 400 {
			return decodeOccurrencePage(body)
		}
		if c.policy.ShouldRetry(code, nil, attempt) {
			c.logger.Debug("registry rate limited, backing off", zap.Int64("species_key", speciesKey))
			if err := c.policy.Wait(ctx); err != nil {
				return nil, err
			}
			continue
		}
		return nil, fmt.Errorf("occurrence search for %d: unexpected status %d", speciesKey, code)
	}
}

func decodeOccurrencePage(body []byte) (*OccurrencePage, error) {
	var wire occurrencePageWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode occurrence page: %w", err)
	}
	page := &OccurrencePage{Count: wire.Count, Results: make([]OccurrenceResult, 0, len(wire.Results))}
	for _, raw := range wire.Results {
		var result OccurrenceResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode occurrence result: %w", err)
		}
		result.raw = raw
		page.Results = append(page.Results, result)
	}
	return page, nil
}

// get performs one GET and returns the body and status code. Transport
// failures yield an error and status 0.
func (c *Client) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
