package gbif

import (
	"encoding/json"

	"github.com/google/uuid"
)

// SpeciesResult is one match from the registry's species search.
type SpeciesResult struct {
	SpeciesKey     int64  `json:"speciesKey"`
	ScientificName string `json:"scientificName"`
}

// speciesPage mirrors the species search response; speciesKey is optional on
// the wire, results without one are dropped by the client.
type speciesPage struct {
	Results []struct {
		SpeciesKey     *int64 `json:"speciesKey"`
		ScientificName string `json:"scientificName"`
	} `json:"results"`
}

// MediaItem is one photographic item attached to an occurrence. The registry
// calls the URL field "identifier"; it may be absent.
type MediaItem struct {
	URL string `json:"identifier"`
}

// OccurrenceResult is one observation record from the occurrence search.
type OccurrenceResult struct {
	Key        int64            `json:"key"`
	DatasetKey uuid.UUID        `json:"datasetKey"`
	Media      []MediaItem      `json:"media"`
	raw        json.RawMessage  // the undecoded result, kept for archiving
}

// Raw returns the undecoded JSON of the result as returned by the registry.
func (r OccurrenceResult) Raw() json.RawMessage {
	return r.raw
}

// OccurrencePage is one page of the occurrence search.
type OccurrencePage struct {
	// Count is the registry-reported total number of matching occurrences.
	Count int64
	// Results holds the page's occurrence records.
	Results []OccurrenceResult
}

// occurrencePageWire keeps each result raw so callers can archive the exact
// registry payload alongside the decoded form.
type occurrencePageWire struct {
	Count   int64             `json:"count"`
	Results []json.RawMessage `json:"results"`
}

// Archive is the accumulated raw occurrence data for one species, written to
// the per-species archive file.
type Archive struct {
	Count   int64             `json:"count"`
	Results []json.RawMessage `json:"results"`
}
