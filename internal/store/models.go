package store

import "github.com/google/uuid"

// Species is a resolved taxon entry. The row is created on the first
// resolution attempt even when resolution fails, so the entry is not
// reprocessed; Done becomes true only after a complete occurrence-scrape
// pass.
type Species struct {
	ID                   int64
	Reign                string
	Phylum               string
	Class                string
	Order                string
	Family               string
	Genus                string
	ValidName            string
	SpeciesKey           *int64
	AvailableOccurrences int64
	Done                 bool
}

// IgnoredSpecies records a taxon entry whose registry key is already owned by
// another Species row, so the convergence is remembered without duplicating
// the species.
type IgnoredSpecies struct {
	ID         int64
	Reign      string
	Phylum     string
	Class      string
	Order      string
	Family     string
	Genus      string
	ValidName  string
	SpeciesKey *int64
}

// Occurrence is one observation record, owned by exactly one species. Rows
// are created during scraping and never mutated afterward.
type Occurrence struct {
	ID         int64
	Key        int64
	DatasetKey uuid.UUID
	SpeciesID  int64
}

// Media is one photographic item of an occurrence. Path is set iff
// StatusCode is in [200,400). Cropped true with nil bounding box means a crop
// was attempted and failed.
type Media struct {
	ID           int64
	URL          string
	Path         *string
	StatusCode   *int32
	ToDownload   bool
	Cropped      bool
	X            *float64
	Y            *float64
	Width        *float64
	Height       *float64
	Confidence   *float64
	OccurrenceID int64
}

// DownloadItem is one media row selected for download, joined with the
// context needed to build its destination path.
type DownloadItem struct {
	MediaID       int64
	URL           string
	StatusCode    *int32
	OccurrenceKey int64
	SpeciesName   string
}

// CropItem is one downloaded media row still awaiting a crop.
type CropItem struct {
	MediaID int64
	Path    string
}

// CropResult is the outcome of cropping one media, as reported by the
// external worker.
type CropResult struct {
	MediaID    int64
	OK         bool
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Confidence float64
}
