// Package progress defines the structured event stream emitted by the
// scraping pipeline. The core components take an injected Emitter instead of
// logging through ambient globals, so callers decide where events go.
package progress

// Stage denotes the kind of milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageSpeciesStart  Stage = "SPECIES_START"
	StageSpeciesDone   Stage = "SPECIES_DONE"
	StageSpeciesSkip   Stage = "SPECIES_SKIP"
	StagePageFetched   Stage = "PAGE_FETCHED"
	StageDownloadDone  Stage = "DOWNLOAD_DONE"
	StageDownloadSkip  Stage = "DOWNLOAD_SKIP"
	StageDownloadFail  Stage = "DOWNLOAD_FAIL"
	StageCropBatchDone Stage = "CROP_BATCH_DONE"
)

// Event captures a single pipeline milestone.
type Event struct {
	// Stage denotes which milestone occurred.
	Stage Stage
	// Species is the valid name of the species the event concerns, if any.
	Species string
	// MediaID identifies the media row for download and crop events.
	MediaID int64
	// StatusCode carries the recorded HTTP status for download events.
	StatusCode int
	// Count is a stage-specific tally (results on a page, files in a batch).
	Count int
	// Note attaches low-volume context such as error text.
	Note string
}

// Emitter publishes individual events. Implementations must be safe for
// concurrent use; download tasks emit from many goroutines.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		e.Emit(evt)
	}
}
