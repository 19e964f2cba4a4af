package cropper

// Wire frames of the worker protocol: UTF-8, one JSON object per line, tagged
// by a "type" field. Requests flow to the worker's stdin, responses come back
// on its stdout.

// Request kinds.
const (
	typeAddFile = "add_file"
	typeRun     = "run"
	typeEnd     = "end"
)

// Response kinds.
const (
	typeReady           = "ready"
	typeBatch           = "batch"
	typeFileCropSuccess = "file_crop_success"
	typeFileCropFailure = "file_crop_failure"
)

// addFileRequest queues one file into the worker's current batch.
type addFileRequest struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// bareRequest carries a request with no payload: run or end.
type bareRequest struct {
	Type string `json:"type"`
}

// response is any inbound frame; Files is only set for batch responses.
type response struct {
	Type  string       `json:"type"`
	ID    int64        `json:"id"`
	Files []fileResult `json:"files"`
}

// fileResult is one per-file outcome inside a batch response. The bbox and
// confidence fields are only meaningful on success.
type fileResult struct {
	Type        string  `json:"type"`
	ID          int64   `json:"id"`
	Path        string  `json:"path"`
	CroppedPath string  `json:"cropped_path"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Confidence  float64 `json:"confidence"`
}
