package downloader

import (
	"errors"

	"github.com/h2non/filetype"
)

// ErrUnknownMediaType reports that a payload's magic bytes do not identify a
// supported image format.
var ErrUnknownMediaType = errors.New("unknown media type")

// sniffLen is how many leading bytes are needed to classify a payload.
const sniffLen = 262

// SniffImage classifies a payload by the magic bytes of its leading chunk and
// returns the canonical file extension. Anything that is not an image fails
// with ErrUnknownMediaType; no further bytes need to be fetched to decide.
func SniffImage(prefix []byte) (string, error) {
	kind, err := filetype.Match(prefix)
	if err != nil {
		return "", ErrUnknownMediaType
	}
	if kind == filetype.Unknown || kind.MIME.Type != "image" {
		return "", ErrUnknownMediaType
	}
	return kind.Extension, nil
}
