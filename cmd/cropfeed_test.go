package cmd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wildscrape/gbif-scraper/internal/config"
	"github.com/wildscrape/gbif-scraper/internal/cropper"
	"github.com/wildscrape/gbif-scraper/internal/store"
)

type stubCropStore struct{}

func (stubCropStore) MediaPath(_ context.Context, mediaID int64) (*string, error) {
	p := fmt.Sprintf("lucanus-cervus/%d.jpg", mediaID)
	return &p, nil
}

func (stubCropStore) ApplyCropBatch(context.Context, []store.CropResult, func(int64, string) error) error {
	return nil
}

func newTestBridge(t *testing.T, worker string) *cropper.Bridge {
	t.Helper()
	bridge, err := cropper.NewWithPipes(stubCropStore{}, cropper.Config{
		Storage:       config.Storage{DataPath: t.TempDir()},
		BatchCapacity: 1,
	}, &bytes.Buffer{}, strings.NewReader(worker), nil, zap.NewNop())
	require.NoError(t, err)
	return bridge
}

func TestCropFeedDropsIdsAfterConsumerFailure(t *testing.T) {
	t.Parallel()

	// The worker opens the session, then answers the first run with garbage,
	// which is fatal to the consumer.
	bridge := newTestBridge(t, "{\"type\":\"ready\"}\nnot json\n")

	f := startCropFeed(context.Background(), bridge, 1)
	// Far more ids than the channel buffers: every send must still return
	// even though nothing consumes them anymore.
	for id := int64(1); id <= 16; id++ {
		f.send(id)
	}

	err := f.stop()
	require.ErrorContains(t, err, "decode cropper response")
}

func TestCropFeedStopFinalizesSession(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, "{\"type\":\"ready\"}\n")

	f := startCropFeed(context.Background(), bridge, 1)
	f.send(4)
	require.NoError(t, f.stop())
}
