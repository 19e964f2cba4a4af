package cropper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wildscrape/gbif-scraper/internal/config"
	"github.com/wildscrape/gbif-scraper/internal/progress"
	"github.com/wildscrape/gbif-scraper/internal/store"
)

type fakeStore struct {
	paths   map[int64]string
	batches [][]store.CropResult
}

func (f *fakeStore) MediaPath(_ context.Context, mediaID int64) (*string, error) {
	if p, ok := f.paths[mediaID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (f *fakeStore) ApplyCropBatch(_ context.Context, results []store.CropResult, move func(int64, string) error) error {
	f.batches = append(f.batches, results)
	for _, res := range results {
		if !res.OK {
			continue
		}
		if err := move(res.MediaID, f.paths[res.MediaID]); err != nil {
			return err
		}
	}
	return nil
}

// sentLines decodes the frames the bridge wrote to stdin.
func sentLines(t *testing.T, stdin *bytes.Buffer) []map[string]any {
	t.Helper()
	var frames []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(stdin.String()), "\n") {
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &frame))
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []map[string]any) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f["type"].(string)
	}
	return types
}

func successLine(id int64, croppedPath string) string {
	return fmt.Sprintf(`{"type":"file_crop_success","id":%d,"path":"orig","cropped_path":%q,"x":0.1,"y":0.2,"width":0.3,"height":0.4,"confidence":0.9}`, id, croppedPath)
}

func TestBridgeRequiresReadyHandshake(t *testing.T) {
	t.Parallel()

	st := &fakeStore{paths: map[int64]string{}}
	cfg := Config{Storage: config.Storage{DataPath: t.TempDir()}, BatchCapacity: 3}

	_, err := NewWithPipes(st, cfg, &bytes.Buffer{}, strings.NewReader(`{"type":"batch","id":1,"files":[]}`+"\n"), progress.Nop{}, nil)
	require.ErrorIs(t, err, ErrNotReady)

	_, err = NewWithPipes(st, cfg, &bytes.Buffer{}, strings.NewReader("boot diagnostics\n"), progress.Nop{}, nil)
	require.ErrorContains(t, err, "decode cropper response")
}

func TestBridgeAutoRunsFullBatch(t *testing.T) {
	t.Parallel()

	dataPath := t.TempDir()
	storage := config.Storage{DataPath: dataPath}
	st := &fakeStore{paths: map[int64]string{
		1: "lucanus-cervus/101_0001.jpg",
		2: "lucanus-cervus/102_0002.jpg",
		3: "lucanus-cervus/103_0003.jpg",
	}}

	// The batch's scratch directory holds the worker's cropped artifacts.
	scratch := filepath.Join(storage.TmpDir(), "7")
	require.NoError(t, os.MkdirAll(scratch, 0o750))
	crop1 := filepath.Join(scratch, "0.jpg")
	crop2 := filepath.Join(scratch, "1.jpg")
	require.NoError(t, os.WriteFile(crop1, []byte("c1"), 0o640))
	require.NoError(t, os.WriteFile(crop2, []byte("c2"), 0o640))

	worker := "{\"type\":\"ready\"}\n" +
		`{"type":"batch","id":7,"files":[` +
		successLine(1, crop1) + "," +
		successLine(2, crop2) + "," +
		`{"type":"file_crop_failure","id":3,"path":"orig"}]}` + "\n"

	stdin := &bytes.Buffer{}
	b, err := NewWithPipes(st, Config{Storage: storage, BatchCapacity: 3}, stdin, strings.NewReader(worker), progress.Nop{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.AddMedia(ctx, 1))
	require.NoError(t, b.AddMedia(ctx, 2))
	// The third file fills the batch: run is issued and the response applied.
	require.NoError(t, b.AddMedia(ctx, 3))

	frames := sentLines(t, stdin)
	require.Equal(t, []string{"add_file", "add_file", "add_file", "run"}, frameTypes(frames))
	require.Equal(t, filepath.Join(storage.MediasDir(), "lucanus-cervus/101_0001.jpg"), frames[0]["path"])

	require.Len(t, st.batches, 1)
	require.Len(t, st.batches[0], 3)
	require.True(t, st.batches[0][0].OK)
	require.InEpsilon(t, 0.9, st.batches[0][0].Confidence, 1e-9)
	require.False(t, st.batches[0][2].OK)

	// Cropped artifacts moved under the cropped root, scratch dir removed.
	moved, err := os.ReadFile(filepath.Join(storage.CroppedDir(), "lucanus-cervus/101_0001.jpg"))
	require.NoError(t, err)
	require.Equal(t, []byte("c1"), moved)
	_, err = os.Stat(scratch)
	require.True(t, os.IsNotExist(err))
}

func TestBridgeEndFlushesFinalBatch(t *testing.T) {
	t.Parallel()

	dataPath := t.TempDir()
	storage := config.Storage{DataPath: dataPath}
	st := &fakeStore{paths: map[int64]string{1: "lucanus-cervus/101_0001.jpg"}}

	scratch := filepath.Join(storage.TmpDir(), "2")
	require.NoError(t, os.MkdirAll(scratch, 0o750))
	crop := filepath.Join(scratch, "0.jpg")
	require.NoError(t, os.WriteFile(crop, []byte("c"), 0o640))

	worker := "{\"type\":\"ready\"}\n" +
		`{"type":"batch","id":2,"files":[` + successLine(1, crop) + `]}` + "\n"

	stdin := &bytes.Buffer{}
	b, err := NewWithPipes(st, Config{Storage: storage, BatchCapacity: 10}, stdin, strings.NewReader(worker), progress.Nop{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.AddMedia(ctx, 1))
	require.NoError(t, b.End(ctx))

	require.Equal(t, []string{"add_file", "end"}, frameTypes(sentLines(t, stdin)))
	require.Len(t, st.batches, 1)
}

func TestBridgeEndWithEmptyBatch(t *testing.T) {
	t.Parallel()

	st := &fakeStore{paths: map[int64]string{}}
	stdin := &bytes.Buffer{}
	b, err := NewWithPipes(st, Config{Storage: config.Storage{DataPath: t.TempDir()}, BatchCapacity: 3},
		stdin, strings.NewReader("{\"type\":\"ready\"}\n"), progress.Nop{}, nil)
	require.NoError(t, err)

	// The worker exits silently on end with nothing buffered.
	require.NoError(t, b.End(context.Background()))
	require.Empty(t, st.batches)
	// A second End is a no-op.
	require.NoError(t, b.End(context.Background()))
	require.Equal(t, []string{"end"}, frameTypes(sentLines(t, stdin)))
}

func TestBridgeMalformedResponseIsFatal(t *testing.T) {
	t.Parallel()

	st := &fakeStore{paths: map[int64]string{1: "lucanus-cervus/101_0001.jpg"}}
	worker := "{\"type\":\"ready\"}\nnot json at all\n"

	b, err := NewWithPipes(st, Config{Storage: config.Storage{DataPath: t.TempDir()}, BatchCapacity: 1},
		&bytes.Buffer{}, strings.NewReader(worker), progress.Nop{}, nil)
	require.NoError(t, err)

	err = b.AddMedia(context.Background(), 1)
	require.ErrorContains(t, err, "decode cropper response")
}

func TestBridgeSkipsUndownloadedMedia(t *testing.T) {
	t.Parallel()

	st := &fakeStore{paths: map[int64]string{}}
	stdin := &bytes.Buffer{}
	b, err := NewWithPipes(st, Config{Storage: config.Storage{DataPath: t.TempDir()}, BatchCapacity: 1},
		stdin, strings.NewReader("{\"type\":\"ready\"}\n"), progress.Nop{}, nil)
	require.NoError(t, err)

	require.NoError(t, b.AddMedia(context.Background(), 42))
	require.Empty(t, stdin.String())
}

func TestConsumeDrivesBatchesAndStops(t *testing.T) {
	t.Parallel()

	dataPath := t.TempDir()
	storage := config.Storage{DataPath: dataPath}
	st := &fakeStore{paths: map[int64]string{
		1: "lucanus-cervus/101_0001.jpg",
		2: "lucanus-cervus/102_0002.jpg",
	}}

	scratch := filepath.Join(storage.TmpDir(), "1")
	require.NoError(t, os.MkdirAll(scratch, 0o750))
	crop1 := filepath.Join(scratch, "0.jpg")
	crop2 := filepath.Join(scratch, "1.jpg")
	require.NoError(t, os.WriteFile(crop1, []byte("c1"), 0o640))
	require.NoError(t, os.WriteFile(crop2, []byte("c2"), 0o640))

	worker := "{\"type\":\"ready\"}\n" +
		`{"type":"batch","id":1,"files":[` +
		successLine(1, crop1) + "," + successLine(2, crop2) + `]}` + "\n"

	stdin := &bytes.Buffer{}
	b, err := NewWithPipes(st, Config{Storage: storage, BatchCapacity: 2}, stdin, strings.NewReader(worker), progress.Nop{}, nil)
	require.NoError(t, err)

	ch := make(chan Msg, 3)
	ch <- Msg{MediaID: 1}
	ch <- Msg{MediaID: 2}
	ch <- Msg{Stop: true}

	require.NoError(t, b.Consume(context.Background(), ch))
	require.Equal(t, []string{"add_file", "add_file", "run", "end"}, frameTypes(sentLines(t, stdin)))
	require.Len(t, st.batches, 1)
}
