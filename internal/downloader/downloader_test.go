package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wildscrape/gbif-scraper/internal/config"
	"github.com/wildscrape/gbif-scraper/internal/progress"
	"github.com/wildscrape/gbif-scraper/internal/retry"
	"github.com/wildscrape/gbif-scraper/internal/store"
)

// jpegPayload is a minimal payload carrying the JPEG magic bytes.
var jpegPayload = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 512)...)

type recordedUpdate struct {
	mediaID    int64
	statusCode int32
	path       *string
}

type fakeStore struct {
	mu      sync.Mutex
	items   []store.DownloadItem
	updates []recordedUpdate
}

func (f *fakeStore) ListDownloadable(_ context.Context, _, offset int) ([]store.DownloadItem, error) {
	if offset >= len(f.items) {
		return nil, nil
	}
	return f.items[offset:], nil
}

func (f *fakeStore) UpdateMediaDownload(_ context.Context, mediaID int64, statusCode int32, path *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, recordedUpdate{mediaID: mediaID, statusCode: statusCode, path: path})
	return nil
}

func (f *fakeStore) recorded() []recordedUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedUpdate(nil), f.updates...)
}

func newScheduler(st Store, dataPath string, policy retry.Policy, feed func(int64)) *Scheduler {
	return New(st, Config{
		Storage: config.Storage{DataPath: dataPath},
		Jobs:    2,
		Timeout: 5 * time.Second,
	}, policy, feed, progress.Nop{}, nil)
}

func TestSniffImage(t *testing.T) {
	t.Parallel()

	ext, err := SniffImage(jpegPayload)
	require.NoError(t, err)
	require.Equal(t, "jpg", ext)

	ext, err = SniffImage([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0})
	require.NoError(t, err)
	require.Equal(t, "png", ext)

	_, err = SniffImage([]byte("<html><body>not an image"))
	require.ErrorIs(t, err, ErrUnknownMediaType)

	_, err = SniffImage(nil)
	require.ErrorIs(t, err, ErrUnknownMediaType)
}

func TestDownloadRecordsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jpegPayload)
	}))
	defer srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID:       3,
		URL:           srv.URL,
		OccurrenceKey: 5006700126,
		SpeciesName:   "Lucanus cervus (Linnaeus, 1758)",
	}}}
	dataPath := t.TempDir()

	var fed []int64
	s := newScheduler(st, dataPath, retry.Policy{}, func(id int64) { fed = append(fed, id) })
	require.NoError(t, s.Run(context.Background()))

	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(200), updates[0].statusCode)
	require.NotNil(t, updates[0].path)

	wantRel := filepath.Join(
		config.SpeciesMediaDir("Lucanus cervus (Linnaeus, 1758)"), "5006700126_0003.jpg")
	require.Equal(t, wantRel, *updates[0].path)

	payload, err := os.ReadFile(filepath.Join(dataPath, "medias", wantRel))
	require.NoError(t, err)
	require.Equal(t, jpegPayload, payload)
	require.Equal(t, []int64{3}, fed)
}

func TestDownloadSkipsRecordedMedia(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(jpegPayload)
	}))
	defer srv.Close()

	code := int32(200)
	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 3, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x", StatusCode: &code,
	}}}

	s := newScheduler(st, t.TempDir(), retry.Policy{}, nil)
	require.NoError(t, s.Run(context.Background()))

	require.Zero(t, hits.Load())
	require.Empty(t, st.recorded())
}

func TestDownloadRetriesOn429(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(jpegPayload)
	}))
	defer srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 1, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x",
	}}}

	s := newScheduler(st, t.TempDir(), retry.RateLimited(3, time.Millisecond), nil)
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, int32(3), hits.Load())
	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(200), updates[0].statusCode)
}

func TestDownloadRecordsRateLimitWhenExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 1, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x",
	}}}

	s := newScheduler(st, t.TempDir(), retry.RateLimited(3, time.Millisecond), nil)
	require.NoError(t, s.Run(context.Background()))

	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(http.StatusTooManyRequests), updates[0].statusCode)
	require.Nil(t, updates[0].path)
}

func TestDownloadRejectsNonImagePayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>label page, not a photo</body></html>"))
	}))
	defer srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 1, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x",
	}}}

	var fed []int64
	s := newScheduler(st, t.TempDir(), retry.Policy{}, func(id int64) { fed = append(fed, id) })
	require.NoError(t, s.Run(context.Background()))

	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(StatusTransportFailure), updates[0].statusCode)
	require.Nil(t, updates[0].path)
	require.Empty(t, fed)
}

func TestDownloadRecordsSentinelWhenStorageFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jpegPayload)
	}))
	defer srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 1, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x",
	}}}

	// A regular file where the medias root should be makes every directory
	// creation fail.
	dataPath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataPath, "medias"), []byte("in the way"), 0o640))

	var fed []int64
	s := newScheduler(st, dataPath, retry.Policy{}, func(id int64) { fed = append(fed, id) })
	require.NoError(t, s.Run(context.Background()))

	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(StatusTransportFailure), updates[0].statusCode)
	require.Nil(t, updates[0].path)
	require.Empty(t, fed)
}

func TestDownloadRecordsTransportSentinel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 1, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x",
	}}}

	s := newScheduler(st, t.TempDir(), retry.Policy{}, nil)
	require.NoError(t, s.Run(context.Background()))

	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(StatusTransportFailure), updates[0].statusCode)
	require.Nil(t, updates[0].path)
}

func TestDownloadRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := &fakeStore{items: []store.DownloadItem{{
		MediaID: 1, URL: srv.URL, OccurrenceKey: 1, SpeciesName: "x",
	}}}

	s := newScheduler(st, t.TempDir(), retry.Policy{}, nil)
	require.NoError(t, s.Run(context.Background()))

	updates := st.recorded()
	require.Len(t, updates, 1)
	require.Equal(t, int32(http.StatusNotFound), updates[0].statusCode)
	require.Nil(t, updates[0].path)
}
