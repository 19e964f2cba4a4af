// Package cropper drives the external image-cropping worker over a
// line-delimited JSON protocol on its standard pipes.
package cropper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/wildscrape/gbif-scraper/internal/config"
	"github.com/wildscrape/gbif-scraper/internal/progress"
	"github.com/wildscrape/gbif-scraper/internal/store"
)

// maxResponseLine bounds one inbound frame; batch responses grow with the
// batch capacity.
const maxResponseLine = 16 * 1024 * 1024

// ErrNotReady reports that the worker did not open the session with the
// ready handshake.
var ErrNotReady = errors.New("cropping worker did not report ready")

// Msg is one message on the bridge's input channel. Producers send media ids;
// a Stop message asks the consumer to finalize and exit.
type Msg struct {
	MediaID int64
	Stop    bool
}

// state of the protocol session. The session is strictly half-duplex: at most
// one run or end request is outstanding at any time.
type state int

const (
	stateIdle state = iota
	stateAwaitingResponse
	stateTerminated
)

// Store is the persistence surface the bridge reads and writes.
type Store interface {
	MediaPath(ctx context.Context, mediaID int64) (*string, error)
	ApplyCropBatch(ctx context.Context, results []store.CropResult, move func(mediaID int64, relPath string) error) error
}

// Config tunes one Bridge.
type Config struct {
	// Storage locates the medias, cropped and scratch trees.
	Storage config.Storage
	// Command is the worker command line; the scratch root is appended.
	Command []string
	// BatchCapacity is how many files are buffered before an automatic run.
	BatchCapacity int
}

// Bridge owns one worker process and the protocol session with it. It is not
// safe for concurrent use; exactly one consumer drives it.
type Bridge struct {
	store   Store
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger

	cmd       *exec.Cmd
	stdin     io.Writer
	stdout    *bufio.Scanner
	batchSize int
	state     state
}

// Start spawns the worker process and consumes its ready handshake. A spawn
// failure is fatal to the run.
func Start(ctx context.Context, st Store, cfg Config, emitter progress.Emitter, logger *zap.Logger) (*Bridge, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("cropper command is empty")
	}
	if err := os.MkdirAll(cfg.Storage.TmpDir(), 0o750); err != nil {
		return nil, fmt.Errorf("create cropper scratch dir: %w", err)
	}

	args := append(append([]string{}, cfg.Command[1:]...), cfg.Storage.TmpDir())
	cmd := exec.CommandContext(ctx, cfg.Command[0], args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open cropper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open cropper stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open cropper stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn cropper: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	go relayStderr(stderr, logger)

	b := newBridge(st, cfg, stdin, stdout, emitter, logger)
	b.cmd = cmd
	if err := b.awaitReady(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	return b, nil
}

// NewWithPipes builds a Bridge over explicit pipes instead of a spawned
// process and consumes the ready handshake. Used by tests.
func NewWithPipes(st Store, cfg Config, stdin io.Writer, stdout io.Reader, emitter progress.Emitter, logger *zap.Logger) (*Bridge, error) {
	b := newBridge(st, cfg, stdin, stdout, emitter, logger)
	if err := b.awaitReady(); err != nil {
		return nil, err
	}
	return b, nil
}

func newBridge(st Store, cfg Config, stdin io.Writer, stdout io.Reader, emitter progress.Emitter, logger *zap.Logger) *Bridge {
	if cfg.BatchCapacity <= 0 {
		cfg.BatchCapacity = 1
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
	return &Bridge{
		store:   st,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		stdin:   stdin,
		stdout:  scanner,
	}
}

// relayStderr forwards the worker's diagnostics into the logger.
func relayStderr(r io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info("[cropper] " + scanner.Text())
	}
}

// Consume drives the bridge from its input channel: media ids are queued into
// batches, a Stop message (or channel close) finalizes the session. Any error
// is fatal to the bridge.
func (b *Bridge) Consume(ctx context.Context, ch <-chan Msg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok || msg.Stop {
				return b.End(ctx)
			}
			if err := b.AddMedia(ctx, msg.MediaID); err != nil {
				return err
			}
		}
	}
}

// AddMedia queues one downloaded media into the current batch; when the batch
// reaches capacity a run is issued and its response applied before returning.
func (b *Bridge) AddMedia(ctx context.Context, mediaID int64) error {
	if b.state != stateIdle {
		return fmt.Errorf("add_file in state %d", b.state)
	}
	path, err := b.store.MediaPath(ctx, mediaID)
	if err != nil {
		return err
	}
	if path == nil {
		b.logger.Error("asked to crop a media that was never downloaded",
			zap.Int64("media_id", mediaID))
		return nil
	}

	req := addFileRequest{
		Type: typeAddFile,
		ID:   mediaID,
		Path: filepath.Join(b.cfg.Storage.MediasDir(), *path),
	}
	if err := b.send(req); err != nil {
		return err
	}
	b.batchSize++

	if b.batchSize >= b.cfg.BatchCapacity {
		return b.Flush(ctx)
	}
	return nil
}

// Flush asks the worker to run the buffered batch and applies its response.
// A no-op when the batch is empty.
func (b *Bridge) Flush(ctx context.Context) error {
	if b.state != stateIdle {
		return fmt.Errorf("run in state %d", b.state)
	}
	if b.batchSize == 0 {
		return nil
	}
	if err := b.send(bareRequest{Type: typeRun}); err != nil {
		return err
	}
	b.batchSize = 0
	b.state = stateAwaitingResponse
	if err := b.awaitBatch(ctx); err != nil {
		return err
	}
	b.state = stateIdle
	return nil
}

// End finalizes the session: any buffered files are cropped as a last batch,
// then the worker exits. The bridge is unusable afterwards.
func (b *Bridge) End(ctx context.Context) error {
	if b.state == stateTerminated {
		return nil
	}
	if b.state != stateIdle {
		return fmt.Errorf("end in state %d", b.state)
	}
	err := b.send(bareRequest{Type: typeEnd})
	if err == nil {
		b.state = stateAwaitingResponse
		b.batchSize = 0
		// With an empty final batch the worker exits silently; awaitBatch
		// treats that EOF as a clean finish.
		err = b.awaitBatch(ctx)
	}
	b.state = stateTerminated
	if b.cmd != nil {
		if werr := b.cmd.Wait(); werr != nil && err == nil {
			err = fmt.Errorf("cropper exited: %w", werr)
		}
	}
	return err
}

// send writes one request frame. run and end requests are not considered
// delivered until the pipe accepts the trailing newline.
func (b *Bridge) send(req any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode cropper request: %w", err)
	}
	if _, err := b.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write cropper request: %w", err)
	}
	return nil
}

// awaitReady consumes the handshake the worker sends once at startup.
func (b *Bridge) awaitReady() error {
	resp, err := b.readResponse()
	if err != nil {
		return err
	}
	if resp == nil || resp.Type != typeReady {
		return ErrNotReady
	}
	b.logger.Info("cropping worker ready")
	return nil
}

// awaitBatch blocks for the batch response matching an outstanding run or
// end request and applies it.
func (b *Bridge) awaitBatch(ctx context.Context) error {
	resp, err := b.readResponse()
	if err != nil {
		return err
	}
	if resp == nil {
		// EOF: the worker exited without a final batch.
		b.logger.Info("cropping worker closed its output")
		return nil
	}
	if resp.Type != typeBatch {
		return fmt.Errorf("expected a batch response, got %q", resp.Type)
	}
	return b.applyBatch(ctx, resp)
}

// readResponse reads one frame; nil without error means EOF. An undecodable
// line is an error, the protocol has no resynchronization path.
func (b *Bridge) readResponse() (*response, error) {
	if !b.stdout.Scan() {
		if err := b.stdout.Err(); err != nil {
			return nil, fmt.Errorf("read cropper response: %w", err)
		}
		return nil, nil
	}
	var resp response
	if err := json.Unmarshal(b.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode cropper response: %w", err)
	}
	return &resp, nil
}

// applyBatch records every outcome of one batch in a single transaction,
// moves the cropped artifacts under the cropped root, then deletes the
// batch's scratch directory.
func (b *Bridge) applyBatch(ctx context.Context, batch *response) error {
	results := make([]store.CropResult, 0, len(batch.Files))
	croppedPaths := make(map[int64]string, len(batch.Files))
	for _, f := range batch.Files {
		switch f.Type {
		case typeFileCropSuccess:
			results = append(results, store.CropResult{
				MediaID: f.ID, OK: true,
				X: f.X, Y: f.Y, Width: f.Width, Height: f.Height,
				Confidence: f.Confidence,
			})
			croppedPaths[f.ID] = f.CroppedPath
		case typeFileCropFailure:
			results = append(results, store.CropResult{MediaID: f.ID})
		default:
			return fmt.Errorf("unknown file result type %q", f.Type)
		}
	}

	move := func(mediaID int64, relPath string) error {
		src, ok := croppedPaths[mediaID]
		if !ok {
			return fmt.Errorf("batch has no cropped path for media %d", mediaID)
		}
		dst := filepath.Join(b.cfg.Storage.CroppedDir(), relPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		return os.Rename(src, dst)
	}
	if err := b.store.ApplyCropBatch(ctx, results, move); err != nil {
		return err
	}

	scratch := filepath.Join(b.cfg.Storage.TmpDir(), strconv.FormatInt(batch.ID, 10))
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("remove batch scratch dir: %w", err)
	}

	b.emitter.Emit(progress.Event{
		Stage: progress.StageCropBatchDone,
		Count: len(batch.Files),
	})
	return nil
}
