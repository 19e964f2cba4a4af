package cmd

import (
	"context"

	"github.com/wildscrape/gbif-scraper/internal/cropper"
)

// cropFeed owns the consumer goroutine driving a cropper bridge and the
// channel feeding it. Once the consumer exits, further ids are dropped so
// download workers never block on a dead cropper.
type cropFeed struct {
	msgs chan cropper.Msg
	done chan struct{}
	err  error
}

// startCropFeed launches the consumer goroutine for bridge.
func startCropFeed(ctx context.Context, bridge *cropper.Bridge, buffer int) *cropFeed {
	f := &cropFeed{
		msgs: make(chan cropper.Msg, buffer),
		done: make(chan struct{}),
	}
	go func() {
		f.err = bridge.Consume(ctx, f.msgs)
		close(f.done)
	}()
	return f
}

// send queues one downloaded media id for cropping. Ids offered after the
// consumer exited are dropped; its error surfaces through stop.
func (f *cropFeed) send(mediaID int64) {
	select {
	case f.msgs <- cropper.Msg{MediaID: mediaID}:
	case <-f.done:
	}
}

// stop asks the consumer to finalize the session, waits for it to exit and
// returns its outcome.
func (f *cropFeed) stop() error {
	select {
	case f.msgs <- cropper.Msg{Stop: true}:
	case <-f.done:
	}
	<-f.done
	return f.err
}
