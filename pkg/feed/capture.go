package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantpulse/quantpulse/pkg/store"
)

const (
	captureQueueSize  = 4096
	captureBatchSize  = 200
	captureFlushEvery = time.Second
	captureTimeout    = 5 * time.Second
)

// tickBatcher accumulates captured ticks and writes them in batches, by
// size or on a timer, whichever comes first. Enqueue never blocks the
// delivery path: a full queue drops the tick with a warning.
type tickBatcher struct {
	w    store.TickWriter
	log  zerolog.Logger
	ch   chan store.TickRow
	quit chan struct{}
	done chan struct{}
}

func newTickBatcher(w store.TickWriter, sessionID string, log zerolog.Logger) *tickBatcher {
	b := &tickBatcher{
		w:    w,
		log:  log.With().Str("capture_session", sessionID).Logger(),
		ch:   make(chan store.TickRow, captureQueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *tickBatcher) enqueue(row store.TickRow) {
	select {
	case b.ch <- row:
	default:
		b.log.Warn().Str("symbol", row.Symbol).Msg("tick capture queue full, dropping")
	}
}

// stop flushes whatever is queued and waits for the loop to exit. Ticks
// enqueued after stop are silently lost.
func (b *tickBatcher) stop() {
	close(b.quit)
	<-b.done
}

func (b *tickBatcher) loop() {
	defer close(b.done)

	batch := make([]store.TickRow, 0, captureBatchSize)
	ticker := time.NewTicker(captureFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case row := <-b.ch:
			batch = append(batch, row)
			if len(batch) >= captureBatchSize {
				batch = b.flush(batch)
			}
		case <-ticker.C:
			batch = b.flush(batch)
		case <-b.quit:
			for {
				select {
				case row := <-b.ch:
					batch = append(batch, row)
				default:
					b.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes the batch and returns the reusable empty slice. A failed
// write drops the batch; capture is best effort.
func (b *tickBatcher) flush(batch []store.TickRow) []store.TickRow {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()
	if _, err := b.w.InsertTickPrices(ctx, batch); err != nil {
		b.log.Error().Err(err).Int("rows", len(batch)).Msg("tick capture write failed")
	}
	return batch[:0]
}
