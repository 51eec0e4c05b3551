package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/qtune/internal/metrics"
)

var ErrWriterClosed = errors.New("storage: writer is closed")

// Writer saves checkpoints on a background goroutine. At most one save is
// in flight and at most one checkpoint waits behind it; enqueueing while a
// checkpoint is waiting replaces it, so intermediate states may be skipped
// but the newest state enqueued before Close is always written.
type Writer struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending chan Checkpoint
	done    chan struct{}

	statsMu    sync.Mutex
	written    int
	superseded int
	lastErr    error
	lastSeq    int
}

type WriterOption func(*Writer)

func WithLogger(logger *zap.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithTimeout bounds each save. Zero means no bound.
func WithTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.timeout = d }
}

func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		logger:  zap.NewNop(),
		pending: make(chan Checkpoint, 1),
		done:    make(chan struct{}),
		lastSeq: -1,
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// Enqueue hands a checkpoint to the writer without blocking on I/O.
func (w *Writer) Enqueue(c Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.pending <- c:
		return nil
	default:
	}
	select {
	case stale := <-w.pending:
		w.statsMu.Lock()
		w.superseded++
		w.statsMu.Unlock()
		metrics.CheckpointSuperseded.Inc()
		w.logger.Debug("checkpoint superseded", zap.Int("sequence", stale.Sequence), zap.Int("by", c.Sequence))
	default:
	}
	// Only Enqueue sends and it holds mu, so the slot is free here.
	w.pending <- c
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	for c := range w.pending {
		w.save(c)
	}
}

func (w *Writer) save(c Checkpoint) {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	err := w.store.Save(ctx, c)
	metrics.CheckpointLatency.Observe(time.Since(start).Seconds())

	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if err != nil {
		w.lastErr = err
		metrics.CheckpointErrors.Inc()
		w.logger.Error("checkpoint write failed",
			zap.String("run_id", c.RunID),
			zap.Int("sequence", c.Sequence),
			zap.Error(err))
		return
	}
	w.written++
	w.lastSeq = c.Sequence
	metrics.CheckpointWrites.Inc()
	w.logger.Debug("checkpoint written",
		zap.String("run_id", c.RunID),
		zap.Int("sequence", c.Sequence),
		zap.Duration("took", time.Since(start)))
}

// Close stops accepting checkpoints and waits for the queued one to be
// written. It returns the context error if ctx ends first, otherwise the
// last write error, if any.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.pending)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) Err() error {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.lastErr
}

func (w *Writer) Written() int {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.written
}

func (w *Writer) Superseded() int {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.superseded
}

// LastSequence is the sequence of the last successful write, -1 if none.
func (w *Writer) LastSequence() int {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.lastSeq
}
