// Package batch implements a micro-batching pipeline for model inference.
//
// Callers submit single inputs and block on a per-item future; one scheduler
// goroutine groups queued items into batches and hands each batch to the
// inference function. The mutex guards queue mutation only: inference always
// runs outside it, so slow models never serialize enqueues.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/metrics"
)

// Config controls batching behavior.
type Config struct {
	// BatchSize is the preferred batch size; reaching it wakes the
	// scheduler immediately instead of waiting for the timer.
	BatchSize int
	// MaxBatchSize caps how many items a single inference call receives.
	MaxBatchSize int
	// MinBatchSize is the smallest batch the timer will dispatch, unless
	// the oldest queued item has already waited a full MaxBatchDelay.
	MinBatchSize int
	// MaxBatchDelay bounds how long any item waits before dispatch.
	MaxBatchDelay time.Duration
}

func (c Config) validate() error {
	if c.MinBatchSize <= 0 || c.BatchSize < c.MinBatchSize || c.MaxBatchSize < c.BatchSize {
		return fmt.Errorf("batch sizes must satisfy 0 < min (%d) <= target (%d) <= max (%d)",
			c.MinBatchSize, c.BatchSize, c.MaxBatchSize)
	}
	if c.MaxBatchDelay <= 0 {
		return errors.New("max batch delay must be positive")
	}
	return nil
}

// Fn performs inference for a whole batch. It must return exactly one output
// per input, in order.
type Fn[I, O any] func(ctx context.Context, inputs []I) ([]O, error)

// ErrStopped is returned to callers who submit after Stop.
var ErrStopped = errors.New("batch pipeline stopped")

type outcome[O any] struct {
	value O
	err   error
}

type item[I, O any] struct {
	input    I
	enqueued time.Time
	result   chan outcome[O]
}

// Pipeline batches concurrent Infer calls into grouped inference calls.
type Pipeline[I, O any] struct {
	cfg    Config
	fn     Fn[I, O]
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*item[I, O]
	stopped bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	wg sync.WaitGroup // in-flight inference calls
}

// New creates a pipeline. Start must be called before Infer.
func New[I, O any](cfg Config, fn Fn[I, O], logger *slog.Logger) (*Pipeline[I, O], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline[I, O]{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the scheduler goroutine. The context bounds inference calls
// dispatched by the scheduler.
func (p *Pipeline[I, O]) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop drains the queue, waits for in-flight batches, and rejects further
// submissions.
func (p *Pipeline[I, O]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	p.wg.Wait()
}

// Infer submits one input and blocks until its batch completes or ctx is
// done. A batch-level inference failure is returned to every member of the
// batch.
func (p *Pipeline[I, O]) Infer(ctx context.Context, input I) (O, error) {
	var zero O

	it := &item[I, O]{
		input:    input,
		enqueued: time.Now(),
		result:   make(chan outcome[O], 1),
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return zero, ErrStopped
	}
	p.queue = append(p.queue, it)
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.BatchQueueDepth.Set(float64(depth))
	if depth >= p.cfg.BatchSize {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}

	select {
	case out := <-it.result:
		return out.value, out.err
	case <-ctx.Done():
		// The scheduler will still process the item; the buffered result
		// channel keeps it from blocking on us.
		return zero, ctx.Err()
	}
}

func (p *Pipeline[I, O]) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.MaxBatchDelay)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.flush(ctx, true, "shutdown")
			return
		case <-ctx.Done():
			p.flush(ctx, true, "shutdown")
			return
		case <-p.kick:
			p.flush(ctx, false, "size")
		case <-ticker.C:
			p.flush(ctx, false, "timer")
		}
	}
}

// flush dispatches as many eligible batches as the queue holds. With force
// set, everything queued goes out regardless of size or age.
func (p *Pipeline[I, O]) flush(ctx context.Context, force bool, trigger string) {
	for {
		batch := p.take(force)
		if len(batch) == 0 {
			return
		}

		metrics.BatchSizeObserved.Observe(float64(len(batch)))
		metrics.BatchFlushesTotal.WithLabelValues(trigger).Inc()

		p.wg.Add(1)
		go p.dispatch(ctx, batch)
	}
}

// take pops the next batch off the queue, or nil when nothing is eligible.
// This is the only place besides Infer that touches the queue.
func (p *Pipeline[I, O]) take(force bool) []*item[I, O] {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.queue)
	if n == 0 {
		return nil
	}

	if !force && n < p.cfg.MinBatchSize {
		// Small queues still dispatch once the oldest item has waited a
		// full delay cycle; no item waits forever for company.
		if time.Since(p.queue[0].enqueued) < p.cfg.MaxBatchDelay {
			return nil
		}
	}

	size := n
	if size > p.cfg.MaxBatchSize {
		size = p.cfg.MaxBatchSize
	}

	batch := p.queue[:size:size]
	p.queue = append([]*item[I, O](nil), p.queue[size:]...)
	metrics.BatchQueueDepth.Set(float64(len(p.queue)))
	return batch
}

func (p *Pipeline[I, O]) dispatch(ctx context.Context, batch []*item[I, O]) {
	defer p.wg.Done()

	inputs := make([]I, len(batch))
	for i, it := range batch {
		inputs[i] = it.input
	}

	outputs, err := p.fn(ctx, inputs)
	if err == nil && len(outputs) != len(batch) {
		err = fmt.Errorf("inference returned %d outputs for %d inputs", len(outputs), len(batch))
	}
	if err != nil {
		metrics.BatchFailuresTotal.Inc()
		p.logger.Error("batch inference failed", "size", len(batch), "error", err)
		for _, it := range batch {
			it.result <- outcome[O]{err: err}
		}
		return
	}

	for i, it := range batch {
		it.result <- outcome[O]{value: outputs[i]}
	}
}
