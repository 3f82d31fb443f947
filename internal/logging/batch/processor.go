package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

// drainTimeout bounds the final flush made after the loop is cancelled.
const drainTimeout = 2 * time.Second

// At most failureLogBurst delivery failures are logged back to back, then
// one per failureLogEvery. Every failure is still counted in Metrics.
const (
	failureLogEvery = 10 * time.Second
	failureLogBurst = 3
)

// Processor buffers events from any number of producers and ships them in
// batches from a single flush goroutine. A batch that fails to deliver is
// dropped.
type Processor struct {
	ctx     context.Context
	stopCtx context.CancelFunc
	sender  logging.Sender
	config  logging.Config
	buffer  *Buffer
	logger  *slog.Logger
	metrics *Metrics

	failureLog *rate.Limiter

	startOnce sync.Once
	wg        sync.WaitGroup
}

var _ logging.Sink = (*Processor)(nil)

type Option func(*processorOptions)

type processorOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// WithLogger sets the logger for delivery diagnostics. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *processorOptions) { o.logger = logger }
}

// WithRegisterer registers the processor metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *processorOptions) { o.registerer = r }
}

func NewBatchProcessor(ctx context.Context, sender logging.Sender, config logging.Config, opts ...Option) *Processor {
	var o processorOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	buffer := NewBuffer()
	nCtx, cancel := context.WithCancel(ctx)

	return &Processor{
		ctx:        nCtx,
		stopCtx:    cancel,
		sender:     sender,
		config:     config.WithDefaults(),
		buffer:     buffer,
		logger:     o.logger,
		metrics:    NewMetrics(o.registerer, buffer),
		failureLog: rate.NewLimiter(rate.Every(failureLogEvery), failureLogBurst),
	}
}

// Push queues event for delivery. It never blocks on the network. An event
// without a timestamp is stamped with the current time.
func (bp *Processor) Push(event logging.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	bp.buffer.Push(event)
	bp.metrics.EventsPushed.Inc()
}

// Buffered returns the number of events waiting to be drained.
func (bp *Processor) Buffered() int {
	return bp.buffer.Len()
}

func (bp *Processor) Metrics() *Metrics {
	return bp.metrics
}

// Start launches the flush goroutine. Calling it more than once has no
// further effect.
func (bp *Processor) Start() {
	bp.startOnce.Do(func() {
		bp.wg.Add(1)
		go func() {
			defer bp.wg.Done()
			bp.Run(bp.ctx)
		}()
	})
}

// Stop cancels the flush goroutine and waits for its final drain.
func (bp *Processor) Stop() {
	bp.stopCtx()
	bp.wg.Wait()
}

// Run is the flush loop. While batches keep coming it ships them back to
// back; once the buffer is seen empty it sleeps for FlushDelay. When ctx is
// cancelled it makes one last pass over the buffer bounded by drainTimeout
// and returns.
func (bp *Processor) Run(ctx context.Context) {
	bp.logger.Info("seq flush loop started",
		"batch_size", bp.config.BatchSize,
		"flush_delay", bp.config.FlushDelay)

	timer := time.NewTimer(bp.config.FlushDelay)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			bp.drainOnStop()
			return
		}

		if bp.flushOnce(ctx) {
			continue
		}

		timer.Reset(bp.config.FlushDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			bp.drainOnStop()
			return
		}
	}
}

// FlushPending ships batches until the buffer is observed empty or ctx is
// done.
func (bp *Processor) FlushPending(ctx context.Context) {
	for ctx.Err() == nil && bp.flushOnce(ctx) {
	}
}

// flushOnce drains one batch and delivers it. It reports whether there was
// anything to drain.
func (bp *Processor) flushOnce(ctx context.Context) bool {
	events := bp.buffer.Drain(bp.config.BatchSize)
	if events == nil {
		return false
	}
	bp.deliver(ctx, events)
	return true
}

func (bp *Processor) deliver(ctx context.Context, events []logging.Event) {
	started := time.Now()
	err := bp.sender.SendBatch(ctx, events)
	bp.metrics.SendDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		bp.metrics.BatchesFailed.Inc()
		bp.metrics.EventsDiscarded.Add(float64(len(events)))
		if bp.failureLog.Allow() {
			bp.logger.Warn("skipped writing log events to seq",
				"events", len(events),
				"error", err)
		}
		return
	}

	bp.metrics.BatchesSent.Inc()
	bp.metrics.EventsSent.Add(float64(len(events)))
	bp.logger.Debug("sent batch to seq", "events", len(events))
}

func (bp *Processor) drainOnStop() {
	if bp.buffer.Len() == 0 {
		bp.logger.Info("seq flush loop stopped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	bp.FlushPending(ctx)

	if left := bp.buffer.Len(); left > 0 {
		bp.logger.Warn("seq flush loop stopped with undelivered events", "events", left)
		return
	}
	bp.logger.Info("seq flush loop stopped")
}
