package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/SeqShipper/internal/logging"
	"github.com/Chichichkin/SeqShipper/internal/testutils"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestProcessor(t *testing.T, sender logging.Sender, config logging.Config) (*Processor, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	processor := NewBatchProcessor(context.Background(), sender, config,
		WithLogger(quietLogger),
		WithRegisterer(registry))
	return processor, registry
}

func TestProcessor_DefaultsApplied(t *testing.T) {
	processor, _ := newTestProcessor(t, &testutils.MockSender{}, logging.Config{})

	assert.Equal(t, logging.DefaultBatchSize, processor.config.BatchSize)
	assert.Equal(t, logging.DefaultFlushDelay, processor.config.FlushDelay)
}

func TestProcessor_FlushPendingChunksByBatchSize(t *testing.T) {
	mockSender := &testutils.MockSender{}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 50, FlushDelay: time.Second})

	for i := 0; i < 120; i++ {
		processor.Push(logging.Event{Message: fmt.Sprintf("test %d", i)})
	}

	processor.FlushPending(context.Background())

	assert.Equal(t, 3, mockSender.GetCalls())
	assert.Equal(t, []int{50, 50, 20}, mockSender.BatchSizes())
	assert.Equal(t, 0, processor.Buffered())

	var order []string
	for _, b := range mockSender.GetSentBatches() {
		for _, e := range b {
			order = append(order, e.Message)
		}
	}
	require.Len(t, order, 120)
	assert.Equal(t, "test 0", order[0])
	assert.Equal(t, "test 119", order[119])

	m := processor.Metrics()
	assert.Equal(t, 120.0, testutil.ToFloat64(m.EventsPushed))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.EventsSent))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BatchesSent))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BufferedEvents))
}

func TestProcessor_RunDrainsWithoutSleepingBetweenBatches(t *testing.T) {
	mockSender := &testutils.MockSender{}
	// a long delay would make this test time out if the loop slept between
	// non-empty drains
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 50, FlushDelay: time.Hour})

	for i := 0; i < 120; i++ {
		processor.Push(logging.Event{Message: fmt.Sprintf("test %d", i)})
	}

	processor.Start()
	defer processor.Stop()

	ok := testutils.Eventually(2*time.Second, func() bool {
		return mockSender.GetCalls() == 3
	})
	require.True(t, ok, "expected 3 deliveries, got %d", mockSender.GetCalls())
	assert.Equal(t, []int{50, 50, 20}, mockSender.BatchSizes())
	assert.Equal(t, 0, processor.Buffered())
}

func TestProcessor_FailedBatchIsDiscarded(t *testing.T) {
	mockSender := &testutils.MockSender{FailCalls: map[int]bool{1: true}}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 10, FlushDelay: 10 * time.Millisecond})

	for i := 0; i < 3; i++ {
		processor.Push(logging.Event{Message: fmt.Sprintf("lost %d", i)})
	}

	processor.Start()
	defer processor.Stop()

	require.True(t, testutils.Eventually(time.Second, func() bool {
		return mockSender.GetCalls() >= 1
	}))
	assert.Equal(t, 0, processor.Buffered())

	processor.Push(logging.Event{Message: "kept"})

	require.True(t, testutils.Eventually(time.Second, func() bool {
		return len(mockSender.GetSentBatches()) == 1
	}))

	batches := mockSender.GetSentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "kept", batches[0][0].Message)
	assert.Equal(t, 2, mockSender.GetCalls())

	m := processor.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsDiscarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesSent))
}

func TestProcessor_PersistentFailureKeepsLoopAlive(t *testing.T) {
	mockSender := &testutils.MockSender{ShouldFail: true}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 1, FlushDelay: 5 * time.Millisecond})

	processor.Start()
	defer processor.Stop()

	for i := 0; i < 20; i++ {
		processor.Push(logging.Event{Message: fmt.Sprintf("test %d", i)})
		time.Sleep(time.Millisecond)
	}

	require.True(t, testutils.Eventually(2*time.Second, func() bool {
		return mockSender.GetCalls() == 20
	}))
	assert.Empty(t, mockSender.GetSentBatches())
	assert.Equal(t, 20.0, testutil.ToFloat64(processor.Metrics().EventsDiscarded))
}

func TestProcessor_BatchTimeout(t *testing.T) {
	mockSender := &testutils.MockSender{}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 100, FlushDelay: 20 * time.Millisecond})

	processor.Start()
	defer processor.Stop()

	// let the loop observe an empty buffer and go to sleep first
	time.Sleep(30 * time.Millisecond)

	processor.Push(logging.Event{Message: "timeout test"})

	require.True(t, testutils.Eventually(time.Second, func() bool {
		return len(mockSender.GetSentBatches()) == 1
	}))
}

func TestProcessor_StopDrainsRemaining(t *testing.T) {
	mockSender := &testutils.MockSender{}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 4, FlushDelay: time.Hour})

	processor.Start()
	// the loop is now asleep for an hour
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 10; i++ {
		processor.Push(logging.Event{Message: fmt.Sprintf("test %d", i)})
	}

	processor.Stop()

	assert.Equal(t, []int{4, 4, 2}, mockSender.BatchSizes())
	assert.Equal(t, 0, processor.Buffered())
}

func TestProcessor_StopIsBoundedWhenEndpointHangs(t *testing.T) {
	mockSender := &testutils.MockSender{Delay: time.Minute}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 1, FlushDelay: time.Hour})

	processor.Start()
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		processor.Push(logging.Event{Message: fmt.Sprintf("test %d", i)})
	}

	started := time.Now()
	processor.Stop()

	assert.Less(t, time.Since(started), drainTimeout+time.Second)
	assert.Empty(t, mockSender.GetSentBatches())
}

func TestProcessor_ParentContextCancellation(t *testing.T) {
	mockSender := &testutils.MockSender{}
	ctx, cancel := context.WithCancel(context.Background())
	processor := NewBatchProcessor(ctx, mockSender, logging.Config{BatchSize: 10, FlushDelay: time.Hour},
		WithLogger(quietLogger))

	processor.Start()
	processor.Push(logging.Event{Message: "before cancel"})
	cancel()

	done := make(chan struct{})
	go func() {
		processor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("processor did not stop after context cancellation")
	}

	total := 0
	for _, b := range mockSender.GetSentBatches() {
		total += len(b)
	}
	assert.Equal(t, 1, total)
}

func TestProcessor_ConcurrentProducers(t *testing.T) {
	mockSender := &testutils.MockSender{}
	processor, _ := newTestProcessor(t, mockSender, logging.Config{BatchSize: 5, FlushDelay: 5 * time.Millisecond})
	processor.Start()

	var wg sync.WaitGroup
	worker := func(id int) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			processor.Push(logging.Event{
				Process: fmt.Sprintf("w%d", id),
				Message: fmt.Sprintf("%d", i),
			})
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}

	wg.Add(5)
	for w := 0; w < 5; w++ {
		go worker(w)
	}
	wg.Wait()

	processor.Stop()

	next := map[string]int{}
	total := 0
	for _, b := range mockSender.GetSentBatches() {
		assert.LessOrEqual(t, len(b), 5)
		for _, e := range b {
			assert.Equal(t, fmt.Sprintf("%d", next[e.Process]), e.Message)
			next[e.Process]++
			total++
		}
	}
	assert.Equal(t, 250, total)
}

func TestProcessor_MetricsRegistered(t *testing.T) {
	_, registry := newTestProcessor(t, &testutils.MockSender{}, logging.Config{})

	families, err := registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["seqshipper_events_pushed_total"])
	assert.True(t, names["seqshipper_buffered_events"])
	assert.True(t, names["seqshipper_send_duration_seconds"])
}

func TestProcessor_PushStampsMissingTimestamp(t *testing.T) {
	processor, _ := newTestProcessor(t, &testutils.MockSender{}, logging.Config{})
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	before := time.Now()
	processor.Push(logging.Event{Message: "no time"})
	processor.Push(logging.Event{Message: "fixed", Timestamp: fixed})

	events := processor.buffer.Drain(0)
	require.Len(t, events, 2)
	assert.False(t, events[0].Timestamp.Before(before))
	assert.Equal(t, fixed, events[1].Timestamp)
}
