package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

// MockSender records every batch it is handed. FailCalls lists 1-based call
// numbers that return an error; ShouldFail fails every call.
type MockSender struct {
	mu          sync.Mutex
	SentBatches [][]logging.Event
	Calls       int
	ShouldFail  bool
	FailCalls   map[int]bool
	Delay       time.Duration
}

func (m *MockSender) SendBatch(ctx context.Context, events []logging.Event) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.ShouldFail || m.FailCalls[m.Calls] {
		return fmt.Errorf("mock send failed on call %d", m.Calls)
	}

	m.SentBatches = append(m.SentBatches, events)
	return nil
}

func (m *MockSender) GetSentBatches() [][]logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]logging.Event(nil), m.SentBatches...)
}

func (m *MockSender) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// BatchSizes returns the length of each delivered batch in order.
func (m *MockSender) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.SentBatches))
	for i, b := range m.SentBatches {
		sizes[i] = len(b)
	}
	return sizes
}

// MockSink collects pushed events.
type MockSink struct {
	mu     sync.Mutex
	Events []logging.Event
}

func (m *MockSink) Push(event logging.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
}

func (m *MockSink) GetEvents() []logging.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]logging.Event(nil), m.Events...)
}

// Eventually polls cond every 10ms until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func CreateTempLogStructure(t *testing.T) string {
	tempDir := t.TempDir()

	structure := map[string]string{
		"default_pod-1_uid123/container-1/app.log":          "log content 1\nline 2\n",
		"default_pod-1_uid123/container-2/app.log":          "log content 2\nerror log\n",
		"kube-system_pod-2_uid456/container/app.log":        "log content 3\ninfo message\n",
		"default_pod-3_uid789/container/app.log":            "log content 4\n",
		"monitoring_pod-4_uid101/grafana/grafana.log":       "grafana starting\n",
		"monitoring_pod-4_uid101/prometheus/prometheus.log": "prometheus ready\n",
		"monitoring_pod-4_uid101/prometheus/notes.txt":      "not a log\n",
	}

	for path, content := range structure {
		fullPath := filepath.Join(tempDir, path)
		dir := filepath.Dir(fullPath)

		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}

		if err := os.WriteFile(fullPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", fullPath, err)
		}
	}

	return tempDir
}
