package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

// LogDaemonService discovers *.log files under a root directory and tails
// each of them, pushing one event per line into a sink.
type LogDaemonService struct {
	config    Config
	sink      logging.Sink
	logger    *slog.Logger
	fileQueue chan string
	workersWg sync.WaitGroup
	scannerWg sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	metrics   *LogDaemonMetrics

	// files that are queued or being tailed
	activeMu sync.Mutex
	active   map[string]struct{}
	// read position of files released while idle
	offsets map[string]int64

	startOnce sync.Once
	stopOnce  sync.Once
}

type Config struct {
	LogRootPath   string
	ScanInterval  time.Duration
	Workers       int
	FileQueueSize int
	// Process is stamped on every event.
	Process string
	// If > 0, stop tailing a file after this period without new lines
	FileIdleTimeout time.Duration
	// FromStart reads files from the beginning instead of the end.
	FromStart bool
}

type Option func(*LogDaemonService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *LogDaemonService) { s.logger = logger }
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *LogDaemonService) { s.metrics = NewLogDaemonMetrics(r) }
}

// NewLogDaemonService creates config.Workers + 1 goroutines on Start().
func NewLogDaemonService(ctx context.Context, config Config, sink logging.Sink, opts ...Option) *LogDaemonService {
	nCtx, cancel := context.WithCancel(ctx)

	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.FileQueueSize <= 0 {
		config.FileQueueSize = 50
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}

	service := &LogDaemonService{
		config:    config,
		sink:      sink,
		fileQueue: make(chan string, config.FileQueueSize),
		ctx:       nCtx,
		cancel:    cancel,
		active:    make(map[string]struct{}),
		offsets:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.logger == nil {
		service.logger = slog.Default()
	}
	if service.metrics == nil {
		service.metrics = NewLogDaemonMetrics(nil)
	}

	return service
}

func (s *LogDaemonService) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting log tail service",
			"root", s.config.LogRootPath,
			"workers", s.config.Workers,
			"queue_size", s.config.FileQueueSize)

		for i := 0; i < s.config.Workers; i++ {
			s.workersWg.Add(1)
			go s.worker(i)
		}

		s.scannerWg.Add(1)
		go s.scanner()
	})
}

func (s *LogDaemonService) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping log tail service")
		s.cancel()

		s.scannerWg.Wait()

		close(s.fileQueue)
		s.workersWg.Wait()

		s.logger.Info("log tail service stopped")
	})
}

func (s *LogDaemonService) worker(id int) {
	defer s.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tail worker panicked", "worker", id, "panic", r)
		}
	}()

	for {
		select {
		case filePath, ok := <-s.fileQueue:
			if !ok {
				return
			}
			s.metrics.QueuedFiles.Dec()
			s.processFile(s.ctx, filePath)
			s.release(filePath)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) processFile(ctx context.Context, filePath string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tailing panicked", "file", filePath, "panic", r)
			s.metrics.FilesFailed.Inc()
		}
	}()

	t, err := tail.TailFile(filePath, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     true,
		Location: s.startLocation(filePath),
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		s.logger.Warn("failed to tail file", "file", filePath, "error", err)
		s.metrics.FilesFailed.Inc()
		return
	}
	defer t.Cleanup()
	defer func() { _ = t.Stop() }()

	s.metrics.ActiveFiles.Inc()
	defer s.metrics.ActiveFiles.Dec()

	checkInterval := time.Second
	if s.config.FileIdleTimeout > 0 && s.config.FileIdleTimeout < checkInterval {
		checkInterval = s.config.FileIdleTimeout
	}
	checkTicker := time.NewTicker(checkInterval)
	defer checkTicker.Stop()

	lastActivity := time.Now()
	labels := s.eventContext(filePath)

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if s.pushLine(filePath, labels, line) {
				lastActivity = time.Now()
			}

		case <-checkTicker.C:
			// waking up from blocking line reading to check the idle timeout
			if s.config.FileIdleTimeout > 0 && time.Since(lastActivity) > s.config.FileIdleTimeout {
				// a line read before Tell must not be left behind
				select {
				case line, ok := <-t.Lines:
					if !ok {
						return
					}
					if s.pushLine(filePath, labels, line) {
						lastActivity = time.Now()
					}
					continue
				default:
				}
				s.logger.Debug("file idle, stop tailing", "file", filePath)
				s.rememberOffset(t, filePath)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pushLine reports whether line became an event.
func (s *LogDaemonService) pushLine(filePath, labels string, line *tail.Line) bool {
	if line == nil {
		return false
	}
	if line.Err != nil {
		s.logger.Warn("error reading file", "file", filePath, "error", line.Err)
		return false
	}

	s.sink.Push(logging.Event{
		Level:     DetectLevel(line.Text),
		Timestamp: line.Time,
		Process:   s.config.Process,
		Message:   line.Text,
		Context:   labels,
	})
	s.metrics.LinesRead.Inc()
	return true
}

// startLocation resumes a file released while idle at its saved offset.
// Only files never tailed before honour FromStart.
func (s *LogDaemonService) startLocation(filePath string) *tail.SeekInfo {
	s.activeMu.Lock()
	offset, seen := s.offsets[filePath]
	s.activeMu.Unlock()

	if seen {
		// truncated or rotated in place while unclaimed
		if info, err := os.Stat(filePath); err == nil && info.Size() < offset {
			offset = 0
		}
		return &tail.SeekInfo{Offset: offset, Whence: io.SeekStart}
	}
	if s.config.FromStart {
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
	return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
}

func (s *LogDaemonService) rememberOffset(t *tail.Tail, filePath string) {
	offset, err := t.Tell()
	if err != nil {
		s.logger.Warn("failed to read tail offset", "file", filePath, "error", err)
		return
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.offsets[filePath] = offset
}

// forgetMissing drops saved offsets of files that are gone from the root.
func (s *LogDaemonService) forgetMissing(files []string) {
	present := make(map[string]struct{}, len(files))
	for _, file := range files {
		present[file] = struct{}{}
	}

	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for file := range s.offsets {
		if _, ok := present[file]; !ok {
			delete(s.offsets, file)
		}
	}
}

func (s *LogDaemonService) scanner() {
	defer s.scannerWg.Done()

	s.scanFiles()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanFiles()

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LogDaemonService) scanFiles() {
	files, err := s.discoverLogFiles()
	if err != nil {
		s.logger.Warn("error discovering log files", "root", s.config.LogRootPath, "error", err)
		return
	}
	s.forgetMissing(files)

	for _, file := range files {
		if !s.claim(file) {
			continue
		}
		s.metrics.FilesDiscovered.Inc()

		select {
		case s.fileQueue <- file:
			s.metrics.QueuedFiles.Inc()
		case <-s.ctx.Done():
			s.release(file)
			return
		default:
			s.release(file)
			s.logger.Warn("file queue full, skipping",
				"file", file,
				"queued", len(s.fileQueue),
				"capacity", cap(s.fileQueue))
		}
	}
}

// claim marks file as taken unless it is already queued or tailed.
func (s *LogDaemonService) claim(file string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if _, ok := s.active[file]; ok {
		return false
	}
	s.active[file] = struct{}{}
	return true
}

func (s *LogDaemonService) release(file string) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, file)
}

func (s *LogDaemonService) discoverLogFiles() ([]string, error) {
	var logFiles []string

	err := filepath.Walk(s.config.LogRootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Debug("error accessing path", "path", path, "error", err)
			return nil
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".log") {
			logFiles = append(logFiles, path)
		}
		return nil
	})

	return logFiles, err
}

// extractLabels reads pod metadata from the kubelet layout
// /var/log/pods/<namespace>_<pod>_<uid>/<container>/<n>.log.
func (s *LogDaemonService) extractLabels(filePath string) map[string]string {
	labels := map[string]string{
		"file": filepath.Base(filePath),
	}

	parts := strings.Split(filePath, "/")
	if len(parts) >= 5 {
		podParts := strings.Split(parts[4], "_")
		if len(podParts) >= 3 {
			labels["namespace"] = podParts[0]
			labels["pod"] = podParts[1]
			labels["pod_uid"] = podParts[2]
		}

		if len(parts) >= 6 {
			labels["container"] = parts[5]
		}
	}

	return labels
}

// eventContext renders the labels of filePath as sorted key=value pairs.
func (s *LogDaemonService) eventContext(filePath string) string {
	labels := s.extractLabels(filePath)

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + labels[k]
	}
	return strings.Join(pairs, " ")
}
