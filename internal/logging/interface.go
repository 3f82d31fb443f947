package logging

import (
	"context"
	"strings"
	"time"
)

const (
	DefaultBatchSize  = 50
	DefaultFlushDelay = time.Second
)

// Level is the severity of an Event. The zero value is LevelInfo.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelFatal:
		return "Fatal"
	case LevelError:
		return "Error"
	case LevelWarning:
		return "Warning"
	default:
		return "Info"
	}
}

// ParseLevel maps a level name to a Level. Unknown names report false and
// LevelInfo.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal", "critical", "panic":
		return LevelFatal, true
	case "error", "err":
		return LevelError, true
	case "warning", "warn":
		return LevelWarning, true
	case "info", "information":
		return LevelInfo, true
	}
	return LevelInfo, false
}

// Event is a single log event. It must not be modified after it has been
// pushed.
type Event struct {
	Level     Level
	Timestamp time.Time
	Process   string
	Message   string
	Context   string
}

// Sink accepts events from producers. Push never blocks on I/O.
type Sink interface {
	Push(event Event)
}

// Sender delivers one batch. Implementations make a single attempt.
type Sender interface {
	SendBatch(ctx context.Context, events []Event) error
}

type Config struct {
	BatchSize  int
	FlushDelay time.Duration
}

// WithDefaults fills zero or negative fields with package defaults.
func (c Config) WithDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	return c
}
