// Package config resolves a Seq connection descriptor into a Connection.
//
// A descriptor is either a bare URL ("https://seq.example.com") or a list of
// ';'-separated key=value pairs:
//
//	url=https://seq.example.com;apikey=SECRET;flushlogschunk=10;flushdelay=5
//
// Keys are case-insensitive. Recognised keys are url, apikey,
// flushlogschunk, flushdelay, route and compression.
//
// Both forms post to the raw events route (<url>/api/events/raw?clef) unless
// route=legacy is given, which posts to <url>?clef unchanged. A bare URL
// cannot select the legacy route.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Chichichkin/SeqShipper/internal/logging"
)

var (
	ErrMissingURL   = errors.New("no url in connection string")
	ErrUnknownKey   = errors.New("unknown key")
	ErrInvalidPair  = errors.New("invalid key=value pair")
	ErrInvalidValue = errors.New("invalid value")
)

// MaxFlushDelay is the largest flushdelay, in seconds, a time.Duration can hold.
const MaxFlushDelay = math.MaxInt64 / int64(time.Second)

// Route selects the path appended to the endpoint.
type Route int

const (
	// RouteRaw posts to <endpoint>/api/events/raw.
	RouteRaw Route = iota
	// RouteLegacy posts to the endpoint as given.
	RouteLegacy
)

func (r Route) String() string {
	if r == RouteLegacy {
		return "legacy"
	}
	return "raw"
}

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

func (c Compression) String() string {
	if c == CompressionGzip {
		return "gzip"
	}
	return "none"
}

// Connection is a fully resolved shipper configuration. It is read-only
// after Parse returns.
type Connection struct {
	URL         string
	APIKey      string // empty means no key header
	BatchSize   int
	FlushDelay  time.Duration
	App         string
	Route       Route
	Compression Compression
}

// HasAPIKey reports whether a key header should be sent.
func (c Connection) HasAPIKey() bool {
	return c.APIKey != ""
}

// Batching returns the flush loop settings.
func (c Connection) Batching() logging.Config {
	return logging.Config{
		BatchSize:  c.BatchSize,
		FlushDelay: c.FlushDelay,
	}
}

// Validate checks that the endpoint is an absolute http(s) URL.
func (c Connection) Validate() error {
	if c.URL == "" {
		return &Error{Key: "url", Err: ErrMissingURL}
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return &Error{Key: "url", Value: c.URL, Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{Key: "url", Value: c.URL, Err: fmt.Errorf("%w: want absolute http(s) url", ErrInvalidValue)}
	}
	return nil
}

// Error describes why a descriptor was rejected.
type Error struct {
	Key   string
	Value string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Key == "" && e.Value == "":
		return "seq connection string: " + e.Err.Error()
	case e.Key == "":
		return fmt.Sprintf("seq connection string: %q: %v", e.Value, e.Err)
	case e.Value == "":
		return fmt.Sprintf("seq connection string: key %q: %v", e.Key, e.Err)
	default:
		return fmt.Sprintf("seq connection string: key %q value %q: %v", e.Key, e.Value, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Parse resolves descriptor for the application app.
func Parse(descriptor, app string) (Connection, error) {
	descriptor = strings.TrimSpace(descriptor)

	conn := Connection{
		App:        app,
		BatchSize:  logging.DefaultBatchSize,
		FlushDelay: logging.DefaultFlushDelay,
	}

	if strings.HasPrefix(strings.ToLower(descriptor), "http") {
		conn.URL = descriptor
		return validated(conn)
	}

	for _, item := range strings.Split(descriptor, ";") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		key, value, err := splitKeyValue(item)
		if err != nil {
			return Connection{}, err
		}

		switch key {
		case "url":
			conn.URL = value
		case "apikey":
			conn.APIKey = value
		case "flushlogschunk":
			n, err := positiveInt(key, value)
			if err != nil {
				return Connection{}, err
			}
			conn.BatchSize = n
		case "flushdelay":
			n, err := positiveInt(key, value)
			if err != nil {
				return Connection{}, err
			}
			if int64(n) > MaxFlushDelay {
				return Connection{}, &Error{Key: key, Value: value, Err: fmt.Errorf("%w: at most %d seconds", ErrInvalidValue, MaxFlushDelay)}
			}
			conn.FlushDelay = time.Duration(n) * time.Second
		case "route":
			switch strings.ToLower(value) {
			case "raw":
				conn.Route = RouteRaw
			case "legacy", "none":
				conn.Route = RouteLegacy
			default:
				return Connection{}, &Error{Key: key, Value: value, Err: fmt.Errorf("%w: want raw or legacy", ErrInvalidValue)}
			}
		case "compression":
			switch strings.ToLower(value) {
			case "", "none":
				conn.Compression = CompressionNone
			case "gzip":
				conn.Compression = CompressionGzip
			default:
				return Connection{}, &Error{Key: key, Value: value, Err: fmt.Errorf("%w: want none or gzip", ErrInvalidValue)}
			}
		default:
			return Connection{}, &Error{Key: key, Err: ErrUnknownKey}
		}
	}

	if conn.URL == "" {
		return Connection{}, &Error{Err: ErrMissingURL}
	}

	return validated(conn)
}

func validated(conn Connection) (Connection, error) {
	if err := conn.Validate(); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

// splitKeyValue splits on the first '='; the value may itself contain '='.
func splitKeyValue(item string) (string, string, error) {
	key, value, ok := strings.Cut(item, "=")
	if !ok {
		return "", "", &Error{Value: item, Err: ErrInvalidPair}
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", "", &Error{Value: item, Err: ErrInvalidPair}
	}
	return key, strings.TrimSpace(value), nil
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &Error{Key: key, Value: value, Err: fmt.Errorf("%w: must be a number", ErrInvalidValue)}
	}
	if n <= 0 {
		return 0, &Error{Key: key, Value: value, Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	return n, nil
}
