// Package seq delivers batches of log events to a Seq ingestion endpoint as
// CLEF.
package seq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Chichichkin/SeqShipper/internal/config"
	"github.com/Chichichkin/SeqShipper/internal/logging"
)

const (
	RawEventsPath = "/api/events/raw"
	ClefQuery     = "clef"
	APIKeyHeader  = "X-Seq-ApiKey"
	ContentType   = "application/vnd.serilog.clef"
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 1 << 10

// Shared client. No Timeout is set: a request is bounded by the caller's
// context and the transport defaults.
var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	},
}

// StatusError is returned when Seq answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("seq returned status %d", e.Code)
	}
	return fmt.Sprintf("seq returned status %d: %s", e.Code, e.Body)
}

// Sender posts one batch per call. It never retries.
type Sender struct {
	target     string
	app        string
	header     http.Header
	gzip       bool
	httpClient *http.Client
}

var _ logging.Sender = (*Sender)(nil)

type SenderOption func(*Sender)

func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.httpClient = c }
}

// NewSeqSender prepares the target URL and request headers once from conn.
func NewSeqSender(conn config.Connection, opts ...SenderOption) (*Sender, error) {
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	target, err := TargetURL(conn.URL, conn.Route)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", ContentType)
	if conn.HasAPIKey() {
		header.Set(APIKeyHeader, conn.APIKey)
	}
	compress := conn.Compression == config.CompressionGzip
	if compress {
		header.Set("Content-Encoding", "gzip")
	}

	s := &Sender{
		target:     target,
		app:        conn.App,
		header:     header,
		gzip:       compress,
		httpClient: defaultHTTPClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Target returns the URL batches are posted to.
func (s *Sender) Target() string {
	return s.target
}

// TargetURL appends the route segments and the clef query marker to
// endpoint. An endpoint that already ends in the raw route is left alone.
func TargetURL(endpoint string, route config.Route) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse seq url: %w", err)
	}

	if route == config.RouteRaw {
		path := strings.TrimRight(u.Path, "/")
		if !strings.HasSuffix(path, RawEventsPath) {
			path += RawEventsPath
		}
		u.Path = path
		u.RawPath = ""
	}

	switch {
	case u.RawQuery == "":
		u.RawQuery = ClefQuery
	case !hasQueryKey(u.RawQuery, ClefQuery):
		u.RawQuery += "&" + ClefQuery
	}

	return u.String(), nil
}

func hasQueryKey(rawQuery, key string) bool {
	for _, part := range strings.Split(rawQuery, "&") {
		k, _, _ := strings.Cut(part, "=")
		if k == key {
			return true
		}
	}
	return false
}

// SendBatch makes exactly one POST carrying events. An empty batch is a
// no-op.
func (s *Sender) SendBatch(ctx context.Context, events []logging.Event) error {
	if len(events) == 0 {
		return nil
	}

	body := EncodeBatch(s.app, events)
	if s.gzip {
		compressed, err := gzipBody(body)
		if err != nil {
			return fmt.Errorf("failed to compress batch: %w", err)
		}
		body = compressed
	}

	return s.sendRequest(ctx, body)
}

func (s *Sender) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = s.header.Clone()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(responseBody))}
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
