// Package opensearch indexes lifecycle events as OpenSearch (or
// Elasticsearch) documents over the REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/warden/internal/history"
)

const (
	defaultTimeout = 5 * time.Second
	maxErrorBody   = 256
)

// Sink PUTs each event to <base>/<index>/_doc/<id>. The id is derived from
// the event, so a retried send overwrites instead of duplicating.
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	daily    bool
	user     string
	password string
}

type Option func(*Sink)

// WithDailyIndex appends the event date to the index name
// (history-2024.01.02), the layout index templates usually expect.
func WithDailyIndex() Option { return func(s *Sink) { s.daily = true } }

func WithBasicAuth(user, password string) Option {
	return func(s *Sink) { s.user, s.password = user, password }
}

func WithHTTPClient(c *http.Client) Option { return func(s *Sink) { s.client = c } }

func New(baseURL, index string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: defaultTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Index returns the index an event occurring at t is written to.
func (s *Sink) Index(t time.Time) string {
	if !s.daily {
		return s.index
	}
	return s.index + "-" + t.UTC().Format("2006.01.02")
}

// DocumentURL returns the URL e is stored under.
func (s *Sink) DocumentURL(e history.Event) string {
	return fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.Index(e.OccurredAt)), url.PathEscape(DocumentID(e)))
}

// DocumentID identifies e by run, type and time.
func DocumentID(e history.Event) string {
	run := e.Record.RunID
	if run == "" {
		run = e.Record.Name
	}
	return fmt.Sprintf("%s-%s-%d", run, e.Type, e.OccurredAt.UnixNano())
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.DocumentURL(e), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) {
			return fmt.Errorf("%w: %w", history.ErrTransient, err)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("opensearch: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %w", history.ErrTransient, err)
	}
	return err
}
