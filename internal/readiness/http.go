package readiness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP is ready once a GET of URL answers 2xx.
type HTTP struct {
	URL      string
	Interval time.Duration
	Client   *http.Client // defaults to a client with a 2s timeout
}

func (p *HTTP) Await(ctx context.Context, _ Target) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return poll(ctx, p.Interval, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%w: %s answered %d", errNotReady, p.URL, resp.StatusCode)
		}
		return nil
	})
}

func (p *HTTP) Describe() string { return "http:" + p.URL }
