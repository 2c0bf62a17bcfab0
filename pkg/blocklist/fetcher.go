package blocklist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"sentinel/pkg/logging"
)

const (
	fetchTimeout = 15 * time.Second
	maxListBytes = 25 << 20 // 25 MiB
	userAgent    = "sentinel-blocklist/1.0"
)

// ErrTooLarge is returned when a list exceeds the download byte cap.
var ErrTooLarge = errors.New("TOO_LARGE")

// Fetcher downloads and parses one hostlist at a time.
type Fetcher struct {
	client *http.Client
	logger *logging.Logger
}

// NewFetcher wraps an HTTP client. A nil client gets a default with the
// fetch timeout.
func NewFetcher(client *http.Client, logger *logging.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch downloads the list at url and returns the parsed domains. The body
// is streamed through the parser; a list over the byte cap fails with
// ErrTooLarge.
func (f *Fetcher) Fetch(ctx context.Context, url string) (ParseResult, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ParseResult{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return ParseResult{}, fmt.Errorf("downloading list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ParseResult{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxListBytes {
		return ParseResult{}, ErrTooLarge
	}

	res, err := Parse(&cappedReader{r: resp.Body, remaining: maxListBytes})
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return ParseResult{}, ErrTooLarge
		}
		return ParseResult{}, err
	}

	f.logger.Info("Blocklist downloaded",
		"url", url,
		"domains", len(res.Domains),
		"rejected", res.Rejected,
		"duration", time.Since(start))
	return res, nil
}

// cappedReader fails with ErrTooLarge once the byte budget is exhausted,
// instead of silently truncating a list mid-line.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, ErrTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}
