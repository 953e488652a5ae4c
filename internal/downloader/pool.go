// Package downloader fetches upstream image URLs under a bounded
// concurrency budget and caches the results.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/lumabridge/lumabridge/internal/config"
)

// retryDelays spaces the fixed retry attempts of a single fetch.
var retryDelays = []time.Duration{time.Second, 2 * time.Second}

// Pool gates outbound GETs behind a semaphore and a shared HTTP client.
type Pool struct {
	sem        chan struct{}
	client     *http.Client
	timeouts   config.DownloadTimeout
	maxRetries int
}

// NewPool builds the pool from the download and connection-pool settings.
func NewPool(cfg *config.Config) *Pool {
	width := cfg.MaxConcurrentDownloads
	if width <= 0 {
		width = 50
	}
	maxRetries := cfg.DownloadTimeout.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Pool{
		sem:        make(chan struct{}, width),
		client:     newClient(cfg),
		timeouts:   cfg.DownloadTimeout,
		maxRetries: maxRetries,
	}
}

func newClient(cfg *config.Config) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.ConnectionPool.TotalLimit,
		MaxIdleConnsPerHost:   cfg.ConnectionPool.PerHostLimit,
		IdleConnTimeout:       time.Duration(cfg.ConnectionPool.KeepaliveTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.DownloadTimeout.SockReadSeconds) * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.DownloadTimeout.TotalSeconds) * time.Second,
	}
}

// Fetch downloads url, retrying a fixed number of times with fixed
// backoff. All attempts share one semaphore slot.
func (p *Pool) Fetch(ctx context.Context, url string) ([]byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	client := p.client
	if client == nil {
		// Scoped fallback client; idle connections are released on every
		// exit path below.
		client = &http.Client{Timeout: 30 * time.Second}
		defer client.CloseIdleConnections()
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		data, err := p.fetchOnce(ctx, client, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		log.Printf("[WARN] downloader: attempt %d/%d failed: %v", attempt+1, p.maxRetries, err)

		if attempt < p.maxRetries-1 {
			delay := retryDelays[min(attempt, len(retryDelays)-1)]
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (p *Pool) fetchOnce(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")
	req.Header.Set("Referer", "https://lmarena.ai/")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		log.Printf("[WARN] downloader: slow download %s in %s", url[:min(len(url), 80)], elapsed)
	}
	return data, nil
}
