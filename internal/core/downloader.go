package core

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/novelshelf/catalogd/internal/domain"
)

// maxDownloadSize bounds a single package download.
const maxDownloadSize = 128 << 20

// DownloadProgress represents the current state of a download
type DownloadProgress struct {
	TotalBytes int64   // Total size in bytes (0 if unknown)
	Downloaded int64   // Bytes downloaded so far
	Percentage float64 // Completion percentage (0-100)
}

// ProgressFunc is called periodically during download with progress updates
type ProgressFunc func(DownloadProgress)

// DownloadResult contains the outcome of a download
type DownloadResult struct {
	Path     string // Final file path
	Size     int64  // Bytes downloaded
	Checksum string // MD5 hash of downloaded file
}

// Downloader fetches catalog payloads over HTTP
type Downloader struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewDownloader creates a new Downloader with the given HTTP client.
// If httpClient is nil, http.DefaultClient is used. A positive timeout
// bounds each download.
func NewDownloader(httpClient *http.Client, timeout time.Duration) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Download fetches url into destPath. Failures wrap domain.ErrDownloadFailed.
func (d *Downloader) Download(ctx context.Context, url, destPath string, progressFn ProgressFunc) (*DownloadResult, error) {
	res, err := d.download(ctx, url, destPath, progressFn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDownloadFailed, err)
	}
	return res, nil
}

func (d *Downloader) download(ctx context.Context, url, destPath string, progressFn ProgressFunc) (*DownloadResult, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	case resp.ContentLength > maxDownloadSize:
		return nil, fmt.Errorf("payload of %d bytes exceeds limit", resp.ContentLength)
	}

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}

	// The payload lands next to destPath and is renamed over it once complete
	part, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer func() {
		part.Close()
		os.Remove(part.Name())
	}()

	hasher := md5.New()
	counter := &progressCounter{total: resp.ContentLength, fn: progressFn}

	written, err := io.Copy(io.MultiWriter(part, hasher, counter), io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("downloading file: %w", err)
	}
	if written > maxDownloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxDownloadSize)
	}

	if err := part.Close(); err != nil {
		return nil, fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(part.Name(), destPath); err != nil {
		return nil, fmt.Errorf("renaming file: %w", err)
	}

	return &DownloadResult{
		Path:     destPath,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// progressCounter reports every chunk written through it.
type progressCounter struct {
	total int64
	done  int64
	fn    ProgressFunc
}

func (c *progressCounter) Write(p []byte) (int, error) {
	c.done += int64(len(p))
	if c.fn == nil {
		return len(p), nil
	}
	progress := DownloadProgress{TotalBytes: c.total, Downloaded: c.done}
	if c.total > 0 {
		progress.Percentage = float64(c.done) / float64(c.total) * 100
	}
	c.fn(progress)
	return len(p), nil
}
