// Package bottle downloads prebuilt keg archives. Downloads are written to a
// temporary ".inprogress" file and renamed into place only after the
// checksum verifies, so a partial download never masquerades as a bottle.
package bottle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/errors"
	"github.com/jpillora/backoff"
)

// ErrChecksum is returned when the downloaded payload does not match the
// expected SHA-256. Never retried; the source is serving the wrong bytes.
var ErrChecksum = errors.New("checksum mismatch")

type fetcherOptions struct {
	client  *http.Client
	retries int
	min     time.Duration
	max     time.Duration
}

type Option func(*fetcherOptions)

func WithClient(client *http.Client) Option {
	return func(o *fetcherOptions) { o.client = client }
}

func WithRetries(retries int) Option {
	return func(o *fetcherOptions) { o.retries = retries }
}

func WithBackoff(min, max time.Duration) Option {
	return func(o *fetcherOptions) { o.min = min; o.max = max }
}

// Fetcher downloads bottles over HTTP with retry. Safe for concurrent use.
type Fetcher struct {
	fetcherOptions
	logger *slog.Logger
}

func NewFetcher(logger *slog.Logger, options ...Option) *Fetcher {
	opts := fetcherOptions{
		client:  http.DefaultClient,
		retries: 3,
		min:     time.Second,
		max:     time.Second * 30,
	}
	for _, opt := range options {
		opt(&opts)
	}
	return &Fetcher{fetcherOptions: opts, logger: logger}
}

// Fetch downloads url to dest, verifying its SHA-256. If dest already exists
// with the right checksum the download is skipped. Transient failures retry
// with backoff up to the configured limit.
func (f *Fetcher) Fetch(ctx context.Context, url, dest, sum string) error {
	if ok, err := verify(dest, sum); err != nil {
		return err
	} else if ok {
		f.logger.Debug("bottle already downloaded", "dest", dest)
		return nil
	}
	retry := backoff.Backoff{Min: f.min, Max: f.max, Jitter: true}
	for attempt := 0; ; attempt++ {
		err := f.fetchOnce(ctx, url, dest, sum)
		if err == nil {
			return nil
		}
		if attempt >= f.retries || !retryable(err) {
			return errors.Wrapf(err, "fetch %s", url)
		}
		delay := retry.Duration()
		var after *retryAfterError
		if errors.As(err, &after) {
			delay = after.delay
		}
		f.logger.Warn("bottle fetch failed, retrying", "url", url, "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dest, sum string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}

	partial := dest + ".inprogress"
	w, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	digest := sha256.New()
	_, err = io.Copy(io.MultiWriter(w, digest), resp.Body)
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partial)
		return errors.Wrap(err, "write bottle")
	}
	if actual := hex.EncodeToString(digest.Sum(nil)); actual != sum {
		_ = os.Remove(partial)
		return errors.Errorf("%w: expected %s, got %s", ErrChecksum, sum, actual)
	}
	return errors.Wrap(os.Rename(partial, dest), "finalise bottle")
}

// verify reports whether path exists with the expected SHA-256.
func verify(path, sum string) (bool, error) {
	r, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer r.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, r); err != nil {
		return false, errors.WithStack(err)
	}
	return hex.EncodeToString(digest.Sum(nil)) == sum, nil
}

type retryAfterError struct {
	status string
	delay  time.Duration
}

func (e *retryAfterError) Error() string { return e.status }

type statusError struct {
	status string
	code   int
}

func (e *statusError) Error() string { return e.status }

func httpError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			return errors.WithStack(&retryAfterError{status: resp.Status, delay: jitter(time.Duration(seconds) * time.Second)})
		}
	}
	return errors.WithStack(&statusError{status: resp.Status, code: resp.StatusCode})
}

func retryable(err error) bool {
	if errors.Is(err, ErrChecksum) {
		return false
	}
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.code >= 500
	}
	return true
}

// jitter n ± 10%
func jitter(n time.Duration) time.Duration {
	ni := int64(n)
	return time.Duration(ni + rand.Int64N(ni/10) - ni/20) //nolint
}
