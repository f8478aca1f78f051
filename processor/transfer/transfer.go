// Package transfer streams a single remote resource to a local file.
//
// A transfer issues one GET per hop, follows redirects up to a fixed depth and
// streams the body of the first successful response into the destination
// file. Callers observe the transfer through byte and metadata callbacks and
// steer it through two predicates, IsCancelled and IsPaused, which are polled
// rather than pushed. This keeps the package free of any knowledge of how
// cancellation and pausing are signalled.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/skroutz/downloadq/job"
	derrors "github.com/skroutz/downloadq/processor/errors"
)

// DefaultUserAgent is sent unless the caller overrides the User-Agent header.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

const (
	defaultMaxRedirects   = 5
	defaultIdleTimeout    = 60 * time.Second
	defaultRequestTimeout = 12 * time.Hour
	defaultPollInterval   = 500 * time.Millisecond
	defaultChunkSize      = 32 * 1024

	// drained redirect/error bodies are capped so a hostile server can't keep us busy
	maxDrain = 256 * 1024
)

var (
	ErrTooManyRedirects = errors.New("Too many redirects")
	ErrCancelled        = errors.New("Cancelled")
	ErrIdleTimeout      = errors.New("Socket timeout")
	ErrRequestTimeout   = errors.New("Request timeout")
)

// StatusError is returned for non-2xx, non-redirect responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// Based on http.DefaultTransport
//
// See https://golang.org/pkg/net/http/#RoundTripper
var httpTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	// Byte counts must match Content-Length
	DisableCompression: true,
}

// NewClient returns a client that never follows redirects on its own, since
// the Streamer chases them hop by hop.
func NewClient() *http.Client {
	return &http.Client{
		Transport: httpTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Request describes one transfer.
type Request struct {
	URL string

	// Path is the destination file. It is truncated or created only after a
	// successful response status.
	Path string

	// Header overrides the default headers (e.g. User-Agent).
	Header map[string]string

	// OnBytes is called with the length of every chunk written to Path.
	OnBytes func(n int)

	// OnMeta is called exactly once, with the advertised size of the
	// successful response, or an empty value if it is unknown.
	OnMeta func(total job.NullableInt)

	IsCancelled func() bool
	IsPaused    func() bool
}

// Streamer performs transfers. The zero value is not usable, use New.
type Streamer struct {
	Client *http.Client

	UserAgent string

	// MaxRedirects is the maximum redirect depth. Deeper chains fail with
	// ErrTooManyRedirects.
	MaxRedirects int

	// RequestTimeout bounds a whole hop, IdleTimeout bounds the wait for the
	// response headers and every single read. Each redirect hop gets a fresh
	// budget. Time spent paused does not count towards IdleTimeout.
	RequestTimeout time.Duration
	IdleTimeout    time.Duration

	// PollInterval is how often IsCancelled and IsPaused are checked
	// while blocked.
	PollInterval time.Duration

	ChunkSize int

	Log *slog.Logger
}

// New returns a Streamer with the default settings.
func New(logger *slog.Logger) *Streamer {
	return &Streamer{
		Client:         NewClient(),
		UserAgent:      DefaultUserAgent,
		MaxRedirects:   defaultMaxRedirects,
		RequestTimeout: defaultRequestTimeout,
		IdleTimeout:    defaultIdleTimeout,
		PollInterval:   defaultPollInterval,
		ChunkSize:      defaultChunkSize,
		Log:            logger,
	}
}

// Transfer downloads r.URL into r.Path. It returns nil only once the
// destination file is flushed and closed.
//
// Errors are download errors (see package processor/errors): cancellations
// are of KindCancelled, file write failures of KindFileSystem (the partial
// file is removed) and everything else of KindTransfer.
func (s *Streamer) Transfer(ctx context.Context, r Request) error {
	current, err := url.Parse(r.URL)
	if err != nil {
		return derrors.E("parsing url", fmt.Errorf("Invalid URL: %w", err))
	}

	for depth := 0; ; depth++ {
		if depth > s.MaxRedirects {
			return derrors.E("redirecting", ErrTooManyRedirects)
		}
		if r.IsCancelled() {
			return derrors.Cancelled("requesting", ErrCancelled)
		}

		next, err := s.hop(ctx, r, current)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		s.Log.Debug("following redirect", "from", current.String(), "to", next.String(), "depth", depth+1)
		current = next
	}
}

// hop performs one request against u. It returns the next URL to follow on a
// redirect, or nil once the body was streamed to r.Path.
func (s *Streamer) hop(ctx context.Context, r Request, u *url.URL) (*url.URL, error) {
	if s.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.RequestTimeout, ErrRequestTimeout)
		defer cancel()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	stopWatch := s.watchCancel(ctx, r, abort)
	defer stopWatch()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, derrors.E("initializing request", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)
	for k, v := range r.Header {
		req.Header.Set(k, v)
	}

	idle := time.AfterFunc(time.Hour, func() { abort(ErrIdleTimeout) })
	idle.Stop()
	defer idle.Stop()

	s.armIdle(idle)
	resp, err := s.Client.Do(req)
	idle.Stop()
	if err != nil {
		return nil, s.failure(ctx, "requesting", err)
	}
	defer resp.Body.Close()

	s.Log.Info("download response received", "url", u.String(), "status", resp.StatusCode)

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			drain(resp.Body)
			next, err := u.Parse(loc)
			if err != nil {
				return nil, derrors.E("redirecting", fmt.Errorf("Invalid Location %q: %w", loc, err))
			}
			return next, nil
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp.Body)
		return nil, derrors.E("requesting", &StatusError{Code: resp.StatusCode})
	}

	var total job.NullableInt
	if resp.ContentLength >= 0 {
		total.Set(resp.ContentLength)
	}
	r.OnMeta(total)

	return nil, s.stream(ctx, r, resp.Body, abort, idle)
}

// stream copies body to r.Path chunk by chunk. idle is armed around every
// read.
func (s *Streamer) stream(ctx context.Context, r Request, body io.Reader, abort context.CancelCauseFunc, idle *time.Timer) error {
	out, err := os.OpenFile(r.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return derrors.FileSystem("creating file", err)
	}

	buf := make([]byte, s.chunkSize())
	for {
		if r.IsCancelled() {
			abort(ErrCancelled)
			out.Close()
			return derrors.Cancelled("streaming", ErrCancelled)
		}

		if r.IsPaused() {
			idle.Stop()
			if err := s.waitWhilePaused(ctx, r); err != nil {
				out.Close()
				return s.failure(ctx, "streaming", err)
			}
		}

		s.armIdle(idle)
		n, rerr := body.Read(buf)
		idle.Stop()

		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return s.discard(out, r.Path, derrors.FileSystem("writing file", err))
			}
			r.OnBytes(n)
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return s.failure(ctx, "streaming", rerr)
		}
	}

	if err := out.Sync(); err != nil {
		return s.discard(out, r.Path, derrors.FileSystem("syncing file", err))
	}
	if err := out.Close(); err != nil {
		return s.discard(nil, r.Path, derrors.FileSystem("closing file", err))
	}
	return nil
}

// waitWhilePaused blocks without reading from the network until the pause
// clears. Cancellation stays observable.
func (s *Streamer) waitWhilePaused(ctx context.Context, r Request) error {
	s.Log.Info("download paused", "path", r.Path)

	tick := time.NewTicker(s.pollInterval())
	defer tick.Stop()

	for r.IsPaused() {
		if r.IsCancelled() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}

	s.Log.Info("download resumed", "path", r.Path)
	return nil
}

// watchCancel polls r.IsCancelled and aborts the hop as soon as it reports
// true, interrupting any pending network operation.
func (s *Streamer) watchCancel(ctx context.Context, r Request, abort context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		tick := time.NewTicker(s.pollInterval())
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				if r.IsCancelled() {
					abort(ErrCancelled)
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// failure classifies err according to why ctx ended, if it did.
func (s *Streamer) failure(ctx context.Context, phase string, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(cause, ErrCancelled):
		return derrors.Cancelled(phase, ErrCancelled)
	case errors.Is(cause, ErrIdleTimeout), errors.Is(cause, ErrRequestTimeout):
		return derrors.E(phase, cause)
	case cause != nil:
		// the caller's context ended (e.g. shutdown)
		return derrors.E(phase, cause)
	}
	return derrors.E(phase, err)
}

// discard closes out (if not nil), removes path and returns err.
func (s *Streamer) discard(out *os.File, path string, err error) error {
	if out != nil {
		out.Close()
	}
	if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
		s.Log.Error("could not remove partial file", "path", path, "error", rerr)
	}
	return err
}

// armIdle starts the idle countdown of idle, unless idle timeouts are
// disabled.
func (s *Streamer) armIdle(idle *time.Timer) {
	if s.IdleTimeout > 0 {
		idle.Reset(s.IdleTimeout)
	}
}

func (s *Streamer) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return defaultPollInterval
	}
	return s.PollInterval
}

func (s *Streamer) chunkSize() int {
	if s.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return s.ChunkSize
}

func drain(body io.Reader) {
	io.Copy(io.Discard, io.LimitReader(body, maxDrain))
}
