package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skroutz/downloadq/job"
	derrors "github.com/skroutz/downloadq/processor/errors"
	"github.com/skroutz/downloadq/processor/filestorage"
	"github.com/skroutz/downloadq/processor/postprocess"
	"github.com/skroutz/downloadq/processor/resolver"
	"github.com/skroutz/downloadq/processor/transfer"
)

// DefaultProgressThreshold is the minimum number of bytes between two
// progress events of a download.
const DefaultProgressThreshold = 256 * 1024

// Sink receives the events of every download attempt.
type Sink interface {
	Notify(e job.Event)
}

// ProgressStore persists the progress of running jobs.
type ProgressStore interface {
	UpdateProgress(id string, bytes int64, total job.NullableInt) error
	ClearCancel(id string) error
}

// State is the per-attempt state shared between a running download and the
// pollers of its control flags. Flags are sticky for cancel and follow the
// queue for pause.
type State struct {
	cancelled atomic.Bool
	paused    atomic.Bool
	terminal  atomic.Bool

	bytes atomic.Int64

	mu           sync.Mutex
	total        job.NullableInt
	lastReported int64
}

// Cancel marks the attempt as cancelled. It cannot be undone.
func (s *State) Cancel() { s.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (s *State) Cancelled() bool { return s.cancelled.Load() }

// SetPaused raises or clears the pause flag.
func (s *State) SetPaused(v bool) { s.paused.Store(v) }

// Paused reports whether the attempt should stop pulling bytes.
func (s *State) Paused() bool { return s.paused.Load() }

// Bytes returns the bytes written so far.
func (s *State) Bytes() int64 { return s.bytes.Load() }

// TerminalPublished reports whether a completed, failed or cancelled event
// was published for the attempt.
func (s *State) TerminalPublished() bool { return s.terminal.Load() }

// Executor performs a single attempt of a job: it resolves the URL, streams
// it into the job's folder and reports every step to its Sink.
type Executor struct {
	Root     *filestorage.Root
	Resolver resolver.Resolver
	Streamer *transfer.Streamer
	Sink     Sink
	Store    ProgressStore

	// Hooks run after a successful download. May be nil.
	Hooks *postprocess.Runner

	// ProgressThreshold is the minimum number of bytes between two progress
	// events.
	ProgressThreshold int64

	Log *slog.Logger
}

// Execute runs one attempt of j. Exactly one terminal event is published
// for the attempt unless Execute panics.
//
// The returned error is a download error (see processor/errors).
func (e *Executor) Execute(ctx context.Context, j *job.Job, st *State) (job.Result, error) {
	log := e.Log.With("job_id", j.ID)

	e.publish(st, job.Started{JobID: j.ID, URL: j.URL, Folder: j.Folder})

	dir, err := e.Root.ResolveFolder(j.Folder)
	if err != nil {
		return job.Result{}, e.fail(j, st, derrors.Validation("resolving folder", err))
	}

	if st.Cancelled() {
		return job.Result{}, e.cancel(j, st, "")
	}

	if err := e.waitWhilePaused(ctx, st); err != nil {
		if derrors.IsCancelled(err) {
			return job.Result{}, e.cancel(j, st, "")
		}
		return job.Result{}, e.fail(j, st, err)
	}

	res, err := e.resolver().Resolve(ctx, j.URL, st.Cancelled)
	if err != nil {
		if derrors.IsCancelled(err) {
			return job.Result{}, e.cancel(j, st, "")
		}
		log.Warn("url resolution failed, using the original url", "url", j.URL, "error", err)
		res = resolver.Resolution{URL: j.URL}
	}

	u, err := url.Parse(res.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("Unsupported URL %q", res.URL)
		}
		return job.Result{}, e.fail(j, st, derrors.Validation("parsing url", err))
	}

	filename := filestorage.Filename(u, j.ID)
	dst := filepath.Join(dir, filename)
	part := e.Root.PartPath(dir, filename, j.ID)

	log.Info("download started", "url", res.URL, "path", dst)
	start := time.Now()

	err = e.Streamer.Transfer(ctx, transfer.Request{
		URL:         res.URL,
		Path:        part,
		Header:      res.Header,
		OnBytes:     func(n int) { e.advance(j, st, int64(n)) },
		OnMeta:      func(total job.NullableInt) { e.metadata(j, st, total) },
		IsCancelled: st.Cancelled,
		IsPaused:    st.Paused,
	})
	if err != nil {
		if derrors.IsCancelled(err) {
			return job.Result{}, e.cancel(j, st, part)
		}
		return job.Result{}, e.fail(j, st, err)
	}

	if err := e.Root.Commit(part, dst); err != nil {
		if rerr := e.Root.Remove(part); rerr != nil {
			log.Error("could not remove partial file", "path", part, "error", rerr)
		}
		return job.Result{}, e.fail(j, st, derrors.FileSystem("moving file", err))
	}

	e.flush(j, st)

	result := job.Result{
		Filename:   filename,
		Bytes:      st.Bytes(),
		TotalBytes: st.totalBytes(),
		Folder:     j.Folder,
		Path:       dst,
	}
	e.publish(st, job.Completed{
		JobID:      j.ID,
		URL:        j.URL,
		Bytes:      result.Bytes,
		TotalBytes: result.TotalBytes,
		Filename:   result.Filename,
	})
	log.Info("download completed", "path", dst, "bytes", result.Bytes,
		"duration", time.Since(start).Truncate(time.Millisecond))

	if err := e.Store.ClearCancel(j.ID); err != nil {
		log.Warn("could not clear cancel flag", "error", err)
	}
	if e.Hooks != nil {
		e.Hooks.Run(ctx, j, result)
	}

	return result, nil
}

// advance accounts for n more bytes and publishes a progress event once the
// threshold is crossed.
func (e *Executor) advance(j *job.Job, st *State, n int64) {
	b := st.bytes.Add(n)

	st.mu.Lock()
	if b-st.lastReported < e.threshold() {
		st.mu.Unlock()
		return
	}
	st.lastReported = b
	total := st.total
	st.mu.Unlock()

	e.progress(j, st, b, total)
}

// flush publishes the bytes not reported yet, so the last progress event
// matches the terminal one.
func (e *Executor) flush(j *job.Job, st *State) {
	b := st.Bytes()

	st.mu.Lock()
	if b <= st.lastReported {
		st.mu.Unlock()
		return
	}
	st.lastReported = b
	total := st.total
	st.mu.Unlock()

	e.progress(j, st, b, total)
}

func (e *Executor) progress(j *job.Job, st *State, b int64, total job.NullableInt) {
	e.publish(st, job.Progress{JobID: j.ID, URL: j.URL, Bytes: b, TotalBytes: total})
	if err := e.Store.UpdateProgress(j.ID, b, total); err != nil {
		e.Log.Warn("could not store progress", "job_id", j.ID, "error", err)
	}
}

func (e *Executor) metadata(j *job.Job, st *State, total job.NullableInt) {
	st.mu.Lock()
	st.total = total
	st.mu.Unlock()

	e.publish(st, job.Metadata{JobID: j.ID, URL: j.URL, TotalBytes: total})
}

// cancel removes the partial file, if any, and publishes the cancellation.
func (e *Executor) cancel(j *job.Job, st *State, part string) error {
	if part != "" {
		if err := e.Root.Remove(part); err != nil {
			e.Log.Error("could not remove partial file", "job_id", j.ID, "path", part, "error", err)
		}
	}
	e.publish(st, job.Cancelled{JobID: j.ID, URL: j.URL})
	e.Log.Info("download cancelled", "job_id", j.ID)
	return derrors.Cancelled("downloading", transfer.ErrCancelled)
}

func (e *Executor) fail(j *job.Job, st *State, err error) error {
	e.publish(st, job.Failed{JobID: j.ID, URL: j.URL, Err: Message(err)})
	e.Log.Warn("download failed", "job_id", j.ID, "url", j.URL, "error", err)
	return err
}

func (e *Executor) publish(st *State, ev job.Event) {
	if ev.Terminal() {
		st.terminal.Store(true)
	}
	e.Sink.Notify(ev)
}

// waitWhilePaused holds an attempt that was paused before it got to the
// network until the pause clears.
func (e *Executor) waitWhilePaused(ctx context.Context, st *State) error {
	if !st.Paused() {
		return nil
	}

	tick := time.NewTicker(e.pollInterval())
	defer tick.Stop()

	for st.Paused() {
		if st.Cancelled() {
			return derrors.Cancelled("waiting", transfer.ErrCancelled)
		}
		select {
		case <-ctx.Done():
			return derrors.E("waiting", ctx.Err())
		case <-tick.C:
		}
	}
	if st.Cancelled() {
		return derrors.Cancelled("waiting", transfer.ErrCancelled)
	}
	return nil
}

func (e *Executor) pollInterval() time.Duration {
	if e.Streamer != nil && e.Streamer.PollInterval > 0 {
		return e.Streamer.PollInterval
	}
	return 500 * time.Millisecond
}

func (e *Executor) resolver() resolver.Resolver {
	if e.Resolver == nil {
		return resolver.Direct{}
	}
	return e.Resolver
}

func (e *Executor) threshold() int64 {
	if e.ProgressThreshold <= 0 {
		return DefaultProgressThreshold
	}
	return e.ProgressThreshold
}

func (s *State) totalBytes() job.NullableInt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Message returns the human readable message of err, without the phase
// prefix of download errors.
func Message(err error) string {
	var de derrors.DownloadError
	if errors.As(err, &de) && de.Err() != nil {
		return de.Err().Error()
	}
	return err.Error()
}
