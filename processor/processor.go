// Processor is one of the core entities of the downloader. It facilitates the
// processing of Jobs.
//
// It pops jobs from the queue and hands each one to a worker goroutine, never
// running more than Concurrency of them at once. Every worker performs a
// single attempt of its job through an Executor and then settles the job in
// the queue: success, cancellation, failure or a later retry.
//
//   ---------------------------------------------
//   |                Processor                  |
//   |                                           |
//   |  queue --> consume --> W  W  W  (<= N)    |
//   |                        |  |  |            |
//   |                  cancel/pause pollers     |
//   |                                           |
//   |  heartbeat   inventory   stats   disk     |
//   ---------------------------------------------
//
// While a job runs, its cancel flag and the global pause flag are polled from
// the queue and mirrored into the attempt's State.
//
// Cancellation and shutdown are coordinated through the use of contexts all
// along the stack. When a shutdown signal is received from the application it
// propagates to the running workers, which stop their transfers and put their
// jobs back in the queue without counting the attempt.
package processor

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skroutz/downloadq/job"
	"github.com/skroutz/downloadq/metrics"
	"github.com/skroutz/downloadq/processor/diskcheck"
	derrors "github.com/skroutz/downloadq/processor/errors"
	"github.com/skroutz/downloadq/processor/filestorage"
	"github.com/skroutz/downloadq/processor/transfer"
	"github.com/skroutz/downloadq/stats"
	"github.com/skroutz/downloadq/storage"
)

var newChecker = diskcheck.New

const (
	defaultConcurrency       = 2
	defaultFlagPoll          = time.Second
	defaultMaxRetries        = 3
	defaultRetryBackoff      = 2 * time.Minute
	defaultBackoff           = time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTTL      = 15 * time.Second
	defaultInventoryInterval = 30 * time.Second
	defaultStatsInterval     = 5 * time.Second

	// Metric Identifiers
	statsMaxWorkers         = "maxWorkers"         //Gauge
	statsWorkers            = "workers"            //Gauge
	statsSpawnedWorkers     = "spawnedWorkers"     //Counter
	statsCompleted          = "completed"          //Counter
	statsCancelled          = "cancelled"          //Counter
	statsFailures           = "failures"           //Counter
	statsRequeued           = "requeued"           //Counter
	statsPanics             = "panics"             //Counter
	statsResponseCodePrefix = "download.response." //Counter

	// diskChecker settings
	defaultDiskHigh     = 95
	defaultDiskLow      = 90
	defaultDiskInterval = 1 * time.Minute
)

// Storage is the queue the Processor consumes from.
type Storage interface {
	ProgressStore

	SaveJob(j *job.Job) error
	PopJob() (job.Job, error)
	QueuePendingDownload(j *job.Job, delay time.Duration) error
	InProgressJobs() ([]job.Job, error)

	CancelRequested(id string) (bool, error)
	Paused() (bool, error)

	Beat(t time.Time, ttl time.Duration) error
	SetFolderStats(stats []job.FolderStat) error
	SetStats(id, stats string, expiration time.Duration) error
}

type Processor struct {
	Storage  Storage
	Executor *Executor

	// Root is where downloads are saved. Its folders are inventoried
	// periodically and its disk is health checked.
	Root *filestorage.Root

	// Concurrency is the maximum number of jobs running at once.
	Concurrency int

	// FlagPoll is the interval the cancel and pause flags of running jobs
	// are polled with.
	FlagPoll time.Duration

	// MaxRetries is the maximum number of attempts of a job. Attempt n is
	// retried after n*RetryBackoff.
	MaxRetries   int
	RetryBackoff time.Duration

	// Backoff is how long to wait when the queue is empty or paused.
	Backoff time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration

	InventoryInterval time.Duration

	// Disk usage percentages to stop consuming at, and resume at.
	DiskHigh     int
	DiskLow      int
	DiskInterval time.Duration

	Log *slog.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	stats *stats.Stats
}

// New returns a Processor with the default settings.
func New(store Storage, root *filestorage.Root, exec *Executor, logger *slog.Logger) *Processor {
	return &Processor{
		Storage:           store,
		Executor:          exec,
		Root:              root,
		Concurrency:       defaultConcurrency,
		FlagPoll:          defaultFlagPoll,
		MaxRetries:        defaultMaxRetries,
		RetryBackoff:      defaultRetryBackoff,
		Backoff:           defaultBackoff,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTTL:      defaultHeartbeatTTL,
		InventoryInterval: defaultInventoryInterval,
		DiskHigh:          defaultDiskHigh,
		DiskLow:           defaultDiskLow,
		DiskInterval:      defaultDiskInterval,
		StatsIntvl:        defaultStatsInterval,
		Log:               logger,
		stats:             stats.New("processor", defaultStatsInterval, func(m *expvar.Map) {}),
	}
}

// Start starts p.
//
// It spawns the helper goroutines and consumes the queue until closeCh is
// signalled. Once every worker returned, Start signals back on closeCh.
func (p *Processor) Start(closeCh chan struct{}) {
	p.Log.Info("Starting...", "concurrency", p.concurrency(), "root", p.Root.Dir)
	p.collectRogueDownloads()

	ctx, cancel := context.WithCancel(context.Background())

	p.stats = stats.New("processor", p.StatsIntvl,
		func(m *expvar.Map) {
			err := p.Storage.SetStats("processor", m.String(), 2*p.StatsIntvl) // Autoremove stats after 2 times the interval
			if err != nil {
				p.Log.Warn("could not report stats", "error", err)
			}
		})

	var health chan diskcheck.Health
	diskChecker, err := newChecker(p.Root.Dir, p.DiskHigh, p.DiskLow, p.DiskInterval, p.Log.With("component", "diskcheck"))
	if err != nil {
		p.Log.Error("could not initialize disk checker, disk usage will not be checked", "error", err)
	} else {
		health = diskChecker.C()
	}

	helpers, hctx := errgroup.WithContext(ctx)
	helpers.Go(func() error { p.stats.Run(hctx, p.Log); return nil })
	helpers.Go(func() error { p.heartbeat(hctx); return nil })
	helpers.Go(func() error { p.inventory(hctx); return nil })
	if diskChecker != nil {
		helpers.Go(func() error { diskChecker.Run(hctx); return nil })
	}

	// Run the consume loop with a separate context
	// so we can stop it independently.
	var loopWg sync.WaitGroup
	loopCtx, loopCancel := context.WithCancel(ctx)
	consumeLoop := func(ctx context.Context) {
		defer loopWg.Done()
		p.consume(ctx)
	}
	loopWg.Add(1)
	go consumeLoop(loopCtx)

PROCESSOR_LOOP:
	for {
		select {
		case h := <-health:
			if h == diskcheck.Sick {
				p.Log.Warn("Sick disk, stopping the consume loop...")
				loopCancel()
				loopWg.Wait()
			} else {
				p.Log.Info("Healthy disk, starting the consume loop...")
				loopCtx, loopCancel = context.WithCancel(ctx)
				loopWg.Add(1)
				go consumeLoop(loopCtx)
			}
		case <-closeCh:
			loopCancel()
			cancel()
			break PROCESSOR_LOOP
		}
	}

	p.Log.Info("Shutting down...")
	loopWg.Wait()
	helpers.Wait()
	p.Log.Info("Bye!")
	closeCh <- struct{}{}
}

// consume pops jobs and spawns a worker for each one, as long as there is a
// free slot. When ctx is done it waits for all workers to return.
func (p *Processor) consume(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(p.concurrency()))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		j, err := p.next(ctx)
		if err != nil {
			sem.Release(1)
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.perform(ctx, &j)
		}()
	}
}

// next blocks until a job is ready and the queue is not paused, or ctx is
// done.
func (p *Processor) next(ctx context.Context) (job.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return job.Job{}, err
		}

		paused, err := p.Storage.Paused()
		if err != nil {
			p.Log.Error("could not read pause flag", "error", err)
		}
		if !paused {
			j, err := p.Storage.PopJob()
			if err == nil {
				return j, nil
			}
			if err != storage.ErrEmptyQueue && err != storage.ErrRetryLater {
				p.Log.Error("could not pop job", "error", err)
			}
		}

		// backoff & wait for a job to be queued or the queue to resume
		select {
		case <-ctx.Done():
			return job.Job{}, ctx.Err()
		case <-time.After(p.backoff()):
		}
	}
}

// perform runs one attempt of j and settles it in the queue.
func (p *Processor) perform(ctx context.Context, j *job.Job) {
	log := p.Log.With("job_id", j.ID)

	if ctx.Err() != nil {
		if err := p.Storage.QueuePendingDownload(j, 0); err != nil {
			log.Error("could not requeue job", "error", err)
		}
		return
	}

	err := p.markJobInProgress(j)
	if err != nil {
		log.Error("could not mark job in progress", "error", err)
	}

	p.workerStarted()
	defer p.workerDone()

	st := new(State)
	stopPolling := p.poll(ctx, j.ID, st)
	res, err := p.execute(ctx, j, st)
	stopPolling()

	if err != nil && !st.TerminalPublished() {
		p.Executor.Sink.Notify(job.Failed{JobID: j.ID, URL: j.URL, Err: Message(err)})
	}

	p.settle(ctx, j, st, res, err)
}

// execute runs the executor, turning a panic into a failed attempt.
func (p *Processor) execute(ctx context.Context, j *job.Job, st *State) (res job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.Add(statsPanics, 1)
			p.Log.Error("panic while downloading", "job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
			err = derrors.Errorf("downloading", "Internal error: %v", r)
		}
	}()
	return p.Executor.Execute(ctx, j, st)
}

// settle records the outcome of an attempt of j. Cancellations and
// validation errors are final, other failures are retried with a linear
// backoff until MaxRetries attempts were made.
func (p *Processor) settle(ctx context.Context, j *job.Job, st *State, res job.Result, err error) {
	log := p.Log.With("job_id", j.ID)
	j.Bytes = st.Bytes()
	j.TotalBytes = st.totalBytes()

	var serr error
	switch {
	case err == nil:
		serr = p.markJobSuccess(j, res)
	case derrors.IsCancelled(err):
		serr = p.markJobCancelled(j)
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Do not count interrupted downloads towards MaxRetries
		j.Attempts--
		p.stats.Add(statsRequeued, 1)
		metrics.DownloadsFinished.WithLabelValues("requeued").Inc()
		serr = p.Storage.QueuePendingDownload(j, 0)
	default:
		p.countFailure(err)
		if !derrors.IsRetriable(err) {
			serr = p.markJobFailed(j, err)
		} else {
			serr = p.requeueOrFail(j, err)
		}
	}

	if serr != nil {
		log.Error("could not update job", "state", j.State, "error", serr)
	}
}

// requeueOrFail checks the attempts of the current download and retries the
// job if they are less than MaxRetries, else it marks it as failed.
func (p *Processor) requeueOrFail(j *job.Job, err error) error {
	if j.Attempts >= p.maxRetries() {
		return p.markJobFailed(j, err)
	}

	j.Error = Message(err)
	delay := time.Duration(j.Attempts) * p.RetryBackoff
	p.Log.Info("retrying download later", "job_id", j.ID, "attempts", j.Attempts, "delay", delay)
	p.stats.Add(statsRequeued, 1)
	metrics.DownloadsFinished.WithLabelValues("requeued").Inc()
	return p.Storage.QueuePendingDownload(j, delay)
}

func (p *Processor) markJobInProgress(j *job.Job) error {
	j.State = job.StateInProgress
	j.Attempts++
	j.Error = ""
	j.Bytes = 0
	j.TotalBytes = job.NullableInt{}
	j.Filename = ""
	j.StartedAt = time.Now()
	j.FinishedAt = time.Time{}
	return p.Storage.SaveJob(j)
}

func (p *Processor) markJobSuccess(j *job.Job, res job.Result) error {
	j.State = job.StateSuccess
	j.Error = ""
	j.Filename = res.Filename
	j.Bytes = res.Bytes
	j.TotalBytes = res.TotalBytes
	j.FinishedAt = time.Now()

	p.stats.Add(statsCompleted, 1)
	metrics.DownloadsFinished.WithLabelValues("completed").Inc()
	metrics.DownloadBytes.Add(float64(res.Bytes))
	metrics.DownloadDuration.Observe(j.FinishedAt.Sub(j.StartedAt).Seconds())
	return p.Storage.SaveJob(j)
}

func (p *Processor) markJobCancelled(j *job.Job) error {
	j.State = job.StateCancelled
	j.Error = ""
	j.FinishedAt = time.Now()

	p.stats.Add(statsCancelled, 1)
	metrics.DownloadsFinished.WithLabelValues("cancelled").Inc()
	return p.Storage.SaveJob(j)
}

func (p *Processor) markJobFailed(j *job.Job, err error) error {
	j.State = job.StateFailed
	j.Error = Message(err)
	j.FinishedAt = time.Now()

	metrics.DownloadsFinished.WithLabelValues("failed").Inc()
	return p.Storage.SaveJob(j)
}

// countFailure tracks failures by response code, where there is one.
func (p *Processor) countFailure(err error) {
	p.stats.Add(statsFailures, 1)

	var se *transfer.StatusError
	switch {
	case errors.As(err, &se):
		p.stats.Add(fmt.Sprintf("%s%d", statsResponseCodePrefix, se.Code), 1)
	case errors.Is(err, transfer.ErrIdleTimeout), errors.Is(err, transfer.ErrRequestTimeout):
		p.stats.Add(statsResponseCodePrefix+"timeout", 1)
	case derrors.KindOf(err) == derrors.KindFileSystem:
		p.stats.Add(statsResponseCodePrefix+"filesystem", 1)
	default:
		p.stats.Add(statsResponseCodePrefix+"other", 1)
	}
}

// poll mirrors the cancel flag of job id and the pause flag of the queue into
// st until the returned function is called. The flags are read once before
// poll returns.
func (p *Processor) poll(ctx context.Context, id string, st *State) func() {
	p.pollFlags(id, st)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(p.flagPoll())
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				p.pollFlags(id, st)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// pollFlags reads the flags once. On errors the previous values are kept.
func (p *Processor) pollFlags(id string, st *State) {
	if !st.Cancelled() {
		cancelled, err := p.Storage.CancelRequested(id)
		if err != nil {
			p.Log.Warn("could not read cancel flag", "job_id", id, "error", err)
		} else if cancelled {
			p.Log.Info("cancel requested", "job_id", id)
			st.Cancel()
		}
	}

	paused, err := p.Storage.Paused()
	if err != nil {
		p.Log.Warn("could not read pause flag", "job_id", id, "error", err)
		return
	}
	st.SetPaused(paused)
}

// collectRogueDownloads requeues jobs that were left InProgress by an
// interrupted previous run.
func (p *Processor) collectRogueDownloads() {
	jobs, err := p.Storage.InProgressJobs()
	if err != nil {
		p.Log.Error("could not scan for rogue downloads", "error", err)
	}

	var rogueCount int
	for i := range jobs {
		j := &jobs[i]
		if err := p.Storage.QueuePendingDownload(j, 0); err != nil {
			p.Log.Error("could not requeue rogue download", "job_id", j.ID, "error", err)
			continue
		}
		rogueCount++
	}

	if rogueCount > 0 {
		p.Log.Info("queued rogue downloads", "count", rogueCount)
	}
}

// heartbeat writes the liveness timestamp until ctx is done.
func (p *Processor) heartbeat(ctx context.Context) {
	every(ctx, p.HeartbeatInterval, defaultHeartbeatInterval, func() {
		if err := p.Storage.Beat(time.Now(), p.HeartbeatTTL); err != nil {
			p.Log.Warn("could not write heartbeat", "error", err)
		}
	})
}

// inventory publishes the folder inventory of the root until ctx is done.
func (p *Processor) inventory(ctx context.Context) {
	every(ctx, p.InventoryInterval, defaultInventoryInterval, func() {
		folders, err := diskcheck.Inventory(p.Root.Dir, time.Now())
		if err != nil {
			p.Log.Warn("could not list folders", "error", err)
			return
		}
		if err := p.Storage.SetFolderStats(folders); err != nil {
			p.Log.Warn("could not store folder inventory", "error", err)
		}
	})
}

// every calls f right away and then on every tick of interval (or def, if
// interval is not positive) until ctx is done.
func every(ctx context.Context, interval, def time.Duration, f func()) {
	if interval <= 0 {
		interval = def
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		f()
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (p *Processor) workerStarted() {
	p.stats.Add(statsSpawnedWorkers, 1)
	p.stats.Add(statsWorkers, 1)
	metrics.DownloadsStarted.Inc()
	metrics.DownloadsActive.Inc()

	if active, ok := p.stats.Get(statsWorkers).(*expvar.Int); ok {
		p.stats.Max(statsMaxWorkers, active.Value())
	}
}

func (p *Processor) workerDone() {
	p.stats.Add(statsWorkers, -1)
	metrics.DownloadsActive.Dec()
}

func (p *Processor) concurrency() int {
	if p.Concurrency <= 0 {
		return defaultConcurrency
	}
	return p.Concurrency
}

func (p *Processor) flagPoll() time.Duration {
	if p.FlagPoll <= 0 {
		return defaultFlagPoll
	}
	return p.FlagPoll
}

func (p *Processor) maxRetries() int {
	if p.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return p.MaxRetries
}

func (p *Processor) backoff() time.Duration {
	if p.Backoff <= 0 {
		return defaultBackoff
	}
	return p.Backoff
}
