// Package api is the control surface of the queue: it enqueues jobs, reports
// their state and lets operators cancel jobs or pause the whole queue.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skroutz/downloadq/job"
	"github.com/skroutz/downloadq/metrics"
	"github.com/skroutz/downloadq/storage"
)

// Worker liveness as reported by /health.
const (
	WorkerOK      = "ok"
	WorkerStale   = "stale"
	WorkerUnknown = "unknown"
)

// Store is the part of the queue the API needs.
type Store interface {
	Ping() error

	GetJob(id string) (job.Job, error)
	JobExists(id string) (bool, error)
	QueuePendingDownload(j *job.Job, delay time.Duration) error
	QueueLength() (int64, error)

	RequestCancel(id string, ttl time.Duration) error
	Paused() (bool, error)
	SetPaused(paused bool) error

	LastBeat() (time.Time, error)
	GetFolderStats() ([]job.FolderStat, error)
	GetStats(id string) ([]byte, error)
}

type API struct {
	Server  *http.Server
	Storage Store

	// HeartbeatThreshold is the age after which the worker is stale.
	HeartbeatThreshold time.Duration

	// CancelTTL is how long cancel flags live.
	CancelTTL time.Duration

	Log *slog.Logger

	validate *validator.Validate
	now      func() time.Time
}

// queueRequest is the body of POST /queue.
type queueRequest struct {
	Action string `json:"action" validate:"required,oneof=pause resume"`
}

// jobView is the representation of a job in responses.
type jobView struct {
	ID         string          `json:"id"`
	URL        string          `json:"url"`
	Folder     string          `json:"folder"`
	Status     job.State       `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	Bytes      int64           `json:"bytes"`
	TotalBytes job.NullableInt `json:"totalBytes"`
	Filename   string          `json:"filename,omitempty"`
	CreatedAt  *time.Time      `json:"createdAt,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

type health struct {
	Redis              string     `json:"redis"`
	Worker             string     `json:"worker"`
	QueuePaused        bool       `json:"queuePaused"`
	LastHeartbeatAt    *time.Time `json:"lastHeartbeatAt"`
	LastHeartbeatAgeMs *int64     `json:"lastHeartbeatAgeMs"`
}

// New returns an API listening on host:port.
func New(s Store, host string, port int, logger *slog.Logger) *API {
	as := &API{
		Storage:            s,
		HeartbeatThreshold: 15 * time.Second,
		CancelTTL:          time.Hour,
		Log:                logger,
		validate:           validator.New(),
		now:                time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", as.enqueue)
		r.Get("/{id}", as.getJob)
		r.Delete("/{id}", as.cancelJob)
	})
	r.Get("/queue", as.getQueue)
	r.Post("/queue", as.setQueue)
	r.Get("/health", as.health)
	r.Get("/folders", as.folders)
	r.Get("/stats/{id}", as.stats)
	r.Handle("/metrics", promhttp.Handler())

	as.Server = &http.Server{Handler: r, Addr: host + ":" + strconv.Itoa(port)}
	return as
}

func (as *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	as.Server.Handler.ServeHTTP(w, r)
}

// enqueue enqueues new downloads to the backend Redis instance
func (as *API) enqueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var j job.Job
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := as.validate.Var(j.URL, "required,http_url"); err != nil {
		writeError(w, http.StatusBadRequest, "URL must be an absolute http(s) URL")
		return
	}
	if err := as.validate.Var(j.ID, "omitempty,max=128,printascii,excludesall=/\\"); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	if j.Folder != "" {
		known, err := as.knownFolder(j.Folder)
		if err != nil {
			as.Log.Error("could not read folder inventory", "error", err)
			writeError(w, http.StatusInternalServerError, "Error queuing download: "+err.Error())
			return
		}
		if !known {
			writeError(w, http.StatusBadRequest, "Unknown folder: "+j.Folder)
			return
		}
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	} else {
		exists, err := as.Storage.JobExists(j.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Error queuing download: "+err.Error())
			return
		}
		if exists {
			writeError(w, http.StatusConflict, "Job with provided id already exists")
			return
		}
	}

	j.CreatedAt = as.now().UTC()
	if err := as.Storage.QueuePendingDownload(&j, 0); err != nil {
		as.Log.Error("could not queue download", "job_id", j.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Error queuing download: "+err.Error())
		return
	}

	metrics.JobsEnqueued.Inc()
	as.Log.Info("job received", "job_id", j.ID, "url", j.URL, "folder", j.Folder)
	writeJSON(w, http.StatusCreated, newJobView(j))
}

// knownFolder reports whether name is in the folder inventory. Without an
// inventory every folder is accepted and checked by the worker.
func (as *API) knownFolder(name string) (bool, error) {
	folders, err := as.Storage.GetFolderStats()
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	for _, f := range folders {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (as *API) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := as.Storage.GetJob(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

// cancelJob raises the cancel flag of a job. The worker running it, or the
// first one to pick it up, deletes its file and publishes the cancellation.
// Cancelling a finished job does nothing.
func (as *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := as.Storage.GetJob(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if j.State.IsFinished() {
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cancelRequested": false, "status": j.State})
		return
	}

	if err := as.Storage.RequestCancel(id, as.CancelTTL); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	as.Log.Info("cancel requested", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "cancelRequested": true, "status": j.State})
}

func (as *API) getQueue(w http.ResponseWriter, r *http.Request) {
	paused, err := as.Storage.Paused()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := as.Storage.QueueLength()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": paused, "pending": pending})
}

func (as *API) setQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := as.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, `action must be "pause" or "resume"`)
		return
	}

	paused := req.Action == "pause"
	if err := as.Storage.SetPaused(paused); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	as.Log.Info("queue "+req.Action+"d", "paused", paused)
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": paused})
}

func (as *API) health(w http.ResponseWriter, r *http.Request) {
	h := health{Redis: "ok", Worker: WorkerUnknown}

	if err := as.Storage.Ping(); err != nil {
		h.Redis = "down"
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}

	paused, err := as.Storage.Paused()
	if err != nil {
		as.Log.Warn("could not read pause flag", "error", err)
	}
	h.QueuePaused = paused

	last, err := as.Storage.LastBeat()
	switch {
	case err == nil:
		age := as.now().Sub(last).Milliseconds()
		h.LastHeartbeatAt = &last
		h.LastHeartbeatAgeMs = &age
		h.Worker = WorkerOK
		if age > as.HeartbeatThreshold.Milliseconds() {
			h.Worker = WorkerStale
		}
	case !errors.Is(err, storage.ErrNotFound):
		as.Log.Warn("could not read heartbeat", "error", err)
	}

	writeJSON(w, http.StatusOK, h)
}

func (as *API) folders(w http.ResponseWriter, r *http.Request) {
	folders, err := as.Storage.GetFolderStats()
	if errors.Is(err, storage.ErrNotFound) {
		folders = []job.FolderStat{}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, folders)
}

func (as *API) stats(w http.ResponseWriter, r *http.Request) {
	data, err := as.Storage.GetStats(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "No stats")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func newJobView(j job.Job) jobView {
	v := jobView{
		ID:         j.ID,
		URL:        j.URL,
		Folder:     j.Folder,
		Status:     j.State,
		Attempts:   j.Attempts,
		Error:      j.Error,
		Bytes:      j.Bytes,
		TotalBytes: j.TotalBytes,
		Filename:   j.Filename,
	}
	if v.Status == "" {
		v.Status = job.StatePending
	}
	for _, t := range []struct {
		src time.Time
		dst **time.Time
	}{{j.CreatedAt, &v.CreatedAt}, {j.StartedAt, &v.StartedAt}, {j.FinishedAt, &v.FinishedAt}} {
		if !t.src.IsZero() {
			ts := t.src
			*t.dst = &ts
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
