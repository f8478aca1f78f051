// Package postprocess contains hooks that run after a download completed.
//
// Hooks are best effort: their failures are logged and never affect the
// outcome of the job.
package postprocess

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/skroutz/downloadq/job"
	"github.com/skroutz/downloadq/processor/filestorage"
)

// Hook runs after the file of j is in place.
type Hook interface {
	Name() string
	Run(ctx context.Context, j *job.Job, res job.Result) error
}

// Runner runs its hooks in order.
type Runner struct {
	Hooks []Hook
	Log   *slog.Logger
}

// Run runs every hook, logging failures.
func (r *Runner) Run(ctx context.Context, j *job.Job, res job.Result) {
	for _, h := range r.Hooks {
		if err := h.Run(ctx, j, res); err != nil {
			r.Log.Warn("post-processing hook failed", "hook", h.Name(), "job_id", j.ID, "error", err)
			continue
		}
		r.Log.Debug("post-processing hook done", "hook", h.Name(), "job_id", j.ID)
	}
}

// LibraryRefresh asks a media server to rescan its libraries, so the new
// file shows up.
type LibraryRefresh struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (h *LibraryRefresh) Name() string { return "library_refresh" }

// Run is a noop without an API key.
func (h *LibraryRefresh) Run(ctx context.Context, j *job.Job, res job.Result) error {
	if h.APIKey == "" {
		return nil
	}

	endpoint := strings.TrimSuffix(h.URL, "/") + "/Library/Refresh?api_key=" + url.QueryEscape(h.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Library refresh failed with status %d: %s", resp.StatusCode, body)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Mirror copies the downloaded file to a secondary storage, keeping its
// folder.
type Mirror struct {
	Storage filestorage.FileStorage
}

func (h *Mirror) Name() string { return "mirror" }

func (h *Mirror) Run(ctx context.Context, j *job.Job, res job.Result) error {
	dst := path.Join(res.Folder, res.Filename)
	return h.Storage.StoreFile(res.Path, dst, map[string]string{
		"job-id": j.ID,
		"url":    j.URL,
	})
}
