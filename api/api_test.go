package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skroutz/downloadq/job"
	"github.com/skroutz/downloadq/storage"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu sync.Mutex

	jobs    map[string]job.Job
	queue   []string
	cancels map[string]time.Duration
	paused  bool
	beat    time.Time
	folders []job.FolderStat
	stats   map[string][]byte
	down    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]job.Job),
		cancels: make(map[string]time.Duration),
		stats:   make(map[string][]byte),
	}
}

func (s *fakeStore) Ping() error { return s.down }

func (s *fakeStore) GetJob(id string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, storage.ErrNotFound
	}
	return j, nil
}

func (s *fakeStore) JobExists(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok, nil
}

func (s *fakeStore) QueuePendingDownload(j *job.Job, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.State = job.StatePending
	s.jobs[j.ID] = *j
	s.queue = append(s.queue, j.ID)
	return nil
}

func (s *fakeStore) QueueLength() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

func (s *fakeStore) RequestCancel(id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = ttl
	return nil
}

func (s *fakeStore) Paused() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused, nil
}

func (s *fakeStore) SetPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	return nil
}

func (s *fakeStore) LastBeat() (time.Time, error) {
	if s.beat.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return s.beat, nil
}

func (s *fakeStore) GetFolderStats() ([]job.FolderStat, error) {
	if s.folders == nil {
		return nil, storage.ErrNotFound
	}
	return s.folders, nil
}

func (s *fakeStore) GetStats(id string) ([]byte, error) {
	return s.stats[id], nil
}

func newTestAPI(s *fakeStore) *API {
	as := New(s, "localhost", 8000, slog.New(slog.NewTextHandler(io.Discard, nil)))
	as.now = func() time.Time { return now }
	return as
}

func do(t *testing.T, as *API, method, path, body string) (int, map[string]interface{}) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	as.ServeHTTP(w, req)

	res := w.Result()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var out map[string]interface{}
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return res.StatusCode, out
}

func TestEnqueue(t *testing.T) {
	cases := map[string]int{
		`{"url":"https://example.com/file.iso","folder":"movies"}`: http.StatusCreated,
		`{"url":"  http://example.com/a.bin  "}`:                   http.StatusCreated,
		`{"id":"custom-1","url":"http://example.com/a.bin"}`:       http.StatusCreated,

		`meh`:           http.StatusBadRequest,
		`{"goo":"bar"}`: http.StatusBadRequest,
		// not http(s)
		`{"url":"ftp://example.com/a.bin"}`: http.StatusBadRequest,
		`{"url":"example.com/a.bin"}`:       http.StatusBadRequest,
		// unsafe folders
		`{"url":"http://example.com/a","folder":"../etc"}`: http.StatusBadRequest,
		`{"url":"http://example.com/a","folder":"a/b"}`:    http.StatusBadRequest,
		// unknown folder
		`{"url":"http://example.com/a","folder":"music"}`: http.StatusBadRequest,
		// invalid id
		`{"id":"a/b","url":"http://example.com/a"}`: http.StatusBadRequest,
	}

	for data, expected := range cases {
		s := newFakeStore()
		s.folders = []job.FolderStat{{Name: "movies"}}
		as := newTestAPI(s)

		code, body := do(t, as, "POST", "/jobs", data)
		require.Equal(t, expected, code, "%s: %v", data, body)

		if expected != http.StatusCreated {
			assert.NotEmpty(t, body["error"], data)
			assert.Empty(t, s.queue, data)
			continue
		}

		assert.Equal(t, "Pending", body["status"])
		require.Len(t, s.queue, 1)
		j := s.jobs[s.queue[0]]
		assert.Equal(t, body["id"], j.ID)
		assert.Equal(t, now, j.CreatedAt)
		assert.False(t, strings.HasPrefix(j.URL, " "))
	}
}

func TestEnqueueAssignsIDs(t *testing.T) {
	s := newFakeStore()
	as := newTestAPI(s)

	code, a := do(t, as, "POST", "/jobs", `{"url":"http://example.com/a"}`)
	require.Equal(t, http.StatusCreated, code)
	code, b := do(t, as, "POST", "/jobs", `{"url":"http://example.com/a"}`)
	require.Equal(t, http.StatusCreated, code)

	assert.NotEqual(t, a["id"], b["id"])
	_, err := uuid.Parse(a["id"].(string))
	assert.NoError(t, err)

	// without an inventory any safe folder is accepted
	code, _ = do(t, as, "POST", "/jobs", `{"url":"http://example.com/a","folder":"new"}`)
	assert.Equal(t, http.StatusCreated, code)
}

func TestEnqueueDuplicateID(t *testing.T) {
	s := newFakeStore()
	as := newTestAPI(s)

	code, _ := do(t, as, "POST", "/jobs", `{"id":"42","url":"http://example.com/a"}`)
	require.Equal(t, http.StatusCreated, code)
	code, _ = do(t, as, "POST", "/jobs", `{"id":"42","url":"http://example.com/b"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Len(t, s.queue, 1)
	assert.Equal(t, "http://example.com/a", s.jobs["42"].URL)
}

func TestGetJob(t *testing.T) {
	s := newFakeStore()
	s.jobs["42"] = job.Job{
		ID:         "42",
		URL:        "http://example.com/a.bin",
		State:      job.StateInProgress,
		Attempts:   1,
		Bytes:      100,
		TotalBytes: job.Int(1000),
		StartedAt:  now,
	}
	as := newTestAPI(s)

	code, body := do(t, as, "GET", "/jobs/42", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "InProgress", body["status"])
	assert.Equal(t, float64(100), body["bytes"])
	assert.Equal(t, float64(1000), body["totalBytes"])
	assert.Equal(t, now.Format(time.RFC3339), body["startedAt"])
	assert.NotContains(t, body, "finishedAt")

	code, _ = do(t, as, "GET", "/jobs/43", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelJob(t *testing.T) {
	s := newFakeStore()
	s.jobs["pending"] = job.Job{ID: "pending", State: job.StatePending}
	s.jobs["done"] = job.Job{ID: "done", State: job.StateSuccess}
	as := newTestAPI(s)
	as.CancelTTL = 10 * time.Minute

	code, body := do(t, as, "DELETE", "/jobs/pending", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["cancelRequested"])
	assert.Equal(t, 10*time.Minute, s.cancels["pending"])

	code, body = do(t, as, "DELETE", "/jobs/done", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["cancelRequested"])
	assert.NotContains(t, s.cancels, "done")

	code, _ = do(t, as, "DELETE", "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQueue(t *testing.T) {
	s := newFakeStore()
	s.queue = []string{"1", "2"}
	as := newTestAPI(s)

	code, body := do(t, as, "GET", "/queue", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["paused"])
	assert.Equal(t, float64(2), body["pending"])

	code, body = do(t, as, "POST", "/queue", `{"action":"pause"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["paused"])
	assert.True(t, s.paused)

	code, _ = do(t, as, "POST", "/queue", `{"action":"resume"}`)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, s.paused)

	for _, data := range []string{`{"action":"stop"}`, `{}`, `nope`} {
		code, _ = do(t, as, "POST", "/queue", data)
		assert.Equal(t, http.StatusBadRequest, code, data)
	}
}

func TestHealth(t *testing.T) {
	s := newFakeStore()
	as := newTestAPI(s)
	as.HeartbeatThreshold = 15 * time.Second

	code, body := do(t, as, "GET", "/health", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["redis"])
	assert.Equal(t, WorkerUnknown, body["worker"])
	assert.Nil(t, body["lastHeartbeatAt"])

	s.beat = now.Add(-2 * time.Second)
	s.paused = true
	_, body = do(t, as, "GET", "/health", "")
	assert.Equal(t, WorkerOK, body["worker"])
	assert.Equal(t, float64(2000), body["lastHeartbeatAgeMs"])
	assert.Equal(t, true, body["queuePaused"])

	s.beat = now.Add(-time.Minute)
	_, body = do(t, as, "GET", "/health", "")
	assert.Equal(t, WorkerStale, body["worker"])

	s.down = errors.New("connection refused")
	code, body = do(t, as, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "down", body["redis"])
}

func TestFolders(t *testing.T) {
	s := newFakeStore()
	as := newTestAPI(s)

	req := httptest.NewRequest("GET", "/folders", nil)
	w := httptest.NewRecorder()
	as.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	s.folders = []job.FolderStat{{Name: "movies", Path: "/data/movies", SizeBytes: 10}}
	w = httptest.NewRecorder()
	as.ServeHTTP(w, req)

	var folders []job.FolderStat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &folders))
	assert.Equal(t, s.folders, folders)
}

func TestStats(t *testing.T) {
	s := newFakeStore()
	s.stats["processor"] = []byte(`{"workers":1}`)
	as := newTestAPI(s)

	code, body := do(t, as, "GET", "/stats/processor", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["workers"])

	code, _ = do(t, as, "GET", "/stats/api", "")
	assert.Equal(t, http.StatusNotFound, code)
}
