// Package storage is an abstraction/utility layer over Redis.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skroutz/downloadq/job"

	"github.com/go-redis/redis"
)

const (
	// JobsQueue is a sorted set (ZSET) with the IDs of pending jobs, scored
	// by the unix time they become ready.
	JobsQueue = "jobs"

	// Each Job has a corresponding Redis Hash named in the form
	// "<JobKeyPrefix><job-id>"
	JobKeyPrefix = "job:"

	// CancelKeyPrefix prefixes the per job cancel flags. A job is cancelled
	// while "<CancelKeyPrefix><job-id>" holds "1".
	CancelKeyPrefix = "download-cancel:"

	// PauseKey holds "1" while the queue is paused.
	PauseKey = "download-queue:paused"

	// HeartbeatKey holds the unix time in milliseconds of the last worker
	// heartbeat.
	HeartbeatKey = "download-worker:heartbeat"

	// FoldersKey holds the JSON encoded folder inventory.
	FoldersKey = "download-folders"

	// Prefix for stats related entries
	statsPrefix = "stats"

	flagSet = "1"
)

var (
	// Atomically pop jobs from a sorted set (ZSET)
	//
	// Each job has a score that points to the time
	// it should be executed.
	//
	// We only pop jobs that are "ready" to execute,
	// so we can implement backoffs by scheduling jobs
	// in the future.
	//
	// Note that we return two different kind of errors,
	// EMPTY & RETRYLATER. We need this distinction in
	// order to decide how long to back off.
	//
	// Both operations are 0(1) since we operate on the
	// left side of an ordered list.
	zpop = redis.NewScript(`
		local key = KEYS[1]
		local max_score = tonumber(ARGV[1])

		-- Get the Job with the smallest score
		local top = redis.call("zrange", key, 0, 0, 'withscores')

		-- Empty ZSET
		if #top == 0 then
			return redis.error_reply("EMPTY")
		end

		local job = top[1]
		local score = tonumber(top[2])

		-- Job is not ready yet
		if score > max_score then
			return redis.error_reply("RETRYLATER")
		end

		-- We have a Job!
		redis.call("zremrangebyrank", key, 0, 0)
		return job
		`)

	// ErrEmptyQueue is returned by ZPOP when there is no job in the queue
	ErrEmptyQueue = errors.New("Queue is empty")
	// ErrRetryLater is returned by ZPOP when there are only future jobs in the queue
	ErrRetryLater = errors.New("Retry again later")
	// ErrNotFound is returned by GetJob when a requested job is not found in
	// Redis.
	ErrNotFound = errors.New("Not Found")
)

// Storage wraps a redis.Client instance.
type Storage struct {
	Redis *redis.Client
}

// New returns a new Storage that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Storage, error) {
	if err := ping(r); err != nil {
		return nil, err
	}
	return &Storage{Redis: r}, nil
}

// Ping checks that Redis is reachable.
func (s *Storage) Ping() error {
	return ping(s.Redis)
}

func ping(r *redis.Client) error {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}
	return nil
}

// SaveJob updates or creates j in Redis.
func (s *Storage) SaveJob(j *job.Job) error {
	m, err := jobToMap(j)
	if err != nil {
		return err
	}
	return s.Redis.HMSet(JobKeyPrefix+j.ID, m).Err()
}

// GetJob fetches the job with the given id from Redis.
// In the case of ErrNotFound, the returned job has valid ID and can be used
// further.
func (s *Storage) GetJob(id string) (job.Job, error) {
	val, err := s.Redis.HGetAll(JobKeyPrefix + id).Result()
	if err != nil {
		return job.Job{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return job.Job{ID: id}, ErrNotFound
	}

	return jobFromMap(val)
}

// RemoveJob removes the job key from Redis.
func (s *Storage) RemoveJob(id string) error {
	return s.Redis.Del(JobKeyPrefix + id).Err()
}

// JobExists checks if the given job exists in Redis.
// If a non-nil error is returned, the first returned value should be ignored.
func (s *Storage) JobExists(id string) (bool, error) {
	return s.exists(JobKeyPrefix + id)
}

// QueuePendingDownload sets the state of a job to "Pending", saves it and
// adds it to the jobs queue.
// If a delay >0 is given, the job is queued with a higher score & actually later in time.
func (s *Storage) QueuePendingDownload(j *job.Job, delay time.Duration) error {
	j.State = job.StatePending
	err := s.SaveJob(j)
	if err != nil {
		return err
	}

	z := redis.Z{
		Member: j.ID,
		Score:  float64(time.Now().Add(delay).Unix()),
	}
	return s.Redis.ZAdd(JobsQueue, z).Err()
}

// PopJob attempts to pop a Job from the jobs queue.
// If it succeeds the job with the popped ID is returned.
func (s *Storage) PopJob() (job.Job, error) {
	return s.pop(JobsQueue)
}

// QueueLength returns the number of pending jobs, including the ones
// scheduled for later.
func (s *Storage) QueueLength() (int64, error) {
	return s.Redis.ZCard(JobsQueue).Result()
}

// UpdateProgress records the progress of an in-flight job.
func (s *Storage) UpdateProgress(id string, bytes int64, total job.NullableInt) error {
	return s.Redis.HMSet(JobKeyPrefix+id, map[string]interface{}{
		"Bytes":      bytes,
		"TotalBytes": total,
	}).Err()
}

// InProgressJobs scans Redis for jobs in the InProgress state.
func (s *Storage) InProgressJobs() ([]job.Job, error) {
	var cursor uint64
	var jobs []job.Job

	for {
		var keys []string
		var err error
		keys, cursor, err = s.Redis.Scan(cursor, JobKeyPrefix+"*", 50).Result()
		if err != nil {
			return jobs, err
		}

		for _, key := range keys {
			state, err := s.Redis.HGet(key, "State").Result()
			if err != nil {
				continue
			}
			if job.State(state) != job.StateInProgress {
				continue
			}
			j, err := s.GetJob(strings.TrimPrefix(key, JobKeyPrefix))
			if err != nil {
				continue
			}
			jobs = append(jobs, j)
		}

		if cursor == 0 {
			break
		}
	}

	return jobs, nil
}

// CancelRequested reports whether the cancel flag of job id is set.
func (s *Storage) CancelRequested(id string) (bool, error) {
	return s.flag(CancelKeyPrefix + id)
}

// RequestCancel sets the cancel flag of job id. The flag expires after ttl.
func (s *Storage) RequestCancel(id string, ttl time.Duration) error {
	return s.Redis.Set(CancelKeyPrefix+id, flagSet, ttl).Err()
}

// ClearCancel removes the cancel flag of job id.
func (s *Storage) ClearCancel(id string) error {
	return s.Redis.Del(CancelKeyPrefix + id).Err()
}

// Paused reports whether the queue is paused.
func (s *Storage) Paused() (bool, error) {
	return s.flag(PauseKey)
}

// SetPaused pauses or resumes the queue.
func (s *Storage) SetPaused(paused bool) error {
	if paused {
		return s.Redis.Set(PauseKey, flagSet, 0).Err()
	}
	return s.Redis.Del(PauseKey).Err()
}

// Beat records a worker heartbeat at t, that expires after ttl.
func (s *Storage) Beat(t time.Time, ttl time.Duration) error {
	return s.Redis.Set(HeartbeatKey, strconv.FormatInt(t.UnixMilli(), 10), ttl).Err()
}

// LastBeat returns the time of the last heartbeat, or ErrNotFound if there
// is no live one.
func (s *Storage) LastBeat() (time.Time, error) {
	val, err := s.Redis.Get(HeartbeatKey).Result()
	if err == redis.Nil {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("Invalid heartbeat %q: %v", val, err)
	}
	return time.UnixMilli(ms), nil
}

// SetFolderStats replaces the folder inventory.
func (s *Storage) SetFolderStats(stats []job.FolderStat) error {
	if stats == nil {
		stats = []job.FolderStat{}
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.Redis.Set(FoldersKey, data, 0).Err()
}

// GetFolderStats returns the folder inventory, or ErrNotFound if none was
// reported yet.
func (s *Storage) GetFolderStats() ([]job.FolderStat, error) {
	data, err := s.Redis.Get(FoldersKey).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var stats []job.FolderStat
	err = json.Unmarshal(data, &stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	if j.ID == "" {
		return nil, errors.New("Job has no ID")
	}

	return map[string]interface{}{
		"ID":         j.ID,
		"URL":        j.URL,
		"Folder":     j.Folder,
		"CreatedAt":  formatTime(j.CreatedAt),
		"State":      j.State,
		"Attempts":   j.Attempts,
		"Error":      j.Error,
		"Bytes":      j.Bytes,
		"TotalBytes": j.TotalBytes,
		"Filename":   j.Filename,
		"StartedAt":  formatTime(j.StartedAt),
		"FinishedAt": formatTime(j.FinishedAt),
	}, nil
}

func jobFromMap(m map[string]string) (job.Job, error) {
	var err error
	j := job.Job{}
	for k, v := range m {
		switch k {
		case "ID":
			j.ID = v
		case "URL":
			j.URL = v
		case "Folder":
			j.Folder = v
		case "CreatedAt":
			j.CreatedAt, err = parseTime(v)
		case "State":
			j.State = job.State(v)
		case "Attempts":
			j.Attempts, err = strconv.Atoi(v)
		case "Error":
			j.Error = v
		case "Bytes":
			j.Bytes, err = strconv.ParseInt(v, 10, 64)
		case "TotalBytes":
			err = j.TotalBytes.UnmarshalBinary([]byte(v))
		case "Filename":
			j.Filename = v
		case "StartedAt":
			j.StartedAt, err = parseTime(v)
		case "FinishedAt":
			j.FinishedAt, err = parseTime(v)
		default:
			return j, fmt.Errorf("Field %s with value %s was not found in Job struct", k, v)
		}
		if err != nil {
			return j, fmt.Errorf("Could not decode field %s from map: %v", k, err)
		}
	}
	return j, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// Checks if key exists in Redis
func (s *Storage) exists(key string) (bool, error) {
	res, err := s.Redis.Exists(key).Result()
	return res > 0, err
}

// flag reports whether key holds "1".
func (s *Storage) flag(key string) (bool, error) {
	val, err := s.Redis.Get(key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == flagSet, nil
}

// POPs from list and returns the corresponding job
func (s *Storage) pop(list string) (job.Job, error) {
	val, err := zpop.Run(s.Redis, []string{list}, time.Now().Unix()).Result()

	if err != nil {
		switch err.Error() {
		case "EMPTY":
			return job.Job{}, ErrEmptyQueue
		case "RETRYLATER":
			return job.Job{}, ErrRetryLater
		default:
			return job.Job{}, fmt.Errorf("Could not zpop: %s", err)
		}
	}

	// ZPOP should always return a string
	jobID, ok := val.(string)
	if !ok {
		panic(fmt.Sprintf("zpop replied with '%#v', it should be a string!", val))
	}

	return s.GetJob(jobID)
}

// GetStats fetches stats prefixed entries from Redis
func (s *Storage) GetStats(id string) ([]byte, error) {
	getCmd := s.Redis.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Storage) SetStats(id, stats string, expiration time.Duration) error {
	return s.Redis.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}
