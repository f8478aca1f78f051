package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// State represents the state of a job as tracked by the queue.
// For valid values see constants below.
type State string

// The available states of a job.
const (
	StatePending    = "Pending"
	StateInProgress = "InProgress"
	StateSuccess    = "Success"
	StateFailed     = "Failed"
	StateCancelled  = "Cancelled"
)

// Job represents a user request for downloading a resource into one of the
// folders of the storage root.
//
// The queue owns a Job. Workers borrow it for the duration of one attempt and
// only touch the bookkeeping fields (State, Attempts, Error, Bytes...), never
// URL or Folder.
type Job struct {
	// Assigned by the queue
	ID string `json:"id"`

	// The URL pointing to the resource to be downloaded
	URL string `json:"url"`

	// Folder is the logical name of a subdirectory of the storage root.
	// Empty means the root itself.
	Folder string `json:"folder,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	State State `json:"-"`

	// How many download attempts were made
	Attempts int `json:"-"`

	// Auxiliary ad-hoc information. Typically the error of the last
	// attempt.
	Error string `json:"-"`

	// Progress as last reported by a worker
	Bytes      int64       `json:"-"`
	TotalBytes NullableInt `json:"-"`

	// Filename of the downloaded resource, set on success
	Filename string `json:"-"`

	StartedAt  time.Time `json:"-"`
	FinishedAt time.Time `json:"-"`
}

// Result is returned by a successful download attempt.
type Result struct {
	Filename   string      `json:"filename"`
	Bytes      int64       `json:"bytes"`
	TotalBytes NullableInt `json:"totalBytes"`

	// Folder and Path locate the downloaded file on disk
	Folder string `json:"-"`
	Path   string `json:"-"`
}

// MarshalBinary is used by redis driver to marshall custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// IsFinished reports whether s is a terminal state.
func (s State) IsFinished() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// UnmarshalJSON is used to populate a job from the values in
// the provided JSON message.
func (j *Job) UnmarshalJSON(b []byte) error {
	var tmp map[string]interface{}

	err := json.Unmarshal(b, &tmp)
	if err != nil {
		return err
	}

	if id, ok := tmp["id"]; ok {
		s, ok := id.(string)
		if !ok {
			return errors.New("id must be a string")
		}
		j.ID = s
	}

	dlURL, ok := tmp["url"].(string)
	if !ok {
		return errors.New("URL must be a string")
	}
	dlURL = strings.TrimSpace(dlURL)
	_, err = url.ParseRequestURI(dlURL)
	if err != nil {
		return errors.New("Could not parse URL: " + err.Error())
	}
	j.URL = dlURL

	if f, ok := tmp["folder"]; ok && f != nil {
		folder, ok := f.(string)
		if !ok {
			return errors.New("folder must be a string")
		}
		folder = strings.TrimSpace(folder)
		if folder != "" && !IsSafeFolderName(folder) {
			return fmt.Errorf("Invalid folder name: %q", folder)
		}
		j.Folder = folder
	}

	if c, ok := tmp["created_at"].(string); ok {
		j.CreatedAt, err = time.Parse(time.RFC3339Nano, c)
		if err != nil {
			return errors.New("Could not parse created_at: " + err.Error())
		}
	}

	return nil
}

// IsSafeFolderName reports whether name may be used as a folder below the
// storage root: non-empty, a single path element and no parent references.
func IsSafeFolderName(name string) bool {
	return name != "" &&
		!strings.Contains(name, "..") &&
		!strings.ContainsAny(name, `/\`) &&
		!strings.ContainsRune(name, 0)
}

func (j Job) String() string {
	return fmt.Sprintf("Job{ID:%s, URL:%s, Folder:%s, State:%s, Attempts:%d}",
		j.ID, j.URL, j.Folder, j.State, j.Attempts)
}
