package job

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a lifecycle or progress notification.
type EventType string

// The event types published for a job attempt, in the order they may occur:
// started, metadata?, progress*, then exactly one of completed, failed or
// cancelled.
const (
	EventStarted   EventType = "started"
	EventMetadata  EventType = "metadata"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is implemented by the event kinds declared in this package only.
type Event interface {
	Type() EventType
	Job() string

	// Terminal reports whether no further events follow for the attempt.
	Terminal() bool

	event()
}

// Started is published when a worker accepts a job.
type Started struct {
	JobID  string
	URL    string
	Folder string
}

// Metadata is published once the size of the resource is known (or known
// to be unknown).
type Metadata struct {
	JobID      string
	URL        string
	TotalBytes NullableInt
}

// Progress is published every time the throttle threshold is crossed.
type Progress struct {
	JobID      string
	URL        string
	Bytes      int64
	TotalBytes NullableInt
}

// Completed is published when the file is in place.
type Completed struct {
	JobID      string
	URL        string
	Bytes      int64
	TotalBytes NullableInt
	Filename   string
}

// Failed carries a human readable error.
type Failed struct {
	JobID string
	URL   string
	Err   string
}

// Cancelled is published after the partial file is removed.
type Cancelled struct {
	JobID string
	URL   string
}

func (Started) Type() EventType   { return EventStarted }
func (Metadata) Type() EventType  { return EventMetadata }
func (Progress) Type() EventType  { return EventProgress }
func (Completed) Type() EventType { return EventCompleted }
func (Failed) Type() EventType    { return EventFailed }
func (Cancelled) Type() EventType { return EventCancelled }

func (e Started) Job() string   { return e.JobID }
func (e Metadata) Job() string  { return e.JobID }
func (e Progress) Job() string  { return e.JobID }
func (e Completed) Job() string { return e.JobID }
func (e Failed) Job() string    { return e.JobID }
func (e Cancelled) Job() string { return e.JobID }

func (Started) Terminal() bool   { return false }
func (Metadata) Terminal() bool  { return false }
func (Progress) Terminal() bool  { return false }
func (Completed) Terminal() bool { return true }
func (Failed) Terminal() bool    { return true }
func (Cancelled) Terminal() bool { return true }

func (Started) event()   {}
func (Metadata) event()  {}
func (Progress) event()  {}
func (Completed) event() {}
func (Failed) event()    {}
func (Cancelled) event() {}

// payload is the wire representation of every event kind. Optional fields
// are pointers so that each kind only carries its own fields, while
// totalBytes keeps an explicit null when it is part of the kind.
type payload struct {
	Type       EventType    `json:"type"`
	JobID      string       `json:"jobId"`
	URL        string       `json:"url,omitempty"`
	Folder     string       `json:"folder,omitempty"`
	Bytes      *int64       `json:"bytes,omitempty"`
	TotalBytes *NullableInt `json:"totalBytes,omitempty"`
	Filename   string       `json:"filename,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// MarshalEvent encodes e to its JSON payload.
func MarshalEvent(e Event) ([]byte, error) {
	p := payload{Type: e.Type(), JobID: e.Job()}

	switch ev := e.(type) {
	case Started:
		p.URL, p.Folder = ev.URL, ev.Folder
	case Metadata:
		p.URL, p.TotalBytes = ev.URL, &ev.TotalBytes
	case Progress:
		p.URL, p.Bytes, p.TotalBytes = ev.URL, &ev.Bytes, &ev.TotalBytes
	case Completed:
		p.URL, p.Bytes, p.TotalBytes, p.Filename = ev.URL, &ev.Bytes, &ev.TotalBytes, ev.Filename
	case Failed:
		p.URL, p.Error = ev.URL, ev.Err
	case Cancelled:
		p.URL = ev.URL
	default:
		return nil, fmt.Errorf("Unknown event %T", e)
	}

	return json.Marshal(p)
}

// UnmarshalEvent decodes a payload produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	var bytes int64
	if p.Bytes != nil {
		bytes = *p.Bytes
	}
	var total NullableInt
	if p.TotalBytes != nil {
		total = *p.TotalBytes
	}

	switch p.Type {
	case EventStarted:
		return Started{JobID: p.JobID, URL: p.URL, Folder: p.Folder}, nil
	case EventMetadata:
		return Metadata{JobID: p.JobID, URL: p.URL, TotalBytes: total}, nil
	case EventProgress:
		return Progress{JobID: p.JobID, URL: p.URL, Bytes: bytes, TotalBytes: total}, nil
	case EventCompleted:
		return Completed{JobID: p.JobID, URL: p.URL, Bytes: bytes, TotalBytes: total, Filename: p.Filename}, nil
	case EventFailed:
		return Failed{JobID: p.JobID, URL: p.URL, Err: p.Error}, nil
	case EventCancelled:
		return Cancelled{JobID: p.JobID, URL: p.URL}, nil
	}

	return nil, fmt.Errorf("Unknown event type %q", p.Type)
}
