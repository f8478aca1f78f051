package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	derrors "github.com/skroutz/downloadq/processor/errors"
)

var errServiceCancelled = errors.New("Cancelled")

// Service delegates resolution to an external HTTP service, typically one
// driving a real browser. The service receives
//
//	POST <Endpoint> {"url": "..."}
//
// and replies with
//
//	{"url": "...", "headers": {"...": "..."}}
//
// Resolutions through a browser may take minutes, so the request is bounded
// by Timeout and aborted early if the job gets cancelled.
type Service struct {
	Endpoint string
	Client   *http.Client
	Timeout  time.Duration

	// PollInterval is how often the cancellation predicate is checked.
	PollInterval time.Duration
}

type serviceRequest struct {
	URL string `json:"url"`
}

type serviceResponse struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

func (s *Service) Resolve(ctx context.Context, rawURL string, cancelled func() bool) (Resolution, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	poll := s.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	go func() {
		tick := time.NewTicker(poll)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if cancelled() {
					abort(errServiceCancelled)
					return
				}
			}
		}
	}()

	body, err := json.Marshal(serviceRequest{URL: rawURL})
	if err != nil {
		return Resolution{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Resolution{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(context.Cause(ctx), errServiceCancelled) {
			return Resolution{}, derrors.Cancelled("resolving url", errServiceCancelled)
		}
		return Resolution{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return Resolution{}, fmt.Errorf("Resolution service replied with status %d", resp.StatusCode)
	}

	var sr serviceResponse
	err = json.NewDecoder(resp.Body).Decode(&sr)
	if err != nil {
		if errors.Is(context.Cause(ctx), errServiceCancelled) {
			return Resolution{}, derrors.Cancelled("resolving url", errServiceCancelled)
		}
		return Resolution{}, fmt.Errorf("Could not decode resolution: %w", err)
	}
	if sr.URL == "" {
		return Resolution{}, errors.New("Resolution service replied with an empty url")
	}

	return Resolution{URL: sr.URL, Header: sr.Headers}, nil
}
