package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

var (
	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // was 30 * time.Second
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
)

// Backend publishes events by POSTing them to a webhook.
type Backend struct {
	client *http.Client
	url    string
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg. It
// expects a "url" and an optional "timeout" in seconds.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	url, ok := cfg["url"].(string)
	if !ok || url == "" {
		return errors.New("url must be a non-empty string")
	}
	b.url = url

	clientTimeout := time.Duration(DefaultClientTimeoutSec) * time.Second
	if cfgTimeout, ok := cfg["timeout"]; ok {
		n, ok := cfgTimeout.(json.Number)
		if !ok {
			return errors.New("timeout must be a number")
		}
		t, err := n.Int64()
		if err != nil {
			return err
		}
		clientTimeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   clientTimeout, // Larger than Dial + TLS timeouts
	}

	return nil
}

// Publish posts payload to the webhook. The channel is sent along in the
// X-Event-Channel header.
func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Channel", channel)

	res, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("Received Status: %s", res.Status)
	}
	return nil
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	return nil
}
