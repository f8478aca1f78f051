package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/skroutz/downloadq/processor/errors"
)

func never() bool { return false }

type staticResolver struct {
	res   Resolution
	err   error
	calls int
}

func (s *staticResolver) Resolve(ctx context.Context, rawURL string, cancelled func() bool) (Resolution, error) {
	s.calls++
	return s.res, s.err
}

func TestDirect(t *testing.T) {
	res, err := Direct{}.Resolve(context.Background(), "http://x/test.bin", never)
	require.NoError(t, err)
	assert.Equal(t, "http://x/test.bin", res.URL)
	assert.Empty(t, res.Header)
}

func TestRuleMatches(t *testing.T) {
	rule := Rule{HostSuffix: "example.com"}
	cases := map[string]bool{
		"http://example.com/a":     true,
		"http://www.example.com/a": true,
		"http://EXAMPLE.com/a":     true,
		"http://badexample.com/a":  false,
		"http://example.com.evil/": false,
	}

	for raw, expected := range cases {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, expected, rule.Matches(u), raw)
	}
}

func TestChain(t *testing.T) {
	first := &staticResolver{res: Resolution{
		URL:    "http://cdn.mirror.net/file.mkv",
		Header: map[string]string{"Referer": "http://share.example.com/", "User-Agent": "a"},
	}}
	second := &staticResolver{res: Resolution{
		URL:    "http://cdn2.mirror.net/file.mkv",
		Header: map[string]string{"User-Agent": "b"},
	}}
	unused := &staticResolver{}

	chain := &Chain{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rules: []Rule{
			{HostSuffix: "example.com", Resolver: first},
			{HostSuffix: "other.org", Resolver: unused},
			{HostSuffix: "mirror.net", Resolver: second},
		},
	}

	res, err := chain.Resolve(context.Background(), "http://share.example.com/f/123", never)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn2.mirror.net/file.mkv", res.URL)
	assert.Equal(t, map[string]string{"Referer": "http://share.example.com/", "User-Agent": "b"}, res.Header)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, unused.calls)
}

func TestChainFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := &staticResolver{res: Resolution{
		URL:    "http://files.protected.net/f/123",
		Header: map[string]string{"Cookie": "s=1"},
	}}
	failing := &staticResolver{err: errors.New("browser crashed")}

	// a later failure keeps what the earlier rules resolved
	chain := &Chain{Log: logger, Rules: []Rule{
		{HostSuffix: "example.com", Resolver: session},
		{HostSuffix: "protected.net", Resolver: failing},
	}}
	res, err := chain.Resolve(context.Background(), "http://share.example.com/f", never)
	require.NoError(t, err)
	assert.Equal(t, "http://files.protected.net/f/123", res.URL)
	assert.Equal(t, map[string]string{"Cookie": "s=1"}, res.Header)
	assert.Equal(t, 1, failing.calls)

	// an earlier failure does not stop the later rules
	protected := &staticResolver{res: Resolution{URL: "http://cdn.protected.net/file.mkv"}}
	chain = &Chain{Log: logger, Rules: []Rule{
		{HostSuffix: "protected.net", Resolver: failing},
		{HostSuffix: "protected.net", Resolver: protected},
	}}
	res, err = chain.Resolve(context.Background(), "http://files.protected.net/f/123", never)
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.protected.net/file.mkv", res.URL)
	assert.Equal(t, 1, protected.calls)

	// a lone failing rule leaves the url untouched
	chain = &Chain{Log: logger, Rules: []Rule{{HostSuffix: "example.com", Resolver: failing}}}
	res, err = chain.Resolve(context.Background(), "http://example.com/f", never)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/f", res.URL)
	assert.Empty(t, res.Header)

	_, err = chain.Resolve(context.Background(), "http://example.com/f", func() bool { return true })
	assert.True(t, derrors.IsCancelled(err))

	_, err = chain.Resolve(context.Background(), "http://exa mple.com/%zz", never)
	require.Error(t, err)
	assert.Equal(t, derrors.KindResolution, derrors.KindOf(err))
}

func TestCookieHeader(t *testing.T) {
	now := time.Unix(1700000000, 0)
	cookies := []Cookie{
		{Name: "sid", Value: "1", Domain: ".example.com", Path: "/"},
		{Name: "xfss", Value: "2", Domain: "example.com", Expires: float64(now.Add(time.Hour).Unix())},
		{Name: "old", Value: "3", Domain: "example.com", Expires: float64(now.Add(-time.Hour).Unix())},
		{Name: "other", Value: "4", Domain: "other.org"},
		{Name: "scoped", Value: "5", Domain: "example.com", Path: "/private"},
		{Name: "nodomain", Value: "6"},
	}

	u, _ := url.Parse("http://dl.example.com/files/a.mkv")
	assert.Equal(t, "sid=1; xfss=2", CookieHeader(u, cookies, now))

	u, _ = url.Parse("http://example.com/private/a.mkv")
	assert.Equal(t, "sid=1; xfss=2; scoped=5", CookieHeader(u, cookies, now))
}

func TestSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.json")
	data, err := json.Marshal([]Cookie{{Name: "sid", Value: "abc", Domain: ".example.com"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	s := &Session{
		CookieFile: path,
		UserAgent:  "Mozilla/5.0 session",
		Referer:    "https://www.example.com/login?x=1",
	}

	res, err := s.Resolve(context.Background(), "https://dl.example.com/a.mkv", never)
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example.com/a.mkv", res.URL)
	assert.Equal(t, map[string]string{
		"Cookie":     "sid=abc",
		"User-Agent": "Mozilla/5.0 session",
		"Referer":    "https://www.example.com/login?x=1",
		"Origin":     "https://www.example.com",
	}, res.Header)

	_, err = s.Resolve(context.Background(), "https://unrelated.org/a.mkv", never)
	assert.ErrorIs(t, err, ErrNoSession)

	s.CookieFile = filepath.Join(dir, "missing.json")
	_, err = s.Resolve(context.Background(), "https://dl.example.com/a.mkv", never)
	assert.Error(t, err)
}

func TestService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req serviceRequest
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&req) != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(serviceResponse{
			URL:     req.URL + "?token=1",
			Headers: map[string]string{"Referer": "http://protect.example.com/"},
		})
	}))
	defer srv.Close()

	s := &Service{Endpoint: srv.URL, Timeout: time.Second}
	res, err := s.Resolve(context.Background(), "http://protect.example.com/f", never)
	require.NoError(t, err)
	assert.Equal(t, "http://protect.example.com/f?token=1", res.URL)
	assert.Equal(t, "http://protect.example.com/", res.Header["Referer"])
}

func TestServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := &Service{Endpoint: srv.URL}
	_, err := s.Resolve(context.Background(), "http://protect.example.com/f", never)
	require.Error(t, err)
	assert.False(t, derrors.IsCancelled(err))
}

func TestServiceCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	var cancelled atomic.Bool
	time.AfterFunc(50*time.Millisecond, func() { cancelled.Store(true) })

	s := &Service{Endpoint: srv.URL, PollInterval: 10 * time.Millisecond}
	start := time.Now()
	_, err := s.Resolve(context.Background(), "http://protect.example.com/f", cancelled.Load)
	require.Error(t, err)
	assert.True(t, derrors.IsCancelled(err))
	assert.Less(t, time.Since(start), 4*time.Second)
}
