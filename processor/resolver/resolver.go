// Package resolver turns the URL of a job into the URL that actually serves
// the bytes, plus any headers the server expects.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	derrors "github.com/skroutz/downloadq/processor/errors"
)

// ErrUnsupported is returned by resolvers asked to resolve a URL they do
// not handle.
var ErrUnsupported = errors.New("Unsupported URL")

// Resolution is the outcome of a resolution.
type Resolution struct {
	URL string

	// Header is merged into the download request, overriding the defaults.
	Header map[string]string
}

// Resolver resolves a job URL. Implementations should poll cancelled while
// blocked and give up with a cancellation error once it reports true.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string, cancelled func() bool) (Resolution, error)
}

// Direct returns every URL unmodified.
type Direct struct{}

func (Direct) Resolve(ctx context.Context, rawURL string, cancelled func() bool) (Resolution, error) {
	return Resolution{URL: rawURL}, nil
}

// Rule routes URLs whose host ends with HostSuffix to Resolver.
type Rule struct {
	HostSuffix string
	Resolver   Resolver
}

// Matches reports whether the host of u is HostSuffix or one of its
// subdomains.
func (r Rule) Matches(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	suffix := strings.ToLower(strings.TrimPrefix(r.HostSuffix, "."))
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// Chain applies its rules in order. Every rule is matched against the URL
// produced by the previous ones, so a link may go through more than one
// resolver. Headers are merged, later rules win. A failing rule is logged
// and skipped, keeping what the previous rules resolved.
//
// URLs matched by no rule resolve to themselves. Only a cancellation or an
// unparsable URL fails a Chain.
type Chain struct {
	Rules []Rule
	Log   *slog.Logger
}

func (c *Chain) Resolve(ctx context.Context, rawURL string, cancelled func() bool) (Resolution, error) {
	res := Resolution{URL: rawURL, Header: make(map[string]string)}

	for _, rule := range c.Rules {
		if cancelled() {
			return res, derrors.Cancelled("resolving url", errors.New("Cancelled"))
		}

		u, err := url.Parse(res.URL)
		if err != nil {
			return res, derrors.Resolution("resolving url", err)
		}
		if !rule.Matches(u) {
			continue
		}

		c.Log.Info("resolving url", "url", res.URL, "host_suffix", rule.HostSuffix)
		next, err := rule.Resolver.Resolve(ctx, res.URL, cancelled)
		if err != nil {
			if derrors.IsCancelled(err) {
				return res, err
			}
			// the next rules work on what was resolved so far
			c.Log.Warn("url resolution failed", "url", res.URL, "host_suffix", rule.HostSuffix, "error", err)
			continue
		}

		res.URL = next.URL
		for k, v := range next.Header {
			res.Header[k] = v
		}
	}

	return res, nil
}
