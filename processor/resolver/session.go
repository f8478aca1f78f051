package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrNoSession is returned when no stored cookie applies to the URL.
var ErrNoSession = errors.New("No valid session cookies")

// Cookie is a stored browser cookie. Expires is in seconds since the epoch,
// zero or negative for session cookies.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Expired reports whether c expired before now.
func (c Cookie) Expired(now time.Time) bool {
	if c.Expires <= 0 {
		return false
	}
	return time.Unix(0, int64(c.Expires*float64(time.Second))).Before(now)
}

// Matches reports whether c is sent to u.
func (c Cookie) Matches(u *url.URL) bool {
	if c.Domain == "" {
		return false
	}
	domain := strings.TrimPrefix(c.Domain, ".")
	host := u.Hostname()
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return false
	}
	return c.Path == "" || strings.HasPrefix(u.EscapedPath(), c.Path)
}

// CookieHeader returns the Cookie header value for u, built from the
// cookies that match it and have not expired.
func CookieHeader(u *url.URL, cookies []Cookie, now time.Time) string {
	var pairs []string
	for _, c := range cookies {
		if c.Expired(now) || !c.Matches(u) {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

// LoadCookies reads a JSON array of cookies from path.
func LoadCookies(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cookies []Cookie
	err = json.Unmarshal(data, &cookies)
	if err != nil {
		return nil, err
	}
	return cookies, nil
}

// Session applies a persisted login session to URLs of hosts that only serve
// files to logged in browsers. The session is read from CookieFile on every
// resolution, so an external process may refresh it at any time.
type Session struct {
	CookieFile string

	// UserAgent must match the browser the session was created with.
	UserAgent string

	// Referer, when set, is sent along with the matching Origin.
	Referer string

	now func() time.Time
}

func (s *Session) Resolve(ctx context.Context, rawURL string, cancelled func() bool) (Resolution, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Resolution{}, err
	}

	cookies, err := LoadCookies(s.CookieFile)
	if err != nil {
		return Resolution{}, err
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}

	header := CookieHeader(u, cookies, now())
	if header == "" {
		return Resolution{}, ErrNoSession
	}

	res := Resolution{URL: rawURL, Header: map[string]string{"Cookie": header}}
	if s.UserAgent != "" {
		res.Header["User-Agent"] = s.UserAgent
	}
	if s.Referer != "" {
		res.Header["Referer"] = s.Referer
		if ref, err := url.Parse(s.Referer); err == nil && ref.Scheme != "" && ref.Host != "" {
			res.Header["Origin"] = ref.Scheme + "://" + ref.Host
		}
	}

	return res, nil
}
