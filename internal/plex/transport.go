// Package plex implements the media server client: the REST API used
// to read libraries and select streams, and the websocket listener
// feeding the alert pipeline.
package plex

import (
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// transport injects the access token on every request and logs the
// exchange at trace level with the token redacted.
type transport struct {
	base  http.RoundTripper
	token string
}

func newHTTPClient(token string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &transport{token: token},
	}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("X-Plex-Token", t.token)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	urlStr := redactURL(req.URL)
	start := time.Now()
	resp, err := base.RoundTrip(req)
	if err != nil {
		log.Trace().
			Str("method", req.Method).
			Str("url", urlStr).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("HTTP request failed")
		return nil, err
	}
	log.Trace().
		Str("method", req.Method).
		Str("url", urlStr).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("HTTP request")
	return resp, nil
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	copyURL := *u
	if copyURL.RawQuery == "" {
		return copyURL.String()
	}
	q := copyURL.Query()
	if q.Has("X-Plex-Token") {
		q.Set("X-Plex-Token", "redacted")
	}
	copyURL.RawQuery = q.Encode()
	return copyURL.String()
}
