// Package fetch is the HTTP side of a story session: it pulls full story
// state and asks whether a generation is still running.
package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// StatusError is a non-2xx answer from the story API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "story API HTTP " + http.StatusText(e.StatusCode)
	}
	return "story API HTTP " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// IsNotFound reports whether err is a 404 from the story API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
	log    zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithHeader adds a header to every request, typically Authorization.
func WithHeader(key, value string) Option {
	return func(cl *Client) {
		cl.header.Add(key, value)
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("base URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		header: http.Header{},
		log:    log.With().Str("component", "fetch").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.JoinPath(append([]string{"api", "stories"}, parts...)...).String()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return errors.Wrap(err, "decode story API response")
	}
	return nil
}

// Fetch pulls the full state of a story from GET /api/stories/{id}.
func (c *Client) Fetch(ctx context.Context, resourceID string) (*snapshot.ResourceState, error) {
	var st snapshot.ResourceState
	if err := c.getJSON(ctx, c.endpoint(resourceID), &st); err != nil {
		return nil, errors.Wrapf(err, "fetch story %s", resourceID)
	}
	if st.Resource == nil {
		st.Resource = snapshot.Snapshot{}
	}
	if _, ok := st.Resource["id"]; !ok {
		st.Resource["id"] = resourceID
	}
	c.log.Trace().Str("story_id", resourceID).Int("segments", len(st.Segments)).Bool("active_generation", st.ActiveGeneration).Msg("fetched story")
	return &st, nil
}

type activeResponse struct {
	Active bool `json:"active"`
}

// ActiveGeneration asks GET /api/stories/{id}/active.
func (c *Client) ActiveGeneration(ctx context.Context, resourceID string) (bool, error) {
	var resp activeResponse
	if err := c.getJSON(ctx, c.endpoint(resourceID, "active"), &resp); err != nil {
		return false, errors.Wrapf(err, "active generation for story %s", resourceID)
	}
	return resp.Active, nil
}
