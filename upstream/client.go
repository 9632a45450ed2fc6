package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/brenonaraujo/tasquest.app/domain"
)

const headerRequestID = "X-Request-ID"

// ErrNotJSON is returned when an upstream body that should be JSON is not.
var ErrNotJSON = errors.New("upstream returned invalid json")

// StatusError reports a non-success status from an upstream call the gateway
// makes on its own behalf.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	ClientPrefix string
	Prefix       string
	TaskPath     string
	Timeout      time.Duration
	// HTTPClient replaces the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to the upstream task API.
type Client struct {
	baseURL      string
	clientPrefix string
	prefix       string
	taskPath     string
	http         *http.Client
}

// New creates a Client from the given options.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		clientPrefix: strings.TrimRight(opts.ClientPrefix, "/"),
		prefix:       strings.TrimRight(opts.Prefix, "/"),
		taskPath:     strings.TrimRight(opts.TaskPath, "/"),
		http:         hc,
	}, nil
}

// Request is an inbound client request to relay upstream.
type Request struct {
	Method string
	// Path is the client-facing, escaped request path.
	Path          string
	RawQuery      string
	Authorization string
	Accept        string
	RequestID     string
	// Body is sent with a JSON content type when non-nil.
	Body []byte
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsJSON reports whether the upstream declared a JSON content type.
func (r *Response) IsJSON() bool {
	ct := strings.ToLower(r.ContentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

// RewritePath swaps the client-facing prefix for the upstream one. The second
// return value is false when path is outside the client prefix.
func (c *Client) RewritePath(path string) (string, bool) {
	rest, ok := c.StripClientPrefix(path)
	if !ok {
		return "", false
	}
	return c.prefix + rest, true
}

// StripClientPrefix returns path relative to the client-facing prefix.
func (c *Client) StripClientPrefix(path string) (string, bool) {
	if path == c.clientPrefix {
		return "", true
	}
	if c.clientPrefix == "" {
		return path, strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, c.clientPrefix+"/") {
		return "", false
	}
	return path[len(c.clientPrefix):], true
}

func (c *Client) url(upstreamPath, rawQuery string) string {
	u := c.baseURL + upstreamPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// Forward relays req upstream and reads the whole response. Only transport
// failures are returned as errors; any status code is a valid response.
func (c *Client) Forward(ctx context.Context, req Request) (*Response, error) {
	upstreamPath, ok := c.RewritePath(req.Path)
	if !ok {
		return nil, fmt.Errorf("path %q is outside %q", req.Path, c.clientPrefix)
	}
	target := c.url(upstreamPath, req.RawQuery)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Authorization != "" {
		httpReq.Header.Set("Authorization", req.Authorization)
	}
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}
	if req.RequestID != "" {
		httpReq.Header.Set(headerRequestID, req.RequestID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, upstreamPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

// FetchTask loads the summary of a single task using the caller's
// authorization.
func (c *Client) FetchTask(ctx context.Context, id, authorization string) (domain.TaskSummary, error) {
	target := c.url(c.prefix+c.taskPath+"/"+url.PathEscape(id), "")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.TaskSummary{}, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TaskSummary{}, fmt.Errorf("fetch task %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return domain.TaskSummary{}, &StatusError{Method: http.MethodGet, URL: target, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TaskSummary{}, fmt.Errorf("read task %s: %w", id, err)
	}
	return decodeTaskSummary(id, data)
}

// decodeTaskSummary reads a task either from the top level or from a "data"
// envelope. Missing fields keep their zero values.
func decodeTaskSummary(id string, data []byte) (domain.TaskSummary, error) {
	if !gjson.ValidBytes(data) {
		return domain.TaskSummary{}, ErrNotJSON
	}
	root := gjson.ParseBytes(data)
	if inner := root.Get("data"); inner.IsObject() {
		root = inner
	}
	if !root.IsObject() {
		return domain.TaskSummary{}, fmt.Errorf("task %s: %w", id, ErrNotJSON)
	}

	task := domain.TaskSummary{
		ID:       id,
		Title:    root.Get("title").String(),
		RewardXP: int64(math.Round(root.Get("rewardXp").Float())),
	}
	if v := root.Get("id"); v.Exists() && v.Type != gjson.Null {
		task.ID = v.String()
	}
	if due := root.Get("dueAt"); due.Type == gjson.String {
		s := due.String()
		task.DueAt = &s
	}
	return task, nil
}
