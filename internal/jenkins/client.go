package jenkins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	jsoniter "github.com/json-iterator/go"

	"bitbucket_jenkins_integ/internal/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when Jenkins does not know the job.
var ErrNotFound = errors.New("not found")

// ErrAccessDenied is returned on 401 and 403 responses.
var ErrAccessDenied = errors.New("access denied")

// StatusError carries an unexpected Jenkins response status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("jenkins api status %d", e.Status)
	}
	return fmt.Sprintf("jenkins api status %d: %s", e.Status, e.Body)
}

// Client talks to the Jenkins remote access API.
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	buildToken string
	httpClient *http.Client
	logger     *slog.Logger
	attempts   uint
	delay      time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithBuildToken sets the job's remote trigger token sent with build requests.
func WithBuildToken(token string) Option {
	return func(c *Client) { c.buildToken = token }
}

// WithRetry sets the number of attempts and the base delay for transient failures.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Jenkins client. Empty credentials mean anonymous access.
func NewClient(baseURL, username, apiToken string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		apiToken:   apiToken,
		httpClient: httpClient,
		logger:     slog.Default(),
		attempts:   1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jobStatus struct {
	Name            string `json:"name"`
	FullName        string `json:"fullName"`
	URL             string `json:"url"`
	InQueue         bool   `json:"inQueue"`
	Buildable       bool   `json:"buildable"`
	NextBuildNumber int    `json:"nextBuildNumber"`
}

// JobPath turns a folder-qualified job name such as "team/app" into its URL
// path "/job/team/job/app".
func JobPath(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "" {
			continue
		}
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}

// ScheduleBuild asks Jenkins to build job with params. A job that already has
// a queued build is left alone and reported as not accepted. The cause text,
// poll log excerpt included, travels in the form body as the remote trigger
// cause.
func (c *Client) ScheduleBuild(ctx context.Context, job core.Job, cause core.Cause, params []core.ParameterDefinition) (core.Schedule, error) {
	status, err := c.jobStatus(ctx, job.Name)
	if err != nil {
		return core.Schedule{}, err
	}
	if status.InQueue {
		return core.Schedule{Accepted: false}, nil
	}
	if !status.Buildable {
		return core.Schedule{}, fmt.Errorf("job %s is not buildable", job.Name)
	}

	form := url.Values{}
	for _, p := range params {
		form.Set(p.Name, p.DefaultValue)
	}
	if cause.Actor != "" || cause.Excerpt != nil {
		form.Set("cause", cause.Text())
	}
	query := url.Values{}
	if c.buildToken != "" {
		query.Set("token", c.buildToken)
	}

	endpoint := c.baseURL + JobPath(job.Name)
	if len(params) > 0 {
		endpoint += "/buildWithParameters"
	} else {
		endpoint += "/build"
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	err = c.withRetry(ctx, "schedule build", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
	if err != nil {
		return core.Schedule{}, fmt.Errorf("schedule %s: %w", job.Name, err)
	}

	c.logger.Debug("build requested",
		slog.String("job", job.Name),
		slog.Int("number", status.NextBuildNumber),
	)
	return core.Schedule{Accepted: true, Number: status.NextBuildNumber}, nil
}

// JobExists reports whether Jenkins knows the job.
func (c *Client) JobExists(ctx context.Context, name string) error {
	_, err := c.jobStatus(ctx, name)
	return err
}

// CheckAccessibility verifies that Jenkins answers API requests with the
// configured credentials.
func (c *Client) CheckAccessibility(ctx context.Context) error {
	return c.withRetry(ctx, "check accessibility", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/json?tree=mode", nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
}

func (c *Client) jobStatus(ctx context.Context, name string) (jobStatus, error) {
	endpoint := c.baseURL + JobPath(name) + "/api/json?tree=" +
		url.QueryEscape("name,fullName,url,inQueue,buildable,nextBuildNumber")

	var status jobStatus
	err := c.withRetry(ctx, "job status", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("decode jenkins response: %w", err)
		}
		return nil
	})
	if err != nil {
		return jobStatus{}, fmt.Errorf("job %s: %w", name, err)
	}
	return status, nil
}

// do sends req and maps error statuses.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.username != "" || c.apiToken != "" {
		req.SetBasicAuth(c.username, c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jenkins api request: %w", err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAccessDenied
	}
	return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// retryable reports whether err is a transport failure or a server error.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) withRetry(ctx context.Context, op string, f func() error) error {
	return retry.Do(f,
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("jenkins request failed, retrying",
				slog.String("operation", op),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
}
