// Package webhook receives Bitbucket push notifications and enqueues one
// dispatch request per matching job.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bitbucket_jenkins_integ/internal/bitbucket"
	"bitbucket_jenkins_integ/internal/core"
	"bitbucket_jenkins_integ/internal/matcher"
	"bitbucket_jenkins_integ/internal/metrics"
	"bitbucket_jenkins_integ/internal/processor"
)

const maxBodySize = 5 << 20

// Matcher finds the jobs tracking a pushed repository.
type Matcher interface {
	Match(ctx context.Context, event bitbucket.PushEvent) ([]core.Job, error)
}

// Queue accepts tasks keyed by job name.
type Queue interface {
	Enqueue(key string, task processor.Task) error
}

// TaskFactory turns a dispatch request into a queue task.
type TaskFactory func(req matcher.DispatchRequest) processor.Task

// Recorder receives intake metrics.
type Recorder interface {
	WebhookReceived(outcome string)
	RequestsDispatched(n int)
}

// Handler is the gin handler for the Bitbucket hook endpoint.
type Handler struct {
	matcher Matcher
	queue   Queue
	tasks   TaskFactory
	log     *slog.Logger
	secret  string
	limiter *rateLimiter
	metrics Recorder
	now     func() time.Time
}

// Option customizes a Handler.
type Option func(*Handler)

// WithSecret requires a valid HMAC-SHA256 signature of the body.
func WithSecret(secret string) Option {
	return func(h *Handler) { h.secret = secret }
}

// WithRateLimit limits deliveries per client address and minute.
func WithRateLimit(perMinute int) Option {
	return func(h *Handler) {
		if perMinute > 0 {
			h.limiter = newRateLimiter(perMinute)
		}
	}
}

// WithRecorder reports intake outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) {
		if r != nil {
			h.metrics = r
		}
	}
}

// New creates a Handler.
func New(m Matcher, queue Queue, tasks TaskFactory, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		matcher: m,
		queue:   queue,
		tasks:   tasks,
		log:     logger,
		metrics: nopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle normalizes the delivery, matches jobs and enqueues their requests.
// Unmatched and ignored deliveries succeed with an empty body.
func (h *Handler) Handle(c *gin.Context) {
	receivedAt := h.now()

	if h.limiter != nil && !h.limiter.Allow(c.ClientIP()) {
		h.metrics.WebhookReceived(metrics.OutcomeRateLimited)
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		h.log.Error("read webhook body", slog.String("error", err.Error()))
		h.metrics.WebhookReceived(metrics.OutcomeMalformed)
		c.String(http.StatusBadRequest, "failed to read body")
		return
	}

	if h.secret != "" {
		if err := verifySignature(body, c.GetHeader(HeaderSignature), h.secret); err != nil {
			h.log.Warn("invalid webhook signature", slog.String("error", err.Error()))
			h.metrics.WebhookReceived(metrics.OutcomeRejected)
			c.String(http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	headers := bitbucket.HeadersFrom(c.Request.Header)
	payload, err := bitbucket.DecodeBody(body, c.ContentType())
	if err != nil {
		h.badRequest(c, err)
		return
	}
	event, ok, err := bitbucket.Normalize(payload, headers)
	if err != nil {
		h.badRequest(c, err)
		return
	}
	if !ok {
		h.log.Debug("ignoring webhook event",
			slog.String("user_agent", headers.UserAgent),
			slog.String("event_key", headers.EventKey),
		)
		h.metrics.WebhookReceived(metrics.OutcomeIgnored)
		c.Status(http.StatusOK)
		return
	}

	logger := h.log.With(
		slog.String("actor", event.Actor),
		slog.String("repo_url", event.RepoURL),
		slog.String("shape", bitbucket.DetectShape(headers).String()),
	)

	jobs, err := h.matcher.Match(c.Request.Context(), event)
	if err != nil {
		logger.Error("match jobs", slog.String("error", err.Error()))
		c.String(http.StatusInternalServerError, "failed to match jobs")
		return
	}
	if len(jobs) == 0 {
		logger.Info("no job tracks the pushed repository")
		h.metrics.WebhookReceived(metrics.OutcomeUnmatched)
		c.Status(http.StatusOK)
		return
	}

	var (
		enqueued int
		failed   error
	)
	for _, req := range matcher.Requests(event, jobs, receivedAt) {
		if err := h.queue.Enqueue(req.Job.Name, h.tasks(req)); err != nil {
			logger.Error("enqueue dispatch request",
				slog.String("job", req.Job.Name),
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)
			failed = err
			continue
		}
		enqueued++
		logger.Info("dispatch request enqueued",
			slog.String("job", req.Job.Name),
			slog.String("request_id", req.ID),
		)
	}
	h.metrics.RequestsDispatched(enqueued)

	if failed != nil {
		h.metrics.WebhookReceived(metrics.OutcomeQueueFull)
		if errors.Is(failed, processor.ErrClosed) {
			c.String(http.StatusServiceUnavailable, "shutting down")
			return
		}
		c.String(http.StatusServiceUnavailable, "queue is full")
		return
	}
	h.metrics.WebhookReceived(metrics.OutcomeAccepted)
	c.Status(http.StatusOK)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.log.Warn("malformed webhook payload", slog.String("error", err.Error()))
	h.metrics.WebhookReceived(metrics.OutcomeMalformed)
	c.String(http.StatusBadRequest, err.Error())
}

type nopRecorder struct{}

func (nopRecorder) WebhookReceived(string) {}
func (nopRecorder) RequestsDispatched(int) {}
