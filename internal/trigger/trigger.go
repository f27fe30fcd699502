// Package trigger runs one dispatch request on a job's queue: poll, and when
// the remotes moved, record the cause, merge the push variables into the
// job's parameters and schedule a build.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bitbucket_jenkins_integ/internal/core"
	"bitbucket_jenkins_integ/internal/matcher"
	"bitbucket_jenkins_integ/internal/poller"
	"bitbucket_jenkins_integ/internal/polllog"
	"bitbucket_jenkins_integ/internal/processor"
)

// Result is the terminal state of a run.
type Result string

const (
	ResultNoChange      Result = "no_change"
	ResultScheduled     Result = "scheduled"
	ResultAlreadyQueued Result = "already_queued"
	ResultPollFailed    Result = "poll_failed"
	ResultFailed        Result = "failed"
)

// Poller checks a job's remotes for changes. Commit records the heads of an
// outcome as the job's snapshot.
type Poller interface {
	Poll(ctx context.Context, job core.Job) (poller.Outcome, error)
	Commit(ctx context.Context, job core.Job, out poller.Outcome) error
}

// PollLog stores the per-job polling log.
type PollLog interface {
	Open(job string) (*polllog.Entry, error)
	LastEntry(job string) (string, error)
}

// Parameters reads and rewrites a job's parameter definitions.
type Parameters interface {
	UpdateParameters(ctx context.Context, job core.Job, fn func([]core.ParameterDefinition) []core.ParameterDefinition) ([]core.ParameterDefinition, error)
}

// Scheduler asks the build server for a build.
type Scheduler interface {
	ScheduleBuild(ctx context.Context, job core.Job, cause core.Cause, params []core.ParameterDefinition) (core.Schedule, error)
}

// Observer receives run outcomes.
type Observer interface {
	ObservePoll(changed bool, err error, d time.Duration)
	ObserveRun(result string, d time.Duration)
}

// Runner executes dispatch requests.
type Runner struct {
	poller      Poller
	log         PollLog
	params      Parameters
	scheduler   Scheduler
	observer    Observer
	logger      *slog.Logger
	pollTimeout time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithPollTimeout bounds each poll.
func WithPollTimeout(d time.Duration) Option {
	return func(r *Runner) { r.pollTimeout = d }
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a Runner.
func New(p Poller, log PollLog, params Parameters, scheduler Scheduler, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		poller:    p,
		log:       log,
		params:    params,
		scheduler: scheduler,
		observer:  nopObserver{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Task adapts req to the job's queue. Run logs its own failures, so the task
// never fails the queue.
func (r *Runner) Task(req matcher.DispatchRequest) processor.Task {
	return func(ctx context.Context) error {
		_, _ = r.Run(ctx, req)
		return nil
	}
}

// Run polls the job and, when it changed, schedules a build.
func (r *Runner) Run(ctx context.Context, req matcher.DispatchRequest) (Result, error) {
	start := time.Now()
	res, err := r.run(ctx, req)
	r.observer.ObserveRun(string(res), time.Since(start))
	return res, err
}

func (r *Runner) run(ctx context.Context, req matcher.DispatchRequest) (Result, error) {
	job := req.Job
	logger := r.logger.With(
		slog.String("job", job.Name),
		slog.String("actor", req.Actor),
		slog.String("request_id", req.ID),
	)

	out, err := r.poll(ctx, job)
	if err != nil {
		logger.Error("failed to record SCM polling", slog.String("error", err.Error()))
		return ResultPollFailed, err
	}
	if !out.Changed {
		logger.Debug("no changes")
		r.commit(ctx, job, out, logger)
		return ResultNoChange, nil
	}

	cause := core.Cause{Actor: req.Actor}
	if excerpt, err := r.log.LastEntry(job.Name); err != nil {
		logger.Warn("failed to read poll log", slog.String("error", err.Error()))
	} else {
		cause.Excerpt = &excerpt
	}

	params, err := r.params.UpdateParameters(ctx, job, func(defs []core.ParameterDefinition) []core.ParameterDefinition {
		return MergeParameters(defs, req.EnvVars)
	})
	if err != nil {
		logger.Error("failed to merge build parameters", slog.String("error", err.Error()))
		return ResultFailed, err
	}

	sched, err := r.scheduler.ScheduleBuild(ctx, job, cause, params)
	if err != nil {
		logger.Error("failed to schedule build", slog.String("error", err.Error()))
		return ResultFailed, fmt.Errorf("schedule build: %w", err)
	}
	r.commit(ctx, job, out, logger)
	if !sched.Accepted {
		logger.Info("job is already in the queue")
		return ResultAlreadyQueued, nil
	}

	if sched.Number > 0 {
		logger.Info(fmt.Sprintf("triggering #%d", sched.Number), slog.String("cause", cause.ShortDescription()))
	} else {
		logger.Info("triggering build", slog.String("cause", cause.ShortDescription()))
	}
	return ResultScheduled, nil
}

// commit advances the job's snapshot. Until it runs, the next poll reports
// the same change again.
func (r *Runner) commit(ctx context.Context, job core.Job, out poller.Outcome, logger *slog.Logger) {
	if err := r.poller.Commit(ctx, job, out); err != nil {
		logger.Warn("failed to save polled revisions", slog.String("error", err.Error()))
	}
}

// poll runs the poller inside a new poll log entry.
func (r *Runner) poll(ctx context.Context, job core.Job) (poller.Outcome, error) {
	entry, err := r.log.Open(job.Name)
	if err != nil {
		return poller.Outcome{}, err
	}
	defer func() {
		if err := entry.Close(); err != nil {
			r.logger.Warn("failed to close poll log",
				slog.String("job", job.Name),
				slog.String("error", err.Error()),
			)
		}
	}()

	pollCtx := ctx
	if r.pollTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, r.pollTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := r.poller.Poll(pollCtx, job)
	took := time.Since(start)
	r.observer.ObservePoll(out.Changed, err, took)
	if err != nil {
		entry.Error("Failed to record SCM polling", err)
		return poller.Outcome{}, err
	}

	if out.Log != "" {
		entry.Printf("%s", out.Log)
	}
	entry.Printf("Done. Took %s", took.Round(time.Millisecond))
	if out.Changed {
		entry.Printf("Changes found")
	} else {
		entry.Printf("No changes")
	}
	return out, nil
}

// MergeParameters folds vars into defs. A definition with the same name keeps
// its position and gets the new default; unknown names are appended as string
// parameters in key order. defs is not modified.
func MergeParameters(defs []core.ParameterDefinition, vars map[string]string) []core.ParameterDefinition {
	out := make([]core.ParameterDefinition, len(defs), len(defs)+len(vars))
	copy(out, defs)

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		def := core.ParameterDefinition{Name: k, Type: core.ParameterTypeString, DefaultValue: vars[k]}
		replaced := false
		for i := range out {
			if out[i].Name == k {
				def.Description = out[i].Description
				out[i] = def
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, def)
		}
	}
	return out
}

type nopObserver struct{}

func (nopObserver) ObservePoll(bool, error, time.Duration) {}
func (nopObserver) ObserveRun(string, time.Duration)       {}
