// Package matcher selects the jobs tracking a pushed repository and builds
// one dispatch request per job.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"bitbucket_jenkins_integ/internal/bitbucket"
	"bitbucket_jenkins_integ/internal/core"
)

const (
	// EnvUserName carries the pushing account.
	EnvUserName = "USER_NAME"
	// EnvBranchName carries the pushed branch.
	EnvBranchName = "BRANCH_NAME"
)

// JobLister is the part of the job registry the matcher reads.
type JobLister interface {
	ListJobs(ctx context.Context) ([]core.Job, error)
}

// DispatchRequest asks a job's queue to poll and possibly build.
type DispatchRequest struct {
	ID         string
	Job        core.Job
	Actor      string
	EnvVars    map[string]string
	ReceivedAt time.Time
}

// Matcher finds jobs whose remotes point at a pushed repository.
type Matcher struct {
	jobs   JobLister
	logger *slog.Logger
}

// New creates a Matcher over the given registry.
func New(jobs JobLister, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{jobs: jobs, logger: logger}
}

// Match returns every job with a remote equal to the event's repository URL
// after normalization. No match yields an empty result.
func (m *Matcher) Match(ctx context.Context, event bitbucket.PushEvent) ([]core.Job, error) {
	jobs, err := m.jobs.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	want := NormalizeURL(event.RepoURL)
	var matched []core.Job
	for _, job := range jobs {
		for _, remote := range job.Remotes {
			if NormalizeURL(remote) == want {
				matched = append(matched, job)
				break
			}
		}
	}

	m.logger.Debug("matched push event",
		slog.String("repo_url", event.RepoURL),
		slog.String("scm", event.SCM),
		slog.Int("jobs", len(matched)),
	)
	return matched, nil
}

// Requests builds one DispatchRequest per job.
func Requests(event bitbucket.PushEvent, jobs []core.Job, receivedAt time.Time) []DispatchRequest {
	reqs := make([]DispatchRequest, 0, len(jobs))
	for _, job := range jobs {
		reqs = append(reqs, DispatchRequest{
			ID:         uuid.NewString(),
			Job:        job,
			Actor:      event.Actor,
			EnvVars:    EnvVars(event),
			ReceivedAt: receivedAt,
		})
	}
	return reqs
}

// EnvVars returns the variables an event contributes to the build parameters.
func EnvVars(event bitbucket.PushEvent) map[string]string {
	vars := map[string]string{EnvUserName: event.Actor}
	if branch, ok := event.BranchName(); ok {
		vars[EnvBranchName] = branch
	}
	return vars
}

var scpLike = regexp.MustCompile(`^([A-Za-z0-9_.-]+@)?([A-Za-z0-9.-]+):([^/][^:]*)$`)

// NormalizeURL reduces a repository URL to its identity: host and path, with
// credentials, scheme, trailing slashes and a trailing ".git" removed. Host
// comparison is case-insensitive; path case is kept.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		if m := scpLike.FindStringSubmatch(s); m != nil {
			s = "ssh://" + m[1] + m[2] + "/" + m[3]
		}
	}

	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return trimRepoPath(strings.ToLower(s))
	}

	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host += ":" + port
	}
	return host + trimRepoPath(u.Path)
}

func trimRepoPath(p string) string {
	p = strings.TrimRight(p, "/")
	p = strings.TrimSuffix(p, ".git")
	return strings.TrimRight(p, "/")
}

func isDefaultPort(scheme, port string) bool {
	switch strings.ToLower(scheme) {
	case "https":
		return port == "443"
	case "http":
		return port == "80"
	case "ssh":
		return port == "22"
	}
	return false
}
