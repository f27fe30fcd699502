package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket_jenkins_integ/internal/bitbucket"
	"bitbucket_jenkins_integ/internal/core"
)

type staticJobs struct {
	jobs []core.Job
	err  error
}

func (s staticJobs) ListJobs(context.Context) ([]core.Job, error) {
	return s.jobs, s.err
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{name: "git suffix", a: "https://bitbucket.org/alice/x.git", b: "https://bitbucket.org/alice/x", same: true},
		{name: "credentials", a: "https://alice:pw@bitbucket.org/alice/x.git", b: "https://bitbucket.org/alice/x", same: true},
		{name: "scheme case and host case", a: "HTTPS://Bitbucket.ORG/alice/x", b: "https://bitbucket.org/alice/x", same: true},
		{name: "ssh vs https", a: "ssh://git@bitbucket.org/alice/x.git", b: "https://bitbucket.org/alice/x", same: true},
		{name: "scp-like", a: "git@bitbucket.org:alice/x.git", b: "https://bitbucket.org/alice/x/", same: true},
		{name: "default port", a: "https://bitbucket.org:443/alice/x", b: "https://bitbucket.org/alice/x", same: true},
		{name: "custom port", a: "https://scm.local:7990/alice/x", b: "https://scm.local/alice/x", same: false},
		{name: "different repo", a: "https://bitbucket.org/alice/x", b: "https://bitbucket.org/alice/y", same: false},
		{name: "path case kept", a: "https://bitbucket.org/Alice/X", b: "https://bitbucket.org/alice/x", same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, NormalizeURL(tt.a) == NormalizeURL(tt.b),
				"%q -> %q, %q -> %q", tt.a, NormalizeURL(tt.a), tt.b, NormalizeURL(tt.b))
		})
	}
}

func TestMatchSelectsEveryTrackingJob(t *testing.T) {
	jobs := staticJobs{jobs: []core.Job{
		{Name: "app-ci", Remotes: []string{"git@bitbucket.org:alice/x.git"}},
		{Name: "other", Remotes: []string{"https://bitbucket.org/alice/other"}},
		{Name: "app-deploy", SCM: "hg", Remotes: []string{"https://bitbucket.org/bob/y", "https://bitbucket.org/alice/x"}},
	}}
	m := New(jobs, nil)

	got, err := m.Match(context.Background(), bitbucket.PushEvent{Actor: "alice", RepoURL: "https://bitbucket.org/alice/x", SCM: "git"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "app-ci", got[0].Name)
	assert.Equal(t, "app-deploy", got[1].Name)
}

func TestMatchNothing(t *testing.T) {
	m := New(staticJobs{jobs: []core.Job{{Name: "a", Remotes: []string{"https://bitbucket.org/a/a"}}}}, nil)

	got, err := m.Match(context.Background(), bitbucket.PushEvent{RepoURL: "https://bitbucket.org/z/z"})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, Requests(bitbucket.PushEvent{}, got, time.Now()))
}

func TestMatchRegistryError(t *testing.T) {
	m := New(staticJobs{err: errors.New("boom")}, nil)
	_, err := m.Match(context.Background(), bitbucket.PushEvent{})
	assert.Error(t, err)
}

func TestRequestsEnvVars(t *testing.T) {
	branch := "master"
	jobs := []core.Job{{Name: "a"}, {Name: "b"}}
	now := time.Now()

	reqs := Requests(bitbucket.PushEvent{Actor: "alice", Branch: &branch}, jobs, now)
	require.Len(t, reqs, 2)
	assert.Equal(t, map[string]string{EnvUserName: "alice", EnvBranchName: "master"}, reqs[0].EnvVars)
	assert.Equal(t, "alice", reqs[1].Actor)
	assert.Equal(t, now, reqs[1].ReceivedAt)
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)

	reqs[0].EnvVars["X"] = "y"
	assert.NotContains(t, reqs[1].EnvVars, "X")

	noBranch := Requests(bitbucket.PushEvent{Actor: "bob"}, jobs[:1], now)
	assert.Equal(t, map[string]string{EnvUserName: "bob"}, noBranch[0].EnvVars)
}
