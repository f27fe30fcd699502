package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket_jenkins_integ/internal/config"
	"bitbucket_jenkins_integ/internal/core"
	"bitbucket_jenkins_integ/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Jobs: []config.JobConfig{
			{
				Name:       "app",
				SCM:        "git",
				Remotes:    []string{"https://bitbucket.org/team/app.git"},
				Parameters: []config.ParameterConfig{{Name: "ENV", Default: "staging"}},
			},
			{Name: "old", SCM: "git", Remotes: []string{"https://bitbucket.org/team/old"}, Disabled: true},
			{Name: "lib", SCM: "hg", Remotes: []string{"https://bitbucket.org/team/lib"}},
		},
	}
}

func TestListJobsSkipsDisabled(t *testing.T) {
	r := New(testConfig(), storage.NewMemoryStore())

	jobs, err := r.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "app", jobs[0].Name)
	assert.Equal(t, "lib", jobs[1].Name)

	_, ok := r.Job("old")
	assert.False(t, ok)
}

func TestGetParametersSeedsAndPersists(t *testing.T) {
	ctx := context.Background()
	r := New(testConfig(), storage.NewMemoryStore())
	app, _ := r.Job("app")
	lib, _ := r.Job("lib")

	defs, err := r.GetParameters(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, []core.ParameterDefinition{{Name: "ENV", Type: core.ParameterTypeString, DefaultValue: "staging"}}, defs)

	defs, err = r.GetParameters(ctx, lib)
	require.NoError(t, err)
	assert.Empty(t, defs)

	updated := append(defs, core.ParameterDefinition{Name: "USER_NAME", Type: core.ParameterTypeString, DefaultValue: "bob"})
	require.NoError(t, r.SetParameters(ctx, lib, updated))

	defs, err = r.GetParameters(ctx, lib)
	require.NoError(t, err)
	assert.Equal(t, updated, defs)
}
