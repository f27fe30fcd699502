// Package registry exposes the configured jobs and their build parameter definitions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"bitbucket_jenkins_integ/internal/config"
	"bitbucket_jenkins_integ/internal/core"
	"bitbucket_jenkins_integ/internal/storage"
)

// Registry serves jobs declared in the configuration. Parameter definitions
// are kept in the store; jobs without stored definitions start from the
// parameters seeded in the configuration.
type Registry struct {
	jobs  []core.Job
	seeds map[string][]core.ParameterDefinition
	store storage.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a registry from the enabled job declarations of cfg.
func New(cfg *config.Config, store storage.Store) *Registry {
	r := &Registry{
		seeds: make(map[string][]core.ParameterDefinition),
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
	for _, jc := range cfg.Jobs {
		if jc.Disabled {
			continue
		}
		r.jobs = append(r.jobs, core.Job{
			Name:     jc.Name,
			Remotes:  slices.Clone(jc.Remotes),
			SCM:      jc.SCM,
			Branches: slices.Clone(jc.Branches),
		})
		if len(jc.Parameters) == 0 {
			continue
		}
		defs := make([]core.ParameterDefinition, 0, len(jc.Parameters))
		for _, p := range jc.Parameters {
			defs = append(defs, core.ParameterDefinition{
				Name:         p.Name,
				Type:         core.ParameterTypeString,
				DefaultValue: p.Default,
				Description:  p.Description,
			})
		}
		r.seeds[jc.Name] = defs
	}
	return r
}

// ListJobs returns every enabled job.
func (r *Registry) ListJobs(_ context.Context) ([]core.Job, error) {
	return slices.Clone(r.jobs), nil
}

// Job looks up an enabled job by name.
func (r *Registry) Job(name string) (core.Job, bool) {
	for _, job := range r.jobs {
		if job.Name == name {
			return job, true
		}
	}
	return core.Job{}, false
}

// GetParameters returns the job's parameter definitions. A job that has none
// yet gets its configured seed, or an empty set.
func (r *Registry) GetParameters(ctx context.Context, job core.Job) ([]core.ParameterDefinition, error) {
	defs, err := r.store.GetParameters(ctx, job.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return slices.Clone(r.seeds[job.Name]), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load parameters of %s: %w", job.Name, err)
	}
	return defs, nil
}

// SetParameters replaces the job's parameter definitions.
func (r *Registry) SetParameters(ctx context.Context, job core.Job, defs []core.ParameterDefinition) error {
	if err := r.store.SaveParameters(ctx, job.Name, defs); err != nil {
		return fmt.Errorf("save parameters of %s: %w", job.Name, err)
	}
	return nil
}

// UpdateParameters applies fn to the job's current definitions and stores the
// result. Updates of the same job are serialized.
func (r *Registry) UpdateParameters(ctx context.Context, job core.Job, fn func([]core.ParameterDefinition) []core.ParameterDefinition) ([]core.ParameterDefinition, error) {
	lock := r.jobLock(job.Name)
	lock.Lock()
	defer lock.Unlock()

	defs, err := r.GetParameters(ctx, job)
	if err != nil {
		return nil, err
	}
	updated := fn(defs)
	if err := r.SetParameters(ctx, job, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Registry) jobLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}
