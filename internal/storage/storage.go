// Package storage persists job parameter definitions and polled ref revisions.
package storage

import (
	"context"
	"errors"
	"slices"
	"sync"

	"bitbucket_jenkins_integ/internal/core"
)

// ErrNotFound is returned when a job has no stored parameter definitions.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations used by the registry and the poller.
type Store interface {
	GetParameters(ctx context.Context, job string) ([]core.ParameterDefinition, error)
	SaveParameters(ctx context.Context, job string, defs []core.ParameterDefinition) error
	LoadRevisions(ctx context.Context, job string) ([]core.Revision, error)
	SaveRevisions(ctx context.Context, job string, revs []core.Revision) error
	Close() error
}

type memoryStore struct {
	mu        sync.RWMutex
	params    map[string][]core.ParameterDefinition
	revisions map[string][]core.Revision
}

// NewMemoryStore returns a Store that keeps everything in process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		params:    make(map[string][]core.ParameterDefinition),
		revisions: make(map[string][]core.Revision),
	}
}

func (s *memoryStore) GetParameters(_ context.Context, job string) ([]core.ParameterDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs, ok := s.params[job]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(defs), nil
}

func (s *memoryStore) SaveParameters(_ context.Context, job string, defs []core.ParameterDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := slices.Clone(defs)
	if stored == nil {
		stored = []core.ParameterDefinition{}
	}
	s.params[job] = stored
	return nil
}

func (s *memoryStore) LoadRevisions(_ context.Context, job string) ([]core.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.revisions[job]), nil
}

func (s *memoryStore) SaveRevisions(_ context.Context, job string, revs []core.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[job] = slices.Clone(revs)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
