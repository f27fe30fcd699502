package poller

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitbucket_jenkins_integ/internal/core"
	"bitbucket_jenkins_integ/internal/storage"
)

type fakeLister struct {
	mu    sync.Mutex
	refs  map[string][]Ref
	err   error
	calls []string
}

func (f *fakeLister) ListBranches(_ context.Context, url string) ([]Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.err != nil {
		return nil, f.err
	}
	return append([]Ref(nil), f.refs[url]...), nil
}

func (f *fakeLister) set(url string, refs ...Ref) {
	f.mu.Lock()
	f.refs[url] = refs
	f.mu.Unlock()
}

const remote = "https://bitbucket.org/team/app.git"

func testJob() core.Job {
	return core.Job{Name: "app", SCM: "git", Remotes: []string{remote}}
}

func TestPollDetectsChanges(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{refs: map[string][]Ref{}}
	lister.set(remote, Ref{Name: "main", Hash: "aaa"}, Ref{Name: "dev", Hash: "bbb"})
	p := New(lister, storage.NewMemoryStore(), nil)

	first, err := p.Poll(ctx, testJob())
	require.NoError(t, err)
	assert.True(t, first.Changed, "first poll without snapshot counts as a change")
	assert.Contains(t, first.Log, "main: new at aaa")
	require.NoError(t, p.Commit(ctx, testJob(), first))

	again, err := p.Poll(ctx, testJob())
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, "Polling "+remote, again.Log)

	lister.set(remote, Ref{Name: "main", Hash: "ccc"}, Ref{Name: "dev", Hash: "bbb"})
	moved, err := p.Poll(ctx, testJob())
	require.NoError(t, err)
	assert.True(t, moved.Changed)
	assert.Contains(t, moved.Log, "main: aaa -> ccc")
}

func TestPollLeavesSnapshotUntilCommit(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{refs: map[string][]Ref{}}
	lister.set(remote, Ref{Name: "main", Hash: "aaa"})
	store := storage.NewMemoryStore()
	p := New(lister, store, nil)

	first, err := p.Poll(ctx, testJob())
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx, testJob(), first))

	lister.set(remote, Ref{Name: "main", Hash: "bbb"})
	for i := 0; i < 2; i++ {
		out, err := p.Poll(ctx, testJob())
		require.NoError(t, err)
		assert.True(t, out.Changed, "uncommitted change is reported again")
		assert.Equal(t, []core.Revision{{Remote: remote, Ref: "main", Hash: "bbb"}}, out.Revisions)
	}

	revs, err := store.LoadRevisions(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []core.Revision{{Remote: remote, Ref: "main", Hash: "aaa"}}, revs)
}

func TestPollBranchFilter(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{refs: map[string][]Ref{}}
	lister.set(remote, Ref{Name: "main", Hash: "aaa"}, Ref{Name: "feature/x", Hash: "bbb"})
	store := storage.NewMemoryStore()
	p := New(lister, store, nil)

	job := testJob()
	job.Branches = []string{"*/main"}
	first, err := p.Poll(ctx, job)
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx, job, first))

	lister.set(remote, Ref{Name: "main", Hash: "aaa"}, Ref{Name: "feature/x", Hash: "zzz"})
	out, err := p.Poll(ctx, job)
	require.NoError(t, err)
	assert.False(t, out.Changed, "untracked branch must not count")
	require.NoError(t, p.Commit(ctx, job, out))

	revs, err := store.LoadRevisions(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []core.Revision{{Remote: remote, Ref: "main", Hash: "aaa"}}, revs)
}

func TestPollErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	hg := testJob()
	hg.SCM = "hg"
	_, err := New(&fakeLister{}, store, nil).Poll(ctx, hg)
	assert.True(t, errors.Is(err, ErrUnsupportedSCM))

	failing := &fakeLister{err: errors.New("connection refused")}
	_, err = New(failing, store, nil).Poll(ctx, testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	revs, err := store.LoadRevisions(ctx, "app")
	require.NoError(t, err)
	assert.Empty(t, revs, "failed poll must not save a snapshot")
}

func TestTracked(t *testing.T) {
	assert.True(t, tracked(nil, "anything"))
	assert.True(t, tracked([]string{"main"}, "main"))
	assert.True(t, tracked([]string{"release/*"}, "release/1.0"))
	assert.False(t, tracked([]string{"main"}, "dev"))
}

func TestGitListerAuth(t *testing.T) {
	assert.Nil(t, NewGitLister("", "").auth("https://bitbucket.org/a/b"))
	assert.Nil(t, NewGitLister("u", "p").auth("git@bitbucket.org:a/b.git"))
	assert.NotNil(t, NewGitLister("", "p").auth("https://bitbucket.org/a/b"))
}
