// Package poller decides whether a job's remotes moved since the last poll by
// listing remote refs and comparing them with the stored snapshot.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"bitbucket_jenkins_integ/internal/core"
)

// ErrUnsupportedSCM is returned for jobs whose SCM cannot be polled.
var ErrUnsupportedSCM = errors.New("unsupported scm")

// Ref is one branch head reported by a remote.
type Ref struct {
	Name string
	Hash string
}

// RemoteLister lists the branch heads of a remote repository.
type RemoteLister interface {
	ListBranches(ctx context.Context, url string) ([]Ref, error)
}

// RevisionStore keeps the last seen revisions per job.
type RevisionStore interface {
	LoadRevisions(ctx context.Context, job string) ([]core.Revision, error)
	SaveRevisions(ctx context.Context, job string, revs []core.Revision) error
}

// Outcome is the result of one poll.
type Outcome struct {
	Changed bool
	Log     string
	// Revisions are the tracked heads seen by this poll. They become the
	// snapshot only once Commit is called.
	Revisions []core.Revision
}

// Poller compares remote branch heads against the stored snapshot.
type Poller struct {
	lister RemoteLister
	store  RevisionStore
	logger *slog.Logger
}

// New creates a Poller.
func New(lister RemoteLister, store RevisionStore, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{lister: lister, store: store, logger: logger}
}

// Poll lists every remote of job and reports whether any tracked branch is new
// or points at a different commit than the stored snapshot. It does not touch
// the snapshot. A job without a snapshot counts as changed.
func (p *Poller) Poll(ctx context.Context, job core.Job) (Outcome, error) {
	if job.SCM != "" && job.SCM != "git" {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnsupportedSCM, job.SCM)
	}

	previous, err := p.store.LoadRevisions(ctx, job.Name)
	if err != nil {
		return Outcome{}, fmt.Errorf("load revisions: %w", err)
	}
	known := make(map[string]string, len(previous))
	for _, rev := range previous {
		known[rev.Remote+" "+rev.Ref] = rev.Hash
	}

	var (
		lines   []string
		current []core.Revision
		changed = len(previous) == 0
	)
	for _, remote := range job.Remotes {
		lines = append(lines, "Polling "+remote)
		refs, err := p.lister.ListBranches(ctx, remote)
		if err != nil {
			return Outcome{}, fmt.Errorf("list %s: %w", remote, err)
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

		for _, ref := range refs {
			if !tracked(job.Branches, ref.Name) {
				continue
			}
			current = append(current, core.Revision{Remote: remote, Ref: ref.Name, Hash: ref.Hash})

			old, seen := known[remote+" "+ref.Name]
			switch {
			case !seen:
				lines = append(lines, fmt.Sprintf("  %s: new at %s", ref.Name, ref.Hash))
				changed = true
			case old != ref.Hash:
				lines = append(lines, fmt.Sprintf("  %s: %s -> %s", ref.Name, old, ref.Hash))
				changed = true
			}
		}
	}

	p.logger.Debug("polled job",
		slog.String("job", job.Name),
		slog.Int("refs", len(current)),
		slog.Bool("changed", changed),
	)
	return Outcome{Changed: changed, Log: strings.Join(lines, "\n"), Revisions: current}, nil
}

// Commit makes the heads seen by out the job's snapshot.
func (p *Poller) Commit(ctx context.Context, job core.Job, out Outcome) error {
	if err := p.store.SaveRevisions(ctx, job.Name, out.Revisions); err != nil {
		return fmt.Errorf("save revisions: %w", err)
	}
	return nil
}

// tracked reports whether branch matches one of the patterns. Patterns follow
// path.Match and may carry a remote prefix such as "*/main". No patterns
// tracks every branch.
func tracked(patterns []string, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, branch); ok {
			return true
		}
		if ok, _ := path.Match(pattern, "origin/"+branch); ok {
			return true
		}
	}
	return false
}

// GitLister lists remote branches with go-git, without cloning.
type GitLister struct {
	username string
	password string
}

// NewGitLister creates a lister. Credentials are sent to http(s) remotes only
// and are optional.
func NewGitLister(username, password string) *GitLister {
	return &GitLister{username: username, password: password}
}

// ListBranches returns the branch heads advertised by url.
func (l *GitLister) ListBranches(ctx context.Context, url string) ([]Ref, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: l.auth(url)})
	if err != nil {
		return nil, err
	}

	var out []Ref
	for _, ref := range refs {
		if ref.Type() != plumbing.HashReference || !ref.Name().IsBranch() {
			continue
		}
		out = append(out, Ref{Name: ref.Name().Short(), Hash: ref.Hash().String()})
	}
	return out, nil
}

func (l *GitLister) auth(url string) transport.AuthMethod {
	if l.password == "" {
		return nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil
	}
	username := l.username
	if username == "" {
		username = "x-token-auth"
	}
	return &githttp.BasicAuth{Username: username, Password: l.password}
}
