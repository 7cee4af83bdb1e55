package repo

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

// Repository is an opened working copy.
type Repository struct {
	git  *git.Repository
	path string
}

// Open opens an existing repository at path.
func Open(path string) (*Repository, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	return &Repository{git: r, path: path}, nil
}

// Wrap adapts an already opened go-git repository, including in-memory ones.
func Wrap(r *git.Repository) *Repository {
	return &Repository{git: r}
}

// Path is empty for repositories that do not live on disk.
func (r *Repository) Path() string {
	return r.path
}

// Commit is the part of a commit object history extraction needs.
type Commit struct {
	ID      plumbing.Hash
	Message string
	When    time.Time
}

// Text returns the message and whether it is valid UTF-8.
func (c Commit) Text() (string, bool) {
	return c.Message, utf8.ValidString(c.Message)
}

func fromObject(c *object.Commit) Commit {
	return Commit{ID: c.Hash, Message: c.Message, When: c.Committer.When}
}

// ResolveRef resolves a tag, branch or hash to the commit it points at.
// Tags win over branches and branches over remote branches; a name is only
// read as a revision when no reference has it, so a numeric tag is never
// mistaken for an abbreviated hash. Annotated tags are peeled.
func (r *Repository) ResolveRef(name string) (Commit, error) {
	name = strings.TrimSpace(name)
	notFound := func(err error) error {
		return rnerrors.Wrap(err, rnerrors.ErrCodeRefNotFound, fmt.Sprintf("reference %q not found", name)).
			WithUserMessage(fmt.Sprintf("Reference %q could not be resolved to a commit.", name))
	}
	if name == "" {
		return Commit{}, notFound(plumbing.ErrReferenceNotFound)
	}

	hash, ok := r.lookupRef(name)
	if !ok {
		resolved, err := r.git.ResolveRevision(plumbing.Revision(name))
		if err != nil {
			return Commit{}, notFound(err)
		}
		hash = *resolved
	}
	commit, err := r.peel(hash)
	if err != nil {
		return Commit{}, notFound(err)
	}
	return fromObject(commit), nil
}

func (r *Repository) lookupRef(name string) (plumbing.Hash, bool) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewTagReferenceName(name),
		plumbing.NewBranchReferenceName(name),
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, name),
	}
	for _, full := range candidates {
		ref, err := r.git.Reference(full, true)
		if err == nil {
			return ref.Hash(), true
		}
	}
	return plumbing.ZeroHash, false
}

// peel follows an annotated tag to its commit; plain commits pass through.
func (r *Repository) peel(hash plumbing.Hash) (*object.Commit, error) {
	tag, err := r.git.TagObject(hash)
	if err == nil {
		return tag.Commit()
	}
	if !errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, err
	}
	return r.git.CommitObject(hash)
}

// Ancestors walks history from start (inclusive), newest first. The walk is
// lazy; the caller decides when to stop and must Close it.
func (r *Repository) Ancestors(start Commit) (*Walk, error) {
	iter, err := r.git.Log(&git.LogOptions{
		From:  start.ID,
		Order: git.LogOrderCommitterTime,
	})
	if err != nil {
		return nil, fmt.Errorf("walk from %s: %w", start.ID, err)
	}
	return &Walk{iter: iter}, nil
}

// Walk is a lazy ancestry iterator.
type Walk struct {
	iter object.CommitIter
}

// Next returns the next commit, or io.EOF once history is exhausted.
func (w *Walk) Next() (Commit, error) {
	c, err := w.iter.Next()
	if err != nil {
		return Commit{}, err
	}
	return fromObject(c), nil
}

// Close releases the iterator.
func (w *Walk) Close() {
	w.iter.Close()
}
