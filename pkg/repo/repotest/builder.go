// Package repotest builds small git histories with explicit commit times
// for tests.
package repotest

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Builder writes commit objects straight into a repository's storer.
type Builder struct {
	t    testing.TB
	Repo *git.Repository
	tree plumbing.Hash
}

// NewMemory returns a builder over an in-memory repository.
func NewMemory(t testing.TB) *Builder {
	t.Helper()
	r, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		t.Fatalf("init memory repo: %v", err)
	}
	return newBuilder(t, r)
}

// NewOnDisk returns a builder over a bare repository at dir.
func NewOnDisk(t testing.TB, dir string) *Builder {
	t.Helper()
	r, err := git.PlainInit(dir, true)
	if err != nil {
		t.Fatalf("init repo at %s: %v", dir, err)
	}
	return newBuilder(t, r)
}

func newBuilder(t testing.TB, r *git.Repository) *Builder {
	b := &Builder{t: t, Repo: r}
	obj := r.Storer.NewEncodedObject()
	if err := (&object.Tree{}).Encode(obj); err != nil {
		t.Fatalf("encode tree: %v", err)
	}
	h, err := r.Storer.SetEncodedObject(obj)
	if err != nil {
		t.Fatalf("store tree: %v", err)
	}
	b.tree = h
	return b
}

func signature(unix int64) object.Signature {
	return object.Signature{
		Name:  "Release Bot",
		Email: "bot@example.com",
		When:  time.Unix(unix, 0).UTC(),
	}
}

// Commit stores a commit with the given message, committer time and parents.
func (b *Builder) Commit(message string, unix int64, parents ...plumbing.Hash) plumbing.Hash {
	b.t.Helper()
	c := &object.Commit{
		Author:       signature(unix),
		Committer:    signature(unix),
		Message:      message,
		TreeHash:     b.tree,
		ParentHashes: parents,
	}
	obj := b.Repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		b.t.Fatalf("encode commit: %v", err)
	}
	h, err := b.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		b.t.Fatalf("store commit: %v", err)
	}
	return h
}

// Chain stores messages as a linear history, one second apart starting at
// unix, and returns the hashes oldest first.
func (b *Builder) Chain(unix int64, messages ...string) []plumbing.Hash {
	b.t.Helper()
	hashes := make([]plumbing.Hash, 0, len(messages))
	for i, msg := range messages {
		var parents []plumbing.Hash
		if i > 0 {
			parents = append(parents, hashes[i-1])
		}
		hashes = append(hashes, b.Commit(msg, unix+int64(i), parents...))
	}
	return hashes
}

// Tag creates a lightweight tag.
func (b *Builder) Tag(name string, target plumbing.Hash) {
	b.t.Helper()
	if _, err := b.Repo.CreateTag(name, target, nil); err != nil {
		b.t.Fatalf("create tag %s: %v", name, err)
	}
}

// AnnotatedTag creates an annotated tag object pointing at target.
func (b *Builder) AnnotatedTag(name string, target plumbing.Hash, unix int64) {
	b.t.Helper()
	sig := signature(unix)
	if _, err := b.Repo.CreateTag(name, target, &git.CreateTagOptions{
		Tagger:  &sig,
		Message: "release " + name,
	}); err != nil {
		b.t.Fatalf("create annotated tag %s: %v", name, err)
	}
}

// Branch points refs/heads/name at target.
func (b *Builder) Branch(name string, target plumbing.Hash) {
	b.t.Helper()
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), target)
	if err := b.Repo.Storer.SetReference(ref); err != nil {
		b.t.Fatalf("set branch %s: %v", name, err)
	}
}
