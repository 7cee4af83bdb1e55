package repo

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/repo/repotest"
)

func TestResolveRefLightweightAndAnnotated(t *testing.T) {
	b := repotest.NewMemory(t)
	hashes := b.Chain(1_700_000_000, "first", "second")
	b.Tag("v1.0.0", hashes[0])
	b.AnnotatedTag("v1.1.0", hashes[1], 1_700_000_100)

	r := Wrap(b.Repo)

	c, err := r.ResolveRef("v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, hashes[0], c.ID)
	assert.Equal(t, "first", c.Message)
	assert.Equal(t, int64(1_700_000_000), c.When.Unix())

	c, err = r.ResolveRef("  v1.1.0\n")
	require.NoError(t, err)
	assert.Equal(t, hashes[1], c.ID, "annotated tags peel to their commit")
}

func TestResolveRefPrefersTagOverHashPrefix(t *testing.T) {
	b := repotest.NewMemory(t)
	messages := make([]string, 64)
	for i := range messages {
		messages[i] = fmt.Sprintf("commit %d", i)
	}
	hashes := b.Chain(1_700_000_000, messages...)
	target := hashes[len(hashes)-1]

	// Name the tag after the leading digits of an older commit's hash.
	var name string
	for _, h := range hashes[:len(hashes)-1] {
		prefix := h.String()[:2]
		if strings.Trim(prefix, "0123456789") == "" && !strings.HasPrefix(target.String(), prefix) {
			name = prefix
			break
		}
	}
	require.NotEmpty(t, name, "no commit hash starts with two digits")
	b.Tag(name, target)
	b.AnnotatedTag(name+"0", target, 1_700_000_100)

	r := Wrap(b.Repo)

	c, err := r.ResolveRef(name)
	require.NoError(t, err)
	assert.Equal(t, target, c.ID)

	c, err = r.ResolveRef(name + "0")
	require.NoError(t, err)
	assert.Equal(t, target, c.ID)

	c, err = r.ResolveRef(hashes[0].String())
	require.NoError(t, err, "full hashes still resolve")
	assert.Equal(t, hashes[0], c.ID)
}

func TestResolveRefOrder(t *testing.T) {
	b := repotest.NewMemory(t)
	hashes := b.Chain(1_700_000_000, "branch", "remote", "tag")
	b.Branch("release", hashes[0])
	remote := plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "release"), hashes[1])
	require.NoError(t, b.Repo.Storer.SetReference(remote))
	r := Wrap(b.Repo)

	c, err := r.ResolveRef("release")
	require.NoError(t, err)
	assert.Equal(t, hashes[0], c.ID, "local branch beats remote branch")

	b.Tag("release", hashes[2])
	c, err = r.ResolveRef("release")
	require.NoError(t, err)
	assert.Equal(t, hashes[2], c.ID, "tag beats branch")

	c, err = r.ResolveRef("only-remote")
	require.Error(t, err)
	assert.True(t, rnerrors.IsCode(err, rnerrors.ErrCodeRefNotFound))

	only := plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "only-remote"), hashes[1])
	require.NoError(t, b.Repo.Storer.SetReference(only))
	c, err = r.ResolveRef("only-remote")
	require.NoError(t, err)
	assert.Equal(t, hashes[1], c.ID)
}

func TestResolveRefNotFound(t *testing.T) {
	b := repotest.NewMemory(t)
	b.Tag("v1", b.Commit("only", 1_700_000_000))
	r := Wrap(b.Repo)

	for _, name := range []string{"v2", "", "   "} {
		_, err := r.ResolveRef(name)
		require.Error(t, err, name)
		assert.True(t, rnerrors.IsCode(err, rnerrors.ErrCodeRefNotFound), name)
	}
}

func TestAncestorsWalksNewestFirst(t *testing.T) {
	b := repotest.NewMemory(t)
	hashes := b.Chain(1_700_000_000, "a", "b", "c")
	r := Wrap(b.Repo)

	head, err := r.ResolveRef(hashes[2].String())
	require.NoError(t, err)

	walk, err := r.Ancestors(head)
	require.NoError(t, err)
	defer walk.Close()

	var got []string
	for {
		c, err := walk.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, c.Message)
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
}

func TestCommitText(t *testing.T) {
	text, ok := Commit{Message: "fix: handle nil"}.Text()
	assert.True(t, ok)
	assert.Equal(t, "fix: handle nil", text)

	_, ok = Commit{Message: "bad \xff\xfe bytes"}.Text()
	assert.False(t, ok)
}
