package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/giturl"
	"github.com/odvcencio/releasenotes/pkg/repo/repotest"
)

func TestKeyIsStableAndTrimmed(t *testing.T) {
	a := Key("https://github.com/acme/widgets.git")
	assert.Equal(t, a, Key("  https://github.com/acme/widgets.git\n"))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, Key("https://gitlab.com/acme/widgets.git"), "same display name, different remote")
}

func TestPathForIsUnderRoot(t *testing.T) {
	root := t.TempDir()
	c := NewCache(root)
	p := c.PathFor("https://github.com/acme/widgets.git")
	assert.Equal(t, root, filepath.Dir(p))
	assert.Equal(t, root, c.Root())
}

func TestOpenOrSyncRejectedByPolicy(t *testing.T) {
	root := t.TempDir()
	c := NewCache(root, WithClonePolicy(giturl.DefaultClonePolicy()))

	_, _, err := c.OpenOrSync(context.Background(), "file:///etc")
	require.Error(t, err)
	assert.True(t, rnerrors.IsCode(err, rnerrors.ErrCodeClonePolicy))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written for rejected links")
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available for file transport")
	}
}

func TestOpenOrSyncClonesThenFetches(t *testing.T) {
	requireGit(t)

	srcDir := t.TempDir()
	src := repotest.NewOnDisk(t, srcDir)
	hashes := src.Chain(1_700_000_000, "init", "feature")
	src.Branch("master", hashes[1])
	src.Tag("v1", hashes[0])

	link := "file://" + srcDir
	c := NewCache(t.TempDir())
	ctx := context.Background()

	r, action, err := c.OpenOrSync(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, SyncCloned, action)
	assert.Equal(t, c.PathFor(link), r.Path())

	commit, err := r.ResolveRef("v1")
	require.NoError(t, err)
	assert.Equal(t, hashes[0], commit.ID)

	next := src.Commit("release", 1_700_000_500, hashes[1])
	src.Branch("master", next)
	src.Tag("v2", next)

	r, action, err = c.OpenOrSync(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, SyncFetched, action)

	commit, err = r.ResolveRef("v2")
	require.NoError(t, err, "fetch brings in new tags")
	assert.Equal(t, next, commit.ID)
}

func TestOpenOrSyncReplacesNonRepositoryDirectory(t *testing.T) {
	requireGit(t)

	srcDir := t.TempDir()
	src := repotest.NewOnDisk(t, srcDir)
	h := src.Commit("init", 1_700_000_000)
	src.Branch("master", h)

	link := "file://" + srcDir
	c := NewCache(t.TempDir())
	require.NoError(t, os.MkdirAll(c.PathFor(link), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.PathFor(link), "partial"), []byte("x"), 0o644))

	_, action, err := c.OpenOrSync(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, SyncCloned, action)
}

func TestOpenOrSyncSerializesSameLink(t *testing.T) {
	requireGit(t)

	srcDir := t.TempDir()
	src := repotest.NewOnDisk(t, srcDir)
	h := src.Commit("init", 1_700_000_000)
	src.Branch("master", h)

	link := "file://" + srcDir
	c := NewCache(t.TempDir())

	var wg sync.WaitGroup
	actions := make([]SyncAction, 4)
	errs := make([]error, 4)
	for i := range actions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, actions[i], errs[i] = c.OpenOrSync(context.Background(), link)
		}(i)
	}
	wg.Wait()

	cloned := 0
	for i := range actions {
		require.NoError(t, errs[i])
		if actions[i] == SyncCloned {
			cloned++
		}
	}
	assert.Equal(t, 1, cloned, "exactly one caller clones")
}

func TestOpenOrSyncCloneFailureLeavesNoDirectory(t *testing.T) {
	requireGit(t)

	c := NewCache(t.TempDir())
	link := "file://" + filepath.Join(t.TempDir(), "missing")

	_, _, err := c.OpenOrSync(context.Background(), link)
	require.Error(t, err)
	assert.True(t, rnerrors.IsCode(err, rnerrors.ErrCodeRepoSync))

	_, statErr := os.Stat(c.PathFor(link))
	assert.True(t, os.IsNotExist(statErr))
}
