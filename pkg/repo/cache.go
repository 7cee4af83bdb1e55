// Package repo keeps one local copy per remote repository link and exposes
// the reference and ancestry lookups needed to read release history.
package repo

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/giturl"
)

// SyncAction reports what OpenOrSync had to do.
type SyncAction string

const (
	SyncCloned  SyncAction = "cloned"
	SyncFetched SyncAction = "fetched"
)

var fetchRefSpecs = []config.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

// Cache maps repository links onto working copies under a root directory.
// The directory name is a hash of the link, so remotes that share a display
// name never collide. Entries are never evicted.
type Cache struct {
	root    string
	policy  *giturl.ClonePolicy
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithClonePolicy rejects links the policy does not allow before any network access.
func WithClonePolicy(policy giturl.ClonePolicy) Option {
	return func(c *Cache) {
		c.policy = &policy
	}
}

// WithTimeout bounds each clone or fetch. Zero means no bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Cache) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger used for sync events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache creates a cache rooted at root.
func NewCache(root string, opts ...Option) *Cache {
	c := &Cache{
		root:   root,
		logger: zap.NewNop(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key is the stable directory name for link.
func Key(link string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(link)))
	return hex.EncodeToString(sum[:16])
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// PathFor returns where the working copy for link lives.
func (c *Cache) PathFor(link string) string {
	return filepath.Join(c.root, Key(link))
}

// OpenOrSync clones link on first use and afterwards only fetches remote
// metadata (branches and tags). Nothing is merged into a working tree.
// Calls for the same link are serialized.
func (c *Cache) OpenOrSync(ctx context.Context, link string) (*Repository, SyncAction, error) {
	link = strings.TrimSpace(link)
	if c.policy != nil {
		if err := c.policy.Check(ctx, link); err != nil {
			return nil, "", err
		}
	}

	key := Key(link)
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	path := filepath.Join(c.root, key)
	logger := c.logger.With(zap.String("repo_key", key))

	if _, err := os.Stat(path); err == nil {
		r, err := git.PlainOpen(path)
		switch {
		case err == nil:
			if err := fetch(ctx, r); err != nil {
				return nil, "", rnerrors.Wrap(err, rnerrors.ErrCodeRepoSync, "Error fetching repository").
					WithContext("path", path)
			}
			logger.Debug("fetched repository")
			return &Repository{git: r, path: path}, SyncFetched, nil
		case errors.Is(err, git.ErrRepositoryNotExists):
			// Leftover from an interrupted clone.
			logger.Warn("discarding directory that is not a repository", zap.String("path", path))
			if err := os.RemoveAll(path); err != nil {
				return nil, "", rnerrors.Wrap(err, rnerrors.ErrCodeRepoSync, "Error clearing repository directory")
			}
		default:
			return nil, "", rnerrors.Wrap(err, rnerrors.ErrCodeRepoSync, "Error opening repository").
				WithContext("path", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", rnerrors.Wrap(err, rnerrors.ErrCodeRepoSync, "Error opening repository")
	}

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return nil, "", rnerrors.Wrap(err, rnerrors.ErrCodeRepoSync, "Error creating repository cache")
	}
	r, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:        link,
		NoCheckout: true,
		Tags:       git.AllTags,
	})
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, "", rnerrors.Wrap(err, rnerrors.ErrCodeRepoSync, "Error cloning repository")
	}
	logger.Info("cloned repository")
	return &Repository{git: r, path: path}, SyncCloned, nil
}

func fetch(ctx context.Context, r *git.Repository) error {
	err := r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   fetchRefSpecs,
		Tags:       git.AllTags,
		Force:      true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}
