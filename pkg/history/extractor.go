// Package history derives the commit messages that make up a release: every
// commit reachable from the release tag down to, but excluding, the previous
// release tag.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/repo"
)

// DefaultMaxWalk bounds the ancestry walk when no bound is configured.
const DefaultMaxWalk = 10000

// Source opens a repository for a link, syncing it with its remote first.
type Source interface {
	OpenOrSync(ctx context.Context, link string) (*repo.Repository, repo.SyncAction, error)
}

// Extractor reads release history through a Source.
type Extractor struct {
	source  Source
	maxWalk int
	logger  *zap.Logger
}

// NewExtractor creates an extractor. maxWalk <= 0 selects DefaultMaxWalk.
func NewExtractor(source Source, maxWalk int, logger *zap.Logger) *Extractor {
	if maxWalk <= 0 {
		maxWalk = DefaultMaxWalk
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{source: source, maxWalk: maxWalk, logger: logger}
}

// Extract syncs link and returns the messages between prevTag and
// releaseTag, most recent first.
func (e *Extractor) Extract(ctx context.Context, link, releaseTag, prevTag string) ([]string, error) {
	r, action, err := e.source.OpenOrSync(ctx, link)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("repository ready", zap.String("action", string(action)), zap.String("path", r.Path()))
	return e.Between(ctx, r, releaseTag, prevTag)
}

// Between runs the extraction against an already opened repository.
func (e *Extractor) Between(ctx context.Context, r *repo.Repository, releaseTag, prevTag string) ([]string, error) {
	release, err := r.ResolveRef(releaseTag)
	if err != nil {
		return nil, err
	}
	prev, err := r.ResolveRef(prevTag)
	if err != nil {
		return nil, err
	}

	// Equal timestamps are rejected too.
	if prev.When.Unix() >= release.When.Unix() {
		return nil, rnerrors.New(rnerrors.ErrCodeInvalidTagOrder, "previous release is not older than release").
			WithContext("release", releaseTag).
			WithContext("prev", prevTag).
			WithUserMessage("Invalid tag order: the previous release tag must be older than the release tag.")
	}

	walk, err := r.Ancestors(release)
	if err != nil {
		return nil, rnerrors.Wrap(err, rnerrors.ErrCodeInternal, "Error walking history")
	}
	defer walk.Close()

	var messages []string
	skipped := 0
	for visited := 0; ; visited++ {
		if visited >= e.maxWalk {
			return nil, rnerrors.Newf(rnerrors.ErrCodeAncestryNotFound, "walked %d commits without reaching previous release", e.maxWalk).
				WithUserMessage(fmt.Sprintf("Previous release tag %q was not found within %d commits of %q.", prevTag, e.maxWalk, releaseTag))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := walk.Next()
		if errors.Is(err, io.EOF) {
			return nil, rnerrors.New(rnerrors.ErrCodeAncestryNotFound, "history exhausted without reaching previous release").
				WithContext("release", releaseTag).
				WithContext("prev", prevTag).
				WithUserMessage("Previous release tag does not precede the release tag on this branch.")
		}
		if err != nil {
			return nil, rnerrors.Wrap(err, rnerrors.ErrCodeInternal, "Error walking history")
		}

		if c.ID == prev.ID {
			e.logger.Debug("history extracted",
				zap.Int("commits", len(messages)),
				zap.Int("skipped", skipped),
			)
			return messages, nil
		}

		text, ok := c.Text()
		if !ok {
			skipped++
			continue
		}
		messages = append(messages, text)
	}
}
