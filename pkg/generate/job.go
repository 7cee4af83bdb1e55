// Package generate runs the background work of one session: read the
// release history, build the prompt and relay generated tokens.
package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/model"
	"github.com/odvcencio/releasenotes/pkg/notes"
	"github.com/odvcencio/releasenotes/pkg/prompts"
)

// StreamingMarker is emitted once the prompt is ready, just before the
// upstream request is sent.
const StreamingMarker = "Streaming"

// History returns the commit messages of a release, most recent first.
type History interface {
	Extract(ctx context.Context, link, releaseTag, prevTag string) ([]string, error)
}

// Streamer opens a token stream for a prompt.
type Streamer interface {
	Stream(ctx context.Context, prompt string) *model.TokenStream
}

// Deps are the collaborators a Job is built from.
type Deps struct {
	History  History
	Prompts  *prompts.Assembler
	Streamer Streamer
	// APIKey is read once at startup; an empty key fails every job.
	APIKey string
	// Timeout bounds one job; zero means no bound.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Job turns a validated request into a stream of fragments.
type Job struct {
	history  History
	prompts  *prompts.Assembler
	streamer Streamer
	apiKey   string
	timeout  time.Duration
	logger   *zap.Logger
}

// New builds a Job.
func New(d Deps) *Job {
	j := &Job{
		history:  d.History,
		prompts:  d.Prompts,
		streamer: d.Streamer,
		apiKey:   d.APIKey,
		timeout:  d.Timeout,
		logger:   d.Logger,
	}
	if j.prompts == nil {
		j.prompts = prompts.Default()
	}
	if j.logger == nil {
		j.logger = zap.NewNop()
	}
	return j
}

// Run executes the job, calling emit for every fragment in order. The
// returned error is the session's terminal failure.
func (j *Job) Run(ctx context.Context, req notes.Request, emit func(string)) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	commits, err := j.history.Extract(ctx, req.RepoLink, req.ReleaseTag, req.PrevReleaseTag)
	if err != nil {
		return j.fail(ctx, err)
	}
	j.logger.Debug("history extracted", zap.Int("commits", len(commits)))

	if j.apiKey == "" {
		return rnerrors.New(rnerrors.ErrCodeMissingCredential, "No OpenAI API Key")
	}

	prompt, err := j.prompts.Assemble(prompts.InputFor(req, commits))
	if err != nil {
		return rnerrors.Wrap(err, rnerrors.ErrCodeInternal, "Error assembling prompt")
	}

	emit(StreamingMarker)

	stream := j.streamer.Stream(ctx, prompt)
	defer stream.Close()

	fragments := 0
	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			j.logger.Debug("stream exhausted", zap.Int("fragments", fragments))
			return nil
		}
		if err != nil {
			if timeout := j.timedOut(ctx); timeout != nil {
				return timeout
			}
			return rnerrors.Wrap(err, rnerrors.GetCode(err), "token stream failed").
				WithUserMessage("Error fetching tokens: " + rnerrors.Describe(err))
		}
		fragments++
		emit(token)
	}
}

func (j *Job) fail(ctx context.Context, err error) error {
	if timeout := j.timedOut(ctx); timeout != nil {
		return timeout
	}
	return err
}

// timedOut reports the job's own deadline, not a parent's.
func (j *Job) timedOut(ctx context.Context) error {
	if j.timeout <= 0 || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return rnerrors.Newf(rnerrors.ErrCodeJobTimeout, "job exceeded %s", j.timeout).
		WithUserMessage(fmt.Sprintf("Generation timed out after %s.", j.timeout))
}
