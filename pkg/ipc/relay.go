package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/notes"
)

const (
	msgUnableToParse = "Unable to parse message."
	msgFieldEmpty    = "A field has been left empty."

	defaultWriteTimeout = 10 * time.Second
)

// Job is the background work started once a session's request is accepted.
// emit may be called from the job's goroutine only; fragments are relayed
// in call order.
type Job interface {
	Run(ctx context.Context, req notes.Request, emit func(string)) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, req notes.Request, emit func(string)) error

func (f JobFunc) Run(ctx context.Context, req notes.Request, emit func(string)) error {
	return f(ctx, req, emit)
}

// wsConn is the subset of *websocket.Conn the relay needs.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Frame is one message sent to the client: exactly one of Ok or Err is set.
type Frame struct {
	Ok  *string `json:"Ok,omitempty"`
	Err *string `json:"Err,omitempty"`
}

// OkFrame carries a fragment.
func OkFrame(fragment string) Frame {
	return Frame{Ok: &fragment}
}

// ErrFrame carries a failure description.
func ErrFrame(message string) Frame {
	return Frame{Err: &message}
}

// State is a session's position in its lifecycle.
type State int32

const (
	StateAwaitingRequest State = iota
	StateRunning
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeJobError        Outcome = "job-error"
	OutcomeJobCrashed      Outcome = "job-crashed"
	OutcomeClientClosed    Outcome = "client-closed"
	OutcomeConnectionError Outcome = "connection-error"
	OutcomeRejected        Outcome = "rejected"
	OutcomeShutdown        Outcome = "shutdown"
)

// RelayOptions configures a Relay.
type RelayOptions struct {
	SessionID    string
	Logger       *zap.Logger
	WriteTimeout time.Duration
	// Shutdown is closed when the server is going away. Open sessions are
	// closed with StatusGoingAway; running jobs are abandoned.
	Shutdown <-chan struct{}
}

// Relay owns one client connection for its lifetime: it reads the single
// request, runs one job and forwards the job's fragments until exactly one
// terminal outcome is reached. A Relay is not reusable.
type Relay struct {
	conn         wsConn
	job          Job
	logger       *zap.Logger
	writeTimeout time.Duration
	shutdown     <-chan struct{}
	wentAway     bool

	state     atomic.Int32
	terminate sync.Once
	queue     *fragmentQueue
	sent      int
}

// NewRelay binds a relay to conn.
func NewRelay(conn wsConn, job Job, opts RelayOptions) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionID != "" {
		logger = logger.With(zap.String("session_id", opts.SessionID))
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Relay{
		conn:         conn,
		job:          job,
		logger:       logger,
		writeTimeout: timeout,
		shutdown:     opts.Shutdown,
		queue:        newFragmentQueue(),
	}
}

// State reports the current lifecycle state.
func (r *Relay) State() State {
	return State(r.state.Load())
}

// Serve runs the session to completion and returns its outcome. The
// connection is closed when Serve returns. The job outlives ctx: a client
// going away abandons the job's output but does not cancel it.
func (r *Relay) Serve(ctx context.Context) Outcome {
	start := time.Now()
	metricSessionsActive.Inc()
	defer metricSessionsActive.Dec()

	// Cancelling a websocket read closes the connection, so readCtx is only
	// cancelled after the close handshake has been attempted.
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	stopWatch := r.watchShutdown()
	outcome := r.serve(ctx, readCtx)
	stopWatch()
	if r.wentAway {
		outcome = OutcomeShutdown
	}

	metricSessionOutcomes.WithLabelValues(string(outcome)).Inc()
	r.logger.Info("session finished",
		zap.String("outcome", string(outcome)),
		zap.Int("fragments", r.sent),
		zap.Duration("duration", time.Since(start)),
	)
	return outcome
}

// watchShutdown closes the connection once the server goes away. Closing
// unblocks whatever read or write the session is waiting on. The returned
// func stops the watcher and waits for it.
func (r *Relay) watchShutdown() func() {
	if r.shutdown == nil {
		return func() {}
	}
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-r.shutdown:
			abandoned := r.queue.len()
			if r.finish(websocket.StatusGoingAway, "server shutting down") {
				r.logger.Info("session closed for shutdown", zap.Int("abandoned_fragments", abandoned))
				r.wentAway = true
			}
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-exited
	}
}

func (r *Relay) serve(ctx, readCtx context.Context) Outcome {
	req, outcome, ok := r.awaitRequest(ctx, readCtx)
	if !ok {
		return outcome
	}

	r.state.Store(int32(StateRunning))
	r.logger.Info("job started",
		zap.String("product", req.ProductName),
		zap.String("release_tag", req.ReleaseTag),
		zap.String("prev_release_tag", req.PrevReleaseTag),
	)

	done := make(chan error, 1)
	go r.runJob(context.WithoutCancel(ctx), req, done)

	inbound := make(chan error, 1)
	go r.readInbound(readCtx, inbound)

	return r.relay(ctx, inbound, done)
}

// awaitRequest reads exactly one message and validates it.
func (r *Relay) awaitRequest(ctx, readCtx context.Context) (notes.Request, Outcome, bool) {
	typ, payload, err := r.conn.Read(readCtx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			r.logger.Debug("client closed before sending a request")
			r.finish(websocket.StatusNormalClosure, "")
			return notes.Request{}, OutcomeClientClosed, false
		}
		r.logger.Warn("connection error before request",
			zap.Error(rnerrors.Wrap(err, rnerrors.ErrCodeConnection, "read failed")))
		r.finish(websocket.StatusInternalError, "connection error")
		return notes.Request{}, OutcomeConnectionError, false
	}

	if typ != websocket.MessageText {
		r.reject(ctx, rnerrors.New(rnerrors.ErrCodeUnsupportedFormat, "request was not a text message"), msgUnableToParse)
		return notes.Request{}, OutcomeRejected, false
	}

	req, err := notes.ParseRequest(payload)
	if err != nil {
		r.reject(ctx, rnerrors.Wrap(err, rnerrors.ErrCodeInvalidArguments, "request did not decode"), msgUnableToParse)
		return notes.Request{}, OutcomeRejected, false
	}

	if notes.Validate(req) {
		r.reject(ctx, rnerrors.New(rnerrors.ErrCodeValidation, "request has empty fields"), msgFieldEmpty)
		return notes.Request{}, OutcomeRejected, false
	}
	return req, "", true
}

func (r *Relay) reject(ctx context.Context, cause error, message string) {
	r.logger.Info("request rejected", zap.Error(cause))
	_ = r.send(ctx, ErrFrame(message))
	r.finish(websocket.StatusPolicyViolation, message)
}

// relay multiplexes fragments, client close and job completion.
func (r *Relay) relay(ctx context.Context, inbound <-chan error, done <-chan error) Outcome {
	for {
		// A pending close wins over buffered fragments.
		select {
		case err := <-inbound:
			return r.onInbound(err)
		default:
		}

		select {
		case <-r.queue.ready():
			fragment, ok := r.queue.pop()
			if !ok {
				continue
			}
			if err := r.send(ctx, OkFrame(fragment)); err != nil {
				return r.onWriteError(err)
			}

		case err := <-inbound:
			return r.onInbound(err)

		case jobErr := <-done:
			// Completion can be observed before the last fragments are read.
			for {
				fragment, ok := r.queue.pop()
				if !ok {
					break
				}
				if err := r.send(ctx, OkFrame(fragment)); err != nil {
					return r.onWriteError(err)
				}
			}
			return r.onJobDone(ctx, jobErr)
		}
	}
}

func (r *Relay) onInbound(err error) Outcome {
	if websocket.CloseStatus(err) != -1 {
		r.logger.Info("client closed session", zap.Int("abandoned_fragments", r.queue.len()))
		r.finish(websocket.StatusNormalClosure, "")
		return OutcomeClientClosed
	}
	r.logger.Warn("connection error while running",
		zap.Error(rnerrors.Wrap(err, rnerrors.ErrCodeConnection, "read failed")))
	r.finish(websocket.StatusInternalError, "connection error")
	return OutcomeConnectionError
}

func (r *Relay) onWriteError(err error) Outcome {
	r.logger.Warn("connection error while sending",
		zap.Error(rnerrors.Wrap(err, rnerrors.ErrCodeConnection, "write failed")))
	r.finish(websocket.StatusInternalError, "connection error")
	return OutcomeConnectionError
}

func (r *Relay) onJobDone(ctx context.Context, jobErr error) Outcome {
	if jobErr == nil {
		r.finish(websocket.StatusNormalClosure, "")
		return OutcomeCompleted
	}

	outcome := OutcomeJobError
	if rnerrors.IsCode(jobErr, rnerrors.ErrCodeJobPanic) {
		outcome = OutcomeJobCrashed
	}
	fields := []zap.Field{
		zap.String("code", string(rnerrors.GetCode(jobErr))),
		zap.Error(jobErr),
	}
	if stack := rnerrors.StackOf(jobErr); stack != "" {
		fields = append(fields, zap.String("stack", stack))
	}
	r.logger.Warn("job failed", fields...)
	_ = r.send(ctx, ErrFrame(rnerrors.Describe(jobErr)))
	r.finish(websocket.StatusInternalError, "job failed")
	return outcome
}

// runJob reports the job's result, converting a panic into a JOB_PANIC error.
func (r *Relay) runJob(ctx context.Context, req notes.Request, done chan<- error) {
	start := time.Now()
	var err error
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = rnerrors.New(rnerrors.ErrCodeJobPanic, fmt.Sprintf("job panicked: %v", p)).
				WithUserMessage(fmt.Sprintf("Background job panicked: %v", p))
		}
		metricJobDuration.WithLabelValues(jobResult(err)).Observe(time.Since(start).Seconds())
		done <- err
	}()
	err = r.job.Run(ctx, req, r.queue.push)
}

func jobResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case rnerrors.IsCode(err, rnerrors.ErrCodeJobPanic):
		return "panic"
	default:
		return "error"
	}
}

// readInbound keeps reading so control frames are processed. Data messages
// after the request are ignored.
func (r *Relay) readInbound(ctx context.Context, inbound chan<- error) {
	for {
		_, _, err := r.conn.Read(ctx)
		if err != nil {
			inbound <- err
			return
		}
		r.logger.Debug("ignoring message received while running")
	}
}

func (r *Relay) send(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	if frame.Ok != nil {
		r.sent++
		metricFragmentsRelayed.Inc()
	}
	return nil
}

// finish enters Terminal and reports whether this call did it. Only the
// first call has any effect.
func (r *Relay) finish(code websocket.StatusCode, reason string) bool {
	ran := false
	r.terminate.Do(func() {
		ran = true
		r.state.Store(int32(StateTerminal))
		r.queue.close()
		if err := r.conn.Close(code, reason); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Debug("close handshake failed", zap.Error(err))
		}
	})
	return ran
}

// fragmentQueue is the unbounded single-writer, single-reader channel
// between a job and its relay. ready is signalled whenever items may be
// available.
type fragmentQueue struct {
	mu     sync.Mutex
	items  []string
	closed bool
	signal chan struct{}
}

func newFragmentQueue() *fragmentQueue {
	return &fragmentQueue{signal: make(chan struct{}, 1)}
}

func (q *fragmentQueue) push(fragment string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fragment)
	q.mu.Unlock()
	q.notify()
}

func (q *fragmentQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	fragment := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.notify()
	}
	return fragment, true
}

func (q *fragmentQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *fragmentQueue) ready() <-chan struct{} {
	return q.signal
}

func (q *fragmentQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops buffered fragments and ignores later pushes.
func (q *fragmentQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
