package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/notes"
	"github.com/odvcencio/releasenotes/pkg/repo"
	"github.com/odvcencio/releasenotes/pkg/repo/repotest"
)

type fakeSyncer struct {
	repo   *repo.Repository
	action repo.SyncAction
	err    error
	links  []string
}

func (f *fakeSyncer) OpenOrSync(ctx context.Context, link string) (*repo.Repository, repo.SyncAction, error) {
	f.links = append(f.links, link)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.repo, f.action, nil
}

func newTestServer(t *testing.T, cfg Config, job Job, repos Syncer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(cfg, job, repos, nil, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/submit"
}

// readFrames reads until the server closes the session.
func readFrames(ctx context.Context, t *testing.T, c *websocket.Conn) ([]Frame, websocket.StatusCode) {
	t.Helper()
	var frames []Frame
	for {
		var f Frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return frames, websocket.CloseStatus(err)
		}
		frames = append(frames, f)
	}
}

func TestSubmitStreamsFragments(t *testing.T) {
	job := JobFunc(func(ctx context.Context, req notes.Request, emit func(string)) error {
		emit("Streaming")
		emit("# " + req.ProductName)
		return nil
	})
	srv := newTestServer(t, Config{}, job, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(validPayload)))

	frames, code := readFrames(ctx, t, c)
	assert.Equal(t, okFrames("Streaming", "# Example"), frames)
	assert.Equal(t, websocket.StatusNormalClosure, code)
}

func TestSubmitJobErrorClosesWithInternalError(t *testing.T) {
	job := JobFunc(func(ctx context.Context, req notes.Request, emit func(string)) error {
		return rnerrors.New(rnerrors.ErrCodeRefNotFound, "missing ref").
			WithUserMessage(`Reference "v9" could not be resolved to a commit.`)
	})
	srv := newTestServer(t, Config{}, job, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, wsjson.Write(ctx, c, json.RawMessage(validPayload)))

	frames, code := readFrames(ctx, t, c)
	assert.Equal(t, []Frame{ErrFrame(`Reference "v9" could not be resolved to a commit.`)}, frames)
	assert.Equal(t, websocket.StatusInternalError, code)
}

func TestSubmitRejectsUnparseableRequest(t *testing.T) {
	srv := newTestServer(t, Config{}, JobFunc(func(context.Context, notes.Request, func(string)) error {
		return nil
	}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("hello")))

	frames, code := readFrames(ctx, t, c)
	assert.Equal(t, []Frame{ErrFrame(msgUnableToParse)}, frames)
	assert.Equal(t, websocket.StatusPolicyViolation, code)
}

func TestSubmitRefusesBeyondSessionCap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	job := JobFunc(func(ctx context.Context, req notes.Request, emit func(string)) error {
		started <- struct{}{}
		<-release
		emit("done")
		return nil
	})
	srv := newTestServer(t, Config{MaxSessions: 1}, job, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer first.CloseNow()
	require.NoError(t, first.Write(ctx, websocket.MessageText, []byte(validPayload)))
	<-started

	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	close(release)
	frames, code := readFrames(ctx, t, first)
	assert.Equal(t, okFrames("done"), frames)
	assert.Equal(t, websocket.StatusNormalClosure, code)
}

func TestShutdownClosesOpenSessions(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	job := JobFunc(func(ctx context.Context, req notes.Request, emit func(string)) error {
		emit("Streaming")
		<-release
		return nil
	})
	server := NewServer(Config{}, job, nil, nil, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer c.CloseNow()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(validPayload)))
	var first Frame
	require.NoError(t, wsjson.Read(ctx, c, &first))
	assert.Equal(t, OkFrame("Streaming"), first)

	server.closeSessions()
	server.closeSessions()

	frames, code := readFrames(ctx, t, c)
	assert.Empty(t, frames)
	assert.Equal(t, websocket.StatusGoingAway, code)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	server.awaitSessions(waitCtx)
	assert.Zero(t, server.sessions.Active())
}

func TestSubmitRejectsDisallowedOrigin(t *testing.T) {
	srv := newTestServer(t, Config{AllowedOrigins: []string{"http://good.test"}}, JobFunc(
		func(context.Context, notes.Request, func(string)) error { return nil }), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.test"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func TestRepoSync(t *testing.T) {
	dir := t.TempDir()
	repotest.NewOnDisk(t, dir)
	opened, err := repo.Open(dir)
	require.NoError(t, err)

	syncer := &fakeSyncer{repo: opened, action: repo.SyncCloned}
	srv := newTestServer(t, Config{}, nil, syncer)

	status, body := postJSON(t, srv, "/api/repos/sync", `{"repo_link": " https://example.com/a.git "}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, dir, body["path"])
	assert.Equal(t, "cloned", body["action"])
	assert.Equal(t, []string{"https://example.com/a.git"}, syncer.links)
}

func TestRepoSyncErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		syncErr    error
		wantStatus int
		wantError  string
	}{
		{
			name:       "malformed body",
			body:       `{"repo_link": `,
			wantStatus: http.StatusBadRequest,
			wantError:  msgUnableToParse,
		},
		{
			name:       "empty link",
			body:       `{"repo_link": "  "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  msgFieldEmpty,
		},
		{
			name:       "clone policy",
			body:       `{"repo_link": "file:///etc"}`,
			syncErr:    rnerrors.New(rnerrors.ErrCodeClonePolicy, "scheme not allowed"),
			wantStatus: http.StatusForbidden,
			wantError:  "scheme not allowed",
		},
		{
			name:       "remote unavailable",
			body:       `{"repo_link": "https://example.com/gone.git"}`,
			syncErr:    rnerrors.Wrap(errors.New("repository not found"), rnerrors.ErrCodeRepoSync, "clone failed"),
			wantStatus: http.StatusBadGateway,
			wantError:  "clone failed: repository not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{}, nil, &fakeSyncer{err: tt.syncErr})

			status, body := postJSON(t, srv, "/api/repos/sync", tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantError, body["error"])
		})
	}
}

func TestListPrompts(t *testing.T) {
	srv := newTestServer(t, Config{}, nil, nil)

	resp, err := srv.Client().Get(srv.URL + "/api/prompts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Prompts []struct {
			Kind       string `json:"kind"`
			Overridden bool   `json:"overridden"`
		} `json:"prompts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Prompts, 2)
	for _, p := range body.Prompts {
		assert.False(t, p.Overridden, p.Kind)
	}
}

func TestHealthzAndSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, Config{}, nil, nil)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestMetricsLoopbackOnly(t *testing.T) {
	s := NewServer(Config{}, nil, nil, nil, nil)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "releasenotes_sessions_active")

	public := NewServer(Config{PublicMetrics: true}, nil, nil, nil, nil).Handler()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rr = httptest.NewRecorder()
	public.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusForError(rnerrors.New(rnerrors.ErrCodeClonePolicy, "x")))
	assert.Equal(t, http.StatusBadGateway, statusForError(rnerrors.New(rnerrors.ErrCodeRepoSync, "x")))
	assert.Equal(t, http.StatusBadRequest, statusForError(rnerrors.New(rnerrors.ErrCodeValidation, "x")))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("plain")))
}
