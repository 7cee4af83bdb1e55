package ipc

import (
	"context"
	stdliberrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"nhooyr.io/websocket"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
	"github.com/odvcencio/releasenotes/pkg/prompts"
	"github.com/odvcencio/releasenotes/pkg/repo"
)

const (
	defaultBindAddress = "127.0.0.1:8080"

	// maxWSReadBytes bounds a single inbound message. Requests carry ticket
	// text, so this is generous.
	maxWSReadBytes int64 = 1 << 20

	shutdownTimeout = 5 * time.Second
)

var errTooManySessions = stdliberrors.New("too many concurrent sessions")

// Config controls the HTTP server behavior.
type Config struct {
	BindAddress    string
	AllowedOrigins []string
	MaxSessions    int
	PublicMetrics  bool
	ReadLimit      int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
}

// Syncer clones or refreshes a repository working copy.
type Syncer interface {
	OpenOrSync(ctx context.Context, link string) (*repo.Repository, repo.SyncAction, error)
}

// Server hosts the websocket submission endpoint plus a small JSON API.
type Server struct {
	cfg        Config
	job        Job
	repos      Syncer
	prompts    *prompts.Assembler
	sessions   *connLimiter
	logger     *zap.Logger
	httpServer *http.Server

	// shutdown is closed once to tell every open session to go away.
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewServer constructs a server that runs job for every accepted session.
func NewServer(cfg Config, job Job, repos Syncer, assembler *prompts.Assembler, logger *zap.Logger) *Server {
	if strings.TrimSpace(cfg.BindAddress) == "" {
		cfg.BindAddress = defaultBindAddress
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = maxWSReadBytes
	}
	if assembler == nil {
		assembler = prompts.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		job:      job,
		repos:    repos,
		prompts:  assembler,
		sessions: newConnLimiter(cfg.MaxSessions),
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// Handler builds the routed handler. Start serves it; tests mount it on
// httptest servers directly.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)
	router.Use(s.accessLogMiddleware)

	router.Get("/submit", s.handleSubmit)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/api", func(r chi.Router) {
		r.Post("/repos/sync", s.handleRepoSync)
		r.Get("/prompts", s.handleListPrompts)
	})

	// Wrap router with H2C handler to support HTTP/2 cleartext connections.
	// This enables WebSocket over HTTP/2 (RFC 8441) when behind reverse proxies
	// that strip HTTP/1.1 upgrade headers.
	return h2c.NewHandler(router, &http2.Server{})
}

// Start listens on the configured address until ctx is done, then shuts
// down gracefully. http.Server.Shutdown does not track hijacked websocket
// connections, so open sessions are told to close with StatusGoingAway and
// Start waits for them up to shutdownTimeout. Their jobs are abandoned.
func (s *Server) Start(ctx context.Context) error {
	if !isLoopbackBindAddress(s.cfg.BindAddress) {
		s.logger.Warn("binding to a non-loopback address; submissions are unauthenticated",
			zap.String("bind", s.cfg.BindAddress))
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	s.httpServer.RegisterOnShutdown(s.closeSessions)

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("serving release notes", zap.String("bind", s.cfg.BindAddress))
		if err := s.httpServer.ListenAndServe(); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.awaitSessions(shutdownCtx)
		return err
	case err := <-serverErr:
		return err
	}
}

// closeSessions asks every open session to close. Safe to call more than once.
func (s *Server) closeSessions() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("closing sessions", zap.Int("sessions", s.sessions.Active()))
		close(s.shutdown)
	})
}

// awaitSessions waits until no session is open or ctx is done.
func (s *Server) awaitSessions(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.sessions.Active() > 0 {
		select {
		case <-ctx.Done():
			s.logger.Warn("sessions still open at shutdown", zap.Int("sessions", s.sessions.Active()))
			return
		case <-ticker.C:
		}
	}
}

// handleSubmit upgrades to a websocket and hands the connection to a Relay.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		respondError(w, http.StatusForbidden, errForbidden)
		return
	}
	if !s.sessions.Acquire() {
		metricSessionsRefused.Inc()
		s.logger.Warn("session refused", zap.Int("max_sessions", s.cfg.MaxSessions))
		respondError(w, http.StatusTooManyRequests, errTooManySessions)
		return
	}
	defer s.sessions.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	sessionID := ulid.Make().String()
	logger := s.logger.With(zap.String("session_id", sessionID))
	logger.Info("session accepted", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn, s.cfg.PingInterval, logger)

	NewRelay(conn, s.job, RelayOptions{
		Logger:       logger,
		WriteTimeout: s.cfg.WriteTimeout,
		Shutdown:     s.shutdown,
	}).Serve(ctx)
}

type repoSyncRequest struct {
	RepoLink string `json:"repo_link"`
}

type repoSyncResponse struct {
	Path   string          `json:"path"`
	Action repo.SyncAction `json:"action"`
}

// handleRepoSync clones or fetches a repository ahead of a submission.
func (s *Server) handleRepoSync(w http.ResponseWriter, r *http.Request) {
	var req repoSyncRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, rnerrors.Wrap(err, rnerrors.ErrCodeInvalidArguments, "invalid request body").
			WithUserMessage(msgUnableToParse))
		return
	}
	link := strings.TrimSpace(req.RepoLink)
	if link == "" {
		respondError(w, http.StatusBadRequest, rnerrors.New(rnerrors.ErrCodeValidation, "repo_link is empty").
			WithUserMessage(msgFieldEmpty))
		return
	}
	if s.repos == nil {
		respondError(w, http.StatusServiceUnavailable, rnerrors.New(rnerrors.ErrCodeInternal, "repository cache unavailable"))
		return
	}

	working, action, err := s.repos.OpenOrSync(r.Context(), link)
	if err != nil {
		metricRepoSyncs.WithLabelValues("error").Inc()
		s.logger.Warn("repository sync failed", zap.String("repo", link), zap.Error(err))
		respondError(w, statusForError(err), err)
		return
	}
	metricRepoSyncs.WithLabelValues(string(action)).Inc()
	respondJSON(w, http.StatusOK, repoSyncResponse{Path: working.Path(), Action: action})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"prompts": s.prompts.Info()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Active(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
