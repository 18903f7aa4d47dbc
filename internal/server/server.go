package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"

	"gatewatch/internal/analysis"
	"gatewatch/internal/app"
	"gatewatch/internal/auth"
	"gatewatch/internal/config"
	"gatewatch/internal/database"
	"gatewatch/internal/logging"
	"gatewatch/internal/middleware"
	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
	"gatewatch/internal/stream"
	"gatewatch/internal/ws"
)

const (
	healthPath = "/health"
	loginPath  = "/api/v1/auth/login"

	maxUploadSize = 512 << 20
)

// ReportSource returns the latest session report. report.Poller implements it.
type ReportSource interface {
	Latest() (analysis.Report, bool)
}

// UploadHistory lists recorded upload jobs. database.Database implements it.
type UploadHistory interface {
	ListUploads(sessionID string, channel pipeline.Channel, limit int) ([]*database.UploadRecord, error)
}

// SessionHistory lists past sessions known to the service. analysis.Client implements it.
type SessionHistory interface {
	ListSessions(ctx context.Context) ([]analysis.SessionSummary, error)
}

// Deps are the components served by the control API.
// Uploads, History, Hub and Stream may be nil.
type Deps struct {
	App       *app.App
	Pipelines *pipeline.Manager
	Board     *overlay.Board
	Reports   ReportSource
	Uploads   UploadHistory
	History   SessionHistory
	Hub       *ws.OverlayHub
	Stream    *stream.MJPEGStreamer
	Auth      *auth.Authenticator
}

// Server is the local control API
type Server struct {
	deps    Deps
	mux     goahttp.Muxer
	handler http.Handler
	started time.Time
	log     zerolog.Logger
}

// New builds the control API and mounts every route
func New(deps Deps) *Server {
	if deps.Auth == nil {
		deps.Auth, _ = auth.NewAuthenticator(config.AuthConfig{})
	}
	s := &Server{
		deps:    deps,
		mux:     goahttp.NewMuxer(),
		started: time.Now(),
		log:     logging.Component("server"),
	}
	s.mount()

	var handler http.Handler = s.mux
	{
		handler = middleware.AuthMiddleware(deps.Auth, healthPath, loginPath)(handler)
		handler = s.logRequests(handler)
		handler = httpmdlwr.RequestID()(handler)
	}
	s.handler = handler
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) mount() {
	routes := []struct {
		method, pattern string
		handler         http.HandlerFunc
	}{
		{http.MethodGet, healthPath, s.health},
		{http.MethodPost, loginPath, s.login},
		{http.MethodGet, "/api/v1/auth/me", s.me},

		{http.MethodGet, "/api/v1/session", s.getSession},
		{http.MethodPost, "/api/v1/session", s.createSession},
		{http.MethodPost, "/api/v1/session/new", s.newSession},
		{http.MethodPost, "/api/v1/session/logout", s.logout},
		{http.MethodGet, "/api/v1/sessions/history", s.sessionHistory},

		{http.MethodGet, "/api/v1/channels", s.listChannels},
		{http.MethodPut, "/api/v1/channels/{channel}/mode", s.switchMode},
		{http.MethodGet, "/api/v1/channels/{channel}/upload", s.getUpload},
		{http.MethodPost, "/api/v1/channels/{channel}/upload", s.upload},
		{http.MethodDelete, "/api/v1/channels/{channel}/upload", s.clearUpload},
		{http.MethodPost, "/api/v1/channels/{channel}/upload/retry", s.retryUpload},
		{http.MethodGet, "/api/v1/channels/{channel}/overlay", s.getOverlay},
		{http.MethodGet, "/api/v1/channels/{channel}/snapshot", s.snapshot},

		{http.MethodGet, "/api/v1/report", s.getReport},
		{http.MethodGet, "/api/v1/uploads", s.listUploads},
	}
	for _, rt := range routes {
		s.mux.Handle(rt.method, rt.pattern, rt.handler)
		s.log.Debug().Str("method", rt.method).Str("pattern", rt.pattern).Msg("route mounted")
	}
	if s.deps.Hub != nil {
		s.mux.Handle(http.MethodGet, "/api/v1/ws/overlay", ws.NewHandler(s.deps.Hub).ServeHTTP)
	}
	if s.deps.Stream != nil {
		s.mux.Handle(http.MethodGet, "/api/v1/channels/{channel}/stream", s.mjpeg)
	}
}

// logRequests logs one line per request with the goa request id
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush lets streaming handlers push parts through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes websocket upgrades through to the underlying connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Run serves addr until ctx is cancelled, then shuts down gracefully.
// Errors from the listener are sent to errc.
func (s *Server) Run(ctx context.Context, addr string, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			s.log.Info().Str("addr", addr).Msg("control API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		s.log.Info().Str("addr", addr).Msg("shutting down control API")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("failed to shutdown")
		}
		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
	}()
}
