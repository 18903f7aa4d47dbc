package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	goamiddleware "goa.design/goa/v3/middleware"

	"gatewatch/internal/analysis"
	"gatewatch/internal/app"
	"gatewatch/internal/auth"
	"gatewatch/internal/middleware"
	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
	"gatewatch/internal/session"
)

type healthResponse struct {
	Status    string `json:"status"`
	View      string `json:"view"`
	Uptime    string `json:"uptime"`
	Viewers   int    `json:"viewers"`
	Timestamp string `json:"timestamp"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type newSessionRequest struct {
	Confirm bool `json:"confirm"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	viewers := 0
	if s.deps.Hub != nil {
		viewers = s.deps.Hub.ClientCount()
	}
	if s.deps.Stream != nil {
		for _, ch := range pipeline.Channels {
			viewers += s.deps.Stream.Viewers(ch)
		}
	}
	s.writeJSON(w, r, http.StatusOK, healthResponse{
		Status:    "healthy",
		View:      string(s.deps.App.View()),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Viewers:   viewers,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	token, exp, err := s.deps.Auth.Authenticate(req.Username, req.Password)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrAuthDisabled) {
			status = http.StatusNotFound
		}
		s.writeError(w, r, status, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetUserFromContext(r.Context())
	if claims == nil {
		s.writeJSON(w, r, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      claims.Username,
		"expires_at":    claims.ExpiresAt.Unix(),
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.App.State())
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var form pipeline.SessionForm
	if err := goahttp.RequestDecoder(r).Decode(&form); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := form.Validate(); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	created, err := s.deps.App.StartSession(r.Context(), form)
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, created)
}

func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.App.NewSession(req.Confirm); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.App.Logout(); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeJSON(w, r, http.StatusOK, []analysis.SessionSummary{})
		return
	}
	sessions, err := s.deps.History.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	if sessions == nil {
		sessions = []analysis.SessionSummary{}
	}
	s.writeJSON(w, r, http.StatusOK, sessions)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Pipelines.Status())
}

func (s *Server) switchMode(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}
	var req modeRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.App.SwitchMode(r.Context(), cp.Channel(), mode); err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, cp.Status())
}

func (s *Server) getUpload(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}
	job, ok := cp.Uploads().Job()
	if !ok {
		s.writeError(w, r, http.StatusNotFound, pipeline.ErrNoUploadJob)
		return
	}
	s.writeJSON(w, r, http.StatusOK, job)
}

// upload accepts a multipart form with a "file" field. With ?wait=true the
// response carries the terminal job, otherwise the pending one.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	var job pipeline.UploadJob
	status := http.StatusAccepted
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		job, err = cp.Uploads().Submit(r.Context(), header.Filename, data)
		status = http.StatusOK
	} else {
		job, err = cp.Uploads().SubmitAsync(header.Filename, data)
	}
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, r, status, job)
}

func (s *Server) retryUpload(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}

	var (
		job    pipeline.UploadJob
		err    error
		status = http.StatusAccepted
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		job, err = cp.Uploads().Retry(r.Context())
		status = http.StatusOK
	} else {
		job, err = cp.Uploads().RetryAsync()
	}
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	s.writeJSON(w, r, status, job)
}

func (s *Server) clearUpload(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}
	cp.Uploads().Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getOverlay(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}
	list, ok := s.deps.Board.Get(cp.Channel())
	if !ok {
		s.writeError(w, r, http.StatusNotFound, overlay.ErrNoOverlay)
		return
	}
	s.writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}
	img, err := s.deps.Board.Snapshot(cp.Channel())
	if err != nil {
		s.writeError(w, r, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// mjpeg streams the composed overlay of a channel until the viewer leaves
func (s *Server) mjpeg(w http.ResponseWriter, r *http.Request) {
	cp, ok := s.channel(w, r)
	if !ok {
		return
	}
	s.deps.Stream.Serve(w, r, cp.Channel())
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.deps.Reports.Latest()
	if !ok {
		s.writeError(w, r, http.StatusNotFound, errors.New("no report for the active session yet"))
		return
	}
	s.writeJSON(w, r, http.StatusOK, rep)
}

func (s *Server) listUploads(w http.ResponseWriter, r *http.Request) {
	if s.deps.Uploads == nil {
		s.writeJSON(w, r, http.StatusOK, []any{})
		return
	}

	q := r.URL.Query()
	var channel pipeline.Channel
	if v := q.Get("channel"); v != "" {
		ch, err := pipeline.ParseChannel(v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, err)
			return
		}
		channel = ch
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	sessionID := q.Get("session_id")
	if sessionID == "" {
		if cur := s.deps.App.State().Session; cur != nil {
			sessionID = cur.ID
		}
	}

	records, err := s.deps.Uploads.ListUploads(sessionID, channel, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		s.writeJSON(w, r, http.StatusOK, []any{})
		return
	}
	s.writeJSON(w, r, http.StatusOK, records)
}

// channel resolves the {channel} path variable
func (s *Server) channel(w http.ResponseWriter, r *http.Request) (*pipeline.ChannelPipeline, bool) {
	ch, err := pipeline.ParseChannel(s.mux.Vars(r)["channel"])
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return nil, false
	}
	cp, err := s.deps.Pipelines.Get(ch)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, err)
		return nil, false
	}
	return cp, true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(r.Context(), w).Encode(v); err != nil {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := requestID(r.Context())
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", id).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, r, status, errorBody{Error: err.Error(), RequestID: id})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrNoUploadJob),
		errors.Is(err, overlay.ErrNoOverlay),
		errors.Is(err, overlay.ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrUploadInactive),
		errors.Is(err, pipeline.ErrRetryNotAllowed),
		errors.Is(err, session.ErrNotConfirmed),
		errors.Is(err, app.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, app.ErrShutdown):
		return http.StatusServiceUnavailable
	}

	var fault *pipeline.Fault
	if errors.As(err, &fault) {
		switch fault.Kind {
		case pipeline.FaultSessionInvalid:
			return http.StatusGone
		case pipeline.FaultTransient:
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(goamiddleware.RequestIDKey).(string)
	return id
}
