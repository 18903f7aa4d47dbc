package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

const (
	// DefaultTimeout bounds every plain request
	DefaultTimeout = 30 * time.Second
	// DefaultVideoPollInterval is the gap between video job status checks
	DefaultVideoPollInterval = 2 * time.Second

	frameFileName = "capture.jpg"
	maxErrorBody  = 4 << 10
)

// Config holds the settings of the inference service client
type Config struct {
	BaseURL           string
	Timeout           time.Duration // per request; video submissions use the caller's context
	VideoPollInterval time.Duration
	Token             string
}

// Client talks to the inference service over HTTP.
// It implements pipeline.FrameAnalyzer and pipeline.FileAnalyzer.
type Client struct {
	baseURL      string
	client       *http.Client
	video        *http.Client
	pollInterval time.Duration

	mu    sync.RWMutex
	token string

	log zerolog.Logger
}

// NewClient creates a client for the service at cfg.BaseURL
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("analysis service URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid analysis service URL %q: %w", base, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poll := cfg.VideoPollInterval
	if poll <= 0 {
		poll = DefaultVideoPollInterval
	}

	c := &Client{
		baseURL:      base,
		client:       &http.Client{Timeout: timeout},
		video:        &http.Client{},
		pollInterval: poll,
		log:          logging.Component("analysis"),
	}
	if cfg.Token != "" {
		if err := c.SetToken(cfg.Token); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BaseURL returns the service address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetToken sets the bearer token attached to every request.
// Tokens whose exp claim has passed are refused.
func (c *Client) SetToken(token string) error {
	if err := CheckTokenExpiry(token, time.Now()); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// Token returns the current bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a token and keeps it for later calls
func (c *Client) Login(ctx context.Context, creds Credentials) (string, error) {
	var resp loginResponse
	if err := c.doJSON(ctx, "login", http.MethodPost, "/login", creds, false, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", pipeline.NewFault(pipeline.FaultTerminal, "login", http.StatusOK, errors.New("empty access token"))
	}
	if err := c.SetToken(resp.AccessToken); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// SubmitFrame sends one live frame and returns the detections
func (c *Client) SubmitFrame(ctx context.Context, sessionID string, sample *pipeline.FrameSample) ([]pipeline.DetectionResult, error) {
	if sessionID == "" {
		return nil, pipeline.ErrNoActiveSession
	}
	path := "/sessions/" + url.PathEscape(sessionID) + "/analyze"

	var resp analyzeResponse
	if err := c.doMultipart(ctx, c.client, "submitFrame", path, sample.Channel, frameFileName, "image/jpeg", sample.Data, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SubmitFile analyzes at-rest media. Images resolve in one round trip;
// videos may be accepted as a job that is polled until terminal.
func (c *Client) SubmitFile(ctx context.Context, sessionID string, channel pipeline.Channel, fileName string, data []byte, kind pipeline.FileKind) (*pipeline.FileAnalysis, error) {
	if sessionID == "" {
		return nil, pipeline.ErrNoActiveSession
	}
	detected, mime, err := pipeline.DetectKind(fileName, data)
	if err != nil {
		return nil, pipeline.NewFault(pipeline.FaultTerminal, "submitFile", 0, err)
	}
	if kind == "" {
		kind = detected
	}

	base := "/sessions/" + url.PathEscape(sessionID)
	path := base + "/analyze"
	httpClient := c.client
	if kind == pipeline.FileKindVideo {
		path = base + "/analyze_video"
		// video analysis is bounded by the caller's context only
		httpClient = c.video
	}

	var resp analyzeResponse
	if err := c.doMultipart(ctx, httpClient, "submitFile", path, channel, fileName, mime, data, &resp); err != nil {
		return nil, err
	}

	if resp.JobID != "" && !isTerminalJob(resp.Status) {
		c.log.Info().Str("job_id", resp.JobID).Str("channel", string(channel)).Msg("video accepted, waiting for server-side analysis")
		polled, err := c.waitForJob(ctx, sessionID, resp.JobID)
		if err != nil {
			return nil, err
		}
		resp = *polled
	}
	if resp.Status == JobFailed {
		msg := resp.Error
		if msg == "" {
			msg = "analysis failed"
		}
		return nil, pipeline.NewFault(pipeline.FaultTerminal, "submitFile", 0, errors.New(msg))
	}

	return &pipeline.FileAnalysis{
		Results:     resp.Results,
		FrameWidth:  resp.FrameWidth,
		FrameHeight: resp.FrameHeight,
	}, nil
}

func isTerminalJob(status string) bool {
	return status == "" || status == JobSucceeded || status == JobFailed
}

// waitForJob polls a video job until the server reports a terminal state
func (c *Client) waitForJob(ctx context.Context, sessionID, jobID string) (*analyzeResponse, error) {
	path := "/sessions/" + url.PathEscape(sessionID) + "/jobs/" + url.PathEscape(jobID)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, pipeline.NewFault(pipeline.FaultTransient, "submitFile", 0, ctx.Err())
		case <-ticker.C:
		}

		var resp analyzeResponse
		if err := c.doJSON(ctx, "submitFile", http.MethodGet, path, nil, true, &resp); err != nil {
			if pipeline.KindOf(err) == pipeline.FaultTransient {
				c.log.Debug().Err(err).Str("job_id", jobID).Msg("job poll failed, retrying")
				continue
			}
			return nil, err
		}
		if isTerminalJob(resp.Status) {
			return &resp, nil
		}
	}
}

// GetSessionDetails fetches a session. A missing session yields a
// SessionInvalid fault.
func (c *Client) GetSessionDetails(ctx context.Context, sessionID string) (*pipeline.Session, error) {
	var resp sessionDetailsResponse
	path := "/sessions/" + url.PathEscape(sessionID) + "/details"
	if err := c.doJSON(ctx, "getSessionDetails", http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	return &pipeline.Session{
		ID:         sessionID,
		Name:       resp.Info.Name,
		ClassName:  resp.Info.ClassName,
		Instructor: resp.Info.Instructor,
		CreatedAt:  parseTimestamp(resp.CreatedAt),
	}, nil
}

// CreateSession starts a new observation run on the server
func (c *Client) CreateSession(ctx context.Context, form pipeline.SessionForm) (*pipeline.Session, error) {
	if err := form.Validate(); err != nil {
		return nil, err
	}
	var resp createSessionResponse
	if err := c.doJSON(ctx, "createSession", http.MethodPost, "/sessions/create", form, false, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, pipeline.NewFault(pipeline.FaultTerminal, "createSession", http.StatusOK, errors.New("response carries no session id"))
	}
	name := resp.Name
	if name == "" {
		name = form.Name
	}
	return &pipeline.Session{
		ID:         resp.ID,
		Name:       name,
		ClassName:  form.ClassName,
		Instructor: form.Instructor,
		CreatedAt:  time.Now(),
	}, nil
}

// GetReport fetches the aggregated statistics of a session
func (c *Client) GetReport(ctx context.Context, sessionID string) (*Report, error) {
	var resp Report
	path := "/sessions/" + url.PathEscape(sessionID) + "/report"
	if err := c.doJSON(ctx, "getReport", http.MethodGet, path, nil, true, &resp); err != nil {
		return nil, err
	}
	resp.FetchedAt = time.Now()
	return &resp, nil
}

// ListSessions returns the session history, newest first
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var resp []SessionSummary
	if err := c.doJSON(ctx, "listSessions", http.MethodGet, "/sessions/history", nil, false, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, sessionScoped bool, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(c.client, req, op, sessionScoped, out)
}

// doMultipart posts a file part named "file" and the channel as form field "type"
func (c *Client) doMultipart(ctx context.Context, httpClient *http.Client, op, path string, channel pipeline.Channel, fileName, contentType string, data []byte, out any) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("type", string(channel)); err != nil {
		return fmt.Errorf("failed to write form field: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.send(httpClient, req, op, true, out)
}

func (c *Client) send(httpClient *http.Client, req *http.Request, op string, sessionScoped bool, out any) error {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return pipeline.NewFault(pipeline.FaultTransient, op, 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return pipeline.NewFault(ClassifyStatus(resp.StatusCode, sessionScoped), op, resp.StatusCode, errors.New(errorDetail(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pipeline.NewFault(pipeline.FaultTerminal, op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// ClassifyStatus maps an HTTP status to a fault kind. A 404 only means the
// session is gone when the route is scoped to a session.
func ClassifyStatus(status int, sessionScoped bool) pipeline.FaultKind {
	switch {
	case status == http.StatusNotFound && sessionScoped:
		return pipeline.FaultSessionInvalid
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return pipeline.FaultTransient
	}
	return pipeline.FaultTerminal
}

// errorDetail extracts a FastAPI style {"detail": ...} message
func errorDetail(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && len(er.Detail) > 0 {
		var s string
		if json.Unmarshal(er.Detail, &s) == nil {
			return s
		}
		return string(er.Detail)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response"
	}
	return text
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var (
	_ pipeline.FrameAnalyzer = (*Client)(nil)
	_ pipeline.FileAnalyzer  = (*Client)(nil)
)
