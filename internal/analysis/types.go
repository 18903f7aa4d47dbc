package analysis

import (
	"encoding/json"
	"time"

	"gatewatch/internal/pipeline"
)

// Emotions lists the labels produced by the inference service
var Emotions = []string{"Angry", "Disgust", "Fear", "Happy", "Sad", "Surprise", "Neutral"}

// analyzeResponse is the body returned by the analyze endpoints
type analyzeResponse struct {
	Results     []pipeline.DetectionResult `json:"results"`
	FrameWidth  int                        `json:"frame_width,omitempty"`
	FrameHeight int                        `json:"frame_height,omitempty"`
	JobID       string                     `json:"job_id,omitempty"`
	Status      string                     `json:"status,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// Server-side video job states
const (
	JobAccepted  = "accepted"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// createSessionResponse is returned by POST /sessions/create
type createSessionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// sessionDetailsResponse is returned by GET /sessions/{id}/details
type sessionDetailsResponse struct {
	Info      pipeline.SessionForm `json:"info"`
	CreatedAt string               `json:"created_at"`
}

// Stats are the pre-aggregated statistics of one channel
type Stats struct {
	TotalFaces      int            `json:"total_faces"`
	Counts          map[string]int `json:"counts"`
	ConfusionIndex  float64        `json:"confusion_index"`
	BoredomMeter    float64        `json:"boredom_meter"`
	VibeScore       float64        `json:"vibe_score"`
	EngagementScore float64        `json:"engagement_score"`
	AtRiskIndex     float64        `json:"at_risk_index"`
	AttendanceEst   int            `json:"attendance_est"`
}

// Report is the session summary computed by the service
type Report struct {
	EntryStats Stats     `json:"entry_stats"`
	ExitStats  Stats     `json:"exit_stats"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// SessionSummary is one row of the session history
type SessionSummary struct {
	ID         string  `json:"id"`
	ClassName  string  `json:"class_name"`
	Instructor string  `json:"instructor"`
	CreatedAt  string  `json:"created_at"`
	VibeScore  float64 `json:"vibe_score"`
	Attendance int     `json:"attendance"`
}

// Credentials are the remote login inputs
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}
