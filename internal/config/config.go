package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gatewatch/internal/capture"
	"gatewatch/internal/pipeline"
)

// Transports accepted for live frame submission
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Capture cadence bounds
const (
	MinCaptureInterval = 200 * time.Millisecond
	MaxCaptureInterval = 10 * time.Second
)

// StateKeyMode is the app_state key prefix of a persisted channel mode
const StateKeyMode = "mode."

// ChannelConfig holds the device and display settings of one channel
type ChannelConfig struct {
	Device        string
	FPS           int
	Width         int
	Height        int
	DisplayWidth  int
	DisplayHeight int
	Mirrored      bool
	InitialMode   pipeline.Mode
}

// AuthConfig controls the local control API login
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	JWTSecret string
	JWTExpiry time.Duration
}

// Config is the complete runtime configuration
type Config struct {
	APIURL       string
	APIToken     string
	APIUsername  string
	APIPassword  string
	Transport    string
	GRPCEndpoint string

	CaptureInterval   time.Duration
	RequestTimeout    time.Duration
	UploadTimeout     time.Duration
	ReportInterval    time.Duration
	VideoPollInterval time.Duration

	Entry ChannelConfig
	Exit  ChannelConfig

	FFmpegPath string
	DBPath     string
	ListenAddr string
	LogLevel   string

	// UploadRetention bounds the local upload history; 0 keeps everything
	UploadRetention time.Duration

	Auth AuthConfig
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		APIURL:            "http://localhost:8000",
		Transport:         TransportHTTP,
		GRPCEndpoint:      "localhost:50051",
		CaptureInterval:   pipeline.DefaultCaptureInterval,
		RequestTimeout:    pipeline.DefaultRequestTimeout,
		UploadTimeout:     pipeline.DefaultUploadTimeout,
		ReportInterval:    2 * time.Second,
		VideoPollInterval: 2 * time.Second,
		Entry: ChannelConfig{
			Device:      "/dev/video0",
			FPS:         5,
			Mirrored:    true,
			InitialMode: pipeline.ModeLive,
		},
		Exit: ChannelConfig{
			Device:      "/dev/video1",
			FPS:         5,
			Mirrored:    true,
			InitialMode: pipeline.ModeLive,
		},
		FFmpegPath: "ffmpeg",
		DBPath:     "gatewatch.db",
		ListenAddr: "localhost:8080",
		LogLevel:   "info",

		UploadRetention: 30 * 24 * time.Hour,

		Auth: AuthConfig{
			Username:  "admin",
			JWTExpiry: 24 * time.Hour,
		},
	}
}

// Load returns the defaults overridden by GATEWATCH_* environment variables
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with a custom variable lookup
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	e := env{lookup: lookup}

	e.str("GATEWATCH_API_URL", &cfg.APIURL)
	e.str("GATEWATCH_API_TOKEN", &cfg.APIToken)
	e.str("GATEWATCH_API_USERNAME", &cfg.APIUsername)
	e.str("GATEWATCH_API_PASSWORD", &cfg.APIPassword)
	e.str("GATEWATCH_TRANSPORT", &cfg.Transport)
	e.str("GATEWATCH_GRPC_ENDPOINT", &cfg.GRPCEndpoint)

	e.dur("GATEWATCH_CAPTURE_INTERVAL", &cfg.CaptureInterval)
	e.dur("GATEWATCH_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	e.dur("GATEWATCH_UPLOAD_TIMEOUT", &cfg.UploadTimeout)
	e.dur("GATEWATCH_REPORT_INTERVAL", &cfg.ReportInterval)
	e.dur("GATEWATCH_VIDEO_POLL_INTERVAL", &cfg.VideoPollInterval)

	e.channel("ENTRY", &cfg.Entry)
	e.channel("EXIT", &cfg.Exit)

	e.str("GATEWATCH_FFMPEG_PATH", &cfg.FFmpegPath)
	e.str("GATEWATCH_DB_PATH", &cfg.DBPath)
	e.str("GATEWATCH_LISTEN_ADDR", &cfg.ListenAddr)
	e.str("GATEWATCH_LOG_LEVEL", &cfg.LogLevel)
	e.dur("GATEWATCH_UPLOAD_RETENTION", &cfg.UploadRetention)

	e.boolean("GATEWATCH_AUTH_ENABLED", &cfg.Auth.Enabled)
	e.str("GATEWATCH_AUTH_USERNAME", &cfg.Auth.Username)
	e.str("GATEWATCH_AUTH_PASSWORD", &cfg.Auth.Password)
	e.str("GATEWATCH_JWT_SECRET", &cfg.Auth.JWTSecret)
	e.dur("GATEWATCH_JWT_EXPIRY", &cfg.Auth.JWTExpiry)

	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, nil
}

// Validate rejects settings the pipelines cannot run with
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("analysis service URL is required")
	}
	switch c.Transport {
	case TransportHTTP:
	case TransportGRPC:
		if strings.TrimSpace(c.GRPCEndpoint) == "" {
			return fmt.Errorf("gRPC endpoint is required with the grpc transport")
		}
	default:
		return fmt.Errorf("unknown transport %q (valid: http, grpc)", c.Transport)
	}
	if c.CaptureInterval < MinCaptureInterval || c.CaptureInterval > MaxCaptureInterval {
		return fmt.Errorf("capture interval %s out of range [%s, %s]", c.CaptureInterval, MinCaptureInterval, MaxCaptureInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("report interval must be positive")
	}
	for _, ch := range pipeline.Channels {
		cc := c.Channel(ch)
		if cc.InitialMode == pipeline.ModeLive && strings.TrimSpace(cc.Device) == "" {
			return fmt.Errorf("no device configured for the %s channel", ch)
		}
		if (cc.DisplayWidth > 0) != (cc.DisplayHeight > 0) {
			return fmt.Errorf("%s display size needs both width and height", ch)
		}
	}
	if c.UploadRetention < 0 {
		return fmt.Errorf("upload retention cannot be negative")
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("auth is enabled but GATEWATCH_AUTH_PASSWORD is not set")
	}
	return nil
}

// Channel returns the settings of one channel
func (c Config) Channel(ch pipeline.Channel) ChannelConfig {
	if ch == pipeline.ChannelExit {
		return c.Exit
	}
	return c.Entry
}

// SetChannel replaces the settings of one channel
func (c *Config) SetChannel(ch pipeline.Channel, cc ChannelConfig) {
	if ch == pipeline.ChannelExit {
		c.Exit = cc
		return
	}
	c.Entry = cc
}

// Pipeline builds the pipeline settings of a channel
func (c Config) Pipeline(ch pipeline.Channel) pipeline.ChannelConfig {
	cc := c.Channel(ch)
	return pipeline.ChannelConfig{
		Channel:         ch,
		CaptureInterval: c.CaptureInterval,
		RequestTimeout:  c.RequestTimeout,
		UploadTimeout:   c.UploadTimeout,
		DisplayWidth:    cc.DisplayWidth,
		DisplayHeight:   cc.DisplayHeight,
		Mirrored:        cc.Mirrored,
		InitialMode:     cc.InitialMode,
	}
}

// Source builds the frame source settings of a channel
func (c Config) Source(ch pipeline.Channel) capture.SourceConfig {
	cc := c.Channel(ch)
	return capture.SourceConfig{
		Channel:    ch,
		Device:     cc.Device,
		FPS:        cc.FPS,
		Width:      cc.Width,
		Height:     cc.Height,
		FFmpegPath: c.FFmpegPath,
	}
}

// StateReader reads persisted key/value state. database.Database implements it.
type StateReader interface {
	GetState(key string) (string, error)
}

// ApplyStored overrides each channel's initial mode with the mode persisted
// by the last run. Unknown or missing values keep the configured mode.
func (c *Config) ApplyStored(state StateReader) {
	for _, ch := range pipeline.Channels {
		v, err := state.GetState(StateKeyMode + string(ch))
		if err != nil || v == "" {
			continue
		}
		mode, err := pipeline.ParseMode(v)
		if err != nil {
			continue
		}
		cc := c.Channel(ch)
		cc.InitialMode = mode
		c.SetChannel(ch, cc)
	}
}

type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *env) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *env) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		if err == nil {
			err = fmt.Errorf("must not be negative")
		}
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *env) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

// dur accepts Go durations ("1.2s") and bare milliseconds ("1200")
func (e *env) dur(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *env) channel(name string, cc *ChannelConfig) {
	prefix := "GATEWATCH_" + name + "_"
	e.str(prefix+"DEVICE", &cc.Device)
	e.integer(prefix+"FPS", &cc.FPS)
	e.integer(prefix+"WIDTH", &cc.Width)
	e.integer(prefix+"HEIGHT", &cc.Height)
	e.integer(prefix+"DISPLAY_WIDTH", &cc.DisplayWidth)
	e.integer(prefix+"DISPLAY_HEIGHT", &cc.DisplayHeight)
	e.boolean(prefix+"MIRRORED", &cc.Mirrored)
	if v, ok := e.get(prefix + "MODE"); ok {
		mode, err := pipeline.ParseMode(v)
		if err != nil {
			e.fail(prefix+"MODE", v, err)
			return
		}
		cc.InitialMode = mode
	}
}
