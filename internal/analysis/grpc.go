package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"gatewatch/internal/logging"
	"gatewatch/internal/pipeline"
)

// AnalyzeFrameMethod is the full gRPC method name of the frame RPC.
// Messages are google.protobuf.Struct on both sides.
const AnalyzeFrameMethod = "/gatewatch.analysis.v1.AnalysisService/AnalyzeFrame"

// GRPCConfig holds settings for the gRPC frame transport
type GRPCConfig struct {
	Endpoint    string
	DialOptions []grpc.DialOption // extra options, e.g. a custom dialer in tests
}

// GRPCClient submits live frames over gRPC. It implements pipeline.FrameAnalyzer.
type GRPCClient struct {
	endpoint string
	conn     *grpc.ClientConn
	log      zerolog.Logger
}

// NewGRPCClient creates a client for the frame service. The connection is
// established lazily on the first call.
func NewGRPCClient(cfg GRPCConfig) (*GRPCClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("gRPC endpoint is required")
	}

	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}

	g := &GRPCClient{
		endpoint: cfg.Endpoint,
		conn:     conn,
		log:      logging.Component("analysis").With().Str("transport", "grpc").Logger(),
	}
	g.log.Info().Str("endpoint", cfg.Endpoint).Msg("frame transport ready")
	return g, nil
}

// SubmitFrame sends one frame and returns its detections
func (g *GRPCClient) SubmitFrame(ctx context.Context, sessionID string, sample *pipeline.FrameSample) ([]pipeline.DetectionResult, error) {
	if sessionID == "" {
		return nil, pipeline.ErrNoActiveSession
	}

	req, err := structpb.NewStruct(map[string]any{
		"session_id": sessionID,
		"type":       string(sample.Channel),
		"image":      base64.StdEncoding.EncodeToString(sample.Data),
		"width":      sample.Width,
		"height":     sample.Height,
		"seq":        float64(sample.Seq),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, AnalyzeFrameMethod, req, resp); err != nil {
		return nil, pipeline.NewFault(ClassifyCode(status.Code(err)), "submitFrame", int(status.Code(err)), errors.New(status.Convert(err).Message()))
	}

	// Struct numbers round-trip through JSON so bbox keeps its wire form
	data, err := protojson.Marshal(resp)
	if err != nil {
		return nil, pipeline.NewFault(pipeline.FaultTerminal, "submitFrame", 0, fmt.Errorf("failed to encode response: %w", err))
	}
	var out analyzeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, pipeline.NewFault(pipeline.FaultTerminal, "submitFrame", 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return out.Results, nil
}

// Close releases the connection
func (g *GRPCClient) Close() error {
	return g.conn.Close()
}

// ClassifyCode maps a gRPC status code to a fault kind
func ClassifyCode(code codes.Code) pipeline.FaultKind {
	switch code {
	case codes.NotFound:
		return pipeline.FaultSessionInvalid
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return pipeline.FaultTransient
	}
	return pipeline.FaultTerminal
}

var _ pipeline.FrameAnalyzer = (*GRPCClient)(nil)
