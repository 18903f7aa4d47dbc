package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gatewatch/internal/analysis"
	"gatewatch/internal/app"
	"gatewatch/internal/auth"
	"gatewatch/internal/capture"
	"gatewatch/internal/config"
	"gatewatch/internal/database"
	"gatewatch/internal/logging"
	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
	"gatewatch/internal/report"
	"gatewatch/internal/server"
	"gatewatch/internal/session"
	"gatewatch/internal/stream"
	"gatewatch/internal/ws"
)

const pruneInterval = time.Hour

func newRunCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run both gate pipelines and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "control API address (default from GATEWATCH_LISTEN_ADDR)")
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if logLevel == "" {
		logging.Init(cfg.LogLevel)
	}
	return cfg, nil
}

func openDatabase(path string) (*database.Database, error) {
	db, err := database.New(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newAnalysisClient builds the HTTP client and logs in when no usable token
// is configured but credentials are
func newAnalysisClient(ctx context.Context, cfg config.Config) (*analysis.Client, error) {
	log := logging.Component("main")

	token := cfg.APIToken
	if err := analysis.CheckTokenExpiry(token, time.Now()); err != nil {
		if cfg.APIUsername == "" {
			return nil, err
		}
		log.Warn().Msg("configured API token has expired, logging in again")
		token = ""
	}

	client, err := analysis.NewClient(analysis.Config{
		BaseURL:           cfg.APIURL,
		Timeout:           cfg.RequestTimeout,
		VideoPollInterval: cfg.VideoPollInterval,
		Token:             token,
	})
	if err != nil {
		return nil, err
	}

	if token == "" && cfg.APIUsername != "" {
		loginCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
		if _, err := client.Login(loginCtx, analysis.Credentials{Username: cfg.APIUsername, Password: cfg.APIPassword}); err != nil {
			return nil, fmt.Errorf("failed to log in to the analysis service: %w", err)
		}
		log.Info().Str("username", cfg.APIUsername).Msg("logged in to the analysis service")
	}
	return client, nil
}

// newSource picks the frame source of a channel. A channel without a device
// gets one that refuses to open, so it still takes uploads.
func newSource(cfg config.Config, ch pipeline.Channel, log zerolog.Logger) pipeline.FrameSource {
	src, err := capture.NewSource(cfg.Source(ch))
	if err != nil {
		log.Warn().Err(err).Str("channel", string(ch)).Msg("channel has no camera, uploads only")
		return capture.NewDisabledSource(ch)
	}
	return src
}

func run(cfg config.Config) error {
	log := logging.Component("main")

	db, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	cfg.ApplyStored(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := newAnalysisClient(ctx, cfg)
	if err != nil {
		return err
	}

	var frames pipeline.FrameAnalyzer = client
	if cfg.Transport == config.TransportGRPC {
		g, err := analysis.NewGRPCClient(analysis.GRPCConfig{Endpoint: cfg.GRPCEndpoint})
		if err != nil {
			return err
		}
		defer g.Close()
		frames = g
	}

	sessions := session.NewManager(session.NewSQLiteStore(db), client)
	board := overlay.NewBoard()
	hub := ws.NewOverlayHub()
	streamer := stream.NewMJPEGStreamer()
	deps := pipeline.Dependencies{
		Frames:   frames,
		Files:    client,
		Sessions: sessions,
		Renderer: overlay.NewRenderer(board, hub, streamer),
		Recorder: db,
	}

	var channels []*pipeline.ChannelPipeline
	for _, ch := range pipeline.Channels {
		src := newSource(cfg, ch, log)
		channels = append(channels, pipeline.NewChannelPipeline(cfg.Pipeline(ch), src, deps))
	}
	pipelines := pipeline.NewManager(channels...)

	poller := report.NewPoller(client, sessions, cfg.ReportInterval)
	application := app.New(sessions, pipelines, poller, db)

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	view, err := application.Resume(ctx)
	if err != nil {
		// the persisted session is kept and restored on the next start
		log.Warn().Err(err).Msg("could not restore the previous session")
	}
	log.Info().Str("view", string(view)).Msg("application started")

	srv := server.New(server.Deps{
		App:       application,
		Pipelines: pipelines,
		Board:     board,
		Reports:   poller,
		Uploads:   db,
		History:   client,
		Hub:       hub,
		Stream:    streamer,
		Auth:      authenticator,
	})

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	srv.Run(ctx, cfg.ListenAddr, &wg, errc)
	if cfg.UploadRetention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneUploads(ctx, db, cfg.UploadRetention, log)
		}()
	}

	log.Info().Msgf("exiting (%v)", <-errc)
	cancel()
	wg.Wait()

	application.Shutdown()
	if err := pipelines.Close(); err != nil {
		log.Error().Err(err).Msg("failed to release channels")
	}
	log.Info().Msg("exited")
	return nil
}

// pruneUploads deletes upload records older than retention, now and then
// every pruneInterval until ctx is done
func pruneUploads(ctx context.Context, db *database.Database, retention time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := db.DeleteOldUploads(time.Now().Add(-retention))
		if err != nil {
			log.Error().Err(err).Msg("failed to prune upload history")
		} else if n > 0 {
			log.Info().Int64("deleted", n).Msg("pruned upload history")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
