package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gatewatch/internal/overlay"
	"gatewatch/internal/pipeline"
	"gatewatch/internal/session"
)

type analyzeOutput struct {
	File     string            `json:"file"`
	Kind     pipeline.FileKind `json:"kind"`
	Session  string            `json:"session_id"`
	Faces    int               `json:"faces"`
	Emotions map[string]int    `json:"emotions"`
	Overlay  *overlay.DrawList `json:"overlay,omitempty"`
}

func newAnalyzeCmd() *cobra.Command {
	var (
		channel   string
		sessionID string
		out       string
	)
	cmd := &cobra.Command{
		Use:   "analyze FILE",
		Short: "Analyze an image or video file for one gate of the current session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := pipeline.ParseChannel(channel)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			client, err := newAnalysisClient(ctx, cfg)
			if err != nil {
				return err
			}
			if sessionID == "" {
				db, err := openDatabase(cfg.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()
				s, ok, err := session.NewManager(session.NewSQLiteStore(db), client).Restore(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("no active session; create one with 'gatewatch session create' or pass --session")
				}
				sessionID = s.ID
			}

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			kind, _, err := pipeline.DetectKind(path, data)
			if err != nil {
				return err
			}

			res, err := client.SubmitFile(ctx, sessionID, ch, filepath.Base(path), data, kind)
			if err != nil {
				return err
			}

			result := analyzeOutput{
				File:     filepath.Base(path),
				Kind:     kind,
				Session:  sessionID,
				Faces:    len(res.Results),
				Emotions: make(map[string]int),
			}
			for _, d := range res.Results {
				result.Emotions[d.Emotion]++
			}

			surface := pipeline.DisplaySurface{NativeWidth: res.FrameWidth, NativeHeight: res.FrameHeight}
			if kind == pipeline.FileKindImage {
				if w, h, err := pipeline.ImageSize(data); err == nil {
					surface.NativeWidth, surface.NativeHeight = w, h
				}
			}
			surface.DisplayWidth, surface.DisplayHeight = surface.NativeWidth, surface.NativeHeight
			if list, ok := overlay.Build(ch, surface, res.Results); ok {
				result.Overlay = &list
				if out != "" && kind == pipeline.FileKindImage {
					img, err := overlay.Compose(data, list)
					if err != nil {
						return err
					}
					if err := os.WriteFile(out, img, 0o644); err != nil {
						return err
					}
				}
			}

			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", string(pipeline.ChannelEntry), "gate the file belongs to (entry or exit)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: the persisted session)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the image with its overlay drawn to this JPEG file")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}
	return nil
}
