package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/capture"
)

func newRootCmd(gs *globalState) *cobra.Command {
	var (
		verbose bool
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:           "steersman",
		Short:         "Drive a browser engine over its debug protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				gs.logger.SetLevel(logrus.DebugLevel)
			}
			if timeout > 0 {
				gs.cfg.CaptureTimeout = timeout
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&gs.cfg.Host, "host", gs.cfg.Host, "engine debug host")
	flags.IntVar(&gs.cfg.Port, "port", gs.cfg.Port, "engine debug port")
	flags.DurationVar(&timeout, "timeout", 0, "per-operation deadline (default from config)")
	flags.StringVarP(&gs.output, "output", "o", gs.output, "output format: json, ndjson, text")
	flags.BoolVarP(&gs.quiet, "quiet", "q", false, "suppress progress output")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&gs.cfg.ArtifactDir, "artifact-dir", gs.cfg.ArtifactDir, "where screenshots and reports go")

	root.AddCommand(
		newRunCmd(gs),
		newRecordCmd(gs),
		newLaunchCmd(gs),
		newStatusCmd(gs),
		newCloseCmd(gs),
		newNavCmd(gs),
		newShotCmd(gs),
		newTextCmd(gs),
		newDOMCmd(gs),
		newEvalCmd(gs),
		newEventsCmd(gs),
	)
	return root
}

// withConnection attaches to the configured engine, runs fn, and tears the
// connection down. Connect failures get their own exit code.
func withConnection(gs *globalState, ctx context.Context, fn func(conn *browser.Connection) error) error {
	conn, err := browser.Attach(ctx, gs.cfg.Host, gs.cfg.Port, browser.Options{
		Logger:            gs.logger,
		Bus:               gs.bus,
		NavigationTimeout: gs.cfg.NavigationTimeout,
	})
	if err != nil {
		return &connectError{err: err}
	}
	defer conn.Close()
	return fn(conn)
}

// withPage is withConnection plus a page handle and its capture pipeline.
func withPage(gs *globalState, ctx context.Context, fn func(page *browser.Page, capt *capture.Capturer) error) error {
	return withConnection(gs, ctx, func(conn *browser.Connection) error {
		page, err := conn.Page(ctx)
		if err != nil {
			return err
		}
		capt := capture.New(page, capture.Options{
			Fs:      gs.fs,
			Timeout: gs.cfg.CaptureTimeout,
			Logger:  gs.logger,
			Bus:     gs.bus,
		})
		return fn(page, capt)
	})
}
