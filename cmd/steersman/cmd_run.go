package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/capture"
	"github.com/pkeller/steersman/internal/executor"
	"github.com/pkeller/steersman/internal/recorder"
	"github.com/pkeller/steersman/internal/script"
)

func newRunCmd(gs *globalState) *cobra.Command {
	var continueOnError bool

	cmd := &cobra.Command{
		Use:   "run <script.json>",
		Short: "Execute a command script and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := script.Load(gs.fs, args[0])
			if err != nil {
				return err
			}

			policy := executor.Abort
			if continueOnError {
				policy = executor.Continue
			}

			return withPage(gs, cmd.Context(), func(page *browser.Page, capt *capture.Capturer) error {
				gs.progress("running %s (%d commands)", s.Name, len(s.Commands))

				target := executor.NewPageTarget(page, capt)
				report := executor.New(gs.logger).Run(cmd.Context(), target, s, executor.Options{
					OnError: policy,
				})

				gs.success("%d/%d succeeded in %v",
					report.Successful, report.TotalCommands, report.TotalDuration)
				return gs.emit(report)
			})
		},
	}
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false,
		"keep executing after a failed command")
	return cmd
}

func newRecordCmd(gs *globalState) *cobra.Command {
	var (
		dir             string
		continueOnError bool
	)

	cmd := &cobra.Command{
		Use:   "record <script.json>",
		Short: "Execute a script, capturing a frame after every action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := script.Load(gs.fs, args[0])
			if err != nil {
				return err
			}

			recDir := dir
			if recDir == "" {
				recDir = filepath.Join(gs.cfg.ArtifactDir, "recordings", s.Name)
			}

			policy := executor.Abort
			if continueOnError {
				policy = executor.Continue
			}

			return withPage(gs, cmd.Context(), func(page *browser.Page, capt *capture.Capturer) error {
				rec, err := recorder.New(recDir, page, capt, recorder.Options{
					Fs:     gs.fs,
					Logger: gs.logger,
				})
				if err != nil {
					return err
				}

				gs.progress("recording %s into %s", s.Name, recDir)

				target := executor.NewPageTarget(page, capt)
				report := executor.New(gs.logger).Run(cmd.Context(), target, s, executor.Options{
					OnError:   policy,
					AfterStep: rec.AfterStep(),
				})

				frames, err := rec.Frames()
				if err != nil {
					return err
				}
				gs.success("%d frames recorded", len(frames))
				return gs.emit(report)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "recording directory (default under artifact dir)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false,
		"keep executing after a failed command")
	return cmd
}
