package main

import (
	"github.com/spf13/cobra"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/capture"
)

func newNavCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "nav <url>",
		Short: "Navigate the page and wait for it to load",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPage(gs, cmd.Context(), func(page *browser.Page, _ *capture.Capturer) error {
				ctx := cmd.Context()
				if err := page.Navigate(ctx, args[0]); err != nil {
					return err
				}
				url, err := page.URL(ctx)
				if err != nil {
					return err
				}
				title, err := page.Title(ctx)
				if err != nil {
					return err
				}
				return gs.emit(NavResult{URL: url, Title: title})
			})
		},
	}
}

func newShotCmd(gs *globalState) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "shot <path>",
		Short: "Capture a verified screenshot to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPage(gs, cmd.Context(), func(page *browser.Page, capt *capture.Capturer) error {
				if format != "" {
					capt = capture.New(page, capture.Options{
						Fs:      gs.fs,
						Timeout: gs.cfg.CaptureTimeout,
						Format:  format,
						Logger:  gs.logger,
						Bus:     gs.bus,
					})
				}
				info, err := capt.ScreenshotToFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				gs.success("saved %s (%d bytes)", info.Path, info.SizeBytes)
				return gs.emit(info)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "image format: png (default) or jpeg")
	return cmd
}

func newTextCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "text",
		Short: "Print the page's visible text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPage(gs, cmd.Context(), func(_ *browser.Page, capt *capture.Capturer) error {
				text, err := capt.Text(cmd.Context())
				if err != nil {
					return err
				}
				return gs.emit(TextResult{Text: text})
			})
		},
	}
}

func newDOMCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "dom",
		Short: "Print the page's serialized DOM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPage(gs, cmd.Context(), func(_ *browser.Page, capt *capture.Capturer) error {
				html, err := capt.DOM(cmd.Context())
				if err != nil {
					return err
				}
				return gs.emit(SourceResult{HTML: html})
			})
		},
	}
}

func newEvalCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate a script expression in page context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPage(gs, cmd.Context(), func(page *browser.Page, _ *capture.Capturer) error {
				value, err := page.Eval(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return gs.emit(EvalResult{Value: value})
			})
		},
	}
}
