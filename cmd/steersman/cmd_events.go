package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/pkeller/steersman/internal/browser"
	"github.com/pkeller/steersman/internal/capture"
)

func newEventsCmd(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream driver lifecycle events as NDJSON",
		Long: "Subscribes to the driver's event stream and prints each lifecycle\n" +
			"event as one JSON line until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, cancel := gs.bus.Subscribe(64)
			defer cancel()

			enc := json.NewEncoder(gs.stdout)

			// Hold a connection open so lifecycle events flow while we stream.
			return withPage(gs, cmd.Context(), func(page *browser.Page, _ *capture.Capturer) error {
				for {
					select {
					case ev, ok := <-ch:
						if !ok {
							return nil
						}
						if err := enc.Encode(ev); err != nil {
							return err
						}
					case <-cmd.Context().Done():
						return nil
					}
				}
			})
		},
	}
}
