package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mobxlens/cmd/mobxlens/ui"
	"mobxlens/internal/panel"
)

var (
	watchURL   string
	watchTrack []string
	watchStyle string
)

// watchCmd opens the terminal panel
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the terminal panel on a running daemon",
	Long: `Connects to the panel endpoint of a running "mobxlens attach" and shows
the live action feed, each action's changes and the current store state.

Keys: tab focus, t track the selected action's store, a track every store,
g fetch source for the selected action's stack, s toggle state, r refresh
state, c clear, / filter, q quit.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "Panel websocket URL (default from panel.addr)")
	watchCmd.Flags().StringSliceVar(&watchTrack, "track", nil, "Stores to track on connect")
	watchCmd.Flags().StringVar(&watchStyle, "style", "auto", "Markdown style: auto, dark, light, notty")
}

// panelURL is the websocket URL watch dials.
func panelURL() string {
	if watchURL != "" {
		return watchURL
	}
	return "ws://" + cfg.Panel.Addr + panel.Path
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	url := panelURL()
	logger.Debug("Opening panel", zap.String("url", url))
	return ui.Run(ctx, url, ui.Options{
		Track:         watchTrack,
		MarkdownStyle: markdownStyle(watchStyle),
	})
}
