package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mobxlens/internal/browser"
	"mobxlens/internal/config"
)

var (
	attachTarget      string
	attachDebuggerURL string
	attachHeadless    bool
	attachPanelAddr   string
	attachPrefsPath   string
	attachNoHistory   bool
	attachLegacy      bool
)

// attachCmd runs the capture daemon
var attachCmd = &cobra.Command{
	Use:   "attach [url]",
	Short: "Attach to a page and relay its MobX activity to the panel",
	Long: `Connects to Chrome (launching one unless a debugger URL is configured),
opens the given URL or attaches to an existing tab, and injects the capture
shim. Actions and state are relayed to the panel websocket and recorded in the
history database until interrupted.

Examples:
  mobxlens attach http://localhost:3000
  mobxlens attach --debugger-url ws://127.0.0.1:9222/devtools/browser/... --target <id>`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&attachTarget, "target", "", "Attach to an existing tab by target id instead of opening a URL")
	attachCmd.Flags().StringVar(&attachDebuggerURL, "debugger-url", "", "Chrome DevTools websocket URL (disables launching)")
	attachCmd.Flags().BoolVar(&attachHeadless, "headless", false, "Launch Chrome headless")
	attachCmd.Flags().StringVar(&attachPanelAddr, "panel-addr", "", "Panel websocket listen address")
	attachCmd.Flags().StringVar(&attachPrefsPath, "prefs", config.DefaultPrefsPath(), "Filter preferences file")
	attachCmd.Flags().BoolVar(&attachNoHistory, "no-history", false, "Do not record actions")
	attachCmd.Flags().BoolVar(&attachLegacy, "legacy", false, "Use the flat action queue instead of correlation")
}

// applyAttachFlags folds command line overrides into cfg.
func applyAttachFlags(c *config.Config) {
	if attachDebuggerURL != "" {
		c.Browser.DebuggerURL = attachDebuggerURL
		c.Browser.Launch = false
	}
	if attachHeadless {
		c.Browser.Headless = true
	}
	if attachPanelAddr != "" {
		c.Panel.Addr = attachPanelAddr
	}
	if attachNoHistory {
		c.History.Enabled = false
	}
	if attachLegacy {
		c.Capture.Mode = config.ModeLegacy
	}
}

func runAttach(cmd *cobra.Command, args []string) error {
	applyAttachFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	url := cfg.Browser.URL
	if len(args) == 1 {
		url = args[0]
	}
	if url == "" && attachTarget == "" && cfg.Browser.Launch {
		return fmt.Errorf("a URL is required when launching a browser")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(cfg, attachPrefsPath)
	if err != nil {
		return err
	}
	defer d.close()

	mgr := browser.NewSessionManager(browser.ConfigFrom(cfg))
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			logger.Warn("Browser shutdown", zap.Error(err))
		}
	}()

	var sess *browser.Session
	if url != "" && attachTarget == "" {
		sess, err = mgr.Open(ctx, url, d.hook, d.navigated)
	} else {
		sess, err = mgr.Attach(ctx, attachTarget, d.hook, d.navigated)
	}
	if err != nil {
		return err
	}

	shown := sess.URL
	if url != "" && attachTarget == "" {
		shown = url
	}
	logger.Info("Attached",
		zap.String("session", sess.ID),
		zap.String("target", sess.TargetID),
		zap.String("url", shown),
		zap.String("panel", d.server.URL()),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Attached to %s\nPanel: %s\n", shown, d.server.URL())
	if d.history != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "History: %s (session %s)\n", d.history.Path(), d.session)
	}

	return d.run(ctx)
}
