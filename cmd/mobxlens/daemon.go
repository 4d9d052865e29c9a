package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mobxlens/internal/config"
	"mobxlens/internal/history"
	"mobxlens/internal/hook"
	"mobxlens/internal/panel"
	"mobxlens/internal/protocol"
	"mobxlens/internal/stacktrace"
)

// daemon is everything attach runs besides the browser: the capture hook,
// the panel endpoint, the history recorder and the filter preferences.
type daemon struct {
	cfg       *config.Config
	session   string
	prefsPath string

	hub      *panel.Hub
	server   *panel.Server
	hook     *hook.Hook
	history  *history.Store
	resolver *stacktrace.Resolver
	prefs    *config.PrefsWatcher
}

func newDaemon(cfg *config.Config, prefsPath string) (d *daemon, err error) {
	d = &daemon{
		cfg:       cfg,
		session:   uuid.NewString(),
		prefsPath: prefsPath,
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	cache := stacktrace.NewSourceCache(nil, cfg.GetSourceTimeout())
	d.resolver = stacktrace.NewResolver("", cache,
		stacktrace.WithSourceRoot(cfg.Source.Root),
		stacktrace.WithParallelism(cfg.Source.Parallelism),
	)

	d.hub = panel.NewHub(nil)
	senders := protocol.Fanout{d.hub}
	if cfg.History.Enabled {
		d.history, err = history.Open(cfg.History.DatabasePath)
		if err != nil {
			return d, fmt.Errorf("open history: %w", err)
		}
		d.history.SetSession(d.session)
		senders = append(senders, d.history)
	}

	opts := hook.OptionsFromConfig(cfg)
	opts.Sender = senders
	opts.Resolver = d.resolver
	if cfg.Source.SourceMaps {
		opts.Translator = stacktrace.NewSourceMapTranslator(cache)
	}
	opts.OnFilter = d.saveFilter
	d.hook = hook.New(opts)
	if err := hook.Install(hook.GlobalKey, d.hook); err != nil {
		d.hook.Close()
		d.hook = nil
		return d, err
	}
	d.hub.SetHandler(d.hook)

	prefs, err := config.LoadFilterPrefs(prefsPath)
	if err != nil {
		logger.Warn("Ignoring filter preferences", zap.String("path", prefsPath), zap.Error(err))
	} else {
		d.hook.SetFilter(prefs.Stores)
	}

	d.prefs, err = config.NewPrefsWatcher(prefsPath, 0, d.applyPrefs)
	if err != nil {
		return d, fmt.Errorf("watch filter preferences: %w", err)
	}

	d.server, err = panel.Listen(cfg.Panel.Addr, d.hub)
	if err != nil {
		return d, err
	}
	return d, nil
}

func (d *daemon) saveFilter(stores []string) {
	if err := (config.FilterPrefs{Stores: stores}).Save(d.prefsPath); err != nil {
		logger.Warn("Failed to save filter preferences", zap.Error(err))
	}
}

func (d *daemon) applyPrefs(p config.FilterPrefs) {
	logger.Info("Filter preferences changed", zap.Strings("stores", p.Stores))
	d.hook.SetFilter(p.Stores)
}

// navigated points source lookups at the page's origin.
func (d *daemon) navigated(url string) {
	origin := stacktrace.Origin(url)
	d.resolver.SetOrigin(origin)
	logger.Info("Page navigated", zap.String("url", url), zap.String("origin", origin))
}

// run serves the panel and watches the preferences until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	if err := d.prefs.Start(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Serve(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *daemon) close() {
	if d.prefs != nil {
		d.prefs.Stop()
	}
	if d.hook != nil {
		hook.Uninstall(hook.GlobalKey)
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.server != nil {
		_ = d.server.Close()
	}
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			logger.Warn("Failed to close history", zap.Error(err))
		}
	}
}
