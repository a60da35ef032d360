package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/victortrac/kioskanswer/internal/answer"
	"github.com/victortrac/kioskanswer/internal/bridge"
	"github.com/victortrac/kioskanswer/internal/camera"
	"github.com/victortrac/kioskanswer/internal/config"
	"github.com/victortrac/kioskanswer/internal/hotkey"
	"github.com/victortrac/kioskanswer/internal/journal"
	"github.com/victortrac/kioskanswer/internal/policy"
	"github.com/victortrac/kioskanswer/internal/server"
)

// app owns the kiosk's long-running parts.
type app struct {
	cfg config.Config
	log *logrus.Logger

	store   *policy.Store
	journal *journal.Journal
	bridge  *bridge.Client
	watcher *answer.Watcher
	hotkey  *hotkey.Listener

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newApp(cfg config.Config, logger *logrus.Logger) (*app, error) {
	j, err := journal.Open(cfg.Journal.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	initial := cfg.Policy
	if saved, ok, err := j.LoadPolicy(cfg.Policy); err != nil {
		logger.WithError(err).Warn("Failed to load saved policy, using configured defaults")
	} else if ok {
		initial = saved
	}
	store := policy.NewStore(initial)
	store.Subscribe(func(s policy.Settings) {
		if err := j.SavePolicy(s); err != nil {
			logger.WithError(err).Warn("Failed to save policy")
		}
	})

	reg := prometheus.DefaultRegisterer
	client := bridge.New(bridge.Config{
		URL:          cfg.Bridge.URL,
		ReconnectMin: cfg.Bridge.ReconnectMin,
		ReconnectMax: cfg.Bridge.ReconnectMax,
		Logger:       logger,
		Registerer:   reg,
	})

	watcher := answer.NewWatcher(client, client, store, answer.Config{
		Video: answer.VideoConfig{
			Attempts:     cfg.Video.Attempts,
			Interval:     cfg.Video.Interval,
			ReadyPoll:    cfg.Video.ReadyPoll,
			ReadyTimeout: cfg.Video.ReadyTimeout,
		},
		FullScreenMonitor: cfg.FullScreen.Monitor,
		Logger:            logger,
		Metrics:           answer.NewMetrics(reg),
		Recorder:          j,
		Camera:            camera.NewProbe(),
	})

	a := &app{
		cfg:     cfg,
		log:     logger,
		store:   store,
		journal: j,
		bridge:  client,
		watcher: watcher,
	}

	if cfg.Hotkey.Enabled {
		a.hotkey, err = hotkey.New(cfg.Hotkey.Key, a.toggleAutoAnswer, logger)
		if err != nil {
			j.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) toggleAutoAnswer() {
	on := a.store.ToggleAutoAnswer()
	a.log.WithField("auto_answer", on).Info("Auto answer toggled by hotkey")
}

func (a *app) start() {
	settings := a.store.Snapshot()
	a.log.WithFields(logrus.Fields{
		"bridge":                     a.cfg.Bridge.URL,
		"auto_answer":                settings.AutoAnswer,
		"full_screen_on_answer":      settings.FullScreenOnAnswer,
		"auto_accept_screen_sharing": settings.AutoAcceptScreenSharing,
	}).Info("Kiosk auto answer started")

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.watcher.Start()

	a.goroutine(func() {
		if err := a.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Error("Bridge stopped")
		}
	})

	if addr := a.cfg.Server.Addr; addr != "" {
		handler := server.NewHandler(server.Deps{
			Journal:  a.journal,
			Watcher:  a.watcher,
			Link:     a.bridge,
			Policy:   a.store,
			Gatherer: prometheus.DefaultGatherer,
			Logger:   a.log,
		})
		a.goroutine(func() {
			if err := server.Start(ctx, addr, handler, a.log); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("Metrics server failed")
			}
		})
	}

	if a.hotkey != nil {
		a.goroutine(func() {
			if err := a.hotkey.Run(); err != nil {
				a.log.WithError(err).Warn("Hotkey unavailable")
			}
		})
	}
}

func (a *app) goroutine(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// stop shuts everything down. It runs on systray's exit callback.
func (a *app) stop() {
	a.stopOnce.Do(func() {
		a.log.Info("Kiosk auto answer exiting...")
		if a.hotkey != nil {
			a.hotkey.Stop()
		}
		a.watcher.Stop()
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		if err := a.journal.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close journal")
		}
	})
}
