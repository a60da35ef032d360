package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/getlantern/systray"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/victortrac/kioskanswer/internal/config"
	"github.com/victortrac/kioskanswer/internal/policy"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to config.yaml (default: $XDG_CONFIG_HOME/kioskanswer/config.yaml)")
		listenAddr = pflag.String("listen", "", "address for /metrics and the dashboard; empty string disables it")
		bridgeURL  = pflag.String("bridge-url", "", "WebSocket URL of the conferencing agent")
		dataDir    = pflag.String("data-dir", "", "directory holding the journal database")
		logLevel   = pflag.String("log-level", "", "log level (debug, info, warn, error)")
		headless   = pflag.Bool("headless", false, "run without the system tray")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	flags := pflag.CommandLine
	if flags.Changed("listen") {
		cfg.Server.Addr = *listenAddr
	}
	if flags.Changed("bridge-url") {
		cfg.Bridge.URL = *bridgeURL
	}
	if flags.Changed("data-dir") {
		cfg.Journal.DataDir = *dataDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log configuration")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start")
	}

	if *headless {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.start()
		<-ctx.Done()
		a.stop()
		return
	}

	systray.Run(func() {
		a.start()
		a.tray()
	}, a.stop)
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// tray builds the menu. It runs on systray's ready callback.
func (a *app) tray() {
	systray.SetTitle("Kiosk")
	systray.SetTooltip("Kiosk auto answer")

	mAnswer := systray.AddMenuItemCheckbox("Auto answer", "Answer incoming calls automatically", false)
	mFullScreen := systray.AddMenuItemCheckbox("Full screen on answer", "Maximize the call window when a call rings", false)
	mSharing := systray.AddMenuItemCheckbox("Accept screen sharing", "Accept screen-sharing invitations automatically", false)
	systray.AddSeparator()
	mDashboard := systray.AddMenuItem("Open Dashboard", "View call statistics")
	if a.cfg.Server.Addr == "" {
		mDashboard.Disable()
	}
	mQuit := systray.AddMenuItem("Quit", "Quit the application")

	show := func(s policy.Settings) {
		setChecked(mAnswer, s.AutoAnswer)
		setChecked(mFullScreen, s.FullScreenOnAnswer)
		setChecked(mSharing, s.AutoAcceptScreenSharing)
		if s.AutoAnswer {
			systray.SetTitle("Kiosk")
		} else {
			systray.SetTitle("Kiosk (paused)")
		}
	}
	show(a.store.Snapshot())
	a.store.Subscribe(show)

	go func() {
		for {
			select {
			case <-mAnswer.ClickedCh:
				a.store.SetAutoAnswer(!mAnswer.Checked())
			case <-mFullScreen.ClickedCh:
				a.store.SetFullScreenOnAnswer(!mFullScreen.Checked())
			case <-mSharing.ClickedCh:
				a.store.SetAutoAcceptScreenSharing(!mSharing.Checked())
			case <-mDashboard.ClickedCh:
				url, err := dashboardURL(a.cfg.Server.Addr)
				if err != nil {
					a.log.WithError(err).Warn("Cannot build dashboard URL")
					continue
				}
				openBrowser(url, a.log)
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func setChecked(item *systray.MenuItem, on bool) {
	if on {
		item.Check()
	} else {
		item.Uncheck()
	}
}

// dashboardURL turns a listen address into a browsable URL.
func dashboardURL(addr string) (string, error) {
	if addr == "" {
		return "", errors.New("server disabled")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return fmt.Sprintf("http://%s/dashboard", net.JoinHostPort(host, port)), nil
}

func openBrowser(url string, log logrus.FieldLogger) {
	var err error
	switch runtime.GOOS {
	case "darwin":
		err = exec.Command("open", url).Start()
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	}
	if err != nil {
		log.WithError(err).Warn("Error opening browser")
	}
}
