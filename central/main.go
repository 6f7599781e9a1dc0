package main

/*
 * Central is the BLE control panel
 * Serves an HTTP/JSON API and translates it to bluetooth calls, acting as central
 *
 */

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/davidoram/bletool/accesslog"
	"github.com/davidoram/bletool/bledev"
	"github.com/davidoram/bletool/config"
	"github.com/davidoram/bletool/panel"
	"github.com/davidoram/bletool/session"
	"github.com/davidoram/bletool/tasks"
)

const defaultConfigPath = "bletool.yaml"

var (
	configPath  string
	printConfig bool
	level       string
	consoleLog  bool
	addr        string
	scanTimeout time.Duration
	initTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "central",
	Short:        "BLE control panel over HTTP",
	Long:         "Scan, connect, discover services, subscribe to notifications and write characteristics through a local HTTP API.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file (default "+defaultConfigPath+" when present)")
	f.BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	f.StringVar(&level, "level", "info", "Logging level, eg: panic, fatal, error, warn, info, debug, trace")
	f.BoolVar(&consoleLog, "console-log", true, "Pass true to enable colorized console logging, false for JSON style logging")
	f.StringVar(&addr, "addr", "", "Listen address, overrides panel.addr")
	f.DurationVar(&scanTimeout, "scan-timeout", 0, "How long a scan listens for advertisements, overrides panel.scan_timeout")
	f.DurationVar(&initTimeout, "init-timeout", 10*time.Second, "Time to wait for the bluetooth adapter to power on")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configPath
	if path == "" && config.Exists(defaultConfigPath) {
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("level") {
		cfg.Log.Level = level
	}
	if flags.Changed("console-log") {
		cfg.Log.Console = consoleLog
	}
	if flags.Changed("addr") {
		cfg.Panel.Addr = addr
	}
	if flags.Changed("scan-timeout") {
		cfg.Panel.ScanTimeout = scanTimeout
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if printConfig {
		return cfg.Write(cmd.OutOrStdout())
	}
	if err := config.SetupLogging(cfg.Log, os.Stderr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	adapter, err := bledev.NewGattAdapter(initCtx, cfg.Panel.MTU)
	cancel()
	if err != nil {
		return err
	}

	queue := tasks.New(ctx, tasks.Options{
		Workers:   cfg.Panel.Workers,
		QueueSize: cfg.Panel.QueueSize,
		PerSecond: cfg.Panel.TasksPerSecond,
		Burst:     cfg.Panel.TaskBurst,
	})
	defer queue.Close()

	sess := session.New(cfg.Panel.NotificationBacklog)
	srv := panel.NewServer(adapter, sess, queue, panel.Options{
		ScanTimeout:    cfg.Panel.ScanTimeout,
		ConnectTimeout: cfg.Panel.ConnectTimeout,
	})
	hs := &http.Server{
		Addr:              cfg.Panel.Addr,
		Handler:           accesslog.Wrap(log.Logger, srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Panel.Addr).Msg("control panel listening")
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c, err := sess.Disconnect(); err == nil {
		if err := c.Disconnect(shutdownCtx); err != nil {
			log.Err(err).Msg("disconnect")
		}
	}
	if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("central")
		os.Exit(1)
	}
}
