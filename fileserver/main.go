package main

/*
 * Fileserver shares a local folder over HTTP
 * Listing, ranged downloads, upload, rename and delete, confined to the folder
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
	"github.com/davidoram/bletool/config"
	"github.com/davidoram/bletool/fileshare"
	"github.com/davidoram/bletool/sandbox"
)

const defaultConfigPath = "bletool.yaml"

var (
	configPath  string
	printConfig bool
	level       string
	consoleLog  bool
	addr        string
	root        string
)

var rootCmd = &cobra.Command{
	Use:          "fileserver",
	Short:        "Share a folder over HTTP",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file (default "+defaultConfigPath+" when present)")
	f.BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	f.StringVar(&level, "level", "info", "Logging level, eg: panic, fatal, error, warn, info, debug, trace")
	f.BoolVar(&consoleLog, "console-log", true, "Pass true to enable colorized console logging, false for JSON style logging")
	f.StringVarP(&addr, "addr", "a", "", "Listen address, overrides fileserver.addr")
	f.StringVarP(&root, "dir", "d", "", "Directory to share, overrides fileserver.root")
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
		cfg.FileServer.Addr = addr
	}
	if flags.Changed("dir") {
		cfg.FileServer.Root = root
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

	if err := os.MkdirAll(cfg.FileServer.Root, 0o755); err != nil {
		return err
	}
	sb, err := sandbox.New(cfg.FileServer.Root)
	if err != nil {
		return err
	}
	srv := fileshare.NewServer(sb, fileshare.Options{
		ChunkSize:      cfg.FileServer.ChunkSize,
		MaxUploadBytes: cfg.FileServer.MaxUploadBytes,
	})
	hs := &http.Server{
		Addr:              cfg.FileServer.Addr,
		Handler:           accesslog.Wrap(log.Logger, srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.FileServer.Addr).Str("root", sb.Path()).Msg("file server listening")
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
	if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Err(err).Msg("fileserver")
		os.Exit(1)
	}
}
