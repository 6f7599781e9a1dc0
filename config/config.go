// Package config loads the YAML configuration shared by the panel and the
// file server, and sets up logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	golog "log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Log configures zerolog.
type Log struct {
	// Level is one of panic, fatal, error, warn, info, debug, trace.
	Level string `yaml:"level"`
	// Console enables colorized console output instead of JSON lines.
	Console bool `yaml:"console"`
}

// FileServer configures the file sharing server.
type FileServer struct {
	Addr           string `yaml:"addr"`
	Root           string `yaml:"root"`
	ChunkSize      int    `yaml:"chunk_size"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// Panel configures the BLE control panel.
type Panel struct {
	Addr                string        `yaml:"addr"`
	ScanTimeout         time.Duration `yaml:"scan_timeout"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	TasksPerSecond      float64       `yaml:"tasks_per_second"`
	TaskBurst           int           `yaml:"task_burst"`
	NotificationBacklog int           `yaml:"notification_backlog"`
	MTU                 int           `yaml:"mtu"`
}

// Config is the whole configuration file.
type Config struct {
	Log        Log        `yaml:"log"`
	FileServer FileServer `yaml:"fileserver"`
	Panel      Panel      `yaml:"panel"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info", Console: true},
		FileServer: FileServer{
			Addr:           "0.0.0.0:5000",
			Root:           "./file_storage",
			ChunkSize:      4096,
			MaxUploadBytes: 1 << 30,
		},
		Panel: Panel{
			Addr:                "127.0.0.1:12346",
			ScanTimeout:         5 * time.Second,
			ConnectTimeout:      10 * time.Second,
			Workers:             2,
			QueueSize:           16,
			TasksPerSecond:      5,
			TaskBurst:           10,
			NotificationBacklog: 100,
			MTU:                 500,
		},
	}
}

// Load reads the file at path over the defaults. An empty path yields the
// defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if c, err = Read(f); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

// Read decodes YAML from r over the defaults. Unknown keys are errors.
func Read(r io.Reader) (*Config, error) {
	c := Default()
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return c, nil
}

// Write encodes c as YAML.
func (c *Config) Write(w io.Writer) error {
	var buf bytes.Buffer
	e := yaml.NewEncoder(&buf)
	e.SetIndent(2)
	if err := e.Encode(c); err != nil {
		return err
	}
	if err := e.Close(); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

// ApplyEnv applies environment overrides. PORT replaces the panel port.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	port := getenv("PORT")
	if port == "" {
		return nil
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("PORT %q is not a valid port", port)
	}
	host, _, err := net.SplitHostPort(c.Panel.Addr)
	if err != nil {
		return fmt.Errorf("panel addr %q: %w", c.Panel.Addr, err)
	}
	c.Panel.Addr = net.JoinHostPort(host, port)
	return nil
}

// Validate rejects values the servers cannot start with.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	for name, addr := range map[string]string{"fileserver.addr": c.FileServer.Addr, "panel.addr": c.Panel.Addr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch {
	case c.FileServer.Root == "":
		return errors.New("fileserver.root is required")
	case c.FileServer.ChunkSize <= 0:
		return errors.New("fileserver.chunk_size must be positive")
	case c.FileServer.MaxUploadBytes <= 0:
		return errors.New("fileserver.max_upload_bytes must be positive")
	case c.Panel.ScanTimeout <= 0 || c.Panel.ConnectTimeout <= 0:
		return errors.New("panel timeouts must be positive")
	case c.Panel.Workers <= 0 || c.Panel.QueueSize <= 0:
		return errors.New("panel.workers and panel.queue_size must be positive")
	case c.Panel.MTU < 23 || c.Panel.MTU > 517:
		return fmt.Errorf("panel.mtu %d out of range 23-517", c.Panel.MTU)
	}
	return nil
}

// SetupLogging points the global zerolog logger at w.
func SetupLogging(l Log, w io.Writer) error {
	golog.SetOutput(io.Discard)
	// UNIX Time is faster and smaller than most timestamps
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if l.Console {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", l.Level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
