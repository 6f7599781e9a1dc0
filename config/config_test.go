package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOverridesDefaults(t *testing.T) {
	c, err := Read(strings.NewReader(`
log:
  level: debug
fileserver:
  root: /srv/share
panel:
  scan_timeout: 2s
  workers: 4
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Log.Console, "unset keys keep defaults")
	assert.Equal(t, "/srv/share", c.FileServer.Root)
	assert.Equal(t, 4096, c.FileServer.ChunkSize)
	assert.Equal(t, 2*time.Second, c.Panel.ScanTimeout)
	assert.Equal(t, 10*time.Second, c.Panel.ConnectTimeout)
	assert.Equal(t, 4, c.Panel.Workers)
	assert.NoError(t, c.Validate())
}

func TestReadEmpty(t *testing.T) {
	c, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestReadUnknownKey(t *testing.T) {
	_, err := Read(strings.NewReader("panel:\n  wokers: 3\n"))
	assert.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().Write(&buf))
	assert.Contains(t, buf.String(), "scan_timeout: 5s")
	c, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

var envTests = []struct {
	port string
	addr string
	err  bool
}{
	{"", "127.0.0.1:12346", false},
	{"8080", "127.0.0.1:8080", false},
	{"http", "", true},
	{"70000", "", true},
}

func TestApplyEnv(t *testing.T) {
	for _, tt := range envTests {
		c := Default()
		err := c.ApplyEnv(func(k string) string {
			if k == "PORT" {
				return tt.port
			}
			return ""
		})
		if tt.err {
			assert.Error(t, err, tt.port)
			continue
		}
		require.NoError(t, err, tt.port)
		assert.Equal(t, tt.addr, c.Panel.Addr)
	}
}

var validateTests = []struct {
	name   string
	modify func(c *Config)
}{
	{"level", func(c *Config) { c.Log.Level = "loud" }},
	{"addr", func(c *Config) { c.FileServer.Addr = "5000" }},
	{"root", func(c *Config) { c.FileServer.Root = "" }},
	{"chunk", func(c *Config) { c.FileServer.ChunkSize = 0 }},
	{"upload", func(c *Config) { c.FileServer.MaxUploadBytes = -1 }},
	{"timeout", func(c *Config) { c.Panel.ScanTimeout = 0 }},
	{"workers", func(c *Config) { c.Panel.Workers = 0 }},
	{"mtu", func(c *Config) { c.Panel.MTU = 1000 }},
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
	for _, tt := range validateTests {
		c := Default()
		tt.modify(c)
		assert.Error(t, c.Validate(), tt.name)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "")
	path := filepath.Join(t.TempDir(), "bletool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fileserver:\n  addr: 127.0.0.1:6000\n"), 0o644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", c.FileServer.Addr)
	assert.True(t, Exists(path))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestSetupLogging(t *testing.T) {
	prevLevel, prevLogger := zerolog.GlobalLevel(), log.Logger
	defer func() {
		zerolog.SetGlobalLevel(prevLevel)
		log.Logger = prevLogger
	}()
	var buf bytes.Buffer
	require.NoError(t, SetupLogging(Log{Level: "warn"}, &buf))
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"k":"v"`)

	assert.Error(t, SetupLogging(Log{Level: "loud"}, &buf))
}
