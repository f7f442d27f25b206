package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/config"
	"github.com/ChuLiYu/motofix-dispatch/internal/server"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "dispatchctl", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	for _, name := range []string{"run", "serve", "token", "status"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("offline"))
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	portFlag := cmd.Flags().Lookup("port")
	require.NotNil(t, portFlag)
	assert.Equal(t, "0", portFlag.DefValue)
}

func TestBuildTokenCommand(t *testing.T) {
	cmd := buildTokenCommand()

	assert.Equal(t, "token", cmd.Use)
	for _, f := range []string{"id", "name", "ttl"} {
		assert.NotNil(t, cmd.Flags().Lookup(f), "Should have --%s flag", f)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_config.yaml")
	content := `
server_url: http://dispatch.local:8000
mechanic:
  id: 42
  name: Alice
  eta_minutes: 7
dispatch:
  tick_interval: 500ms
metrics:
  enabled: true
  port: 8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://dispatch.local:8000", cfg.ServerURL)
	assert.Equal(t, types.MechanicID("42"), cfg.Mechanic.ID)
	assert.Equal(t, 7, cfg.Mechanic.ETAMinutes)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.TickInterval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
mechanic:
  id: [unterminated
    broken indentation
`
	require.NoError(t, os.WriteFile(path, []byte(invalidYAML), 0644))

	cfg, err := loadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestMintToken(t *testing.T) {
	cfg := config.Default()
	cfg.Mechanic.ID = "7"
	cfg.Mechanic.Name = "Alice"
	cfg.Server.JWTSecret = "s3cret"

	tok, err := mintToken(cfg, "", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/mechanics/me/current-job", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	m, err := server.NewAuth("s3cret").Identify(req)
	require.NoError(t, err)
	assert.Equal(t, types.Mechanic{ID: "7", Name: "Alice"}, m)

	tok, err = mintToken(cfg, "9", "Bob", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	m, err = server.NewAuth("s3cret").Identify(req)
	require.NoError(t, err)
	assert.Equal(t, types.MechanicID("9"), m.ID)
}

func TestMintTokenRequiresSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Mechanic.ID = "7"
	_, err := mintToken(cfg, "", "", time.Hour)
	assert.Error(t, err)
}

func TestShowStatus(t *testing.T) {
	srv := server.New(server.Config{}, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	cfg := config.Default()
	cfg.ServerURL = hs.URL
	cfg.Mechanic.ID = "7"
	cfg.Mechanic.Name = "Alice"
	cfg.Auth.Token = "7"

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), "Alice (7)")
	assert.Contains(t, out.String(), "None")

	job, _, err := srv.Publish(types.Job{CustomerLocation: "Main St"}, "")
	require.NoError(t, err)

	out.Reset()
	// claim it directly so the server reports it as current
	accept := httptest.NewRequest("PATCH", "/requests/"+string(job.ID)+"/accept", nil)
	accept.Header.Set("Authorization", "Bearer 7")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, accept)
	require.Equal(t, 200, rec.Code)

	require.NoError(t, showStatus(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), "Main St")
	assert.Contains(t, out.String(), "accepted")
}

func TestShowStatusUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.ServerURL = "http://127.0.0.1:1"
	cfg.Mechanic.ID = "7"
	cfg.API.RequestTimeout = 200 * time.Millisecond

	var out bytes.Buffer
	require.NoError(t, showStatus(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), "unreachable")
}

func TestRunSessionQuits(t *testing.T) {
	srv := server.New(server.Config{}, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	cfg := config.Default()
	cfg.ServerURL = hs.URL
	cfg.Mechanic.ID = "7"
	cfg.Mechanic.Name = "Alice"
	cfg.Auth.Token = "7"

	var out syncBuffer
	err := runSession(context.Background(), cfg, false, strings.NewReader("status\nquit\n"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Mechanic Alice (7) ready")
	assert.Contains(t, out.String(), `"phase": "idle"`)
}

// syncBuffer is a bytes.Buffer safe for the notifier and console to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
