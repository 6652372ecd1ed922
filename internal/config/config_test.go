package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultLeftName, cfg.Left.Name)
	require.Equal(t, DefaultRightName, cfg.Right.Name)
	require.Equal(t, 0.7, cfg.Params.Temperature)
	require.Equal(t, 800, cfg.Params.MaxTokens)
	require.Equal(t, 0.9, cfg.Params.TopP)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comparechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
left:
  name: base
  server_url: http://gpu-1:8099
  model: qwen32
  api_key: file-key
right:
  name: tuned
  server_url: http://gpu-2:8000
  model: qwen-lora
params:
  temperature: 0.5
  max_tokens: 1200
  top_p: 0.95
read_timeout: 45s
`), 0o644))

	t.Setenv("RIGHT_MODEL", "qwen-lora-v2")
	t.Setenv("COMPARECHAT_DB", "/tmp/compare.db")
	t.Setenv("COMPARECHAT_DEBUG", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "base", cfg.Left.Name)
	require.Equal(t, "http://gpu-1:8099", cfg.Left.ServerURL)
	require.Equal(t, "file-key", cfg.Left.APIKey)
	require.Equal(t, "tuned", cfg.Right.Name)
	require.Equal(t, "qwen-lora-v2", cfg.Right.Model)
	require.Equal(t, 0.5, cfg.Params.Temperature)
	require.Equal(t, 1200, cfg.Params.MaxTokens)
	require.Equal(t, 45*time.Second, cfg.ReadTimeout)
	require.Equal(t, "/tmp/compare.db", cfg.DBPath)
	require.True(t, cfg.Debug)
	require.Equal(t, ":8090", cfg.ListenAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvReadTimeoutSeconds(t *testing.T) {
	t.Setenv("COMPARECHAT_READ_TIMEOUT", "15")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, cfg.ReadTimeout)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Right.Name = cfg.Left.Name
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Left.ServerURL = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Params.TopP = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ReadTimeout = 0
	require.Error(t, cfg.Validate())
}
