// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENROUTER_API_KEY", "HUGGINGFACE_API_KEY", "ZENO_PORT", "ZENO_MODEL",
		"ZENO_DATA_DIR", "ZENO_RELAY_URL", "ZENO_USER_ID", "ZENO_AUTH_TOKEN", "ZENO_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "127.0.0.1:8787", cfg.Addr())
	require.Equal(t, "zeno.log", filepath.Base(cfg.LogFile()))
}

func TestSaveAndLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "zeno", "config.toml")

	cfg := Default()
	cfg.OpenRouter.APIKey = "sk-or-test"
	cfg.Server.Port = 9000
	cfg.Client.Memories = []string{"likes tea"}
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "sk-or-test", loaded.OpenRouter.APIKey)
	require.Equal(t, 9000, loaded.Server.Port)
	require.Equal(t, []string{"likes tea"}, loaded.Client.Memories)
}

func TestLoadFromPath_FillsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("default_model = \"anthropic/claude-3.5-sonnet\"\n"), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic/claude-3.5-sonnet", cfg.DefaultModel)
	require.Equal(t, 8787, cfg.Server.Port)
	require.Equal(t, "Zeno", cfg.OpenRouter.SiteName)

	// Loading tightens permissions on the file.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestApplyEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "sk-env")
	t.Setenv("HUGGINGFACE_API_KEY", "hf-env")
	t.Setenv("ZENO_PORT", "9191")
	t.Setenv("ZENO_MODEL", "meta/llama")
	t.Setenv("ZENO_DATA_DIR", "/tmp/zeno-data")
	t.Setenv("ZENO_RELAY_URL", "http://relay:1")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	require.Equal(t, "sk-env", cfg.OpenRouter.APIKey)
	require.Equal(t, "hf-env", cfg.HuggingFace.APIKey)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, "meta/llama", cfg.DefaultModel)
	require.Equal(t, "/tmp/zeno-data", cfg.DataDir())
	require.Equal(t, "http://relay:1", cfg.Client.RelayURL)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Client.RelayURL = "ftp://nope"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 3)
	require.Equal(t, "server.port", verrs[0].Field)
	require.Contains(t, err.Error(), "client.relay_url")
	require.Contains(t, err.Error(), "logging.level")
}

func TestValidate_AllowedIPs(t *testing.T) {
	cfg := Default()
	cfg.Server.AllowedIPs = []string{"10.0.0.0/8", "::1", "192.0.2.7"}
	require.NoError(t, cfg.Validate())

	cfg.Server.AllowedIPs = append(cfg.Server.AllowedIPs, "10.0.0.0/99", "localhost")
	var verrs ValidateErrors
	require.True(t, errors.As(cfg.Validate(), &verrs))
	require.Len(t, verrs, 2)
	require.Equal(t, "server.allowed_ips", verrs[0].Field)
	require.Contains(t, verrs[1].Message, "localhost")
}

func TestTrustedProxies(t *testing.T) {
	require.Equal(t, []string{"127.0.0.0/8", "::1"}, Default().Server.TrustedProxies)

	cfg := &Config{}
	cfg.SetDefaults()
	require.Equal(t, Default().Server.TrustedProxies, cfg.Server.TrustedProxies)

	cfg.Server.TrustedProxies = []string{}
	cfg.SetDefaults()
	require.Empty(t, cfg.Server.TrustedProxies, "an explicit empty list trusts no proxy")
	require.NotNil(t, cfg.Clone().Server.TrustedProxies)

	cfg = Default()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "proxy.local"}
	var verrs ValidateErrors
	require.True(t, errors.As(cfg.Validate(), &verrs))
	require.Len(t, verrs, 1)
	require.Equal(t, "server.trusted_proxies", verrs[0].Field)
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("server.port", "9999"))
	require.NoError(t, cfg.Set("server.rate_limit", "2.5"))
	require.NoError(t, cfg.Set("storage.remote_sync", "false"))
	require.NoError(t, cfg.Set("client.memories", "likes tea, lives in Oslo"))

	port, err := cfg.Get("server.port")
	require.NoError(t, err)
	require.Equal(t, 9999, port)
	require.Equal(t, 2.5, cfg.Server.RateLimit)
	require.False(t, cfg.Storage.RemoteSync)
	require.Equal(t, []string{"likes tea", "lives in Oslo"}, cfg.Client.Memories)

	_, err = cfg.Get("server.nope")
	require.Error(t, err)
	require.Error(t, cfg.Set("server.port.x", "1"))
	require.Error(t, cfg.Set("server.port", "abc"))
}

func TestGetAllKeys(t *testing.T) {
	keys := GetAllKeys()
	require.Contains(t, keys, "default_model")
	require.Contains(t, keys, "openrouter.api_key")
	require.Contains(t, keys, "server.allowed_origins")
	require.Contains(t, keys, "server.allowed_ips")
	require.Contains(t, keys, "logging.telemetry")

	for _, key := range keys {
		_, err := Default().Get(key)
		require.NoError(t, err, key)
	}
	require.True(t, IsSecretKey("openrouter.api_key"))
	require.False(t, IsSecretKey("server.port"))
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.OpenRouter.APIKey = "sk-or-secret"
	cfg.HuggingFace.APIKey = "hf-secret"
	cfg.Server.AuthToken = "token-secret"

	out := cfg.String()
	require.NotContains(t, out, "secret")
	require.Equal(t, 3, strings.Count(out, "[REDACTED]"))
	require.Equal(t, "sk-or-secret", cfg.OpenRouter.APIKey)
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	cfg.Client.Memories = []string{"a"}
	clone := cfg.Clone()
	clone.Client.Memories[0] = "b"
	require.Equal(t, "a", cfg.Client.Memories[0])
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, nil)
	require.NoError(t, err)
	w.WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	cfg := Default()
	cfg.OpenRouter.APIKey = "sk-provisioned"
	require.NoError(t, SaveTOML(cfg, path))

	select {
	case got := <-changes:
		require.Equal(t, "sk-provisioned", got.OpenRouter.APIKey)
		require.Equal(t, got, w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("config change not delivered")
	}
}

func TestWatcher_IgnoresInvalidFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, nil)
	require.NoError(t, err)
	w.WithDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("server = [broken"), 0600))

	select {
	case <-changes:
		t.Fatal("invalid config delivered")
	case <-time.After(200 * time.Millisecond):
	}
	require.Nil(t, w.Current())
}
