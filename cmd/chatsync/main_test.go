package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.base_url", "http://api.test"))
	require.NoError(t, setConfigValue(cfg, "default.ws_url", "ws://api.test/ws"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "7"))
	require.NoError(t, setConfigValue(cfg, "realtime.heartbeat", "10s"))
	require.NoError(t, setConfigValue(cfg, "realtime.max_reconnect_attempts", "3"))
	require.NoError(t, setConfigValue(cfg, "log.level", "debug"))

	assert.Equal(t, "http://api.test", cfg.Default.BaseURL)
	assert.Equal(t, "ws://api.test/ws", cfg.Default.WSURL)
	assert.Equal(t, "7", cfg.Auth.UserID)
	assert.Equal(t, "10s", cfg.Realtime.Heartbeat)
	assert.Equal(t, 3, cfg.Realtime.MaxReconnectAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)

	for _, key := range []string{"base_url", "default.nope", "nope.field"} {
		assert.Error(t, setConfigValue(cfg, key, "x"), key)
	}
	assert.Error(t, setConfigValue(cfg, "realtime.heartbeat", "often"))
	assert.Error(t, setConfigValue(cfg, "log.format", "xml"))
}

func TestConfigRoundTripFormats(t *testing.T) {
	cfg := &Config{
		Default:  ConfigDefault{BaseURL: "http://api.test"},
		Auth:     ConfigAuth{UserID: "7", Token: "tok"},
		Realtime: ConfigRealtime{ReconnectDelay: "2s"},
	}
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, saveConfigFile(path, cfg))

			got, err := loadConfigFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, got)
		})
	}

	got, err := loadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, got)
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "/tmp/chatsync.yml")
	path, err := configPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/chatsync.yml", path)
	assert.True(t, isYAML(path))
}

func TestRealtimeConfig(t *testing.T) {
	rc, err := realtimeConfig(ConfigRealtime{ReconnectDelay: "2s", Heartbeat: "0s", MaxReconnectAttempts: 4})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, rc.ReconnectDelay)
	assert.Negative(t, rc.HeartbeatOutgoing, "zero disables heartbeats")
	assert.Equal(t, 4, rc.MaxReconnectAttempts)

	_, err = realtimeConfig(ConfigRealtime{Heartbeat: "soon"})
	assert.Error(t, err)
}

func TestLoginStoresToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("CHATSYNC_CONFIG", path)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "alice",
		"userId": 31,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"login", token})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Logged in as user 31")

	cfg, err := loadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "31", cfg.Auth.UserID)
	assert.Equal(t, token, cfg.Auth.Token)

	out.Reset()
	rootCmd.SetArgs([]string{"config", "show"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "# "+path+" (toml)")
	assert.Contains(t, out.String(), "user_id")
	assert.Contains(t, out.String(), "31")
	assert.NotContains(t, out.String(), token, "token is masked")
}

func TestConfigShowYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	t.Setenv("CHATSYNC_CONFIG", path)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "show"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "# "+path+" (yaml)")
	assert.Contains(t, out.String(), "not created yet")

	out.Reset()
	rootCmd.SetArgs([]string{"config", "set", "default.ws_url", "ws://api.test/ws"})
	require.NoError(t, rootCmd.Execute())

	out.Reset()
	rootCmd.SetArgs([]string{"config", "show"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "# "+path+" (yaml)")
	assert.Contains(t, out.String(), "ws_url: ws://api.test/ws")

	out.Reset()
	rootCmd.SetArgs([]string{"config", "path"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, path+"\n", out.String())
}

func TestTokenStatus(t *testing.T) {
	now := time.Now()
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1", "exp": now.Add(-time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	assert.Equal(t, "none", tokenStatus("", now))
	assert.Contains(t, tokenStatus(expired, now), "EXPIRED")
	assert.Contains(t, tokenStatus("not-a-token-at-all", now), "unreadable")
	assert.Equal(t, "****", maskKey("short"))
}
