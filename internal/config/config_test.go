package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, BackendLocal, cfg.Backend)
	assert.Empty(t, cfg.Cloud.BaseURL)
	assert.Equal(t, 15*time.Second, Duration(cfg.Cloud.Timeout))
	assert.Equal(t, 5*time.Second, Duration(cfg.Local.SweepInterval))
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, "goveelink", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("GOVEE_API_KEY", "secret-key")

	cfg, err := Parse([]byte(`
backend: cloud
cloud:
  api_key: ${GOVEE_API_KEY}
  timeout: 3s
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, BackendCloud, cfg.Backend)
	assert.Equal(t, "secret-key", cfg.Cloud.APIKey)
	assert.Equal(t, 3*time.Second, Duration(cfg.Cloud.Timeout))
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{"cloud without key", "backend: cloud", "cloud backend requires cloud.api_key"},
		{"unknown backend", "backend: zigbee", `unknown backend "zigbee"`},
		{"bad interval", "local:\n  sweep_interval: soon", "invalid local.sweep_interval"},
		{"bad yaml", "backend: [", "parsing config"},
		{"duplicate scene", "scenes:\n  - name: a\n  - name: a", `scene "a" is defined twice`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goveelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  enabled: true\n  broker: tcp://mqtt:1883\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://mqtt:1883", cfg.MQTT.Broker)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestParse_Scenes(t *testing.T) {
	cfg, err := Parse([]byte(`
scenes:
  - name: evening
    devices:
      - device: "AA:BB:CC:DD:EE:FF:00:11"
        model: H6159
        power: true
        brightness: 40
        color: {r: 255, g: 120, b: 0}
      - device: "11:22:33:44:55:66:77:88"
        model: H6003
        kelvin: 2700
`))
	require.NoError(t, err)
	require.Len(t, cfg.Scenes, 1)

	s := cfg.Scenes[0]
	assert.Equal(t, "evening", s.Name)
	require.Len(t, s.Devices, 2)
	require.NotNil(t, s.Devices[0].Color)
	assert.Equal(t, 120, s.Devices[0].Color.G)
	assert.Equal(t, 40, *s.Devices[0].Brightness)
	assert.Nil(t, s.Devices[1].Power)
	assert.Equal(t, 2700, *s.Devices[1].Kelvin)
}

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goveelink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.DiscardHandler), func(c *Config) { changes <- c })
	}()

	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
			return false
		}
		for {
			select {
			case c := <-changes:
				if c.Log.Level == "debug" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return")
	}
}
