package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "udp", cfg.Network)
	assert.Equal(t, 5060, cfg.AdvertisedPort)
	assert.Equal(t, TimerC, cfg.TimerC)
	assert.True(t, cfg.ParallelForking)
	assert.True(t, cfg.RecordRoute)
	assert.Equal(t, "UDP", cfg.Transport())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SIP_PROXY_HOSTNAME", "sip.example.com")
	t.Setenv("SIP_PROXY_NETWORK", "TCP")
	t.Setenv("SIP_PROXY_LISTEN", "0.0.0.0:5070")
	t.Setenv("SIP_PROXY_DOMAINS", "Example.com, example.org ,")
	t.Setenv("SIP_PROXY_PARALLEL", "false")
	t.Setenv("SIP_PROXY_TIMER_C", "200s")
	t.Setenv("SIP_PROXY_QUEUE_SIZE", "not-a-number")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sip.example.com", cfg.Hostname)
	assert.Equal(t, "tcp", cfg.Network)
	assert.Equal(t, 5070, cfg.AdvertisedPort)
	assert.Equal(t, []string{"example.com", "example.org"}, cfg.Domains)
	assert.False(t, cfg.ParallelForking)
	assert.Equal(t, 200*time.Second, cfg.TimerC)
	assert.Equal(t, 64, cfg.EventQueueSize, "некорректное значение заменяется значением по умолчанию")
}

func TestLoadConfigEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SIP_PROXY_PORT=5099\nSIP_PROXY_ROUTES=/etc/sip/routes.yaml\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SIP_PROXY_PORT")
		os.Unsetenv("SIP_PROXY_ROUTES")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5099, cfg.AdvertisedPort)
	assert.Equal(t, "/etc/sip/routes.yaml", cfg.RoutesFile)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err, "отсутствующий файл не ошибка")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"пустой hostname", func(c *Config) { c.Hostname = "" }},
		{"неизвестный транспорт", func(c *Config) { c.Network = "sctp" }},
		{"нет порта", func(c *Config) { c.ListenAddr = "0.0.0.0" }},
		{"нулевой Timer C", func(c *Config) { c.TimerC = 0 }},
		{"пустая очередь", func(c *Config) { c.EventQueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var pe *ProxyError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, ErrorCategoryConfig, pe.Category)
		})
	}
}
