package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envDur := func(key string, dst *Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = Duration(parsed)
			return
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = Duration(time.Duration(ms) * time.Millisecond)
		}
	}

	envStr("NANOCLAW_DATA_DIR", &c.DataDir)

	envInt("NANOCLAW_MAX_CONCURRENT", &c.Queue.MaxConcurrent)
	envDur("NANOCLAW_BASE_RETRY_MS", &c.Queue.BaseRetry)
	envInt("NANOCLAW_MAX_RETRIES", &c.Queue.MaxRetries)

	envDur("NANOCLAW_POLL_INTERVAL", &c.Loop.PollInterval)
	envDur("NANOCLAW_IPC_POLL_INTERVAL", &c.Loop.IPCPollInterval)
	envDur("NANOCLAW_SCHEDULER_INTERVAL", &c.Loop.SchedulerInterval)
	envStr("NANOCLAW_ASSISTANT_NAME", &c.Loop.AssistantName)
	envStr("NANOCLAW_MAIN_FOLDER", &c.Loop.MainFolder)
	envInt("NANOCLAW_MAX_CONTEXT_MESSAGES", &c.Loop.MaxContextMessages)
	envStr("NANOCLAW_TIMEZONE", &c.Loop.Timezone)

	envStr("NANOCLAW_SANDBOX_IMAGE", &c.Sandbox.Image)
	envStr("NANOCLAW_DOCKER_HOST", &c.Sandbox.DockerHost)
	envDur("NANOCLAW_CONTAINER_TIMEOUT", &c.Sandbox.ContainerTimeout)
	envDur("NANOCLAW_IDLE_TIMEOUT", &c.Sandbox.IdleTimeout)

	envStr("NANOCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("NANOCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("NANOCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WhatsApp.BridgeURL != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	// NANOCLAW_SECRET_FOO=bar becomes secrets["FOO"]="bar"; stdin-only delivery.
	for _, kv := range os.Environ() {
		const prefix = "NANOCLAW_SECRET_"
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		rest := kv[len(prefix):]
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			continue
		}
		if c.Secrets == nil {
			c.Secrets = make(map[string]string)
		}
		c.Secrets[rest[:eq]] = rest[eq+1:]
	}
}
