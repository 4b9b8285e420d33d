// Package config defines the orchestrator configuration and its loader.
// Config is read from a JSON5 file and overlaid with environment variables;
// env vars always win so secrets can stay out of the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Duration wraps time.Duration so JSON5 config can use strings like "30m".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string ("45s") or milliseconds as a number.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for the orchestrator.
type Config struct {
	DataDir  string         `json:"data_dir"`
	Queue    QueueConfig    `json:"queue"`
	Loop     LoopConfig     `json:"loop"`
	Sandbox  SandboxConfig  `json:"sandbox"`
	Channels ChannelsConfig `json:"channels"`
	Secrets  map[string]string `json:"secrets"`
}

// QueueConfig bounds sandbox scheduling and retries.
type QueueConfig struct {
	MaxConcurrent int      `json:"max_concurrent"`
	BaseRetry     Duration `json:"base_retry"`
	MaxRetries    int      `json:"max_retries"`
}

// LoopConfig drives the message loop, IPC watcher and scheduler cadences.
type LoopConfig struct {
	PollInterval       Duration `json:"poll_interval"`
	IPCPollInterval    Duration `json:"ipc_poll_interval"`
	SchedulerInterval  Duration `json:"scheduler_interval"`
	AssistantName      string   `json:"assistant_name"`
	MainFolder         string   `json:"main_folder"`
	MaxContextMessages int      `json:"max_context_messages"`
	Timezone           string   `json:"timezone"`
}

// SandboxConfig describes the container runtime for agent sandboxes.
type SandboxConfig struct {
	Image            string   `json:"image"`
	DockerHost       string   `json:"docker_host"`
	ContainerTimeout Duration `json:"container_timeout"`
	IdleTimeout      Duration `json:"idle_timeout"`
	MemoryLimitMB    int64    `json:"memory_limit_mb"`
	CPUQuota         int64    `json:"cpu_quota"`
	PidsLimit        int64    `json:"pids_limit"`
	// AllowedMountPrefixes restricts per-group extra mounts: a mount source
	// must start with one of these prefixes or the group config is rejected.
	AllowedMountPrefixes []string `json:"allowed_mount_prefixes"`
	// EnvAllowList names host env vars forwarded into sandboxes. Secrets are
	// never passed through the environment; they ride the stdin payload.
	EnvAllowList []string `json:"env_allow_list"`
}

// ChannelsConfig enables chat transports.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures the Telegram bot channel.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// DiscordConfig configures the Discord bot channel.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// WhatsAppConfig configures the WhatsApp bridge channel.
// The bridge (whatsapp-web.js based) speaks the actual WhatsApp protocol;
// the channel exchanges JSON frames with it over WebSocket.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	BridgeURL string   `json:"bridge_url"`
	AllowFrom []string `json:"allow_from"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		DataDir: "~/.nanoclaw",
		Queue: QueueConfig{
			MaxConcurrent: 5,
			BaseRetry:     Duration(5 * time.Second),
			MaxRetries:    5,
		},
		Loop: LoopConfig{
			PollInterval:       Duration(2 * time.Second),
			IPCPollInterval:    Duration(time.Second),
			SchedulerInterval:  Duration(60 * time.Second),
			AssistantName:      "Andy",
			MainFolder:         "main",
			MaxContextMessages: 100,
			Timezone:           "UTC",
		},
		Sandbox: SandboxConfig{
			Image:            "nanoclaw-agent:latest",
			ContainerTimeout: Duration(30 * time.Minute),
			IdleTimeout:      Duration(5 * time.Minute),
			MemoryLimitMB:    2048,
			PidsLimit:        256,
			EnvAllowList:     []string{"HOME", "PATH", "LANG", "TZ", "TERM"},
		},
	}
}

var folderRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidFolder reports whether name is a safe registered-group folder:
// alphanumerics and dashes only, so it can never traverse paths.
func ValidFolder(name string) bool {
	return folderRe.MatchString(name)
}

// Validate checks cross-field constraints that the zero value would violate.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("queue.max_concurrent must be >= 1")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if !ValidFolder(c.Loop.MainFolder) {
		return fmt.Errorf("loop.main_folder %q is not a valid folder name", c.Loop.MainFolder)
	}
	if _, err := time.LoadLocation(c.Loop.Timezone); err != nil {
		return fmt.Errorf("loop.timezone: %w", err)
	}
	if c.Loop.MaxContextMessages < 1 {
		return fmt.Errorf("loop.max_context_messages must be >= 1")
	}
	return nil
}

// Location resolves the configured cron evaluation time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Loop.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StorePath returns the sqlite database path under the data dir.
func (c *Config) StorePath() string {
	return filepath.Join(ExpandHome(c.DataDir), "nanoclaw.db")
}

// IPCRoot returns the root of the per-folder IPC tree.
func (c *Config) IPCRoot() string {
	return filepath.Join(ExpandHome(c.DataDir), "ipc")
}

// GroupsRoot returns the directory holding per-group working folders
// (mounted read-write into each group's sandbox).
func (c *Config) GroupsRoot() string {
	return filepath.Join(ExpandHome(c.DataDir), "groups")
}

// ExpandHome expands a leading "~/" to the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
