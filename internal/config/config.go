// Package config reads ghost-runner and supervisor configuration from
// environment variables, CLI flags, and an optional local YAML bootstrap
// file, in that order of precedence (flag > env > file > default).
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Runner holds the ghost-runner process configuration (§6 "Environment
// variables (runner)").
type Runner struct {
	BaseURL             string
	HubSID              string
	BotAccessKey        string
	RaycastMode         string
	PathStartDelayMS    int
	MinWalkDurationMS   int
	LogLevel            string
}

const (
	defaultBaseURL           = "https://meta-hubs.org"
	defaultRaycastMode       = "spoke_colliders"
	defaultPathStartDelayMS  = 450
	defaultMinWalkDurationMS = 600
)

// NewRunner builds a Runner config from environment variables, applying
// the defaults from §6. url and hubSID come from CLI flags and are
// required non-empty.
func NewRunner(url, hubSID string) *Runner {
	r := &Runner{
		BaseURL:           url,
		HubSID:            hubSID,
		BotAccessKey:      os.Getenv("BOT_ACCESS_KEY"),
		RaycastMode:       getStringEnv("GHOST_RAYCAST_MODE", defaultRaycastMode),
		PathStartDelayMS:  getIntEnv("PATH_START_DELAY_MS", defaultPathStartDelayMS),
		MinWalkDurationMS: getIntEnv("MIN_WALK_DURATION_MS", defaultMinWalkDurationMS),
		LogLevel:          getStringEnv("LOG_LEVEL", "info"),
	}
	if r.BaseURL == "" {
		r.BaseURL = defaultBaseURL
	}
	return r
}

// CollidersEnabled reports whether commanded/patrol moves should be
// checked against the Collision Oracle. Any value of GHOST_RAYCAST_MODE
// other than "spoke_colliders" disables collider checks (§6).
func (r *Runner) CollidersEnabled() bool {
	return r.RaycastMode == defaultRaycastMode
}

// Supervisor holds the orchestrator's process configuration (§6
// "Environment variables (supervisor)").
type Supervisor struct {
	Port              string
	BotAccessKey      string
	RunnerAutostart   bool
	RunnerScript      string
	HubsBaseURL       string
	MaxActiveRooms    int
	MaxBotsPerRoom    int
	ChatRateLimitMS   int
	LogLevel          string
}

// bootstrapFile is the optional local development seed (§10.3); env vars
// always take precedence over values loaded here.
type bootstrapFile struct {
	HubsBaseURL    string `yaml:"hubs_base_url"`
	MaxActiveRooms int    `yaml:"max_active_rooms"`
	MaxBotsPerRoom int    `yaml:"max_bots_per_room"`
}

// NewSupervisor builds a Supervisor config from environment variables,
// optionally seeded by a local "ghostrunner.yaml" bootstrap file.
func NewSupervisor() *Supervisor {
	var boot bootstrapFile
	if data, err := os.ReadFile("ghostrunner.yaml"); err == nil {
		_ = yaml.Unmarshal(data, &boot)
	}

	s := &Supervisor{
		Port:            getStringEnv("PORT", "5001"),
		BotAccessKey:    os.Getenv("BOT_ACCESS_KEY"),
		RunnerAutostart: os.Getenv("RUNNER_AUTOSTART") == "true",
		RunnerScript:    os.Getenv("RUNNER_SCRIPT"),
		HubsBaseURL:     getStringEnv("HUBS_BASE_URL", boot.HubsBaseURL),
		MaxActiveRooms:  getIntEnv("MAX_ACTIVE_ROOMS", orDefault(boot.MaxActiveRooms, 1)),
		MaxBotsPerRoom:  getIntEnv("MAX_BOTS_PER_ROOM", orDefault(boot.MaxBotsPerRoom, 5)),
		ChatRateLimitMS: getIntEnv("CHAT_RATE_LIMIT_MS", 700),
		LogLevel:        getStringEnv("LOG_LEVEL", "info"),
	}
	return s
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func getStringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
