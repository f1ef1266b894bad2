// Package supervisor implements the Runner Supervisor (spec §4.8): an
// HTTP orchestrator that admits per-room ghost-runner child processes
// under a concurrency cap, queueing the rest FIFO.
package supervisor

import (
	"os/exec"
	"time"

	"github.com/ehrlich-b/ghostrunner/internal/botsim"
)

// RunnerState is the observable admission state of a room (spec §4.8).
type RunnerState string

const (
	StateRunning        RunnerState = "running"
	StateQueuedCapacity RunnerState = "queued_capacity"
	StateStopped        RunnerState = "stopped"
)

const restartDelay = 3 * time.Second

// RoomConfig is the normalised desired state for one room (spec §3, §4.8).
type RoomConfig struct {
	Bots        botsim.BotsConfig
	UpdatedAtMS int64
}

// ChildHandle tracks one room's spawned runner process and its restart
// bookkeeping (SPEC_FULL.md §12).
type ChildHandle struct {
	HubSID       string
	Cmd          *exec.Cmd
	RestartTimer *time.Timer
	RestartCount int
	LastExitAtMS int64
}

// SupervisorSnapshot backs the /health endpoint (SPEC_FULL.md §12).
type SupervisorSnapshot struct {
	OK              bool     `json:"ok"`
	Rooms           int      `json:"rooms"`
	ActiveRooms     int      `json:"active_rooms"`
	QueuedRooms     int      `json:"queued_rooms"`
	MaxActiveRooms  int      `json:"max_active_rooms"`
	MaxBotsPerRoom  int      `json:"max_bots_per_room"`
	LLMEnabled      bool     `json:"llm_enabled"`
	Model           string   `json:"model"`
	ActiveHubs      []string `json:"active_hubs"`
	QueuedHubs      []string `json:"queued_hubs"`
}

func normalizeBotsConfig(in botsim.BotsConfig, maxBotsPerRoom int) botsim.BotsConfig {
	cfg := in
	if cfg.Count < 0 {
		cfg.Count = 0
	}
	if cfg.Count > maxBotsPerRoom {
		cfg.Count = maxBotsPerRoom
	}
	switch cfg.Mobility {
	case botsim.MobilityLow, botsim.MobilityMedium, botsim.MobilityHigh:
	default:
		cfg.Mobility = botsim.MobilityMedium
	}
	return cfg
}

func wants(cfg RoomConfig) bool {
	return cfg.Bots.Enabled && cfg.Bots.Count > 0
}
