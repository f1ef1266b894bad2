package supervisor

import (
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ehrlich-b/ghostrunner/internal/botsim"
	"github.com/ehrlich-b/ghostrunner/internal/config"
)

// Supervisor owns room_configs, room_runners, and runner_queue for the
// supervisor's lifetime (spec §4.8, §9 "Global process-wide state").
// Every mutation happens under mu, the Go-native rendering of the
// spec's "no two callbacks run concurrently" guarantee.
type Supervisor struct {
	cfg *config.Supervisor
	log *slog.Logger

	mu          sync.Mutex
	roomConfigs map[string]RoomConfig
	roomRunners map[string]*ChildHandle
	runnerQueue []string

	// spawn is overridable in tests to avoid spawning real processes.
	spawn func(hubSID string) (*exec.Cmd, error)
}

// New builds a Supervisor wired to spawn real child processes via
// cfg.RunnerScript.
func New(cfg *config.Supervisor, log *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		log:         log,
		roomConfigs: make(map[string]RoomConfig),
		roomRunners: make(map[string]*ChildHandle),
	}
	s.spawn = s.spawnProcess
	return s
}

func (s *Supervisor) spawnProcess(hubSID string) (*exec.Cmd, error) {
	script := s.cfg.RunnerScript
	if script == "" {
		script = "ghostrunner"
	}
	cmd := exec.Command(script, "--url", s.cfg.HubsBaseURL, "--room", hubSID, "--runner")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ApplyRoomConfig implements the room-config handler's core (spec §4.8):
// store the normalised config, ensure the runner state, fill any freed
// queue slots, and report the resulting state.
func (s *Supervisor) ApplyRoomConfig(hubSID string, bots botsim.BotsConfig) (RunnerState, botsim.BotsConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalized := normalizeBotsConfig(bots, s.cfg.MaxBotsPerRoom)
	s.roomConfigs[hubSID] = RoomConfig{
		Bots:        normalized,
		UpdatedAtMS: time.Now().UnixMilli(),
	}

	state := s.ensureRunnerState(hubSID)
	s.fillQueuedSlots()
	return state, normalized
}

// StopRoom implements the room-stop handler's core (spec §4.8).
func (s *Supervisor) StopRoom(hubSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.roomConfigs, hubSID)
	s.dequeue(hubSID)
	s.killRunner(hubSID)
	s.fillQueuedSlots()
}

// ensureRunnerState must be called with mu held.
func (s *Supervisor) ensureRunnerState(hubSID string) RunnerState {
	cfg, ok := s.roomConfigs[hubSID]
	if !ok || !wants(cfg) {
		s.killRunner(hubSID)
		s.dequeue(hubSID)
		return StateStopped
	}

	if _, running := s.roomRunners[hubSID]; running {
		s.dequeue(hubSID)
		return StateRunning
	}

	if !s.cfg.RunnerAutostart {
		s.dequeue(hubSID)
		return StateStopped
	}

	if len(s.roomRunners) < s.cfg.MaxActiveRooms {
		if err := s.startRunner(hubSID); err != nil {
			s.log.Warn("supervisor: start runner failed", "hub_sid", hubSID, "err", err)
			s.enqueue(hubSID)
			return StateQueuedCapacity
		}
		s.dequeue(hubSID)
		return StateRunning
	}

	s.enqueue(hubSID)
	return StateQueuedCapacity
}

// startRunner spawns the child and installs the exit watcher. Must be
// called with mu held.
func (s *Supervisor) startRunner(hubSID string) error {
	cmd, err := s.spawn(hubSID)
	if err != nil {
		return err
	}
	handle := &ChildHandle{HubSID: hubSID, Cmd: cmd}
	s.roomRunners[hubSID] = handle
	go s.watchChild(hubSID, cmd)
	return nil
}

// watchChild blocks until the child exits, then dispatches onChildExit
// under the supervisor's mutex.
func (s *Supervisor) watchChild(hubSID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChildExit(hubSID, err)
}

// onChildExit must be called with mu held (spec §4.8 "On child exit").
func (s *Supervisor) onChildExit(hubSID string, exitErr error) {
	handle, ok := s.roomRunners[hubSID]
	if !ok {
		return
	}
	delete(s.roomRunners, hubSID)
	if handle.RestartTimer != nil {
		handle.RestartTimer.Stop()
	}

	if exitErr != nil {
		s.log.Warn("supervisor: runner exited", "hub_sid", hubSID, "err", exitErr)
	} else {
		s.log.Info("supervisor: runner exited", "hub_sid", hubSID)
	}

	cfg, ok := s.roomConfigs[hubSID]
	wantsRunner := ok && wants(cfg)

	if wantsRunner && len(s.roomRunners) < s.cfg.MaxActiveRooms {
		handle.RestartCount++
		handle.LastExitAtMS = time.Now().UnixMilli()
		timer := time.AfterFunc(restartDelay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.restartRunner(hubSID, handle)
		})
		// Keep the handle around so the pending restart is visible and
		// cancellable from StopRoom/killRunner.
		handle.RestartTimer = timer
		s.roomRunners[hubSID] = handle
		return
	}

	if wantsRunner {
		s.enqueue(hubSID)
	}
	s.fillQueuedSlots()
}

func (s *Supervisor) restartRunner(hubSID string, prev *ChildHandle) {
	current, stillPending := s.roomRunners[hubSID]
	if !stillPending || current != prev {
		return // superseded by a stop or a fresh start
	}
	delete(s.roomRunners, hubSID)

	cfg, ok := s.roomConfigs[hubSID]
	if !ok || !wants(cfg) {
		return
	}
	if len(s.roomRunners) >= s.cfg.MaxActiveRooms {
		s.enqueue(hubSID)
		return
	}
	if err := s.startRunner(hubSID); err != nil {
		s.log.Warn("supervisor: restart failed", "hub_sid", hubSID, "err", err)
		s.enqueue(hubSID)
		return
	}
	s.roomRunners[hubSID].RestartCount = prev.RestartCount
}

// fillQueuedSlots must be called with mu held (spec §4.8).
func (s *Supervisor) fillQueuedSlots() {
	for len(s.runnerQueue) > 0 && len(s.roomRunners) < s.cfg.MaxActiveRooms {
		hubSID := s.runnerQueue[0]
		s.runnerQueue = s.runnerQueue[1:]

		cfg, ok := s.roomConfigs[hubSID]
		if !ok || !wants(cfg) {
			continue
		}
		if err := s.startRunner(hubSID); err != nil {
			s.log.Warn("supervisor: fill queued slot failed", "hub_sid", hubSID, "err", err)
			s.runnerQueue = append([]string{hubSID}, s.runnerQueue...)
			return
		}
	}
}

// killRunner stops a live or pending-restart runner. Must be called
// with mu held.
func (s *Supervisor) killRunner(hubSID string) {
	handle, ok := s.roomRunners[hubSID]
	if !ok {
		return
	}
	delete(s.roomRunners, hubSID)
	if handle.RestartTimer != nil {
		handle.RestartTimer.Stop()
	}
	if handle.Cmd != nil && handle.Cmd.Process != nil {
		_ = handle.Cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (s *Supervisor) enqueue(hubSID string) {
	for _, id := range s.runnerQueue {
		if id == hubSID {
			return
		}
	}
	s.runnerQueue = append(s.runnerQueue, hubSID)
}

func (s *Supervisor) dequeue(hubSID string) {
	out := s.runnerQueue[:0]
	for _, id := range s.runnerQueue {
		if id != hubSID {
			out = append(out, id)
		}
	}
	s.runnerQueue = out
}

// Snapshot reports the supervisor's current state for /health.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	activeHubs := make([]string, 0, len(s.roomRunners))
	for hubSID := range s.roomRunners {
		activeHubs = append(activeHubs, hubSID)
	}
	queuedHubs := append([]string(nil), s.runnerQueue...)

	return SupervisorSnapshot{
		OK:             true,
		Rooms:          len(s.roomConfigs),
		ActiveRooms:    len(s.roomRunners),
		QueuedRooms:    len(s.runnerQueue),
		MaxActiveRooms: s.cfg.MaxActiveRooms,
		MaxBotsPerRoom: s.cfg.MaxBotsPerRoom,
		LLMEnabled:     false,
		Model:          "",
		ActiveHubs:     activeHubs,
		QueuedHubs:     queuedHubs,
	}
}
