package botsim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/ehrlich-b/ghostrunner/internal/avatar"
	"github.com/ehrlich-b/ghostrunner/internal/channel"
	"github.com/ehrlich-b/ghostrunner/internal/clock"
	"github.com/ehrlich-b/ghostrunner/internal/collision"
	"github.com/ehrlich-b/ghostrunner/internal/config"
	"github.com/ehrlich-b/ghostrunner/internal/scene"
)

const (
	reconcileInterval   = 3 * time.Second
	tickInterval        = 100 * time.Millisecond
	separationDistance2 = 0.6 * 0.6
	candidateDistance2  = 0.04
	maxShuffleCandidates = 8
	abortDistanceM      = 0.08
	setIdleDelayMS      = 800
)

// channelClient is the subset of *channel.Client the simulator depends
// on, narrowed so tests can substitute a fake without a real socket.
type channelClient interface {
	OnCommand(func(channel.BotCommand))
	OnHubRefresh(func(json.RawMessage))
	OnPresenceJoin(func(string))
	PublishNAF(ctx context.Context, payload channel.NAFEnvelope) error
	PublishNAFR(ctx context.Context, payload channel.NAFEnvelope) error
}

// Simulator is the per-room bot state machine (spec §4.7). Every field
// mutation happens from Run's single goroutine: inbound channel events
// are handed off over buffered channels rather than invoked directly
// from the channel.Client's own read goroutine, so the simulator never
// needs locking (the Go-native rendering of spec §5's single-threaded
// cooperative scheduling model).
type Simulator struct {
	hubSID   string
	ch       channelClient
	clk      *clock.Timekeeper
	avatars  *avatar.Catalog
	sceneMap *scene.Map
	cfg      *config.Runner
	log      *slog.Logger
	rng      *rand.Rand

	botsConfig   BotsConfig
	bots         map[string]*BotRecord
	reservations map[string]string // lowercase waypoint name -> bot id

	cmdCh      chan channel.BotCommand
	refreshCh  chan json.RawMessage
	presenceCh chan string

	fatalErr error
}

// New wires a Simulator to its channel client, registering handlers that
// forward inbound events onto buffered channels consumed by Run.
func New(hubSID string, ch channelClient, clk *clock.Timekeeper, avatars *avatar.Catalog, sceneMap *scene.Map, cfg *config.Runner, log *slog.Logger) *Simulator {
	s := &Simulator{
		hubSID:       hubSID,
		ch:           ch,
		clk:          clk,
		avatars:      avatars,
		sceneMap:     sceneMap,
		cfg:          cfg,
		log:          log,
		bots:         make(map[string]*BotRecord),
		reservations: make(map[string]string),
		cmdCh:        make(chan channel.BotCommand, 32),
		refreshCh:    make(chan json.RawMessage, 4),
		presenceCh:   make(chan string, 32),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	ch.OnCommand(func(cmd channel.BotCommand) {
		select {
		case s.cmdCh <- cmd:
		default:
		}
	})
	ch.OnHubRefresh(func(raw json.RawMessage) {
		select {
		case s.refreshCh <- raw:
		default:
		}
	})
	ch.OnPresenceJoin(func(key string) {
		select {
		case s.presenceCh <- key:
		default:
		}
	})

	return s
}

// Run reconciles once immediately, then drives the 100ms tick and 3s
// reconciliation on their own tickers alongside inbound channel events,
// until ctx is cancelled or a publish fails (treated as transport-fatal,
// §7). Avatar catalog refresh runs on its own independent 60s ticker
// (avatar.Catalog.Run), started by the caller.
func (s *Simulator) Run(ctx context.Context) error {
	s.reconcile(ctx, s.clk.NowMS())

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	reconcileTick := time.NewTicker(reconcileInterval)
	defer reconcileTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmdCh:
			s.handleCommand(ctx, cmd)
		case raw := <-s.refreshCh:
			s.handleHubRefresh(raw)
		case key := <-s.presenceCh:
			s.handlePresenceJoin(ctx, key)
		case <-reconcileTick.C:
			s.reconcile(ctx, s.clk.NowMS())
		case <-tick.C:
			s.doTick(ctx, s.clk.NowMS())
		}
		if s.fatalErr != nil {
			return s.fatalErr
		}
	}
}

// RemoveAll publishes a Remove for every live bot, used during graceful
// shutdown (spec §5, §12 supplemented graceful drain).
func (s *Simulator) RemoveAll(ctx context.Context) {
	for id, bot := range s.bots {
		s.publishRemove(ctx, bot)
		delete(s.bots, id)
	}
	s.reservations = make(map[string]string)
}

func (s *Simulator) doTick(ctx context.Context, now int64) {
	for _, bot := range s.bots {
		if bot.Path != nil {
			bot.Position = bot.Path.PositionAt(now)
		}
		switch bot.State {
		case StateIdle:
			if now >= bot.StateEndsAtMS {
				s.startWalking(ctx, now, bot, nil)
			}
		case StateWalk:
			if now >= bot.StateEndsAtMS {
				s.setIdle(ctx, now, bot)
			}
		}
	}
}

// reconcile implements the membership/mobility sync described in §4.7.
func (s *Simulator) reconcile(ctx context.Context, now int64) {
	cfg := s.botsConfig.Normalize()
	desired := 0
	if cfg.Enabled {
		desired = cfg.Count
	}

	for id, bot := range s.bots {
		if botIndexOf(id) > desired {
			s.publishRemove(ctx, bot)
			delete(s.bots, id)
		}
	}

	for n := 1; n <= desired; n++ {
		id := botID(n)
		if _, ok := s.bots[id]; ok {
			continue
		}
		s.bots[id] = s.addBot(ctx, now, n)
	}

	for _, bot := range s.bots {
		bot.Mobility = cfg.Mobility
	}
}

func (s *Simulator) addBot(ctx context.Context, now int64, n int) *BotRecord {
	base := s.basePosition(n)
	pos := s.applySeparation(base, n, s.placedPositions())
	yaw := s.rng.Float64() * 360

	bot := &BotRecord{
		BotID:           botID(n),
		NetworkID:       fmt.Sprintf("room-bot-%s-%s", s.hubSID, botID(n)),
		LastOwnerTimeMS: s.clk.NowMS(),
		Position:        pos,
		HomePosition:    pos,
		YawDeg:          yaw,
		Mobility:        s.botsConfig.Mobility,
		State:           StateIdle,
		AvatarID:        s.avatars.AvatarForBot(n),
	}
	profile := profileFor(bot.Mobility)
	bot.StateEndsAtMS = now + profile.initialBaseMS + jitter(s.rng, profile.initialJitterMS)

	seg := Segment{Start: pos, End: pos, T0MS: now, DurationMS: 0, Yaw0Deg: yaw, Yaw1Deg: yaw}
	if err := s.ch.PublishNAF(ctx, createEnvelope(bot, seg, bot.BotID)); err != nil {
		s.fatalErr = fmt.Errorf("publish create: %w", err)
	}
	return bot
}

func (s *Simulator) publishRemove(ctx context.Context, bot *BotRecord) {
	if bot.ReservedTargetName != "" {
		delete(s.reservations, strings.ToLower(bot.ReservedTargetName))
	}
	if err := s.ch.PublishNAF(ctx, removeEnvelope(bot)); err != nil {
		s.fatalErr = fmt.Errorf("publish remove: %w", err)
	}
}

func (s *Simulator) basePosition(n int) scene.Vec3 {
	points := s.sceneMap.SpawnPoints
	if len(points) == 0 {
		points = s.sceneMap.PatrolPoints
	}
	if len(points) == 0 {
		return scene.Vec3{}
	}
	return points[(n-1)%len(points)].Position
}

func (s *Simulator) placedPositions() []scene.Vec3 {
	out := make([]scene.Vec3, 0, len(s.bots))
	for _, bot := range s.bots {
		out = append(out, bot.Position)
	}
	return out
}

// applySeparation offsets base radially when n >= 2 and at least one
// already-placed position is within 0.6m on the XZ plane (§4.7).
func (s *Simulator) applySeparation(base scene.Vec3, n int, placed []scene.Vec3) scene.Vec3 {
	if n < 2 {
		return base
	}
	conflicts := countConflicts(placed, base)
	if conflicts == 0 {
		return base
	}
	angle := float64(n-1) * math.Pi / 3
	radius := 0.8 + math.Min(float64(conflicts), 2)*0.2
	return scene.Vec3{X: base.X + radius*math.Sin(angle), Y: base.Y, Z: base.Z + radius*math.Cos(angle)}
}

func countConflicts(placed []scene.Vec3, candidate scene.Vec3) int {
	n := 0
	for _, p := range placed {
		dx := p.X - candidate.X
		dz := p.Z - candidate.Z
		if dx*dx+dz*dz <= separationDistance2 {
			n++
		}
	}
	return n
}

// startWalking implements §4.7 "Walking". desiredName, when non-nil, is
// a commanded waypoint: if it cannot be resolved or is line-of-sight
// blocked, the call aborts entirely (no state change, no publish — the
// bot stays idle, per the commanded-move-blocked scenario in §8).
func (s *Simulator) startWalking(ctx context.Context, now int64, bot *BotRecord, desiredName *string) {
	if bot.Path != nil {
		bot.Position = bot.Path.PositionAt(now)
	}

	var target *Destination
	if desiredName != nil {
		wp, ok := s.findWaypoint(*desiredName)
		if !ok {
			return
		}
		if s.collidersEnabled() && !collision.IsPathClear(bot.Position, wp.Position, s.sceneMap.Colliders) {
			s.log.Debug("start_walking: commanded waypoint blocked", "bot_id", bot.BotID, "waypoint", wp.Name)
			return
		}
		target = &Destination{Name: wp.Name, Position: wp.Position}
	} else {
		target = s.pickPatrolPoint(bot)
		if target == nil {
			target = s.synthesizeWanderTarget(bot)
		}
	}

	if bot.ReservedTargetName != "" {
		delete(s.reservations, strings.ToLower(bot.ReservedTargetName))
		bot.ReservedTargetName = ""
	}
	if target.Name != "" {
		s.reservations[strings.ToLower(target.Name)] = bot.BotID
		bot.ReservedTargetName = target.Name
	}

	// Separation against an empty already-placed set: a preserved quirk
	// (§9 Open Questions) — separation only ever nudges initial spawns.
	pos := s.applySeparation(target.Position, botIndexOf(bot.BotID), nil)

	dx := pos.X - bot.Position.X
	dz := pos.Z - bot.Position.Z
	distance := math.Hypot(dx, dz)
	if distance <= abortDistanceM {
		bot.State = StateIdle
		bot.Path = nil
		bot.Destination = nil
		bot.StateEndsAtMS = now + setIdleDelayMS
		return
	}

	profile := profileFor(bot.Mobility)
	speed := math.Max(0.05, profile.speedMPS)
	duration := int64(math.Max(float64(s.cfg.MinWalkDurationMS), 1000*distance/speed))
	t0 := now + int64(s.cfg.PathStartDelayMS)
	yaw1 := normalizeDeg(math.Atan2(dx, dz) * 180 / math.Pi)

	seg := Segment{Start: bot.Position, End: pos, T0MS: t0, DurationMS: duration, Yaw0Deg: bot.YawDeg, Yaw1Deg: yaw1}

	bot.State = StateWalk
	bot.Destination = &Destination{Name: target.Name, Position: pos}
	bot.Path = &seg
	bot.StateEndsAtMS = t0 + duration
	bot.YawDeg = yaw1

	if err := s.ch.PublishNAFR(ctx, updateEnvelope(bot, seg)); err != nil {
		s.fatalErr = fmt.Errorf("publish update: %w", err)
	}
}

func (s *Simulator) setIdle(ctx context.Context, now int64, bot *BotRecord) {
	if bot.Path != nil {
		bot.Position = bot.Path.PositionAt(now)
	}
	bot.Destination = nil
	if bot.ReservedTargetName != "" {
		delete(s.reservations, strings.ToLower(bot.ReservedTargetName))
		bot.ReservedTargetName = ""
	}
	bot.Path = nil

	profile := profileFor(bot.Mobility)
	bot.StateEndsAtMS = now + profile.idleMinMS + jitter(s.rng, profile.idleMaxMS-profile.idleMinMS)
	bot.State = StateIdle

	seg := Segment{Start: bot.Position, End: bot.Position, T0MS: now, DurationMS: 0, Yaw0Deg: bot.YawDeg, Yaw1Deg: bot.YawDeg}
	if err := s.ch.PublishNAFR(ctx, updateEnvelope(bot, seg)); err != nil {
		s.fatalErr = fmt.Errorf("publish update: %w", err)
	}
}

// pickPatrolPoint implements the patrol-target search in §4.7.
func (s *Simulator) pickPatrolPoint(bot *BotRecord) *Destination {
	candidates := filterPatrolCandidates(s.sceneMap.PatrolPoints, bot, s.reservations, true)
	if len(candidates) == 0 {
		candidates = filterPatrolCandidates(s.sceneMap.PatrolPoints, bot, s.reservations, false)
	}
	if len(candidates) == 0 {
		return nil
	}

	s.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > maxShuffleCandidates {
		candidates = candidates[:maxShuffleCandidates]
	}

	for _, wp := range candidates {
		if !s.collidersEnabled() || collision.IsPathClear(bot.Position, wp.Position, s.sceneMap.Colliders) {
			return &Destination{Name: wp.Name, Position: wp.Position}
		}
	}
	pick := candidates[s.rng.Intn(len(candidates))]
	return &Destination{Name: pick.Name, Position: pick.Position}
}

func filterPatrolCandidates(points []scene.Waypoint, bot *BotRecord, reservations map[string]string, strict bool) []scene.Waypoint {
	ownDest := ""
	if bot.Destination != nil {
		ownDest = strings.ToLower(bot.Destination.Name)
	}

	var out []scene.Waypoint
	for _, wp := range points {
		lower := strings.ToLower(wp.Name)
		if lower == ownDest {
			continue
		}
		if strict {
			if owner, ok := reservations[lower]; ok && owner != bot.BotID {
				continue
			}
			dx := wp.Position.X - bot.Position.X
			dz := wp.Position.Z - bot.Position.Z
			if dx*dx+dz*dz <= candidateDistance2 {
				continue
			}
		}
		out = append(out, wp)
	}
	return out
}

// synthesizeWanderTarget always succeeds: a random offset from the
// bot's home position on the XZ plane (§4.7 step 3).
func (s *Simulator) synthesizeWanderTarget(bot *BotRecord) *Destination {
	angle := s.rng.Float64() * 2 * math.Pi
	radius := 0.8 + s.rng.Float64()*1.2
	pos := scene.Vec3{
		X: bot.HomePosition.X + radius*math.Sin(angle),
		Y: bot.Position.Y,
		Z: bot.HomePosition.Z + radius*math.Cos(angle),
	}
	return &Destination{Name: "", Position: pos}
}

func (s *Simulator) findWaypoint(name string) (scene.Waypoint, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, wp := range s.sceneMap.AllWaypoints {
		if strings.ToLower(wp.Name) == lower {
			return wp, true
		}
	}
	return scene.Waypoint{}, false
}

func (s *Simulator) collidersEnabled() bool {
	return s.cfg.CollidersEnabled()
}

// handleCommand dispatches a bot_command; unknown bots or types are
// ignored silently (§4.7, §7 command-invalid).
func (s *Simulator) handleCommand(ctx context.Context, cmd channel.BotCommand) {
	if cmd.Type != "go_to_waypoint" {
		return
	}
	bot, ok := s.bots[cmd.BotID]
	if !ok {
		return
	}
	waypoint := cmd.Waypoint
	s.startWalking(ctx, s.clk.NowMS(), bot, &waypoint)
}

// hubRefreshUserData is the subset of hub_refresh's user_data payload
// this module reads.
type hubRefreshUserData struct {
	Bots map[string]any `json:"bots"`
}

// handleHubRefresh re-normalises user_data.bots into a new BotsConfig and
// replaces the in-memory config; the next reconciliation tick applies it
// (§4.7 "Hub refresh").
func (s *Simulator) handleHubRefresh(raw json.RawMessage) {
	var ud hubRefreshUserData
	if err := json.Unmarshal(raw, &ud); err != nil {
		s.log.Warn("hub_refresh: decode failed", "err", err)
		return
	}

	var cfg BotsConfig
	if err := mapstructure.Decode(ud.Bots, &cfg); err != nil {
		s.log.Warn("hub_refresh: normalise failed", "err", err)
		return
	}
	s.botsConfig = cfg.Normalize()
}

// handlePresenceJoin republishes a full Create for every live bot to a
// newly-appeared peer (§4.7 "Late joiners — full sync").
func (s *Simulator) handlePresenceJoin(ctx context.Context, sessionKey string) {
	now := s.clk.NowMS()
	for _, bot := range s.bots {
		if bot.Path != nil {
			bot.Position = bot.Path.PositionAt(now)
		}
		seg := s.currentSegment(bot, now)
		if err := s.ch.PublishNAF(ctx, createEnvelope(bot, seg, bot.BotID)); err != nil {
			s.fatalErr = fmt.Errorf("publish resync create: %w", err)
			return
		}
	}
	s.log.Debug("late joiner resync", "session_key", sessionKey, "bots", len(s.bots))
}

func (s *Simulator) currentSegment(bot *BotRecord, now int64) Segment {
	if bot.Path != nil {
		return *bot.Path
	}
	return Segment{Start: bot.Position, End: bot.Position, T0MS: now, DurationMS: 0, Yaw0Deg: bot.YawDeg, Yaw1Deg: bot.YawDeg}
}

func botID(n int) string { return fmt.Sprintf("bot-%d", n) }

func botIndexOf(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, "bot-"))
	return n
}

func normalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// jitter returns a uniform random int64 in [0,n); n<=0 returns 0.
func jitter(rng *rand.Rand, n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rng.Int63n(n)
}
