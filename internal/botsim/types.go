// Package botsim implements the Bot Simulator (spec §4.7): the per-room
// state machine that reconciles bot membership against a BotsConfig,
// drives idle/walk transitions, reserves waypoints, and publishes entity
// updates through a channel.Client.
package botsim

import "github.com/ehrlich-b/ghostrunner/internal/scene"

// MaxBots is the upper bound on simultaneously active bots per room
// (spec §3: 1 ≤ N ≤ 10).
const MaxBots = 10

// Mobility is one of the three movement profiles (spec §4.7).
type Mobility string

const (
	MobilityLow    Mobility = "low"
	MobilityMedium Mobility = "medium"
	MobilityHigh   Mobility = "high"
)

// mobilityProfile holds the per-mobility speed and idle-duration bounds.
type mobilityProfile struct {
	speedMPS       float64
	idleMinMS      int64
	idleMaxMS      int64
	initialBaseMS  int64
	initialJitterMS int64
}

var mobilityTable = map[Mobility]mobilityProfile{
	MobilityLow:    {speedMPS: 0.45, idleMinMS: 8000, idleMaxMS: 22000, initialBaseMS: 2000, initialJitterMS: 3000},
	MobilityMedium: {speedMPS: 0.75, idleMinMS: 4500, idleMaxMS: 14000, initialBaseMS: 1200, initialJitterMS: 1300},
	MobilityHigh:   {speedMPS: 1.05, idleMinMS: 2500, idleMaxMS: 8000, initialBaseMS: 800, initialJitterMS: 1000},
}

func profileFor(m Mobility) mobilityProfile {
	if p, ok := mobilityTable[m]; ok {
		return p
	}
	return mobilityTable[MobilityMedium]
}

// BotState is a bot's position in the idle/walk state machine.
type BotState string

const (
	StateIdle BotState = "idle"
	StateWalk BotState = "walk"
)

// Destination names the target a bot is walking toward.
type Destination struct {
	Name     string
	Position scene.Vec3
}

// Segment is a linear interpolation between two world points over a
// server-clock time window (spec §3). A freeze segment has
// Start == End and DurationMS == 0.
type Segment struct {
	Start      scene.Vec3
	End        scene.Vec3
	T0MS       int64
	DurationMS int64
	Yaw0Deg    float64
	Yaw1Deg    float64
}

// PositionAt implements position integration (spec §4.7, property P7):
// alpha = clamp((now-t0)/duration, 0, 1) if duration > 0, else 1 unless
// now <= t0 (then 0).
func (s Segment) PositionAt(nowMS int64) scene.Vec3 {
	var alpha float64
	if s.DurationMS > 0 {
		alpha = float64(nowMS-s.T0MS) / float64(s.DurationMS)
		if alpha < 0 {
			alpha = 0
		}
		if alpha > 1 {
			alpha = 1
		}
	} else if nowMS <= s.T0MS {
		alpha = 0
	} else {
		alpha = 1
	}
	return scene.Vec3{
		X: s.Start.X + alpha*(s.End.X-s.Start.X),
		Y: s.Start.Y + alpha*(s.End.Y-s.Start.Y),
		Z: s.Start.Z + alpha*(s.End.Z-s.Start.Z),
	}
}

// BotRecord is the full state of one active bot (spec §3).
type BotRecord struct {
	BotID             string
	NetworkID         string
	LastOwnerTimeMS   int64
	Position          scene.Vec3
	HomePosition      scene.Vec3
	YawDeg            float64
	State             BotState
	StateEndsAtMS     int64
	Mobility          Mobility
	Destination       *Destination
	ReservedTargetName string
	Path              *Segment
	AvatarID          string
}

// BotsConfig is the desired state pushed via hub_refresh (spec §3).
type BotsConfig struct {
	Enabled     bool     `json:"enabled" mapstructure:"enabled"`
	Count       int      `json:"count" mapstructure:"count"`
	Mobility    Mobility `json:"mobility" mapstructure:"mobility"`
	ChatEnabled bool     `json:"chat_enabled" mapstructure:"chat_enabled"`
}

// Normalize clamps Count to [0,10] and defaults an unrecognised Mobility
// to medium (spec §4.8 / §9 "Dynamic field lookup").
func (c BotsConfig) Normalize() BotsConfig {
	if c.Count < 0 {
		c.Count = 0
	}
	if c.Count > MaxBots {
		c.Count = MaxBots
	}
	switch c.Mobility {
	case MobilityLow, MobilityMedium, MobilityHigh:
	default:
		c.Mobility = MobilityMedium
	}
	return c
}
