package botsim

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ehrlich-b/ghostrunner/internal/avatar"
	"github.com/ehrlich-b/ghostrunner/internal/channel"
	"github.com/ehrlich-b/ghostrunner/internal/clock"
	"github.com/ehrlich-b/ghostrunner/internal/config"
	"github.com/ehrlich-b/ghostrunner/internal/scene"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChannel struct {
	mu           sync.Mutex
	published    []channel.NAFEnvelope
	events       []string
	onCommand    func(channel.BotCommand)
	onHubRefresh func(json.RawMessage)
	onPresence   func(string)
}

func (f *fakeChannel) OnCommand(h func(channel.BotCommand))       { f.onCommand = h }
func (f *fakeChannel) OnHubRefresh(h func(json.RawMessage))       { f.onHubRefresh = h }
func (f *fakeChannel) OnPresenceJoin(h func(string))              { f.onPresence = h }
func (f *fakeChannel) PublishNAF(ctx context.Context, payload channel.NAFEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	f.events = append(f.events, "naf")
	return nil
}
func (f *fakeChannel) PublishNAFR(ctx context.Context, payload channel.NAFEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, payload)
	f.events = append(f.events, "nafr")
	return nil
}

func testSceneMap() *scene.Map {
	return &scene.Map{
		AllWaypoints: []scene.Waypoint{
			{Name: "spawbot-north", Position: scene.Vec3{X: 10, Y: 0, Z: 0}},
			{Name: "patrol-a", Position: scene.Vec3{X: 3, Y: 0, Z: 0}},
			{Name: "patrol-b", Position: scene.Vec3{X: -3, Y: 0, Z: 4}},
		},
		SpawnPoints: []scene.Waypoint{
			{Name: "spawbot-north", Position: scene.Vec3{X: 10, Y: 0, Z: 0}},
		},
		PatrolPoints: []scene.Waypoint{
			{Name: "patrol-a", Position: scene.Vec3{X: 3, Y: 0, Z: 0}},
			{Name: "patrol-b", Position: scene.Vec3{X: -3, Y: 0, Z: 4}},
		},
	}
}

func unitColliderAt(center scene.Vec3) scene.BoxCollider {
	world := scene.Translation(center)
	inv, _ := world.Inverse()
	return scene.BoxCollider{Name: "wall", World: world, InverseWorld: inv}
}

func newTestSimulator(ch *fakeChannel, sceneMap *scene.Map) *Simulator {
	clk := clock.New("", testLogger())
	cfg := &config.Runner{RaycastMode: "spoke_colliders"}
	return New("abc123", ch, clk, avatar.New("", testLogger()), sceneMap, cfg, testLogger())
}

func TestReconcileAddsAndRemovesBots(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	s.botsConfig = BotsConfig{Enabled: true, Count: 2, Mobility: MobilityMedium}

	s.reconcile(context.Background(), 1000)
	if len(s.bots) != 2 {
		t.Fatalf("expected 2 bots, got %d", len(s.bots))
	}
	if _, ok := s.bots["bot-1"]; !ok {
		t.Error("expected bot-1 to exist")
	}
	if _, ok := s.bots["bot-2"]; !ok {
		t.Error("expected bot-2 to exist")
	}

	s.botsConfig.Count = 1
	s.reconcile(context.Background(), 2000)
	if len(s.bots) != 1 {
		t.Fatalf("expected 1 bot after shrink, got %d", len(s.bots))
	}
	if _, ok := s.bots["bot-1"]; !ok {
		t.Error("expected bot-1 to survive shrink")
	}

	foundRemove := false
	for _, env := range ch.published {
		if env.DataType == "r" {
			foundRemove = true
		}
	}
	if !foundRemove {
		t.Error("expected a Remove envelope published for bot-2")
	}
}

func TestReconcileDisabledRemovesAllBots(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	s.botsConfig = BotsConfig{Enabled: true, Count: 3}
	s.reconcile(context.Background(), 1000)
	if len(s.bots) != 3 {
		t.Fatalf("expected 3 bots, got %d", len(s.bots))
	}

	s.botsConfig.Enabled = false
	s.reconcile(context.Background(), 2000)
	if len(s.bots) != 0 {
		t.Fatalf("expected 0 bots once disabled, got %d", len(s.bots))
	}
}

func TestReconcileUpdatesMobilityOnExistingBots(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	s.botsConfig = BotsConfig{Enabled: true, Count: 1, Mobility: MobilityLow}
	s.reconcile(context.Background(), 1000)

	if s.bots["bot-1"].Mobility != MobilityLow {
		t.Fatalf("expected initial mobility low, got %q", s.bots["bot-1"].Mobility)
	}

	s.botsConfig.Mobility = MobilityHigh
	s.reconcile(context.Background(), 4000)
	if s.bots["bot-1"].Mobility != MobilityHigh {
		t.Fatalf("expected mobility updated to high, got %q", s.bots["bot-1"].Mobility)
	}
}

func TestNetworkIDStableAcrossReconcile(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	s.botsConfig = BotsConfig{Enabled: true, Count: 1}
	s.reconcile(context.Background(), 1000)
	originalID := s.bots["bot-1"].NetworkID

	s.reconcile(context.Background(), 4000)
	s.reconcile(context.Background(), 7000)
	if s.bots["bot-1"].NetworkID != originalID {
		t.Fatalf("expected stable network id, got %q then %q", originalID, s.bots["bot-1"].NetworkID)
	}
}

func TestStartWalkingCommandedBlockedAbortsSilently(t *testing.T) {
	ch := &fakeChannel{}
	sceneMap := testSceneMap()
	sceneMap.Colliders = []scene.BoxCollider{unitColliderAt(scene.Vec3{X: 5, Y: 0, Z: 0})}
	s := newTestSimulator(ch, sceneMap)

	bot := &BotRecord{BotID: "bot-1", State: StateIdle, Position: scene.Vec3{}, Mobility: MobilityMedium}
	s.bots["bot-1"] = bot

	name := "spawbot-north" // at X:10, directly behind the collider at X:5
	s.startWalking(context.Background(), 1000, bot, &name)

	if bot.State != StateIdle {
		t.Fatalf("expected bot to remain idle after blocked commanded move, got %q", bot.State)
	}
	if len(ch.published) != 0 {
		t.Fatalf("expected no publish on blocked commanded move, got %d", len(ch.published))
	}
}

func TestStartWalkingCommandedSucceedsAndReserves(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())

	bot := &BotRecord{BotID: "bot-1", State: StateIdle, Position: scene.Vec3{}, Mobility: MobilityMedium}
	s.bots["bot-1"] = bot

	name := "patrol-a"
	s.startWalking(context.Background(), 1000, bot, &name)

	if bot.State != StateWalk {
		t.Fatalf("expected bot to transition to walk, got %q", bot.State)
	}
	if bot.ReservedTargetName != "patrol-a" {
		t.Fatalf("expected reservation on patrol-a, got %q", bot.ReservedTargetName)
	}
	if owner := s.reservations["patrol-a"]; owner != "bot-1" {
		t.Fatalf("expected reservation index to point at bot-1, got %q", owner)
	}
	if len(ch.published) != 1 || ch.events[0] != "nafr" {
		t.Fatalf("expected exactly one reliable update published, got %v", ch.events)
	}
}

func TestStartWalkingUnknownWaypointAborts(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	bot := &BotRecord{BotID: "bot-1", State: StateIdle, Mobility: MobilityMedium}
	s.bots["bot-1"] = bot

	name := "does-not-exist"
	s.startWalking(context.Background(), 1000, bot, &name)

	if bot.State != StateIdle || len(ch.published) != 0 {
		t.Fatal("expected no state change or publish for an unresolvable waypoint")
	}
}

func TestSetIdleClearsReservationAndPublishesFreeze(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	bot := &BotRecord{
		BotID: "bot-1", State: StateWalk, Mobility: MobilityMedium,
		ReservedTargetName: "patrol-a",
		Destination:        &Destination{Name: "patrol-a", Position: scene.Vec3{X: 3}},
	}
	s.bots["bot-1"] = bot
	s.reservations["patrol-a"] = "bot-1"

	s.setIdle(context.Background(), 5000, bot)

	if bot.State != StateIdle {
		t.Fatalf("expected idle, got %q", bot.State)
	}
	if bot.ReservedTargetName != "" {
		t.Error("expected reservation cleared on bot record")
	}
	if _, ok := s.reservations["patrol-a"]; ok {
		t.Error("expected reservation removed from index")
	}
	if bot.Destination != nil {
		t.Error("expected destination cleared")
	}
	if len(ch.published) != 1 || ch.events[0] != "nafr" {
		t.Fatalf("expected one reliable freeze update, got %v", ch.events)
	}
}

func TestHandlePresenceJoinResyncsEveryLiveBot(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	s.botsConfig = BotsConfig{Enabled: true, Count: 2}
	s.reconcile(context.Background(), 1000)
	ch.published = nil
	ch.events = nil

	s.handlePresenceJoin(context.Background(), "new-peer")

	if len(ch.published) != 2 {
		t.Fatalf("expected one Create per live bot, got %d", len(ch.published))
	}
	for _, env := range ch.published {
		data, _ := env.Data["isFirstSync"].(bool)
		if !data {
			t.Error("expected isFirstSync true on resync Create")
		}
	}
}

func TestHandleHubRefreshNormalisesAndReplacesConfig(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())

	raw := json.RawMessage(`{"bots":{"enabled":true,"count":25,"mobility":"bogus","chat_enabled":true}}`)
	s.handleHubRefresh(raw)

	if !s.botsConfig.Enabled {
		t.Error("expected enabled true")
	}
	if s.botsConfig.Count != MaxBots {
		t.Errorf("expected count clamped to %d, got %d", MaxBots, s.botsConfig.Count)
	}
	if s.botsConfig.Mobility != MobilityMedium {
		t.Errorf("expected unknown mobility defaulted to medium, got %q", s.botsConfig.Mobility)
	}
}

func TestHandleCommandIgnoresUnknownBot(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestSimulator(ch, testSceneMap())
	s.handleCommand(context.Background(), channel.BotCommand{BotID: "bot-9", Type: "go_to_waypoint", Waypoint: "patrol-a"})
	if len(ch.published) != 0 {
		t.Fatal("expected no publish for an unknown bot id")
	}
}

func TestSegmentPositionAtClampsAlpha(t *testing.T) {
	seg := Segment{Start: scene.Vec3{X: 0}, End: scene.Vec3{X: 10}, T0MS: 1000, DurationMS: 1000}
	if p := seg.PositionAt(500); p.X != 0 {
		t.Errorf("expected start clamp, got %v", p)
	}
	if p := seg.PositionAt(1500); p.X != 5 {
		t.Errorf("expected midpoint, got %v", p)
	}
	if p := seg.PositionAt(3000); p.X != 10 {
		t.Errorf("expected end clamp, got %v", p)
	}
}
