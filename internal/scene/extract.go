package scene

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ehrlich-b/ghostrunner/internal/gltf"
)

// componentBag is the dynamic-keyed MOZ_hubs_components payload: one
// entry per attached Hubs component, keyed by component name.
type componentBag map[string]json.RawMessage

type waypointComponent struct {
	CanBeSpawnPoint bool `json:"canBeSpawnPoint"`
}

type boxColliderComponent struct {
	Position [3]float64 `json:"position"`
	Rotation [3]float64 `json:"rotation"` // degrees
	Scale    [3]float64 `json:"scale"`
}

func defaultBoxCollider() boxColliderComponent {
	return boxColliderComponent{Scale: [3]float64{1, 1, 1}}
}

// Extract walks doc's node tree from the active scene's roots (§4.3),
// computing world transforms and collecting waypoints and colliders. On
// any structural failure it returns an empty Map rather than an error —
// the caller (scene-fetch failure path, §7) treats extraction as
// best-effort.
func Extract(doc *gltf.Document) *Map {
	if doc == nil || len(doc.Nodes) == 0 {
		return Empty()
	}

	worldTransforms := make([]Mat4, len(doc.Nodes))
	visited := make([]bool, len(doc.Nodes))

	sceneIdx := 0
	if doc.Scene != nil {
		sceneIdx = *doc.Scene
	}

	var roots []int
	if sceneIdx >= 0 && sceneIdx < len(doc.Scenes) {
		roots = doc.Scenes[sceneIdx].Nodes
	}

	for _, r := range roots {
		walk(doc, r, Identity(), worldTransforms, visited)
	}
	// Nodes unreachable from the chosen scene's roots still receive a
	// world matrix, traversed from identity (§4.3).
	for i := range doc.Nodes {
		if !visited[i] {
			walk(doc, i, Identity(), worldTransforms, visited)
		}
	}

	m := &Map{}
	var namedSpawbots []Waypoint

	for i, node := range doc.Nodes {
		world := worldTransforms[i]
		bag := parseComponents(node.Components())
		if bag == nil {
			continue
		}

		if _, isWaypoint := firstKey(bag, "waypoint", "spawn-point", "spawn_point"); isWaypoint {
			wp := Waypoint{
				Name:     nodeName(node.Name, i),
				Position: world.MulPoint(Vec3{}),
			}
			if wpRaw, hasWaypoint := bag["waypoint"]; hasWaypoint {
				var wc waypointComponent
				_ = json.Unmarshal(wpRaw, &wc)
				wp.IsSpawnCandidate = wc.CanBeSpawnPoint
			}
			if _, hasSpawn := bag["spawn-point"]; hasSpawn {
				wp.IsSpawnCandidate = true
			}
			if _, hasSpawn := bag["spawn_point"]; hasSpawn {
				wp.IsSpawnCandidate = true
			}
			lower := strings.ToLower(strings.TrimSpace(wp.Name))
			wp.IsNamedSpawbot = strings.HasPrefix(lower, "spawbot-")

			m.AllWaypoints = append(m.AllWaypoints, wp)
			if wp.IsNamedSpawbot {
				namedSpawbots = append(namedSpawbots, wp)
			}
		}

		if raw, ok := bag["box-collider"]; ok {
			bc := defaultBoxCollider()
			_ = json.Unmarshal(raw, &bc)

			local := Translation(Vec3{bc.Position[0], bc.Position[1], bc.Position[2]}).
				Mul(EulerDegreesRotation(bc.Rotation[0], bc.Rotation[1], bc.Rotation[2])).
				Mul(Scaling(Vec3{bc.Scale[0], bc.Scale[1], bc.Scale[2]}))
			colliderWorld := world.Mul(local)

			inv, ok := colliderWorld.Inverse()
			if !ok {
				continue // non-invertible colliders are dropped (§3)
			}
			m.Colliders = append(m.Colliders, BoxCollider{
				Name:         nodeName(node.Name, i),
				World:        colliderWorld,
				InverseWorld: inv,
			})
		}
	}

	m.SpawnPoints = deriveSpawnPoints(namedSpawbots, m.AllWaypoints)
	m.PatrolPoints = derivePatrolPoints(namedSpawbots, m.AllWaypoints)
	return m
}

func deriveSpawnPoints(namedSpawbots, all []Waypoint) []Waypoint {
	if len(namedSpawbots) > 0 {
		return namedSpawbots
	}
	var candidates []Waypoint
	for _, w := range all {
		if w.IsSpawnCandidate {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) > 0 {
		return candidates
	}
	return all
}

func derivePatrolPoints(namedSpawbots, all []Waypoint) []Waypoint {
	if len(namedSpawbots) >= 2 {
		return namedSpawbots
	}
	if len(all) >= 2 {
		return all
	}
	var candidates []Waypoint
	for _, w := range all {
		if w.IsSpawnCandidate {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) >= 2 {
		return candidates
	}
	return nil
}

func walk(doc *gltf.Document, idx int, parent Mat4, out []Mat4, visited []bool) {
	if idx < 0 || idx >= len(doc.Nodes) || visited[idx] {
		return
	}
	visited[idx] = true

	node := doc.Nodes[idx]
	local := localTransform(node)
	world := parent.Mul(local)
	out[idx] = world

	for _, c := range node.Children {
		walk(doc, c, world, out, visited)
	}
}

func localTransform(node gltf.Node) Mat4 {
	if len(node.Matrix) == 16 {
		var m Mat4
		for i := 0; i < 16; i++ {
			m[i] = node.Matrix[i]
		}
		return m
	}

	t := Vec3{0, 0, 0}
	if len(node.Translation) == 3 {
		t = Vec3{node.Translation[0], node.Translation[1], node.Translation[2]}
	}
	rx, ry, rz, rw := 0.0, 0.0, 0.0, 1.0
	if len(node.Rotation) == 4 {
		rx, ry, rz, rw = node.Rotation[0], node.Rotation[1], node.Rotation[2], node.Rotation[3]
	}
	s := Vec3{1, 1, 1}
	if len(node.Scale) == 3 {
		s = Vec3{node.Scale[0], node.Scale[1], node.Scale[2]}
	}

	return Translation(t).Mul(QuatRotation(rx, ry, rz, rw)).Mul(Scaling(s))
}

func parseComponents(raw json.RawMessage) componentBag {
	if len(raw) == 0 {
		return nil
	}
	var bag componentBag
	if err := json.Unmarshal(raw, &bag); err != nil {
		return nil
	}
	return bag
}

func firstKey(bag componentBag, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := bag[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func nodeName(name string, index int) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return "node-" + strconv.Itoa(index)
}
