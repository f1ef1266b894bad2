package scene

// Waypoint is a named 3D point extracted from the scene (spec §3).
type Waypoint struct {
	Name              string
	Position          Vec3
	IsSpawnCandidate  bool
	IsNamedSpawbot    bool
}

// BoxCollider is an oriented unit-AABB obstacle (spec §3). InverseWorld
// is the inverse of World; non-invertible colliders are dropped during
// extraction and never appear in a Map.
type BoxCollider struct {
	Name         string
	World        Mat4
	InverseWorld Mat4
}

// Map is the fully derived scene model (spec §3, §4.3).
type Map struct {
	AllWaypoints []Waypoint
	SpawnPoints  []Waypoint
	PatrolPoints []Waypoint
	Colliders    []BoxCollider
}

// Empty returns a Map with no waypoints or colliders — the fallback used
// whenever scene extraction fails (spec §4.3, §7 scene-fetch).
func Empty() *Map {
	return &Map{}
}
