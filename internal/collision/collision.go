// Package collision implements the Collision Oracle (spec §4.4): a
// segment vs. unit-AABB-in-oriented-frame line-of-sight test used to
// decide whether a bot may walk straight from one point to another.
package collision

import (
	"math"

	"github.com/ehrlich-b/ghostrunner/internal/scene"
)

const (
	eyeHeightOffset = 0.2
	defaultEps      = 0.1
)

// IsPathClear reports whether a straight walk from `from` to `to` is
// unobstructed by any collider. Both endpoints are raised by
// eyeHeightOffset along Y before testing (§4.4).
func IsPathClear(from, to scene.Vec3, colliders []scene.BoxCollider) bool {
	return IsPathClearEps(from, to, colliders, defaultEps)
}

// IsPathClearEps is IsPathClear with an explicit epsilon, exposed for
// property testing (P8: symmetry).
func IsPathClearEps(from, to scene.Vec3, colliders []scene.BoxCollider, eps float64) bool {
	a := scene.Vec3{X: from.X, Y: from.Y + eyeHeightOffset, Z: from.Z}
	b := scene.Vec3{X: to.X, Y: to.Y + eyeHeightOffset, Z: to.Z}

	d := b.Sub(a)
	length := math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
	if length <= 2*eps {
		return true
	}

	for _, c := range colliders {
		if segmentHitsCollider(a, b, length, c, eps) {
			return false
		}
	}
	return true
}

// segmentHitsCollider transforms the segment into the collider's local
// (unit-cube) frame and runs a slab test, counting a hit only if its
// entry point lies strictly inside (eps, length-eps) of the original
// segment — entries at the endpoints are ignored so bots standing on a
// flagged waypoint aren't blocked by their own collider (§4.4).
func segmentHitsCollider(a, b scene.Vec3, length float64, c scene.BoxCollider, eps float64) bool {
	localA := c.InverseWorld.MulPoint(a)
	localB := c.InverseWorld.MulPoint(b)
	localD := localB.Sub(localA)

	tEnter, tExit, hit := slabTest(localA, localD)
	if !hit || tEnter > tExit {
		return false
	}

	// tEnter is in the local-segment parametrization [0,1] of (a,b) in
	// local space; since local space is an affine transform of world
	// space along the same segment, that parameter maps directly to
	// world-space arc length along (from,to).
	arcLen := tEnter * length
	return arcLen > eps && arcLen < length-eps
}

// slabTest runs the standard ray/segment vs unit-AABB [-0.5,0.5]^3 slab
// test in the collider's local frame, parametrized over t in [0,1] along
// origin->origin+dir.
func slabTest(origin, dir scene.Vec3) (tEnter, tExit float64, hit bool) {
	tEnter, tExit = 0, 1

	axes := []struct{ o, d float64 }{
		{origin.X, dir.X},
		{origin.Y, dir.Y},
		{origin.Z, dir.Z},
	}

	for _, axis := range axes {
		if math.Abs(axis.d) < 1e-8 {
			// Degenerate axis: if the origin isn't already within the
			// slab, there can never be a hit on this axis (§4.4).
			if axis.o < -0.5 || axis.o > 0.5 {
				return 0, 0, false
			}
			continue
		}
		t1 := (-0.5 - axis.o) / axis.d
		t2 := (0.5 - axis.o) / axis.d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tEnter {
			tEnter = t1
		}
		if t2 < tExit {
			tExit = t2
		}
		if tEnter > tExit {
			return 0, 0, false
		}
	}
	return tEnter, tExit, true
}
