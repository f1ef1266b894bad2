package scene

import "math"

// Vec3 is a point or direction in metres, world or local space.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Mat4 is a column-major 4x4 transform matrix, matching glTF's layout.
type Mat4 [16]float64

// Identity returns the identity transform.
func Identity() Mat4 {
	return Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns a*b (column-major, a applied after b: a.Mul(b) transforms
// by b first, then a — i.e. world = parent.Mul(local)).
func (a Mat4) Mul(b Mat4) Mat4 {
	var r Mat4
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			r[col*4+row] = sum
		}
	}
	return r
}

// MulPoint transforms a point (w=1) by m.
func (m Mat4) MulPoint(v Vec3) Vec3 {
	x := m[0]*v.X + m[4]*v.Y + m[8]*v.Z + m[12]
	y := m[1]*v.X + m[5]*v.Y + m[9]*v.Z + m[13]
	z := m[2]*v.X + m[6]*v.Y + m[10]*v.Z + m[14]
	return Vec3{x, y, z}
}

// Translation builds a pure translation matrix.
func Translation(t Vec3) Mat4 {
	m := Identity()
	m[12], m[13], m[14] = t.X, t.Y, t.Z
	return m
}

// Scaling builds a pure scale matrix.
func Scaling(s Vec3) Mat4 {
	m := Identity()
	m[0], m[5], m[10] = s.X, s.Y, s.Z
	return m
}

// QuatRotation builds a rotation matrix from a quaternion (x,y,z,w).
func QuatRotation(x, y, z, w float64) Mat4 {
	xx, yy, zz := x*x, y*y, z*z
	xy, xz, yz := x*y, x*z, y*z
	wx, wy, wz := w*x, w*y, w*z

	m := Identity()
	m[0] = 1 - 2*(yy+zz)
	m[1] = 2 * (xy + wz)
	m[2] = 2 * (xz - wy)

	m[4] = 2 * (xy - wz)
	m[5] = 1 - 2*(xx+zz)
	m[6] = 2 * (yz + wx)

	m[8] = 2 * (xz + wy)
	m[9] = 2 * (yz - wx)
	m[10] = 1 - 2*(xx+yy)
	return m
}

// EulerDegreesRotation builds a rotation matrix from Euler angles in
// degrees, applied in XYZ order (the convention box-collider components
// store their rotation in).
func EulerDegreesRotation(xDeg, yDeg, zDeg float64) Mat4 {
	rx := radians(xDeg)
	ry := radians(yDeg)
	rz := radians(zDeg)

	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)

	mx := Identity()
	mx[5], mx[6] = cx, sx
	mx[9], mx[10] = -sx, cx

	my := Identity()
	my[0], my[2] = cy, -sy
	my[8], my[10] = sy, cy

	mz := Identity()
	mz[0], mz[1] = cz, sz
	mz[4], mz[5] = -sz, cz

	return mz.Mul(my).Mul(mx)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Inverse returns the inverse of m and whether m is invertible. It uses
// the adjugate (cofactor) method rather than Gauss-Jordan elimination,
// which is adequate for the small, mostly TRS-composed matrices this
// package deals with.
func (m Mat4) Inverse() (Mat4, bool) {
	inv, det := cofactorInverse(m)
	if det == 0 {
		return Mat4{}, false
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv, true
}

func cofactorInverse(m Mat4) (Mat4, float64) {
	a := [4][4]float64{}
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			a[r][c] = m[c*4+r]
		}
	}

	cof := func(mat [4][4]float64, row, col int) float64 {
		var sub [3][3]float64
		si := 0
		for i := 0; i < 4; i++ {
			if i == row {
				continue
			}
			sj := 0
			for j := 0; j < 4; j++ {
				if j == col {
					continue
				}
				sub[si][sj] = mat[i][j]
				sj++
			}
			si++
		}
		det3 := sub[0][0]*(sub[1][1]*sub[2][2]-sub[1][2]*sub[2][1]) -
			sub[0][1]*(sub[1][0]*sub[2][2]-sub[1][2]*sub[2][0]) +
			sub[0][2]*(sub[1][0]*sub[2][1]-sub[1][1]*sub[2][0])
		sign := 1.0
		if (row+col)%2 != 0 {
			sign = -1.0
		}
		return sign * det3
	}

	det := 0.0
	for c := 0; c < 4; c++ {
		det += a[0][c] * cof(a, 0, c)
	}

	// inv is the adjugate (transpose of the cofactor matrix) in
	// column-major layout: inv[c*4+r] = cofactor(row=c, col=r).
	var inv Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			inv[c*4+r] = cof(a, c, r)
		}
	}
	return inv, det
}
