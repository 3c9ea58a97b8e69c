// Package space holds the small amount of 3D geometry shared by the
// configuration, the potentials and the insertion regions.
package space

import "math"

// Vec3 is a Cartesian vector in reduced length units.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale returns v multiplied by f.
func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{X: v.X * f, Y: v.Y * f, Z: v.Z * f}
}

// Neg returns -v.
func (v Vec3) Neg() Vec3 {
	return Vec3{X: -v.X, Y: -v.Y, Z: -v.Z}
}

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Norm2 returns the squared Euclidean norm.
func (v Vec3) Norm2() float64 {
	return v.Dot(v)
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Norm2())
}

// DistanceTo returns the straight-line distance between two points, ignoring
// any periodic boundary.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Map applies fn to each component.
func (v Vec3) Map(fn func(float64) float64) Vec3 {
	return Vec3{X: fn(v.X), Y: fn(v.Y), Z: fn(v.Z)}
}
