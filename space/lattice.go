package space

import (
	"fmt"
	"math"
)

// FCCOffsets returns the 12 nearest-neighbour vectors of a face-centred cubic
// lattice whose neighbour distance is d.
func FCCOffsets(d float64) []Vec3 {
	s := d / math.Sqrt2
	out := make([]Vec3, 0, 12)
	for _, a := range []float64{-s, s} {
		for _, b := range []float64{-s, s} {
			out = append(out,
				Vec3{X: a, Y: b},
				Vec3{Y: a, Z: b},
				Vec3{X: a, Z: b},
			)
		}
	}
	return out
}

// HCPOffsets returns the 12 nearest-neighbour vectors of an ideal hexagonal
// close-packed lattice (c/a = sqrt(8/3)) with neighbour distance d. Six
// vectors lie in the basal plane; three point up and three down.
func HCPOffsets(d float64) []Vec3 {
	out := make([]Vec3, 0, 12)
	for i := 0; i < 6; i++ {
		phi := float64(i) * math.Pi / 3
		out = append(out, Vec3{X: d * math.Cos(phi), Y: d * math.Sin(phi)})
	}
	rho := d / math.Sqrt(3)
	h := d * math.Sqrt(2.0/3.0)
	for _, z := range []float64{h, -h} {
		for i := 0; i < 3; i++ {
			phi := math.Pi/6 + float64(i)*2*math.Pi/3
			out = append(out, Vec3{X: rho * math.Cos(phi), Y: rho * math.Sin(phi), Z: z})
		}
	}
	return out
}

// SimpleCubicOffsets returns the 6 nearest-neighbour vectors of a simple cubic
// lattice with spacing a.
func SimpleCubicOffsets(a float64) []Vec3 {
	return []Vec3{
		{X: a}, {X: -a},
		{Y: a}, {Y: -a},
		{Z: a}, {Z: -a},
	}
}

// OffsetsFor resolves a lattice name to its neighbour vectors.
func OffsetsFor(kind string, d float64) ([]Vec3, error) {
	switch kind {
	case "fcc":
		return FCCOffsets(d), nil
	case "hcp":
		return HCPOffsets(d), nil
	case "sc", "simple-cubic":
		return SimpleCubicOffsets(d), nil
	default:
		return nil, fmt.Errorf("unknown lattice %q", kind)
	}
}

// FCCSites returns the sites of an fcc crystal of cells×cells×cells
// conventional cells with cubic cell edge a, placed in [0, cells·a).
func FCCSites(cells int, a float64) []Vec3 {
	basis := []Vec3{
		{},
		{X: 0.5, Y: 0.5},
		{Y: 0.5, Z: 0.5},
		{X: 0.5, Z: 0.5},
	}
	return cubicSites(cells, a, basis)
}

// SimpleCubicSites returns the sites of a simple cubic crystal of
// cells×cells×cells cells with spacing a.
func SimpleCubicSites(cells int, a float64) []Vec3 {
	return cubicSites(cells, a, []Vec3{{}})
}

// ChainSites returns n sites spaced a apart along x.
func ChainSites(n int, a float64) []Vec3 {
	out := make([]Vec3, n)
	for i := range out {
		out[i] = Vec3{X: float64(i) * a}
	}
	return out
}

func cubicSites(cells int, a float64, basis []Vec3) []Vec3 {
	out := make([]Vec3, 0, cells*cells*cells*len(basis))
	for i := 0; i < cells; i++ {
		for j := 0; j < cells; j++ {
			for k := 0; k < cells; k++ {
				corner := Vec3{X: float64(i), Y: float64(j), Z: float64(k)}
				for _, b := range basis {
					out = append(out, corner.Add(b).Scale(a))
				}
			}
		}
	}
	return out
}
