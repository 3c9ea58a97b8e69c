package box

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/signalsfoundry/gcmc-sampler/space"
)

func newBox(t *testing.T, l float64) *Box {
	t.Helper()
	b, err := New(l)
	if err != nil {
		t.Fatalf("New(%v): %v", l, err)
	}
	return b
}

func TestNewRejectsBadLength(t *testing.T) {
	for _, l := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := New(l); !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("New(%v) err = %v, want ErrInvalidLength", l, err)
		}
	}
}

func TestAddWrapsIntoPrimaryCell(t *testing.T) {
	b := newBox(t, 4)
	h := b.AddParticle(space.Vec3{X: -1, Y: 5, Z: 4})
	want := space.Vec3{X: 3, Y: 1, Z: 0}
	if got := b.Position(h); got.DistanceTo(want) > 1e-12 {
		t.Fatalf("Position = %v, want %v", got, want)
	}
}

func TestUndoAdd(t *testing.T) {
	b := newBox(t, 10)
	b.AddParticle(space.Vec3{X: 1})
	before := b.Particles()
	b.AddParticle(space.Vec3{X: 2})
	if err := b.UndoLastMutation(); err != nil {
		t.Fatalf("UndoLastMutation: %v", err)
	}
	if !reflect.DeepEqual(b.Particles(), before) {
		t.Fatalf("Particles = %v, want %v", b.Particles(), before)
	}
	if err := b.UndoLastMutation(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("second undo err = %v, want ErrNothingToUndo", err)
	}
}

func TestUndoRemoveRestoresOrder(t *testing.T) {
	b := newBox(t, 10)
	for i := 0; i < 4; i++ {
		b.AddParticle(space.Vec3{X: float64(i)})
	}
	before := b.Particles()
	b.RemoveParticle(1)
	if b.ParticleCount() != 3 {
		t.Fatalf("ParticleCount = %d, want 3", b.ParticleCount())
	}
	if got := b.Position(1); got.X != 3 {
		t.Fatalf("swapped particle at handle 1 has X = %v, want 3", got.X)
	}
	if err := b.UndoLastMutation(); err != nil {
		t.Fatalf("UndoLastMutation: %v", err)
	}
	if !reflect.DeepEqual(b.Particles(), before) {
		t.Fatalf("Particles = %v, want %v", b.Particles(), before)
	}
}

func TestRemovedIDsAreReused(t *testing.T) {
	b := newBox(t, 10)
	b.AddParticle(space.Vec3{})
	h := b.AddParticle(space.Vec3{X: 1})
	id := b.ID(h)
	b.RemoveParticle(h)
	h = b.AddParticle(space.Vec3{X: 2})
	if got := b.ID(h); got != id {
		t.Fatalf("reused id = %d, want %d", got, id)
	}
}

func TestUndoMove(t *testing.T) {
	b := newBox(t, 10)
	h := b.AddParticle(space.Vec3{X: 1})
	b.MoveParticle(h, space.Vec3{X: 2})
	if err := b.UndoLastMutation(); err != nil {
		t.Fatalf("UndoLastMutation: %v", err)
	}
	if got := b.Position(h).X; got != 1 {
		t.Fatalf("X = %v, want 1", got)
	}
}

func TestNeighborsUseMinimumImage(t *testing.T) {
	b := newBox(t, 10)
	a := b.AddParticle(space.Vec3{X: 0.5})
	b.AddParticle(space.Vec3{X: 9.5})
	b.AddParticle(space.Vec3{X: 5})

	var got []space.Vec3
	b.ForEachNeighborWithin(a, 1.5, func(_ Handle, dr space.Vec3) {
		got = append(got, dr)
	})
	if len(got) != 1 {
		t.Fatalf("neighbours = %v, want exactly one", got)
	}
	if math.Abs(got[0].X+1) > 1e-12 {
		t.Fatalf("dr = %v, want X = -1", got[0])
	}
}

func TestNeighborRadiusIsStrict(t *testing.T) {
	b := newBox(t, 10)
	a := b.AddParticle(space.Vec3{})
	b.AddParticle(space.Vec3{X: 1})
	count := 0
	b.ForEachNeighborWithin(a, 1, func(Handle, space.Vec3) { count++ })
	if count != 0 {
		t.Fatalf("neighbours at exactly the radius = %d, want 0", count)
	}
}

func TestSetLengthScalesPositions(t *testing.T) {
	b := newBox(t, 2)
	h := b.AddParticle(space.Vec3{X: 1, Y: 0.5})
	if err := b.SetLength(4); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if got := b.Position(h); got.X != 2 || got.Y != 1 {
		t.Fatalf("Position = %v, want {2 1 0}", got)
	}
	if b.Volume() != 64 {
		t.Fatalf("Volume = %v, want 64", b.Volume())
	}
}

func TestVersionCountsEveryMutation(t *testing.T) {
	b := newBox(t, 10)
	v := b.Version()
	h := b.AddParticle(space.Vec3{X: 1})
	b.MoveParticle(h, space.Vec3{X: 2})
	if err := b.UndoLastMutation(); err != nil {
		t.Fatalf("UndoLastMutation: %v", err)
	}
	b.RemoveParticle(h)
	if err := b.SetLength(12); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if got := b.Version(); got != v+5 {
		t.Fatalf("Version = %d, want %d", got, v+5)
	}
	if err := b.UndoLastMutation(); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("UndoLastMutation err = %v, want ErrNothingToUndo", err)
	}
	if got := b.Version(); got != v+5 {
		t.Fatalf("Version after failed undo = %d, want %d", got, v+5)
	}
}
