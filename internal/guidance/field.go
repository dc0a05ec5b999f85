// Package guidance turns vector fields into desired velocities and
// acceleration setpoints.
//
// Positions are in the local tangent plane with X north, Y east and Z up.
package guidance

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Field maps a position to a desired velocity.
type Field interface {
	Velocity(p r3.Vec) r3.Vec
}

// ParametricField maps a position and path parameter to a desired velocity
// and the parameter feedback uw. Callers advance the parameter with
// w -= uw*step.
type ParametricField interface {
	Velocity(p r3.Vec, w float64) (r3.Vec, float64)
}

// FieldFunc adapts a plain function to Field.
type FieldFunc func(p r3.Vec) r3.Vec

func (f FieldFunc) Velocity(p r3.Vec) r3.Vec { return f(p) }

// Zero is a field that never contributes.
var Zero Field = FieldFunc(func(r3.Vec) r3.Vec { return r3.Vec{} })

// Source is a point source: v = s·d/(4π|d|³) with d = p - Center. Positive
// strength repels. The source position itself contributes nothing.
type Source struct {
	Center   r3.Vec
	Strength float64
}

func (s Source) Velocity(p r3.Vec) r3.Vec {
	d := r3.Sub(p, s.Center)
	n := r3.Norm(d)
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(s.Strength/(4*math.Pi*n*n*n), d)
}

// GeoFence is a spherical fence around Center whose magnitude grows with
// the square of the distance. A negative strength pulls the aircraft back
// towards Center, gently near it and firmly at the edge of the flying area.
type GeoFence struct {
	Center   r3.Vec
	Strength float64
}

func (g GeoFence) Velocity(p r3.Vec) r3.Vec {
	d := r3.Sub(p, g.Center)
	return r3.Scale(g.Strength*r3.Norm(d), d)
}

// Ellipse is a 2D guidance vector field converging onto an ellipse in the
// horizontal plane. The output is unit length (or zero at the singular
// centre) and has no vertical component.
type Ellipse struct {
	Center r3.Vec
	// Alpha rotates the ellipse about the vertical axis.
	Alpha float64
	A, B  float64
	// Gain weights convergence against circulation.
	Gain float64
	// Direction is +1 for clockwise seen from above, -1 for the reverse.
	Direction float64
}

func (e Ellipse) Velocity(p r3.Vec) r3.Vec {
	ca, sa := math.Cos(e.Alpha), math.Sin(e.Alpha)
	dx, dy := p.X-e.Center.X, p.Y-e.Center.Y
	xr := ca*dx + sa*dy
	yr := -sa*dx + ca*dy

	phi := xr*xr/(e.A*e.A) + yr*yr/(e.B*e.B) - 1

	n1, n2 := 2*xr/(e.A*e.A), 2*yr/(e.B*e.B)
	nx := ca*n1 - sa*n2
	ny := sa*n1 + ca*n2

	dir := e.Direction
	if dir == 0 {
		dir = 1
	}
	vx := dir*ny - e.Gain*phi*nx
	vy := -dir*nx - e.Gain*phi*ny

	norm := math.Hypot(vx, vy)
	if norm == 0 {
		return r3.Vec{}
	}
	return r3.Vec{X: vx / norm, Y: vy / norm}
}

// Gains are the parametric path-following gains.
type Gains struct {
	// L scales the tangent term and the nominal parameter rate.
	L float64
	// Beta weights how strongly path error slows the parameter.
	Beta float64
	// K are the per-axis convergence gains.
	K r3.Vec
	// S is the direction of travel along the path, +1 or -1.
	S float64
}

// Parametric is a singularity-free guidance field for the Lissajous-type
// curve f(w) = Offset + Rz(Alpha)·(Amplitude ∘ cos(Freq·w + Phase)).
type Parametric struct {
	Offset    r3.Vec
	Amplitude r3.Vec
	Phase     r3.Vec
	Freq      r3.Vec
	Alpha     float64
	Gains     Gains
	// Speed is the magnitude of the extended (position, parameter) field.
	Speed float64
}

// Point returns f(w).
func (c Parametric) Point(w float64) r3.Vec {
	local := r3.Vec{
		X: c.Amplitude.X * math.Cos(c.Freq.X*w+c.Phase.X),
		Y: c.Amplitude.Y * math.Cos(c.Freq.Y*w+c.Phase.Y),
		Z: c.Amplitude.Z * math.Cos(c.Freq.Z*w+c.Phase.Z),
	}
	return r3.Add(c.Offset, c.rotate(local))
}

// Tangent returns f'(w).
func (c Parametric) Tangent(w float64) r3.Vec {
	local := r3.Vec{
		X: -c.Amplitude.X * c.Freq.X * math.Sin(c.Freq.X*w+c.Phase.X),
		Y: -c.Amplitude.Y * c.Freq.Y * math.Sin(c.Freq.Y*w+c.Phase.Y),
		Z: -c.Amplitude.Z * c.Freq.Z * math.Sin(c.Freq.Z*w+c.Phase.Z),
	}
	return c.rotate(local)
}

func (c Parametric) rotate(v r3.Vec) r3.Vec {
	ca, sa := math.Cos(c.Alpha), math.Sin(c.Alpha)
	return r3.Vec{X: ca*v.X - sa*v.Y, Y: sa*v.X + ca*v.Y, Z: v.Z}
}

// Velocity evaluates the extended field at (p, w). The position part is
// returned as the desired velocity; the parameter part is returned negated
// as uw.
func (c Parametric) Velocity(p r3.Vec, w float64) (r3.Vec, float64) {
	g := c.Gains
	s := g.S
	if s == 0 {
		s = 1
	}
	fd := c.Tangent(w)
	phi := r3.Sub(p, c.Point(w))
	kphi := r3.Vec{X: g.K.X * phi.X, Y: g.K.Y * phi.Y, Z: g.K.Z * phi.Z}

	chi := r3.Sub(r3.Scale(s*g.L, fd), kphi)
	chiW := s*g.L + g.Beta*r3.Dot(kphi, fd)

	norm := math.Sqrt(r3.Dot(chi, chi) + chiW*chiW)
	if norm == 0 {
		return r3.Vec{}, 0
	}
	scale := c.Speed / norm
	return r3.Scale(scale, chi), -scale * chiW
}
