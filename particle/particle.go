package particle

import (
	"fmt"
	"math"

	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/milosgajdos83/matrix"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Set is a collection of Rao-Blackwellized particles.
// It implements filter.Particles.
type Set struct {
	// xi stores nonlinear states
	xi []*mat.VecDense
	// z stores linear state means
	z []*mat.VecDense
	// p stores linear state covariances
	p []*mat.SymDense
}

// New creates new particle Set from the given states and returns it.
// xi vectors are copied; z and p are used as they are.
// It returns error if the slices differ in length or if any z and p dimensions don't match.
func New(xi []mat.Vector, z []*mat.VecDense, p []*mat.SymDense) (*Set, error) {
	s := &Set{}
	if err := s.SetStates(xi, z, p); err != nil {
		return nil, err
	}

	return s, nil
}

// NewFromInit creates n particles with the given nonlinear states, all sharing
// the same initial linear estimate (z0, p0). Every particle gets its own copy of z0 and p0.
func NewFromInit(xi []mat.Vector, z0 mat.Vector, p0 mat.Symmetric) (*Set, error) {
	n := len(xi)
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", filter.ErrParticleCount, n)
	}

	z := make([]*mat.VecDense, n)
	p := make([]*mat.SymDense, n)
	for i := range xi {
		z[i] = copyVec(z0)
		p[i] = copySym(p0)
	}

	return New(xi, z, p)
}

// Len returns number of particles
func (s *Set) Len() int {
	return len(s.xi)
}

// States returns particle states. z and p are live references.
func (s *Set) States() ([]mat.Vector, []*mat.VecDense, []*mat.SymDense) {
	xi := make([]mat.Vector, len(s.xi))
	for i := range s.xi {
		xi[i] = s.xi[i]
	}

	z := make([]*mat.VecDense, len(s.z))
	copy(z, s.z)

	p := make([]*mat.SymDense, len(s.p))
	copy(p, s.p)

	return xi, z, p
}

// SetStates replaces particle states.
// It returns error if the slices differ in length or if any z and p dimensions don't match.
func (s *Set) SetStates(xi []mat.Vector, z []*mat.VecDense, p []*mat.SymDense) error {
	if len(xi) != len(z) || len(z) != len(p) {
		return fmt.Errorf("%w: state count mismatch: xi %d, z %d, P %d", filter.ErrContract, len(xi), len(z), len(p))
	}

	for i := range z {
		if xi[i] == nil || z[i] == nil || p[i] == nil {
			return fmt.Errorf("%w: missing state of particle %d", filter.ErrContract, i)
		}
		if z[i].Len() != p[i].Symmetric() {
			return fmt.Errorf("%w: particle %d: z length %d, P dimension %d",
				filter.ErrContract, i, z[i].Len(), p[i].Symmetric())
		}
	}

	nxi := make([]*mat.VecDense, len(xi))
	for i := range xi {
		nxi[i] = copyVec(xi[i])
	}

	s.xi = nxi
	s.z = append(s.z[:0:0], z...)
	s.p = append(s.p[:0:0], p...)

	return nil
}

// Xi returns nonlinear state of i-th particle
func (s *Set) Xi(i int) mat.Vector {
	return s.xi[i]
}

// Z returns linear state mean of i-th particle
func (s *Set) Z(i int) *mat.VecDense {
	return s.z[i]
}

// P returns linear state covariance of i-th particle
func (s *Set) P(i int) *mat.SymDense {
	return s.p[i]
}

// Clone returns a deep copy of the particle set
func (s *Set) Clone() *Set {
	c := &Set{
		xi: make([]*mat.VecDense, len(s.xi)),
		z:  make([]*mat.VecDense, len(s.z)),
		p:  make([]*mat.SymDense, len(s.p)),
	}

	for i := range s.xi {
		c.xi[i] = copyVec(s.xi[i])
		c.z[i] = copyVec(s.z[i])
		c.p[i] = copySym(s.p[i])
	}

	return c
}

// Select returns a new Set made of deep copies of particles at the given indices
func (s *Set) Select(indices []int) (*Set, error) {
	c := &Set{
		xi: make([]*mat.VecDense, len(indices)),
		z:  make([]*mat.VecDense, len(indices)),
		p:  make([]*mat.SymDense, len(indices)),
	}

	for k, i := range indices {
		if i < 0 || i >= len(s.xi) {
			return nil, fmt.Errorf("particle index out of range: %d", i)
		}
		c.xi[k] = copyVec(s.xi[i])
		c.z[k] = copyVec(s.z[i])
		c.p[k] = copySym(s.p[i])
	}

	return c, nil
}

// XiMean returns the mean of nonlinear states weighted by w.
// Nil w gives every particle the same weight.
func (s *Set) XiMean(w []float64) (*mat.VecDense, error) {
	if len(s.xi) == 0 {
		return nil, fmt.Errorf("%w: empty set", filter.ErrParticleCount)
	}

	if w != nil && len(w) != len(s.xi) {
		return nil, fmt.Errorf("invalid weights size: %d", len(w))
	}

	mean := mat.NewVecDense(s.xi[0].Len(), nil)
	for i := range s.xi {
		wi := 1 / float64(len(s.xi))
		if w != nil {
			wi = w[i]
		}
		mean.AddScaledVec(mean, wi, s.xi[i])
	}

	return mean, nil
}

// XiCov returns the empirical covariance of nonlinear states
func (s *Set) XiCov() (mat.Symmetric, error) {
	if len(s.xi) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 particles, got %d", filter.ErrParticleCount, len(s.xi))
	}

	rows := s.xi[0].Len()
	x := mat.NewDense(rows, len(s.xi), nil)
	for c := range s.xi {
		for r := 0; r < rows; r++ {
			x.Set(r, c, s.xi[c].AtVec(r))
		}
	}

	return matrix.Cov(x, "cols")
}

// Normalize turns log weights into normalized weights which sum up to 1.
// It returns error if all the weights are zero.
func Normalize(logw []float64) ([]float64, error) {
	if len(logw) == 0 {
		return nil, fmt.Errorf("%w: no weights", filter.ErrParticleCount)
	}

	lse := floats.LogSumExp(logw)
	if math.IsInf(lse, -1) || math.IsNaN(lse) {
		return nil, fmt.Errorf("degenerate weights: log sum %v", lse)
	}

	w := make([]float64, len(logw))
	for i := range logw {
		w[i] = math.Exp(logw[i] - lse)
	}

	return w, nil
}

func copyVec(v mat.Vector) *mat.VecDense {
	c := mat.NewVecDense(v.Len(), nil)
	c.CopyVec(v)

	return c
}

func copySym(s mat.Symmetric) *mat.SymDense {
	c := mat.NewSymDense(s.Symmetric(), nil)
	c.CopySym(s)

	return c
}
