package filter

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrContract is returned when a model hook returns malformed dynamics
	ErrContract = errors.New("dynamics contract violation")
	// ErrUnimplemented is returned when a model lacks a requested capability
	ErrUnimplemented = errors.New("capability not implemented")
	// ErrParticleCount is returned for non-positive particle counts
	ErrParticleCount = errors.New("invalid particle count")
)

// Particles is a collection of Rao-Blackwellized particles.
// Every particle carries a nonlinear substate xi and a Kalman estimate (z, P)
// of the linear substate.
type Particles interface {
	// Len returns number of particles
	Len() int
	// States returns nonlinear states, linear means and linear covariances.
	// z and P are live references: Kalman steps update them in place.
	States() (xi []mat.Vector, z []*mat.VecDense, p []*mat.SymDense)
	// SetStates replaces the states of all particles
	SetStates(xi []mat.Vector, z []*mat.VecDense, p []*mat.SymDense) error
}

// ParticleFilter is a model which can be driven by a particle filter
type ParticleFilter interface {
	// CreateInitialEstimate draws n particles from the initial distribution
	CreateInitialEstimate(n int) (Particles, error)
	// SampleProcessNoise returns one process noise sample per particle for input u.
	// It must not modify the particles.
	SampleProcessNoise(ps Particles, u mat.Vector) ([]mat.Vector, error)
	// Update propagates particles one step in place using input u and noise
	Update(ps Particles, u mat.Vector, noise []mat.Vector) error
	// Measure returns log density of measurement y for every particle.
	// It must not modify the particles.
	Measure(ps Particles, y mat.Vector) ([]float64, error)
}

// FFBSi is a model which can be used by forward-filter/backward-simulation smoother
type FFBSi interface {
	ParticleFilter
	// NextPDF returns log density of the future nonlinear state next for every particle
	NextPDF(ps Particles, next mat.Vector, u mat.Vector) ([]float64, error)
	// SampleSmooth updates Rao-Blackwellized states conditioned on the future particle next
	SampleSmooth(ps Particles, next Particles, u mat.Vector) error
}

// FFBSiRS is a FFBSi model usable with rejection sampling
type FFBSiRS interface {
	FFBSi
	// NextPDFMax returns an upper bound of NextPDF over all possible future states
	NextPDFMax(ps Particles, u mat.Vector) (float64, error)
}

// RBPS is Rao-Blackwellized particle smoother model
type RBPS interface {
	FFBSi
	// GetRBInitial returns initial linear state mean and covariance given initial nonlinear state xi
	GetRBInitial(xi mat.Vector) (mat.Vector, mat.Symmetric, error)
}

// Corrector corrects linear substate estimates using a measurement
type Corrector interface {
	// Correct conditions (z, P) of every particle on measurement y
	Correct(ps Particles, y mat.Vector) error
}

// Noise is dynamical system noise
type Noise interface {
	// Sample returns a sample of the noise
	Sample() mat.Vector
	// Cov returns noise covariance matrix
	Cov() mat.Symmetric
	// Reset resets noise
	Reset() error
}

// AsFFBSi returns m as FFBSi or ErrUnimplemented
func AsFFBSi(m ParticleFilter) (FFBSi, error) {
	s, ok := m.(FFBSi)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not FFBSi", ErrUnimplemented, m)
	}
	return s, nil
}

// AsFFBSiRS returns m as FFBSiRS or ErrUnimplemented
func AsFFBSiRS(m ParticleFilter) (FFBSiRS, error) {
	s, ok := m.(FFBSiRS)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not FFBSiRS", ErrUnimplemented, m)
	}
	return s, nil
}

// AsRBPS returns m as RBPS or ErrUnimplemented
func AsRBPS(m ParticleFilter) (RBPS, error) {
	s, ok := m.(RBPS)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not RBPS", ErrUnimplemented, m)
	}
	return s, nil
}

// AsCorrector returns m as Corrector or ErrUnimplemented
func AsCorrector(m ParticleFilter) (Corrector, error) {
	c, ok := m.(Corrector)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not Corrector", ErrUnimplemented, m)
	}
	return c, nil
}
