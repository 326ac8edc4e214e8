// Package mlnlg implements a mixed linear/nonlinear Gaussian state-space model:
//
//	xi_{t+1} = A_xi*z_t + f_xi(xi_t, u_t) + v_xi,  v_xi ~ N(0,Q_xi)
//	z_{t+1}  = A_z*z_t + f_z + v_z,                v_z ~ N(0,Q_z)
//	y_t      = C*z_t + h(xi_t) + e,                e ~ N(0,R)
//
// with mutually independent noises. The linear substate z is marginalized
// with Kalman recursions; xi is carried by particles.
package mlnlg

import (
	"fmt"
	"math"

	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/marco-hrlic/go-rbpf/dynamics"
	"github.com/marco-hrlic/go-rbpf/kalman"
	"github.com/marco-hrlic/go-rbpf/noise"
	"github.com/marco-hrlic/go-rbpf/particle"
	"github.com/marco-hrlic/go-rbpf/rbpf"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Config is mixed linear/nonlinear Gaussian model configuration
type Config struct {
	// Dynamics are model-wide default dynamics
	Dynamics rbpf.Config
	// Xi0 is initial nonlinear state mean
	Xi0 mat.Vector
	// Pxi0 is initial nonlinear state covariance; nil puts every particle at Xi0
	Pxi0 mat.Symmetric
	// Z0 is initial linear state mean
	Z0 mat.Vector
	// P0 is initial linear state covariance
	P0 mat.Symmetric
	// FXi optionally computes per-particle nonlinear offset f_xi(xi, u).
	// When nil Dynamics.Fxi is used for all particles.
	FXi func(xi, u mat.Vector) mat.Vector
	// H optionally computes per-particle output offset h(xi).
	// When nil Dynamics.Hz is used for all particles.
	H func(xi mat.Vector) mat.Vector
	// Src is random source; nil uses the global source
	Src rand.Source
}

// Model is mixed linear/nonlinear Gaussian model
type Model struct {
	*rbpf.Base
	xi0 *mat.VecDense
	// xiNoise spreads initial particles around xi0
	xiNoise filter.Noise
	z0      *mat.VecDense
	p0      *mat.SymDense
	fxi     func(xi, u mat.Vector) mat.Vector
	h       func(xi mat.Vector) mat.Vector
	src     rand.Source
}

var (
	_ filter.FFBSiRS               = (*Model)(nil)
	_ filter.RBPS                  = (*Model)(nil)
	_ filter.Corrector             = (*Model)(nil)
	_ rbpf.Smoother                = (*Model)(nil)
	_ rbpf.NonlinDynamicsProvider  = (*Model)(nil)
	_ rbpf.MeasDynamicsProvider    = (*Model)(nil)
	_ rbpf.CondLinDynamicsProvider = (*Model)(nil)
)

// New creates new model from c and returns it.
// It returns error if any of the required matrices is missing or if the dimensions don't match.
func New(c *Config, opts ...rbpf.Option) (*Model, error) {
	d := c.Dynamics
	if d.Axi == nil || d.Qxi == nil || d.Az == nil || d.Qz == nil || d.C == nil || d.R == nil {
		return nil, fmt.Errorf("incomplete dynamics: Axi, Qxi, Az, Qz, C and R are required")
	}

	if c.Xi0 == nil || c.Z0 == nil || c.P0 == nil {
		return nil, fmt.Errorf("incomplete initial condition: Xi0, Z0 and P0 are required")
	}

	nz, _ := d.Az.Dims()
	if c.Z0.Len() != nz || c.P0.Symmetric() != nz {
		return nil, fmt.Errorf("invalid initial linear state: z0 %d, P0 %d, state dimension %d", c.Z0.Len(), c.P0.Symmetric(), nz)
	}

	nxi, _ := d.Axi.Dims()
	if c.Xi0.Len() != nxi {
		return nil, fmt.Errorf("invalid initial nonlinear state: xi0 %d, nonlinear dimension %d", c.Xi0.Len(), nxi)
	}
	if c.Pxi0 != nil && c.Pxi0.Symmetric() != nxi {
		return nil, fmt.Errorf("invalid initial nonlinear covariance dimension: %d", c.Pxi0.Symmetric())
	}

	m := &Model{
		xi0: copyVec(c.Xi0),
		z0:  copyVec(c.Z0),
		p0:  copySym(c.P0),
		fxi: c.FXi,
		h:   c.H,
		src: c.Src,
	}

	var err error
	if c.Pxi0 != nil {
		m.xiNoise, err = noise.NewGaussian(c.Pxi0, c.Src)
	} else {
		m.xiNoise, err = noise.NewZero(nxi)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid initial nonlinear state distribution: %w", err)
	}

	b, err := rbpf.New(m, &d, opts...)
	if err != nil {
		return nil, err
	}
	m.Base = b

	return m, nil
}

// CreateInitialEstimate draws n particles from the initial distribution
func (m *Model) CreateInitialEstimate(n int) (filter.Particles, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", filter.ErrParticleCount, n)
	}

	xi := make([]mat.Vector, n)
	for i := range xi {
		x := mat.NewVecDense(m.xi0.Len(), nil)
		x.AddVec(m.xi0, m.xiNoise.Sample())
		xi[i] = x
	}

	return particle.NewFromInit(xi, m.z0, m.p0)
}

// SampleProcessNoise draws nonlinear process noise for every particle.
// The noise includes the uncertainty of the linear state: v ~ N(0, A_xi*P*A_xi' + Q_xi).
func (m *Model) SampleProcessNoise(ps filter.Particles, u mat.Vector) ([]mat.Vector, error) {
	nl, err := m.NonlinPredDynamics(ps, u)
	if err != nil {
		return nil, err
	}

	_, z, p := ps.States()
	out := make([]mat.Vector, ps.Len())
	for i := range out {
		_, cov := kalman.Project(z[i], p[i], nl.A.At(i), nl.F.At(i), nl.Q.At(i))
		v, err := noise.Draw(mat.NewVecDense(cov.Symmetric(), nil), cov, m.src)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}

	return out, nil
}

// CalcXiNext computes xi_{t+1} = A_xi*z_t + f_xi + v for every particle
func (m *Model) CalcXiNext(ps filter.Particles, v []mat.Vector, u mat.Vector) ([]mat.Vector, error) {
	nl, err := m.NonlinPredDynamics(ps, u)
	if err != nil {
		return nil, err
	}

	if len(v) != ps.Len() {
		return nil, fmt.Errorf("%w: %d noise samples for %d particles", filter.ErrContract, len(v), ps.Len())
	}

	_, z, _ := ps.States()
	out := make([]mat.Vector, ps.Len())
	for i := range out {
		if dynamics.IsNil(v[i]) {
			return nil, fmt.Errorf("%w: particle %d: missing noise", filter.ErrContract, i)
		}
		r, _ := nl.A.At(i).Dims()
		if v[i].Len() != r {
			return nil, fmt.Errorf("%w: particle %d: noise length %d, nonlinear dimension %d", filter.ErrContract, i, v[i].Len(), r)
		}

		x := mat.NewVecDense(r, nil)
		x.MulVec(nl.A.At(i), z[i])
		x.AddVec(x, nl.F.At(i))
		x.AddVec(x, v[i])
		out[i] = x
	}

	return out, nil
}

// MeasXiNext conditions (z_t, P_t) of every particle on xi_{t+1},
// treating the nonlinear dynamics as a measurement of z_t
func (m *Model) MeasXiNext(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) error {
	nl, err := m.NonlinPredDynamics(ps, u)
	if err != nil {
		return err
	}

	_, z, p := ps.States()
	for i := range z {
		if err := kalman.Correct(z[i], p[i], xiNext[i], nl.A.At(i), nl.F.At(i), nl.Q.At(i)); err != nil {
			return err
		}
	}

	return nil
}

// CondPredict predicts (z_{t+1}, P_{t+1}) of every particle given xi_{t+1}
func (m *Model) CondPredict(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) error {
	lin, err := m.CondLinPredDynamics(ps, xiNext, u)
	if err != nil {
		return err
	}

	_, z, p := ps.States()
	for i := range z {
		if err := kalman.Predict(z[i], p[i], lin.A.At(i), lin.F.At(i), lin.Q.At(i)); err != nil {
			return err
		}
	}

	return nil
}

// NonlinPredTerms returns per-particle f_xi when FXi is configured
func (m *Model) NonlinPredTerms(ps filter.Particles, u mat.Vector) (dynamics.AffineTerms, error) {
	if m.fxi == nil {
		return dynamics.AffineTerms{}, nil
	}

	xi, _, _ := ps.States()
	f := make([]mat.Vector, len(xi))
	for i := range xi {
		f[i] = m.fxi(xi[i], u)
	}

	return dynamics.AffineTerms{F: dynamics.Each(f)}, nil
}

// CondLinPredTerms leaves every term unset: the noises are independent,
// so the dynamics conditioned on xi_{t+1} equal the unconditioned ones
func (m *Model) CondLinPredTerms(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) (dynamics.AffineTerms, error) {
	return dynamics.AffineTerms{}, nil
}

// MeasTerms returns per-particle h(xi) when H is configured
func (m *Model) MeasTerms(ps filter.Particles, y mat.Vector) (dynamics.MeasurementTerms, error) {
	if m.h == nil {
		return dynamics.MeasurementTerms{Y: y}, nil
	}

	xi, _, _ := ps.States()
	h := make([]mat.Vector, len(xi))
	for i := range xi {
		h[i] = m.h(xi[i])
	}

	return dynamics.MeasurementTerms{Y: y, H: dynamics.Each(h)}, nil
}

// Measure returns log density of measurement y for every particle.
// Particles are not modified.
func (m *Model) Measure(ps filter.Particles, y mat.Vector) ([]float64, error) {
	md, err := m.MeasDynamics(ps, y)
	if err != nil {
		return nil, err
	}

	_, z, p := ps.States()
	out := make([]float64, len(z))
	for i := range z {
		if out[i], err = kalman.LogLikelihood(z[i], p[i], md.Y, md.C.At(i), md.H.At(i), md.R.At(i)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Correct conditions (z, P) of every particle on measurement y
func (m *Model) Correct(ps filter.Particles, y mat.Vector) error {
	md, err := m.MeasDynamics(ps, y)
	if err != nil {
		return err
	}

	_, z, p := ps.States()
	for i := range z {
		if err := kalman.Correct(z[i], p[i], md.Y, md.C.At(i), md.H.At(i), md.R.At(i)); err != nil {
			return err
		}
	}

	return nil
}

// NextPDF returns log density of future nonlinear state next for every particle:
// log N(next; A_xi*z + f_xi, A_xi*P*A_xi' + Q_xi)
func (m *Model) NextPDF(ps filter.Particles, next mat.Vector, u mat.Vector) ([]float64, error) {
	nl, err := m.NonlinPredDynamics(ps, u)
	if err != nil {
		return nil, err
	}

	_, z, p := ps.States()
	out := make([]float64, len(z))
	for i := range z {
		mean, cov := kalman.Project(z[i], p[i], nl.A.At(i), nl.F.At(i), nl.Q.At(i))
		if out[i], err = kalman.LogPDF(next, mean, cov); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// NextPDFMax returns the largest value NextPDF can take for any future state:
// the highest Gaussian density peak over all particles
func (m *Model) NextPDFMax(ps filter.Particles, u mat.Vector) (float64, error) {
	nl, err := m.NonlinPredDynamics(ps, u)
	if err != nil {
		return 0, err
	}

	_, z, p := ps.States()
	bound := math.Inf(-1)
	for i := range z {
		mean, cov := kalman.Project(z[i], p[i], nl.A.At(i), nl.F.At(i), nl.Q.At(i))
		lp, err := kalman.LogPDF(mean, mean, cov)
		if err != nil {
			return 0, err
		}
		bound = math.Max(bound, lp)
	}

	return bound, nil
}

// SampleSmooth conditions the linear state of every particle on the future
// particle next (xi_{t+1}, z_{t+1}, P_{t+1}), draws z_t from the result and
// sets P_t to zero. next must hold either one particle or one per particle.
func (m *Model) SampleSmooth(ps filter.Particles, next filter.Particles, u mat.Vector) error {
	n := ps.Len()
	if next.Len() != 1 && next.Len() != n {
		return fmt.Errorf("%w: %d future particles for %d particles", filter.ErrContract, next.Len(), n)
	}

	nl, err := m.NonlinPredDynamics(ps, u)
	if err != nil {
		return err
	}

	lin, err := m.LinPredDynamics(ps, u)
	if err != nil {
		return err
	}

	xiN, zN, pN := next.States()
	_, z, p := ps.States()
	for i := 0; i < n; i++ {
		j := i
		if next.Len() == 1 {
			j = 0
		}

		if err := kalman.Correct(z[i], p[i], xiN[j], nl.A.At(i), nl.F.At(i), nl.Q.At(i)); err != nil {
			return err
		}

		// z_{t+1} is itself uncertain when P_{t+1} is nonzero
		r := mat.NewSymDense(pN[j].Symmetric(), nil)
		r.AddSym(lin.Q.At(i), pN[j])
		if err := kalman.Correct(z[i], p[i], zN[j], lin.A.At(i), lin.F.At(i), r); err != nil {
			return err
		}

		zs, err := noise.Draw(z[i], p[i], m.src)
		if err != nil {
			return err
		}

		z[i].CopyVec(zs)
		zeroSym(p[i])
	}

	return nil
}

// GetRBInitial returns initial linear state mean and covariance.
// They don't depend on the initial nonlinear state in this model.
func (m *Model) GetRBInitial(xi mat.Vector) (mat.Vector, mat.Symmetric, error) {
	if xi.Len() != m.xi0.Len() {
		return nil, nil, fmt.Errorf("%w: xi length %d, nonlinear dimension %d", filter.ErrContract, xi.Len(), m.xi0.Len())
	}

	return copyVec(m.z0), copySym(m.p0), nil
}

func zeroSym(s *mat.SymDense) {
	n := s.Symmetric()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0)
		}
	}
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
