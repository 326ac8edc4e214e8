package rbpf

import (
	"fmt"

	"github.com/go-logr/logr"
	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/marco-hrlic/go-rbpf/dynamics"
	"github.com/marco-hrlic/go-rbpf/kalman"
	"gonum.org/v1/gonum/mat"
)

// Model is implemented by concrete Rao-Blackwellized models.
// Base drives these hooks from Update.
type Model interface {
	// CalcXiNext computes next nonlinear state xi_{t+1} of every particle
	CalcXiNext(ps filter.Particles, noise []mat.Vector, u mat.Vector) ([]mat.Vector, error)
	// MeasXiNext conditions linear estimate (z_t, P_t) on xi_{t+1}
	MeasXiNext(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) error
	// CondPredict predicts linear estimate (z_{t+1}, P_{t+1}) given xi_{t+1}
	CondPredict(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) error
}

// NonlinDynamicsProvider overrides nonlinear state prediction dynamics:
// xi_{t+1} = A_xi*z_t + F_xi + v_xi, v_xi ~ N(0,Q_xi)
type NonlinDynamicsProvider interface {
	NonlinPredTerms(ps filter.Particles, u mat.Vector) (dynamics.AffineTerms, error)
}

// LinDynamicsProvider overrides linear state prediction dynamics
// z_{t+1} = A_z*z_t + F_z + v_z, v_z ~ N(0,Q_z), not conditioned on xi_{t+1}
type LinDynamicsProvider interface {
	LinPredTerms(ps filter.Particles, u mat.Vector) (dynamics.AffineTerms, error)
}

// CondLinDynamicsProvider overrides linear state prediction dynamics conditioned on xi_{t+1}.
// They differ from the unconditioned ones when the linear and nonlinear process noises are correlated.
type CondLinDynamicsProvider interface {
	CondLinPredTerms(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) (dynamics.AffineTerms, error)
}

// MeasDynamicsProvider overrides measurement dynamics y = C*z + H + e, e ~ N(0,R)
type MeasDynamicsProvider interface {
	MeasTerms(ps filter.Particles, y mat.Vector) (dynamics.MeasurementTerms, error)
}

// Config is Rao-Blackwellized model configuration
type Config struct {
	// Az is linear state transition matrix
	Az mat.Matrix
	// Fz is linear state offset
	Fz mat.Vector
	// Qz is linear state noise covariance
	Qz mat.Symmetric
	// C is output matrix
	C mat.Matrix
	// Hz is output offset
	Hz mat.Vector
	// R is output noise covariance
	R mat.Symmetric
	// Axi maps linear state to the next nonlinear state
	Axi mat.Matrix
	// Fxi is nonlinear state offset
	Fxi mat.Vector
	// Qxi is nonlinear state noise covariance
	Qxi mat.Symmetric
	// T0 is initial time
	T0 float64
}

// Option configures Base
type Option func(*Base)

// WithLogger sets Base logger
func WithLogger(l logr.Logger) Option {
	return func(b *Base) {
		b.log = l
	}
}

// Base is Rao-Blackwellized particle filter base.
// It resolves per-particle dynamics and runs the update cycle of Model.
// Base is not safe for concurrent use.
type Base struct {
	// model provides hooks
	model Model
	// kf owns the default linear dynamics
	kf *kalman.Filter
	// axi, fxi and qxi are default nonlinear dynamics
	axi mat.Matrix
	fxi mat.Vector
	qxi mat.Symmetric
	// autoFxi marks fxi filled in as zero vector
	autoFxi bool
	// t is current time
	t   float64
	log logr.Logger
}

// New creates new Base for model m and returns it.
// It returns error if m is nil or if the configured dynamics have inconsistent dimensions.
func New(m Model, c *Config, opts ...Option) (*Base, error) {
	if m == nil {
		return nil, fmt.Errorf("invalid model: nil")
	}

	if c == nil {
		c = &Config{}
	}

	kf, err := kalman.New(&kalman.Config{A: c.Az, F: c.Fz, Q: c.Qz, C: c.C, H: c.Hz, R: c.R})
	if err != nil {
		return nil, fmt.Errorf("invalid linear dynamics: %w", err)
	}

	b := &Base{
		model: m,
		kf:    kf,
		t:     c.T0,
		log:   logr.Discard(),
	}

	if err := b.SetNonlinDynamics(c.Axi, c.Fxi, c.Qxi); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// SetDynamics replaces default linear dynamics. Nil arguments keep their current values.
func (b *Base) SetDynamics(az mat.Matrix, c mat.Matrix, qz mat.Symmetric, r mat.Symmetric, fz mat.Vector, hz mat.Vector) error {
	return b.kf.SetDynamics(&kalman.Config{A: az, F: fz, Q: qz, C: c, H: hz, R: r})
}

// SetNonlinDynamics replaces default nonlinear dynamics. Nil arguments keep their current values.
// A missing offset defaults to zero vector once A or Q is known.
func (b *Base) SetNonlinDynamics(axi mat.Matrix, fxi mat.Vector, qxi mat.Symmetric) error {
	a, f, q, auto := b.axi, b.fxi, b.qxi, b.autoFxi
	if !dynamics.IsNil(axi) {
		a = mat.DenseCopyOf(axi)
	}
	if !dynamics.IsNil(fxi) {
		v := mat.NewVecDense(fxi.Len(), nil)
		v.CopyVec(fxi)
		f, auto = v, false
	} else if auto {
		f = nil
	}
	if !dynamics.IsNil(qxi) {
		s := mat.NewSymDense(qxi.Symmetric(), nil)
		s.CopySym(qxi)
		q = s
	}

	rows := -1
	if a != nil {
		rows, _ = a.Dims()
		if nz, _ := b.kf.Dims(); nz > 0 {
			if _, c := a.Dims(); c != nz {
				return fmt.Errorf("%w: A_xi has %d columns, linear state dimension %d", kalman.ErrDims, c, nz)
			}
		}
	} else if q != nil {
		rows = q.Symmetric()
	}
	if f != nil && rows >= 0 && f.Len() != rows {
		return fmt.Errorf("%w: F_xi length %d, nonlinear dimension %d", kalman.ErrDims, f.Len(), rows)
	}
	if q != nil && rows >= 0 && q.Symmetric() != rows {
		return fmt.Errorf("%w: Q_xi dimension %d, nonlinear dimension %d", kalman.ErrDims, q.Symmetric(), rows)
	}
	if f == nil && rows > 0 {
		f, auto = mat.NewVecDense(rows, nil), true
	}

	b.axi, b.fxi, b.qxi, b.autoFxi = a, f, q, auto

	return nil
}

// Kalman returns Kalman filter owning the default linear dynamics
func (b *Base) Kalman() *kalman.Filter {
	return b.kf
}

// T returns current time
func (b *Base) T() float64 {
	return b.t
}

// Reset sets current time to t0
func (b *Base) Reset(t0 float64) {
	b.t = t0
}

// NonlinPredDynamics returns per-particle nonlinear prediction dynamics.
// Terms the model leaves unset are broadcast from the Base defaults.
func (b *Base) NonlinPredDynamics(ps filter.Particles, u mat.Vector) (*dynamics.Affine, error) {
	var terms dynamics.AffineTerms
	if p, ok := b.model.(NonlinDynamicsProvider); ok {
		var err error
		if terms, err = p.NonlinPredTerms(ps, u); err != nil {
			return nil, err
		}
	}

	d, err := resolveAffine("nonlinear prediction", terms, b.axi, b.fxi, b.qxi, ps.Len())
	if err != nil {
		return nil, err
	}

	nz, _ := b.kf.Dims()
	if err := d.Validate("nonlinear prediction", -1, nz); err != nil {
		return nil, err
	}

	return d, nil
}

// LinPredDynamics returns per-particle linear prediction dynamics not conditioned on xi_{t+1}.
// Terms the model leaves unset are broadcast from the Kalman filter defaults.
func (b *Base) LinPredDynamics(ps filter.Particles, u mat.Vector) (*dynamics.Affine, error) {
	var terms dynamics.AffineTerms
	if p, ok := b.model.(LinDynamicsProvider); ok {
		var err error
		if terms, err = p.LinPredTerms(ps, u); err != nil {
			return nil, err
		}
	}

	d, err := resolveAffine("linear prediction", terms, b.kf.A(), b.kf.F(), b.kf.Q(), ps.Len())
	if err != nil {
		return nil, err
	}

	nz, _ := b.kf.Dims()
	if err := d.Validate("linear prediction", nz, nz); err != nil {
		return nil, err
	}

	return d, nil
}

// CondLinPredDynamics returns per-particle linear prediction dynamics conditioned on xi_{t+1}.
// Terms the model leaves unset are taken from LinPredDynamics.
func (b *Base) CondLinPredDynamics(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) (*dynamics.Affine, error) {
	n := ps.Len()
	if len(xiNext) != n {
		return nil, fmt.Errorf("%w: %d next states for %d particles", filter.ErrContract, len(xiNext), n)
	}

	var terms dynamics.AffineTerms
	if p, ok := b.model.(CondLinDynamicsProvider); ok {
		var err error
		if terms, err = p.CondLinPredTerms(ps, xiNext, u); err != nil {
			return nil, err
		}
	}

	d := &dynamics.Affine{}
	if !terms.A.IsSet() || !terms.F.IsSet() || !terms.Q.IsSet() {
		lin, err := b.LinPredDynamics(ps, u)
		if err != nil {
			return nil, err
		}
		d.A, d.F, d.Q = lin.A, lin.F, lin.Q
	}

	var err error
	if terms.A.IsSet() {
		if d.A, err = dynamics.Resolve[mat.Matrix]("conditional linear prediction A", terms.A, nil, false, n); err != nil {
			return nil, err
		}
	}
	if terms.F.IsSet() {
		if d.F, err = dynamics.Resolve[mat.Vector]("conditional linear prediction F", terms.F, nil, false, n); err != nil {
			return nil, err
		}
	}
	if terms.Q.IsSet() {
		if d.Q, err = dynamics.Resolve[mat.Symmetric]("conditional linear prediction Q", terms.Q, nil, false, n); err != nil {
			return nil, err
		}
	}

	nz, _ := b.kf.Dims()
	if err := d.Validate("conditional linear prediction", nz, nz); err != nil {
		return nil, err
	}

	return d, nil
}

// MeasDynamics returns per-particle measurement dynamics for measurement y.
// Terms the model leaves unset are broadcast from the Kalman filter defaults.
func (b *Base) MeasDynamics(ps filter.Particles, y mat.Vector) (*dynamics.Measurement, error) {
	terms := dynamics.MeasurementTerms{Y: y}
	if p, ok := b.model.(MeasDynamicsProvider); ok {
		var err error
		if terms, err = p.MeasTerms(ps, y); err != nil {
			return nil, err
		}
	}

	if dynamics.IsNil(terms.Y) {
		terms.Y = y
	}
	if dynamics.IsNil(terms.Y) {
		return nil, fmt.Errorf("%w: missing measurement", filter.ErrContract)
	}

	n := ps.Len()
	m := &dynamics.Measurement{Y: terms.Y}

	var err error
	if m.C, err = dynamics.Resolve[mat.Matrix]("measurement C", terms.C, b.kf.C(), b.kf.C() != nil, n); err != nil {
		return nil, err
	}
	if m.H, err = dynamics.Resolve[mat.Vector]("measurement H", terms.H, b.kf.H(), b.kf.H() != nil, n); err != nil {
		return nil, err
	}
	if m.R, err = dynamics.Resolve[mat.Symmetric]("measurement R", terms.R, b.kf.R(), b.kf.R() != nil, n); err != nil {
		return nil, err
	}

	nz, _ := b.kf.Dims()
	if err := m.Validate("measurement", nz); err != nil {
		return nil, err
	}

	return m, nil
}

// Update propagates particles ps one step using input u and process noise.
// It samples xi_{t+1}, conditions (z, P) on it, predicts (z, P) and stores
// the new states in ps. Time advances by 1 only if every step succeeds.
// Errors returned by the model hooks are returned unmodified.
func (b *Base) Update(ps filter.Particles, u mat.Vector, noise []mat.Vector) error {
	n := ps.Len()
	if len(noise) != n {
		return fmt.Errorf("%w: %d noise samples for %d particles", filter.ErrContract, len(noise), n)
	}

	// xi_{t+1} | xi_t, z_t, y_t
	xiNext, err := b.model.CalcXiNext(ps, noise, u)
	if err != nil {
		b.log.V(1).Info("nonlinear propagation failed", "t", b.t, "err", err.Error())
		return err
	}
	if len(xiNext) != n {
		return fmt.Errorf("%w: %d next states for %d particles", filter.ErrContract, len(xiNext), n)
	}

	// z_t | xi_{t+1}, y_t
	if err := b.model.MeasXiNext(ps, xiNext, u); err != nil {
		b.log.V(1).Info("conditioning on next nonlinear state failed", "t", b.t, "err", err.Error())
		return err
	}

	// z_{t+1} | xi_{t+1}, y_t
	if err := b.model.CondPredict(ps, xiNext, u); err != nil {
		b.log.V(1).Info("linear prediction failed", "t", b.t, "err", err.Error())
		return err
	}

	_, z, p := ps.States()
	if err := ps.SetStates(xiNext, z, p); err != nil {
		return err
	}

	b.t += 1.0
	b.log.V(2).Info("update done", "t", b.t, "particles", n)

	return nil
}

func resolveAffine(name string, t dynamics.AffineTerms, a mat.Matrix, f mat.Vector, q mat.Symmetric, n int) (*dynamics.Affine, error) {
	d := &dynamics.Affine{}

	var err error
	if d.A, err = dynamics.Resolve[mat.Matrix](name+" A", t.A, a, !dynamics.IsNil(a), n); err != nil {
		return nil, err
	}
	if d.F, err = dynamics.Resolve[mat.Vector](name+" F", t.F, f, !dynamics.IsNil(f), n); err != nil {
		return nil, err
	}
	if d.Q, err = dynamics.Resolve[mat.Symmetric](name+" Q", t.Q, q, !dynamics.IsNil(q), n); err != nil {
		return nil, err
	}

	return d, nil
}
