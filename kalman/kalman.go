package kalman

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

var (
	// ErrNotPosDef is returned when a covariance is not positive definite
	ErrNotPosDef = errors.New("covariance not positive definite")
	// ErrDims is returned when matrix dimensions don't match
	ErrDims = errors.New("invalid dimensions")
)

// Config contains Kalman filter default dynamics.
// Linear state follows z' = A*z + F + w, w ~ N(0,Q)
// and measurement follows y = C*z + H + e, e ~ N(0,R).
type Config struct {
	// A is state transition matrix
	A mat.Matrix
	// F is state offset
	F mat.Vector
	// Q is state noise covariance
	Q mat.Symmetric
	// C is output matrix
	C mat.Matrix
	// H is output offset
	H mat.Vector
	// R is output noise covariance
	R mat.Symmetric
}

// Filter is Kalman filter which owns the model-wide default dynamics
// of the linear substate and runs Kalman recursions on per-particle estimates.
type Filter struct {
	// nz is linear state dimension; 0 when it can't be inferred yet
	nz int
	a  *mat.Dense
	f  *mat.VecDense
	q  *mat.SymDense
	c  *mat.Dense
	h  *mat.VecDense
	r  *mat.SymDense

	// autoF and autoH mark offsets filled in as zero vectors
	autoF bool
	autoH bool
}

// New creates new Kalman filter with default dynamics c and returns it.
// Any of the Config fields may be nil. Missing F and H default to zero
// vectors once the corresponding dimensions are known.
// It returns error if the supplied matrices have inconsistent dimensions.
func New(c *Config) (*Filter, error) {
	k := &Filter{}
	if c == nil {
		return k, nil
	}

	if err := k.SetDynamics(c); err != nil {
		return nil, err
	}

	return k, nil
}

// SetDynamics replaces default dynamics. Nil fields of c keep the current value.
// Matrices are copied. It returns error if the resulting dynamics have inconsistent
// dimensions, in which case the filter is left unchanged.
func (k *Filter) SetDynamics(c *Config) error {
	if c == nil {
		return nil
	}

	n := &Filter{}
	*n = *k

	if c.A != nil {
		n.a = mat.DenseCopyOf(c.A)
	}
	if c.F != nil {
		n.f = copyVec(c.F)
		n.autoF = false
	} else if n.autoF {
		n.f = nil
	}
	if c.Q != nil {
		n.q = copySym(c.Q)
	}
	if c.C != nil {
		n.c = mat.DenseCopyOf(c.C)
	}
	if c.H != nil {
		n.h = copyVec(c.H)
		n.autoH = false
	} else if n.autoH {
		n.h = nil
	}
	if c.R != nil {
		n.r = copySym(c.R)
	}

	if err := n.check(); err != nil {
		return err
	}

	*k = *n

	return nil
}

// check validates dimensions and fills in zero offsets
func (k *Filter) check() error {
	nz := 0
	switch {
	case k.a != nil:
		nz, _ = k.a.Dims()
	case k.q != nil:
		nz = k.q.Symmetric()
	case k.f != nil:
		nz = k.f.Len()
	case k.c != nil:
		_, nz = k.c.Dims()
	}

	if k.a != nil {
		if r, c := k.a.Dims(); r != nz || c != nz {
			return fmt.Errorf("%w: A [%d x %d], state dimension %d", ErrDims, r, c, nz)
		}
	}
	if k.q != nil && k.q.Symmetric() != nz {
		return fmt.Errorf("%w: Q dimension %d, state dimension %d", ErrDims, k.q.Symmetric(), nz)
	}
	if k.f != nil && k.f.Len() != nz {
		return fmt.Errorf("%w: F length %d, state dimension %d", ErrDims, k.f.Len(), nz)
	}
	if k.f == nil && nz > 0 {
		k.f = mat.NewVecDense(nz, nil)
		k.autoF = true
	}

	ny := 0
	switch {
	case k.c != nil:
		ny, _ = k.c.Dims()
	case k.r != nil:
		ny = k.r.Symmetric()
	case k.h != nil:
		ny = k.h.Len()
	}

	if k.c != nil {
		if _, c := k.c.Dims(); c != nz {
			return fmt.Errorf("%w: C has %d columns, state dimension %d", ErrDims, c, nz)
		}
	}
	if k.r != nil && k.r.Symmetric() != ny {
		return fmt.Errorf("%w: R dimension %d, output dimension %d", ErrDims, k.r.Symmetric(), ny)
	}
	if k.h != nil && k.h.Len() != ny {
		return fmt.Errorf("%w: H length %d, output dimension %d", ErrDims, k.h.Len(), ny)
	}
	if k.h == nil && ny > 0 {
		k.h = mat.NewVecDense(ny, nil)
		k.autoH = true
	}

	k.nz = nz

	return nil
}

// Dims returns linear state and output dimensions. 0 means unknown.
func (k *Filter) Dims() (nz, ny int) {
	if k.c != nil {
		ny, _ = k.c.Dims()
	} else if k.r != nil {
		ny = k.r.Symmetric()
	}
	return k.nz, ny
}

// A returns default state transition matrix; nil if not configured
func (k *Filter) A() mat.Matrix {
	if k.a == nil {
		return nil
	}
	return k.a
}

// F returns default state offset; nil if not configured
func (k *Filter) F() mat.Vector {
	if k.f == nil {
		return nil
	}
	return k.f
}

// Q returns default state noise covariance; nil if not configured
func (k *Filter) Q() mat.Symmetric {
	if k.q == nil {
		return nil
	}
	return k.q
}

// C returns default output matrix; nil if not configured
func (k *Filter) C() mat.Matrix {
	if k.c == nil {
		return nil
	}
	return k.c
}

// H returns default output offset; nil if not configured
func (k *Filter) H() mat.Vector {
	if k.h == nil {
		return nil
	}
	return k.h
}

// R returns default output noise covariance; nil if not configured
func (k *Filter) R() mat.Symmetric {
	if k.r == nil {
		return nil
	}
	return k.r
}

// Predict propagates estimate (z, p) one step using A, F and Q:
// z = A*z + F, P = A*P*A' + Q. z and p are modified in place.
func Predict(z *mat.VecDense, p *mat.SymDense, a mat.Matrix, f mat.Vector, q mat.Symmetric) error {
	n := z.Len()
	if r, c := a.Dims(); r != n || c != n {
		return fmt.Errorf("%w: A [%d x %d], state length %d", ErrDims, r, c, n)
	}
	if f.Len() != n || q.Symmetric() != n || p.Symmetric() != n {
		return fmt.Errorf("%w: F %d, Q %d, P %d, state length %d", ErrDims, f.Len(), q.Symmetric(), p.Symmetric(), n)
	}

	zNext := mat.NewVecDense(n, nil)
	zNext.MulVec(a, z)
	zNext.AddVec(zNext, f)

	// A*P*A'
	ap := &mat.Dense{}
	ap.Mul(a, p)
	pNext := &mat.Dense{}
	pNext.Mul(ap, a.T())
	pNext.Add(pNext, q)

	z.CopyVec(zNext)
	setSym(p, pNext)

	return nil
}

// Correct conditions estimate (z, p) on measurement y = C*z + H + e, e ~ N(0,R).
// z and p are modified in place. It returns error wrapping ErrNotPosDef if the
// innovation covariance can't be inverted.
func Correct(z *mat.VecDense, p *mat.SymDense, y mat.Vector, c mat.Matrix, h mat.Vector, r mat.Symmetric) error {
	n := z.Len()
	ny, nc := c.Dims()
	if nc != n || y.Len() != ny || h.Len() != ny || r.Symmetric() != ny || p.Symmetric() != n {
		return fmt.Errorf("%w: C [%d x %d], y %d, H %d, R %d, P %d", ErrDims, ny, nc, y.Len(), h.Len(), r.Symmetric(), p.Symmetric())
	}

	// innovation: y - C*z - H
	inn := mat.NewVecDense(ny, nil)
	inn.MulVec(c, z)
	inn.AddVec(inn, h)
	inn.SubVec(y, inn)

	// P*C'
	pct := &mat.Dense{}
	pct.Mul(p, c.T())

	// S = C*P*C' + R
	s := &mat.Dense{}
	s.Mul(c, pct)
	s.Add(s, r)

	sInv := &mat.Dense{}
	if err := sInv.Inverse(s); err != nil {
		return fmt.Errorf("%w: innovation covariance: %v", ErrNotPosDef, err)
	}

	// K = P*C'*S^-1
	gain := &mat.Dense{}
	gain.Mul(pct, sInv)

	corr := mat.NewVecDense(n, nil)
	corr.MulVec(gain, inn)
	z.AddVec(z, corr)

	// P = P - K*C*P
	kcp := &mat.Dense{}
	kcp.Mul(gain, pct.T())
	pCorr := &mat.Dense{}
	pCorr.Sub(p, kcp)

	setSym(p, pCorr)

	return nil
}

// LogLikelihood returns log density of measurement y given estimate (z, p):
// log N(y; C*z + H, C*P*C' + R). z and p are not modified.
func LogLikelihood(z mat.Vector, p mat.Symmetric, y mat.Vector, c mat.Matrix, h mat.Vector, r mat.Symmetric) (float64, error) {
	n := z.Len()
	ny, nc := c.Dims()
	if nc != n || y.Len() != ny || h.Len() != ny || r.Symmetric() != ny || p.Symmetric() != n {
		return 0, fmt.Errorf("%w: C [%d x %d], y %d, H %d, R %d, P %d", ErrDims, ny, nc, y.Len(), h.Len(), r.Symmetric(), p.Symmetric())
	}

	mean, cov := Project(z, p, c, h, r)

	return LogPDF(y, mean, cov)
}

// Project maps estimate (z, p) through affine-Gaussian relation x = A*z + F + v, v ~ N(0,Q)
// and returns the mean and covariance of x: A*z + F and A*P*A' + Q.
func Project(z mat.Vector, p mat.Symmetric, a mat.Matrix, f mat.Vector, q mat.Symmetric) (*mat.VecDense, *mat.SymDense) {
	r, _ := a.Dims()

	mean := mat.NewVecDense(r, nil)
	mean.MulVec(a, z)
	mean.AddVec(mean, f)

	ap := &mat.Dense{}
	ap.Mul(a, p)
	cov := &mat.Dense{}
	cov.Mul(ap, a.T())
	cov.Add(cov, q)

	s := mat.NewSymDense(r, nil)
	setSym(s, cov)

	return mean, s
}

// LogPDF returns log density of x under N(mean, cov).
// It returns error wrapping ErrNotPosDef if cov is not positive definite.
func LogPDF(x, mean mat.Vector, cov mat.Symmetric) (float64, error) {
	if x.Len() != mean.Len() || cov.Symmetric() != mean.Len() {
		return 0, fmt.Errorf("%w: x %d, mean %d, cov %d", ErrDims, x.Len(), mean.Len(), cov.Symmetric())
	}

	dist, ok := distmv.NewNormal(vecData(mean), cov, nil)
	if !ok {
		return 0, ErrNotPosDef
	}

	return dist.LogProb(vecData(x)), nil
}

// setSym stores symmetric part of m in s
func setSym(s *mat.SymDense, m mat.Matrix) {
	n := s.Symmetric()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
}

func vecData(v mat.Vector) []float64 {
	data := make([]float64, v.Len())
	for i := range data {
		data[i] = v.AtVec(i)
	}
	return data
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
