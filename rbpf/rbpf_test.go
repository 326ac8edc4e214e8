package rbpf

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/marco-hrlic/go-rbpf/dynamics"
	"github.com/marco-hrlic/go-rbpf/kalman"
	"github.com/marco-hrlic/go-rbpf/particle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var errBoom = errors.New("boom")

// plainModel implements only the update hooks; all dynamics come from defaults.
// MeasXiNext sets z to xi_{t+1} so the conditioning is observable.
type plainModel struct {
	*Base
	calls  []string
	failAt string
	xiLen  int
}

func (m *plainModel) CalcXiNext(ps filter.Particles, noise []mat.Vector, u mat.Vector) ([]mat.Vector, error) {
	m.calls = append(m.calls, "calc")
	if m.failAt == "calc" {
		return nil, errBoom
	}

	xi, z, _ := ps.States()
	n := len(xi)
	if m.xiLen > 0 {
		n = m.xiLen
	}

	out := make([]mat.Vector, n)
	for i := range out {
		x := mat.NewVecDense(1, nil)
		x.SetVec(0, xi[i].AtVec(0)+z[i].AtVec(0)+noise[i].AtVec(0))
		out[i] = x
	}

	return out, nil
}

func (m *plainModel) MeasXiNext(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) error {
	m.calls = append(m.calls, "meas")
	if m.failAt == "meas" {
		return errBoom
	}

	_, z, _ := ps.States()
	for i := range z {
		z[i].SetVec(0, xiNext[i].AtVec(0))
	}

	return nil
}

func (m *plainModel) CondPredict(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) error {
	m.calls = append(m.calls, "pred")
	if m.failAt == "pred" {
		return errBoom
	}

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

// overrideModel additionally implements every dynamics hook with fixed terms
type overrideModel struct {
	*plainModel
	nonlin  dynamics.AffineTerms
	lin     dynamics.AffineTerms
	condlin dynamics.AffineTerms
	meas    dynamics.MeasurementTerms
	hookErr error
}

func (m *overrideModel) NonlinPredTerms(ps filter.Particles, u mat.Vector) (dynamics.AffineTerms, error) {
	return m.nonlin, m.hookErr
}

func (m *overrideModel) LinPredTerms(ps filter.Particles, u mat.Vector) (dynamics.AffineTerms, error) {
	return m.lin, m.hookErr
}

func (m *overrideModel) CondLinPredTerms(ps filter.Particles, xiNext []mat.Vector, u mat.Vector) (dynamics.AffineTerms, error) {
	return m.condlin, m.hookErr
}

func (m *overrideModel) MeasTerms(ps filter.Particles, y mat.Vector) (dynamics.MeasurementTerms, error) {
	m.meas.Y = y
	return m.meas, m.hookErr
}

// blankMeasModel returns measurement terms with nothing set
type blankMeasModel struct {
	*plainModel
}

func (m *blankMeasModel) MeasTerms(ps filter.Particles, y mat.Vector) (dynamics.MeasurementTerms, error) {
	return dynamics.MeasurementTerms{}, nil
}

func scalarConfig() *Config {
	return &Config{
		Az:  mat.NewDense(1, 1, []float64{1}),
		Qz:  mat.NewSymDense(1, []float64{1}),
		C:   mat.NewDense(1, 1, []float64{1}),
		R:   mat.NewSymDense(1, []float64{1}),
		Axi: mat.NewDense(1, 1, []float64{0.5}),
		Fxi: mat.NewVecDense(1, []float64{0.25}),
		Qxi: mat.NewSymDense(1, []float64{0.125}),
	}
}

func newPlain(t *testing.T, c *Config, opts ...Option) *plainModel {
	m := &plainModel{}
	b, err := New(m, c, opts...)
	require.NoError(t, err)
	m.Base = b

	return m
}

func newOverride(t *testing.T, c *Config) *overrideModel {
	m := &overrideModel{plainModel: &plainModel{}}
	b, err := New(m, c)
	require.NoError(t, err)
	m.Base = b

	return m
}

func newParticles(t *testing.T, n int, xi, z, p float64) *particle.Set {
	xs := make([]mat.Vector, n)
	for i := range xs {
		xs[i] = mat.NewVecDense(1, []float64{xi})
	}

	s, err := particle.NewFromInit(xs, mat.NewVecDense(1, []float64{z}), mat.NewSymDense(1, []float64{p}))
	require.NoError(t, err)

	return s
}

func zeroNoise(n int) []mat.Vector {
	out := make([]mat.Vector, n)
	for i := range out {
		out[i] = mat.NewVecDense(1, nil)
	}
	return out
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	_, err := New(nil, scalarConfig())
	assert.Error(err)

	c := scalarConfig()
	c.Axi = mat.NewDense(1, 2, nil)
	_, err = New(&plainModel{}, c)
	assert.True(errors.Is(err, kalman.ErrDims))

	c = scalarConfig()
	c.Qz = mat.NewSymDense(2, nil)
	_, err = New(&plainModel{}, c)
	assert.True(errors.Is(err, kalman.ErrDims))

	b, err := New(&plainModel{}, nil)
	assert.NoError(err)
	assert.Equal(0.0, b.T())
}

func TestNonlinPredDynamicsBroadcast(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	m := newPlain(t, c)

	for _, n := range []int{1, 3, 50} {
		ps := newParticles(t, n, 0, 0, 1)
		d, err := m.NonlinPredDynamics(ps, nil)
		assert.NoError(err)
		assert.Equal(n, d.Len())
		for i := 0; i < n; i++ {
			assert.True(mat.Equal(c.Axi, d.A.At(i)))
			assert.True(mat.Equal(c.Fxi, d.F.At(i)))
			assert.True(mat.Equal(c.Qxi, d.Q.At(i)))
		}
	}
}

func TestNonlinPredDynamicsUnsetQ(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	m := newOverride(t, c)

	n := 4
	a := make([]mat.Matrix, n)
	for i := range a {
		a[i] = mat.NewDense(1, 1, []float64{float64(i)})
	}
	m.nonlin = dynamics.AffineTerms{A: dynamics.Each(a)}

	ps := newParticles(t, n, 0, 0, 1)
	d, err := m.NonlinPredDynamics(ps, nil)
	assert.NoError(err)

	assert.True(d.Q.IsBroadcast())
	assert.False(d.A.IsBroadcast())
	for i := 0; i < n; i++ {
		// default Q_xi bit for bit
		assert.Equal(c.Qxi.At(0, 0), d.Q.At(i).At(0, 0))
		// override passed through unchanged
		assert.True(d.A.At(i) == a[i])
	}
}

func TestNonlinPredDynamicsNoDefault(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	c.Axi, c.Fxi, c.Qxi = nil, nil, nil
	m := newPlain(t, c)

	_, err := m.NonlinPredDynamics(newParticles(t, 2, 0, 0, 1), nil)
	assert.True(errors.Is(err, filter.ErrContract))
}

func TestLinPredDynamics(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	m := newOverride(t, c)
	ps := newParticles(t, 3, 0, 0, 1)

	d, err := m.LinPredDynamics(ps, nil)
	assert.NoError(err)
	for i := 0; i < 3; i++ {
		assert.True(mat.Equal(c.Az, d.A.At(i)))
		assert.Equal(0.0, d.F.At(i).AtVec(0))
		assert.True(mat.Equal(c.Qz, d.Q.At(i)))
	}

	// zero matrix is a valid override
	q := []mat.Symmetric{mat.NewSymDense(1, nil), mat.NewSymDense(1, nil), mat.NewSymDense(1, nil)}
	m.lin = dynamics.AffineTerms{Q: dynamics.Each(q)}
	d, err = m.LinPredDynamics(ps, nil)
	assert.NoError(err)
	for i := 0; i < 3; i++ {
		assert.True(d.Q.At(i) == q[i])
		assert.Equal(0.0, d.Q.At(i).At(0, 0))
	}

	// wrong length
	m.lin = dynamics.AffineTerms{Q: dynamics.Each(q[:2])}
	_, err = m.LinPredDynamics(ps, nil)
	assert.True(errors.Is(err, filter.ErrContract))

	// wrong dimension
	m.lin = dynamics.AffineTerms{A: dynamics.Each([]mat.Matrix{
		mat.NewDense(2, 2, nil), mat.NewDense(2, 2, nil), mat.NewDense(2, 2, nil),
	})}
	_, err = m.LinPredDynamics(ps, nil)
	assert.True(errors.Is(err, filter.ErrContract))

	// hook errors are returned as they are
	m.lin = dynamics.AffineTerms{}
	m.hookErr = errBoom
	_, err = m.LinPredDynamics(ps, nil)
	assert.Equal(errBoom, err)
}

func TestCondLinPredDynamics(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	ps := newParticles(t, 2, 0, 0, 1)
	xiNext := zeroNoise(2)

	// no hook: unconditioned dynamics
	pm := newPlain(t, c)
	d, err := pm.CondLinPredDynamics(ps, xiNext, nil)
	assert.NoError(err)
	for i := 0; i < 2; i++ {
		assert.True(mat.Equal(c.Az, d.A.At(i)))
		assert.True(mat.Equal(c.Qz, d.Q.At(i)))
	}

	// partial override: unset terms fall back to the linear prediction ones
	om := newOverride(t, c)
	f := []mat.Vector{mat.NewVecDense(1, []float64{1}), mat.NewVecDense(1, []float64{2})}
	q := []mat.Symmetric{mat.NewSymDense(1, []float64{0.5}), mat.NewSymDense(1, []float64{0.25})}
	om.lin = dynamics.AffineTerms{F: dynamics.Each([]mat.Vector{mat.NewVecDense(1, []float64{9}), mat.NewVecDense(1, []float64{9})})}
	om.condlin = dynamics.AffineTerms{F: dynamics.Each(f), Q: dynamics.Each(q)}

	d, err = om.CondLinPredDynamics(ps, xiNext, nil)
	assert.NoError(err)
	for i := 0; i < 2; i++ {
		assert.True(mat.Equal(c.Az, d.A.At(i)))
		assert.True(d.F.At(i) == f[i])
		assert.True(d.Q.At(i) == q[i])
	}

	// fully unset: falls back to the (overridden) linear prediction dynamics
	om.condlin = dynamics.AffineTerms{}
	d, err = om.CondLinPredDynamics(ps, xiNext, nil)
	assert.NoError(err)
	assert.Equal(9.0, d.F.At(1).AtVec(0))

	_, err = om.CondLinPredDynamics(ps, xiNext[:1], nil)
	assert.True(errors.Is(err, filter.ErrContract))
}

func TestMeasDynamics(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	m := newOverride(t, c)
	ps := newParticles(t, 5, 0, 0, 1)
	y := mat.NewVecDense(1, []float64{3})

	d, err := m.MeasDynamics(ps, y)
	assert.NoError(err)
	assert.True(d.Y == mat.Vector(y))
	assert.Equal(5, d.Len())
	for i := 0; i < 5; i++ {
		assert.True(mat.Equal(c.C, d.C.At(i)))
		assert.Equal(0.0, d.H.At(i).AtVec(0))
		assert.True(mat.Equal(c.R, d.R.At(i)))
	}

	// measurement of the wrong size
	_, err = m.MeasDynamics(ps, mat.NewVecDense(2, nil))
	assert.True(errors.Is(err, filter.ErrContract))

	// no default C
	pm := newPlain(t, &Config{Az: c.Az, Qz: c.Qz})
	_, err = pm.MeasDynamics(ps, y)
	assert.True(errors.Is(err, filter.ErrContract))

	// missing measurement
	_, err = m.MeasDynamics(ps, nil)
	assert.True(errors.Is(err, filter.ErrContract))
}

func TestMeasDynamicsBlankTerms(t *testing.T) {
	assert := assert.New(t)

	m := &blankMeasModel{plainModel: &plainModel{}}
	b, err := New(m, scalarConfig())
	require.NoError(t, err)
	m.Base = b

	ps := newParticles(t, 3, 0, 0, 1)
	y := mat.NewVecDense(1, []float64{3})

	d, err := m.MeasDynamics(ps, y)
	assert.NoError(err)
	assert.True(d.Y == mat.Vector(y))

	_, err = kalman.LogLikelihood(ps.Z(0), ps.P(0), d.Y, d.C.At(0), d.H.At(0), d.R.At(0))
	assert.NoError(err)

	_, err = m.MeasDynamics(ps, nil)
	assert.True(errors.Is(err, filter.ErrContract))
}

func TestSetDynamics(t *testing.T) {
	assert := assert.New(t)

	m := newPlain(t, scalarConfig())
	ps := newParticles(t, 2, 0, 0, 1)

	assert.NoError(m.SetDynamics(mat.NewDense(1, 1, []float64{2}), nil, nil, mat.NewSymDense(1, []float64{4}), nil, nil))
	d, err := m.LinPredDynamics(ps, nil)
	assert.NoError(err)
	assert.Equal(2.0, d.A.At(1).At(0, 0))

	md, err := m.MeasDynamics(ps, mat.NewVecDense(1, nil))
	assert.NoError(err)
	assert.Equal(4.0, md.R.At(0).At(0, 0))

	assert.NoError(m.SetNonlinDynamics(nil, nil, mat.NewSymDense(1, []float64{7})))
	nd, err := m.NonlinPredDynamics(ps, nil)
	assert.NoError(err)
	assert.Equal(7.0, nd.Q.At(0).At(0, 0))
	assert.Equal(0.5, nd.A.At(0).At(0, 0))

	err = m.SetNonlinDynamics(nil, mat.NewVecDense(3, nil), nil)
	assert.True(errors.Is(err, kalman.ErrDims))

	// configured F_xi is kept and blocks resizing
	err = m.SetNonlinDynamics(mat.NewDense(2, 1, nil), nil, mat.NewSymDense(2, nil))
	assert.True(errors.Is(err, kalman.ErrDims))
}

func TestSetDynamicsResize(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	c.Fxi = nil
	m := newPlain(t, c)
	ps := newParticles(t, 2, 0, 0, 1)

	assert.NoError(m.SetNonlinDynamics(mat.NewDense(2, 1, []float64{1, 2}), nil, mat.NewSymDense(2, []float64{1, 0, 0, 1})))
	nd, err := m.NonlinPredDynamics(ps, nil)
	assert.NoError(err)
	assert.Equal(2, nd.F.At(0).Len())
	assert.Equal(0.0, nd.F.At(1).AtVec(1))

	// zero linear offsets follow the new state dimension
	assert.NoError(m.SetDynamics(mat.NewDense(2, 2, nil), mat.NewDense(1, 2, nil), mat.NewSymDense(2, nil), nil, nil, nil))
	nz, _ := m.Kalman().Dims()
	assert.Equal(2, nz)
	assert.Equal(2, m.Kalman().F().Len())
}

func TestUpdateOrder(t *testing.T) {
	assert := assert.New(t)

	m := newPlain(t, scalarConfig())
	ps := newParticles(t, 3, 1, 2, 1)

	assert.NoError(m.Update(ps, nil, zeroNoise(3)))
	assert.Equal([]string{"calc", "meas", "pred"}, m.calls)

	for i := 0; i < 3; i++ {
		// xi_{t+1} = xi + z = 3 is committed
		assert.Equal(3.0, ps.Xi(i).AtVec(0))
		// conditioning saw the new xi: z = xi_{t+1}, then predicted with A=1, F=0
		assert.Equal(3.0, ps.Z(i).AtVec(0))
		// P = A*P*A' + Q
		assert.Equal(2.0, ps.P(i).At(0, 0))
	}
}

func TestUpdateTime(t *testing.T) {
	assert := assert.New(t)

	c := scalarConfig()
	c.T0 = 0.5
	m := newPlain(t, c)
	ps := newParticles(t, 2, 0, 0, 1)

	assert.Equal(0.5, m.T())
	for k := 1; k <= 25; k++ {
		assert.NoError(m.Update(ps, nil, zeroNoise(2)))
		assert.Equal(0.5+float64(k), m.T())
	}

	m.Reset(-3)
	assert.Equal(-3.0, m.T())
}

func TestUpdateErrors(t *testing.T) {
	assert := assert.New(t)

	for _, at := range []string{"calc", "meas", "pred"} {
		m := newPlain(t, scalarConfig())
		m.failAt = at
		ps := newParticles(t, 2, 1, 1, 1)

		err := m.Update(ps, nil, zeroNoise(2))
		// returned unmodified
		assert.Equal(errBoom, err, at)
		assert.Equal(0.0, m.T(), at)
		// xi is never committed on failure
		assert.Equal(1.0, ps.Xi(0).AtVec(0), at)
	}

	m := newPlain(t, scalarConfig())
	err := m.Update(newParticles(t, 2, 0, 0, 1), nil, zeroNoise(3))
	assert.True(errors.Is(err, filter.ErrContract))
	assert.Empty(m.calls)

	m.xiLen = 1
	err = m.Update(newParticles(t, 2, 0, 0, 1), nil, zeroNoise(2))
	assert.True(errors.Is(err, filter.ErrContract))
	assert.Equal(0.0, m.T())
}

func TestUpdateLogs(t *testing.T) {
	assert := assert.New(t)

	var lines []string
	log := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 2})

	m := newPlain(t, scalarConfig(), WithLogger(log))
	ps := newParticles(t, 2, 0, 0, 1)

	assert.NoError(m.Update(ps, nil, zeroNoise(2)))
	m.failAt = "meas"
	assert.Error(m.Update(ps, nil, zeroNoise(2)))

	require.Len(t, lines, 2)
	assert.True(strings.Contains(lines[0], "update done"))
	assert.True(strings.Contains(lines[1], "boom"))
}
