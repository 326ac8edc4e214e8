// Package viz records per-step summaries of Rao-Blackwellized particles
// and plots them.
package viz

import (
	"fmt"

	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/marco-hrlic/go-rbpf/particle"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Step is a summary of the particle cloud at one time step
type Step struct {
	// T is time
	T float64
	// Mean is the particle average of linear state means
	Mean []float64
	// Var is the particle average of linear state variances (covariance diagonal)
	Var []float64
	// XiMean is the mean of nonlinear states
	XiMean []float64
	// XiVar is the empirical variance of nonlinear states; zero for a single particle
	XiVar []float64
}

// Trace is a history of particle cloud summaries
type Trace struct {
	steps []Step
}

// Record appends the summary of particles ps at time t
func (tr *Trace) Record(t float64, ps filter.Particles) error {
	n := ps.Len()
	if n == 0 {
		return fmt.Errorf("%w: empty particle set", filter.ErrParticleCount)
	}

	set, ok := ps.(*particle.Set)
	if !ok {
		var err error
		if set, err = particle.New(ps.States()); err != nil {
			return err
		}
	}

	_, z, p := set.States()
	nz := z[0].Len()

	s := Step{T: t, Mean: make([]float64, nz), Var: make([]float64, nz)}
	for i := range z {
		if z[i].Len() != nz {
			return fmt.Errorf("%w: particle %d: linear state length %d, want %d", filter.ErrContract, i, z[i].Len(), nz)
		}
		for j := 0; j < nz; j++ {
			s.Mean[j] += z[i].AtVec(j) / float64(n)
			s.Var[j] += p[i].At(j, j) / float64(n)
		}
	}

	mean, err := set.XiMean(nil)
	if err != nil {
		return err
	}
	s.XiMean = mean.RawVector().Data
	s.XiVar = make([]float64, mean.Len())

	if n > 1 {
		cov, err := set.XiCov()
		if err != nil {
			return err
		}
		for j := range s.XiVar {
			s.XiVar[j] = cov.At(j, j)
		}
	}

	tr.steps = append(tr.steps, s)

	return nil
}

// Steps returns recorded steps
func (tr *Trace) Steps() []Step {
	out := make([]Step, len(tr.steps))
	copy(out, tr.steps)

	return out
}

// Save plots mean and variance of linear state component j over time and saves it to file.
// The file format is inferred from the file extension.
func (tr *Trace) Save(file string, j int) error {
	return tr.save(file, j, "linear state z", func(s Step) ([]float64, []float64) {
		return s.Mean, s.Var
	})
}

// SaveNonlin plots mean and variance of nonlinear state component j over time and saves it to file.
func (tr *Trace) SaveNonlin(file string, j int) error {
	return tr.save(file, j, "nonlinear state xi", func(s Step) ([]float64, []float64) {
		return s.XiMean, s.XiVar
	})
}

func (tr *Trace) save(file string, j int, title string, series func(Step) ([]float64, []float64)) error {
	if len(tr.steps) == 0 {
		return fmt.Errorf("nothing to plot")
	}

	if m, _ := series(tr.steps[0]); j < 0 || j >= len(m) {
		return fmt.Errorf("invalid state component: %d", j)
	}

	mean := make(plotter.XYs, len(tr.steps))
	variance := make(plotter.XYs, len(tr.steps))
	for i, s := range tr.steps {
		m, v := series(s)
		mean[i].X, mean[i].Y = s.T, m[j]
		variance[i].X, variance[i].Y = s.T, v[j]
	}

	p, err := plot.New()
	if err != nil {
		return err
	}

	p.Title.Text = fmt.Sprintf("%s[%d]", title, j)
	p.X.Label.Text = "t"

	if err := plotutil.AddLinePoints(p, "mean", mean, "variance", variance); err != nil {
		return err
	}

	return p.Save(6*vg.Inch, 4*vg.Inch, file)
}
