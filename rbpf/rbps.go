package rbpf

import (
	"fmt"

	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/marco-hrlic/go-rbpf/particle"
	"gonum.org/v1/gonum/mat"
)

// Smoother is Rao-Blackwellized particle smoother model.
// On top of filtering and FFBSi it must be able to recreate the initial
// linear estimate for any sampled initial nonlinear state.
type Smoother interface {
	filter.FFBSi
	// GetRBInitial returns initial linear mean and covariance conditioned on initial nonlinear state xi
	GetRBInitial(xi mat.Vector) (mat.Vector, mat.Symmetric, error)
}

// InitialSet creates particles with nonlinear states xi whose linear estimates
// are given by m.GetRBInitial. It is used to start backward trajectories.
func InitialSet(m Smoother, xi []mat.Vector) (*particle.Set, error) {
	if len(xi) == 0 {
		return nil, fmt.Errorf("%w: no initial states", filter.ErrParticleCount)
	}

	z := make([]*mat.VecDense, len(xi))
	p := make([]*mat.SymDense, len(xi))

	for i := range xi {
		z0, p0, err := m.GetRBInitial(xi[i])
		if err != nil {
			return nil, err
		}

		z[i] = mat.NewVecDense(z0.Len(), nil)
		z[i].CopyVec(z0)
		p[i] = mat.NewSymDense(p0.Symmetric(), nil)
		p[i].CopySym(p0)
	}

	return particle.New(xi, z, p)
}
