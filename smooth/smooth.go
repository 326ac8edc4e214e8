package smooth

import (
	"fmt"
	"math"

	filter "github.com/marco-hrlic/go-rbpf"
	"github.com/marco-hrlic/go-rbpf/particle"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Tolerance is the slack allowed when checking NextPDF against NextPDFMax
const Tolerance = 1e-9

// BackwardWeights returns normalized backward smoothing weights of particles ps
// for the future nonlinear state next: w_i ∝ exp(logw_i + NextPDF_i).
// logw are the filter log weights of ps; nil means equal weights.
func BackwardWeights(m filter.FFBSi, ps filter.Particles, logw []float64, next, u mat.Vector) ([]float64, error) {
	if logw != nil && len(logw) != ps.Len() {
		return nil, fmt.Errorf("invalid weights size: %d, particles %d", len(logw), ps.Len())
	}

	lp, err := m.NextPDF(ps, next, u)
	if err != nil {
		return nil, err
	}

	if len(lp) != ps.Len() {
		return nil, fmt.Errorf("%w: %d densities for %d particles", filter.ErrContract, len(lp), ps.Len())
	}

	if logw != nil {
		floats.Add(lp, logw)
	}

	return particle.Normalize(lp)
}

// Accept runs one rejection sampling test for a proposed ancestor: it returns true
// with probability exp(logp - bound) where logp is NextPDF of the proposed particle
// and bound is NextPDFMax. It returns error if logp exceeds bound.
func Accept(logp, bound float64, rnd *rand.Rand) (bool, error) {
	if logp > bound+Tolerance {
		return false, fmt.Errorf("%w: density %v exceeds bound %v", filter.ErrContract, logp, bound)
	}

	return math.Log(rnd.Float64()) <= logp-bound, nil
}

// CheckBound evaluates NextPDF of every candidate future state and verifies it
// never exceeds NextPDFMax. It returns the bound.
func CheckBound(m filter.FFBSiRS, ps filter.Particles, candidates []mat.Vector, u mat.Vector) (float64, error) {
	bound, err := m.NextPDFMax(ps, u)
	if err != nil {
		return 0, err
	}

	for _, next := range candidates {
		lp, err := m.NextPDF(ps, next, u)
		if err != nil {
			return 0, err
		}

		if len(lp) == 0 {
			continue
		}

		if lmax := floats.Max(lp); lmax > bound+Tolerance {
			return 0, fmt.Errorf("%w: density %v exceeds bound %v", filter.ErrContract, lmax, bound)
		}
	}

	return bound, nil
}

// Step runs one backward smoothing step. For every particle of the smoothed
// future set next it draws an ancestor from ps with probability given by
// BackwardWeights, then conditions the linear states of the ancestors on next.
// It returns the smoothed set at the current time; ps is not modified.
func Step(m filter.FFBSi, ps *particle.Set, logw []float64, next *particle.Set, u mat.Vector, src rand.Source) (*particle.Set, error) {
	if next.Len() == 0 {
		return nil, fmt.Errorf("%w: empty future set", filter.ErrParticleCount)
	}

	indices := make([]int, next.Len())
	for j := range indices {
		w, err := BackwardWeights(m, ps, logw, next.Xi(j), u)
		if err != nil {
			return nil, err
		}
		indices[j] = int(distuv.NewCategorical(w, src).Rand())
	}

	anc, err := ps.Select(indices)
	if err != nil {
		return nil, err
	}

	if err := m.SampleSmooth(anc, next, u); err != nil {
		return nil, err
	}

	return anc, nil
}
