package noise

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Gaussian is zero mean Gaussian noise.
// It implements filter.Noise.
type Gaussian struct {
	// dist generates the samples
	dist *distmv.Normal
	// cov is noise covariance
	cov *mat.SymDense
	// src is random source
	src rand.Source
}

// NewGaussian creates new zero mean Gaussian noise with covariance cov and returns it.
// src may be nil in which case the global random source is used.
// It returns error if cov is not positive definite.
func NewGaussian(cov mat.Symmetric, src rand.Source) (*Gaussian, error) {
	n := cov.Symmetric()
	if n <= 0 {
		return nil, fmt.Errorf("invalid covariance dimension: %d", n)
	}

	c := mat.NewSymDense(n, nil)
	c.CopySym(cov)

	dist, ok := distmv.NewNormal(make([]float64, n), c, src)
	if !ok {
		return nil, fmt.Errorf("invalid covariance matrix: %v", mat.Formatted(c, mat.Prefix(" ")))
	}

	return &Gaussian{
		dist: dist,
		cov:  c,
		src:  src,
	}, nil
}

// Sample returns a sample of the noise
func (g *Gaussian) Sample() mat.Vector {
	return mat.NewVecDense(g.cov.Symmetric(), g.dist.Rand(nil))
}

// Cov returns noise covariance
func (g *Gaussian) Cov() mat.Symmetric {
	cov := mat.NewSymDense(g.cov.Symmetric(), nil)
	cov.CopySym(g.cov)

	return cov
}

// Reset recreates the underlying distribution
func (g *Gaussian) Reset() error {
	dist, ok := distmv.NewNormal(make([]float64, g.cov.Symmetric()), g.cov, g.src)
	if !ok {
		return fmt.Errorf("invalid covariance matrix")
	}
	g.dist = dist

	return nil
}

// Zero is a zero noise: every sample is a zero vector.
// It implements filter.Noise.
type Zero struct {
	n int
}

// NewZero creates new zero noise of size n and returns it
func NewZero(n int) (*Zero, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid noise size: %d", n)
	}

	return &Zero{n: n}, nil
}

// Sample returns zero vector
func (z *Zero) Sample() mat.Vector {
	return mat.NewVecDense(z.n, nil)
}

// Cov returns zero covariance
func (z *Zero) Cov() mat.Symmetric {
	return mat.NewSymDense(z.n, nil)
}

// Reset does nothing
func (z *Zero) Reset() error {
	return nil
}

// Draw returns a sample from N(mean, cov) using src.
// Zero cov yields mean. It returns error if cov is neither zero nor positive definite.
func Draw(mean mat.Vector, cov mat.Symmetric, src rand.Source) (*mat.VecDense, error) {
	n := mean.Len()
	if cov.Symmetric() != n {
		return nil, fmt.Errorf("invalid covariance dimension: %d, mean length %d", cov.Symmetric(), n)
	}

	out := mat.NewVecDense(n, nil)
	out.CopyVec(mean)

	if isZero(cov) {
		return out, nil
	}

	mu := make([]float64, n)
	for i := range mu {
		mu[i] = mean.AtVec(i)
	}

	dist, ok := distmv.NewNormal(mu, cov, src)
	if !ok {
		return nil, fmt.Errorf("invalid covariance matrix: %v", mat.Formatted(cov, mat.Prefix(" ")))
	}

	return mat.NewVecDense(n, dist.Rand(nil)), nil
}

func isZero(s mat.Symmetric) bool {
	n := s.Symmetric()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if s.At(i, j) != 0 {
				return false
			}
		}
	}
	return true
}
