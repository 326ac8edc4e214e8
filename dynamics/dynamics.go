// Package dynamics provides per-particle affine-Gaussian dynamics:
// tagged overrides returned by model hooks and their resolved,
// per-particle form.
package dynamics

import (
	"fmt"
	"reflect"

	filter "github.com/marco-hrlic/go-rbpf"
	"gonum.org/v1/gonum/mat"
)

// Term is a dynamics matrix returned by a model hook.
// Zero value is unset: the model-wide default is used for every particle.
// A set Term carries exactly one matrix per particle.
type Term[M mat.Matrix] struct {
	set bool
	per []M
}

// Unset returns a Term telling the resolver to use the default
func Unset[M mat.Matrix]() Term[M] {
	return Term[M]{}
}

// Each returns a Term which overrides the default with one matrix per particle.
// A zero matrix is a valid override.
func Each[M mat.Matrix](per []M) Term[M] {
	return Term[M]{set: true, per: per}
}

// IsSet returns true if the term overrides the default
func (t Term[M]) IsSet() bool {
	return t.set
}

// Seq is a read-only sequence of per-particle matrices.
// A broadcast Seq shares one matrix between all particles; its entries must not be modified.
type Seq[M mat.Matrix] struct {
	n      int
	shared M
	per    []M
	bcast  bool
}

// Broadcast returns a Seq of length n whose every entry is m.
// m is not copied.
func Broadcast[M mat.Matrix](m M, n int) Seq[M] {
	return Seq[M]{n: n, shared: m, bcast: true}
}

// Of returns a Seq backed by per
func Of[M mat.Matrix](per []M) Seq[M] {
	return Seq[M]{n: len(per), per: per}
}

// Len returns sequence length
func (s Seq[M]) Len() int {
	return s.n
}

// At returns the matrix of i-th particle
func (s Seq[M]) At(i int) M {
	if i < 0 || i >= s.n {
		panic(fmt.Sprintf("dynamics: index %d out of range [0, %d)", i, s.n))
	}
	if s.bcast {
		return s.shared
	}
	return s.per[i]
}

// IsBroadcast returns true if all entries share one matrix
func (s Seq[M]) IsBroadcast() bool {
	return s.bcast
}

// Slice returns the backing slice of a non-broadcast Seq.
// For broadcast Seq it returns a slice of n references to the shared matrix.
func (s Seq[M]) Slice() []M {
	if !s.bcast {
		return s.per
	}
	out := make([]M, s.n)
	for i := range out {
		out[i] = s.shared
	}
	return out
}

// Resolve turns term into a Seq of length n, broadcasting def when the term is unset.
// It returns error wrapping filter.ErrContract if the term has a wrong length
// or if it is unset and there is no default.
func Resolve[M mat.Matrix](name string, t Term[M], def M, hasDef bool, n int) (Seq[M], error) {
	if !t.set {
		if !hasDef {
			return Seq[M]{}, fmt.Errorf("%w: %s unset and no default available", filter.ErrContract, name)
		}
		return Broadcast(def, n), nil
	}

	if len(t.per) != n {
		return Seq[M]{}, fmt.Errorf("%w: %s has %d entries for %d particles", filter.ErrContract, name, len(t.per), n)
	}

	for i := range t.per {
		if IsNil(t.per[i]) {
			return Seq[M]{}, fmt.Errorf("%w: %s missing for particle %d", filter.ErrContract, name, i)
		}
	}

	return Of(t.per), nil
}

// AffineTerms are hook overrides of affine-Gaussian dynamics x' = A*z + F + v, v ~ N(0,Q)
type AffineTerms struct {
	// A is the transition matrix
	A Term[mat.Matrix]
	// F is the affine offset
	F Term[mat.Vector]
	// Q is the noise covariance
	Q Term[mat.Symmetric]
}

// Affine is resolved per-particle affine-Gaussian dynamics
type Affine struct {
	// A are transition matrices
	A Seq[mat.Matrix]
	// F are affine offsets
	F Seq[mat.Vector]
	// Q are noise covariances
	Q Seq[mat.Symmetric]
}

// Len returns number of particles the dynamics were resolved for
func (a *Affine) Len() int {
	return a.A.Len()
}

// Validate checks that every particle has consistent A, F and Q.
// nz is the expected number of columns of A; rows is the expected
// number of rows of A. Non-positive values skip the respective check.
func (a *Affine) Validate(name string, rows, nz int) error {
	n := a.A.Len()
	if a.F.Len() != n || a.Q.Len() != n {
		return fmt.Errorf("%w: %s lengths differ: A %d, F %d, Q %d", filter.ErrContract, name, n, a.F.Len(), a.Q.Len())
	}

	for i := 0; i < n; i++ {
		r, c := a.A.At(i).Dims()
		if nz > 0 && c != nz {
			return fmt.Errorf("%w: %s particle %d: A has %d columns, want %d", filter.ErrContract, name, i, c, nz)
		}
		if rows > 0 && r != rows {
			return fmt.Errorf("%w: %s particle %d: A has %d rows, want %d", filter.ErrContract, name, i, r, rows)
		}
		if f := a.F.At(i).Len(); f != r {
			return fmt.Errorf("%w: %s particle %d: F length %d, A rows %d", filter.ErrContract, name, i, f, r)
		}
		if q := a.Q.At(i).Symmetric(); q != r {
			return fmt.Errorf("%w: %s particle %d: Q dimension %d, A rows %d", filter.ErrContract, name, i, q, r)
		}
	}

	return nil
}

// MeasurementTerms are hook overrides of measurement dynamics y = C*z + H + e, e ~ N(0,R)
type MeasurementTerms struct {
	// Y is the measurement; it is passed through resolution unchanged
	Y mat.Vector
	// C is the output matrix
	C Term[mat.Matrix]
	// H is the output offset
	H Term[mat.Vector]
	// R is the measurement noise covariance
	R Term[mat.Symmetric]
}

// Measurement is resolved per-particle measurement dynamics
type Measurement struct {
	// Y is the measurement
	Y mat.Vector
	// C are output matrices
	C Seq[mat.Matrix]
	// H are output offsets
	H Seq[mat.Vector]
	// R are measurement noise covariances
	R Seq[mat.Symmetric]
}

// Len returns number of particles the dynamics were resolved for
func (m *Measurement) Len() int {
	return m.C.Len()
}

// Validate checks that every particle has C, H and R consistent with Y and nz columns.
// Non-positive nz skips the column check.
func (m *Measurement) Validate(name string, nz int) error {
	n := m.C.Len()
	if m.H.Len() != n || m.R.Len() != n {
		return fmt.Errorf("%w: %s lengths differ: C %d, H %d, R %d", filter.ErrContract, name, n, m.H.Len(), m.R.Len())
	}

	for i := 0; i < n; i++ {
		r, c := m.C.At(i).Dims()
		if nz > 0 && c != nz {
			return fmt.Errorf("%w: %s particle %d: C has %d columns, want %d", filter.ErrContract, name, i, c, nz)
		}
		if m.Y != nil && m.Y.Len() != r {
			return fmt.Errorf("%w: %s particle %d: y length %d, C rows %d", filter.ErrContract, name, i, m.Y.Len(), r)
		}
		if h := m.H.At(i).Len(); h != r {
			return fmt.Errorf("%w: %s particle %d: H length %d, C rows %d", filter.ErrContract, name, i, h, r)
		}
		if q := m.R.At(i).Symmetric(); q != r {
			return fmt.Errorf("%w: %s particle %d: R dimension %d, C rows %d", filter.ErrContract, name, i, q, r)
		}
	}

	return nil
}

// IsNil reports whether m is a nil interface or a typed nil pointer
func IsNil(m mat.Matrix) bool {
	if m == nil {
		return true
	}
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
