package householder

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Error kinds surfaced by the basis constructor. Both are returned wrapped
// with context; match them with errors.Is.
var (
	// ErrShapeMismatch reports a parameter vector whose length is
	// inconsistent with the configured dimensions. It is raised before any
	// numerical work begins.
	ErrShapeMismatch = errors.New("parameter shape mismatch")

	// ErrDegenerate reports a degenerate parameterization: a column with
	// (near-)zero norm or a reflection vector with zero self-dot-product.
	// The error propagates to the caller without any local recovery, since
	// substituting a default column would silently break orthonormality.
	ErrDegenerate = errors.New("degenerate parameterization")
)

// ParamLen returns the length of the flat parameter vector for a d×q basis:
// the number of on/below-diagonal entries of a d×q lower-triangular matrix,
// d*q - q*(q-1)/2.
func ParamLen(d, q int) int {
	return d*q - q*(q-1)/2
}

// Basis constructs d×q matrices with orthonormal columns from unconstrained
// real parameters via a product of Householder reflections. This is the
// rotation-invariant parameterization used for Bayesian PCA: it pins down a
// unique orthonormal basis for the factor loadings, removing the rotational
// symmetry that otherwise makes loading posteriors multimodal.
//
// Parameter layout: the flat vector fills the on/below-diagonal entries of a
// d×q matrix V column-major, rows ascending within each column, columns left
// to right. Each column of V is normalized to unit length, then q reflections
// are built from the normalized columns in reverse column order and composed
// left-multiplicatively; the first q columns of the product form the basis.
//
// Sign conventions are fixed for a unique, smooth parameterization:
//   - the pivot sign treats sign(0) as +1, avoiding a degenerate reflection
//   - the trailing block of each reflection is scaled by -sign(pivot)
//
// Every computation is a pure function of its input: no caching, no state
// carried across calls. Orthonormal is safe for concurrent use; for hot
// loops, OrthonormalWith reuses a caller-owned Workspace instead of
// allocating scratch per call.
type Basis struct {
	d, q int
	eps  float64 // norm floor below which a column counts as degenerate
}

// Option defines a functional option for configuring a Basis
type Option func(*Basis)

// WithEpsilon sets the norm floor below which a column (or reflection
// vector) is treated as degenerate. Default is 1e-12.
func WithEpsilon(eps float64) Option {
	return func(b *Basis) {
		b.eps = eps
	}
}

// New creates a basis constructor for d×q orthonormal matrices.
// Requires 1 <= q <= d.
func New(d, q int, options ...Option) (*Basis, error) {
	if d <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got d=%d", d)
	}
	if q < 1 || q > d {
		return nil, fmt.Errorf("latent dimension must satisfy 1 <= q <= d, got q=%d with d=%d", q, d)
	}

	b := &Basis{
		d:   d,
		q:   q,
		eps: 1e-12,
	}
	for _, opt := range options {
		opt(b)
	}

	return b, nil
}

// Dims returns the basis dimensions (d rows, q columns).
func (b *Basis) Dims() (d, q int) {
	return b.d, b.q
}

// ParamLen returns the expected length of the flat parameter vector.
func (b *Basis) ParamLen() int {
	return ParamLen(b.d, b.q)
}

// Workspace holds the scratch buffers for one basis computation. A zero
// workspace is not usable; create one with NewWorkspace. A Workspace is
// owned by a single goroutine at a time: reusing one across concurrent
// calls is a data race. All buffers are cleared at the start of each call,
// so no state leaks between invocations.
type Workspace struct {
	d, q int

	vn     *mat.Dense    // d×q normalized lower-triangular columns
	h      *mat.Dense    // d×d current reflection
	p      *mat.Dense    // d×d cumulative product of reflections
	tmp    *mat.Dense    // d×d multiplication scratch
	col    []float64     // reflection vector backing
	colVec *mat.VecDense // gonum view over col
	norms  []float64     // pre-normalization column norms
}

// NewWorkspace allocates scratch buffers for a d×q basis computation.
func NewWorkspace(d, q int) *Workspace {
	col := make([]float64, d)
	return &Workspace{
		d:      d,
		q:      q,
		vn:     mat.NewDense(d, q, nil),
		h:      mat.NewDense(d, d, nil),
		p:      mat.NewDense(d, d, nil),
		tmp:    mat.NewDense(d, d, nil),
		col:    col,
		colVec: mat.NewVecDense(d, col),
		norms:  make([]float64, q),
	}
}

// Orthonormal builds the d×q orthonormal basis from the flat parameter
// vector v (length ParamLen(d, q)). It returns the basis U together with the
// pre-normalization column norms of V, which the caller needs for the
// change-of-variables log-density correction. Scratch state is allocated
// fresh, so concurrent calls are safe.
func (b *Basis) Orthonormal(v []float64) (*mat.Dense, []float64, error) {
	return b.OrthonormalWith(NewWorkspace(b.d, b.q), v)
}

// OrthonormalWith is Orthonormal with caller-owned scratch. The returned
// matrix and norms are freshly allocated and remain valid after the
// workspace is reused; only the intermediate buffers live in ws.
func (b *Basis) OrthonormalWith(ws *Workspace, v []float64) (*mat.Dense, []float64, error) {
	if want := b.ParamLen(); len(v) != want {
		return nil, nil, fmt.Errorf("parameter vector length %d, want %d for d=%d q=%d: %w",
			len(v), want, b.d, b.q, ErrShapeMismatch)
	}
	if ws.d != b.d || ws.q != b.q {
		return nil, nil, fmt.Errorf("workspace dimensions (%d, %d), want (%d, %d): %w",
			ws.d, ws.q, b.d, b.q, ErrShapeMismatch)
	}

	unpackInto(ws.vn, v, b.d, b.q)
	if err := normalizeColumns(ws.vn, ws.norms, b.eps); err != nil {
		return nil, nil, err
	}

	if err := accumulateReflections(ws, b.eps); err != nil {
		return nil, nil, err
	}

	// First q columns of the final cumulative product.
	u := mat.NewDense(b.d, b.q, nil)
	u.Copy(ws.p)

	norms := make([]float64, b.q)
	copy(norms, ws.norms)

	return u, norms, nil
}

// unpackInto fills the d×q lower-triangular matrix from the flat parameter
// vector: column-major, rows ascending within each column. Entries above the
// diagonal are zeroed.
func unpackInto(dst *mat.Dense, v []float64, d, q int) {
	dst.Zero()
	idx := 0
	for j := 0; j < q; j++ {
		for i := j; i < d; i++ {
			dst.Set(i, j, v[idx])
			idx++
		}
	}
}

// normalizeColumns scales each column of vn to unit Euclidean norm, storing
// the original norms. A column with norm at or below eps is degenerate.
func normalizeColumns(vn *mat.Dense, norms []float64, eps float64) error {
	d, q := vn.Dims()
	for j := 0; j < q; j++ {
		ss := 0.0
		for i := j; i < d; i++ {
			val := vn.At(i, j)
			ss += val * val
		}
		r := math.Sqrt(ss)
		if r <= eps || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("column %d norm %e: %w", j, r, ErrDegenerate)
		}
		norms[j] = r
		for i := j; i < d; i++ {
			vn.Set(i, j, vn.At(i, j)/r)
		}
	}
	return nil
}

// reflectionInto builds into h the d×d Householder reflection that zeroes
// the entries of column k of vn below index k, with the trailing block
// scaled by -sign(pivot). The pivot sign treats zero as positive.
func reflectionInto(h *mat.Dense, vn *mat.Dense, k int, colVec *mat.VecDense, eps float64) error {
	d, _ := vn.Dims()
	col := colVec.RawVector().Data
	for i := 0; i < d; i++ {
		col[i] = vn.At(i, k)
	}

	sgn := 1.0
	if col[k] < 0 {
		sgn = -1.0
	}
	col[k] += sgn

	dot := 0.0
	for i := k; i < d; i++ {
		dot += col[i] * col[i]
	}
	if dot <= eps {
		return fmt.Errorf("reflection vector for column %d has self-dot-product %e: %w", k, dot, ErrDegenerate)
	}

	// H = I - 2/(v·v) v vᵀ
	h.Outer(-2.0/dot, colVec, colVec)
	for i := 0; i < d; i++ {
		h.Set(i, i, h.At(i, i)+1.0)
	}

	// Replace the trailing block H[k:, k:] with -sgn·H[k:, k:].
	for i := k; i < d; i++ {
		for j := k; j < d; j++ {
			h.Set(i, j, -sgn*h.At(i, j))
		}
	}

	return nil
}

// accumulateReflections composes the q reflections in reverse column order:
// P_0 = I, P_s = H_s · P_{s-1} with H_s built from column q-s of vn. The
// left-to-right multiplication order is significant and must stay
// sequential. The final product is left in ws.p.
func accumulateReflections(ws *Workspace, eps float64) error {
	identityInto(ws.p)
	for step := 1; step <= ws.q; step++ {
		k := ws.q - step
		if err := reflectionInto(ws.h, ws.vn, k, ws.colVec, eps); err != nil {
			return err
		}
		ws.tmp.Mul(ws.h, ws.p)
		ws.p.Copy(ws.tmp)
	}
	return nil
}

// identityInto sets dst to the identity matrix.
func identityInto(dst *mat.Dense) {
	dst.Zero()
	n, _ := dst.Dims()
	for i := 0; i < n; i++ {
		dst.Set(i, i, 1.0)
	}
}

// OrthonormalityError returns the maximum absolute deviation of UᵀU from the
// identity, a cheap diagnostic for how orthonormal the columns of u are.
// Well-conditioned inputs stay below 1e-6.
func OrthonormalityError(u mat.Matrix) float64 {
	var gram mat.Dense
	gram.Mul(u.T(), u)

	q, _ := gram.Dims()
	maxDev := 0.0
	for i := 0; i < q; i++ {
		for j := 0; j < q; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			dev := math.Abs(gram.At(i, j) - want)
			if dev > maxDev {
				maxDev = dev
			}
		}
	}
	return maxDev
}
