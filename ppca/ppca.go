package ppca

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-householder-pca/householder"
)

// Model is the probabilistic-PCA-facing layer over the Householder basis
// constructor. It turns a flat vector of unconstrained reals plus a vector
// of positive scales into a factor-loading matrix, and computes the
// log-density adjustment that keeps sampling on the reparameterized space
// statistically valid.
//
// The scale vector follows an ascending order convention: sigma[0] is the
// smallest scale. The adjustment formulas index sigma in reverse; that
// indexing is transcribed literally from the reference parameterization and
// must not be "fixed" without re-deriving the volume element.
//
// A Model carries no mutable state: every method recomputes its result from
// the inputs, so concurrent calls with independent workspaces are safe. This
// matters because a sampler may evaluate many parameter vectors in parallel
// chains, and the result must depend only on the inputs.
type Model struct {
	d, q  int
	basis *householder.Basis
}

// Option defines a functional option for configuring a Model
type Option func(*modelConfig)

type modelConfig struct {
	eps float64
}

// WithEpsilon sets the degeneracy norm floor forwarded to the underlying
// basis constructor. Default is 1e-12.
func WithEpsilon(eps float64) Option {
	return func(c *modelConfig) {
		c.eps = eps
	}
}

// NewModel creates a d-observed, q-latent probabilistic PCA transform.
// Requires 1 <= q <= d.
func NewModel(d, q int, options ...Option) (*Model, error) {
	cfg := modelConfig{eps: 1e-12}
	for _, opt := range options {
		opt(&cfg)
	}

	basis, err := householder.New(d, q, householder.WithEpsilon(cfg.eps))
	if err != nil {
		return nil, err
	}

	return &Model{d: d, q: q, basis: basis}, nil
}

// Dims returns the model dimensions (d observed, q latent).
func (m *Model) Dims() (d, q int) {
	return m.d, m.q
}

// ParamLen returns the expected length of the flat parameter vector.
func (m *Model) ParamLen() int {
	return m.basis.ParamLen()
}

// NewWorkspace allocates scratch for TransformWith and LoadingsWith calls on
// this model. One workspace per goroutine.
func (m *Model) NewWorkspace() *householder.Workspace {
	return householder.NewWorkspace(m.d, m.q)
}

// Transform is the sampler-facing boundary: given the flat parameter vector
// v and the positive scale vector sigma, it returns the d×q orthonormal
// basis U and the total log-density adjustment to add to the model's
// log-probability. Inputs are validated before any numerical work.
func (m *Model) Transform(v, sigma []float64) (*mat.Dense, float64, error) {
	return m.TransformWith(m.NewWorkspace(), v, sigma)
}

// TransformWith is Transform with caller-owned scratch.
func (m *Model) TransformWith(ws *householder.Workspace, v, sigma []float64) (*mat.Dense, float64, error) {
	if err := m.validateScales(sigma); err != nil {
		return nil, 0, err
	}

	u, norms, err := m.basis.OrthonormalWith(ws, v)
	if err != nil {
		return nil, 0, err
	}

	return u, LogDensityAdjustment(m.d, norms, sigma), nil
}

// Loadings returns the factor-loading matrix W = U·diag(sigma). It is
// derived state, recomputed on every call and never cached.
func (m *Model) Loadings(v, sigma []float64) (*mat.Dense, error) {
	return m.LoadingsWith(m.NewWorkspace(), v, sigma)
}

// LoadingsWith is Loadings with caller-owned scratch.
func (m *Model) LoadingsWith(ws *householder.Workspace, v, sigma []float64) (*mat.Dense, error) {
	if err := m.validateScales(sigma); err != nil {
		return nil, err
	}

	u, _, err := m.basis.OrthonormalWith(ws, v)
	if err != nil {
		return nil, err
	}

	w := mat.NewDense(m.d, m.q, nil)
	w.Mul(u, mat.NewDiagDense(m.q, sigma))
	return w, nil
}

func (m *Model) validateScales(sigma []float64) error {
	if len(sigma) != m.q {
		return fmt.Errorf("scale vector length %d, want %d: %w",
			len(sigma), m.q, householder.ErrShapeMismatch)
	}
	for i, s := range sigma {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("scale %d = %v, want positive finite: %w",
				i, s, householder.ErrDegenerate)
		}
	}
	return nil
}

// LogDensityAdjustment computes the change-of-variables corrections for the
// reparameterization from unconstrained parameters to the orthonormal
// manifold: the Jacobian of the column normalization (norms are the
// pre-normalization column norms of V), the density of the ordered
// positive-scale prior, the Stiefel volume element, and the half-open scale
// transform. The sum is added to the joint log-probability by the caller; it
// does not affect the basis itself.
func LogDensityAdjustment(d int, norms, sigma []float64) float64 {
	q := len(sigma)
	adj := 0.0

	// Jacobian of normalizing column j+1 of V to unit length.
	for j, r := range norms {
		adj -= math.Log(r) * float64(d-j-1)
	}

	// Ordered positive-scale prior density.
	sumSq, sumLog := 0.0, 0.0
	for _, s := range sigma {
		sumSq += s * s
		sumLog += math.Log(s)
	}
	adj += -0.5*sumSq + float64(d-q-1)*sumLog

	// Stiefel volume element over column pairs. The reversed sigma indexing
	// is deliberate; see the Model doc comment.
	for qi := 1; qi < q; qi++ {
		for qj := qi + 1; qj <= q; qj++ {
			si := sigma[q-qi]
			sj := sigma[q-qj]
			adj += math.Log(si*si) - sj*sj
		}
	}

	// Half-open scale transform.
	for _, s := range sigma {
		adj += math.Log(2 * s)
	}

	return adj
}
