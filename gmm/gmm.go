// Package gmm provides diagonal-covariance Gaussian mixture models and the
// sufficient statistics used to estimate and adapt them. Models and
// statistics are plain single-threaded values; the only concurrent entry
// point is Stats.AccumulateParallel, which shards work over private partial
// accumulators.
package gmm

import (
	"errors"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// log(2*pi)
const log2Pi = 1.8378770664093454

// weightSumTol is the tolerance on the unit-sum weight invariant in Validate.
const weightSumTol = 1e-6

// Model is a Gaussian mixture with diagonal covariances. The parameter
// fields are exported for direct numerical access; after mutating any of
// them, call Precompute to refresh the derived caches before scoring.
type Model struct {
	Weights   *mat.VecDense // mixture weights (K)
	Means     *mat.Dense    // component means (K x D)
	Variances *mat.Dense    // diagonal variances (K x D)

	k, d  int
	floor float64 // minimum variance enforced by Precompute, 0 disables

	// Derived caches, rebuilt by Precompute
	logWeights []float64  // log mixture weights (K)
	invVar     *mat.Dense // elementwise 1/variance (K x D)
	logConst   []float64  // Gaussian log-normalization constants (K)
	lpBuf      []float64  // scratch for LogProb (K)
}

// Option defines a functional option for configuring a Model
type Option func(*Model)

// WithVarianceFloor sets the minimum variance enforced whenever the caches
// are recomputed; zero disables flooring
func WithVarianceFloor(floor float64) Option {
	return func(m *Model) {
		m.floor = floor
	}
}

// NewModel creates a mixture of k components over d-dimensional features,
// initialized with uniform weights, zero means and unit variances.
func NewModel(k, d int, options ...Option) (*Model, error) {
	if k <= 0 {
		return nil, fmt.Errorf("number of components must be positive, got %d", k)
	}
	if d <= 0 {
		return nil, fmt.Errorf("feature dimension must be positive, got %d", d)
	}

	m := &Model{
		Weights:    mat.NewVecDense(k, nil),
		Means:      mat.NewDense(k, d, nil),
		Variances:  mat.NewDense(k, d, nil),
		k:          k,
		d:          d,
		logWeights: make([]float64, k),
		invVar:     mat.NewDense(k, d, nil),
		logConst:   make([]float64, k),
		lpBuf:      make([]float64, k),
	}

	for _, opt := range options {
		opt(m)
	}

	for i := 0; i < k; i++ {
		m.Weights.SetVec(i, 1.0/float64(k))
		for j := 0; j < d; j++ {
			m.Variances.Set(i, j, 1.0)
		}
	}

	m.Precompute()
	return m, nil
}

// K returns the number of mixture components.
func (m *Model) K() int { return m.k }

// D returns the feature dimension.
func (m *Model) D() int { return m.d }

// VarianceFloor returns the configured minimum variance (0 when disabled).
func (m *Model) VarianceFloor() float64 { return m.floor }

// Precompute rebuilds the log-weight, inverse-variance and normalization
// caches from the current parameters. A non-zero variance floor is applied
// to the stored variances first. Must be called after any direct parameter
// mutation; NewModel, CopyFrom and Load call it internally.
func (m *Model) Precompute() {
	vr := m.Variances.RawMatrix()
	iv := m.invVar.RawMatrix()
	for i := 0; i < m.k; i++ {
		w := m.Weights.AtVec(i)
		if w > 0 {
			m.logWeights[i] = math.Log(w)
		} else {
			m.logWeights[i] = math.Inf(-1)
		}

		vRow := vr.Data[i*vr.Stride : i*vr.Stride+m.d]
		ivRow := iv.Data[i*iv.Stride : i*iv.Stride+m.d]
		sumLog := 0.0
		for j, v := range vRow {
			if m.floor > 0 && v < m.floor {
				v = m.floor
				vRow[j] = v
			}
			sumLog += math.Log(v)
			ivRow[j] = 1.0 / v
		}
		m.logConst[i] = -0.5 * (float64(m.d)*log2Pi + sumLog)
	}
}

// logJoint writes log(w_i * N(x; mean_i, var_i)) for every component into
// dst. len(x) must be D and len(dst) must be K.
func (m *Model) logJoint(x, dst []float64) {
	mr := m.Means.RawMatrix()
	iv := m.invVar.RawMatrix()
	for i := 0; i < m.k; i++ {
		mean := mr.Data[i*mr.Stride : i*mr.Stride+m.d]
		ivRow := iv.Data[i*iv.Stride : i*iv.Stride+m.d]
		q := 0.0
		for j := 0; j < m.d; j++ {
			diff := x[j] - mean[j]
			q += diff * diff * ivRow[j]
		}
		dst[i] = m.logWeights[i] + m.logConst[i] - 0.5*q
	}
}

// LogProb returns the log density of one observation under the mixture.
// It reuses an internal buffer; for concurrent scoring use Posteriors with
// caller-owned storage.
func (m *Model) LogProb(x []float64) float64 {
	m.logJoint(x, m.lpBuf)
	return floats.LogSumExp(m.lpBuf)
}

// Posteriors fills dst with the per-component responsibilities of x and
// returns the observation log density. len(dst) must be K.
func (m *Model) Posteriors(x, dst []float64) float64 {
	m.logJoint(x, dst)
	total := floats.LogSumExp(dst)
	for i, lp := range dst {
		dst[i] = math.Exp(lp - total)
	}
	return total
}

// MeanLogLikelihood returns the average log density over the rows of data.
func (m *Model) MeanLogLikelihood(data *mat.Dense) (float64, error) {
	rows, cols := data.Dims()
	if rows == 0 {
		return 0, errors.New("empty dataset")
	}
	if cols != m.d {
		return 0, fmt.Errorf("feature dimension %d does not match model dimension %d", cols, m.d)
	}

	raw := data.RawMatrix()
	total := 0.0
	for r := 0; r < rows; r++ {
		total += m.LogProb(raw.Data[r*raw.Stride : r*raw.Stride+m.d])
	}
	return total / float64(rows), nil
}

// CopyFrom copies the parameters of src into m and refreshes the caches.
// The variance floor of m is kept, not the one of src.
func (m *Model) CopyFrom(src *Model) error {
	if src == nil {
		return errors.New("source model is nil")
	}
	if src.k != m.k || src.d != m.d {
		return fmt.Errorf("model dimensions (%d, %d) do not match source (%d, %d)", m.k, m.d, src.k, src.d)
	}

	m.Weights.CopyVec(src.Weights)
	m.Means.Copy(src.Means)
	m.Variances.Copy(src.Variances)
	m.Precompute()
	return nil
}

// Clone returns a deep copy of the model, including its variance floor.
func (m *Model) Clone() *Model {
	c, err := NewModel(m.k, m.d, WithVarianceFloor(m.floor))
	if err != nil {
		// dimensions of an existing model are always valid
		panic(err)
	}
	if err := c.CopyFrom(m); err != nil {
		panic(err)
	}
	return c
}

// Validate checks the mixture invariants and reports every violation found:
// finite parameters, non-negative weights summing to one, strictly positive
// variances.
func (m *Model) Validate() error {
	var result *multierror.Error

	sum := 0.0
	for i := 0; i < m.k; i++ {
		w := m.Weights.AtVec(i)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			result = multierror.Append(result, fmt.Errorf("weight %d is not finite: %v", i, w))
			continue
		}
		if w < 0 {
			result = multierror.Append(result, fmt.Errorf("weight %d is negative: %v", i, w))
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTol {
		result = multierror.Append(result, fmt.Errorf("weights sum to %v, want 1", sum))
	}

	for i := 0; i < m.k; i++ {
		for j := 0; j < m.d; j++ {
			mu := m.Means.At(i, j)
			if math.IsNaN(mu) || math.IsInf(mu, 0) {
				result = multierror.Append(result, fmt.Errorf("mean (%d, %d) is not finite: %v", i, j, mu))
			}
			v := m.Variances.At(i, j)
			if !(v > 0) || math.IsInf(v, 0) {
				result = multierror.Append(result, fmt.Errorf("variance (%d, %d) is not positive and finite: %v", i, j, v))
			}
		}
	}

	return result.ErrorOrNil()
}
