// Package mapadapt adapts a Gaussian mixture model toward observed data by
// maximum-a-posteriori estimation: each component blends its
// maximum-likelihood statistics with a prior model (the universal background
// model) through a per-component adaptation coefficient.
// Reynolds et al., "Speaker Verification Using Adapted Gaussian Mixture
// Models", Digital Signal Processing, 2000.
package mapadapt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/speakerlab/go-gmm-adapt/gmm"
)

// defaultResponsibilityThreshold is machine epsilon: components whose
// occupancy falls below it keep the prior parameters.
const defaultResponsibilityThreshold = 2.220446049250313e-16

// defaultMaxIterations bounds the Train loop when no convergence threshold
// is configured.
const defaultMaxIterations = 10

// ErrNoPrior is returned when adaptation is attempted before a prior model
// has been installed with SetPrior.
var ErrNoPrior = errors.New("no prior model set")

// errNotInitialized is returned when an adaptation step runs before
// Initialize has sized the statistics.
var errNotInitialized = errors.New("statistics not initialized")

// Trainer performs MAP adaptation of a mixture model. The prior model is a
// borrowed read-only reference; the trainer never mutates or releases it.
// All methods are single-threaded.
type Trainer struct {
	relevanceFactor float64
	updateMeans     bool
	updateVariances bool
	updateWeights   bool
	threshold       float64 // occupancy below this keeps the prior parameters

	fixedAlpha    float64 // shared coefficient for fixed-coefficient mode
	useFixedAlpha bool

	maxIterations        int
	convergenceThreshold float64
	workers              int

	prior *gmm.Model
	stats *gmm.Stats

	// Scratch buffers reused across MStep calls
	alpha []float64 // adaptation coefficients (K)
	wBuf  []float64 // blended weights before renormalization (K)
}

// Option defines a functional option for configuring a Trainer
type Option func(*Trainer)

// WithUpdateMeans toggles the mean update (default on)
func WithUpdateMeans(update bool) Option {
	return func(t *Trainer) {
		t.updateMeans = update
	}
}

// WithUpdateVariances toggles the variance update (default off)
func WithUpdateVariances(update bool) Option {
	return func(t *Trainer) {
		t.updateVariances = update
	}
}

// WithUpdateWeights toggles the weight update (default off)
func WithUpdateWeights(update bool) Option {
	return func(t *Trainer) {
		t.updateWeights = update
	}
}

// WithResponsibilityThreshold sets the minimum occupancy below which a
// component's mean and variance keep the prior values. Negative values are
// accepted but expose the division hazard described on MStep.
func WithResponsibilityThreshold(threshold float64) Option {
	return func(t *Trainer) {
		t.threshold = threshold
	}
}

// WithFixedAlpha enables fixed-coefficient adaptation: every component uses
// the given coefficient instead of the data-dependent formula
func WithFixedAlpha(alpha float64) Option {
	return func(t *Trainer) {
		t.fixedAlpha = alpha
		t.useFixedAlpha = true
	}
}

// WithMaxIterations sets the iteration budget of Train
func WithMaxIterations(n int) Option {
	return func(t *Trainer) {
		t.maxIterations = n
	}
}

// WithConvergenceThreshold sets the relative average log-likelihood change
// below which Train stops early; zero disables the check
func WithConvergenceThreshold(threshold float64) Option {
	return func(t *Trainer) {
		t.convergenceThreshold = threshold
	}
}

// WithWorkers sets the number of goroutines EStep uses to accumulate
// statistics; values below 2 keep the single-threaded pass
func WithWorkers(n int) Option {
	return func(t *Trainer) {
		t.workers = n
	}
}

// New creates a MAP adaptation trainer. The relevance factor controls how
// quickly observed occupancy dominates the prior in the data-dependent
// coefficient n_k/(n_k+r) and must be positive. By default only means are
// updated and the responsibility threshold is machine epsilon.
func New(relevanceFactor float64, options ...Option) (*Trainer, error) {
	if relevanceFactor <= 0 {
		return nil, fmt.Errorf("relevance factor must be positive, got %v", relevanceFactor)
	}

	t := &Trainer{
		relevanceFactor: relevanceFactor,
		updateMeans:     true,
		threshold:       defaultResponsibilityThreshold,
		maxIterations:   defaultMaxIterations,
	}

	for _, opt := range options {
		opt(t)
	}

	return t, nil
}

// SetPrior installs the prior model the adaptation blends toward. A nil
// prior is rejected and any previously installed prior is kept.
func (t *Trainer) SetPrior(prior *gmm.Model) error {
	if prior == nil {
		return errors.New("prior model is nil")
	}
	t.prior = prior
	return nil
}

// Prior returns the installed prior model, or nil when none is set.
func (t *Trainer) Prior() *gmm.Model {
	return t.prior
}

// Stats returns the internal statistics accumulator. It is nil until
// Initialize has run; afterwards callers may fill it directly instead of
// using EStep.
func (t *Trainer) Stats() *gmm.Stats {
	return t.stats
}

// Initialize sizes the statistics to the model's shape and copies the
// prior's weights, means and variances into model as the adaptation
// starting point. A prior must have been set.
func (t *Trainer) Initialize(model *gmm.Model) error {
	if t.prior == nil {
		return ErrNoPrior
	}
	if model.K() != t.prior.K() || model.D() != t.prior.D() {
		return fmt.Errorf("model dimensions (%d, %d) do not match prior (%d, %d)",
			model.K(), model.D(), t.prior.K(), t.prior.D())
	}

	if t.stats == nil {
		stats, err := gmm.NewStats(model.K(), model.D())
		if err != nil {
			return err
		}
		t.stats = stats
	} else {
		t.stats.Resize(model.K(), model.D())
	}

	return model.CopyFrom(t.prior)
}

// EStep zeroes the accumulator and runs one statistics pass of data against
// the current model state, sharded across workers when configured.
func (t *Trainer) EStep(model *gmm.Model, data *mat.Dense) error {
	if t.stats == nil {
		return errNotInitialized
	}
	t.stats.Reset()
	if t.workers > 1 {
		return t.stats.AccumulateParallel(model, data, t.workers)
	}
	return t.stats.Accumulate(model, data)
}

// MStep performs one MAP adaptation step, committing the enabled parameter
// updates to model from the accumulated statistics and the prior.
//
// Per component k the adaptation coefficient is either the fixed value or
// n_k/(n_k+relevanceFactor). Weights blend the maximum-likelihood weight
// n_k/T with the prior weight and are renormalized to unit sum. Means and
// variances below the responsibility threshold keep the prior values; above
// it they blend the maximum-likelihood moments with the prior. The variance
// update subtracts the square of the model's current mean, read after the
// mean update has been committed, so the two updates stay coupled however
// the flags are toggled.
//
// A zero coefficient skips the maximum-likelihood moment entirely, so
// zero-occupancy components degrade to the prior instead of evaluating 0/0.
// With a negative threshold and a non-zero fixed coefficient the division
// by zero occupancy is reachable and non-finite values are silently written
// into the model; that is a caller-configuration hazard, not a checked
// error.
func (t *Trainer) MStep(model *gmm.Model) error {
	if t.prior == nil {
		return ErrNoPrior
	}
	if t.stats == nil {
		return errNotInitialized
	}
	k, d := model.K(), model.D()
	if k != t.prior.K() || d != t.prior.D() {
		return fmt.Errorf("model dimensions (%d, %d) do not match prior (%d, %d)",
			k, d, t.prior.K(), t.prior.D())
	}
	if k != t.stats.K() || d != t.stats.D() {
		return fmt.Errorf("model dimensions (%d, %d) do not match statistics (%d, %d)",
			k, d, t.stats.K(), t.stats.D())
	}

	if cap(t.alpha) < k {
		t.alpha = make([]float64, k)
		t.wBuf = make([]float64, k)
	}
	t.alpha = t.alpha[:k]
	t.wBuf = t.wBuf[:k]

	n := t.stats.N.RawVector().Data
	if t.useFixedAlpha {
		for i := range t.alpha {
			t.alpha[i] = t.fixedAlpha
		}
	} else {
		for i, ni := range n {
			t.alpha[i] = ni / (ni + t.relevanceFactor)
		}
	}

	// Weight update: blend with the prior, then renormalize to unit sum.
	if t.updateWeights {
		priorW := t.prior.Weights.RawVector().Data
		for i, ni := range n {
			ml := ni / t.stats.T
			t.wBuf[i] = t.alpha[i]*ml + (1-t.alpha[i])*priorW[i]
		}
		gamma := floats.Sum(t.wBuf)
		for i, w := range t.wBuf {
			model.Weights.SetVec(i, w/gamma)
		}
	}

	// Mean update.
	if t.updateMeans {
		mm := model.Means.RawMatrix()
		pm := t.prior.Means.RawMatrix()
		px := t.stats.SumPx.RawMatrix()
		for i := 0; i < k; i++ {
			dst := mm.Data[i*mm.Stride : i*mm.Stride+d]
			prior := pm.Data[i*pm.Stride : i*pm.Stride+d]
			a := t.alpha[i]
			if n[i] < t.threshold || a == 0 {
				copy(dst, prior)
				continue
			}
			sum := px.Data[i*px.Stride : i*px.Stride+d]
			for j := 0; j < d; j++ {
				dst[j] = a*(sum[j]/n[i]) + (1-a)*prior[j]
			}
		}
	}

	// Variance update, against the model's current means.
	if t.updateVariances {
		mv := model.Variances.RawMatrix()
		mm := model.Means.RawMatrix()
		pv := t.prior.Variances.RawMatrix()
		pm := t.prior.Means.RawMatrix()
		pxx := t.stats.SumPxx.RawMatrix()
		for i := 0; i < k; i++ {
			dst := mv.Data[i*mv.Stride : i*mv.Stride+d]
			mean := mm.Data[i*mm.Stride : i*mm.Stride+d]
			priorV := pv.Data[i*pv.Stride : i*pv.Stride+d]
			priorM := pm.Data[i*pm.Stride : i*pm.Stride+d]
			a := t.alpha[i]
			if n[i] < t.threshold || a == 0 {
				for j := 0; j < d; j++ {
					dst[j] = priorV[j] + priorM[j] - mean[j]*mean[j]
				}
				continue
			}
			sum := pxx.Data[i*pxx.Stride : i*pxx.Stride+d]
			for j := 0; j < d; j++ {
				exx := sum[j] / n[i]
				dst[j] = a*exx + (1-a)*(priorV[j]+priorM[j]) - mean[j]*mean[j]
			}
		}
	}

	model.Precompute()
	return nil
}

// Train runs the full adaptation: initialization from the prior, one
// statistics pass, then up to the configured number of MStep/EStep rounds,
// stopping early when the relative change in average log-likelihood falls
// within the convergence threshold. It returns the final average
// log-likelihood of data under the adapted model.
func (t *Trainer) Train(model *gmm.Model, data *mat.Dense) (float64, error) {
	if err := t.Initialize(model); err != nil {
		return 0, err
	}
	if err := t.EStep(model, data); err != nil {
		return 0, err
	}

	previous := t.averageLogLikelihood()
	current := previous
	for i := 0; i < t.maxIterations; i++ {
		if err := t.MStep(model); err != nil {
			return 0, err
		}
		if err := t.EStep(model, data); err != nil {
			return 0, err
		}
		current = t.averageLogLikelihood()
		if t.convergenceThreshold > 0 &&
			math.Abs((previous-current)/previous) <= t.convergenceThreshold {
			break
		}
		previous = current
	}
	return current, nil
}

func (t *Trainer) averageLogLikelihood() float64 {
	if t.stats.T == 0 {
		return 0
	}
	return t.stats.LogLikelihood / t.stats.T
}
