// Package rprop trains multilayer perceptrons with resilient
// backpropagation: each weight carries its own step size that grows while
// the partial derivative keeps its sign and shrinks when it flips.
// Riedmiller and Braun, "A Direct Adaptive Method for Faster
// Backpropagation Learning: The RPROP Algorithm", ICNN 1993.
package rprop

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Default RProp constants.
const (
	defaultEtaMinus  = 0.5  // step shrink factor on derivative sign flip
	defaultEtaPlus   = 1.2  // step growth factor while the sign holds
	defaultDeltaZero = 0.1  // initial per-weight step
	defaultDeltaMin  = 1e-6 // smallest step
	defaultDeltaMax  = 50.0 // largest step
)

// Network is a fully connected perceptron with tanh activations on every
// layer. Weights[l] maps layer l to layer l+1 and has one row per output
// unit; Biases[l] holds the output units' biases.
type Network struct {
	sizes   []int
	Weights []*mat.Dense    // layer l: sizes[l+1] x sizes[l]
	Biases  []*mat.VecDense // layer l: sizes[l+1]
}

// NewNetwork creates a network with the given layer sizes, the first entry
// being the input width and the last the output width. Weights and biases
// are drawn uniformly from [-0.1, 0.1] using the seed, so identical seeds
// build identical networks.
func NewNetwork(sizes []int, seed int64) (*Network, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("network must have at least 2 layers, got %d", len(sizes))
	}
	for i, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("layer %d size must be positive, got %d", i, s)
		}
	}

	n := &Network{
		sizes:   append([]int(nil), sizes...),
		Weights: make([]*mat.Dense, len(sizes)-1),
		Biases:  make([]*mat.VecDense, len(sizes)-1),
	}

	rng := rand.New(rand.NewSource(seed))
	for l := range n.Weights {
		w := mat.NewDense(sizes[l+1], sizes[l], nil)
		raw := w.RawMatrix()
		for i := range raw.Data {
			raw.Data[i] = rng.Float64()*0.2 - 0.1
		}
		n.Weights[l] = w

		b := mat.NewVecDense(sizes[l+1], nil)
		bd := b.RawVector().Data
		for i := range bd {
			bd[i] = rng.Float64()*0.2 - 0.1
		}
		n.Biases[l] = b
	}
	return n, nil
}

// Sizes returns a copy of the layer sizes.
func (n *Network) Sizes() []int {
	return append([]int(nil), n.sizes...)
}

// Forward runs one observation through the network and returns the output
// activations.
func (n *Network) Forward(x []float64) ([]float64, error) {
	if len(x) != n.sizes[0] {
		return nil, fmt.Errorf("input must have %d features, got %d", n.sizes[0], len(x))
	}

	cur := append([]float64(nil), x...)
	for l, w := range n.Weights {
		raw := w.RawMatrix()
		bias := n.Biases[l].RawVector().Data
		next := make([]float64, n.sizes[l+1])
		for i := range next {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			s := bias[i]
			for j, xv := range cur {
				s += row[j] * xv
			}
			next[i] = math.Tanh(s)
		}
		cur = next
	}
	return cur, nil
}

// Trainer runs full-batch RProp iterations on a network. Step sizes and
// stored derivatives persist across Train calls; Reset restores them. The
// trainer is single-threaded and tied to one batch size.
type Trainer struct {
	net       *Network
	batchSize int

	etaMinus    float64
	etaPlus     float64
	deltaZero   float64
	deltaMin    float64
	deltaMax    float64
	trainBiases bool

	// Per-parameter step sizes and previous derivatives
	deltaW []*mat.Dense
	prevW  []*mat.Dense
	deltaB []*mat.VecDense
	prevB  []*mat.VecDense

	// Forward/backward scratch, one matrix per layer (batch x units).
	// acts[0] aliases the Train input.
	acts   []*mat.Dense
	errs   []*mat.Dense
	derivW []*mat.Dense
	derivB []*mat.VecDense
}

// Option defines a functional option for configuring a Trainer
type Option func(*Trainer)

// WithEtaMinus sets the step shrink factor applied on a sign flip
func WithEtaMinus(eta float64) Option {
	return func(t *Trainer) {
		t.etaMinus = eta
	}
}

// WithEtaPlus sets the step growth factor applied while the sign holds
func WithEtaPlus(eta float64) Option {
	return func(t *Trainer) {
		t.etaPlus = eta
	}
}

// WithDeltaZero sets the initial per-weight step size
func WithDeltaZero(delta float64) Option {
	return func(t *Trainer) {
		t.deltaZero = delta
	}
}

// WithDeltaMin sets the smallest step size
func WithDeltaMin(delta float64) Option {
	return func(t *Trainer) {
		t.deltaMin = delta
	}
}

// WithDeltaMax sets the largest step size
func WithDeltaMax(delta float64) Option {
	return func(t *Trainer) {
		t.deltaMax = delta
	}
}

// WithBiasTraining toggles the bias update (default on)
func WithBiasTraining(train bool) Option {
	return func(t *Trainer) {
		t.trainBiases = train
	}
}

// NewTrainer creates an RProp trainer bound to net and a fixed batch size.
func NewTrainer(net *Network, batchSize int, options ...Option) (*Trainer, error) {
	if net == nil {
		return nil, fmt.Errorf("network is nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	t := &Trainer{
		net:         net,
		batchSize:   batchSize,
		etaMinus:    defaultEtaMinus,
		etaPlus:     defaultEtaPlus,
		deltaZero:   defaultDeltaZero,
		deltaMin:    defaultDeltaMin,
		deltaMax:    defaultDeltaMax,
		trainBiases: true,
	}

	for _, opt := range options {
		opt(t)
	}

	layers := len(net.Weights)
	t.deltaW = make([]*mat.Dense, layers)
	t.prevW = make([]*mat.Dense, layers)
	t.deltaB = make([]*mat.VecDense, layers)
	t.prevB = make([]*mat.VecDense, layers)
	t.acts = make([]*mat.Dense, layers+1)
	t.errs = make([]*mat.Dense, layers)
	t.derivW = make([]*mat.Dense, layers)
	t.derivB = make([]*mat.VecDense, layers)
	for l := 0; l < layers; l++ {
		out, in := net.sizes[l+1], net.sizes[l]
		t.deltaW[l] = mat.NewDense(out, in, nil)
		t.prevW[l] = mat.NewDense(out, in, nil)
		t.deltaB[l] = mat.NewVecDense(out, nil)
		t.prevB[l] = mat.NewVecDense(out, nil)
		t.acts[l+1] = mat.NewDense(batchSize, out, nil)
		t.errs[l] = mat.NewDense(batchSize, out, nil)
		t.derivW[l] = mat.NewDense(out, in, nil)
		t.derivB[l] = mat.NewVecDense(out, nil)
	}
	t.Reset()
	return t, nil
}

// Reset restores every step size to deltaZero and clears the stored
// derivatives, as if no Train call had happened.
func (t *Trainer) Reset() {
	for l := range t.deltaW {
		fill(t.deltaW[l].RawMatrix().Data, t.deltaZero)
		fill(t.prevW[l].RawMatrix().Data, 0)
		fill(t.deltaB[l].RawVector().Data, t.deltaZero)
		fill(t.prevB[l].RawVector().Data, 0)
	}
}

// Train performs one full-batch RProp iteration: a forward pass over the
// batch, backward error propagation through the tanh derivatives, then the
// sign-switch update of every weight and bias. input and target carry one
// observation per row and must match the trainer's batch size and the
// network's input and output widths.
func (t *Trainer) Train(input, target *mat.Dense) error {
	layers := len(t.net.Weights)
	ir, ic := input.Dims()
	if ir != t.batchSize || ic != t.net.sizes[0] {
		return fmt.Errorf("input must be %d x %d, got %d x %d", t.batchSize, t.net.sizes[0], ir, ic)
	}
	tr, tc := target.Dims()
	if tr != t.batchSize || tc != t.net.sizes[layers] {
		return fmt.Errorf("target must be %d x %d, got %d x %d", t.batchSize, t.net.sizes[layers], tr, tc)
	}

	// Forward pass
	t.acts[0] = input
	for l := 0; l < layers; l++ {
		out := t.acts[l+1]
		out.Mul(t.acts[l], t.net.Weights[l].T())
		raw := out.RawMatrix()
		bias := t.net.Biases[l].RawVector().Data
		for r := 0; r < raw.Rows; r++ {
			row := raw.Data[r*raw.Stride : r*raw.Stride+raw.Cols]
			for j := range row {
				row[j] = math.Tanh(row[j] + bias[j])
			}
		}
	}

	// Output error, scaled by the batch size
	last := t.errs[layers-1]
	last.Sub(t.acts[layers], target)
	scaleByTanhDeriv(last, t.acts[layers], 1.0/float64(t.batchSize))

	// Backpropagate through the hidden layers
	for l := layers - 1; l >= 1; l-- {
		e := t.errs[l-1]
		e.Mul(t.errs[l], t.net.Weights[l])
		scaleByTanhDeriv(e, t.acts[l], 1.0)
	}

	// Derivatives: weight gradients from the layer inputs, bias gradients
	// as error column sums
	for l := 0; l < layers; l++ {
		t.derivW[l].Mul(t.errs[l].T(), t.acts[l])

		db := t.derivB[l].RawVector().Data
		fill(db, 0)
		eraw := t.errs[l].RawMatrix()
		for r := 0; r < eraw.Rows; r++ {
			row := eraw.Data[r*eraw.Stride : r*eraw.Stride+eraw.Cols]
			for j, v := range row {
				db[j] += v
			}
		}
	}

	// Sign-switch updates
	for l := 0; l < layers; l++ {
		t.rpropStep(
			t.net.Weights[l].RawMatrix().Data,
			t.derivW[l].RawMatrix().Data,
			t.deltaW[l].RawMatrix().Data,
			t.prevW[l].RawMatrix().Data,
		)
		if t.trainBiases {
			t.rpropStep(
				t.net.Biases[l].RawVector().Data,
				t.derivB[l].RawVector().Data,
				t.deltaB[l].RawVector().Data,
				t.prevB[l].RawVector().Data,
			)
		}
	}
	return nil
}

// rpropStep applies the per-parameter update: a held derivative sign grows
// the step and applies it, a flipped sign shrinks the step and skips the
// move for one iteration, a zero product applies the current step as is.
func (t *Trainer) rpropStep(param, deriv, delta, prev []float64) {
	for i, d := range deriv {
		switch s := sign(d * prev[i]); {
		case s > 0:
			delta[i] = math.Min(delta[i]*t.etaPlus, t.deltaMax)
			param[i] -= sign(d) * delta[i]
			prev[i] = d
		case s < 0:
			delta[i] = math.Max(delta[i]*t.etaMinus, t.deltaMin)
			prev[i] = 0
		default:
			param[i] -= sign(d) * delta[i]
			prev[i] = d
		}
	}
}

// scaleByTanhDeriv multiplies e elementwise by scale*(1 - y^2), y taken
// from the matching activation matrix.
func scaleByTanhDeriv(e, act *mat.Dense, scale float64) {
	eraw := e.RawMatrix()
	araw := act.RawMatrix()
	for r := 0; r < eraw.Rows; r++ {
		erow := eraw.Data[r*eraw.Stride : r*eraw.Stride+eraw.Cols]
		arow := araw.Data[r*araw.Stride : r*araw.Stride+eraw.Cols]
		for j := range erow {
			y := arow[j]
			erow[j] *= scale * (1 - y*y)
		}
	}
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func fill(s []float64, v float64) {
	for i := range s {
		s[i] = v
	}
}
