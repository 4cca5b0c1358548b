package gmm

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Stats holds the sufficient statistics of one accumulation pass: soft
// occupancy counts and first/second moments of the data under a fixed
// mixture. One M-step consumes exactly these quantities, never the raw
// observations.
type Stats struct {
	LogLikelihood float64       // total log density of the accumulated data
	T             float64       // total occupancy, the sum of N over components
	N             *mat.VecDense // per-component occupancy n_k (K)
	SumPx         *mat.Dense    // first moments sum_t r_tk * x_td (K x D)
	SumPxx        *mat.Dense    // second moments sum_t r_tk * x_td^2 (K x D)

	k, d int
	post []float64 // responsibility scratch (K)
}

// NewStats creates a zeroed accumulator for k components over d dimensions.
func NewStats(k, d int) (*Stats, error) {
	if k <= 0 {
		return nil, fmt.Errorf("number of components must be positive, got %d", k)
	}
	if d <= 0 {
		return nil, fmt.Errorf("feature dimension must be positive, got %d", d)
	}
	s := &Stats{}
	s.Resize(k, d)
	return s, nil
}

// K returns the number of components.
func (s *Stats) K() int { return s.k }

// D returns the feature dimension.
func (s *Stats) D() int { return s.d }

// Resize reshapes the accumulator to (k, d) and zeroes all contents, whether
// or not the shape changed. Previous accumulations are always discarded.
func (s *Stats) Resize(k, d int) {
	if k != s.k || d != s.d {
		s.N = mat.NewVecDense(k, nil)
		s.SumPx = mat.NewDense(k, d, nil)
		s.SumPxx = mat.NewDense(k, d, nil)
		s.post = make([]float64, k)
		s.k, s.d = k, d
	}
	s.Reset()
}

// Reset zeroes the accumulator in place, keeping its shape.
func (s *Stats) Reset() {
	s.LogLikelihood = 0
	s.T = 0
	s.N.Zero()
	s.SumPx.Zero()
	s.SumPxx.Zero()
}

// Accumulate runs one E-step pass over the rows of data against m, adding
// responsibilities and moments into the accumulator. The accumulator is not
// reset first, so successive calls merge additional data.
func (s *Stats) Accumulate(m *Model, data *mat.Dense) error {
	if m.k != s.k || m.d != s.d {
		return fmt.Errorf("statistics dimensions (%d, %d) do not match model (%d, %d)", s.k, s.d, m.k, m.d)
	}
	rows, cols := data.Dims()
	if cols != s.d {
		return fmt.Errorf("feature dimension %d does not match model dimension %d", cols, s.d)
	}

	raw := data.RawMatrix()
	n := s.N.RawVector().Data
	px := s.SumPx.RawMatrix()
	pxx := s.SumPxx.RawMatrix()
	for r := 0; r < rows; r++ {
		x := raw.Data[r*raw.Stride : r*raw.Stride+cols]
		s.LogLikelihood += m.Posteriors(x, s.post)
		s.T++
		for i, p := range s.post {
			n[i] += p
			pxRow := px.Data[i*px.Stride : i*px.Stride+cols]
			pxxRow := pxx.Data[i*pxx.Stride : i*pxx.Stride+cols]
			for j, xv := range x {
				pxRow[j] += p * xv
				pxxRow[j] += p * xv * xv
			}
		}
	}
	return nil
}

// AccumulateParallel shards the rows of data across workers, accumulating
// into private partial statistics that are merged into s afterwards. The
// result matches a serial Accumulate up to floating-point summation order.
func (s *Stats) AccumulateParallel(m *Model, data *mat.Dense, workers int) error {
	if m.k != s.k || m.d != s.d {
		return fmt.Errorf("statistics dimensions (%d, %d) do not match model (%d, %d)", s.k, s.d, m.k, m.d)
	}
	rows, cols := data.Dims()
	if cols != s.d {
		return fmt.Errorf("feature dimension %d does not match model dimension %d", cols, s.d)
	}
	if workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if workers > rows {
		workers = rows
	}
	if workers <= 1 {
		return s.Accumulate(m, data)
	}

	partials := make([]*Stats, workers)
	errs := make([]error, workers)
	chunk := (rows + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > rows {
			hi = rows
		}
		if lo >= hi {
			break
		}
		part, err := NewStats(s.k, s.d)
		if err != nil {
			return err
		}
		partials[w] = part

		wg.Add(1)
		go func(w int, part *Stats, lo, hi int) {
			defer wg.Done()
			errs[w] = part.Accumulate(m, data.Slice(lo, hi, 0, cols).(*mat.Dense))
		}(w, part, lo, hi)
	}
	wg.Wait()

	for w, part := range partials {
		if part == nil {
			continue
		}
		if errs[w] != nil {
			return errs[w]
		}
		if err := s.Merge(part); err != nil {
			return err
		}
	}
	return nil
}

// Merge adds the contents of o into s. Both accumulators must have the same
// shape; merging partials from sharded passes is equivalent to a single
// accumulation over the union of their data.
func (s *Stats) Merge(o *Stats) error {
	if o == nil {
		return errors.New("cannot merge nil statistics")
	}
	if o.k != s.k || o.d != s.d {
		return fmt.Errorf("cannot merge statistics of shape (%d, %d) into (%d, %d)", o.k, o.d, s.k, s.d)
	}

	s.LogLikelihood += o.LogLikelihood
	s.T += o.T
	s.N.AddVec(s.N, o.N)
	s.SumPx.Add(s.SumPx, o.SumPx)
	s.SumPxx.Add(s.SumPxx, o.SumPxx)
	return nil
}
