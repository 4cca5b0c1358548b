package gmm

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// Gob state versions, bumped on incompatible layout changes.
const (
	modelStateVersion = 1
	statsStateVersion = 1
)

// modelState is the serializable wire form of a Model.
type modelState struct {
	Version   int
	K         int
	D         int
	Floor     float64
	Weights   []float64
	Means     []float64 // row-major (K x D)
	Variances []float64 // row-major (K x D)
}

// statsState is the serializable wire form of a Stats accumulator.
type statsState struct {
	Version       int
	K             int
	D             int
	LogLikelihood float64
	T             float64
	N             []float64
	SumPx         []float64 // row-major (K x D)
	SumPxx        []float64 // row-major (K x D)
}

// Save writes the model parameters to w in gob format.
func (m *Model) Save(w io.Writer) error {
	state := modelState{
		Version:   modelStateVersion,
		K:         m.k,
		D:         m.d,
		Floor:     m.floor,
		Weights:   append([]float64(nil), m.Weights.RawVector().Data...),
		Means:     flatten(m.Means),
		Variances: flatten(m.Variances),
	}
	return gob.NewEncoder(w).Encode(state)
}

// Load reads a model previously written by Save and rebuilds its caches.
func Load(r io.Reader) (*Model, error) {
	var state modelState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != modelStateVersion {
		return nil, errors.New("unsupported gob version")
	}
	if state.K <= 0 || state.D <= 0 {
		return nil, fmt.Errorf("invalid model dimensions (%d, %d)", state.K, state.D)
	}
	if len(state.Weights) != state.K ||
		len(state.Means) != state.K*state.D ||
		len(state.Variances) != state.K*state.D {
		return nil, errors.New("model state is corrupted: parameter lengths do not match dimensions")
	}

	m, err := NewModel(state.K, state.D, WithVarianceFloor(state.Floor))
	if err != nil {
		return nil, err
	}
	copy(m.Weights.RawVector().Data, state.Weights)
	copy(m.Means.RawMatrix().Data, state.Means)
	copy(m.Variances.RawMatrix().Data, state.Variances)
	m.Precompute()
	return m, nil
}

// Save writes the accumulator to w in gob format.
func (s *Stats) Save(w io.Writer) error {
	state := statsState{
		Version:       statsStateVersion,
		K:             s.k,
		D:             s.d,
		LogLikelihood: s.LogLikelihood,
		T:             s.T,
		N:             append([]float64(nil), s.N.RawVector().Data...),
		SumPx:         flatten(s.SumPx),
		SumPxx:        flatten(s.SumPxx),
	}
	return gob.NewEncoder(w).Encode(state)
}

// LoadStats reads an accumulator previously written by Stats.Save.
func LoadStats(r io.Reader) (*Stats, error) {
	var state statsState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != statsStateVersion {
		return nil, errors.New("unsupported gob version")
	}
	if state.K <= 0 || state.D <= 0 {
		return nil, fmt.Errorf("invalid statistics dimensions (%d, %d)", state.K, state.D)
	}
	if len(state.N) != state.K ||
		len(state.SumPx) != state.K*state.D ||
		len(state.SumPxx) != state.K*state.D {
		return nil, errors.New("statistics state is corrupted: accumulator lengths do not match dimensions")
	}

	s, err := NewStats(state.K, state.D)
	if err != nil {
		return nil, err
	}
	s.LogLikelihood = state.LogLikelihood
	s.T = state.T
	copy(s.N.RawVector().Data, state.N)
	copy(s.SumPx.RawMatrix().Data, state.SumPx)
	copy(s.SumPxx.RawMatrix().Data, state.SumPxx)
	return s, nil
}

// flatten copies a dense matrix into a contiguous row-major slice.
func flatten(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return append([]float64(nil), raw.Data...)
	}
	out := make([]float64, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		copy(out[i*raw.Cols:(i+1)*raw.Cols], raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols])
	}
	return out
}
