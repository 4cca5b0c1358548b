package gmm

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestModelSaveLoad(t *testing.T) {
	const (
		nComponents = 3
		dim         = 4
		floor       = 0.005
		tol         = 1e-15
	)

	m, err := NewModel(nComponents, dim, WithVarianceFloor(floor))
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < nComponents; i++ {
		for j := 0; j < dim; j++ {
			m.Means.Set(i, j, rng.NormFloat64()*3)
			m.Variances.Set(i, j, 0.1+rng.Float64())
		}
	}
	m.Weights.SetVec(0, 0.2)
	m.Weights.SetVec(1, 0.5)
	m.Weights.SetVec(2, 0.3)
	m.Precompute()

	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.K() != nComponents || loaded.D() != dim {
		t.Errorf("loaded shape = (%d, %d), want (%d, %d)", loaded.K(), loaded.D(), nComponents, dim)
	}
	if loaded.VarianceFloor() != floor {
		t.Errorf("loaded floor = %v, want %v", loaded.VarianceFloor(), floor)
	}
	if !mat.EqualApprox(loaded.Weights, m.Weights, tol) {
		t.Error("weights not preserved")
	}
	if !mat.EqualApprox(loaded.Means, m.Means, tol) {
		t.Error("means not preserved")
	}
	if !mat.EqualApprox(loaded.Variances, m.Variances, tol) {
		t.Error("variances not preserved")
	}

	// The loaded model must score identically, proving the caches were rebuilt
	x := []float64{0.3, -1.2, 0.8, 2.0}
	if got, want := loaded.LogProb(x), m.LogProb(x); got != want {
		t.Errorf("loaded LogProb = %v, want %v", got, want)
	}
}

func TestModelLoadUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	state := modelState{
		Version:   99,
		K:         1,
		D:         1,
		Weights:   []float64{1},
		Means:     []float64{0},
		Variances: []float64{1},
	}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		t.Fatalf("Failed to encode state: %v", err)
	}

	if _, err := Load(&buf); err == nil || err.Error() != "unsupported gob version" {
		t.Errorf("Load error = %v, want unsupported gob version", err)
	}
}

func TestModelLoadCorrupted(t *testing.T) {
	// Truncated stream
	m, err := NewModel(2, 2)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()/2])
	if _, err := Load(truncated); err == nil {
		t.Error("Load of truncated stream should return error")
	}

	// Parameter lengths inconsistent with the declared dimensions
	bad := modelState{
		Version:   modelStateVersion,
		K:         2,
		D:         2,
		Weights:   []float64{0.5, 0.5},
		Means:     []float64{0, 0, 0}, // should be 4
		Variances: []float64{1, 1, 1, 1},
	}
	buf.Reset()
	if err := gob.NewEncoder(&buf).Encode(bad); err != nil {
		t.Fatalf("Failed to encode state: %v", err)
	}
	if _, err := Load(&buf); err == nil {
		t.Error("Load of inconsistent state should return error")
	}

	// Nonsense dimensions
	bad = modelState{Version: modelStateVersion, K: 0, D: 3}
	buf.Reset()
	if err := gob.NewEncoder(&buf).Encode(bad); err != nil {
		t.Fatalf("Failed to encode state: %v", err)
	}
	if _, err := Load(&buf); err == nil {
		t.Error("Load of zero-component state should return error")
	}
}

func TestStatsSaveLoad(t *testing.T) {
	const (
		nComponents = 2
		dim         = 3
		tol         = 1e-15
	)

	m, err := NewModel(nComponents, dim)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	rng := rand.New(rand.NewSource(11))
	data := mat.NewDense(15, dim, nil)
	for r := 0; r < 15; r++ {
		for j := 0; j < dim; j++ {
			data.Set(r, j, rng.NormFloat64())
		}
	}

	s, err := NewStats(nComponents, dim)
	if err != nil {
		t.Fatalf("Failed to create stats: %v", err)
	}
	if err := s.Accumulate(m, data); err != nil {
		t.Fatalf("Accumulate failed: %v", err)
	}

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := LoadStats(&buf)
	if err != nil {
		t.Fatalf("LoadStats failed: %v", err)
	}

	if loaded.K() != nComponents || loaded.D() != dim {
		t.Errorf("loaded shape = (%d, %d), want (%d, %d)", loaded.K(), loaded.D(), nComponents, dim)
	}
	if loaded.T != s.T || loaded.LogLikelihood != s.LogLikelihood {
		t.Errorf("scalars not preserved: T %v/%v, LL %v/%v", loaded.T, s.T, loaded.LogLikelihood, s.LogLikelihood)
	}
	if !mat.EqualApprox(loaded.N, s.N, tol) {
		t.Error("occupancies not preserved")
	}
	if !mat.EqualApprox(loaded.SumPx, s.SumPx, tol) {
		t.Error("first moments not preserved")
	}
	if !mat.EqualApprox(loaded.SumPxx, s.SumPxx, tol) {
		t.Error("second moments not preserved")
	}

	// A loaded accumulator must keep working, merging included
	if err := loaded.Merge(s); err != nil {
		t.Fatalf("Merge after load failed: %v", err)
	}
	if loaded.T != 2*s.T {
		t.Errorf("T after merge = %v, want %v", loaded.T, 2*s.T)
	}
}

func TestStatsLoadUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	state := statsState{
		Version: 42,
		K:       1,
		D:       1,
		N:       []float64{0},
		SumPx:   []float64{0},
		SumPxx:  []float64{0},
	}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		t.Fatalf("Failed to encode state: %v", err)
	}

	if _, err := LoadStats(&buf); err == nil || err.Error() != "unsupported gob version" {
		t.Errorf("LoadStats error = %v, want unsupported gob version", err)
	}
}
