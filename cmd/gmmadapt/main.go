// Command gmmadapt adapts a prior Gaussian mixture model toward enrollment
// features by MAP estimation, and scores feature sets against an adapted
// model.
//
// Adapt mode:
//
//	gmmadapt -prior ubm.gob -features enroll.csv -out speaker.gob
//
// Verify mode:
//
//	gmmadapt -verify -model speaker.gob -prior ubm.gob -features trial.csv
//
// Verify mode prints the average log-likelihood ratio of the features under
// the adapted model versus the prior to stdout.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/speakerlab/go-gmm-adapt/gmm"
	mapadapt "github.com/speakerlab/go-gmm-adapt/map-adapt"
)

type adaptConfig struct {
	priorPath    string
	featuresPath string
	outPath      string

	relevance       float64
	iterations      int
	convergence     float64
	updateMeans     bool
	updateVariances bool
	updateWeights   bool
	threshold       float64
	fixedAlpha      float64
	floor           float64
	workers         int
}

func main() {
	var (
		priorPath    = flag.String("prior", "", "prior model to adapt from (gob)")
		featuresPath = flag.String("features", "", "feature matrix (CSV, one observation per row)")
		outPath      = flag.String("out", "adapted.gob", "output path for the adapted model")
		modelPath    = flag.String("model", "", "adapted model to score against in verify mode")
		verify       = flag.Bool("verify", false, "score features instead of adapting")

		relevance       = flag.Float64("relevance", 16.0, "relevance factor of the adaptation coefficient")
		iterations      = flag.Int("iterations", 10, "maximum number of adaptation iterations")
		convergence     = flag.Float64("convergence", 0, "relative log-likelihood change for early stopping (0 disables)")
		updateMeans     = flag.Bool("update-means", true, "adapt component means")
		updateVariances = flag.Bool("update-variances", false, "adapt component variances")
		updateWeights   = flag.Bool("update-weights", false, "adapt component weights")
		threshold       = flag.Float64("threshold", 2.220446049250313e-16, "occupancy below which a component keeps the prior parameters")
		fixedAlpha      = flag.Float64("fixed-alpha", -1, "fixed adaptation coefficient (negative uses the data-dependent formula)")
		floor           = flag.Float64("floor", 0, "variance floor applied to the adapted model")
		workers         = flag.Int("workers", 1, "goroutines used to accumulate statistics")
	)
	flag.Parse()

	if *priorPath == "" || *featuresPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *verify {
		if err := runVerify(*modelPath, *priorPath, *featuresPath); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
		return
	}

	cfg := adaptConfig{
		priorPath:       *priorPath,
		featuresPath:    *featuresPath,
		outPath:         *outPath,
		relevance:       *relevance,
		iterations:      *iterations,
		convergence:     *convergence,
		updateMeans:     *updateMeans,
		updateVariances: *updateVariances,
		updateWeights:   *updateWeights,
		threshold:       *threshold,
		fixedAlpha:      *fixedAlpha,
		floor:           *floor,
		workers:         *workers,
	}
	if err := runAdapt(cfg); err != nil {
		log.Fatalf("Adaptation failed: %v", err)
	}
}

func runAdapt(cfg adaptConfig) error {
	prior, err := loadModel(cfg.priorPath)
	if err != nil {
		return err
	}
	if err := prior.Validate(); err != nil {
		return errors.Wrap(err, "Prior model is invalid")
	}
	data, err := loadFeatures(cfg.featuresPath, prior.D())
	if err != nil {
		return err
	}

	opts := []mapadapt.Option{
		mapadapt.WithUpdateMeans(cfg.updateMeans),
		mapadapt.WithUpdateVariances(cfg.updateVariances),
		mapadapt.WithUpdateWeights(cfg.updateWeights),
		mapadapt.WithResponsibilityThreshold(cfg.threshold),
		mapadapt.WithMaxIterations(cfg.iterations),
		mapadapt.WithConvergenceThreshold(cfg.convergence),
		mapadapt.WithWorkers(cfg.workers),
	}
	if cfg.fixedAlpha >= 0 {
		opts = append(opts, mapadapt.WithFixedAlpha(cfg.fixedAlpha))
	}

	trainer, err := mapadapt.New(cfg.relevance, opts...)
	if err != nil {
		return errors.Wrap(err, "Failed to create trainer")
	}
	if err := trainer.SetPrior(prior); err != nil {
		return errors.Wrap(err, "Failed to set prior")
	}

	model, err := gmm.NewModel(prior.K(), prior.D(), gmm.WithVarianceFloor(cfg.floor))
	if err != nil {
		return errors.Wrap(err, "Failed to create model")
	}

	rows, _ := data.Dims()
	log.WithFields(log.Fields{
		"components":   prior.K(),
		"dimension":    prior.D(),
		"observations": rows,
		"relevance":    cfg.relevance,
	}).Info("Adapting model")

	ll, err := trainer.Train(model, data)
	if err != nil {
		return errors.Wrap(err, "Training failed")
	}
	if err := model.Validate(); err != nil {
		log.Warnf("Adapted model failed validation: %v", err)
	}

	if err := saveModel(model, cfg.outPath); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"out":            cfg.outPath,
		"log-likelihood": ll,
	}).Info("Adapted model saved")
	return nil
}

func runVerify(modelPath, priorPath, featuresPath string) error {
	if modelPath == "" {
		return errors.New("verify mode requires -model")
	}
	model, err := loadModel(modelPath)
	if err != nil {
		return err
	}
	prior, err := loadModel(priorPath)
	if err != nil {
		return err
	}
	if model.K() != prior.K() || model.D() != prior.D() {
		return errors.Errorf("model dimensions (%d, %d) do not match prior (%d, %d)",
			model.K(), model.D(), prior.K(), prior.D())
	}
	data, err := loadFeatures(featuresPath, model.D())
	if err != nil {
		return err
	}

	modelLL, err := model.MeanLogLikelihood(data)
	if err != nil {
		return errors.Wrap(err, "Failed to score against the adapted model")
	}
	priorLL, err := prior.MeanLogLikelihood(data)
	if err != nil {
		return errors.Wrap(err, "Failed to score against the prior model")
	}

	rows, _ := data.Dims()
	log.WithFields(log.Fields{
		"observations": rows,
		"model":        modelLL,
		"prior":        priorLL,
	}).Info("Scored features")
	fmt.Printf("%.6f\n", modelLL-priorLL)
	return nil
}

func loadModel(path string) (*gmm.Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open model %s", path)
	}
	defer f.Close()
	m, err := gmm.Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to load model %s", path)
	}
	return m, nil
}

func saveModel(m *gmm.Model, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "Failed to create %s", path)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "Failed to save model to %s", path)
	}
	return errors.Wrapf(f.Close(), "Failed to close %s", path)
}

// loadFeatures reads a CSV feature matrix with one observation per row. The
// reader enforces rectangular records, so only the first row's width needs
// checking against the model dimension.
func loadFeatures(path string, dim int) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open features %s", path)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to parse %s", path)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("no observations in %s", path)
	}
	if len(records[0]) != dim {
		return nil, errors.Errorf("features have %d columns, model expects %d", len(records[0]), dim)
	}

	data := mat.NewDense(len(records), dim, nil)
	for i, record := range records {
		for j, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "Failed to parse row %d column %d", i+1, j+1)
			}
			data.Set(i, j, v)
		}
	}
	return data, nil
}
