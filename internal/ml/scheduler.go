package ml

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/features"
)

// SampleSource supplies training matrices shaped (n, NumFeatures). The
// data-sourcing strategy behind it is an external collaborator.
type SampleSource interface {
	TrainingMatrix(ctx context.Context) ([][]float64, error)
}

// RetrainerConfig tunes the scheduled retraining worker.
type RetrainerConfig struct {
	Interval      time.Duration
	MinSamples    int
	Contamination float64
	NumTrees      int
	ModelPath     string
}

// DefaultRetrainerConfig mirrors the production schedule.
func DefaultRetrainerConfig() RetrainerConfig {
	return RetrainerConfig{
		Interval:      24 * time.Hour,
		MinSamples:    1000,
		Contamination: 0.05,
		NumTrees:      150,
	}
}

// RetrainResult reports one retraining attempt.
type RetrainResult struct {
	Version     string
	Samples     int
	OutlierRate float64
	RetrainedAt time.Time
}

// ErrInsufficientSamples is returned when the source yields fewer rows than
// the configured minimum.
var ErrInsufficientSamples = errors.New("ml: insufficient training samples")

// errValidationFailed gates promotion of a candidate model.
var errValidationFailed = errors.New("ml: candidate model failed validation")

// Retrainer periodically refits the ensemble from fresh samples. A
// candidate is trained and validated off to the side; only a candidate that
// passes validation replaces the active model and is saved.
type Retrainer struct {
	model  *Model
	source SampleSource
	cfg    RetrainerConfig
	logger *zap.Logger

	mu          sync.Mutex
	lastRetrain time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRetrainer builds the worker; call Start to begin the schedule.
func NewRetrainer(model *Model, source SampleSource, cfg RetrainerConfig, logger *zap.Logger) *Retrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetrainerConfig().Interval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultRetrainerConfig().MinSamples
	}
	return &Retrainer{
		model:  model,
		source: source,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the retraining loop.
func (r *Retrainer) Start() {
	go r.loop()
	r.logger.Info("scheduled retrainer started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("min_samples", r.cfg.MinSamples))
}

// Stop cancels the loop and waits for any in-flight retrain to finish.
func (r *Retrainer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
	r.logger.Info("scheduled retrainer stopped")
}

// LastRetrain returns when the model was last promoted, zero if never.
func (r *Retrainer) LastRetrain() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRetrain
}

func (r *Retrainer) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := r.RetrainOnce(context.Background()); err != nil {
				r.logger.Error("scheduled retrain failed", zap.Error(err))
			}
		case <-r.stop:
			return
		}
	}
}

// RetrainOnce runs a full fetch-train-validate-promote cycle. The active
// model is untouched unless the candidate passes validation.
func (r *Retrainer) RetrainOnce(ctx context.Context) (*RetrainResult, error) {
	X, err := r.source.TrainingMatrix(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch training samples: %w", err)
	}
	if len(X) < r.cfg.MinSamples {
		return nil, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientSamples, len(X), r.cfg.MinSamples)
	}
	for _, row := range X {
		if len(row) != features.NumFeatures {
			return nil, fmt.Errorf("%w: expected %d columns, got %d",
				ErrFeatureWidth, features.NumFeatures, len(row))
		}
	}

	candidate, err := TrainForest(X, TrainOptions{
		Contamination: r.cfg.Contamination,
		NumTrees:      r.cfg.NumTrees,
		Seed:          time.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	rate, err := validateCandidate(candidate, X)
	if err != nil {
		return nil, err
	}

	version := fmt.Sprintf("v%s_auto", time.Now().Format("20060102_150405"))
	r.model.adopt(candidate, version)

	if r.cfg.ModelPath != "" {
		if err := r.model.Save(r.cfg.ModelPath); err != nil {
			r.logger.Error("saving retrained model failed",
				zap.String("version", version), zap.Error(err))
		}
	}

	now := time.Now()
	r.mu.Lock()
	r.lastRetrain = now
	r.mu.Unlock()

	r.logger.Info("scheduled retrain completed",
		zap.String("version", version),
		zap.Int("samples", len(X)),
		zap.Float64("outlier_rate", rate))

	return &RetrainResult{
		Version:     version,
		Samples:     len(X),
		OutlierRate: rate,
		RetrainedAt: now,
	}, nil
}

// validateCandidate checks the candidate can score a probe vector and that
// its empirical outlier rate on the training data stays within 2-10%.
func validateCandidate(f *Forest, X [][]float64) (float64, error) {
	probe := f.Decision(X[0])
	if probe != probe { // NaN guard
		return 0, fmt.Errorf("%w: probe decision is NaN", errValidationFailed)
	}

	outliers := 0
	for _, x := range X {
		if f.Classify(x) == -1 {
			outliers++
		}
	}
	rate := float64(outliers) / float64(len(X))
	if rate < 0.02 || rate > 0.10 {
		return rate, fmt.Errorf("%w: outlier rate %.3f outside [0.02, 0.10]",
			errValidationFailed, rate)
	}
	return rate, nil
}
