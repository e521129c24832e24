package ml

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/features"
	"github.com/anomalyze/anomalyze/internal/metrics"
)

// Verdict labels returned by Predict.
const (
	LabelNormal  = "NORMAL"
	LabelAnomaly = "ANOMALY"
)

// Precondition errors: always surfaced to the caller, never absorbed.
var (
	ErrModelNotLoaded = errors.New("ml: no model loaded")
	ErrFeatureWidth   = errors.New("ml: feature width mismatch")
)

// sigmoidSlope is the k constant mapping raw decision values onto [0,1].
const sigmoidSlope = 8.0

// contributionThreshold is the minimum deviation a feature must show to be
// reported as a contributor.
const contributionThreshold = 0.3

// Contribution is one feature's share of an anomalous verdict.
type Contribution struct {
	Feature   string  `json:"feature"`
	Value     float64 `json:"value"`
	Expected  float64 `json:"expected"`
	Deviation float64 `json:"deviation"`
}

// Prediction is the verdict payload for one feature vector. Score and Label
// are computed independently: the label comes from the ensemble's native
// classification, the score from the sigmoid-normalized decision value, and
// near the decision boundary the two may appear to disagree.
type Prediction struct {
	Score           float64        `json:"score"`
	Label           string         `json:"label"`
	RawDecision     float64        `json:"raw_decision"`
	RawLabel        int            `json:"raw_label"`
	ModelVersion    string         `json:"model_version"`
	TopContributors []Contribution `json:"top_contributors"`
}

// TrainReport summarizes a training run for validation by callers.
type TrainReport struct {
	Samples          int     `json:"samples"`
	Features         int     `json:"features"`
	Contamination    float64 `json:"contamination"`
	NumTrees         int     `json:"num_trees"`
	DetectedOutliers int     `json:"detected_outliers"`
	OutlierRate      float64 `json:"outlier_rate"`
}

// expectedNormal is the fixed table of feature values a typical inlier
// shows, used for contribution ranking.
var expectedNormal = [features.NumFeatures]float64{
	features.LogAmount:           4.0,
	features.AmountZScore:        0.0,
	features.AmountPercentile:    0.5,
	features.VelocityRatio:       1.0,
	features.HourDeviation:       0.15,
	features.DayDeviation:        0.1,
	features.TimeSinceLast:       0.15,
	features.MerchantFamiliarity: 0.6,
	features.IsNewIdentity:       0.0,
	features.GlobalAmountFlag:    0.0,
}

// Model is the versioned scoring model. One exclusive guard covers train,
// load and save; predictions under a stable model share a read lock.
type Model struct {
	mu      sync.RWMutex
	forest  *Forest
	version string
	logger  *zap.Logger
}

// NewModel returns an empty handle; Predict errors until Train or Load runs.
func NewModel(logger *zap.Logger) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{version: "none", logger: logger}
}

// Version returns the active model's version label.
func (m *Model) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Loaded reports whether an active model exists.
func (m *Model) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.forest != nil
}

// Predict scores one feature vector. It fails fast when no model is loaded
// or the vector width differs from the trained feature count.
func (m *Model) Predict(vec []float64) (*Prediction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.forest == nil {
		return nil, ErrModelNotLoaded
	}
	if len(vec) != m.forest.NumFeatures {
		return nil, fmt.Errorf("%w: expected %d features, got %d",
			ErrFeatureWidth, m.forest.NumFeatures, len(vec))
	}

	raw := m.forest.Decision(vec)
	rawLabel := m.forest.Classify(vec)

	score := 1.0 / (1.0 + math.Exp(raw*sigmoidSlope))
	score = math.Max(0, math.Min(1, score))

	label := LabelNormal
	if rawLabel == -1 {
		label = LabelAnomaly
	}

	pred := &Prediction{
		Score:           score,
		Label:           label,
		RawDecision:     raw,
		RawLabel:        rawLabel,
		ModelVersion:    m.version,
		TopContributors: rankContributions(vec),
	}

	metrics.Predictions.WithLabelValues(label).Inc()
	metrics.PredictionScores.Observe(score)

	return pred, nil
}

// rankContributions compares the vector against the expected-normal table.
// Z-score and velocity ratio count only positive excess, merchant
// familiarity only deficits; everything else uses the absolute difference.
func rankContributions(vec []float64) []Contribution {
	out := make([]Contribution, 0, features.NumFeatures)
	for i := 0; i < features.NumFeatures; i++ {
		exp := expectedNormal[i]
		var dev float64
		switch i {
		case features.AmountZScore, features.VelocityRatio:
			dev = math.Max(0, vec[i]-exp)
		case features.MerchantFamiliarity:
			dev = math.Max(0, exp-vec[i])
		default:
			dev = math.Abs(vec[i] - exp)
		}
		if dev > contributionThreshold {
			out = append(out, Contribution{
				Feature:   features.Names[i],
				Value:     vec[i],
				Expected:  exp,
				Deviation: dev,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].Deviation > out[b].Deviation
	})
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// Train fits a new ensemble and atomically replaces the active one. A
// failed training run leaves the active model untouched.
func (m *Model) Train(X [][]float64, version string, opts TrainOptions) (*TrainReport, error) {
	for _, row := range X {
		if len(row) != features.NumFeatures {
			return nil, fmt.Errorf("%w: expected %d columns, got %d",
				ErrFeatureWidth, features.NumFeatures, len(row))
		}
	}

	m.logger.Info("training started",
		zap.Int("samples", len(X)),
		zap.Float64("contamination", opts.Contamination),
		zap.Int("num_trees", opts.NumTrees))

	forest, err := TrainForest(X, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.forest = forest
	m.version = version
	m.mu.Unlock()

	outliers := 0
	for _, x := range X {
		if forest.Classify(x) == -1 {
			outliers++
		}
	}
	rate := float64(outliers) / float64(len(X))

	m.logger.Info("training completed",
		zap.Int("samples", len(X)),
		zap.Int("detected_outliers", outliers),
		zap.Float64("outlier_rate", rate),
		zap.String("version", version))

	return &TrainReport{
		Samples:          len(X),
		Features:         features.NumFeatures,
		Contamination:    opts.Contamination,
		NumTrees:         len(forest.Trees),
		DetectedOutliers: outliers,
		OutlierRate:      rate,
	}, nil
}

// adopt swaps in an already-validated ensemble; used by the retrainer.
func (m *Model) adopt(f *Forest, version string) {
	m.mu.Lock()
	m.forest = f
	m.version = version
	m.mu.Unlock()
}

// artifact is the on-disk model layout: the serialized ensemble plus the
// version label for round-trip fidelity.
type artifact struct {
	Version string
	Forest  []byte
}

// Save writes the active model and its version label to path.
func (m *Model) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.forest == nil {
		return ErrModelNotLoaded
	}
	blob, err := m.forest.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(artifact{Version: m.version, Forest: blob}); err != nil {
		return fmt.Errorf("write model artifact: %w", err)
	}

	m.logger.Info("model saved", zap.String("path", path), zap.String("version", m.version))
	return nil
}

// Load reads a model artifact from path and swaps it in. Any failure leaves
// the previously active model untouched.
func (m *Model) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	var art artifact
	if err := gob.NewDecoder(f).Decode(&art); err != nil {
		return fmt.Errorf("read model artifact: %w", err)
	}
	forest, err := DecodeForest(art.Forest)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.forest = forest
	m.version = art.Version
	m.mu.Unlock()

	m.logger.Info("model loaded", zap.String("path", path), zap.String("version", art.Version))
	return nil
}
