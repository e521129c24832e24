package ml

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/features"
)

type fakeSource struct {
	rows [][]float64
	err  error
}

func (s *fakeSource) TrainingMatrix(context.Context) ([][]float64, error) {
	return s.rows, s.err
}

func retrainerWith(source SampleSource, cfg RetrainerConfig) (*Model, *Retrainer) {
	m := NewModel(zap.NewNop())
	return m, NewRetrainer(m, source, cfg, zap.NewNop())
}

func smallConfig() RetrainerConfig {
	cfg := DefaultRetrainerConfig()
	cfg.MinSamples = 50
	cfg.NumTrees = 50
	return cfg
}

func TestRetrainOncePromotesCandidate(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	source := &fakeSource{rows: normalRows(rng, 400)}
	m, r := retrainerWith(source, smallConfig())

	res, err := r.RetrainOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, m.Loaded())
	assert.Equal(t, res.Version, m.Version())
	assert.Contains(t, res.Version, "_auto")
	assert.Equal(t, 400, res.Samples)
	assert.GreaterOrEqual(t, res.OutlierRate, 0.02)
	assert.LessOrEqual(t, res.OutlierRate, 0.10)
	assert.False(t, r.LastRetrain().IsZero())
}

func TestRetrainOnceSavesArtifact(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cfg := smallConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "retrained.model")
	source := &fakeSource{rows: normalRows(rng, 300)}
	m, r := retrainerWith(source, cfg)

	res, err := r.RetrainOnce(context.Background())
	require.NoError(t, err)

	reloaded := NewModel(zap.NewNop())
	require.NoError(t, reloaded.Load(cfg.ModelPath))
	assert.Equal(t, res.Version, reloaded.Version())
	_ = m
}

func TestRetrainOnceSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("warehouse offline")}
	m, r := retrainerWith(source, smallConfig())

	_, err := r.RetrainOnce(context.Background())
	require.Error(t, err)
	assert.False(t, m.Loaded())
	assert.True(t, r.LastRetrain().IsZero())
}

func TestRetrainOnceInsufficientSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	source := &fakeSource{rows: normalRows(rng, 10)}
	m, r := retrainerWith(source, smallConfig())

	_, err := r.RetrainOnce(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientSamples)
	assert.False(t, m.Loaded())
}

func TestRetrainOnceRejectsWrongWidth(t *testing.T) {
	rows := make([][]float64, 60)
	for i := range rows {
		rows[i] = []float64{1, 2, 3}
	}
	_, r := retrainerWith(&fakeSource{rows: rows}, smallConfig())

	_, err := r.RetrainOnce(context.Background())
	assert.ErrorIs(t, err, ErrFeatureWidth)
}

func TestRetrainOnceValidationKeepsActiveModel(t *testing.T) {
	// Constant rows give every point an identical decision value, so the
	// empirical outlier rate collapses to zero and validation must reject
	// the candidate.
	rows := make([][]float64, 100)
	for i := range rows {
		row := make([]float64, features.NumFeatures)
		for j := range row {
			row[j] = 0.5
		}
		rows[i] = row
	}
	source := &fakeSource{rows: rows}
	m, r := retrainerWith(source, smallConfig())

	rng := rand.New(rand.NewSource(13))
	_, err := m.Train(normalRows(rng, 300), "v_active", DefaultTrainOptions())
	require.NoError(t, err)

	_, err = r.RetrainOnce(context.Background())
	require.Error(t, err)
	// The previously promoted model stays active.
	assert.Equal(t, "v_active", m.Version())
	assert.True(t, r.LastRetrain().IsZero())
}

func TestRetrainerStartStop(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	source := &fakeSource{rows: normalRows(rng, 100)}
	_, r := retrainerWith(source, smallConfig())

	r.Start()
	r.Stop()
	// Stop is idempotent.
	r.Stop()
}
