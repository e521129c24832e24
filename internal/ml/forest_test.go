package ml

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anomalyze/anomalyze/internal/features"
)

// normalRows generates feature vectors shaped like everyday traffic:
// moderate amounts inside the account's usual band during usual hours.
func normalRows(rng *rand.Rand, n int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		row := make([]float64, features.NumFeatures)
		row[features.LogAmount] = 3.0 + rng.Float64()*2.0
		row[features.AmountZScore] = -1.0 + rng.Float64()*2.0
		row[features.AmountPercentile] = 0.2 + rng.Float64()*0.6
		row[features.VelocityRatio] = 0.3 + rng.Float64()*1.4
		row[features.HourDeviation] = rng.Float64() * 0.3
		row[features.DayDeviation] = rng.Float64() * 0.2
		row[features.TimeSinceLast] = rng.Float64() * 0.3
		row[features.MerchantFamiliarity] = 0.4 + rng.Float64()*0.6
		row[features.IsNewIdentity] = 0
		row[features.GlobalAmountFlag] = 0
		rows[i] = row
	}
	return rows
}

// extremeRow is a burst of large transactions from a new identity at night.
func extremeRow() []float64 {
	row := make([]float64, features.NumFeatures)
	row[features.LogAmount] = 9.2
	row[features.AmountZScore] = 10
	row[features.AmountPercentile] = 0.99
	row[features.VelocityRatio] = 10
	row[features.HourDeviation] = 0.9
	row[features.DayDeviation] = 0.3
	row[features.TimeSinceLast] = 0.98
	row[features.MerchantFamiliarity] = 0
	row[features.IsNewIdentity] = 1
	row[features.GlobalAmountFlag] = 1
	return row
}

func typicalRow() []float64 {
	row := make([]float64, features.NumFeatures)
	row[features.LogAmount] = 4.0
	row[features.AmountPercentile] = 0.5
	row[features.VelocityRatio] = 1.0
	row[features.HourDeviation] = 0.15
	row[features.DayDeviation] = 0.1
	row[features.TimeSinceLast] = 0.15
	row[features.MerchantFamiliarity] = 0.6
	return row
}

func TestTrainForestRejectsEmptySet(t *testing.T) {
	_, err := TrainForest(nil, DefaultTrainOptions())
	assert.Error(t, err)
}

func TestForestSeparatesExtremePoint(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X := normalRows(rng, 500)

	f, err := TrainForest(X, DefaultTrainOptions())
	require.NoError(t, err)

	outlier := f.Decision(extremeRow())
	typical := f.Decision(typicalRow())
	assert.Less(t, outlier, typical)
	assert.Less(t, outlier, 0.0, "extreme point should land below the threshold")
	assert.Equal(t, -1, f.Classify(extremeRow()))
	assert.Equal(t, 1, f.Classify(typicalRow()))
}

func TestForestTrainingDeterministicBySeed(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	X := normalRows(rng, 300)

	opts := DefaultTrainOptions()
	f1, err := TrainForest(X, opts)
	require.NoError(t, err)
	f2, err := TrainForest(X, opts)
	require.NoError(t, err)

	probe := typicalRow()
	assert.Equal(t, f1.Decision(probe), f2.Decision(probe))
	assert.Equal(t, f1.Offset, f2.Offset)
}

func TestForestOffsetApproximatesContamination(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	X := normalRows(rng, 1000)

	f, err := TrainForest(X, DefaultTrainOptions())
	require.NoError(t, err)

	outliers := 0
	for _, x := range X {
		if f.Classify(x) == -1 {
			outliers++
		}
	}
	rate := float64(outliers) / float64(len(X))
	assert.InDelta(t, 0.05, rate, 0.03)
}

func TestForestSubsampleCap(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	X := normalRows(rng, 1000)

	f, err := TrainForest(X, DefaultTrainOptions())
	require.NoError(t, err)
	assert.Equal(t, 256, f.Subsample)

	small, err := TrainForest(X[:40], DefaultTrainOptions())
	require.NoError(t, err)
	assert.Equal(t, 40, small.Subsample)
}

func TestForestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	X := normalRows(rng, 200)

	f, err := TrainForest(X, DefaultTrainOptions())
	require.NoError(t, err)

	blob, err := f.Encode()
	require.NoError(t, err)

	decoded, err := DecodeForest(blob)
	require.NoError(t, err)

	assert.Equal(t, f.Offset, decoded.Offset)
	assert.Equal(t, f.NumFeatures, decoded.NumFeatures)
	for _, probe := range [][]float64{typicalRow(), extremeRow()} {
		assert.Equal(t, f.Decision(probe), decoded.Decision(probe))
		assert.Equal(t, f.Classify(probe), decoded.Classify(probe))
	}
}

func TestDecodeForestBadBlob(t *testing.T) {
	_, err := DecodeForest([]byte("not a forest"))
	assert.Error(t, err)
}

func TestAvgPathLength(t *testing.T) {
	assert.Equal(t, 0.0, avgPathLength(0))
	assert.Equal(t, 0.0, avgPathLength(1))
	assert.Equal(t, 1.0, avgPathLength(2))
	assert.Greater(t, avgPathLength(256), avgPathLength(16))
}
