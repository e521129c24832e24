package features

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/profile"
)

type fakeProfiles struct {
	profiles map[string]*profile.BehaviorProfile
	saves    int
	flushes  []string
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[string]*profile.BehaviorProfile)}
}

func (f *fakeProfiles) Get(_ context.Context, identity string) *profile.BehaviorProfile {
	if p, ok := f.profiles[identity]; ok {
		return p
	}
	p := profile.NewDefault(identity)
	f.profiles[identity] = p
	return p
}

func (f *fakeProfiles) Save(_ context.Context, p *profile.BehaviorProfile) {
	f.saves++
	f.profiles[p.Identity] = p
}

func (f *fakeProfiles) FlushIdentity(_ context.Context, identity string) error {
	f.flushes = append(f.flushes, identity)
	return nil
}

type fakeVelocity struct {
	count     int
	records   int
	failCount bool
	failRec   bool
}

func (v *fakeVelocity) Record(context.Context, string, time.Time) error {
	if v.failRec {
		return errors.New("redis down")
	}
	v.records++
	return nil
}

func (v *fakeVelocity) Count(context.Context, string, time.Time) (int, error) {
	if v.failCount {
		return 0, errors.New("redis down")
	}
	return v.count, nil
}

// noon on a Wednesday
var wednesdayNoon = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestExtractNewIdentityFallbacks(t *testing.T) {
	profiles := newFakeProfiles()
	vel := &fakeVelocity{count: 2}
	ex := NewExtractor(profiles, vel, zap.NewNop())

	vec, enr, p := ex.Extract(context.Background(), "fresh", dec(110), wednesdayNoon, "some-shop", "retail")
	require.Len(t, vec, NumFeatures)

	assert.InDelta(t, math.Log1p(110), vec[LogAmount], 1e-9)
	// Global fallback: (110-50)/30 = 2.
	assert.InDelta(t, 2.0, vec[AmountZScore], 1e-9)
	// Step function for immature percentile: 75 <= 110 < 200.
	assert.Equal(t, 0.75, vec[AmountPercentile])
	// Immature: ratio against an assumed baseline of 1 per window.
	assert.Equal(t, 2.0, vec[VelocityRatio])
	// Noon on a weekday via the schedule heuristics.
	assert.Equal(t, 0.1, vec[HourDeviation])
	assert.Equal(t, 0.1, vec[DayDeviation])
	// No prior transaction.
	assert.Equal(t, 0.0, vec[TimeSinceLast])
	// Merchant signal is neutral until the profile matures.
	assert.Equal(t, 0.5, vec[MerchantFamiliarity])
	assert.Equal(t, 1.0, vec[IsNewIdentity])
	assert.Equal(t, 0.0, vec[GlobalAmountFlag])

	assert.Equal(t, EnrichmentSchemaVersion, enr.SchemaVersion)
	assert.Equal(t, 2, enr.WindowCount)
	assert.False(t, enr.IsMatureProfile)
	assert.Equal(t, 1, p.TotalTransactions)
	assert.Equal(t, 1, profiles.saves)
	assert.Equal(t, 1, vel.records)
}

func TestExtractNightHoursAndWeekend(t *testing.T) {
	ex := NewExtractor(newFakeProfiles(), &fakeVelocity{}, zap.NewNop())

	// 3am on a Saturday.
	saturdayNight := time.Date(2024, 1, 6, 3, 0, 0, 0, time.UTC)
	vec, _, _ := ex.Extract(context.Background(), "owl", dec(20), saturdayNight, "", "")
	assert.Equal(t, 0.9, vec[HourDeviation])
	assert.Equal(t, 0.3, vec[DayDeviation])

	// 7am shoulder hour.
	vec, _, _ = ex.Extract(context.Background(), "early", dec(20), wednesdayNoon.Add(-5*time.Hour), "", "")
	assert.Equal(t, 0.3, vec[HourDeviation])
}

func TestExtractZScoreClipping(t *testing.T) {
	ex := NewExtractor(newFakeProfiles(), &fakeVelocity{}, zap.NewNop())

	// (100000-50)/30 is far beyond the cap.
	vec, _, _ := ex.Extract(context.Background(), "whale", dec(100000), wednesdayNoon, "", "")
	assert.Equal(t, 10.0, vec[AmountZScore])
	assert.Greater(t, vec[GlobalAmountFlag], 0.0)
	assert.LessOrEqual(t, vec[GlobalAmountFlag], 1.0)
}

func TestExtractMaturePersonalizedStats(t *testing.T) {
	profiles := newFakeProfiles()
	vel := &fakeVelocity{}
	ex := NewExtractor(profiles, vel, zap.NewNop())

	seed := profile.NewDefault("regular")
	seed.MaturityThreshold = 5
	base := wednesdayNoon.Add(-48 * time.Hour)
	for i := 0; i < 30; i++ {
		seed.Update(50+float64(i%11), base.Add(time.Duration(i)*time.Hour), "grocer", "food")
	}
	require.True(t, seed.IsMature)
	profiles.profiles["regular"] = seed

	vec, enr, _ := ex.Extract(context.Background(), "regular", dec(55), wednesdayNoon, "grocer", "food")

	// Personalized z-score of a typical amount stays small.
	assert.Less(t, math.Abs(vec[AmountZScore]), 2.0)
	assert.GreaterOrEqual(t, vec[AmountPercentile], 0.0)
	assert.LessOrEqual(t, vec[AmountPercentile], 1.0)
	// Every observed merchant so far: frequency 1, familiarity saturates.
	assert.Equal(t, 1.0, vec[MerchantFamiliarity])
	assert.Equal(t, 0.0, vec[IsNewIdentity])
	assert.True(t, enr.IsMatureProfile)
}

func TestExtractMatureUnknownMerchant(t *testing.T) {
	profiles := newFakeProfiles()
	ex := NewExtractor(profiles, &fakeVelocity{}, zap.NewNop())

	seed := profile.NewDefault("regular")
	seed.MaturityThreshold = 5
	for i := 0; i < 10; i++ {
		seed.Update(50, wednesdayNoon.Add(time.Duration(i-20)*time.Hour), "grocer", "food")
	}
	profiles.profiles["regular"] = seed

	vec, _, _ := ex.Extract(context.Background(), "regular", dec(50), wednesdayNoon, "casino", "gambling")
	// Mature profile, merchant never seen before.
	assert.Equal(t, 0.0, vec[MerchantFamiliarity])
}

func TestExtractVelocityRatioCapped(t *testing.T) {
	profiles := newFakeProfiles()
	vel := &fakeVelocity{count: 500}
	ex := NewExtractor(profiles, vel, zap.NewNop())

	vec, _, _ := ex.Extract(context.Background(), "burst", dec(10), wednesdayNoon, "", "")
	assert.Equal(t, 10.0, vec[VelocityRatio])
}

func TestExtractTimeSinceLastLogistic(t *testing.T) {
	profiles := newFakeProfiles()
	ex := NewExtractor(profiles, &fakeVelocity{}, zap.NewNop())

	ex.Extract(context.Background(), "rapid", dec(10), wednesdayNoon, "", "")
	vec, _, _ := ex.Extract(context.Background(), "rapid", dec(10), wednesdayNoon.Add(10*time.Second), "", "")
	// A 10s gap sits high on the logistic curve.
	assert.Greater(t, vec[TimeSinceLast], 0.9)

	vec, _, _ = ex.Extract(context.Background(), "rapid", dec(10), wednesdayNoon.Add(2*time.Hour), "", "")
	assert.Less(t, vec[TimeSinceLast], 0.01)
}

func TestExtractVelocityFailureDegrades(t *testing.T) {
	profiles := newFakeProfiles()
	vel := &fakeVelocity{failCount: true, failRec: true}
	ex := NewExtractor(profiles, vel, zap.NewNop())

	vec, enr, p := ex.Extract(context.Background(), "degraded", dec(30), wednesdayNoon, "", "")
	require.Len(t, vec, NumFeatures)
	assert.Equal(t, 0, enr.WindowCount)
	assert.Equal(t, 0.0, vec[VelocityRatio])
	// Profile side effects still land.
	assert.Equal(t, 1, p.TotalTransactions)
	assert.Equal(t, 1, profiles.saves)
}

func TestExtractWithoutVelocityTracker(t *testing.T) {
	ex := NewExtractor(newFakeProfiles(), nil, zap.NewNop())
	vec, enr, _ := ex.Extract(context.Background(), "solo", dec(30), wednesdayNoon, "", "")
	require.Len(t, vec, NumFeatures)
	assert.Equal(t, 0, enr.WindowCount)
}

func TestExtractMaturityCrossingFlushes(t *testing.T) {
	profiles := newFakeProfiles()
	ex := NewExtractor(profiles, &fakeVelocity{}, zap.NewNop())

	seed := profile.NewDefault("almost")
	seed.MaturityThreshold = 3
	profiles.profiles["almost"] = seed

	ex.Extract(context.Background(), "almost", dec(10), wednesdayNoon, "", "")
	ex.Extract(context.Background(), "almost", dec(10), wednesdayNoon.Add(time.Minute), "", "")
	assert.Empty(t, profiles.flushes)

	ex.Extract(context.Background(), "almost", dec(10), wednesdayNoon.Add(2*time.Minute), "", "")
	assert.Equal(t, []string{"almost"}, profiles.flushes)

	// Crossing happens once; later transactions do not re-flush.
	ex.Extract(context.Background(), "almost", dec(10), wednesdayNoon.Add(3*time.Minute), "", "")
	assert.Len(t, profiles.flushes, 1)
}

func TestFeatureNamesAligned(t *testing.T) {
	require.Len(t, Names, NumFeatures)
	assert.Equal(t, "log_amount", Names[LogAmount])
	assert.Equal(t, "global_amount_flag", Names[GlobalAmountFlag])
}
