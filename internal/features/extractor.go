package features

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/profile"
)

// Global fallback constants for accounts without enough history.
const (
	globalAvgAmount = 50.0
	globalStdAmount = 30.0

	velocityRatioCap   = 10.0
	velocityCountFloor = 0.1

	zScoreMin = -5.0
	zScoreMax = 10.0
)

// ProfileSource is the profile tier the extractor reads and writes through.
type ProfileSource interface {
	Get(ctx context.Context, identity string) *profile.BehaviorProfile
	Save(ctx context.Context, p *profile.BehaviorProfile)
	FlushIdentity(ctx context.Context, identity string) error
}

// VelocityTracker is the sliding-window counter the extractor consults.
type VelocityTracker interface {
	Record(ctx context.Context, identity string, ts time.Time) error
	Count(ctx context.Context, identity string, now time.Time) (int, error)
}

// Extractor combines a transaction, the account's behavior profile and a
// velocity reading into the 10-feature vector. Extraction is not pure: it
// mutates and persists the profile and records the velocity marker.
type Extractor struct {
	profiles ProfileSource
	velocity VelocityTracker
	logger   *zap.Logger
}

// NewExtractor wires the extractor to its storage collaborators.
func NewExtractor(profiles ProfileSource, velocity VelocityTracker, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{profiles: profiles, velocity: velocity, logger: logger}
}

// Extract computes the feature vector and enrichment for one transaction,
// then applies the side effects in order: profile update, velocity record,
// profile persist. Velocity or persistence failures degrade (count 0,
// update dropped) rather than failing the request.
func (e *Extractor) Extract(
	ctx context.Context,
	identity string,
	amount decimal.Decimal,
	ts time.Time,
	merchant, category string,
) ([]float64, *Enrichment, *profile.BehaviorProfile) {
	p := e.profiles.Get(ctx, identity)
	amt := amount.InexactFloat64()

	windowCount := 0
	if e.velocity != nil {
		n, err := e.velocity.Count(ctx, identity, ts)
		if err != nil {
			e.logger.Warn("velocity read failed, defaulting to zero",
				zap.String("identity", identity), zap.Error(err))
		} else {
			windowCount = n
		}
	}

	vec := make([]float64, NumFeatures)

	vec[LogAmount] = math.Log1p(amt)

	var zscore float64
	if p.IsMature {
		zscore = p.AmountZScore(amt)
	} else {
		zscore = (amt - globalAvgAmount) / globalStdAmount
	}
	vec[AmountZScore] = clip(zscore, zScoreMin, zScoreMax)

	var pct float64
	if p.IsMature {
		pct = p.AmountPercentile(amt) / 100
	} else {
		switch {
		case amt < 25:
			pct = 0.25
		case amt < 75:
			pct = 0.5
		case amt < 200:
			pct = 0.75
		default:
			pct = 0.95
		}
	}
	vec[AmountPercentile] = pct

	var ratio float64
	if p.IsMature && p.Velocity.Avg10MinCount > 0 {
		ratio = float64(windowCount) / math.Max(p.Velocity.Avg10MinCount, velocityCountFloor)
	} else {
		ratio = float64(windowCount) / 1.0
	}
	ratio = math.Min(ratio, velocityRatioCap)
	vec[VelocityRatio] = ratio

	hour := ts.Hour()
	var hourDev float64
	if p.IsMature {
		hourDev = 1.0 - math.Min(p.HourProbability(hour)*24, 1.0)
	} else {
		switch {
		case hour >= 2 && hour <= 5:
			hourDev = 0.9
		case (hour >= 6 && hour <= 8) || (hour >= 21 && hour <= 23):
			hourDev = 0.3
		default:
			hourDev = 0.1
		}
	}
	vec[HourDeviation] = hourDev

	day := mondayIndexedWeekday(ts)
	if p.IsMature {
		vec[DayDeviation] = 1.0 - math.Min(p.DayProbability(day)*7, 1.0)
	} else if day >= 5 {
		vec[DayDeviation] = 0.3
	} else {
		vec[DayDeviation] = 0.1
	}

	if p.LastTransactionAt != nil {
		gap := ts.Sub(*p.LastTransactionAt).Seconds()
		vec[TimeSinceLast] = 1.0 / (1.0 + math.Exp((gap-300)/100))
	}

	if merchant != "" && p.IsMature {
		if p.KnownMerchant(merchant) {
			vec[MerchantFamiliarity] = math.Min(p.MerchantFrequency(merchant)*10, 1.0)
		}
	} else {
		vec[MerchantFamiliarity] = 0.5
	}

	if !p.IsMature {
		vec[IsNewIdentity] = 1.0
	}

	if amt > 1000 {
		vec[GlobalAmountFlag] = math.Min(math.Log1p(amt-1000)/5, 1.0)
	}

	wasMature := p.IsMature
	p.Update(amt, ts, merchant, category)

	if e.velocity != nil {
		if err := e.velocity.Record(ctx, identity, ts); err != nil {
			e.logger.Warn("velocity record failed",
				zap.String("identity", identity), zap.Error(err))
		}
	}

	e.profiles.Save(ctx, p)
	if !wasMature && p.IsMature {
		// Crossing the maturity threshold is worth a synchronous flush.
		if err := e.profiles.FlushIdentity(ctx, identity); err != nil {
			e.logger.Warn("immediate flush failed",
				zap.String("identity", identity), zap.Error(err))
		}
	}

	enrichment := &Enrichment{
		SchemaVersion:     EnrichmentSchemaVersion,
		AvgSpend:          round2(p.Spending.AvgAmount),
		StdSpend:          round2(p.Spending.StdAmount),
		AmountZScore:      round2(vec[AmountZScore]),
		AmountPercentile:  round1(pct * 100),
		WindowCount:       windowCount,
		VelocityRatio:     round2(ratio),
		HourDeviation:     round2(hourDev),
		IsMatureProfile:   p.IsMature,
		TotalTransactions: p.TotalTransactions,
	}

	e.logger.Debug("features extracted",
		zap.String("identity", identity),
		zap.Bool("mature", p.IsMature),
		zap.Float64("amount", amt),
		zap.Float64("zscore", vec[AmountZScore]))

	return vec, enrichment, p
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round1(v float64) float64 { return math.Round(v*10) / 10 }

func mondayIndexedWeekday(ts time.Time) int {
	return (int(ts.Weekday()) + 6) % 7
}
