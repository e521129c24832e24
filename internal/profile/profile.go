// Package profile maintains per-account behavioral fingerprints and the
// tiered store that keeps them consistent across cache and durable layers.
package profile

import (
	"math"
	"sort"
	"time"
)

const (
	// RecentAmountsCap bounds the recency buffer used for order statistics.
	RecentAmountsCap = 100

	// DefaultMaturityThreshold is the transaction count at which a profile
	// switches from global fallbacks to personalized statistics.
	DefaultMaturityThreshold = 20

	// minSamplesForPercentiles gates order-statistic computation until the
	// recency buffer carries enough signal.
	minSamplesForPercentiles = 10

	timeSmoothingAlpha = 0.05
	gapSmoothingAlpha  = 0.1
	peakHourFactor     = 0.8
)

// SpendingStats summarizes an account's spending behavior.
type SpendingStats struct {
	AvgAmount    float64 `json:"avg_amount"`
	StdAmount    float64 `json:"std_amount"`
	MinAmount    float64 `json:"min_amount"`
	MaxAmount    float64 `json:"max_amount"`
	MedianAmount float64 `json:"median_amount"`
	P25Amount    float64 `json:"p25_amount"`
	P75Amount    float64 `json:"p75_amount"`
	P95Amount    float64 `json:"p95_amount"`
}

// TimePatterns holds the smoothed hour-of-day and day-of-week distributions.
// Both always sum to 1 after an update.
type TimePatterns struct {
	HourDistribution []float64 `json:"hour_distribution"`
	DayDistribution  []float64 `json:"day_distribution"`
	PeakHours        []int     `json:"peak_hours"`
	ActiveDays       []int     `json:"active_days"`
}

// VelocityPatterns tracks transaction-rate behavior. AvgGapSeconds is the
// only field maintained online; the window counts are training-time priors.
type VelocityPatterns struct {
	AvgDailyCount  float64 `json:"avg_daily_count"`
	AvgHourlyCount float64 `json:"avg_hourly_count"`
	Avg10MinCount  float64 `json:"avg_10min_count"`
	Max10MinCount  int     `json:"max_10min_count"`
	AvgGapSeconds  float64 `json:"avg_gap_seconds"`
}

// MerchantPatterns counts merchant and category exposure. The tables grow
// unboundedly per account; no eviction policy is applied (capacity risk is
// tracked operationally, not in code).
type MerchantPatterns struct {
	MerchantCounts  map[string]int `json:"merchant_counts"`
	CategoryCounts  map[string]int `json:"category_counts"`
	UniqueMerchants int            `json:"unique_merchants"`
}

// BehaviorProfile is the evolving statistical fingerprint of one account.
// It is pure in-memory state; all persistence goes through Store.
type BehaviorProfile struct {
	Identity string `json:"identity"`

	Spending SpendingStats    `json:"spending"`
	Time     TimePatterns     `json:"time_patterns"`
	Velocity VelocityPatterns `json:"velocity"`
	Merchant MerchantPatterns `json:"merchants"`

	TotalTransactions int  `json:"total_transactions"`
	IsMature          bool `json:"is_mature"`
	MaturityThreshold int  `json:"maturity_threshold"`

	FirstTransactionAt *time.Time `json:"first_transaction_at,omitempty"`
	LastTransactionAt  *time.Time `json:"last_transaction_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	// RecentAmounts is the FIFO recency buffer backing the order statistics.
	RecentAmounts []float64 `json:"recent_amounts"`
}

func uniformDistribution(n int) []float64 {
	d := make([]float64, n)
	for i := range d {
		d[i] = 1.0 / float64(n)
	}
	return d
}

// NewDefault creates the profile synthesized on first-ever lookup: not yet
// mature, conservative spending baseline, uniform time distributions.
func NewDefault(identity string) *BehaviorProfile {
	now := time.Now()
	peak := make([]int, 0, 12)
	for h := 9; h < 21; h++ {
		peak = append(peak, h)
	}
	return &BehaviorProfile{
		Identity: identity,
		Spending: SpendingStats{
			AvgAmount: 50.0,
			StdAmount: 30.0,
		},
		Time: TimePatterns{
			HourDistribution: uniformDistribution(24),
			DayDistribution:  uniformDistribution(7),
			PeakHours:        peak,
			ActiveDays:       []int{0, 1, 2, 3, 4},
		},
		Velocity: VelocityPatterns{
			AvgDailyCount:  1.0,
			AvgHourlyCount: 0.1,
			Avg10MinCount:  0.02,
			Max10MinCount:  3,
			AvgGapSeconds:  86400,
		},
		Merchant: MerchantPatterns{
			MerchantCounts: make(map[string]int),
			CategoryCounts: make(map[string]int),
		},
		MaturityThreshold: DefaultMaturityThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Update folds one transaction into the profile. It must be called at most
// once per transaction, in timestamp order per account; out-of-order updates
// are not corrected.
func (p *BehaviorProfile) Update(amount float64, ts time.Time, merchant, category string) {
	p.TotalTransactions++

	if p.FirstTransactionAt == nil {
		first := ts
		p.FirstTransactionAt = &first
	}

	if p.LastTransactionAt != nil {
		gap := ts.Sub(*p.LastTransactionAt).Seconds()
		p.Velocity.AvgGapSeconds = gapSmoothingAlpha*gap + (1-gapSmoothingAlpha)*p.Velocity.AvgGapSeconds
	}
	last := ts
	p.LastTransactionAt = &last

	p.updateSpending(amount)
	p.updateTimePatterns(ts)

	if merchant != "" {
		if p.Merchant.MerchantCounts == nil {
			p.Merchant.MerchantCounts = make(map[string]int)
		}
		p.Merchant.MerchantCounts[merchant]++
		p.Merchant.UniqueMerchants = len(p.Merchant.MerchantCounts)
	}
	if category != "" {
		if p.Merchant.CategoryCounts == nil {
			p.Merchant.CategoryCounts = make(map[string]int)
		}
		p.Merchant.CategoryCounts[category]++
	}

	// Maturity is a one-way latch: once reached it never reverts.
	if p.TotalTransactions >= p.MaturityThreshold {
		p.IsMature = true
	}
	p.UpdatedAt = time.Now()
}

func (p *BehaviorProfile) updateSpending(amount float64) {
	n := p.TotalTransactions

	p.RecentAmounts = append(p.RecentAmounts, amount)
	if len(p.RecentAmounts) > RecentAmountsCap {
		p.RecentAmounts = p.RecentAmounts[len(p.RecentAmounts)-RecentAmountsCap:]
	}

	if n == 1 {
		p.Spending.MinAmount = amount
		p.Spending.MaxAmount = amount
		p.Spending.AvgAmount = amount
		p.Spending.StdAmount = 0.0
	} else {
		p.Spending.MinAmount = math.Min(p.Spending.MinAmount, amount)
		p.Spending.MaxAmount = math.Max(p.Spending.MaxAmount, amount)

		// Welford's online recurrence for mean and variance.
		oldMean := p.Spending.AvgAmount
		p.Spending.AvgAmount = oldMean + (amount-oldMean)/float64(n)

		oldStd := p.Spending.StdAmount
		variance := float64(n-2)/float64(n-1)*oldStd*oldStd +
			(amount-oldMean)*(amount-oldMean)/float64(n)
		p.Spending.StdAmount = math.Max(1.0, math.Sqrt(variance))
	}

	if len(p.RecentAmounts) >= minSamplesForPercentiles {
		sorted := make([]float64, len(p.RecentAmounts))
		copy(sorted, p.RecentAmounts)
		sort.Float64s(sorted)
		p.Spending.MedianAmount = percentileOf(sorted, 50)
		p.Spending.P25Amount = percentileOf(sorted, 25)
		p.Spending.P75Amount = percentileOf(sorted, 75)
		p.Spending.P95Amount = percentileOf(sorted, 95)
	}
}

func (p *BehaviorProfile) updateTimePatterns(ts time.Time) {
	hour := ts.Hour()
	day := mondayIndexedWeekday(ts)

	if len(p.Time.HourDistribution) != 24 {
		p.Time.HourDistribution = uniformDistribution(24)
	}
	if len(p.Time.DayDistribution) != 7 {
		p.Time.DayDistribution = uniformDistribution(7)
	}

	smooth(p.Time.HourDistribution, hour)
	smooth(p.Time.DayDistribution, day)

	p.Time.PeakHours = aboveUniform(p.Time.HourDistribution)
	p.Time.ActiveDays = aboveUniform(p.Time.DayDistribution)
}

// smooth applies exponential smoothing toward the observed bucket and
// renormalizes the distribution to sum to 1.
func smooth(dist []float64, bucket int) {
	for i := range dist {
		if i == bucket {
			dist[i] = timeSmoothingAlpha + (1-timeSmoothingAlpha)*dist[i]
		} else {
			dist[i] *= 1 - timeSmoothingAlpha
		}
	}
	var total float64
	for _, v := range dist {
		total += v
	}
	if total > 0 {
		for i := range dist {
			dist[i] /= total
		}
	}
}

// aboveUniform returns the buckets whose probability exceeds 0.8x the
// uniform baseline for the distribution's cardinality.
func aboveUniform(dist []float64) []int {
	threshold := peakHourFactor / float64(len(dist))
	out := make([]int, 0, len(dist))
	for i, v := range dist {
		if v > threshold {
			out = append(out, i)
		}
	}
	return out
}

// mondayIndexedWeekday maps time.Weekday (Sunday=0) onto Monday=0..Sunday=6,
// the indexing the day distribution is keyed by.
func mondayIndexedWeekday(ts time.Time) int {
	return (int(ts.Weekday()) + 6) % 7
}

// percentileOf computes a linearly interpolated percentile over sorted data.
func percentileOf(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// AmountZScore returns the z-score of an amount against the profile's
// spending stats, or 0 while the deviation is still at its degenerate
// initial value.
func (p *BehaviorProfile) AmountZScore(amount float64) float64 {
	if p.Spending.StdAmount == 0 || p.Spending.StdAmount == 1.0 {
		return 0
	}
	return (amount - p.Spending.AvgAmount) / p.Spending.StdAmount
}

// AmountPercentile returns the percentile (0-100) of an amount within the
// recency buffer: the fraction of buffered amounts strictly below it.
func (p *BehaviorProfile) AmountPercentile(amount float64) float64 {
	if len(p.RecentAmounts) == 0 {
		return 50.0
	}
	below := 0
	for _, a := range p.RecentAmounts {
		if a < amount {
			below++
		}
	}
	return float64(below) / float64(len(p.RecentAmounts)) * 100
}

// HourProbability returns the smoothed probability of activity at the given
// hour; out-of-range hours fall back to the uniform value.
func (p *BehaviorProfile) HourProbability(hour int) float64 {
	if hour >= 0 && hour < 24 && len(p.Time.HourDistribution) == 24 {
		return p.Time.HourDistribution[hour]
	}
	return 1.0 / 24
}

// DayProbability returns the smoothed probability for a Monday-indexed day;
// out-of-range days fall back to the uniform value.
func (p *BehaviorProfile) DayProbability(day int) float64 {
	if day >= 0 && day < 7 && len(p.Time.DayDistribution) == 7 {
		return p.Time.DayDistribution[day]
	}
	return 1.0 / 7
}

// KnownMerchant reports whether the account has transacted with the
// merchant before.
func (p *BehaviorProfile) KnownMerchant(merchant string) bool {
	_, ok := p.Merchant.MerchantCounts[merchant]
	return ok
}

// MerchantFrequency returns the share of the account's merchant
// observations attributed to the given merchant, in [0,1].
func (p *BehaviorProfile) MerchantFrequency(merchant string) float64 {
	if len(p.Merchant.MerchantCounts) == 0 {
		return 0
	}
	total := 0
	for _, c := range p.Merchant.MerchantCounts {
		total += c
	}
	if total == 0 {
		return 0
	}
	return float64(p.Merchant.MerchantCounts[merchant]) / float64(total)
}

// Clone returns a deep copy, used by the store so buffered writes are not
// mutated by concurrent extraction.
func (p *BehaviorProfile) Clone() *BehaviorProfile {
	cp := *p
	cp.Time.HourDistribution = append([]float64(nil), p.Time.HourDistribution...)
	cp.Time.DayDistribution = append([]float64(nil), p.Time.DayDistribution...)
	cp.Time.PeakHours = append([]int(nil), p.Time.PeakHours...)
	cp.Time.ActiveDays = append([]int(nil), p.Time.ActiveDays...)
	cp.RecentAmounts = append([]float64(nil), p.RecentAmounts...)
	cp.Merchant.MerchantCounts = make(map[string]int, len(p.Merchant.MerchantCounts))
	for k, v := range p.Merchant.MerchantCounts {
		cp.Merchant.MerchantCounts[k] = v
	}
	cp.Merchant.CategoryCounts = make(map[string]int, len(p.Merchant.CategoryCounts))
	for k, v := range p.Merchant.CategoryCounts {
		cp.Merchant.CategoryCounts[k] = v
	}
	if p.FirstTransactionAt != nil {
		t := *p.FirstTransactionAt
		cp.FirstTransactionAt = &t
	}
	if p.LastTransactionAt != nil {
		t := *p.LastTransactionAt
		cp.LastTransactionAt = &t
	}
	return &cp
}
