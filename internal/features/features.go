// Package features turns a transaction plus an account's behavior profile
// into the fixed-width vector the scoring model consumes.
package features

// Feature indices. Order is part of the storage/training contract and must
// never change without a model version bump.
const (
	LogAmount = iota
	AmountZScore
	AmountPercentile
	VelocityRatio
	HourDeviation
	DayDeviation
	TimeSinceLast
	MerchantFamiliarity
	IsNewIdentity
	GlobalAmountFlag

	NumFeatures
)

// Names lists the feature names in vector order.
var Names = [NumFeatures]string{
	"log_amount",
	"amount_zscore",
	"amount_percentile",
	"velocity_ratio",
	"hour_deviation",
	"day_deviation",
	"time_since_last",
	"merchant_familiarity",
	"is_new_identity",
	"global_amount_flag",
}

// EnrichmentSchemaVersion tracks the Enrichment record shape so producers
// and consumers of the payload detect drift instead of silently diverging.
const EnrichmentSchemaVersion = 1

// Enrichment carries the human-readable context computed alongside a
// feature vector.
type Enrichment struct {
	SchemaVersion     int     `json:"schema_version"`
	AvgSpend          float64 `json:"avg_spend"`
	StdSpend          float64 `json:"std_spend"`
	AmountZScore      float64 `json:"amount_zscore"`
	AmountPercentile  float64 `json:"amount_percentile"`
	WindowCount       int     `json:"window_count"`
	VelocityRatio     float64 `json:"velocity_ratio"`
	HourDeviation     float64 `json:"hour_deviation"`
	IsMatureProfile   bool    `json:"is_mature_profile"`
	TotalTransactions int     `json:"total_transactions"`
}
