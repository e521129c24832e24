package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the durable row shape for a behavior profile. Distributions,
// count tables and the recency buffer are stored as JSON columns to keep the
// schema stable while the tables grow.
type Record struct {
	Identity string `gorm:"primaryKey;column:identity"`

	AvgAmount    float64 `gorm:"column:avg_amount"`
	StdAmount    float64 `gorm:"column:std_amount"`
	MinAmount    float64 `gorm:"column:min_amount"`
	MaxAmount    float64 `gorm:"column:max_amount"`
	MedianAmount float64 `gorm:"column:median_amount"`
	P25Amount    float64 `gorm:"column:p25_amount"`
	P75Amount    float64 `gorm:"column:p75_amount"`
	P95Amount    float64 `gorm:"column:p95_amount"`

	HourDistribution string `gorm:"column:hour_distribution;type:text"`
	DayDistribution  string `gorm:"column:day_distribution;type:text"`
	PeakHours        string `gorm:"column:peak_hours;type:text"`
	ActiveDays       string `gorm:"column:active_days;type:text"`

	AvgDailyCount  float64 `gorm:"column:avg_daily_count"`
	AvgHourlyCount float64 `gorm:"column:avg_hourly_count"`
	Avg10MinCount  float64 `gorm:"column:avg_10min_count"`
	Max10MinCount  int     `gorm:"column:max_10min_count"`
	AvgGapSeconds  float64 `gorm:"column:avg_gap_seconds"`

	MerchantCounts  string `gorm:"column:merchant_counts;type:text"`
	CategoryCounts  string `gorm:"column:category_counts;type:text"`
	UniqueMerchants int    `gorm:"column:unique_merchants"`

	TotalTransactions int  `gorm:"column:total_transactions"`
	IsMature          bool `gorm:"column:is_mature"`
	MaturityThreshold int  `gorm:"column:maturity_threshold"`

	RecentAmounts string `gorm:"column:recent_amounts;type:text"`

	FirstTransactionAt *time.Time `gorm:"column:first_transaction_at"`
	LastTransactionAt  *time.Time `gorm:"column:last_transaction_at"`

	// The profile's own timestamps are authoritative; gorm must not
	// overwrite them at write time.
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

// TableName pins the table name over gorm's pluralized default.
func (Record) TableName() string { return "user_behavior_profiles" }

// GormStore implements the durable tier on a gorm-managed database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the profile table and returns the durable tier.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate profile table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Load fetches one identity's profile, returning ErrNotFound when the
// identity has never been persisted.
func (g *GormStore) Load(ctx context.Context, identity string) (*BehaviorProfile, error) {
	var rec Record
	err := g.db.WithContext(ctx).First(&rec, "identity = ?", identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return recordToProfile(&rec)
}

// Persist upserts the profile row, last write wins.
func (g *GormStore) Persist(ctx context.Context, p *BehaviorProfile) error {
	rec, err := profileToRecord(p)
	if err != nil {
		return err
	}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		UpdateAll: true,
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	return nil
}

// Delete removes the identity's row.
func (g *GormStore) Delete(ctx context.Context, identity string) error {
	err := g.db.WithContext(ctx).Delete(&Record{}, "identity = ?", identity).Error
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func profileToRecord(p *BehaviorProfile) (*Record, error) {
	hours, err := marshalJSON(p.Time.HourDistribution)
	if err != nil {
		return nil, fmt.Errorf("encode hour distribution: %w", err)
	}
	days, err := marshalJSON(p.Time.DayDistribution)
	if err != nil {
		return nil, fmt.Errorf("encode day distribution: %w", err)
	}
	peak, err := marshalJSON(p.Time.PeakHours)
	if err != nil {
		return nil, fmt.Errorf("encode peak hours: %w", err)
	}
	active, err := marshalJSON(p.Time.ActiveDays)
	if err != nil {
		return nil, fmt.Errorf("encode active days: %w", err)
	}
	merchants, err := marshalJSON(p.Merchant.MerchantCounts)
	if err != nil {
		return nil, fmt.Errorf("encode merchant counts: %w", err)
	}
	categories, err := marshalJSON(p.Merchant.CategoryCounts)
	if err != nil {
		return nil, fmt.Errorf("encode category counts: %w", err)
	}
	recent, err := marshalJSON(p.RecentAmounts)
	if err != nil {
		return nil, fmt.Errorf("encode recent amounts: %w", err)
	}

	return &Record{
		Identity:           p.Identity,
		AvgAmount:          p.Spending.AvgAmount,
		StdAmount:          p.Spending.StdAmount,
		MinAmount:          p.Spending.MinAmount,
		MaxAmount:          p.Spending.MaxAmount,
		MedianAmount:       p.Spending.MedianAmount,
		P25Amount:          p.Spending.P25Amount,
		P75Amount:          p.Spending.P75Amount,
		P95Amount:          p.Spending.P95Amount,
		HourDistribution:   hours,
		DayDistribution:    days,
		PeakHours:          peak,
		ActiveDays:         active,
		AvgDailyCount:      p.Velocity.AvgDailyCount,
		AvgHourlyCount:     p.Velocity.AvgHourlyCount,
		Avg10MinCount:      p.Velocity.Avg10MinCount,
		Max10MinCount:      p.Velocity.Max10MinCount,
		AvgGapSeconds:      p.Velocity.AvgGapSeconds,
		MerchantCounts:     merchants,
		CategoryCounts:     categories,
		UniqueMerchants:    p.Merchant.UniqueMerchants,
		TotalTransactions:  p.TotalTransactions,
		IsMature:           p.IsMature,
		MaturityThreshold:  p.MaturityThreshold,
		RecentAmounts:      recent,
		FirstTransactionAt: p.FirstTransactionAt,
		LastTransactionAt:  p.LastTransactionAt,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}, nil
}

func recordToProfile(rec *Record) (*BehaviorProfile, error) {
	p := NewDefault(rec.Identity)
	p.Spending = SpendingStats{
		AvgAmount:    rec.AvgAmount,
		StdAmount:    rec.StdAmount,
		MinAmount:    rec.MinAmount,
		MaxAmount:    rec.MaxAmount,
		MedianAmount: rec.MedianAmount,
		P25Amount:    rec.P25Amount,
		P75Amount:    rec.P75Amount,
		P95Amount:    rec.P95Amount,
	}
	p.Velocity = VelocityPatterns{
		AvgDailyCount:  rec.AvgDailyCount,
		AvgHourlyCount: rec.AvgHourlyCount,
		Avg10MinCount:  rec.Avg10MinCount,
		Max10MinCount:  rec.Max10MinCount,
		AvgGapSeconds:  rec.AvgGapSeconds,
	}
	p.TotalTransactions = rec.TotalTransactions
	p.IsMature = rec.IsMature
	if rec.MaturityThreshold > 0 {
		p.MaturityThreshold = rec.MaturityThreshold
	}
	p.FirstTransactionAt = rec.FirstTransactionAt
	p.LastTransactionAt = rec.LastTransactionAt
	p.CreatedAt = rec.CreatedAt
	p.UpdatedAt = rec.UpdatedAt

	if rec.HourDistribution != "" {
		if err := json.Unmarshal([]byte(rec.HourDistribution), &p.Time.HourDistribution); err != nil {
			return nil, fmt.Errorf("decode hour distribution: %w", err)
		}
	}
	if rec.DayDistribution != "" {
		if err := json.Unmarshal([]byte(rec.DayDistribution), &p.Time.DayDistribution); err != nil {
			return nil, fmt.Errorf("decode day distribution: %w", err)
		}
	}
	if rec.PeakHours != "" {
		if err := json.Unmarshal([]byte(rec.PeakHours), &p.Time.PeakHours); err != nil {
			return nil, fmt.Errorf("decode peak hours: %w", err)
		}
	}
	if rec.ActiveDays != "" {
		if err := json.Unmarshal([]byte(rec.ActiveDays), &p.Time.ActiveDays); err != nil {
			return nil, fmt.Errorf("decode active days: %w", err)
		}
	}
	if rec.MerchantCounts != "" {
		if err := json.Unmarshal([]byte(rec.MerchantCounts), &p.Merchant.MerchantCounts); err != nil {
			return nil, fmt.Errorf("decode merchant counts: %w", err)
		}
	}
	if rec.CategoryCounts != "" {
		if err := json.Unmarshal([]byte(rec.CategoryCounts), &p.Merchant.CategoryCounts); err != nil {
			return nil, fmt.Errorf("decode category counts: %w", err)
		}
	}
	if rec.RecentAmounts != "" {
		if err := json.Unmarshal([]byte(rec.RecentAmounts), &p.RecentAmounts); err != nil {
			return nil, fmt.Errorf("decode recent amounts: %w", err)
		}
	}
	p.Merchant.UniqueMerchants = rec.UniqueMerchants
	return p, nil
}
