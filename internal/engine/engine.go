// Package engine owns the process-wide wiring of the scoring pipeline:
// profile store, velocity counter, feature extractor and scoring model are
// constructed once and passed by reference, with no hidden global state.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/anomalyze/anomalyze/internal/features"
	"github.com/anomalyze/anomalyze/internal/ml"
	"github.com/anomalyze/anomalyze/internal/profile"
)

// Transaction is one scoring request.
type Transaction struct {
	Identity  string          `json:"identity"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
	Merchant  string          `json:"merchant,omitempty"`
	Category  string          `json:"category,omitempty"`
}

// Verdict is the scoring response: the model's output plus the enrichment
// facts computed during feature extraction.
type Verdict struct {
	RequestID       string               `json:"request_id"`
	Identity        string               `json:"identity"`
	Score           float64              `json:"score"`
	Label           string               `json:"label"`
	ModelVersion    string               `json:"model_version"`
	TopContributors []ml.Contribution    `json:"top_contributors"`
	Enrichment      *features.Enrichment `json:"enrichment"`
	Features        []float64            `json:"features"`
}

// Engine is the explicit ownership root for the scoring pipeline.
type Engine struct {
	profiles  *profile.Store
	extractor *features.Extractor
	model     *ml.Model
	logger    *zap.Logger
}

// New wires the engine from its collaborators.
func New(profiles *profile.Store, extractor *features.Extractor, model *ml.Model, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		profiles:  profiles,
		extractor: extractor,
		model:     model,
		logger:    logger,
	}
}

// Model exposes the scoring model for lifecycle operations (load, train).
func (e *Engine) Model() *ml.Model { return e.model }

// Profiles exposes the profile store for operator actions.
func (e *Engine) Profiles() *profile.Store { return e.profiles }

// Score runs the full pipeline for one transaction: feature extraction
// (with its profile and velocity side effects) followed by model inference.
// It fails only on model precondition errors; storage-tier failures have
// already degraded inside extraction.
func (e *Engine) Score(ctx context.Context, tx Transaction) (*Verdict, error) {
	vec, enrichment, _ := e.extractor.Extract(
		ctx, tx.Identity, tx.Amount, tx.Timestamp, tx.Merchant, tx.Category)

	pred, err := e.model.Predict(vec)
	if err != nil {
		return nil, fmt.Errorf("score transaction: %w", err)
	}

	v := &Verdict{
		RequestID:       uuid.NewString(),
		Identity:        tx.Identity,
		Score:           pred.Score,
		Label:           pred.Label,
		ModelVersion:    pred.ModelVersion,
		TopContributors: pred.TopContributors,
		Enrichment:      enrichment,
		Features:        vec,
	}

	e.logger.Debug("transaction scored",
		zap.String("request_id", v.RequestID),
		zap.String("identity", tx.Identity),
		zap.Float64("score", v.Score),
		zap.String("label", v.Label))

	return v, nil
}

// ResetProfile drops an identity's behavioral history from every tier.
func (e *Engine) ResetProfile(ctx context.Context, identity string) error {
	return e.profiles.Reset(ctx, identity)
}

// Close tears the engine down in order: the profile store drains its write
// buffer before the durable connection is released.
func (e *Engine) Close(ctx context.Context) error {
	return e.profiles.Close(ctx)
}
