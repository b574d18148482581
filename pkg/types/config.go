package types

import (
	"fmt"
	"math"
	"time"
)

// SizingMode selects the sizing algorithm used by the Rebalancer Engine.
type SizingMode string

const (
	SizingEqualWeight   SizingMode = "equal_weight"
	SizingScoreWeighted SizingMode = "score_weighted"
	SizingAdaptive      SizingMode = "adaptive"
)

// ResidualStrategy selects how unallocated capacity is distributed.
type ResidualStrategy string

const (
	ResidualSafeTopSlice ResidualStrategy = "safe_top_slice"
	ResidualProportional ResidualStrategy = "proportional"
	ResidualCashBucket   ResidualStrategy = "cash_bucket"
)

// PortfolioConfig groups the portfolio-wide sizing/eligibility bounds.
type PortfolioConfig struct {
	MaxTotalPositions           int     `mapstructure:"max_total_positions"`
	MaxNewPositionsPerRebalance int     `mapstructure:"max_new_positions_per_rebalance"`
	MinScoreThreshold           float64 `mapstructure:"min_score_threshold"`
	MinScoreNewPosition         float64 `mapstructure:"min_score_new_position"`
	MaxSinglePositionPct        float64 `mapstructure:"max_single_position_pct"`
	TargetTotalAllocation       float64 `mapstructure:"target_total_allocation"`
}

// ScoringWeightsConfig configures how external scorers blend components.
// The core only validates that they sum to ~1.0; blending itself happens
// in the Scorer collaborator.
type ScoringWeightsConfig struct {
	TechnicalWeight   float64 `mapstructure:"technical_weight"`
	FundamentalWeight float64 `mapstructure:"fundamental_weight"`
}

// BucketConfig configures diversification limits.
type BucketConfig struct {
	Enable                 bool    `mapstructure:"enable"`
	MaxPositionsPerBucket  int     `mapstructure:"max_positions_per_bucket"`
	MaxAllocationPerBucket float64 `mapstructure:"max_allocation_per_bucket"`
	MinBucketsRepresented  int     `mapstructure:"min_buckets_represented"`
	AllowBucketOverflow    bool    `mapstructure:"allow_bucket_overflow"`
	CorrelationLimit       float64 `mapstructure:"correlation_limit"`
}

// SizingConfig configures the Rebalancer Engine's sizing stage.
type SizingConfig struct {
	EnableDynamic       bool             `mapstructure:"enable_dynamic"`
	Mode                SizingMode       `mapstructure:"sizing_mode"`
	MaxSinglePosition   float64          `mapstructure:"max_single_position"`
	MinPositionSize     float64          `mapstructure:"min_position_size"`
	EnableTwoStage      bool             `mapstructure:"enable_two_stage"`
	ResidualStrategy    ResidualStrategy `mapstructure:"residual_strategy"`
	MaxResidualPerAsset float64          `mapstructure:"max_residual_per_asset"`
	MaxResidualMultiple float64          `mapstructure:"max_residual_multiple"`
}

// LifecycleConfig configures C3-C5: grace, holding, and whipsaw rules.
type LifecycleConfig struct {
	EnableGrace              bool          `mapstructure:"enable_grace"`
	GracePeriodDays          int           `mapstructure:"grace_period_days"`
	DecayRate                float64       `mapstructure:"decay_rate"`
	MinDecayFactor           float64       `mapstructure:"min_decay_factor"`
	MinHoldingDays           int           `mapstructure:"min_holding_days"`
	MaxHoldingDays           int           `mapstructure:"max_holding_days"`
	EnableRegimeOverrides    bool          `mapstructure:"enable_regime_overrides"`
	RegimeOverrideCooldown   time.Duration `mapstructure:"regime_override_cooldown_days"`
	RegimeSeverityThreshold  string        `mapstructure:"regime_severity_threshold"`
	EnableWhipsaw            bool          `mapstructure:"enable_whipsaw"`
	MaxCyclesPerPeriod       int           `mapstructure:"max_cycles_per_period"`
	WhipsawProtectionDays    int           `mapstructure:"whipsaw_protection_days"`
	MinPositionDurationHours float64       `mapstructure:"min_position_duration_hours"`
}

// CoreAssetConfig configures C6.
type CoreAssetConfig struct {
	Enable                        bool    `mapstructure:"enable"`
	MaxCoreAssets                 int     `mapstructure:"max_core_assets"`
	OverrideScoreThreshold        float64 `mapstructure:"override_score_threshold"`
	ExpiryDays                    int     `mapstructure:"expiry_days"`
	UnderperformanceThreshold     float64 `mapstructure:"underperformance_threshold"`
	UnderperformanceWindowDays    int     `mapstructure:"underperformance_window_days"`
	ExtensionLimit                int     `mapstructure:"extension_limit"`
	PerformanceCheckFrequencyDays int     `mapstructure:"performance_check_frequency_days"`
}

// Config is the full recognized configuration surface: portfolio
// eligibility/sizing bounds, scoring weights, bucket diversification,
// sizing, lifecycle protections, and core-asset management.
type Config struct {
	Portfolio        PortfolioConfig
	ScoreWeights     ScoringWeightsConfig
	Bucket           BucketConfig
	Sizing           SizingConfig
	Lifecycle        LifecycleConfig
	CoreAsset        CoreAssetConfig
	RebalanceTimeout time.Duration `mapstructure:"rebalance_timeout"`
}

// DefaultConfig returns the documented default for every configuration
// field.
func DefaultConfig() *Config {
	return &Config{
		Portfolio: PortfolioConfig{
			MaxTotalPositions:           10,
			MaxNewPositionsPerRebalance: 3,
			MinScoreThreshold:           0.6,
			MinScoreNewPosition:         0.65,
			MaxSinglePositionPct:        0.2,
			TargetTotalAllocation:       0.95,
		},
		ScoreWeights: ScoringWeightsConfig{
			TechnicalWeight:   0.5,
			FundamentalWeight: 0.5,
		},
		Bucket: BucketConfig{
			Enable:                 false,
			MaxPositionsPerBucket:  0,
			MaxAllocationPerBucket: 1.0,
			MinBucketsRepresented:  0,
			AllowBucketOverflow:    false,
			CorrelationLimit:       1.0,
		},
		Sizing: SizingConfig{
			EnableDynamic:       true,
			Mode:                SizingScoreWeighted,
			MaxSinglePosition:   0.2,
			MinPositionSize:     0.01,
			EnableTwoStage:      true,
			ResidualStrategy:    ResidualSafeTopSlice,
			MaxResidualPerAsset: 0.1,
			MaxResidualMultiple: 1.5,
		},
		Lifecycle: LifecycleConfig{
			EnableGrace:              true,
			GracePeriodDays:          5,
			DecayRate:                0.8,
			MinDecayFactor:           0.1,
			MinHoldingDays:           3,
			MaxHoldingDays:           90,
			EnableRegimeOverrides:    true,
			RegimeOverrideCooldown:   30 * 24 * time.Hour,
			RegimeSeverityThreshold:  "high",
			EnableWhipsaw:            true,
			MaxCyclesPerPeriod:       1,
			WhipsawProtectionDays:    14,
			MinPositionDurationHours: 4,
		},
		CoreAsset: CoreAssetConfig{
			Enable:                        true,
			MaxCoreAssets:                 3,
			OverrideScoreThreshold:        0.95,
			ExpiryDays:                    90,
			UnderperformanceThreshold:     0.15,
			UnderperformanceWindowDays:    30,
			ExtensionLimit:                2,
			PerformanceCheckFrequencyDays: 7,
		},
		RebalanceTimeout: 30 * time.Second,
	}
}

// Validate performs every required cross-field check,
// returning the first violation found. Use ValidateAll to collect every
// violation at once.
func (c *Config) Validate() error {
	errs := c.ValidateAll()
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// ValidateAll returns every cross-field validation failure rather than
// just the first.
func (c *Config) ValidateAll() []error {
	var errs []error

	if c.Portfolio.MaxNewPositionsPerRebalance > c.Portfolio.MaxTotalPositions {
		errs = append(errs, fmt.Errorf("max_new_positions_per_rebalance (%d) must be <= max_total_positions (%d)",
			c.Portfolio.MaxNewPositionsPerRebalance, c.Portfolio.MaxTotalPositions))
	}
	if c.Portfolio.MaxTotalPositions < 1 || c.Portfolio.MaxTotalPositions > 50 {
		errs = append(errs, fmt.Errorf("max_total_positions (%d) must be in [1,50]", c.Portfolio.MaxTotalPositions))
	}
	if c.Portfolio.MaxSinglePositionPct < 0.01 || c.Portfolio.MaxSinglePositionPct > 1.0 {
		errs = append(errs, fmt.Errorf("max_single_position_pct (%v) must be in [0.01,1.0]", c.Portfolio.MaxSinglePositionPct))
	}
	if c.Portfolio.TargetTotalAllocation < 0.5 || c.Portfolio.TargetTotalAllocation > 1.0 {
		errs = append(errs, fmt.Errorf("target_total_allocation (%v) must be in [0.5,1.0]", c.Portfolio.TargetTotalAllocation))
	}

	if c.Lifecycle.MinHoldingDays >= c.Lifecycle.MaxHoldingDays {
		errs = append(errs, fmt.Errorf("min_holding_days (%d) must be < max_holding_days (%d)",
			c.Lifecycle.MinHoldingDays, c.Lifecycle.MaxHoldingDays))
	}

	weightSum := c.ScoreWeights.TechnicalWeight + c.ScoreWeights.FundamentalWeight
	if math.Abs(weightSum-1.0) > 0.05 {
		errs = append(errs, fmt.Errorf("technical_weight + fundamental_weight (%v) must be within 0.05 of 1.0", weightSum))
	}

	if float64(c.Portfolio.MaxTotalPositions)*c.Portfolio.MaxSinglePositionPct < c.Portfolio.TargetTotalAllocation {
		errs = append(errs, fmt.Errorf(
			"max_total_positions x max_single_position_pct (%v) must be >= target_total_allocation (%v)",
			float64(c.Portfolio.MaxTotalPositions)*c.Portfolio.MaxSinglePositionPct, c.Portfolio.TargetTotalAllocation))
	}

	if c.Bucket.AllowBucketOverflow && !c.Bucket.Enable {
		errs = append(errs, fmt.Errorf("core-asset management requires bucket diversification enabled when bucket-override features are used"))
	}

	return errs
}

// Severity threshold parsed from Lifecycle.RegimeSeverityThreshold.
func (c *Config) RegimeSeverityThreshold() Severity {
	return ParseSeverity(c.Lifecycle.RegimeSeverityThreshold)
}
