// Package config loads the rebalancing core's configuration from
// defaults, an optional file, and environment overrides, using viper as
// the merge layer behind a typed config struct, never referenced
// directly by business logic.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"github.com/regimeguard/rebalance-core/pkg/types"
)

// EnvPrefix is the prefix viper requires on every environment override,
// e.g. REBAL_PORTFOLIO_MAX_TOTAL_POSITIONS.
const EnvPrefix = "REBAL"

// Option customizes a Load call.
type Option func(*viper.Viper)

// WithFile points the loader at an optional config file. A missing file
// is not an error: defaults and environment overrides still apply. Any
// other read, decode, or validation failure is returned by Load as a
// types.CoreError of kind ErrConfigInvalid.
func WithFile(path string) Option {
	return func(v *viper.Viper) {
		v.SetConfigFile(path)
	}
}

// WithFileType forces the config file format when the path has no
// recognizable extension (e.g. a file named "rebalance.conf" holding
// YAML).
func WithFileType(fileType string) Option {
	return func(v *viper.Viper) {
		v.SetConfigType(fileType)
	}
}

// Load merges types.DefaultConfig(), an optional file, and REBAL_-
// prefixed environment variables into a single *types.Config, then
// validates the result.
func Load(opts ...Option) (*types.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := types.DefaultConfig()
	bindDefaults(v, defaults)

	for _, opt := range opts {
		opt(v)
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, types.NewCoreError(types.ErrConfigInvalid, "config: read config file", err)
			}
		}
	}

	cfg := *defaults
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.NewCoreError(types.ErrConfigInvalid, "config: unmarshal", err)
	}

	if errs := cfg.ValidateAll(); len(errs) > 0 {
		return nil, types.NewCoreError(types.ErrConfigInvalid, fmt.Sprintf("config: %d validation error(s), first", len(errs)), errs[0])
	}
	return &cfg, nil
}

// bindDefaults seeds viper with every field types.DefaultConfig()
// populates, so a key absent from both file and environment still
// resolves to its struct default after Unmarshal.
func bindDefaults(v *viper.Viper, cfg *types.Config) {
	v.SetDefault("portfolio.max_total_positions", cfg.Portfolio.MaxTotalPositions)
	v.SetDefault("portfolio.max_new_positions_per_rebalance", cfg.Portfolio.MaxNewPositionsPerRebalance)
	v.SetDefault("portfolio.min_score_threshold", cfg.Portfolio.MinScoreThreshold)
	v.SetDefault("portfolio.min_score_new_position", cfg.Portfolio.MinScoreNewPosition)
	v.SetDefault("portfolio.max_single_position_pct", cfg.Portfolio.MaxSinglePositionPct)
	v.SetDefault("portfolio.target_total_allocation", cfg.Portfolio.TargetTotalAllocation)

	v.SetDefault("scoreweights.technical_weight", cfg.ScoreWeights.TechnicalWeight)
	v.SetDefault("scoreweights.fundamental_weight", cfg.ScoreWeights.FundamentalWeight)

	v.SetDefault("bucket.enable", cfg.Bucket.Enable)
	v.SetDefault("bucket.max_positions_per_bucket", cfg.Bucket.MaxPositionsPerBucket)
	v.SetDefault("bucket.max_allocation_per_bucket", cfg.Bucket.MaxAllocationPerBucket)
	v.SetDefault("bucket.min_buckets_represented", cfg.Bucket.MinBucketsRepresented)
	v.SetDefault("bucket.allow_bucket_overflow", cfg.Bucket.AllowBucketOverflow)
	v.SetDefault("bucket.correlation_limit", cfg.Bucket.CorrelationLimit)

	v.SetDefault("sizing.enable_dynamic", cfg.Sizing.EnableDynamic)
	v.SetDefault("sizing.sizing_mode", string(cfg.Sizing.Mode))
	v.SetDefault("sizing.max_single_position", cfg.Sizing.MaxSinglePosition)
	v.SetDefault("sizing.min_position_size", cfg.Sizing.MinPositionSize)
	v.SetDefault("sizing.enable_two_stage", cfg.Sizing.EnableTwoStage)
	v.SetDefault("sizing.residual_strategy", string(cfg.Sizing.ResidualStrategy))
	v.SetDefault("sizing.max_residual_per_asset", cfg.Sizing.MaxResidualPerAsset)
	v.SetDefault("sizing.max_residual_multiple", cfg.Sizing.MaxResidualMultiple)

	v.SetDefault("lifecycle.enable_grace", cfg.Lifecycle.EnableGrace)
	v.SetDefault("lifecycle.grace_period_days", cfg.Lifecycle.GracePeriodDays)
	v.SetDefault("lifecycle.decay_rate", cfg.Lifecycle.DecayRate)
	v.SetDefault("lifecycle.min_decay_factor", cfg.Lifecycle.MinDecayFactor)
	v.SetDefault("lifecycle.min_holding_days", cfg.Lifecycle.MinHoldingDays)
	v.SetDefault("lifecycle.max_holding_days", cfg.Lifecycle.MaxHoldingDays)
	v.SetDefault("lifecycle.enable_regime_overrides", cfg.Lifecycle.EnableRegimeOverrides)
	v.SetDefault("lifecycle.regime_override_cooldown_days", cfg.Lifecycle.RegimeOverrideCooldown)
	v.SetDefault("lifecycle.regime_severity_threshold", cfg.Lifecycle.RegimeSeverityThreshold)
	v.SetDefault("lifecycle.enable_whipsaw", cfg.Lifecycle.EnableWhipsaw)
	v.SetDefault("lifecycle.max_cycles_per_period", cfg.Lifecycle.MaxCyclesPerPeriod)
	v.SetDefault("lifecycle.whipsaw_protection_days", cfg.Lifecycle.WhipsawProtectionDays)
	v.SetDefault("lifecycle.min_position_duration_hours", cfg.Lifecycle.MinPositionDurationHours)

	v.SetDefault("coreasset.enable", cfg.CoreAsset.Enable)
	v.SetDefault("coreasset.max_core_assets", cfg.CoreAsset.MaxCoreAssets)
	v.SetDefault("coreasset.override_score_threshold", cfg.CoreAsset.OverrideScoreThreshold)
	v.SetDefault("coreasset.expiry_days", cfg.CoreAsset.ExpiryDays)
	v.SetDefault("coreasset.underperformance_threshold", cfg.CoreAsset.UnderperformanceThreshold)
	v.SetDefault("coreasset.underperformance_window_days", cfg.CoreAsset.UnderperformanceWindowDays)
	v.SetDefault("coreasset.extension_limit", cfg.CoreAsset.ExtensionLimit)
	v.SetDefault("coreasset.performance_check_frequency_days", cfg.CoreAsset.PerformanceCheckFrequencyDays)

	v.SetDefault("rebalance_timeout", cfg.RebalanceTimeout)
}
