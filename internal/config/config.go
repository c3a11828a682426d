// Package config defines all configuration for the MEV service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MEV_* environment variables. Unknown
// keys are rejected at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Every recognized option is enumerated here; anything else in
// the file fails Load.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Composer   ComposerConfig   `mapstructure:"composer"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Strategy   string           `mapstructure:"strategy"`
	Hub        HubConfig        `mapstructure:"hub"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ChainConfig holds the RPC/WebSocket endpoints and stream tuning.
// Backoff grows exponentially from the initial value to the cap, with
// ±20% jitter applied per attempt.
type ChainConfig struct {
	WSURL                     string `mapstructure:"ws_url"`
	RPCURL                    string `mapstructure:"rpc_url"`
	HeartbeatIntervalMS       int    `mapstructure:"heartbeat_interval_ms"`
	ReconnectBackoffInitialMS int    `mapstructure:"reconnect_backoff_initial_ms"`
	ReconnectBackoffMaxMS     int    `mapstructure:"reconnect_backoff_max_ms"`
	RPCAttempts               int    `mapstructure:"rpc_attempts"`
}

func (c ChainConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c ChainConfig) BackoffInitial() time.Duration {
	return time.Duration(c.ReconnectBackoffInitialMS) * time.Millisecond
}

func (c ChainConfig) BackoffMax() time.Duration {
	return time.Duration(c.ReconnectBackoffMaxMS) * time.Millisecond
}

// GraphConfig tunes market-graph eviction.
type GraphConfig struct {
	PoolTTLMS       int `mapstructure:"pool_ttl_ms"`
	EvictIntervalMS int `mapstructure:"evict_interval_ms"`
}

func (c GraphConfig) PoolTTL() time.Duration {
	return time.Duration(c.PoolTTLMS) * time.Millisecond
}

func (c GraphConfig) EvictInterval() time.Duration {
	return time.Duration(c.EvictIntervalMS) * time.Millisecond
}

// DetectorConfig tunes the three opportunity detectors.
//
//   - Watchlist: start tokens (hex) the arbitrage pathfinder cycles from.
//     The first entry is the native mint used as the lamport unit.
//   - USDToken: stablecoin mint (hex) used as the USD pricing reference.
//   - MaxHops: arbitrage cycle length cap (typically 3-4).
//   - MinProfitLamports: opportunity cutoff applied by every detector.
//   - MaxSlippageBps: per-hop slippage bound for accepted cycles.
//   - RescanIntervalMS: liquidation re-emit debounce (typically 1-5 s).
//   - MaxLiqPerRound: liquidation emission cap per scan round.
//   - MinTargetValueUSD: sandwich floor for victim swap value.
//   - EthicalMode: disables the sandwich detector entirely.
//   - QueueSize: bounded detector output queue; on overflow the
//     lowest-profit pending opportunity is evicted.
type DetectorConfig struct {
	Watchlist         []string `mapstructure:"watchlist"`
	USDToken          string   `mapstructure:"usd_token"`
	MaxHops           int      `mapstructure:"max_hops"`
	MinProfitLamports int64    `mapstructure:"min_profit_lamports"`
	MaxSlippageBps    int      `mapstructure:"max_slippage_bps"`
	RescanIntervalMS  int      `mapstructure:"rescan_interval_ms"`
	MaxLiqPerRound    int      `mapstructure:"max_liq_per_round"`
	MinTargetValueUSD float64  `mapstructure:"min_target_value_usd"`
	EthicalMode       bool     `mapstructure:"ethical_mode"`
	QueueSize         int      `mapstructure:"queue_size"`
}

func (c DetectorConfig) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalMS) * time.Millisecond
}

// ComposerConfig caps bundle shape and simulation retries.
type ComposerConfig struct {
	MaxBundleTxs      int    `mapstructure:"max_bundle_txs"`
	MaxBundleCompute  uint64 `mapstructure:"max_bundle_compute"`
	SafetyMarginBps   int    `mapstructure:"safety_margin_bps"`
	MaxComposeRetries int    `mapstructure:"max_compose_retries"`
	ComposeTimeoutMS  int    `mapstructure:"compose_timeout_ms"`
}

func (c ComposerConfig) ComposeTimeout() time.Duration {
	return time.Duration(c.ComposeTimeoutMS) * time.Millisecond
}

// SubmissionConfig holds the block-engine endpoint, the tip clamp, and the
// status poller cadence. AuthKeypair is a base64 ed25519 seed used only to
// sign the tip transaction; key issuance and rotation are external.
type SubmissionConfig struct {
	BlockEngineURL  string `mapstructure:"block_engine_url"`
	AuthKeypair     string `mapstructure:"auth_keypair"`
	TipAccount      string `mapstructure:"tip_account"`
	MinTip          int64  `mapstructure:"min_tip"`
	MaxTip          int64  `mapstructure:"max_tip"`
	PollIntervalMS  int    `mapstructure:"poll_interval_ms"`
	BundleTTLSlots  uint64 `mapstructure:"bundle_ttl_slots"`
	SubmitTimeoutMS int    `mapstructure:"submit_timeout_ms"`
}

func (c SubmissionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c SubmissionConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutMS) * time.Millisecond
}

// HubConfig controls the subscriber-facing WebSocket server.
type HubConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	QueueSize      int      `mapstructure:"queue_size"`
}

// LedgerConfig sets where the outcome ledger database lives.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig sets worker counts and the shutdown drain window.
type EngineConfig struct {
	HubWorkers      int `mapstructure:"hub_workers"`
	ShutdownGraceMS int `mapstructure:"shutdown_grace_ms"`
}

func (c EngineConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. The submission
// keypair uses MEV_AUTH_KEYPAIR. Unknown keys in the file are an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true // reject unrecognized keys
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if kp := os.Getenv("MEV_AUTH_KEYPAIR"); kp != "" {
		cfg.Submission.AuthKeypair = kp
	}
	if os.Getenv("MEV_DRY_RUN") == "true" || os.Getenv("MEV_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy", string(types.StrategyBalanced))
	v.SetDefault("chain.heartbeat_interval_ms", 15000)
	v.SetDefault("chain.reconnect_backoff_initial_ms", 250)
	v.SetDefault("chain.reconnect_backoff_max_ms", 30000)
	v.SetDefault("chain.rpc_attempts", 3)
	v.SetDefault("graph.pool_ttl_ms", 60000)
	v.SetDefault("graph.evict_interval_ms", 10000)
	v.SetDefault("detector.max_hops", 3)
	v.SetDefault("detector.max_slippage_bps", 100)
	v.SetDefault("detector.rescan_interval_ms", 2000)
	v.SetDefault("detector.max_liq_per_round", 16)
	v.SetDefault("detector.queue_size", 256)
	v.SetDefault("composer.max_bundle_txs", 5)
	v.SetDefault("composer.max_bundle_compute", 7_000_000)
	v.SetDefault("composer.safety_margin_bps", 1000)
	v.SetDefault("composer.max_compose_retries", 3)
	v.SetDefault("composer.compose_timeout_ms", 200)
	v.SetDefault("submission.poll_interval_ms", 400)
	v.SetDefault("submission.bundle_ttl_slots", 150)
	v.SetDefault("submission.submit_timeout_ms", 2000)
	v.SetDefault("hub.queue_size", 256)
	v.SetDefault("engine.hub_workers", 0) // 0 = NumCPU
	v.SetDefault("engine.shutdown_grace_ms", 5000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.WSURL == "" {
		return fmt.Errorf("chain.ws_url is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Submission.BlockEngineURL == "" {
		return fmt.Errorf("submission.block_engine_url is required")
	}
	if c.Submission.TipAccount == "" {
		return fmt.Errorf("submission.tip_account is required")
	}
	if !c.DryRun && c.Submission.AuthKeypair == "" {
		return fmt.Errorf("submission.auth_keypair is required (set MEV_AUTH_KEYPAIR)")
	}
	if c.Composer.MaxBundleTxs < 1 {
		return fmt.Errorf("composer.max_bundle_txs must be >= 1")
	}
	if c.Composer.MaxBundleCompute == 0 {
		return fmt.Errorf("composer.max_bundle_compute must be > 0")
	}
	if c.Composer.MaxComposeRetries < 1 {
		return fmt.Errorf("composer.max_compose_retries must be >= 1")
	}
	if c.Detector.MaxHops < 2 {
		return fmt.Errorf("detector.max_hops must be >= 2")
	}
	if c.Detector.MinProfitLamports < 0 {
		return fmt.Errorf("detector.min_profit_lamports must be >= 0")
	}
	if c.Detector.MaxLiqPerRound < 1 {
		return fmt.Errorf("detector.max_liq_per_round must be >= 1")
	}
	if c.Submission.MinTip < 0 || c.Submission.MaxTip < c.Submission.MinTip {
		return fmt.Errorf("submission tip clamp invalid: min_tip=%d max_tip=%d",
			c.Submission.MinTip, c.Submission.MaxTip)
	}
	if c.Submission.BundleTTLSlots == 0 {
		return fmt.Errorf("submission.bundle_ttl_slots must be > 0")
	}
	switch types.Strategy(c.Strategy) {
	case types.StrategyMaximizeProfit, types.StrategyBalanced, types.StrategyMinimizeRisk:
	default:
		return fmt.Errorf("strategy must be one of: MAXIMIZE_PROFIT, BALANCED, MINIMIZE_RISK")
	}
	for _, w := range c.Detector.Watchlist {
		if _, err := types.PubkeyFromString(w); err != nil {
			return fmt.Errorf("detector.watchlist entry %q: %w", w, err)
		}
	}
	if c.Detector.USDToken != "" {
		if _, err := types.PubkeyFromString(c.Detector.USDToken); err != nil {
			return fmt.Errorf("detector.usd_token: %w", err)
		}
	}
	return nil
}
