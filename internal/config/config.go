package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Sizer     SizerConfig     `yaml:"sizer"`
	Reversal  ReversalConfig  `yaml:"reversal"`
	Paper     PaperConfig     `yaml:"paper"`
	State     StateConfig     `yaml:"state"`
	Perf      PerfConfig      `yaml:"perf"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	History   HistoryConfig   `yaml:"history"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type GatewayConfig struct {
	WSURL           string        `yaml:"ws_url"`
	RESTURL         string        `yaml:"rest_url"`
	RESTTimeout     time.Duration `yaml:"rest_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	SpotFreshness   time.Duration `yaml:"spot_freshness"`
	PerpFreshness   time.Duration `yaml:"perp_freshness"`
	FundingFresh    time.Duration `yaml:"funding_freshness"`
	LegTimeout      time.Duration `yaml:"leg_timeout"`
	HealthGrace     time.Duration `yaml:"health_grace"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type TradingConfig struct {
	SpotAsset           string        `yaml:"spot_asset"`
	PerpAsset           string        `yaml:"perp_asset"`
	MinBasisBps         float64       `yaml:"min_basis_bps"`
	MinFundingAPRPct    float64       `yaml:"min_funding_apr_pct"`
	CloseThresholdBps   float64       `yaml:"close_threshold_bps"`
	MaxLeverage         float64       `yaml:"max_leverage"`
	MaxPositionSizeBase float64       `yaml:"max_position_size_base"`
	MinTradeInterval    time.Duration `yaml:"min_trade_interval"`
	SignalInterval      time.Duration `yaml:"signal_interval"`
	SlippageBoundBps    float64       `yaml:"slippage_bound_bps"`
}

type RiskConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	MaxDrawdownPct    float64       `yaml:"max_drawdown_pct"`
	StopLossPct       float64       `yaml:"stop_loss_pct"`
	HedgeDriftPct     float64       `yaml:"hedge_drift_threshold_pct"`
	MaxDailyLossQuote float64       `yaml:"max_daily_loss_quote"`
	MaxErrorsPerHour  int           `yaml:"max_errors_per_hour"`
	DailyAnchorUTC    string        `yaml:"daily_anchor_utc"`
}

type RebalanceConfig struct {
	CheckInterval      time.Duration `yaml:"check_interval"`
	MinRebalanceBase   float64       `yaml:"min_rebalance_base"`
	MaxRebalancesPerHr int           `yaml:"max_rebalances_per_hour"`
	DriftThresholdPct  float64       `yaml:"drift_threshold_pct"`
}

type SizerConfig struct {
	EnableAdaptiveSizing   bool    `yaml:"enable_adaptive_sizing"`
	MinTradesForAdaptation int     `yaml:"min_trades_for_adaptation"`
	MaxKellyFraction       float64 `yaml:"max_kelly_fraction"`
	UseHalfKelly           bool    `yaml:"use_half_kelly"`
	InitialBaseFraction    float64 `yaml:"initial_base_fraction"`
	SignalCap              float64 `yaml:"signal_cap"`
}

type ReversalConfig struct {
	EnableReversalDetection      bool `yaml:"enable_reversal_detection"`
	ForceCloseOnCriticalReversal bool `yaml:"force_close_on_critical_reversal"`
}

type PaperConfig struct {
	PaperTrading         bool    `yaml:"paper_trading"`
	SimulatedSlippageBps float64 `yaml:"simulated_slippage_bps"`
	SimulatedFeeBps      float64 `yaml:"simulated_fee_bps"`
	StartingEquityQuote  float64 `yaml:"starting_equity_quote"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type PerfConfig struct {
	JournalPath string `yaml:"journal_path"`
	IndexPath   string `yaml:"index_path"`
	CSVPath     string `yaml:"csv_path"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Gateway.RESTTimeout == 0 {
		cfg.Gateway.RESTTimeout = 10 * time.Second
	}
	if cfg.Gateway.ReconnectDelay == 0 {
		cfg.Gateway.ReconnectDelay = 3 * time.Second
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = 30 * time.Second
	}
	if cfg.Gateway.SpotFreshness == 0 {
		cfg.Gateway.SpotFreshness = 2 * time.Second
	}
	if cfg.Gateway.PerpFreshness == 0 {
		cfg.Gateway.PerpFreshness = 2 * time.Second
	}
	if cfg.Gateway.FundingFresh == 0 {
		cfg.Gateway.FundingFresh = 60 * time.Second
	}
	if cfg.Gateway.LegTimeout == 0 {
		cfg.Gateway.LegTimeout = 3 * time.Second
	}
	if cfg.Gateway.HealthGrace == 0 {
		cfg.Gateway.HealthGrace = 10 * time.Second
	}
	if cfg.Gateway.ShutdownTimeout == 0 {
		cfg.Gateway.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Trading.MinBasisBps == 0 {
		cfg.Trading.MinBasisBps = 10
	}
	if cfg.Trading.MinFundingAPRPct == 0 {
		cfg.Trading.MinFundingAPRPct = 15
	}
	if cfg.Trading.CloseThresholdBps == 0 {
		cfg.Trading.CloseThresholdBps = 5
	}
	if cfg.Trading.MaxPositionSizeBase == 0 {
		cfg.Trading.MaxPositionSizeBase = 1000
	}
	if cfg.Trading.MinTradeInterval == 0 {
		cfg.Trading.MinTradeInterval = 5 * time.Minute
	}
	if cfg.Trading.SignalInterval == 0 {
		cfg.Trading.SignalInterval = 5 * time.Second
	}
	if cfg.Trading.SlippageBoundBps == 0 {
		cfg.Trading.SlippageBoundBps = 20
	}
	if cfg.Risk.CheckInterval == 0 {
		cfg.Risk.CheckInterval = time.Second
	}
	if cfg.Risk.MaxDrawdownPct == 0 {
		cfg.Risk.MaxDrawdownPct = 5
	}
	if cfg.Risk.StopLossPct == 0 {
		cfg.Risk.StopLossPct = 2
	}
	if cfg.Risk.HedgeDriftPct == 0 {
		cfg.Risk.HedgeDriftPct = 2
	}
	if cfg.Risk.MaxErrorsPerHour == 0 {
		cfg.Risk.MaxErrorsPerHour = 10
	}
	if cfg.Rebalance.CheckInterval == 0 {
		cfg.Rebalance.CheckInterval = 30 * time.Second
	}
	if cfg.Rebalance.MinRebalanceBase == 0 {
		cfg.Rebalance.MinRebalanceBase = 0.1
	}
	if cfg.Rebalance.MaxRebalancesPerHr == 0 {
		cfg.Rebalance.MaxRebalancesPerHr = 4
	}
	if cfg.Rebalance.DriftThresholdPct == 0 {
		cfg.Rebalance.DriftThresholdPct = cfg.Risk.HedgeDriftPct
	}
	if cfg.Sizer.MinTradesForAdaptation == 0 {
		cfg.Sizer.MinTradesForAdaptation = 10
	}
	if cfg.Sizer.MaxKellyFraction == 0 {
		cfg.Sizer.MaxKellyFraction = 0.25
	}
	if cfg.Sizer.InitialBaseFraction == 0 {
		cfg.Sizer.InitialBaseFraction = 0.20
	}
	if cfg.Sizer.SignalCap == 0 {
		cfg.Sizer.SignalCap = 6.0
	}
	if cfg.Paper.StartingEquityQuote == 0 {
		cfg.Paper.StartingEquityQuote = 100_000
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/sol-basis-bot.db"
	}
	if cfg.Perf.JournalPath == "" {
		cfg.Perf.JournalPath = "data/trades.journal"
	}
	if cfg.Perf.IndexPath == "" {
		cfg.Perf.IndexPath = "data/trades.index.db"
	}
	if cfg.Perf.CSVPath == "" {
		cfg.Perf.CSVPath = "data/trades.csv"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Trading.SpotAsset == "" {
		return errors.New("trading.spot_asset is required")
	}
	if cfg.Trading.PerpAsset == "" {
		return errors.New("trading.perp_asset is required")
	}
	if cfg.Trading.MinBasisBps <= 0 {
		return errors.New("trading.min_basis_bps must be > 0")
	}
	if cfg.Trading.MinFundingAPRPct <= 0 {
		return errors.New("trading.min_funding_apr_pct must be > 0")
	}
	if cfg.Trading.CloseThresholdBps >= cfg.Trading.MinBasisBps {
		return errors.New("trading.close_threshold_bps must be below trading.min_basis_bps")
	}
	if cfg.Trading.MaxPositionSizeBase <= 0 {
		return errors.New("trading.max_position_size_base must be > 0")
	}
	if cfg.Sizer.MaxKellyFraction <= 0 || cfg.Sizer.MaxKellyFraction > 1 {
		return errors.New("sizer.max_kelly_fraction must be in (0, 1]")
	}
	if cfg.Sizer.InitialBaseFraction <= 0 || cfg.Sizer.InitialBaseFraction > 1 {
		return errors.New("sizer.initial_base_fraction must be in (0, 1]")
	}
	if cfg.Risk.MaxDrawdownPct <= 0 {
		return errors.New("risk.max_drawdown_pct must be > 0")
	}
	if cfg.Risk.StopLossPct <= 0 {
		return errors.New("risk.stop_loss_pct must be > 0")
	}
	if cfg.Rebalance.MaxRebalancesPerHr <= 0 {
		return errors.New("rebalance.max_rebalances_per_hour must be > 0")
	}
	if !cfg.Paper.PaperTrading {
		if cfg.Gateway.WSURL == "" {
			return errors.New("gateway.ws_url is required for live trading")
		}
		if cfg.Gateway.RESTURL == "" {
			return errors.New("gateway.rest_url is required for live trading")
		}
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn is required when history.enabled")
	}
	return nil
}
