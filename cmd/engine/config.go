package main

import "github.com/shopspring/decimal"

// Cfg is the engine service configuration, loaded from
// config/engine.yaml with ENGINE_* environment overrides.
type Cfg struct {
	Name string `mapstructure:"name"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	// Optional backends. Left disabled, the service runs fully in
	// memory, which is how the test suites run it.
	MySQL struct {
		Enabled     bool   `mapstructure:"enabled"`
		DSN         string `mapstructure:"dsn"`
		MaxIdle     int    `mapstructure:"max_idle"`
		MaxOpen     int    `mapstructure:"max_open"`
		MaxLifetime int    `mapstructure:"max_lifetime"`
	} `mapstructure:"mysql"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Nats struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Engine struct {
		STP         string `mapstructure:"stp"` // cancel_taker | reject
		MarketBand  string `mapstructure:"market_band"`
		MailboxSize int    `mapstructure:"mailbox_size"`
		DepthLevels int    `mapstructure:"depth_levels"`
	} `mapstructure:"engine"`

	Fees struct {
		Maker string `mapstructure:"maker"`
		Taker string `mapstructure:"taker"`
	} `mapstructure:"fees"`

	Risk struct {
		MaintenanceMarginRate string `mapstructure:"maintenance_margin_rate"`
		HourlyBorrowRate      string `mapstructure:"hourly_borrow_rate"`
		LiquidationFeeRate    string `mapstructure:"liquidation_fee_rate"`
		MaxLeverage           int64  `mapstructure:"max_leverage"`
		LoanTermDays          int    `mapstructure:"loan_term_days"`
	} `mapstructure:"risk"`

	Escrow struct {
		AutoReleaseHours int `mapstructure:"auto_release_hours"`
	} `mapstructure:"escrow"`

	P2P struct {
		// ArbiterAccount may review and resolve disputed trades. Zero
		// leaves the arbiter endpoints disabled.
		ArbiterAccount uint64 `mapstructure:"arbiter_account"`
	} `mapstructure:"p2p"`

	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"ratelimit"`

	Pairs []PairCfg `mapstructure:"pairs"`
}

type PairCfg struct {
	Symbol   string `mapstructure:"symbol"`
	Base     string `mapstructure:"base"`
	Quote    string `mapstructure:"quote"`
	Tick     string `mapstructure:"tick"`
	Step     string `mapstructure:"step"`
	MinPrice string `mapstructure:"min_price"`
	MaxPrice string `mapstructure:"max_price"`
	MinQty   string `mapstructure:"min_qty"`
	MaxQty   string `mapstructure:"max_qty"`
}

// dec parses an optional decimal config value; empty means zero, which
// every consumer treats as "use the default".
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
