package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/nollyvenon/vidiaspot-sub006/internal/api"
	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	escrowmysql "github.com/nollyvenon/vidiaspot-sub006/internal/escrow/repo/mysql"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	ledgermysql "github.com/nollyvenon/vidiaspot-sub006/internal/ledger/repo/mysql"
	"github.com/nollyvenon/vidiaspot-sub006/internal/marketdata"
	"github.com/nollyvenon/vidiaspot-sub006/internal/p2p"
	"github.com/nollyvenon/vidiaspot-sub006/internal/risk"
	"github.com/nollyvenon/vidiaspot-sub006/internal/settle"
	settlemysql "github.com/nollyvenon/vidiaspot-sub006/internal/settle/repo/mysql"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/config"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/metrics"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/orm"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/ratelimit"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/safe"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/xredis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &Cfg{}
	if _, err := config.LoadAndWatch("engine", cfg); err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	if cfg.Name == "" {
		cfg.Name = "engine"
	}

	logger.InitWithFile(cfg.Name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()
	logger.Info(ctx, "service starting")

	metrics.MustRegister()

	// ---- storage ----
	var db *gorm.DB
	if cfg.MySQL.Enabled {
		var err error
		db, err = orm.NewMySQL(&orm.Config{
			DSN:         cfg.MySQL.DSN,
			MaxIdle:     cfg.MySQL.MaxIdle,
			MaxOpen:     cfg.MySQL.MaxOpen,
			MaxLifetime: cfg.MySQL.MaxLifetime,
		})
		if err != nil {
			logger.Fatal(ctx, "init mysql", zap.Error(err))
		}
	}

	var entryStore ledger.EntryStore
	var execStore settle.ExecStore
	var escrowStore escrow.Store
	if db != nil {
		entryStore = ledgermysql.NewEntriesRepo(db)
		execStore = settlemysql.NewTradesRepo(db)
		escrowStore = escrowmysql.NewEscrowsRepo(db)
	}

	var balanceCache ledger.Cache
	if cfg.Redis.Enabled {
		rdb, err := xredis.NewRedis(&xredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Fatal(ctx, "init redis", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		balanceCache = ledger.NewRedisCache(rdb)
	}

	var broker marketdata.Broker
	if cfg.Nats.Enabled {
		nb, err := marketdata.NewNatsBroker(cfg.Nats.URL)
		if err != nil {
			logger.Fatal(ctx, "init nats", zap.Error(err))
		}
		broker = nb
	} else {
		broker = marketdata.NewMemBroker()
	}
	defer broker.Close()

	// ---- trading pairs ----
	pairs := asset.NewRegistry()
	for _, pc := range cfg.Pairs {
		p, err := asset.NewPair(pc.Symbol, pc.Base, pc.Quote,
			dec(pc.Tick), dec(pc.Step),
			dec(pc.MinPrice), dec(pc.MaxPrice), dec(pc.MinQty), dec(pc.MaxQty))
		if err != nil {
			logger.Fatal(ctx, "bad pair config", zap.String("symbol", pc.Symbol), zap.Error(err))
		}
		pairs.Add(p)
	}

	// ---- core services ----
	led := ledger.New(entryStore)
	balances := ledger.NewService(led, balanceCache)
	settler := settle.New(led, execStore, settle.Config{
		MakerFeeRate: dec(cfg.Fees.Maker),
		TakerFeeRate: dec(cfg.Fees.Taker),
	})

	hub := marketdata.NewHub()
	feed := marketdata.NewFeed(hub, broker, pairs)
	feed.Run(ctx)

	var stp engine.STPMode
	if cfg.Engine.STP == "reject" {
		stp = engine.STPReject
	}
	eng := engine.New(pairs, engine.Deps{
		Funds:       led,
		Settler:     settler,
		Events:      feed,
		STP:         stp,
		MarketBand:  dec(cfg.Engine.MarketBand),
		MailboxSize: cfg.Engine.MailboxSize,
		DepthLevels: cfg.Engine.DepthLevels,
	})
	eng.Start(ctx)
	defer eng.Stop()

	escrows := escrow.NewManager(led, escrowStore,
		time.Duration(cfg.Escrow.AutoReleaseHours)*time.Hour)
	trades := p2p.NewService(escrows)

	riskCfg := risk.Config{
		MaintenanceMarginRate: dec(cfg.Risk.MaintenanceMarginRate),
		HourlyBorrowRate:      dec(cfg.Risk.HourlyBorrowRate),
		LiquidationFeeRate:    dec(cfg.Risk.LiquidationFeeRate),
		MaxLeverage:           cfg.Risk.MaxLeverage,
		LoanTerm:              time.Duration(cfg.Risk.LoanTermDays) * 24 * time.Hour,
	}
	riskEng := risk.NewEngine(led, eng, pairs, riskCfg)

	// Mark prices follow last trade: stops and trailing stops in the
	// engine, liquidation sweeps in the risk engine.
	feed.OnMark(func(symbol string, price decimal.Decimal) {
		eng.MarkPrice(symbol, price)
		riskEng.OnMark(ctx, symbol, price)
	})

	// ---- schedulers ----
	safe.GoCtx(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				eng.SweepExpired(now)
			}
		}
	})
	safe.GoCtx(ctx, func(ctx context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := escrows.SweepAutoRelease(ctx, now); n > 0 {
					logger.Info(ctx, "escrow auto release sweep", zap.Int("released", n))
				}
				riskEng.AccrueInterest(ctx, now)
			}
		}
	})

	// ---- HTTP ----
	limiter := ratelimit.NewStore(rate.Limit(orDefault(cfg.RateLimit.RPS, 100)),
		orDefaultInt(cfg.RateLimit.Burst, 200), 10*time.Minute)
	limiter.StartJanitor(ctx, time.Minute)

	srv := api.NewServer(api.Deps{
		Engine:   eng,
		Ledger:   led,
		Balances: balances,
		Escrows:  escrows,
		P2P:      trades,
		Risk:     riskEng,
		RiskCfg:  riskCfg,
		Pairs:    pairs,
		Feed:     feed,
		Hub:      hub,
		Arbiter:  cfg.P2P.ArbiterAccount,
	})
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := srv.HTTPServer(addr, limiter)

	safe.Go(func() {
		logger.Info(ctx, "http listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "http server", zap.Error(err))
		}
	})

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "http shutdown", zap.Error(err))
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
