package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nollyvenon/vidiaspot-sub006/internal/api"
	"github.com/nollyvenon/vidiaspot-sub006/internal/asset"
	"github.com/nollyvenon/vidiaspot-sub006/internal/engine"
	"github.com/nollyvenon/vidiaspot-sub006/internal/escrow"
	"github.com/nollyvenon/vidiaspot-sub006/internal/ledger"
	"github.com/nollyvenon/vidiaspot-sub006/internal/marketdata"
	"github.com/nollyvenon/vidiaspot-sub006/internal/p2p"
	"github.com/nollyvenon/vidiaspot-sub006/internal/risk"
	"github.com/nollyvenon/vidiaspot-sub006/internal/settle"
	"github.com/nollyvenon/vidiaspot-sub006/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("api-test", "error")
	os.Exit(m.Run())
}

type env struct {
	router http.Handler
	ledger *ledger.Ledger
	cancel context.CancelFunc
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	pairs := asset.NewRegistry()
	pair, err := asset.NewPair("BTC/USDT", "BTC", "USDT",
		decimal.New(1, -2), decimal.New(1, -4),
		decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	pairs.Add(pair)

	led := ledger.New(nil)
	settler := settle.New(led, nil, settle.Config{})
	hub := marketdata.NewHub()
	feed := marketdata.NewFeed(hub, marketdata.NewMemBroker(), pairs)
	feed.Run(ctx)

	eng := engine.New(pairs, engine.Deps{
		Funds:   led,
		Settler: settler,
		Events:  feed,
	})
	eng.Start(ctx)
	t.Cleanup(eng.Stop)

	escrows := escrow.NewManager(led, nil, 0)
	trades := p2p.NewService(escrows)
	riskCfg := risk.Config{}
	riskEng := risk.NewEngine(led, eng, pairs, riskCfg)

	srv := api.NewServer(api.Deps{
		Engine:   eng,
		Ledger:   led,
		Balances: ledger.NewService(led, nil),
		Escrows:  escrows,
		P2P:      trades,
		Risk:     riskEng,
		RiskCfg:  riskCfg,
		Pairs:    pairs,
		Feed:     feed,
		Hub:      hub,
		Arbiter:  900,
	})
	return &env{router: srv.Router(nil), ledger: led, cancel: cancel}
}

func (e *env) do(t *testing.T, method, path string, account uint64, reqBody interface{}) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var rd *bytes.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if account != 0 {
		req.Header.Set("X-Account-Id", fmt.Sprintf("%d", account))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return w, out
}

func code(t *testing.T, out map[string]json.RawMessage) int {
	t.Helper()
	var c int
	require.NoError(t, json.Unmarshal(out["code"], &c))
	return c
}

func TestDepositAndBalance(t *testing.T) {
	e := newEnv(t)

	w, out := e.do(t, http.MethodPost, "/v1/deposit", 0, map[string]interface{}{
		"account": 10, "asset": "USDT", "amount": "5000",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 200, code(t, out))

	w, out = e.do(t, http.MethodGet, "/v1/balances/USDT", 10, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap struct {
		Available decimal.Decimal `json:"available"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &snap))
	assert.True(t, snap.Available.Equal(decimal.NewFromInt(5000)))
}

func TestSubmitOrderRequiresAccountHeader(t *testing.T) {
	e := newEnv(t)
	w, _ := e.do(t, http.MethodPost, "/v1/orders", 0, map[string]interface{}{
		"symbol": "BTC/USDT", "side": "buy", "type": "limit", "price": "100", "qty": "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitLimitOrderRestsAndShowsInDepth(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/v1/deposit", 0, map[string]interface{}{
		"account": 11, "asset": "USDT", "amount": "100000",
	})

	w, out := e.do(t, http.MethodPost, "/v1/orders", 11, map[string]interface{}{
		"symbol": "BTC/USDT", "side": "buy", "type": "limit", "price": "20000", "qty": "0.5",
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", string(out["msg"]))
	var ov struct {
		OrderID uint64 `json:"order_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &ov))
	assert.Equal(t, "open", ov.Status)

	w, out = e.do(t, http.MethodGet, "/v1/depth?symbol=BTC%2FUSDT&levels=5", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var depth struct {
		Bids []struct {
			Price decimal.Decimal `json:"price"`
			Qty   decimal.Decimal `json:"qty"`
		} `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &depth))
	require.Len(t, depth.Bids, 1)
	assert.True(t, depth.Bids[0].Price.Equal(decimal.NewFromInt(20000)))

	w, out = e.do(t, http.MethodGet, "/v1/orders?symbol=BTC%2FUSDT", 11, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var open []struct {
		OrderID uint64 `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &open))
	require.Len(t, open, 1)
	assert.Equal(t, ov.OrderID, open[0].OrderID)

	w, _ = e.do(t, http.MethodDelete,
		fmt.Sprintf("/v1/orders/%d?symbol=BTC%%2FUSDT", ov.OrderID), 11, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, out = e.do(t, http.MethodGet, "/v1/orders?symbol=BTC%2FUSDT", 11, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(out["data"], &open))
	assert.Empty(t, open)
}

func TestSubmitOrderInsufficientBalance(t *testing.T) {
	e := newEnv(t)
	w, out := e.do(t, http.MethodPost, "/v1/orders", 12, map[string]interface{}{
		"symbol": "BTC/USDT", "side": "buy", "type": "limit", "price": "20000", "qty": "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40002, code(t, out))
}

func TestP2PTradeLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/v1/deposit", 0, map[string]interface{}{
		"account": 21, "asset": "BTC", "amount": "2",
	})

	_, out := e.do(t, http.MethodPost, "/v1/p2p/listings", 21, map[string]interface{}{
		"asset": "BTC", "currency": "EUR", "price": "60000", "qty": "2",
	})
	require.Equal(t, 200, code(t, out))
	var listing struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &listing))

	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades", 22, map[string]interface{}{
		"listing_id": listing.ID, "amount": "1",
	})
	require.Equal(t, 200, code(t, out))
	var trade struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &trade))

	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/paid", 22, nil)
	require.Equal(t, 200, code(t, out))

	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/confirm", 21, nil)
	require.Equal(t, 200, code(t, out))

	avail, _ := e.ledger.Balance(22, "BTC")
	assert.True(t, avail.Equal(decimal.NewFromInt(1)), "buyer received the escrowed BTC")

	// Confirming again conflicts instead of paying twice.
	w, out := e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/confirm", 21, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, code(t, out))
}

func TestDisputeResolutionIsArbiterOnly(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/v1/deposit", 0, map[string]interface{}{
		"account": 21, "asset": "BTC", "amount": "2",
	})

	_, out := e.do(t, http.MethodPost, "/v1/p2p/listings", 21, map[string]interface{}{
		"asset": "BTC", "currency": "EUR", "price": "60000", "qty": "2",
	})
	require.Equal(t, 200, code(t, out))
	var listing struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &listing))

	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades", 22, map[string]interface{}{
		"listing_id": listing.ID, "amount": "1",
	})
	require.Equal(t, 200, code(t, out))
	var trade struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(out["data"], &trade))

	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/paid", 22, nil)
	require.Equal(t, 200, code(t, out))
	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/dispute", 21, map[string]interface{}{
		"reason": "no fiat received",
	})
	require.Equal(t, 200, code(t, out))

	// The seller cannot judge their own dispute.
	w, out := e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/resolve", 21, map[string]interface{}{
		"verdict": "seller_favored", "rationale": "trust me",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 40301, code(t, out))

	w, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/review", 22, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 40301, code(t, out))

	// The configured arbiter can.
	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/review", 900, nil)
	require.Equal(t, 200, code(t, out))
	_, out = e.do(t, http.MethodPost, "/v1/p2p/trades/"+trade.ID+"/resolve", 900, map[string]interface{}{
		"verdict": "seller_favored", "rationale": "no payment proof",
	})
	require.Equal(t, 200, code(t, out))

	avail, _ := e.ledger.Balance(21, "BTC")
	assert.True(t, avail.Equal(decimal.NewFromInt(2)), "seller refunded")
}

func TestKlinesEndpointValidatesTimeframe(t *testing.T) {
	e := newEnv(t)
	w, _ := e.do(t, http.MethodGet, "/v1/klines?symbol=BTC%2FUSDT&tf=3m", 0, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out := e.do(t, http.MethodGet, "/v1/klines?symbol=BTC%2FUSDT&tf=1m", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bars []json.RawMessage
	require.NoError(t, json.Unmarshal(out["data"], &bars))
	assert.Empty(t, bars)
}

func TestRequestIDPropagates(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}
