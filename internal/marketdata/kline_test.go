package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tr(sym, price, qty string, ts int64) Trade {
	return Trade{Symbol: sym, Price: d(price), Qty: d(qty), TsUnixMs: ts}
}

func TestTradeAggEmitsAfterWatermark(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg("1m", time.Minute, 2*time.Second, func(b Bar) { out = append(out, b) })

	agg.Offer(tr("BTC/USDT", "20000", "1", 10_000))
	agg.Offer(tr("BTC/USDT", "20100", "2", 30_000))
	require.Empty(t, out, "bar must not emit while its window can still receive trades")

	// Event time moves past the bucket end plus reorder window.
	agg.Offer(tr("BTC/USDT", "20050", "1", 62_500))
	require.Len(t, out, 1)
	b := out[0]
	assert.Equal(t, int64(0), b.StartMs)
	assert.Equal(t, int64(60_000), b.EndMs)
	assert.True(t, b.Open.Equal(d("20000")))
	assert.True(t, b.High.Equal(d("20100")))
	assert.True(t, b.Low.Equal(d("20000")))
	assert.True(t, b.Close.Equal(d("20100")))
	assert.True(t, b.Volume.Equal(d("3")))
	assert.Equal(t, int64(2), b.Count)
}

func TestTradeAggReorderWithinWindow(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg("1m", time.Minute, 2*time.Second, func(b Bar) { out = append(out, b) })

	agg.Offer(tr("BTC/USDT", "100", "1", 59_900))
	// Earlier trade arrives second but inside the 2s window.
	agg.Offer(tr("BTC/USDT", "90", "1", 59_000))
	agg.Offer(tr("BTC/USDT", "110", "1", 62_100))

	require.Len(t, out, 1)
	assert.True(t, out[0].Open.Equal(d("100")), "event-time order inside a bucket is not reconstructed")
	assert.True(t, out[0].Low.Equal(d("90")))
	assert.True(t, out[0].Volume.Equal(d("2")))
	assert.Equal(t, int64(0), agg.LateDrops())
}

func TestTradeAggDropsLateTrade(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg("1m", time.Minute, 2*time.Second, func(b Bar) { out = append(out, b) })

	agg.Offer(tr("BTC/USDT", "100", "1", 10_000))
	agg.Offer(tr("BTC/USDT", "105", "1", 120_000))
	// 5 seconds behind the latest event, well outside the window.
	agg.Offer(tr("BTC/USDT", "1", "1", 115_000))

	require.Len(t, out, 1)
	assert.Equal(t, int64(1), agg.LateDrops())
	assert.True(t, out[0].Low.Equal(d("100")), "late trade must not land in an emitted bar")
}

func TestTradeAggPerSymbolIsolation(t *testing.T) {
	var out []Bar
	agg := NewTradeAgg("1m", time.Minute, 0, func(b Bar) { out = append(out, b) })

	agg.Offer(tr("BTC/USDT", "20000", "1", 10_000))
	agg.Offer(tr("ETH/USDT", "3000", "5", 10_000))
	// Advancing BTC must not flush the still-open ETH bar.
	agg.Offer(tr("BTC/USDT", "20001", "1", 61_000))

	require.Len(t, out, 1)
	assert.Equal(t, "BTC/USDT", out[0].Symbol)

	agg.Flush()
	require.Len(t, out, 3)
}

func TestTradeAggIgnoresNonPositive(t *testing.T) {
	agg := NewTradeAgg("1m", time.Minute, 0, func(Bar) { t.Fatal("no bar expected") })
	agg.Offer(tr("BTC/USDT", "0", "1", 10_000))
	agg.Offer(tr("BTC/USDT", "100", "0", 10_000))
	agg.Flush()
}

func TestRollupMergesChildren(t *testing.T) {
	var out []Bar
	up := NewRollupAgg("5m", 5*time.Minute, false, func(b Bar) { out = append(out, b) })

	mk := func(start int64, o, h, l, c, v string) Bar {
		return Bar{
			Symbol: "BTC/USDT", TF: "1m",
			StartMs: start, EndMs: start + 60_000,
			Open: d(o), High: d(h), Low: d(l), Close: d(c), Volume: d(v), Count: 1,
		}
	}

	up.OfferBar(mk(0, "100", "110", "95", "105", "1"))
	up.OfferBar(mk(60_000, "105", "120", "105", "118", "2"))
	up.OfferBar(mk(120_000, "118", "119", "90", "92", "1"))
	require.Empty(t, out)

	// First child of the next 5m bucket closes the current one.
	up.OfferBar(mk(300_000, "92", "93", "91", "93", "1"))
	require.Len(t, out, 1)
	b := out[0]
	assert.Equal(t, "5m", b.TF)
	assert.Equal(t, int64(0), b.StartMs)
	assert.Equal(t, int64(300_000), b.EndMs)
	assert.True(t, b.Open.Equal(d("100")))
	assert.True(t, b.High.Equal(d("120")))
	assert.True(t, b.Low.Equal(d("90")))
	assert.True(t, b.Close.Equal(d("92")))
	assert.True(t, b.Volume.Equal(d("4")))
}

func TestRollupFillsGaps(t *testing.T) {
	var out []Bar
	up := NewRollupAgg("5m", 5*time.Minute, true, func(b Bar) { out = append(out, b) })

	child := func(start int64, px string) Bar {
		return Bar{
			Symbol: "BTC/USDT", TF: "1m",
			StartMs: start, EndMs: start + 60_000,
			Open: d(px), High: d(px), Low: d(px), Close: d(px), Volume: d("1"), Count: 1,
		}
	}

	up.OfferBar(child(0, "100"))
	// Skips the 5m buckets starting at 300000 and 600000 entirely.
	up.OfferBar(child(900_000, "130"))

	require.Len(t, out, 3)
	assert.True(t, out[0].Close.Equal(d("100")))
	for i, start := range []int64{300_000, 600_000} {
		gap := out[i+1]
		assert.Equal(t, start, gap.StartMs)
		assert.True(t, gap.Open.Equal(d("100")), "gap bar carries the last close")
		assert.True(t, gap.Close.Equal(d("100")))
		assert.True(t, gap.Volume.IsZero())
		assert.Equal(t, int64(0), gap.Count)
	}
}

func TestRollupDropsOutOfOrderChild(t *testing.T) {
	var out []Bar
	up := NewRollupAgg("5m", 5*time.Minute, true, func(b Bar) { out = append(out, b) })

	child := func(start int64, px string) Bar {
		return Bar{
			Symbol: "BTC/USDT", TF: "1m",
			StartMs: start, EndMs: start + 60_000,
			Open: d(px), High: d(px), Low: d(px), Close: d(px), Volume: d("1"), Count: 1,
		}
	}

	up.OfferBar(child(300_000, "100"))
	up.OfferBar(child(0, "999"))
	up.Flush()

	require.Len(t, out, 1)
	assert.True(t, out[0].High.Equal(d("100")))
}

func TestHistoryRingTrims(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Bar{Symbol: "BTC/USDT", TF: "1m", StartMs: int64(i) * 60_000})
	}
	bars := h.Klines("BTC/USDT", "1m", 0)
	require.Len(t, bars, 3)
	assert.Equal(t, int64(120_000), bars[0].StartMs)
	assert.Equal(t, int64(240_000), bars[2].StartMs)

	assert.Len(t, h.Klines("BTC/USDT", "1m", 2), 2)
	assert.Empty(t, h.Klines("ETH/USDT", "1m", 0))
}

func TestHubSnapshotOnSubscribe(t *testing.T) {
	hub := NewHub()
	hub.Publish("depth:BTC/USDT", []byte(`{"v":1}`))
	hub.Publish("depth:BTC/USDT", []byte(`{"v":2}`))

	c := NewConn(nil)
	hub.Subscribe(c, []string{"depth:BTC/USDT", "depth:ETH/USDT"})

	select {
	case f := <-c.send:
		assert.Equal(t, "depth:BTC/USDT", f.Topic)
		assert.JSONEq(t, `{"v":2}`, string(f.Data))
	default:
		t.Fatal("expected last payload replayed on subscribe")
	}
	select {
	case f := <-c.send:
		t.Fatalf("unexpected extra frame on %s", f.Topic)
	default:
	}
}

func TestMemBrokerRoundTrip(t *testing.T) {
	b := NewMemBroker()
	var got []string
	unsub, err := b.Subscribe("trades:BTC/USDT", func(p []byte) { got = append(got, string(p)) })
	require.NoError(t, err)

	require.NoError(t, b.Publish("trades:BTC/USDT", []byte("a")))
	require.NoError(t, b.Publish("trades:ETH/USDT", []byte("x")))
	unsub()
	require.NoError(t, b.Publish("trades:BTC/USDT", []byte("b")))

	assert.Equal(t, []string{"a"}, got)
}

func TestNatsSubjectMapping(t *testing.T) {
	assert.Equal(t, "trades.BTC-USDT", toSubject("trades:BTC/USDT"))
	assert.Equal(t, "kline.1m.ETH-USDT", toSubject("kline:1m:ETH/USDT"))
}
