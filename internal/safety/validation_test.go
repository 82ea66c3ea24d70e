package safety

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

func validationSpec() market.InstrumentSpec {
	return market.InstrumentSpec{
		Symbol:     "BTCUSDT",
		AssetClass: market.AssetClassCrypto,
		TickSize:   0.5,
		TickValue:  0.5,
		LotStep:    0.001,
		MinLot:     0.001,
		MaxLot:     100,
	}
}

func longOrder() broker.OrderRequest {
	return broker.OrderRequest{
		Symbol:     "BTCUSDT",
		Direction:  broker.DirectionLong,
		Volume:     0.01,
		StopLoss:   49000,
		TakeProfit: 52000,
		EntryType:  broker.EntryMarket,
	}
}

func TestValidateOrderAccepts(t *testing.T) {
	require.NoError(t, ValidateOrder(longOrder(), validationSpec(), 50000))

	short := broker.OrderRequest{
		Symbol:     "BTCUSDT",
		Direction:  broker.DirectionShort,
		Volume:     0.5,
		StopLoss:   51000,
		TakeProfit: 48000,
		EntryType:  broker.EntryMarket,
	}
	require.NoError(t, ValidateOrder(short, validationSpec(), 50000))
}

func TestValidateOrderRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*broker.OrderRequest)
		want   string
	}{
		{"no symbol", func(r *broker.OrderRequest) { r.Symbol = "" }, "no symbol"},
		{"bad direction", func(r *broker.OrderRequest) { r.Direction = "sideways" }, "unknown direction"},
		{"nan volume", func(r *broker.OrderRequest) { r.Volume = math.NaN() }, "volume is NaN"},
		{"below min lot", func(r *broker.OrderRequest) { r.Volume = 0.0005 }, "below minimum lot"},
		{"above max lot", func(r *broker.OrderRequest) { r.Volume = 150 }, "above maximum lot"},
		{"off lot step", func(r *broker.OrderRequest) { r.Volume = 0.0015 }, "lot step"},
		{"stop above long entry", func(r *broker.OrderRequest) { r.StopLoss = 50500 }, "wrong side"},
		{"target below long entry", func(r *broker.OrderRequest) { r.TakeProfit = 49500 }, "wrong side"},
		{"infinite stop", func(r *broker.OrderRequest) { r.StopLoss = math.Inf(1) }, "infinite"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := longOrder()
			tc.mutate(&req)
			err := ValidateOrder(req, validationSpec(), 50000)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateOrderLimitEntryUsesLimitPrice(t *testing.T) {
	req := longOrder()
	req.EntryType = broker.EntryLimit
	req.LimitPrice = 49500

	// Stop below the limit price is fine even though the mark is higher.
	require.NoError(t, ValidateOrder(req, validationSpec(), 50000))

	req.LimitPrice = 0
	err := ValidateOrder(req, validationSpec(), 50000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit price")
}

func TestValidateOrderOptionalLevels(t *testing.T) {
	req := longOrder()
	req.StopLoss = 0
	req.TakeProfit = 0
	require.NoError(t, ValidateOrder(req, validationSpec(), 50000))
}
