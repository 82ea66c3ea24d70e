package bybit

import (
	"testing"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

func TestFormatQty_StepAlignment(t *testing.T) {
	assert.Equal(t, "0.037", formatQty(0.0378, 0.001))
	assert.Equal(t, "1", formatQty(1.9, 1))
	assert.Equal(t, "0.5", formatQty(0.5, 0.1))
	// No step: plain integer rendering.
	assert.Equal(t, "3", formatQty(3.0, 0))
}

func TestFormatPrice_TickAlignment(t *testing.T) {
	assert.Equal(t, "50000.5", formatPrice(50000.49, 0.1))
	assert.Equal(t, "101", formatPrice(100.7, 1))
}

func TestIntervalFor(t *testing.T) {
	got, err := intervalFor(market.TimeframeH1)
	require.NoError(t, err)
	assert.Equal(t, "60", got)

	_, err = intervalFor(market.Timeframe("M7"))
	assert.Error(t, err)
}

func TestClassifyRetCode(t *testing.T) {
	assert.NoError(t, classifyRetCode("op", 0, "ok"))

	err := classifyRetCode("op", retCodeInvalidAPIKey, "bad key")
	assert.True(t, broker.IsFatal(err))

	err = classifyRetCode("op", retCodeRateLimit, "slow down")
	assert.True(t, broker.IsRetryable(err))

	err = classifyRetCode("op", retCodeInsufficientBal, "no funds")
	assert.False(t, broker.IsRetryable(err))
	assert.False(t, broker.IsFatal(err))
}

func TestDecodeResult(t *testing.T) {
	resp := &bybit_api.ServerResponse{
		RetCode: 0,
		RetMsg:  "OK",
		Result: map[string]interface{}{
			"list": []interface{}{
				map[string]interface{}{"symbol": "BTCUSDT", "side": "Buy", "size": "0.5"},
			},
		},
	}

	var out positionListResult
	require.NoError(t, decodeResult("op", resp, &out))
	require.Len(t, out.List, 1)
	assert.Equal(t, "BTCUSDT", out.List[0].Symbol)
	assert.InDelta(t, 0.5, parseFloat(out.List[0].Size), 1e-9)

	bad := &bybit_api.ServerResponse{RetCode: 110007, RetMsg: "ab not enough"}
	err := decodeResult("op", bad, &out)
	assert.Error(t, err)
}

func TestParseMillis(t *testing.T) {
	ts := parseMillis("1700000000000")
	assert.Equal(t, int64(1700000000), ts.Unix())
	assert.True(t, parseMillis("").IsZero())
	assert.True(t, parseMillis("not-a-number").IsZero())
}
