package bybit

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
)

// decodeResult checks the wrapper return code and unmarshals Result into out.
func decodeResult(op string, response interface{}, out interface{}) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return fmt.Errorf("%s: unexpected response type %T", op, response)
	}
	if err := classifyRetCode(op, serverResp.RetCode, serverResp.RetMsg); err != nil {
		return err
	}
	raw, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("%s: marshal result: %w", op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: unmarshal result: %w", op, err)
	}
	return nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseMillis converts a millisecond-epoch string to time.Time.
func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// formatQty renders a quantity aligned down to the instrument's step.
func formatQty(qty, step float64) string {
	if step > 0 {
		qty = math.Floor(qty/step+1e-9) * step
	}
	decimals := 0
	if step > 0 && step < 1 {
		decimals = int(math.Ceil(-math.Log10(step)))
	}
	return strconv.FormatFloat(qty, 'f', decimals, 64)
}

// formatPrice renders a price aligned to the instrument's tick.
func formatPrice(price, tick float64) string {
	decimals := 8
	if tick > 0 {
		price = math.Round(price/tick) * tick
		decimals = 0
		if tick < 1 {
			decimals = int(math.Ceil(-math.Log10(tick)))
		}
	}
	return strconv.FormatFloat(price, 'f', decimals, 64)
}

// instrumentFilters is the subset of instrument info sizing needs.
type instrumentFilters struct {
	QtyStep  float64
	MinQty   float64
	MaxQty   float64
	TickSize float64
}

// orderRecord is one entry of the v5 order history list.
type orderRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecFee  string `json:"cumExecFee"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

type orderListResult struct {
	List           []orderRecord `json:"list"`
	NextPageCursor string        `json:"nextPageCursor"`
	Category       string        `json:"category"`
}

// positionRecord is one entry of the v5 position list.
type positionRecord struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	TakeProfit    string `json:"takeProfit"`
	StopLoss      string `json:"stopLoss"`
	PositionIdx   int    `json:"positionIdx"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

type positionListResult struct {
	List     []positionRecord `json:"list"`
	Category string           `json:"category"`
}

type tickerListResult struct {
	Category string `json:"category"`
	List     []struct {
		Symbol    string `json:"symbol"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type klineListResult struct {
	Symbol   string     `json:"symbol"`
	Category string     `json:"category"`
	List     [][]string `json:"list"`
}

type walletResult struct {
	List []struct {
		AccountType    string `json:"accountType"`
		TotalEquity    string `json:"totalEquity"`
		TotalWalletBal string `json:"totalWalletBalance"`
		Coin           []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Equity        string `json:"equity"`
		} `json:"coin"`
	} `json:"list"`
}

type instrumentInfoResult struct {
	Category string `json:"category"`
	List     []struct {
		Symbol        string `json:"symbol"`
		PriceFilter   struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
			MaxOrderQty string `json:"maxOrderQty"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}
