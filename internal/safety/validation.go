package safety

import (
	"fmt"
	"math"

	"github.com/ptdat-quant/confluence-bot/internal/broker"
	"github.com/ptdat-quant/confluence-bot/internal/market"
)

// ValidateOrder checks an order request against the instrument spec and the
// current mark price before it reaches the broker. It catches malformed
// numbers and stop/target levels on the wrong side of the entry, the two
// failure classes a venue rejects with an opaque error or, worse, accepts.
func ValidateOrder(req broker.OrderRequest, spec market.InstrumentSpec, markPrice float64) error {
	if req.Symbol == "" {
		return fmt.Errorf("order has no symbol")
	}
	if req.Direction != broker.DirectionLong && req.Direction != broker.DirectionShort {
		return fmt.Errorf("%s: unknown direction %q", req.Symbol, req.Direction)
	}

	if err := validNumber("volume", req.Volume); err != nil {
		return fmt.Errorf("%s: %w", req.Symbol, err)
	}
	if req.Volume < spec.MinLot {
		return fmt.Errorf("%s: volume %v below minimum lot %v", req.Symbol, req.Volume, spec.MinLot)
	}
	if req.Volume > spec.MaxLot {
		return fmt.Errorf("%s: volume %v above maximum lot %v", req.Symbol, req.Volume, spec.MaxLot)
	}
	if spec.LotStep > 0 {
		steps := req.Volume / spec.LotStep
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			return fmt.Errorf("%s: volume %v not a multiple of lot step %v", req.Symbol, req.Volume, spec.LotStep)
		}
	}

	entry := markPrice
	if req.EntryType == broker.EntryLimit {
		if err := validNumber("limit price", req.LimitPrice); err != nil {
			return fmt.Errorf("%s: %w", req.Symbol, err)
		}
		entry = req.LimitPrice
	}
	if err := validNumber("entry price", entry); err != nil {
		return fmt.Errorf("%s: %w", req.Symbol, err)
	}

	if req.StopLoss != 0 {
		if err := validNumber("stop loss", req.StopLoss); err != nil {
			return fmt.Errorf("%s: %w", req.Symbol, err)
		}
		if wrongSide(req.Direction, entry, req.StopLoss, true) {
			return fmt.Errorf("%s: %s stop %v is on the wrong side of entry %v",
				req.Symbol, req.Direction, req.StopLoss, entry)
		}
	}
	if req.TakeProfit != 0 {
		if err := validNumber("take profit", req.TakeProfit); err != nil {
			return fmt.Errorf("%s: %w", req.Symbol, err)
		}
		if wrongSide(req.Direction, entry, req.TakeProfit, false) {
			return fmt.Errorf("%s: %s take-profit %v is on the wrong side of entry %v",
				req.Symbol, req.Direction, req.TakeProfit, entry)
		}
	}
	return nil
}

func validNumber(what string, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("%s is NaN", what)
	}
	if math.IsInf(v, 0) {
		return fmt.Errorf("%s is infinite", what)
	}
	if v <= 0 {
		return fmt.Errorf("%s %v must be positive", what, v)
	}
	return nil
}

// wrongSide reports whether a protective level sits on the losing side.
// Stops sit below a long and above a short; targets the reverse.
func wrongSide(dir broker.Direction, entry, level float64, isStop bool) bool {
	below := level < entry
	if dir == broker.DirectionLong {
		if isStop {
			return !below
		}
		return below
	}
	if isStop {
		return below
	}
	return !below
}
