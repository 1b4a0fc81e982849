// Package strategy holds the candle momentum rule that drives every bot.
package strategy

import (
	"tradebots/internal/types"
)

// Evaluate decides what to do after cur closes, given the previous closed
// candle (nil when none has been seen yet) and the current position.
//
// Two consecutive green candles go long. A red or flat candle goes short.
// A doji counts as bearish, so with no previous candle only the short
// branch can fire.
func Evaluate(prev *types.Candle, cur types.Candle, pos types.PositionState) types.Decision {
	bullish := cur.IsGreen() && prev != nil && prev.IsGreen()

	switch {
	case bullish && pos != types.PositionLong:
		return types.Decision{
			Action:     types.ActionOpenLong,
			CloseFirst: pos == types.PositionShort,
		}
	case !cur.IsGreen() && pos != types.PositionShort:
		return types.Decision{
			Action:     types.ActionOpenShort,
			CloseFirst: pos == types.PositionLong,
		}
	}
	return types.Decision{Action: types.ActionHold}
}
