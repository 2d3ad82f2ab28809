package services

import (
	"math"

	"wingo/config"
	"wingo/models"
)

// ResolveWager resolves one wager against a result digit. This is the
// single source of truth for win/payout: the per-wager update and the
// aggregate sums both come from here.
func ResolveWager(w models.Wager, result int, game config.Game) (bool, float64) {
	if !WagerCovers(w, result) {
		return false, 0
	}

	stake := w.TotalStake()
	switch w.Type {
	case models.BetNumber:
		return true, round2(stake * game.Payouts.Number)
	case models.BetColor:
		if w.Value == models.ColorViolet {
			return true, round2(stake * game.Payouts.Violet)
		}
		return true, round2(stake * game.Payouts.Color)
	default:
		return true, round2(stake * game.Payouts.BigSmall)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
