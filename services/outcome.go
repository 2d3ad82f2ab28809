package services

import (
	"math/rand"
	"strconv"

	"wingo/config"
	"wingo/models"
)

// Digit buckets. Violet overlaps nothing: 0 and 5 pay violet only.
var (
	greenDigits  = map[int]bool{1: true, 3: true, 7: true, 9: true}
	redDigits    = map[int]bool{2: true, 4: true, 6: true, 8: true}
	violetDigits = map[int]bool{0: true, 5: true}
)

// WagerCovers reports whether the wager wins if digit is the outcome.
func WagerCovers(w models.Wager, digit int) bool {
	switch w.Type {
	case models.BetNumber:
		return w.Value == strconv.Itoa(digit)
	case models.BetColor:
		switch w.Value {
		case models.ColorGreen:
			return greenDigits[digit]
		case models.ColorRed:
			return redDigits[digit]
		case models.ColorViolet:
			return violetDigits[digit]
		}
	case models.BetBigSmall:
		if w.Value == models.SideBig {
			return digit >= 5
		}
		return digit <= 4
	}
	return false
}

// CoveringStake sums, for a candidate digit, the stake of every wager
// that digit would pay out.
func CoveringStake(wagers []models.Wager, digit int) float64 {
	var total float64
	for _, w := range wagers {
		if WagerCovers(w, digit) {
			total += w.TotalStake()
		}
	}
	return total
}

// OutcomeCandidates derives the feasible digit set for a closing round.
// It is deterministic given its inputs; randomness is confined to the
// final uniform pick in SelectOutcome.
//
// Zero wagers: every digit. Single wager: digits that lose the bet when
// the stake is large or the bettor is on a win streak, digits that win
// it otherwise. Multiple wagers: digits with the minimum covering stake.
func OutcomeCandidates(wagers []models.Wager, recentSingleWins []bool, game config.Game) []int {
	switch len(wagers) {
	case 0:
		return allDigits()
	case 1:
		w := wagers[0]
		forceLoss := w.TotalStake() >= game.SingleStakeLimit ||
			winStreak(recentSingleWins, game.StreakLength)

		var candidates []int
		for d := 0; d <= 9; d++ {
			if WagerCovers(w, d) != forceLoss {
				candidates = append(candidates, d)
			}
		}
		if len(candidates) == 0 {
			return allDigits()
		}
		return candidates
	default:
		min := -1.0
		var candidates []int
		for d := 0; d <= 9; d++ {
			stake := CoveringStake(wagers, d)
			switch {
			case min < 0 || stake < min:
				min = stake
				candidates = []int{d}
			case stake == min:
				candidates = append(candidates, d)
			}
		}
		return candidates
	}
}

// SelectOutcome picks the round's winning digit: uniform among the
// feasible candidates.
func SelectOutcome(wagers []models.Wager, recentSingleWins []bool, game config.Game, rng *rand.Rand) int {
	candidates := OutcomeCandidates(wagers, recentSingleWins, game)
	return candidates[rng.Intn(len(candidates))]
}

func allDigits() []int {
	return []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
}

// winStreak reports whether the bettor's last n settled single-bettor
// wagers were all wins. Fewer than n on record is not a streak.
func winStreak(recent []bool, n int) bool {
	if n <= 0 || len(recent) < n {
		return false
	}
	for _, win := range recent[:n] {
		if !win {
			return false
		}
	}
	return true
}
