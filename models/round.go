package models

import "time"

// Interval identifies one of the concurrently running round tracks.
type Interval string

const (
	Interval30s Interval = "30s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
)

var intervalDurations = map[Interval]time.Duration{
	Interval30s: 30 * time.Second,
	Interval1m:  1 * time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
}

// ParseInterval validates a client-supplied interval track name.
func ParseInterval(s string) (Interval, bool) {
	iv := Interval(s)
	_, ok := intervalDurations[iv]
	return iv, ok
}

// Duration returns the round length for the track.
func (i Interval) Duration() (time.Duration, bool) {
	d, ok := intervalDurations[i]
	return d, ok
}

// Intervals lists every supported track.
func Intervals() []Interval {
	return []Interval{Interval30s, Interval1m, Interval3m, Interval5m}
}

type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundSettled RoundStatus = "settled"
)

// Round is one betting cycle on one interval track. A round's window is
// fixed at creation; result fields are written exactly once at settlement.
type Round struct {
	ID           int64       `json:"id"`
	Period       string      `json:"period"`
	Interval     Interval    `json:"interval"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      time.Time   `json:"end_time"`
	Status       RoundStatus `json:"status"`
	ResultNumber *int        `json:"result_number,omitempty"`
	ResultAt     *time.Time  `json:"result_at,omitempty"`
}

type BetType string

const (
	BetColor    BetType = "color"
	BetBigSmall BetType = "bigsmall"
	BetNumber   BetType = "number"
)

const (
	ColorGreen  = "green"
	ColorRed    = "red"
	ColorViolet = "violet"
	SideBig     = "big"
	SideSmall   = "small"
)

// ValidBetValue reports whether value is in the bet type's domain.
func ValidBetValue(t BetType, value string) bool {
	switch t {
	case BetColor:
		return value == ColorGreen || value == ColorRed || value == ColorViolet
	case BetBigSmall:
		return value == SideBig || value == SideSmall
	case BetNumber:
		return len(value) == 1 && value[0] >= '0' && value[0] <= '9'
	default:
		return false
	}
}

// Wager is one player's bet within one round. Its existence implies the
// stake was already debited from the account; Win/Payout are written
// exactly once when the owning round settles.
type Wager struct {
	ID             string    `json:"id"`
	RoundID        int64     `json:"round_id"`
	AccountID      string    `json:"account_id"`
	Type           BetType   `json:"type"`
	Value          string    `json:"value"`
	Amount         float64   `json:"amount"`
	Multiplier     int       `json:"multiplier"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Win            *bool     `json:"win,omitempty"`
	Payout         float64   `json:"payout"`
	CreatedAt      time.Time `json:"created_at"`
}

// TotalStake is the amount at risk: amount times the stake multiplier.
func (w Wager) TotalStake() float64 {
	return w.Amount * float64(w.Multiplier)
}

// RoundAnalytics is the write-once per-round reconciliation row.
type RoundAnalytics struct {
	RoundID     int64     `json:"round_id"`
	TotalBets   float64   `json:"total_bets"`
	TotalPayout float64   `json:"total_payout"`
	Profit      float64   `json:"profit"`
	CreatedAt   time.Time `json:"created_at"`
}

// WagerResolution is the outcome of resolving one wager against a result.
type WagerResolution struct {
	WagerID   string  `json:"wager_id"`
	AccountID string  `json:"account_id"`
	Win       bool    `json:"win"`
	Payout    float64 `json:"payout"`
}

// SettleDecision is what the settlement policy produces for one round:
// the winning digit plus every wager's resolution and the analytics row.
type SettleDecision struct {
	ResultNumber int
	Resolutions  []WagerResolution
	Analytics    RoundAnalytics
}

// SettlementResult is returned by settle. Replayed is true when the round
// had already been settled and the stored outcome was returned as-is.
type SettlementResult struct {
	Round        Round             `json:"round"`
	ResultNumber int               `json:"result_number"`
	Resolutions  []WagerResolution `json:"resolutions"`
	Analytics    RoundAnalytics    `json:"analytics"`
	Replayed     bool              `json:"replayed"`
}
