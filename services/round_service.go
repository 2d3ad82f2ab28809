package services

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"wingo/config"
	"wingo/database"
	"wingo/models"
	"wingo/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the durable record of rounds, wagers and balances. Implemented
// by database.Database; narrowed to an interface so tests can fake it.
type Store interface {
	EnsureActiveRound(ctx context.Context, interval models.Interval, duration time.Duration, now time.Time) (models.Round, bool, error)
	ActiveRound(ctx context.Context, interval models.Interval) (*models.Round, error)
	RoundByID(ctx context.Context, id int64) (*models.Round, error)
	RoundHistory(ctx context.Context, interval models.Interval, limit int) ([]models.Round, error)
	DuePendingRounds(ctx context.Context, now time.Time) ([]models.Round, error)
	AccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error)
	WagerByIdempotencyKey(ctx context.Context, key string) (*models.Wager, error)
	Balance(ctx context.Context, accountID string) (float64, error)
	PlaceWager(ctx context.Context, w models.Wager, cutoff time.Duration) (models.Wager, error)
	SettleRound(ctx context.Context, roundID int64, historyDepth int, decide database.DecideFunc) (models.SettlementResult, error)
}

// Sink receives engine events for real-time push. Fire-and-forget:
// delivery is never a correctness dependency.
type Sink interface {
	Publish(topic string, payload interface{})
}

// Event topics published to the sink.
const (
	TopicRoundCreated   = "round_created"
	TopicRoundSettled   = "round_settled"
	TopicBalanceUpdated = "balance_updated"
)

// RoundService is the round lifecycle and settlement engine: wager
// intake, queries and settlement over an injected store and sink.
type RoundService struct {
	store Store
	sink  Sink
	game  config.Game

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRoundService creates the engine.
func NewRoundService(store Store, sink Sink, game config.Game) *RoundService {
	return &RoundService{
		store: store,
		sink:  sink,
		game:  game,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PlaceWagerParams is one wager-placement request.
type PlaceWagerParams struct {
	AccountID      string
	RoundID        int64
	Type           models.BetType
	Value          string
	Amount         float64
	Multiplier     int
	IdempotencyKey string
}

// PlaceWager admits one bet into a round. Preconditions fail fast in
// order: well-formed fields, round exists, betting window open, round
// still pending, balance covers the stake. Retries carrying the same
// idempotency key get the original wager back with no second debit.
func (s *RoundService) PlaceWager(ctx context.Context, p PlaceWagerParams) (models.Wager, error) {
	if p.AccountID == "" {
		return models.Wager{}, fmt.Errorf("%w: account id required", models.ErrValidation)
	}
	if p.RoundID <= 0 {
		return models.Wager{}, fmt.Errorf("%w: round id required", models.ErrValidation)
	}
	if !models.ValidBetValue(p.Type, p.Value) {
		return models.Wager{}, fmt.Errorf("%w: invalid value %q for bet type %q", models.ErrValidation, p.Value, p.Type)
	}
	if p.Amount <= 0 {
		return models.Wager{}, fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	}
	if p.Multiplier <= 0 {
		return models.Wager{}, fmt.Errorf("%w: multiplier must be positive", models.ErrValidation)
	}

	if p.IdempotencyKey != "" {
		existing, err := s.store.WagerByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return models.Wager{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	round, err := s.store.RoundByID(ctx, p.RoundID)
	if err != nil {
		return models.Wager{}, err
	}
	if round == nil {
		return models.Wager{}, models.ErrRoundNotFound
	}

	// One wall-clock read per request; the store re-validates with its
	// own transaction-time read.
	now := time.Now().UTC()
	if round.Status != models.RoundPending {
		return models.Wager{}, fmt.Errorf("%w: round %d already settled", models.ErrBettingClosed, p.RoundID)
	}
	if !now.Before(round.EndTime.Add(-s.game.Cutoff())) {
		return models.Wager{}, fmt.Errorf("%w: within %s of round end", models.ErrBettingClosed, s.game.Cutoff())
	}

	w := models.Wager{
		ID:             uuid.NewString(),
		RoundID:        p.RoundID,
		AccountID:      p.AccountID,
		Type:           p.Type,
		Value:          p.Value,
		Amount:         p.Amount,
		Multiplier:     p.Multiplier,
		IdempotencyKey: p.IdempotencyKey,
	}
	return s.store.PlaceWager(ctx, w, s.game.Cutoff())
}

// Cutoff exposes the configured no-more-bets window.
func (s *RoundService) Cutoff() time.Duration {
	return s.game.Cutoff()
}

// CurrentRound returns the pending round for a track.
func (s *RoundService) CurrentRound(ctx context.Context, interval string) (models.Round, error) {
	iv, ok := models.ParseInterval(interval)
	if !ok {
		return models.Round{}, fmt.Errorf("%w: unknown interval %q", models.ErrValidation, interval)
	}
	round, err := s.store.ActiveRound(ctx, iv)
	if err != nil {
		return models.Round{}, err
	}
	if round == nil {
		return models.Round{}, models.ErrRoundNotFound
	}
	return *round, nil
}

// History returns the newest settled rounds for a track.
func (s *RoundService) History(ctx context.Context, interval string, limit int) ([]models.Round, error) {
	iv, ok := models.ParseInterval(interval)
	if !ok {
		return nil, fmt.Errorf("%w: unknown interval %q", models.ErrValidation, interval)
	}
	return s.store.RoundHistory(ctx, iv, clampLimit(limit))
}

// AccountWagers returns the caller's newest wagers.
func (s *RoundService) AccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id required", models.ErrValidation)
	}
	return s.store.AccountWagers(ctx, accountID, clampLimit(limit))
}

// Balance reads the caller's spendable balance.
func (s *RoundService) Balance(ctx context.Context, accountID string) (float64, error) {
	if accountID == "" {
		return 0, fmt.Errorf("%w: account id required", models.ErrValidation)
	}
	return s.store.Balance(ctx, accountID)
}

// Settle drives a round to its terminal state. Idempotent: a round that
// is already settled returns the stored outcome. Events go out only
// after the transaction commits, and only for a first-time settlement.
func (s *RoundService) Settle(ctx context.Context, roundID int64) (models.SettlementResult, error) {
	lock := utils.GetLockForRound(roundID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.store.SettleRound(ctx, roundID, s.game.StreakLength, s.decide)
	if err != nil {
		return models.SettlementResult{}, err
	}
	if !res.Replayed {
		s.publishSettled(res)
	}
	return res, nil
}

// decide is the settlement policy: pick the outcome, resolve every wager
// against it, and reconcile the analytics row. Pure apart from the
// uniform pick among feasible digits.
func (s *RoundService) decide(round models.Round, wagers []models.Wager, recentSingleWins []bool) models.SettleDecision {
	s.mu.Lock()
	result := SelectOutcome(wagers, recentSingleWins, s.game, s.rng)
	s.mu.Unlock()

	resolutions := make([]models.WagerResolution, 0, len(wagers))
	var totalBets, totalPayout float64
	for _, w := range wagers {
		win, payout := ResolveWager(w, result, s.game)
		resolutions = append(resolutions, models.WagerResolution{
			WagerID:   w.ID,
			AccountID: w.AccountID,
			Win:       win,
			Payout:    payout,
		})
		totalBets += w.TotalStake()
		totalPayout += payout
	}

	return models.SettleDecision{
		ResultNumber: result,
		Resolutions:  resolutions,
		Analytics: models.RoundAnalytics{
			RoundID:     round.ID,
			TotalBets:   round2(totalBets),
			TotalPayout: round2(totalPayout),
			Profit:      round2(totalBets - totalPayout),
		},
	}
}

// publishSettled emits post-commit events. Best effort: losses here are
// recovered by the client's next poll, never by re-settling.
func (s *RoundService) publishSettled(res models.SettlementResult) {
	s.sink.Publish(TopicRoundSettled, models.H{
		"round_id":      res.Round.ID,
		"interval":      res.Round.Interval,
		"period":        res.Round.Period,
		"result_number": res.ResultNumber,
	})

	credits := make(map[string]float64)
	for _, r := range res.Resolutions {
		if r.Win && r.Payout > 0 {
			credits[r.AccountID] += r.Payout
		}
	}
	for accountID, payout := range credits {
		s.sink.Publish(TopicBalanceUpdated, models.H{
			"account_id": accountID,
			"credited":   payout,
			"round_id":   res.Round.ID,
		})
	}

	logrus.WithFields(logrus.Fields{
		"round":  res.Round.ID,
		"result": res.ResultNumber,
		"wagers": len(res.Resolutions),
		"payout": res.Analytics.TotalPayout,
	}).Info("round settled")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 30
	}
	if limit > 100 {
		return 100
	}
	return limit
}
