package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wingo/database"
	"wingo/models"
)

// fakeStore is an in-memory Store honoring the same contracts as the
// postgres implementation: betting-window re-check, conditional debit,
// idempotency-key dedupe and settle-once replay.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	rounds   map[int64]*models.Round
	wagers   map[string]models.Wager
	order    []string
	byKey    map[string]string
	balances map[string]float64
	recent   map[string][]bool
	settled  map[int64]models.SettlementResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rounds:   make(map[int64]*models.Round),
		wagers:   make(map[string]models.Wager),
		byKey:    make(map[string]string),
		balances: make(map[string]float64),
		recent:   make(map[string][]bool),
		settled:  make(map[int64]models.SettlementResult),
	}
}

func (f *fakeStore) addRound(interval models.Interval, endsIn time.Duration) models.Round {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	now := time.Now().UTC()
	r := models.Round{
		ID:        f.nextID,
		Period:    "202608290001",
		Interval:  interval,
		StartTime: now,
		EndTime:   now.Add(endsIn),
		Status:    models.RoundPending,
	}
	f.rounds[r.ID] = &r
	return r
}

func (f *fakeStore) EnsureActiveRound(ctx context.Context, interval models.Interval, duration time.Duration, now time.Time) (models.Round, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rounds {
		if r.Interval == interval && r.Status == models.RoundPending {
			return *r, false, nil
		}
	}
	f.nextID++
	r := models.Round{
		ID:        f.nextID,
		Interval:  interval,
		StartTime: now,
		EndTime:   now.Add(duration),
		Status:    models.RoundPending,
	}
	f.rounds[r.ID] = &r
	return r, true, nil
}

func (f *fakeStore) ActiveRound(ctx context.Context, interval models.Interval) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rounds {
		if r.Interval == interval && r.Status == models.RoundPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) RoundByID(ctx context.Context, id int64) (*models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) RoundHistory(ctx context.Context, interval models.Interval, limit int) ([]models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Round
	for _, r := range f.rounds {
		if r.Interval == interval && r.Status == models.RoundSettled {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) DuePendingRounds(ctx context.Context, now time.Time) ([]models.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Round
	for _, r := range f.rounds {
		if r.Status == models.RoundPending && !r.EndTime.After(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) AccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Wager
	for i := len(f.order) - 1; i >= 0 && len(out) < limit; i-- {
		w := f.wagers[f.order[i]]
		if w.AccountID == accountID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) WagerByIdempotencyKey(ctx context.Context, key string) (*models.Wager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	w := f.wagers[id]
	return &w, nil
}

func (f *fakeStore) Balance(ctx context.Context, accountID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[accountID]
	if !ok {
		return 0, models.ErrValidation
	}
	return bal, nil
}

func (f *fakeStore) PlaceWager(ctx context.Context, w models.Wager, cutoff time.Duration) (models.Wager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	round, ok := f.rounds[w.RoundID]
	if !ok {
		return models.Wager{}, models.ErrRoundNotFound
	}
	if round.Status != models.RoundPending {
		return models.Wager{}, models.ErrBettingClosed
	}
	if !time.Now().UTC().Before(round.EndTime.Add(-cutoff)) {
		return models.Wager{}, models.ErrBettingClosed
	}
	if w.IdempotencyKey != "" {
		if id, ok := f.byKey[w.IdempotencyKey]; ok {
			existing := f.wagers[id]
			return existing, nil
		}
	}
	if f.balances[w.AccountID] < w.Amount {
		return models.Wager{}, models.ErrInsufficientBalance
	}
	f.balances[w.AccountID] -= w.Amount
	w.CreatedAt = time.Now().UTC()
	f.wagers[w.ID] = w
	f.order = append(f.order, w.ID)
	if w.IdempotencyKey != "" {
		f.byKey[w.IdempotencyKey] = w.ID
	}
	return w, nil
}

func (f *fakeStore) SettleRound(ctx context.Context, roundID int64, historyDepth int, decide database.DecideFunc) (models.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.settled[roundID]; ok {
		res.Replayed = true
		return res, nil
	}
	round, ok := f.rounds[roundID]
	if !ok {
		return models.SettlementResult{}, models.ErrRoundNotFound
	}

	var wagers []models.Wager
	for _, id := range f.order {
		if w := f.wagers[id]; w.RoundID == roundID {
			wagers = append(wagers, w)
		}
	}

	var recent []bool
	if len(wagers) == 1 {
		recent = f.recent[wagers[0].AccountID]
		if len(recent) > historyDepth {
			recent = recent[:historyDepth]
		}
	}

	decision := decide(*round, wagers, recent)

	for _, r := range decision.Resolutions {
		w := f.wagers[r.WagerID]
		win := r.Win
		w.Win = &win
		w.Payout = r.Payout
		f.wagers[r.WagerID] = w
		if r.Win {
			f.balances[r.AccountID] += r.Payout
		}
	}

	now := time.Now().UTC()
	round.Status = models.RoundSettled
	round.ResultNumber = &decision.ResultNumber
	round.ResultAt = &now

	res := models.SettlementResult{
		Round:        *round,
		ResultNumber: decision.ResultNumber,
		Resolutions:  decision.Resolutions,
		Analytics:    decision.Analytics,
	}
	f.settled[roundID] = res
	return res, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	topic   string
	payload interface{}
}

func (f *fakeSink) Publish(topic string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sinkEvent{topic, payload})
}

func (f *fakeSink) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

func newTestService() (*RoundService, *fakeStore, *fakeSink) {
	store := newFakeStore()
	sink := &fakeSink{}
	return NewRoundService(store, sink, testGame()), store, sink
}

func TestPlaceWagerValidation(t *testing.T) {
	svc, store, _ := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 100

	tests := []struct {
		name string
		p    PlaceWagerParams
	}{
		{"missing account", PlaceWagerParams{RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1}},
		{"missing round", PlaceWagerParams{AccountID: "acct-1", Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1}},
		{"bad color", PlaceWagerParams{AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "blue", Amount: 10, Multiplier: 1}},
		{"bad number", PlaceWagerParams{AccountID: "acct-1", RoundID: round.ID, Type: models.BetNumber, Value: "10", Amount: 10, Multiplier: 1}},
		{"zero amount", PlaceWagerParams{AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "green", Multiplier: 1}},
		{"zero multiplier", PlaceWagerParams{AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlaceWager(context.Background(), tt.p)
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	if len(store.wagers) != 0 {
		t.Errorf("invalid requests stored %d wagers", len(store.wagers))
	}
}

func TestPlaceWagerUnknownRound(t *testing.T) {
	svc, store, _ := newTestService()
	store.balances["acct-1"] = 100

	_, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: 99, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1,
	})
	if !errors.Is(err, models.ErrRoundNotFound) {
		t.Errorf("err = %v, want ErrRoundNotFound", err)
	}
}

func TestPlaceWagerClosedWindow(t *testing.T) {
	svc, store, _ := newTestService()
	store.balances["acct-1"] = 100

	// Ends in 3s with a 5s cutoff: window already closed.
	closing := store.addRound(models.Interval30s, 3*time.Second)
	_, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: closing.ID, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1,
	})
	if !errors.Is(err, models.ErrBettingClosed) {
		t.Errorf("near-end err = %v, want ErrBettingClosed", err)
	}

	settled := store.addRound(models.Interval1m, time.Minute)
	store.rounds[settled.ID].Status = models.RoundSettled
	_, err = svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: settled.ID, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1,
	})
	if !errors.Is(err, models.ErrBettingClosed) {
		t.Errorf("settled err = %v, want ErrBettingClosed", err)
	}
	if store.balances["acct-1"] != 100 {
		t.Errorf("balance = %v, want untouched 100", store.balances["acct-1"])
	}
}

func TestPlaceWagerInsufficientBalance(t *testing.T) {
	svc, store, _ := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 5

	_, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1,
	})
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if store.balances["acct-1"] != 5 {
		t.Errorf("balance = %v, want untouched 5", store.balances["acct-1"])
	}
	if len(store.wagers) != 0 {
		t.Errorf("rejected request stored %d wagers", len(store.wagers))
	}
}

func TestPlaceWagerDebitsAmountNotStake(t *testing.T) {
	svc, store, _ := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 100

	w, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetNumber, Value: "7", Amount: 10, Multiplier: 5,
	})
	if err != nil {
		t.Fatalf("PlaceWager: %v", err)
	}
	if w.ID == "" {
		t.Error("wager id not assigned")
	}
	if w.TotalStake() != 50 {
		t.Errorf("stake = %v, want 50", w.TotalStake())
	}
	if store.balances["acct-1"] != 90 {
		t.Errorf("balance = %v, want 90 (amount debited, not stake)", store.balances["acct-1"])
	}
}

func TestPlaceWagerIdempotentRetry(t *testing.T) {
	svc, store, _ := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 100

	p := PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "red",
		Amount: 10, Multiplier: 1, IdempotencyKey: "req-abc",
	}
	first, err := svc.PlaceWager(context.Background(), p)
	if err != nil {
		t.Fatalf("first PlaceWager: %v", err)
	}
	second, err := svc.PlaceWager(context.Background(), p)
	if err != nil {
		t.Fatalf("retry PlaceWager: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("retry returned a new wager: %s vs %s", first.ID, second.ID)
	}
	if store.balances["acct-1"] != 90 {
		t.Errorf("balance = %v, want a single 10 debit", store.balances["acct-1"])
	}
	if len(store.wagers) != 1 {
		t.Errorf("store holds %d wagers, want 1", len(store.wagers))
	}
}

func TestSettleForcesLossOnLargeSingleStake(t *testing.T) {
	svc, store, sink := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 1000

	if _, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 600, Multiplier: 1,
	}); err != nil {
		t.Fatalf("PlaceWager: %v", err)
	}

	res, err := svc.Settle(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.Replayed {
		t.Error("first settlement reported as replayed")
	}
	if greenDigits[res.ResultNumber] {
		t.Errorf("result %d is green, large single stake must lose", res.ResultNumber)
	}
	if len(res.Resolutions) != 1 || res.Resolutions[0].Win {
		t.Errorf("resolutions = %+v, want one loss", res.Resolutions)
	}
	if store.balances["acct-1"] != 400 {
		t.Errorf("balance = %v, want 400", store.balances["acct-1"])
	}
	if sink.count(TopicRoundSettled) != 1 {
		t.Errorf("round_settled events = %d, want 1", sink.count(TopicRoundSettled))
	}
	if sink.count(TopicBalanceUpdated) != 0 {
		t.Errorf("balance_updated events = %d, want 0 for a losing round", sink.count(TopicBalanceUpdated))
	}
}

func TestSettleCreditsSmallSingleWinner(t *testing.T) {
	svc, store, sink := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 100

	if _, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1,
	}); err != nil {
		t.Fatalf("PlaceWager: %v", err)
	}

	res, err := svc.Settle(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !greenDigits[res.ResultNumber] {
		t.Fatalf("result %d not green, small single stake must win", res.ResultNumber)
	}
	if !res.Resolutions[0].Win || res.Resolutions[0].Payout != 20 {
		t.Errorf("resolution = %+v, want win paying 20", res.Resolutions[0])
	}
	// 100 - 10 debit + 20 payout.
	if store.balances["acct-1"] != 110 {
		t.Errorf("balance = %v, want 110", store.balances["acct-1"])
	}
	if sink.count(TopicBalanceUpdated) != 1 {
		t.Errorf("balance_updated events = %d, want 1", sink.count(TopicBalanceUpdated))
	}
}

func TestSettleAntiStreakForcesLoss(t *testing.T) {
	svc, store, _ := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 100
	store.recent["acct-1"] = []bool{true, true, true}

	if _, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 10, Multiplier: 1,
	}); err != nil {
		t.Fatalf("PlaceWager: %v", err)
	}

	res, err := svc.Settle(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if greenDigits[res.ResultNumber] {
		t.Errorf("result %d is green, three straight wins must force a loss", res.ResultNumber)
	}
}

func TestSettleReplaySuppressesEvents(t *testing.T) {
	svc, store, sink := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	store.balances["acct-1"] = 100

	if _, err := svc.PlaceWager(context.Background(), PlaceWagerParams{
		AccountID: "acct-1", RoundID: round.ID, Type: models.BetBigSmall, Value: "big", Amount: 10, Multiplier: 1,
	}); err != nil {
		t.Fatalf("PlaceWager: %v", err)
	}

	first, err := svc.Settle(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	balanceAfter := store.balances["acct-1"]

	second, err := svc.Settle(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if !second.Replayed {
		t.Error("second settlement not flagged as replayed")
	}
	if second.ResultNumber != first.ResultNumber {
		t.Errorf("replay result %d differs from original %d", second.ResultNumber, first.ResultNumber)
	}
	if store.balances["acct-1"] != balanceAfter {
		t.Errorf("replay moved the balance: %v -> %v", balanceAfter, store.balances["acct-1"])
	}
	if sink.count(TopicRoundSettled) != 1 {
		t.Errorf("round_settled events = %d, want 1", sink.count(TopicRoundSettled))
	}
}

func TestSettleReconcilesMoneyAcrossAccounts(t *testing.T) {
	svc, store, _ := newTestService()
	round := store.addRound(models.Interval1m, time.Minute)
	accounts := map[string]float64{"a": 500, "b": 500, "c": 500}
	for id, bal := range accounts {
		store.balances[id] = bal
	}

	bets := []PlaceWagerParams{
		{AccountID: "a", RoundID: round.ID, Type: models.BetColor, Value: "green", Amount: 100, Multiplier: 1},
		{AccountID: "b", RoundID: round.ID, Type: models.BetColor, Value: "red", Amount: 80, Multiplier: 1},
		{AccountID: "c", RoundID: round.ID, Type: models.BetNumber, Value: "5", Amount: 20, Multiplier: 2},
	}
	for _, p := range bets {
		if _, err := svc.PlaceWager(context.Background(), p); err != nil {
			t.Fatalf("PlaceWager(%s): %v", p.AccountID, err)
		}
	}

	res, err := svc.Settle(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	var stakes, payouts float64
	for i, p := range bets {
		stakes += p.Amount * float64(p.Multiplier)
		payouts += res.Resolutions[i].Payout
	}
	if res.Analytics.TotalBets != stakes {
		t.Errorf("total bets = %v, want %v", res.Analytics.TotalBets, stakes)
	}
	if res.Analytics.Profit != round2(stakes-payouts) {
		t.Errorf("profit = %v, want %v", res.Analytics.Profit, round2(stakes-payouts))
	}
	for i, p := range bets {
		want := accounts[p.AccountID] - p.Amount + res.Resolutions[i].Payout
		if got := store.balances[p.AccountID]; got != want {
			t.Errorf("account %s balance = %v, want %v", p.AccountID, got, want)
		}
	}
}
