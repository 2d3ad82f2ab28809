package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wingo/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// DecideFunc turns a locked round snapshot into a settlement decision.
// recentSingleWins is only populated for single-wager rounds: the win
// flags of that bettor's most recent settled single-bettor wagers,
// newest first.
type DecideFunc func(round models.Round, wagers []models.Wager, recentSingleWins []bool) models.SettleDecision

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id      TEXT PRIMARY KEY,
	balance NUMERIC(18,2) NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS rounds (
	id            BIGSERIAL PRIMARY KEY,
	period        TEXT NOT NULL,
	"interval"    TEXT NOT NULL,
	start_time    TIMESTAMPTZ NOT NULL,
	end_time      TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	result_number SMALLINT,
	result_at     TIMESTAMPTZ,
	UNIQUE ("interval", period),
	CHECK (end_time > start_time),
	CHECK ((status = 'settled') = (result_number IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_rounds_one_pending
	ON rounds ("interval") WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS wagers (
	id              TEXT PRIMARY KEY,
	round_id        BIGINT NOT NULL REFERENCES rounds(id),
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	bet_type        TEXT NOT NULL,
	bet_value       TEXT NOT NULL,
	amount          NUMERIC(18,2) NOT NULL CHECK (amount > 0),
	multiplier      INT NOT NULL CHECK (multiplier > 0),
	idempotency_key TEXT UNIQUE,
	win             BOOLEAN,
	payout          NUMERIC(18,2) NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_wagers_round ON wagers (round_id);
CREATE INDEX IF NOT EXISTS idx_wagers_account ON wagers (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS round_analytics (
	round_id     BIGINT PRIMARY KEY REFERENCES rounds(id),
	total_bets   NUMERIC(18,2) NOT NULL,
	total_payout NUMERIC(18,2) NOT NULL,
	profit       NUMERIC(18,2) NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const roundColumns = `id, period, "interval", start_time, end_time, status, result_number, result_at`

const wagerColumns = `id, round_id, account_id, bet_type, bet_value, amount::float8, multiplier,
	COALESCE(idempotency_key, ''), win, payout::float8, created_at`

// EnsureSchema creates the tables, constraints and indexes on startup.
func (db *Database) EnsureSchema(ctx context.Context) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return unavailable("ensure schema", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
}

func scanRound(row pgx.Row) (models.Round, error) {
	var r models.Round
	err := row.Scan(&r.ID, &r.Period, &r.Interval, &r.StartTime, &r.EndTime,
		&r.Status, &r.ResultNumber, &r.ResultAt)
	return r, err
}

func scanWagers(rows pgx.Rows) ([]models.Wager, error) {
	defer rows.Close()

	var wagers []models.Wager
	for rows.Next() {
		var w models.Wager
		if err := rows.Scan(&w.ID, &w.RoundID, &w.AccountID, &w.Type, &w.Value,
			&w.Amount, &w.Multiplier, &w.IdempotencyKey, &w.Win, &w.Payout, &w.CreatedAt); err != nil {
			return nil, err
		}
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

// ActiveRound returns the pending round for the track, or nil.
func (db *Database) ActiveRound(ctx context.Context, interval models.Interval) (*models.Round, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("active round", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE "interval" = $1 AND status = 'pending' ORDER BY id DESC LIMIT 1`,
		interval)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active round: %w", err)
	}
	return &r, nil
}

// RoundByID returns one round, or nil if it does not exist.
func (db *Database) RoundByID(ctx context.Context, id int64) (*models.Round, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("round by id", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("round by id: %w", err)
	}
	return &r, nil
}

// RoundHistory returns the newest settled rounds for a track.
func (db *Database) RoundHistory(ctx context.Context, interval models.Interval, limit int) ([]models.Round, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("round history", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds
		 WHERE "interval" = $1 AND status = 'settled' ORDER BY id DESC LIMIT $2`,
		interval, limit)
	if err != nil {
		return nil, fmt.Errorf("round history: %w", err)
	}
	defer rows.Close()

	var rounds []models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("round history: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// DuePendingRounds returns pending rounds whose windows have elapsed.
func (db *Database) DuePendingRounds(ctx context.Context, now time.Time) ([]models.Round, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("due rounds", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = 'pending' AND end_time <= $1 ORDER BY end_time`,
		now)
	if err != nil {
		return nil, fmt.Errorf("due rounds: %w", err)
	}
	defer rows.Close()

	var rounds []models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("due rounds: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

// EnsureActiveRound guarantees a pending round exists for the track,
// creating one with the next period serial when needed. The partial
// unique index on ("interval") WHERE pending makes the create atomic; a
// creation race that loses discards its attempt and re-reads the winner.
func (db *Database) EnsureActiveRound(ctx context.Context, interval models.Interval, duration time.Duration, now time.Time) (models.Round, bool, error) {
	if existing, err := db.ActiveRound(ctx, interval); err != nil {
		return models.Round{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return models.Round{}, false, unavailable("ensure active round", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return models.Round{}, false, unavailable("ensure active round", err)
	}
	defer tx.Rollback(ctx)

	// Period serials reset daily per track: YYYYMMDD + 4-digit sequence.
	prefix := now.UTC().Format("20060102")
	var last string
	seq := 1
	err = tx.QueryRow(ctx,
		`SELECT period FROM rounds WHERE "interval" = $1 AND period LIKE $2 || '%' ORDER BY period DESC LIMIT 1`,
		interval, prefix).Scan(&last)
	if err == nil && len(last) > len(prefix) {
		var n int
		if _, serr := fmt.Sscanf(last[len(prefix):], "%d", &n); serr == nil {
			seq = n + 1
		}
	} else if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.Round{}, false, fmt.Errorf("ensure active round: %w", err)
	}
	period := fmt.Sprintf("%s%04d", prefix, seq)

	start := now.UTC()
	end := start.Add(duration)
	row := tx.QueryRow(ctx,
		`INSERT INTO rounds (period, "interval", start_time, end_time, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 ON CONFLICT DO NOTHING
		 RETURNING `+roundColumns, period, interval, start, end)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race; another worker created the round.
		_ = tx.Rollback(ctx)
		winner, rerr := db.ActiveRound(ctx, interval)
		if rerr != nil {
			return models.Round{}, false, rerr
		}
		if winner == nil {
			return models.Round{}, false, fmt.Errorf("ensure active round: %w", models.ErrStoreUnavailable)
		}
		return *winner, false, nil
	}
	if err != nil {
		return models.Round{}, false, fmt.Errorf("ensure active round: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Round{}, false, unavailable("ensure active round", err)
	}
	return r, true, nil
}

// WagerByIdempotencyKey returns the wager carrying the key, or nil.
func (db *Database) WagerByIdempotencyKey(ctx context.Context, key string) (*models.Wager, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("wager by key", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+wagerColumns+` FROM wagers WHERE idempotency_key = $1`, key)
	var w models.Wager
	err = row.Scan(&w.ID, &w.RoundID, &w.AccountID, &w.Type, &w.Value,
		&w.Amount, &w.Multiplier, &w.IdempotencyKey, &w.Win, &w.Payout, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wager by key: %w", err)
	}
	return &w, nil
}

// AccountWagers returns the newest wagers for an account.
func (db *Database) AccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("account wagers", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("account wagers: %w", err)
	}
	return scanWagers(rows)
}

// Balance reads an account's spendable balance.
func (db *Database) Balance(ctx context.Context, accountID string) (float64, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return 0, unavailable("balance", err)
	}
	defer conn.Release()

	var balance float64
	err = conn.QueryRow(ctx, `SELECT balance::float8 FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: unknown account %s", models.ErrValidation, accountID)
	}
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

// PlaceWager inserts a wager and debits its stake in one transaction.
// The round row is share-locked so settlement cannot interleave, the
// cutoff is re-validated against a timestamp read inside the
// transaction, and an idempotency-key collision resolves to the
// already-stored wager instead of an error.
func (db *Database) PlaceWager(ctx context.Context, w models.Wager, cutoff time.Duration) (models.Wager, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return models.Wager{}, unavailable("place wager", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return models.Wager{}, unavailable("place wager", err)
	}
	defer tx.Rollback(ctx)

	var status models.RoundStatus
	var endTime time.Time
	err = tx.QueryRow(ctx, `SELECT status, end_time FROM rounds WHERE id = $1 FOR SHARE`, w.RoundID).
		Scan(&status, &endTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Wager{}, models.ErrRoundNotFound
	}
	if err != nil {
		return models.Wager{}, fmt.Errorf("place wager: %w", err)
	}

	if status != models.RoundPending {
		return models.Wager{}, fmt.Errorf("%w: round %d already settled", models.ErrBettingClosed, w.RoundID)
	}

	// A request that started before the cutoff but reaches this point
	// after it must still fail.
	now := time.Now().UTC()
	if !now.Before(endTime.Add(-cutoff)) {
		return models.Wager{}, fmt.Errorf("%w: within %s of round end", models.ErrBettingClosed, cutoff)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1`,
		w.Amount, w.AccountID)
	if err != nil {
		return models.Wager{}, fmt.Errorf("place wager: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Wager{}, models.ErrInsufficientBalance
	}

	var key interface{}
	if w.IdempotencyKey != "" {
		key = w.IdempotencyKey
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO wagers (id, round_id, account_id, bet_type, bet_value, amount, multiplier, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		w.ID, w.RoundID, w.AccountID, w.Type, w.Value, w.Amount, w.Multiplier, key).
		Scan(&w.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Concurrent retry with the same key won the insert; surface
			// its wager (and its single debit) as this request's result.
			_ = tx.Rollback(ctx)
			existing, rerr := db.WagerByIdempotencyKey(ctx, w.IdempotencyKey)
			if rerr != nil {
				return models.Wager{}, rerr
			}
			if existing != nil {
				return *existing, nil
			}
		}
		return models.Wager{}, fmt.Errorf("place wager: insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Wager{}, unavailable("place wager", err)
	}

	logrus.WithFields(logrus.Fields{
		"wager":   w.ID,
		"round":   w.RoundID,
		"account": w.AccountID,
		"amount":  w.Amount,
	}).Info("wager placed")
	return w, nil
}

// SettleRound applies the decision produced by decide under an exclusive
// round lock, as one all-or-nothing unit: wager results, account
// credits, the round's terminal transition and the analytics row. A
// round that is already settled is returned as-is with Replayed set.
// historyDepth caps how many past single-bettor outcomes are loaded for
// the anti-streak rule.
func (db *Database) SettleRound(ctx context.Context, roundID int64, historyDepth int, decide DecideFunc) (models.SettlementResult, error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return models.SettlementResult{}, unavailable("settle round", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return models.SettlementResult{}, unavailable("settle round", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, roundID)
	round, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SettlementResult{}, models.ErrRoundNotFound
	}
	if err != nil {
		return models.SettlementResult{}, fmt.Errorf("settle round: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+wagerColumns+` FROM wagers WHERE round_id = $1 ORDER BY created_at, id`, roundID)
	if err != nil {
		return models.SettlementResult{}, fmt.Errorf("settle round: %w", err)
	}
	wagers, err := scanWagers(rows)
	if err != nil {
		return models.SettlementResult{}, fmt.Errorf("settle round: %w", err)
	}

	if round.Status == models.RoundSettled {
		return db.replaySettlement(ctx, tx, round, wagers)
	}

	var recent []bool
	if len(wagers) == 1 {
		recent, err = recentSingleOutcomes(ctx, tx, wagers[0].AccountID, roundID, historyDepth)
		if err != nil {
			return models.SettlementResult{}, err
		}
	}

	decision := decide(round, wagers, recent)

	for _, res := range decision.Resolutions {
		if _, err := tx.Exec(ctx,
			`UPDATE wagers SET win = $1, payout = $2 WHERE id = $3`,
			res.Win, res.Payout, res.WagerID); err != nil {
			return models.SettlementResult{}, fmt.Errorf("settle round: resolve wager: %w", err)
		}
	}

	credits := make(map[string]float64)
	for _, res := range decision.Resolutions {
		if res.Win && res.Payout > 0 {
			credits[res.AccountID] += res.Payout
		}
	}
	for accountID, payout := range credits {
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = balance + $1 WHERE id = $2`,
			payout, accountID); err != nil {
			return models.SettlementResult{}, fmt.Errorf("settle round: credit: %w", err)
		}
	}

	resultAt := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE rounds SET status = 'settled', result_number = $1, result_at = $2 WHERE id = $3`,
		decision.ResultNumber, resultAt, roundID); err != nil {
		return models.SettlementResult{}, fmt.Errorf("settle round: transition: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO round_analytics (round_id, total_bets, total_payout, profit)
		 VALUES ($1, $2, $3, $4)`,
		roundID, decision.Analytics.TotalBets, decision.Analytics.TotalPayout, decision.Analytics.Profit); err != nil {
		return models.SettlementResult{}, fmt.Errorf("settle round: analytics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.SettlementResult{}, unavailable("settle round", err)
	}

	round.Status = models.RoundSettled
	n := decision.ResultNumber
	round.ResultNumber = &n
	round.ResultAt = &resultAt

	analytics := decision.Analytics
	analytics.RoundID = roundID
	analytics.CreatedAt = resultAt

	return models.SettlementResult{
		Round:        round,
		ResultNumber: decision.ResultNumber,
		Resolutions:  decision.Resolutions,
		Analytics:    analytics,
		Replayed:     false,
	}, nil
}

// replaySettlement rebuilds the stored outcome for a round that was
// already terminal, so duplicate triggers observe identical results.
func (db *Database) replaySettlement(ctx context.Context, tx pgx.Tx, round models.Round, wagers []models.Wager) (models.SettlementResult, error) {
	var analytics models.RoundAnalytics
	err := tx.QueryRow(ctx,
		`SELECT round_id, total_bets::float8, total_payout::float8, profit::float8, created_at
		 FROM round_analytics WHERE round_id = $1`, round.ID).
		Scan(&analytics.RoundID, &analytics.TotalBets, &analytics.TotalPayout,
			&analytics.Profit, &analytics.CreatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.SettlementResult{}, fmt.Errorf("settle round: analytics replay: %w", err)
	}

	resolutions := make([]models.WagerResolution, 0, len(wagers))
	for _, w := range wagers {
		if w.Win == nil {
			continue
		}
		resolutions = append(resolutions, models.WagerResolution{
			WagerID:   w.ID,
			AccountID: w.AccountID,
			Win:       *w.Win,
			Payout:    w.Payout,
		})
	}

	result := 0
	if round.ResultNumber != nil {
		result = *round.ResultNumber
	}
	return models.SettlementResult{
		Round:        round,
		ResultNumber: result,
		Resolutions:  resolutions,
		Analytics:    analytics,
		Replayed:     true,
	}, nil
}

// recentSingleOutcomes reads the win flags of the account's most recent
// settled wagers placed in single-wager rounds, newest first.
func recentSingleOutcomes(ctx context.Context, tx pgx.Tx, accountID string, excludeRound int64, limit int) ([]bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT w.win FROM wagers w
		 JOIN rounds r ON r.id = w.round_id
		 WHERE w.account_id = $1 AND w.win IS NOT NULL AND r.status = 'settled'
		   AND w.round_id <> $2
		   AND NOT EXISTS (SELECT 1 FROM wagers w2 WHERE w2.round_id = w.round_id AND w2.id <> w.id)
		 ORDER BY r.result_at DESC LIMIT $3`,
		accountID, excludeRound, limit)
	if err != nil {
		return nil, fmt.Errorf("settle round: history: %w", err)
	}
	defer rows.Close()

	var wins []bool
	for rows.Next() {
		var win bool
		if err := rows.Scan(&win); err != nil {
			return nil, fmt.Errorf("settle round: history: %w", err)
		}
		wins = append(wins, win)
	}
	return wins, rows.Err()
}
