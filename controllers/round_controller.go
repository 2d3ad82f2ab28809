package controllers

import (
	"errors"
	"net"
	"strings"
	"time"

	"wingo/models"
	"wingo/services"
	"wingo/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// single engine instance
var (
	engine        *services.RoundService
	settleAllowed map[string]bool
)

// InitRoundController wires the engine and the settle-trigger allowlist.
func InitRoundController(svc *services.RoundService, allowedIPs []string) {
	engine = svc
	settleAllowed = make(map[string]bool, len(allowedIPs))
	for _, ip := range allowedIPs {
		settleAllowed[ip] = true
	}
}

func accountFromClaims(c *fiber.Ctx) (string, bool) {
	claims, ok := c.Locals("user").(jwt.MapClaims)
	if !ok {
		return "", false
	}
	sub, ok := claims["sub"].(string)
	return sub, ok && sub != ""
}

// businessError maps engine error kinds to the response envelope:
// 400 for malformed input, 202 for business rejections, 404 for
// missing resources, 500 otherwise.
func businessError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrValidation):
		return c.Status(400).JSON(models.NewErrorResponse(400, 1, err.Error()))
	case errors.Is(err, models.ErrRoundNotFound):
		return c.Status(404).JSON(models.NewErrorResponse(404, 1, "round not found"))
	case errors.Is(err, models.ErrBettingClosed):
		return c.Status(202).JSON(models.NewErrorResponse(202, 2, err.Error()))
	case errors.Is(err, models.ErrInsufficientBalance):
		return c.Status(202).JSON(models.NewErrorResponse(202, 3, "insufficient balance"))
	default:
		logrus.Errorf("internal error: %v", err)
		return c.Status(500).JSON(models.NewErrorResponse(500, 1, "internal server error"))
	}
}

// request bodies
type PlaceWagerRequest struct {
	RoundID        interface{} `json:"round_id"`
	Type           string      `json:"type"`
	Value          interface{} `json:"value"`
	Amount         float64     `json:"amount"`
	Multiplier     interface{} `json:"multiplier"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type SettleRequest struct {
	RoundID interface{} `json:"round_id"`
}

// PlaceWager - POST /api/v1/wager
func PlaceWager(c *fiber.Ctx) error {
	accountID, ok := accountFromClaims(c)
	if !ok {
		return c.Status(401).JSON(models.NewErrorResponse(401, 1, "unauthorized"))
	}

	var req PlaceWagerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(models.NewErrorResponse(400, 1, "invalid JSON"))
	}

	multiplier := utils.ToInt(req.Multiplier)
	if req.Multiplier == nil {
		multiplier = 1
	}

	wager, err := engine.PlaceWager(c.Context(), services.PlaceWagerParams{
		AccountID:      accountID,
		RoundID:        utils.ToInt64(req.RoundID),
		Type:           models.BetType(req.Type),
		Value:          utils.ToString(req.Value),
		Amount:         req.Amount,
		Multiplier:     multiplier,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return businessError(c, err)
	}

	return c.Status(200).JSON(models.NewSuccessWithData(200, 0, wager))
}

// CurrentRound - GET /api/v1/round/current?interval=
func CurrentRound(c *fiber.Ctx) error {
	interval := c.Query("interval", string(models.Interval1m))

	round, err := engine.CurrentRound(c.Context(), interval)
	if err != nil {
		return businessError(c, err)
	}

	now := time.Now().UTC()
	remaining := round.EndTime.Sub(now)
	if remaining < 0 {
		remaining = 0
	}

	return c.Status(200).JSON(models.H{
		"Status":        200,
		"StatusCode":    0,
		"Data":          round,
		"SecondsLeft":   int(remaining.Seconds()),
		"BettingOpen":   now.Before(round.EndTime.Add(-engine.Cutoff())),
		"StatusMessage": "Success",
	})
}

// RoundHistory - GET /api/v1/round/history?interval=&limit=
func RoundHistory(c *fiber.Ctx) error {
	interval := c.Query("interval", string(models.Interval1m))
	limit := c.QueryInt("limit", 30)

	rounds, err := engine.History(c.Context(), interval, limit)
	if err != nil {
		return businessError(c, err)
	}
	if rounds == nil {
		rounds = []models.Round{}
	}
	return c.Status(200).JSON(models.NewSuccessWithData(200, 0, rounds))
}

// MyWagers - GET /api/v1/wagers?limit=
func MyWagers(c *fiber.Ctx) error {
	accountID, ok := accountFromClaims(c)
	if !ok {
		return c.Status(401).JSON(models.NewErrorResponse(401, 1, "unauthorized"))
	}

	wagers, err := engine.AccountWagers(c.Context(), accountID, c.QueryInt("limit", 30))
	if err != nil {
		return businessError(c, err)
	}
	if wagers == nil {
		wagers = []models.Wager{}
	}
	return c.Status(200).JSON(models.NewSuccessWithData(200, 0, wagers))
}

// GetBalance - GET /api/v1/balance
func GetBalance(c *fiber.Ctx) error {
	accountID, ok := accountFromClaims(c)
	if !ok {
		return c.Status(401).JSON(models.NewErrorResponse(401, 1, "unauthorized"))
	}

	balance, err := engine.Balance(c.Context(), accountID)
	if err != nil {
		return businessError(c, err)
	}
	return c.Status(200).JSON(models.H{
		"Status":        200,
		"StatusCode":    0,
		"Balance":       balance,
		"StatusMessage": "Success",
	})
}

// GameState - GET /api/v1/state?interval=
// One round trip for the client: current round, balance and recent
// wagers fetched concurrently.
func GameState(c *fiber.Ctx) error {
	accountID, ok := accountFromClaims(c)
	if !ok {
		return c.Status(401).JSON(models.NewErrorResponse(401, 1, "unauthorized"))
	}
	interval := c.Query("interval", string(models.Interval1m))
	ctx := c.Context()

	var round *models.Round
	var balance float64
	var wagers []models.Wager

	g := new(errgroup.Group)
	g.Go(func() error {
		r, err := engine.CurrentRound(ctx, interval)
		if errors.Is(err, models.ErrRoundNotFound) {
			return nil // track between rounds; not an error
		}
		if err != nil {
			return err
		}
		round = &r
		return nil
	})
	g.Go(func() error {
		b, err := engine.Balance(ctx, accountID)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	g.Go(func() error {
		w, err := engine.AccountWagers(ctx, accountID, 10)
		if err != nil {
			return err
		}
		wagers = w
		return nil
	})

	if err := g.Wait(); err != nil {
		return businessError(c, err)
	}

	if wagers == nil {
		wagers = []models.Wager{}
	}
	return c.Status(200).JSON(models.H{
		"Status":        200,
		"StatusCode":    0,
		"Round":         round,
		"Balance":       balance,
		"Wagers":        wagers,
		"StatusMessage": "Success",
	})
}

// SettleRound - POST /api/v1/settle
// Manual settlement trigger for operators and sibling schedulers.
// Validates source IPs, then runs the idempotent settle.
func SettleRound(c *fiber.Ctx) error {
	clientIP := c.Get("X-Forwarded-For", c.IP())
	if strings.Contains(clientIP, ",") {
		clientIP = strings.TrimSpace(strings.Split(clientIP, ",")[0])
	}
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	if !settleAllowed[clientIP] {
		return c.Status(403).JSON(models.NewErrorResponse(403, 1, "forbidden"))
	}

	var req SettleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(models.NewErrorResponse(400, 1, "invalid JSON"))
	}
	roundID := utils.ToInt64(req.RoundID)
	if roundID <= 0 {
		return c.Status(400).JSON(models.NewErrorResponse(400, 1, "round_id required"))
	}

	result, err := engine.Settle(c.Context(), roundID)
	if err != nil {
		return businessError(c, err)
	}
	return c.Status(200).JSON(models.NewSuccessWithData(200, 0, result))
}
