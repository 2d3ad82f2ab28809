package services

import (
	"context"
	"fmt"
	"time"

	"wingo/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RoundClock keeps every interval track supplied with a pending round
// and triggers settlement once a round's window elapses. Creation and
// settlement are both idempotent, so overlapping clock instances are
// safe.
type RoundClock struct {
	store     Store
	sink      Sink
	engine    *RoundService
	intervals []models.Interval
	tick      time.Duration
}

// NewRoundClock creates a clock driving the given tracks.
func NewRoundClock(store Store, sink Sink, engine *RoundService, intervals []models.Interval) *RoundClock {
	return &RoundClock{
		store:     store,
		sink:      sink,
		engine:    engine,
		intervals: intervals,
		tick:      time.Second,
	}
}

// Run blocks until ctx is cancelled, driving one loop per track plus the
// settlement sweeper.
func (c *RoundClock) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, interval := range c.intervals {
		interval := interval
		g.Go(func() error { return c.runTrack(ctx, interval) })
	}
	g.Go(func() error { return c.runSettler(ctx) })
	return g.Wait()
}

func (c *RoundClock) runTrack(ctx context.Context, interval models.Interval) error {
	duration, ok := interval.Duration()
	if !ok {
		return fmt.Errorf("round clock: unknown interval %q", interval)
	}

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.ensure(ctx, interval, duration)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.ensure(ctx, interval, duration)
		}
	}
}

func (c *RoundClock) ensure(ctx context.Context, interval models.Interval, duration time.Duration) {
	round, created, err := c.store.EnsureActiveRound(ctx, interval, duration, time.Now().UTC())
	if err != nil {
		logrus.Errorf("round clock: ensure %s round: %v", interval, err)
		return
	}
	if !created {
		return
	}

	logrus.WithFields(logrus.Fields{
		"round":    round.ID,
		"interval": round.Interval,
		"period":   round.Period,
	}).Info("round opened")

	c.sink.Publish(TopicRoundCreated, models.H{
		"round_id":   round.ID,
		"interval":   round.Interval,
		"period":     round.Period,
		"start_time": round.StartTime,
		"end_time":   round.EndTime,
	})
}

// runSettler sweeps for rounds past their deadline. Failures roll back
// whole and get retried on the next tick, so settlement self-heals
// without manual intervention.
func (c *RoundClock) runSettler(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := c.store.DuePendingRounds(ctx, time.Now().UTC())
			if err != nil {
				logrus.Errorf("round clock: due rounds: %v", err)
				continue
			}
			for _, round := range due {
				if _, err := c.engine.Settle(ctx, round.ID); err != nil {
					logrus.Errorf("round clock: settle round %d: %v", round.ID, err)
				}
			}
		}
	}
}
