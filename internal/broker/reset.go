package broker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// StartDailyReset schedules the daily usage reset on the given cron
// expression. The reset is idempotent, so schedules tighter than the
// day boundary are safe. It returns a stop function that waits for
// any in-flight run.
func (b *Broker) StartDailyReset(schedule string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { b.resetOnce(context.Background()) }); err != nil {
		return nil, err
	}
	c.Start()
	b.log.Info("daily reset scheduled", "schedule", schedule)
	return func() { <-c.Stop().Done() }, nil
}

// resetOnce zeroes daily usage for sharers whose last reset predates
// today's UTC midnight. A second run in the same day touches no rows.
func (b *Broker) resetOnce(ctx context.Context) {
	dayStart := startOfDayUTC(b.now())
	n, err := b.store.ResetDailyUsage(ctx, dayStart)
	if err != nil {
		b.log.Error("daily usage reset", "error", err)
		return
	}
	if n > 0 {
		b.log.Info("daily usage reset", "sharers", n)
	}
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
