package scheduler

import (
	"context"
	"time"

	"busfleet/internal/model"
)

// nextRun returns the first hour:minute in loc strictly after now.
func nextRun(now time.Time, loc *time.Location, hour, minute int) time.Time {
	n := now.In(loc)
	y, m, d := n.Date()
	at := time.Date(y, m, d, hour, minute, 0, 0, loc)
	if !at.After(n) {
		at = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
	}
	return at
}

// Start runs the automatic generation once per day at the configured local time.
func (s *Scheduler) Start() {
	go func() {
		for {
			at := nextRun(s.now(), s.cfg.Location, s.runHour, s.runMinute)
			s.log.Info().Time("next_run", at).Msg("scheduler armed")
			timer := time.NewTimer(time.Until(at))
			select {
			case <-s.Stop:
				timer.Stop()
				return
			case <-timer.C:
				if _, _, err := s.RunAutomatic(context.Background(), at); err != nil {
					s.log.Error().Err(err).Msg("automatic generation failed")
				}
			}
		}
	}()
}

// RunAutomatic generates the day's trips as the cron path. When a Locker is
// configured only the instance holding the day's lock runs; others report ran=false.
func (s *Scheduler) RunAutomatic(ctx context.Context, date time.Time) (res Result, ran bool, err error) {
	day := s.Day(date)
	if s.cfg.Locker != nil {
		key := "busfleet:scheduler:" + model.DateKey(day)
		release, ok, lerr := s.cfg.Locker.Acquire(ctx, key, s.cfg.LockTTL)
		if lerr != nil {
			return res, false, lerr
		}
		if !ok {
			s.log.Info().Str("date", model.DateKey(day)).Msg("another instance holds the generation lock; skipping")
			return res, false, nil
		}
		// The lock is left to expire on success so late peers skip the same day.
		defer func() {
			if err != nil {
				_ = release(context.Background())
			}
		}()
	}
	res, err = s.GenerateForDay(ctx, day, model.GeneratedByCron)
	return res, err == nil, err
}
