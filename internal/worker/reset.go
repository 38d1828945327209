package worker

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// TakenResetter clears taken flags at the start of a new day.
type TakenResetter interface {
	ResetTaken() (int, error)
}

// DailyReset runs ResetTaken on a cron spec. The store's change notification takes care of
// re-arming the reminders.
type DailyReset struct {
	cron   *cron.Cron
	store  TakenResetter
	logger *slog.Logger
}

func NewDailyReset(spec string, store TakenResetter, logger *slog.Logger) (*DailyReset, error) {
	r := &DailyReset{
		cron:   cron.New(),
		store:  store,
		logger: logger.With("component", "daily-reset"),
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("failed to add reset job %q: %w", spec, err)
	}
	return r, nil
}

func (r *DailyReset) Start() {
	r.cron.Start()
	r.logger.Info("Daily taken reset enabled")
}

func (r *DailyReset) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *DailyReset) run() {
	n, err := r.store.ResetTaken()
	if err != nil {
		r.logger.Error("Failed to reset taken medications", "error", err)
		return
	}
	r.logger.Info("Reset taken medications", "count", n)
}
