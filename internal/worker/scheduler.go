package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/noahxzhu/medication-reminder/internal/clock"
	"github.com/noahxzhu/medication-reminder/internal/model"
	"github.com/noahxzhu/medication-reminder/internal/notify"
	"github.com/noahxzhu/medication-reminder/internal/storage"
)

const permissionWarning = "Please enable notifications to receive medication reminders"

type SlotState string

const (
	SlotPending    SlotState = "pending"
	SlotBlocked    SlotState = "blocked"
	SlotSuppressed SlotState = "suppressed"
	SlotFired      SlotState = "fired"
)

// SlotInfo is the diagnostic view of one medication's reminder slot.
type SlotInfo struct {
	MedicationID string    `json:"medication_id"`
	FireAt       time.Time `json:"fire_at,omitempty"`
	Handle       uint64    `json:"handle,omitempty"`
	State        SlotState `json:"state"`
}

// MedicationSource is the read side of the medication store.
type MedicationSource interface {
	List() []model.Medication
	Get(id string) (model.Medication, error)
	Subscribe(fn func(storage.Change)) func()
}

type slot struct {
	fireAt time.Time
	handle uint64
	timer  clock.Timer
	state  SlotState
}

// Scheduler keeps exactly one armed timer per untaken medication. Reconciliation and timer
// callbacks share one mutex, so a callback never runs in the middle of a pass.
type Scheduler struct {
	store    MedicationSource
	sink     notify.Sink
	fallback notify.Sink
	chime    notify.Chime
	clock    clock.Clock
	logger   *slog.Logger

	// serializes permission requests so a grant is announced once
	permMu sync.Mutex

	mu        sync.Mutex
	ctx       context.Context
	slots     map[string]*slot
	lastFired map[string]time.Time
	seq       uint64
	unsub     func()
}

type Option func(*Scheduler)

// WithFallback sets the sink used when the primary sink reports PermissionUnsupported.
func WithFallback(s notify.Sink) Option {
	return func(sc *Scheduler) { sc.fallback = s }
}

func WithChime(c notify.Chime) Option {
	return func(sc *Scheduler) { sc.chime = c }
}

func WithClock(c clock.Clock) Option {
	return func(sc *Scheduler) { sc.clock = c }
}

func NewScheduler(store MedicationSource, sink notify.Sink, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		sink:      sink,
		clock:     clock.Real{},
		logger:    logger.With("component", "scheduler"),
		ctx:       context.Background(),
		slots:     map[string]*slot{},
		lastFired: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to store changes, asks for delivery permission if it was never asked,
// and runs the first reconciliation. ctx bounds every delivery made afterwards.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.unsub = s.store.Subscribe(s.onChange)
	s.logger.Info("Scheduler started (Event-Driven)")

	if _, perm := s.channel(); perm == notify.PermissionDefault {
		s.requestPermission()
	}
	s.Reconcile()
}

// Stop unsubscribes from the store and cancels every armed timer.
func (s *Scheduler) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sl := range s.slots {
		s.cancelLocked(sl)
		delete(s.slots, id)
	}
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) onChange(c storage.Change) {
	if c.Kind == storage.ChangeAdded {
		if _, perm := s.channel(); perm == notify.PermissionDefault || perm == notify.PermissionDenied {
			s.requestPermission()
		}
	}
	s.Reconcile()
}

// Reconcile brings the slot table in line with the store. Slots that already target the
// right minute are left alone, so back-to-back passes cause no churn.
func (s *Scheduler) Reconcile() {
	s.reconcile(false)
}

// Resume re-arms every slot from scratch. Timers armed before a host suspend are not trusted.
// A channel that was unreachable or refused before the suspend is asked again first.
func (s *Scheduler) Resume() {
	s.logger.Info("Resume detected, rebuilding all reminder timers")
	if _, perm := s.channel(); perm == notify.PermissionDefault || perm == notify.PermissionDenied {
		s.requestPermission()
	}
	s.reconcile(true)
}

// RetryPermission asks again while the last request never got an answer, and arms the
// blocked slots once it does. A refusal is left alone until settings or a resume change it.
func (s *Scheduler) RetryPermission() {
	if _, perm := s.channel(); perm != notify.PermissionDefault {
		return
	}
	if s.requestPermission() {
		s.Reconcile()
	}
}

func (s *Scheduler) reconcile(force bool) {
	s.mu.Lock()
	due := s.reconcileLocked(force)
	ctx := s.ctx
	s.mu.Unlock()

	s.deliver(ctx, due)
}

// RefreshPermission re-asks the sink for permission and reconciles, arming any blocked slots
// if permission is now granted.
func (s *Scheduler) RefreshPermission() bool {
	granted := s.requestPermission()
	s.Reconcile()
	return granted
}

func (s *Scheduler) Permission() notify.Permission {
	_, perm := s.channel()
	return perm
}

// Warning is the banner text to show while reminders are blocked, or "" when none.
func (s *Scheduler) Warning() string {
	switch s.Permission() {
	case notify.PermissionDefault, notify.PermissionDenied:
		return permissionWarning
	}
	return ""
}

func (s *Scheduler) Slots() map[string]SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SlotInfo, len(s.slots))
	for id, sl := range s.slots {
		out[id] = SlotInfo{MedicationID: id, FireAt: sl.fireAt, Handle: sl.handle, State: sl.state}
	}
	return out
}

// requestPermission asks the active channel for permission. The first grant is confirmed to
// the user with a setup notice.
func (s *Scheduler) requestPermission() bool {
	s.permMu.Lock()
	defer s.permMu.Unlock()

	sink, perm := s.channel()
	if perm == notify.PermissionGranted {
		return true
	}
	if perm == notify.PermissionUnsupported {
		s.logger.Warn("No delivery channel and no fallback, reminders stay blocked", "error", notify.ErrUnsupported)
		return false
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	granted, err := sink.RequestPermission(ctx)
	if err != nil {
		s.logger.Error("Permission request failed", "error", err)
	}
	if !granted {
		s.logger.Warn("Reminders blocked", "error", notify.ErrPermissionDenied)
		return false
	}
	s.logger.Info("Delivery permission granted")
	s.deliver(ctx, []model.Reminder{model.NewSetupReminder(s.clock.Now())})
	return true
}

// channel picks the sink reminders go to right now and its permission state.
func (s *Scheduler) channel() (notify.Sink, notify.Permission) {
	perm := s.sink.Permission()
	if perm == notify.PermissionUnsupported && s.fallback != nil {
		return s.fallback, s.fallback.Permission()
	}
	return s.sink, perm
}

// reconcileLocked updates the slot table and returns the reminders that came due during the
// pass. The caller delivers them after releasing s.mu.
func (s *Scheduler) reconcileLocked(force bool) []model.Reminder {
	var due []model.Reminder
	now := s.clock.Now()
	_, perm := s.channel()
	armed := perm == notify.PermissionGranted

	meds := s.store.List()
	live := make(map[string]bool, len(meds))

	for _, m := range meds {
		live[m.ID] = true
		cur := s.slots[m.ID]

		if m.Taken {
			s.cancelLocked(cur)
			s.slots[m.ID] = &slot{state: SlotSuppressed}
			continue
		}

		if armed && cur != nil && cur.state == SlotPending && !cur.fireAt.After(now) && matches(cur.fireAt, m.Time) {
			// Due but its callback has not run yet, or the host dropped it while suspended
			if r, ok := s.fireLocked(m, cur, now); ok {
				due = append(due, r)
			}
			continue
		}

		fireAt := s.nextFireAt(m, now)
		if !armed {
			s.cancelLocked(cur)
			s.slots[m.ID] = &slot{fireAt: fireAt, state: SlotBlocked}
			continue
		}
		if !force && cur != nil && cur.state == SlotPending && sameMinute(cur.fireAt, fireAt) {
			continue
		}
		s.cancelLocked(cur)
		s.armLocked(m.ID, fireAt, now)
	}

	for id, sl := range s.slots {
		if !live[id] {
			s.cancelLocked(sl)
			delete(s.slots, id)
			delete(s.lastFired, id)
		}
	}
	return due
}

// nextFireAt is the first occurrence of the medication's time at or after now, skipping a
// slot that already fired.
func (s *Scheduler) nextFireAt(m model.Medication, now time.Time) time.Time {
	at := m.Time.On(now)
	if at.Before(now) || at.Equal(s.lastFired[m.ID]) {
		at = m.Time.Next(now)
		if at.Equal(s.lastFired[m.ID]) {
			at = m.Time.Next(at)
		}
	}
	return at
}

func (s *Scheduler) armLocked(id string, fireAt, now time.Time) {
	s.seq++
	handle := s.seq
	delay := fireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	t := s.clock.AfterFunc(delay, func() { s.onTimer(id, handle) })
	s.slots[id] = &slot{fireAt: fireAt, handle: handle, timer: t, state: SlotPending}
	s.logger.Debug("Reminder armed", "medication_id", id, "at", fireAt.Format(time.RFC3339), "in", delay, "handle", handle)
}

// cancelLocked stops sl's timer. Cancelling a nil, fired or already-cancelled slot is a no-op.
func (s *Scheduler) cancelLocked(sl *slot) {
	if sl == nil || sl.timer == nil {
		return
	}
	sl.timer.Stop()
	sl.timer = nil
}

func (s *Scheduler) onTimer(id string, handle uint64) {
	s.mu.Lock()
	r, ok := s.onTimerLocked(id, handle)
	ctx := s.ctx
	s.mu.Unlock()

	if ok {
		s.deliver(ctx, []model.Reminder{r})
	}
}

func (s *Scheduler) onTimerLocked(id string, handle uint64) (model.Reminder, bool) {
	sl := s.slots[id]
	if sl == nil || sl.handle != handle || sl.state != SlotPending {
		return model.Reminder{}, false
	}

	m, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.cancelLocked(sl)
			delete(s.slots, id)
			delete(s.lastFired, id)
			return model.Reminder{}, false
		}
		s.logger.Error("Failed to load medication for reminder", "medication_id", id, "error", err)
		return model.Reminder{}, false
	}
	if m.Taken {
		sl.timer = nil
		sl.state = SlotSuppressed
		return model.Reminder{}, false
	}

	now := s.clock.Now()
	if now.Before(sl.fireAt) || !matches(sl.fireAt, m.Time) {
		// Early wake-up or a stale time; recompute instead of delivering
		s.armLocked(id, s.nextFireAt(m, now), now)
		return model.Reminder{}, false
	}
	return s.fireLocked(m, sl, now)
}

// fireLocked marks sl Fired and arms the next day's slot. It returns the reminder to deliver,
// or false when this slot was already delivered.
func (s *Scheduler) fireLocked(m model.Medication, sl *slot, now time.Time) (model.Reminder, bool) {
	if s.lastFired[m.ID].Equal(sl.fireAt) {
		s.cancelLocked(sl)
		s.armLocked(m.ID, s.nextFireAt(m, now), now)
		return model.Reminder{}, false
	}

	s.cancelLocked(sl)
	sl.state = SlotFired
	s.lastFired[m.ID] = sl.fireAt

	r := model.NewReminder(m, sl.fireAt)
	s.logger.Info("Sending reminder", "medication_id", m.ID, "name", m.Name, "scheduled", sl.fireAt.Format("15:04:05"), "delay", now.Sub(sl.fireAt))

	if _, perm := s.channel(); perm != notify.PermissionGranted {
		s.slots[m.ID] = &slot{fireAt: s.nextFireAt(m, now), state: SlotBlocked}
	} else {
		s.armLocked(m.ID, s.nextFireAt(m, now), now)
	}
	return r, true
}

// deliver hands reminders to the active channel. It must not be called with s.mu held.
func (s *Scheduler) deliver(ctx context.Context, rs []model.Reminder) {
	for _, r := range rs {
		sink, perm := s.channel()
		if perm != notify.PermissionGranted {
			s.logger.Warn("Reminder not delivered", "medication_id", r.MedicationID, "error", notify.ErrPermissionDenied)
			continue
		}

		err := sink.Deliver(ctx, r)
		if errors.Is(err, notify.ErrUnsupported) && s.fallback != nil && sink != s.fallback {
			err = s.fallback.Deliver(ctx, r)
		}
		if err != nil {
			s.logger.Error("Failed to deliver reminder", "medication_id", r.MedicationID, "error", err)
		}

		if s.chime != nil {
			if err := s.chime.Play(); err != nil {
				s.logger.Error("Failed to play alert sound", "error", err)
			}
		}
	}
}

func sameMinute(a, b time.Time) bool {
	return a.Truncate(time.Minute).Equal(b.Truncate(time.Minute))
}

func matches(at time.Time, t model.TimeOfDay) bool {
	return at.Hour() == t.Hour && at.Minute() == t.Minute
}
