package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/noahxzhu/medication-reminder/internal/clock"
	"github.com/noahxzhu/medication-reminder/internal/model"
	"github.com/noahxzhu/medication-reminder/internal/notify"
	"github.com/noahxzhu/medication-reminder/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu          sync.Mutex
	perm        notify.Permission
	grantNext   bool
	unreachable bool
	requests    int
	delivered   []model.Reminder
	failWith    error
	// Deliver waits on gate when set
	gate chan struct{}
}

func (f *fakeSink) Permission() notify.Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perm
}

func (f *fakeSink) RequestPermission(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.unreachable {
		return false, errors.New("dial tcp: connection refused")
	}
	if f.grantNext {
		f.perm = notify.PermissionGranted
	} else if f.perm == notify.PermissionDefault {
		f.perm = notify.PermissionDenied
	}
	return f.perm == notify.PermissionGranted, nil
}

func (f *fakeSink) Deliver(_ context.Context, r model.Reminder) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return err
	}
	f.delivered = append(f.delivered, r)
	return nil
}

func (f *fakeSink) set(fn func(*fakeSink)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSink) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeSink) reminders() []model.Reminder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Reminder(nil), f.delivered...)
}

type harness struct {
	store *storage.Store
	blob  *storage.FileBlob
	clock *clock.Fake
	sink  *fakeSink
	sched *Scheduler
}

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 3, day, hour, minute, 0, 0, time.UTC)
}

func newHarness(t *testing.T, start time.Time, perm notify.Permission, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithSink(t, start, &fakeSink{perm: perm}, opts...)
}

func newHarnessWithSink(t *testing.T, start time.Time, sink *fakeSink, opts ...Option) *harness {
	t.Helper()
	blob := storage.NewFileBlob(filepath.Join(t.TempDir(), "medications.json"))
	require.NoError(t, blob.Load())
	store := storage.NewStore(blob)
	require.NoError(t, store.Load())

	clk := clock.NewFake(start)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clk)}, opts...)
	sched := NewScheduler(store, sink, logger, opts...)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	return &harness{store: store, blob: blob, clock: clk, sink: sink, sched: sched}
}

func (h *harness) add(t *testing.T, name, dosage, hhmm string) model.Medication {
	t.Helper()
	tod, err := model.ParseTimeOfDay(hhmm)
	require.NoError(t, err)
	m, err := h.store.Add(model.MedicationInput{
		Name:      name,
		Dosage:    dosage,
		Time:      tod,
		Frequency: model.FrequencyDaily,
	})
	require.NoError(t, err)
	return m
}

func TestScheduler_FutureTimeTodayGetsOnePendingSlot(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	slots := h.sched.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, SlotPending, slots[m.ID].State)
	assert.Equal(t, at(10, 8, 0), slots[m.ID].FireAt)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestScheduler_AspirinFiresAndRecursNextDay(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	h.clock.Advance(59 * time.Minute)
	assert.Empty(t, h.sink.reminders())

	h.clock.Advance(time.Minute)
	got := h.sink.reminders()
	require.Len(t, got, 1)
	assert.Equal(t, "Time to take Aspirin", got[0].Title)
	assert.Contains(t, got[0].Body, "100mg")
	assert.Equal(t, m.ID, got[0].MedicationID)

	slot := h.sched.Slots()[m.ID]
	assert.Equal(t, SlotPending, slot.State)
	assert.Equal(t, at(11, 8, 0), slot.FireAt)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Set(at(11, 8, 0))
	assert.Len(t, h.sink.reminders(), 2)
	assert.Equal(t, at(12, 8, 0), h.sched.Slots()[m.ID].FireAt)
}

func TestScheduler_PastTimeSchedulesTomorrow(t *testing.T) {
	h := newHarness(t, at(10, 9, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	slot := h.sched.Slots()[m.ID]
	assert.Equal(t, at(11, 8, 0), slot.FireAt)
	assert.Empty(t, h.sink.reminders(), "a past time must not fire immediately")
}

func TestScheduler_TakenCancelsAndUntakenRearms(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	_, err := h.store.SetTaken(m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, SlotSuppressed, h.sched.Slots()[m.ID].State)
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(2 * time.Hour)
	assert.Empty(t, h.sink.reminders())

	_, err = h.store.SetTaken(m.ID, false)
	require.NoError(t, err)
	slot := h.sched.Slots()[m.ID]
	assert.Equal(t, SlotPending, slot.State)
	assert.Equal(t, at(11, 8, 0), slot.FireAt)
	assert.Equal(t, 1, h.clock.Pending())
}

func TestScheduler_ReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	a := h.add(t, "Aspirin", "100mg", "08:00")
	b := h.add(t, "Metformin", "500mg", "20:30")

	before := h.sched.Slots()
	h.sched.Reconcile()
	h.sched.Reconcile()
	after := h.sched.Slots()

	assert.Equal(t, before[a.ID].Handle, after[a.ID].Handle)
	assert.Equal(t, before[b.ID].Handle, after[b.ID].Handle)
	assert.Equal(t, 2, h.clock.Pending())
}

func TestScheduler_UpdateReplacesSlot(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")
	old := h.sched.Slots()[m.ID]

	_, err := h.store.Update(m.ID, model.MedicationInput{
		Name:   "Aspirin",
		Dosage: "100mg",
		Time:   model.TimeOfDay{Hour: 9, Minute: 15},
	})
	require.NoError(t, err)

	slot := h.sched.Slots()[m.ID]
	assert.NotEqual(t, old.Handle, slot.Handle)
	assert.Equal(t, at(10, 9, 15), slot.FireAt)
	assert.Equal(t, 1, h.clock.Pending())

	h.clock.Set(at(10, 8, 30))
	assert.Empty(t, h.sink.reminders(), "the old 08:00 timer must not fire")
}

func TestScheduler_RemoveDropsSlot(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	require.NoError(t, h.store.Remove(m.ID))
	assert.Empty(t, h.sched.Slots())
	assert.Equal(t, 0, h.clock.Pending())

	h.clock.Advance(2 * time.Hour)
	assert.Empty(t, h.sink.reminders())
}

func TestScheduler_PermissionDeniedBlocksThenArmsOnGrant(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionDenied)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	// still persisted
	reloaded := storage.NewStore(h.blob)
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.List(), 1)

	slot := h.sched.Slots()[m.ID]
	assert.Equal(t, SlotBlocked, slot.State)
	assert.Equal(t, at(10, 8, 0), slot.FireAt)
	assert.Equal(t, 0, h.clock.Pending())
	assert.NotEmpty(t, h.sched.Warning())
	assert.GreaterOrEqual(t, h.sink.requests, 1, "add should retry the permission request")

	h.sink.set(func(f *fakeSink) { f.grantNext = true })
	assert.True(t, h.sched.RefreshPermission())

	slot = h.sched.Slots()[m.ID]
	assert.Equal(t, SlotPending, slot.State)
	assert.Equal(t, at(10, 8, 0), slot.FireAt)
	assert.Empty(t, h.sched.Warning())

	got := h.sink.reminders()
	require.Len(t, got, 1)
	assert.Equal(t, "Medication Reminder Setup", got[0].Title)

	h.clock.Set(at(10, 8, 0))
	got = h.sink.reminders()
	require.Len(t, got, 2)
	assert.Equal(t, "Time to take Aspirin", got[1].Title)
}

func TestScheduler_AddRetriesPermissionWhileDenied(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionDenied)
	h.sink.set(func(f *fakeSink) { f.grantNext = true })

	m := h.add(t, "Aspirin", "100mg", "08:00")

	assert.Equal(t, SlotPending, h.sched.Slots()[m.ID].State)
}

func TestScheduler_ResumeRearmsDroppedTimer(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")
	before := h.sched.Slots()[m.ID]

	h.clock.Drop()
	require.Equal(t, 0, h.clock.Pending())

	h.sched.Resume()

	after := h.sched.Slots()[m.ID]
	assert.Equal(t, 1, h.clock.Pending())
	assert.Equal(t, before.FireAt, after.FireAt)
	assert.NotEqual(t, before.Handle, after.Handle)

	h.clock.Set(at(10, 8, 0))
	assert.Len(t, h.sink.reminders(), 1)
}

func TestScheduler_ResumeDeliversReminderMissedWhileSuspended(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	h.clock.Drop()
	h.clock.Set(at(10, 8, 20))
	require.Empty(t, h.sink.reminders())

	h.sched.Resume()
	require.Len(t, h.sink.reminders(), 1)
	assert.Equal(t, at(11, 8, 0), h.sched.Slots()[m.ID].FireAt)

	h.sched.Resume()
	assert.Len(t, h.sink.reminders(), 1, "a second resume must not deliver the same slot again")
}

func TestScheduler_DeliveryFailureStillReschedules(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")
	h.sink.set(func(f *fakeSink) { f.failWith = errors.New("boom") })

	h.clock.Set(at(10, 8, 0))
	assert.Empty(t, h.sink.reminders())
	assert.Equal(t, at(11, 8, 0), h.sched.Slots()[m.ID].FireAt)

	h.clock.Set(at(11, 8, 0))
	assert.Len(t, h.sink.reminders(), 1)
}

func TestScheduler_UnsupportedFallsBackToInbox(t *testing.T) {
	inbox := notify.NewInbox()
	h := newHarness(t, at(10, 7, 0), notify.PermissionUnsupported, WithFallback(inbox))
	m := h.add(t, "Aspirin", "100mg", "08:00")

	assert.Equal(t, SlotPending, h.sched.Slots()[m.ID].State)
	assert.Equal(t, notify.PermissionGranted, h.sched.Permission())

	h.clock.Set(at(10, 8, 0))
	got := inbox.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "Time to take Aspirin", got[0].Title)
}

func TestScheduler_ChimePlaysAndFailureIsSwallowed(t *testing.T) {
	plays := 0
	chime := notify.ChimeFunc(func() error {
		plays++
		return errors.New("no speaker")
	})
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted, WithChime(chime))
	h.add(t, "Aspirin", "100mg", "08:00")

	h.clock.Set(at(10, 8, 0))
	assert.Equal(t, 1, plays)
	assert.Len(t, h.sink.reminders(), 1)
}

func TestScheduler_AtMostOneSlotPerMedication(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	for i := 0; i < 3; i++ {
		_, err := h.store.ToggleTaken(m.ID)
		require.NoError(t, err)
		h.sched.Resume()
	}

	assert.Len(t, h.sched.Slots(), 1)
	assert.LessOrEqual(t, h.clock.Pending(), 1)
}

func TestScheduler_DailyResetRearmsTaken(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")
	_, err := h.store.SetTaken(m.ID, true)
	require.NoError(t, err)

	n, err := h.store.ResetTaken()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, SlotPending, h.sched.Slots()[m.ID].State)
}

func TestScheduler_FirstGrantSendsSetupNotice(t *testing.T) {
	sink := &fakeSink{perm: notify.PermissionDefault, grantNext: true}
	h := newHarnessWithSink(t, at(10, 7, 0), sink)

	got := sink.reminders()
	require.Len(t, got, 1)
	assert.Equal(t, "Medication Reminder Setup", got[0].Title)
	assert.Equal(t, "You will now receive alerts when it's time to take your medication", got[0].Body)
	assert.Equal(t, "/", got[0].DataURL)

	h.add(t, "Aspirin", "100mg", "08:00")
	assert.True(t, h.sched.RefreshPermission())
	h.sched.Resume()
	assert.Len(t, sink.reminders(), 1, "an already granted channel is not greeted again")
}

func TestScheduler_ResumeRetriesPermissionAfterOutage(t *testing.T) {
	sink := &fakeSink{perm: notify.PermissionDefault, unreachable: true}
	h := newHarnessWithSink(t, at(10, 7, 0), sink)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	assert.Equal(t, SlotBlocked, h.sched.Slots()[m.ID].State)
	assert.Equal(t, notify.PermissionDefault, h.sched.Permission())

	h.sched.Resume()
	assert.Equal(t, SlotBlocked, h.sched.Slots()[m.ID].State)

	sink.set(func(f *fakeSink) {
		f.unreachable = false
		f.grantNext = true
	})
	h.sched.Resume()

	slot := h.sched.Slots()[m.ID]
	assert.Equal(t, SlotPending, slot.State)
	assert.Equal(t, at(10, 8, 0), slot.FireAt)

	h.clock.Set(at(10, 8, 0))
	got := sink.reminders()
	require.Len(t, got, 2)
	assert.Equal(t, "Medication Reminder Setup", got[0].Title)
	assert.Equal(t, "Time to take Aspirin", got[1].Title)
}

func TestScheduler_RetryPermissionArmsOnceChannelRecovers(t *testing.T) {
	sink := &fakeSink{perm: notify.PermissionDefault, unreachable: true}
	h := newHarnessWithSink(t, at(10, 7, 0), sink)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	h.sched.RetryPermission()
	assert.Equal(t, SlotBlocked, h.sched.Slots()[m.ID].State)
	assert.Equal(t, 0, h.clock.Pending())

	sink.set(func(f *fakeSink) {
		f.unreachable = false
		f.grantNext = true
	})
	h.sched.RetryPermission()
	assert.Equal(t, SlotPending, h.sched.Slots()[m.ID].State)
	assert.Equal(t, 1, h.clock.Pending())

	requests := sink.requestCount()
	h.sched.RetryPermission()
	assert.Equal(t, requests, sink.requestCount(), "a granted channel is not asked again")
}

func TestScheduler_RetryPermissionLeavesRefusalAlone(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionDenied)
	requests := h.sink.requestCount()

	h.sched.RetryPermission()
	assert.Equal(t, requests, h.sink.requestCount())
	assert.Equal(t, notify.PermissionDenied, h.sched.Permission())
}

func TestScheduler_SlowDeliveryDoesNotBlockStoreChanges(t *testing.T) {
	h := newHarness(t, at(10, 7, 0), notify.PermissionGranted)
	m := h.add(t, "Aspirin", "100mg", "08:00")

	gate := make(chan struct{})
	h.sink.set(func(f *fakeSink) { f.gate = gate })

	fired := make(chan struct{})
	go func() {
		h.clock.Set(at(10, 8, 0))
		close(fired)
	}()

	// next day's slot is committed before the sink is called
	require.Eventually(t, func() bool {
		return h.sched.Slots()[m.ID].FireAt.Equal(at(11, 8, 0))
	}, 2*time.Second, 5*time.Millisecond)

	added := make(chan model.Medication, 1)
	go func() {
		other, err := h.store.Add(model.MedicationInput{
			Name:   "Metformin",
			Dosage: "500mg",
			Time:   model.TimeOfDay{Hour: 20, Minute: 30},
		})
		assert.NoError(t, err)
		added <- other
	}()

	select {
	case other := <-added:
		assert.Equal(t, SlotPending, h.sched.Slots()[other.ID].State)
	case <-time.After(2 * time.Second):
		close(gate)
		t.Fatal("store change waited on an in-flight delivery")
	}

	close(gate)
	<-fired
	got := h.sink.reminders()
	require.Len(t, got, 1)
	assert.Equal(t, "Time to take Aspirin", got[0].Title)
}
