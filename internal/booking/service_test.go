package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymbook/session-booking/internal/config"
	redisclient "github.com/gymbook/session-booking/internal/redis"
)

// fakeLocker serializes critical sections per capacity with plain mutexes,
// standing in for the Redis lock.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *fakeLocker) WithCapacityLock(ctx context.Context, capacityID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[capacityID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[capacityID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

type recordingFeed struct {
	mu     sync.Mutex
	events []redisclient.ChangeEvent
}

func (f *recordingFeed) Publish(ctx context.Context, ev redisclient.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *recordingFeed) byAction(action string) []redisclient.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redisclient.ChangeEvent
	for _, ev := range f.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		BookingTimeout: 5 * time.Second,
		RequestTTL:     time.Hour,
		LockTTL:        5 * time.Second,
	}
}

func newTestService(repo Repository) (*Service, *recordingFeed) {
	feed := &recordingFeed{}
	return NewService(repo, newFakeLocker(), feed, testConfig()), feed
}

type fixture struct {
	repo     *MemoryRepository
	svc      *Service
	feed     *recordingFeed
	trainer  Trainer
	client   Client
	capacity *Capacity
}

func newFixture(t *testing.T, totalSlots int) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	svc, feed := newTestService(repo)

	trainer := Trainer{ID: uuid.New(), Name: "Jordan Vale"}
	client := Client{ID: uuid.New(), Name: "Sam Reyes"}
	repo.PutTrainer(trainer)
	repo.PutClient(client)

	capacity, err := repo.CreateCapacity(context.Background(), &Capacity{
		Kind:       KindSession,
		TrainerID:  trainer.ID,
		Name:       "Morning HIIT",
		Day:        "Monday",
		StartTime:  "07:00",
		EndTime:    "08:00",
		TotalSlots: totalSlots,
		Approval:   ApprovalApproved,
	})
	require.NoError(t, err)

	return &fixture{
		repo:     repo,
		svc:      svc,
		feed:     feed,
		trainer:  trainer,
		client:   client,
		capacity: capacity,
	}
}

func (f *fixture) pendingRequest(t *testing.T) *Request {
	t.Helper()
	req, err := f.svc.CreateRequest(context.Background(),
		Caller{ID: f.client.ID, Role: "client"}, f.trainer.ID, f.capacity.ID)
	require.NoError(t, err)
	require.Equal(t, RequestPending, req.Status)
	return req
}

func (f *fixture) clientCaller() Caller {
	return Caller{ID: f.client.ID, Role: "client"}
}

func TestBookDecrementsSlotAndFlipsRequest(t *testing.T) {
	f := newFixture(t, 3)
	req := f.pendingRequest(t)

	appt, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err)

	assert.Equal(t, f.capacity.ID, appt.CapacityID)
	assert.Equal(t, req.ID, appt.RequestID)
	assert.Equal(t, AppointmentBooked, appt.Status)
	assert.Equal(t, "Monday", appt.Day)
	assert.Equal(t, "07:00", appt.StartTime)
	assert.Equal(t, "08:00", appt.EndTime)

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity.RemainingSlots)
	assert.True(t, capacity.Available)

	stored, err := f.repo.GetRequestByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestBooked, stored.Status)

	assert.Len(t, f.feed.byAction("booked"), 1)
}

func TestBookFullCapacityRejectsRequest(t *testing.T) {
	f := newFixture(t, 1)
	req := f.pendingRequest(t)

	// Drain the only slot out from under the request.
	_, err := f.repo.DecrementSlot(context.Background(), f.capacity.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.ErrorIs(t, err, ErrCapacityFull)

	stored, err := f.repo.GetRequestByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, stored.Status)

	_, err = f.repo.GetAppointmentByRequestID(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, capacity.RemainingSlots)
}

func TestBookLastSlotRace(t *testing.T) {
	f := newFixture(t, 1)

	clientB := Client{ID: uuid.New(), Name: "Alex Kim"}
	f.repo.PutClient(clientB)

	reqA := f.pendingRequest(t)
	reqB, err := f.svc.CreateRequest(context.Background(),
		Caller{ID: clientB.ID, Role: "client"}, f.trainer.ID, f.capacity.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.Book(context.Background(), Caller{ID: f.client.ID, Role: "client"}, reqA.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.Book(context.Background(), Caller{ID: clientB.ID, Role: "client"}, reqB.ID)
	}()
	wg.Wait()

	var wins, fulls int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrCapacityFull):
			fulls++
		default:
			t.Fatalf("unexpected race outcome: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one booking must win the last slot")
	assert.Equal(t, 1, fulls, "the loser must observe a full capacity")

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, capacity.RemainingSlots, "counter must never go negative")
	assert.False(t, capacity.Available)

	apptsA, _ := f.repo.GetAppointmentByRequestID(context.Background(), reqA.ID)
	apptsB, _ := f.repo.GetAppointmentByRequestID(context.Background(), reqB.ID)
	created := 0
	if apptsA != nil {
		created++
	}
	if apptsB != nil {
		created++
	}
	assert.Equal(t, 1, created, "exactly one appointment may reference the capacity")
}

func TestBookUnauthorizedCallerWritesNothing(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	stranger := Caller{ID: uuid.New(), Role: "client"}
	_, err := f.svc.Book(context.Background(), stranger, req.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	stored, err := f.repo.GetRequestByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, stored.Status)

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity.RemainingSlots)
}

func TestBookForeignTrainerUnauthorized(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	otherTrainer := Caller{ID: uuid.New(), Role: "trainer"}
	_, err := f.svc.Book(context.Background(), otherTrainer, req.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	// The owning trainer's approval path works.
	owner := Caller{ID: f.trainer.ID, Role: "trainer"}
	appt, err := f.svc.Book(context.Background(), owner, req.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentBooked, appt.Status)
}

func TestBookReplayReturnsExistingAppointment(t *testing.T) {
	f := newFixture(t, 3)
	req := f.pendingRequest(t)

	first, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err)

	second, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replay must not create a second appointment")

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity.RemainingSlots, "replay must not decrement again")
}

func TestBookRejectedRequestIsClosed(t *testing.T) {
	f := newFixture(t, 3)
	req := f.pendingRequest(t)

	_, err := f.svc.Reject(context.Background(), Caller{ID: f.trainer.ID, Role: "trainer"}, req.ID)
	require.NoError(t, err)

	_, err = f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	assert.ErrorIs(t, err, ErrRequestClosed)
}

func TestBookVanishedCapacity(t *testing.T) {
	f := newFixture(t, 1)
	req := f.pendingRequest(t)

	f.repo.mu.Lock()
	delete(f.repo.capacities, f.capacity.ID)
	f.repo.mu.Unlock()

	_, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	assert.ErrorIs(t, err, ErrCapacityNotFound)
}

// conflictOnceRepo forces the first BookTx to lose the decrement race so the
// orchestrator's single retry path gets exercised.
type conflictOnceRepo struct {
	*MemoryRepository
	mu       sync.Mutex
	conflict bool
}

func (r *conflictOnceRepo) BookTx(ctx context.Context, w BookingWrites) (*Appointment, error) {
	r.mu.Lock()
	first := !r.conflict
	r.conflict = true
	r.mu.Unlock()

	if first {
		return nil, ErrSlotConflict
	}
	return r.MemoryRepository.BookTx(ctx, w)
}

func TestBookRetriesOnceAfterLostRace(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	wrapped := &conflictOnceRepo{MemoryRepository: f.repo}
	svc, _ := newTestService(wrapped)

	appt, err := svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err, "one conflict must be absorbed by the retry")
	assert.Equal(t, AppointmentBooked, appt.Status)

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, capacity.RemainingSlots)
}

// staleRequestRepo serves a pending snapshot of a request exactly once, the
// view a second caller holds while the first one commits the booking.
type staleRequestRepo struct {
	*MemoryRepository
	mu       sync.Mutex
	snapshot *Request
	served   bool
}

func (r *staleRequestRepo) GetRequestByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	r.mu.Lock()
	first := !r.served && id == r.snapshot.ID
	if first {
		r.served = true
	}
	r.mu.Unlock()

	if first {
		copied := *r.snapshot
		return &copied, nil
	}
	return r.MemoryRepository.GetRequestByID(ctx, id)
}

func TestBookLostRequestRaceReplaysExistingAppointment(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	snapshot := *req // pending, as the losing caller read it

	winner, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err)

	wrapped := &staleRequestRepo{MemoryRepository: f.repo, snapshot: &snapshot}
	svc, _ := newTestService(wrapped)

	loser, err := svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err, "losing the request race must fold into a replay")
	assert.Equal(t, winner.ID, loser.ID)

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, capacity.RemainingSlots, "the losing caller must not decrement")
}

func TestBookFailureLeavesNoPartialState(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	f.repo.mu.Lock()
	f.repo.failBook = context.DeadlineExceeded
	f.repo.mu.Unlock()

	_, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.Error(t, err)

	stored, err := f.repo.GetRequestByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, stored.Status, "request must not flip on a failed booking")

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity.RemainingSlots, "counter must not move on a failed booking")

	_, err = f.repo.GetAppointmentByRequestID(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound, "no orphan appointment may exist")
}

func TestCancelRestoresSlot(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	appt, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAppointment(context.Background(), f.clientCaller(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, cancelled.Status)

	capacity, err := f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity.RemainingSlots, "cancellation refunds exactly one slot")
	assert.True(t, capacity.Available)

	// Cancelling twice is an invalid transition, and must not refund twice.
	_, err = f.svc.CancelAppointment(context.Background(), f.clientCaller(), appt.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	capacity, err = f.repo.GetCapacityByID(context.Background(), f.capacity.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, capacity.RemainingSlots)
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t, 1)

	t.Run("unavailable capacity", func(t *testing.T) {
		_, err := f.repo.DecrementSlot(context.Background(), f.capacity.ID, 1)
		require.NoError(t, err)

		_, err = f.svc.CreateRequest(context.Background(), f.clientCaller(), f.trainer.ID, f.capacity.ID)
		assert.ErrorIs(t, err, ErrValidation)

		_, err = f.repo.RestoreSlot(context.Background(), f.capacity.ID)
		require.NoError(t, err)
	})

	t.Run("missing capacity", func(t *testing.T) {
		_, err := f.svc.CreateRequest(context.Background(), f.clientCaller(), f.trainer.ID, uuid.New())
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("capacity of another trainer", func(t *testing.T) {
		_, err := f.svc.CreateRequest(context.Background(), f.clientCaller(), uuid.New(), f.capacity.ID)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unapproved session", func(t *testing.T) {
		_, err := f.repo.SetApproval(context.Background(), f.capacity.ID, ApprovalPending)
		require.NoError(t, err)

		_, err = f.svc.CreateRequest(context.Background(), f.clientCaller(), f.trainer.ID, f.capacity.ID)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-client caller", func(t *testing.T) {
		_, err := f.svc.CreateRequest(context.Background(), Caller{ID: f.trainer.ID, Role: "trainer"}, f.trainer.ID, f.capacity.ID)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unknown client", func(t *testing.T) {
		_, err := f.svc.CreateRequest(context.Background(), Caller{ID: uuid.New(), Role: "client"}, f.trainer.ID, f.capacity.ID)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestCreateCapacityRules(t *testing.T) {
	f := newFixture(t, 1)
	trainerCaller := Caller{ID: f.trainer.ID, Role: "trainer"}

	t.Run("session starts pending approval", func(t *testing.T) {
		created, err := f.svc.CreateCapacity(context.Background(), trainerCaller, Capacity{
			Kind:       KindSession,
			TrainerID:  f.trainer.ID,
			Name:       "Evening Strength",
			Day:        "Tuesday",
			StartTime:  "18:00",
			EndTime:    "19:00",
			TotalSlots: 8,
		})
		require.NoError(t, err)
		assert.Equal(t, ApprovalPending, created.Approval)
		assert.Equal(t, 8, created.RemainingSlots)
		assert.True(t, created.Available)
	})

	t.Run("availability slot is single and approved", func(t *testing.T) {
		created, err := f.svc.CreateCapacity(context.Background(), trainerCaller, Capacity{
			Kind:      KindAvailabilitySlot,
			TrainerID: f.trainer.ID,
			Day:       "Wednesday",
			StartTime: "10:00",
			EndTime:   "11:00",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, created.TotalSlots)
		assert.Equal(t, ApprovalApproved, created.Approval)
	})

	t.Run("inverted time window", func(t *testing.T) {
		_, err := f.svc.CreateCapacity(context.Background(), trainerCaller, Capacity{
			Kind:       KindSession,
			TrainerID:  f.trainer.ID,
			Name:       "Backwards",
			Day:        "Friday",
			StartTime:  "12:00",
			EndTime:    "11:00",
			TotalSlots: 5,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("session without slots", func(t *testing.T) {
		_, err := f.svc.CreateCapacity(context.Background(), trainerCaller, Capacity{
			Kind:      KindSession,
			TrainerID: f.trainer.ID,
			Name:      "Empty",
			Day:       "Friday",
			StartTime: "11:00",
			EndTime:   "12:00",
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("foreign trainer", func(t *testing.T) {
		_, err := f.svc.CreateCapacity(context.Background(), Caller{ID: uuid.New(), Role: "trainer"}, Capacity{
			Kind:       KindSession,
			TrainerID:  f.trainer.ID,
			Name:       "Not Yours",
			Day:        "Friday",
			StartTime:  "11:00",
			EndTime:    "12:00",
			TotalSlots: 5,
		})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestSetApprovalAdminOnly(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.svc.SetApproval(context.Background(), Caller{ID: f.trainer.ID, Role: "trainer"}, f.capacity.ID, ApprovalApproved)
	assert.ErrorIs(t, err, ErrUnauthorized)

	updated, err := f.svc.SetApproval(context.Background(), Caller{ID: uuid.New(), Role: "admin"}, f.capacity.ID, ApprovalRejected)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRejected, updated.Approval)
	assert.Equal(t, 1, updated.RemainingSlots, "approval never touches the counter")
}

// staleSweepRepo feeds the expiry sweep a fixed snapshot, standing in for a
// request that changed between the sweep's read and its write.
type staleSweepRepo struct {
	*MemoryRepository
	stale []Request
}

func (r *staleSweepRepo) FindStalePending(ctx context.Context, olderThan time.Time) ([]Request, error) {
	return r.stale, nil
}

func TestExpireSkipsRequestBookedMidSweep(t *testing.T) {
	f := newFixture(t, 2)
	req := f.pendingRequest(t)

	snapshot := *req // still pending here, the way the sweep would see it

	_, err := f.svc.Book(context.Background(), f.clientCaller(), req.ID)
	require.NoError(t, err)

	wrapped := &staleSweepRepo{MemoryRepository: f.repo, stale: []Request{snapshot}}
	svc, feed := newTestService(wrapped)

	eventsBefore := len(f.repo.Events())
	require.NoError(t, svc.ExpireStaleRequests(context.Background()))

	stored, err := f.repo.GetRequestByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestBooked, stored.Status, "a booked request never expires")

	assert.Empty(t, feed.byAction("rejected"), "no rejection may reach the live feed")
	assert.Len(t, f.repo.Events(), eventsBefore, "no expiry event may be logged")
}

func TestExpireStaleRequests(t *testing.T) {
	f := newFixture(t, 3)

	stale := f.pendingRequest(t)
	fresh := f.pendingRequest(t)

	// Backdate one request beyond the TTL.
	f.repo.mu.Lock()
	r := f.repo.requests[stale.ID]
	r.CreatedAt = time.Now().Add(-2 * time.Hour)
	f.repo.requests[stale.ID] = r
	f.repo.mu.Unlock()

	require.NoError(t, f.svc.ExpireStaleRequests(context.Background()))

	expired, err := f.repo.GetRequestByID(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, expired.Status)

	kept, err := f.repo.GetRequestByID(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestPending, kept.Status)
}
