package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCapacity(t *testing.T, repo *MemoryRepository, total int) *Capacity {
	t.Helper()
	c, err := repo.CreateCapacity(context.Background(), &Capacity{
		Kind:       KindSession,
		TrainerID:  uuid.New(),
		Name:       "Spin Express",
		Day:        "Thursday",
		StartTime:  "17:00",
		EndTime:    "18:00",
		TotalSlots: total,
		Approval:   ApprovalApproved,
	})
	require.NoError(t, err)
	return c
}

func TestDecrementSlotConditional(t *testing.T) {
	repo := NewMemoryRepository()
	c := seedCapacity(t, repo, 2)
	ctx := context.Background()

	t.Run("stale expectation loses", func(t *testing.T) {
		_, err := repo.DecrementSlot(ctx, c.ID, 5)
		assert.ErrorIs(t, err, ErrSlotConflict)
	})

	t.Run("matching expectation wins", func(t *testing.T) {
		updated, err := repo.DecrementSlot(ctx, c.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, updated.RemainingSlots)
		assert.True(t, updated.Available)
	})

	t.Run("last slot flips availability", func(t *testing.T) {
		updated, err := repo.DecrementSlot(ctx, c.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, updated.RemainingSlots)
		assert.False(t, updated.Available)
	})

	t.Run("empty counter never goes negative", func(t *testing.T) {
		_, err := repo.DecrementSlot(ctx, c.ID, 0)
		assert.ErrorIs(t, err, ErrSlotConflict)
	})

	t.Run("unknown capacity", func(t *testing.T) {
		_, err := repo.DecrementSlot(ctx, uuid.New(), 1)
		assert.ErrorIs(t, err, ErrCapacityNotFound)
	})
}

func TestRestoreSlotCappedAtTotal(t *testing.T) {
	repo := NewMemoryRepository()
	c := seedCapacity(t, repo, 2)
	ctx := context.Background()

	_, err := repo.DecrementSlot(ctx, c.ID, 2)
	require.NoError(t, err)

	restored, err := repo.RestoreSlot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.RemainingSlots)

	// Restoring an already full capacity is a no-op, not an overflow.
	restored, err = repo.RestoreSlot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, restored.RemainingSlots)
	assert.True(t, restored.Available)
}

func TestUpdateRequestStatusTransitions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	newPending := func(t *testing.T) *Request {
		t.Helper()
		r, err := repo.CreateRequest(ctx, &Request{
			TrainerID:  uuid.New(),
			ClientID:   uuid.New(),
			CapacityID: uuid.New(),
			Day:        "Friday",
			StartTime:  "09:00",
			EndTime:    "10:00",
		})
		require.NoError(t, err)
		return r
	}

	t.Run("pending to booked", func(t *testing.T) {
		r := newPending(t)
		updated, err := repo.UpdateRequestStatus(ctx, r.ID, RequestPending, RequestBooked)
		require.NoError(t, err)
		assert.Equal(t, RequestBooked, updated.Status)
	})

	t.Run("pending to rejected", func(t *testing.T) {
		r := newPending(t)
		updated, err := repo.UpdateRequestStatus(ctx, r.ID, RequestPending, RequestRejected)
		require.NoError(t, err)
		assert.Equal(t, RequestRejected, updated.Status)
	})

	t.Run("terminal statuses stay terminal", func(t *testing.T) {
		r := newPending(t)
		_, err := repo.UpdateRequestStatus(ctx, r.ID, RequestPending, RequestBooked)
		require.NoError(t, err)

		_, err = repo.UpdateRequestStatus(ctx, r.ID, RequestPending, RequestRejected)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = repo.UpdateRequestStatus(ctx, r.ID, RequestBooked, RequestPending)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown request", func(t *testing.T) {
		_, err := repo.UpdateRequestStatus(ctx, uuid.New(), RequestPending, RequestBooked)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})
}

func TestBookTxChecksBeforeWrites(t *testing.T) {
	repo := NewMemoryRepository()
	c := seedCapacity(t, repo, 1)
	ctx := context.Background()

	req, err := repo.CreateRequest(ctx, &Request{
		TrainerID:  c.TrainerID,
		ClientID:   uuid.New(),
		CapacityID: c.ID,
		Day:        c.Day,
		StartTime:  c.StartTime,
		EndTime:    c.EndTime,
	})
	require.NoError(t, err)

	t.Run("stale expected remaining aborts cleanly", func(t *testing.T) {
		_, err := repo.BookTx(ctx, BookingWrites{
			RequestID:         req.ID,
			Capacity:          c,
			ExpectedRemaining: 3,
		})
		require.ErrorIs(t, err, ErrSlotConflict)

		stored, err := repo.GetRequestByID(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestPending, stored.Status)

		current, err := repo.GetCapacityByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, current.RemainingSlots)
	})

	t.Run("commit writes all three records", func(t *testing.T) {
		appt, err := repo.BookTx(ctx, BookingWrites{
			RequestID:         req.ID,
			Capacity:          c,
			ExpectedRemaining: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, AppointmentBooked, appt.Status)
		assert.Equal(t, c.Day, appt.Day)

		stored, err := repo.GetRequestByID(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, RequestBooked, stored.Status)

		current, err := repo.GetCapacityByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, current.RemainingSlots)
	})

	t.Run("booked request cannot book again", func(t *testing.T) {
		_, err := repo.BookTx(ctx, BookingWrites{
			RequestID:         req.ID,
			Capacity:          c,
			ExpectedRemaining: 0,
		})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

// TestConditionalDecrementPreventsOverbooking contrasts the unguarded
// read-then-write update with the conditional decrement. The former lets two
// writers that both observed remaining=1 drive the counter negative; the
// conditional form makes the second writer fail instead.
func TestConditionalDecrementPreventsOverbooking(t *testing.T) {
	ctx := context.Background()

	t.Run("unguarded write overbooks", func(t *testing.T) {
		repo := NewMemoryRepository()
		c := seedCapacity(t, repo, 1)

		observed := make([]int, 2)
		for i := range observed {
			current, err := repo.GetCapacityByID(ctx, c.ID)
			require.NoError(t, err)
			observed[i] = current.RemainingSlots
		}

		// Both writers apply observed-1 blindly, the way a client-side
		// update with no guard would.
		var wg sync.WaitGroup
		for i := range observed {
			wg.Add(1)
			go func(seen int) {
				defer wg.Done()
				repo.mu.Lock()
				stored := repo.capacities[c.ID]
				stored.RemainingSlots = seen - 1
				stored.Available = stored.RemainingSlots > 0
				repo.capacities[c.ID] = stored
				repo.mu.Unlock()
			}(observed[i])
		}
		wg.Wait()

		final, err := repo.GetCapacityByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, final.RemainingSlots,
			"both writers committed against the same observation")
	})

	t.Run("conditional decrement refuses the second writer", func(t *testing.T) {
		repo := NewMemoryRepository()
		c := seedCapacity(t, repo, 1)

		observed := make([]int, 2)
		for i := range observed {
			current, err := repo.GetCapacityByID(ctx, c.ID)
			require.NoError(t, err)
			observed[i] = current.RemainingSlots
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range observed {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = repo.DecrementSlot(ctx, c.ID, observed[i])
			}(i)
		}
		wg.Wait()

		var wins, conflicts int
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				require.ErrorIs(t, err, ErrSlotConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, conflicts)

		final, err := repo.GetCapacityByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, final.RemainingSlots)
	})
}

func TestCancelTxRefundsOnce(t *testing.T) {
	repo := NewMemoryRepository()
	c := seedCapacity(t, repo, 1)
	ctx := context.Background()

	req, err := repo.CreateRequest(ctx, &Request{
		TrainerID:  c.TrainerID,
		ClientID:   uuid.New(),
		CapacityID: c.ID,
		Day:        c.Day,
		StartTime:  c.StartTime,
		EndTime:    c.EndTime,
	})
	require.NoError(t, err)

	appt, err := repo.BookTx(ctx, BookingWrites{
		RequestID:         req.ID,
		Capacity:          c,
		ExpectedRemaining: 1,
	})
	require.NoError(t, err)

	cancelled, err := repo.CancelTx(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, cancelled.Status)

	current, err := repo.GetCapacityByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.RemainingSlots)
	assert.True(t, current.Available)

	_, err = repo.CancelTx(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFindStalePending(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	old, err := repo.CreateRequest(ctx, &Request{TrainerID: uuid.New(), ClientID: uuid.New(), CapacityID: uuid.New()})
	require.NoError(t, err)
	fresh, err := repo.CreateRequest(ctx, &Request{TrainerID: uuid.New(), ClientID: uuid.New(), CapacityID: uuid.New()})
	require.NoError(t, err)

	repo.mu.Lock()
	r := repo.requests[old.ID]
	r.CreatedAt = time.Now().Add(-48 * time.Hour)
	repo.requests[old.ID] = r
	repo.mu.Unlock()

	stale, err := repo.FindStalePending(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
	assert.NotEqual(t, fresh.ID, stale[0].ID)
}
