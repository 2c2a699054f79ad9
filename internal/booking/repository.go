package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTrainerNotFound     = errors.New("trainer not found")
	ErrClientNotFound      = errors.New("client not found")
	ErrCapacityNotFound    = errors.New("capacity not found")
	ErrRequestNotFound     = errors.New("request not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotConflict means a conditional slot update lost the race: the
	// stored counter no longer matches what the caller observed.
	ErrSlotConflict = errors.New("slot counter changed concurrently")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// BookingWrites is what the booking transaction applies as one unit.
type BookingWrites struct {
	RequestID         uuid.UUID
	Capacity          *Capacity
	ExpectedRemaining int
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetTrainerByID(ctx context.Context, id uuid.UUID) (*Trainer, error)
	GetClientByID(ctx context.Context, id uuid.UUID) (*Client, error)

	CreateCapacity(ctx context.Context, c *Capacity) (*Capacity, error)
	GetCapacityByID(ctx context.Context, id uuid.UUID) (*Capacity, error)
	ListAvailableCapacities(ctx context.Context, trainerID uuid.UUID) ([]Capacity, error)

	// DecrementSlot is the correctness-critical conditional update: it
	// succeeds only when the stored counter still equals expectedRemaining
	// and is positive, recomputing the available flag in the same statement.
	DecrementSlot(ctx context.Context, id uuid.UUID, expectedRemaining int) (*Capacity, error)

	// RestoreSlot refunds one slot, capped at total_slots.
	RestoreSlot(ctx context.Context, id uuid.UUID) (*Capacity, error)

	SetApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus) (*Capacity, error)

	CreateRequest(ctx context.Context, r *Request) (*Request, error)
	GetRequestByID(ctx context.Context, id uuid.UUID) (*Request, error)
	ListPendingRequests(ctx context.Context, trainerID uuid.UUID) ([]Request, error)
	ListRequestsByClient(ctx context.Context, clientID uuid.UUID) ([]Request, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus) (*Request, error)

	// BookTx applies the three booking writes atomically: insert the
	// appointment, decrement the capacity counter, flip the request to
	// booked. None of the writes survive a failure of any of them.
	BookTx(ctx context.Context, w BookingWrites) (*Appointment, error)

	// CancelTx flips a booked appointment to cancelled and refunds the slot
	// in the same transaction.
	CancelTx(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByRequestID(ctx context.Context, requestID uuid.UUID) (*Appointment, error)
	ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]Appointment, error)
	ListAppointmentsByTrainer(ctx context.Context, trainerID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Expiry worker
	FindStalePending(ctx context.Context, olderThan time.Time) ([]Request, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
