package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gymbook/session-booking/internal/config"
	"github.com/gymbook/session-booking/internal/metrics"
	redisclient "github.com/gymbook/session-booking/internal/redis"
)

const (
	EventRequestCreated     = "REQUEST_CREATED"
	EventAppointmentBooked  = "APPOINTMENT_BOOKED"
	EventRequestRejected    = "REQUEST_REJECTED"
	EventAppointmentRefused = "APPOINTMENT_REFUSED"
	EventAppointmentCancel  = "APPOINTMENT_CANCELLED"
)

var (
	ErrValidation       = errors.New("invalid booking input")
	ErrUnauthorized     = errors.New("caller is not allowed to act on this request")
	ErrCapacityFull     = errors.New("no remaining slots for this capacity")
	ErrRequestClosed    = errors.New("request already reached a terminal status")
	ErrCapacityBusy     = errors.New("capacity is currently being booked, please retry")
	ErrStoreUnavailable = errors.New("backing store unavailable")
)

// Caller is the authenticated identity running an operation, resolved at the
// API boundary from the identity provider's token.
type Caller struct {
	ID   uuid.UUID
	Role string // client, trainer, admin
}

// Service is the booking orchestrator: the single place where the capacity
// store, the request ledger, and the appointment ledger move together.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	feed   redisclient.Publisher
	cfg    config.Config
}

func NewService(repo Repository, locker redisclient.Locker, feed redisclient.Publisher, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		feed:   feed,
		cfg:    cfg,
	}
}

// CreateCapacity registers new bookable inventory for a trainer. Sessions
// start out pending admin approval; availability slots carry a single slot
// and no approval workflow.
func (s *Service) CreateCapacity(ctx context.Context, caller Caller, c Capacity) (*Capacity, error) {
	if caller.Role != "trainer" && caller.Role != "admin" {
		return nil, ErrUnauthorized
	}
	if caller.Role == "trainer" && caller.ID != c.TrainerID {
		return nil, ErrUnauthorized
	}

	if c.Day == "" || c.StartTime == "" || c.EndTime == "" {
		return nil, fmt.Errorf("%w: day and time window are required", ErrValidation)
	}
	if c.StartTime >= c.EndTime {
		return nil, fmt.Errorf("%w: start time must be before end time", ErrValidation)
	}

	switch c.Kind {
	case KindSession:
		if c.TotalSlots <= 0 {
			return nil, fmt.Errorf("%w: sessions need at least one slot", ErrValidation)
		}
		c.Approval = ApprovalPending
	case KindAvailabilitySlot:
		c.TotalSlots = 1
		c.Approval = ApprovalApproved
	default:
		return nil, fmt.Errorf("%w: unknown capacity kind %q", ErrValidation, c.Kind)
	}

	if _, err := s.repo.GetTrainerByID(ctx, c.TrainerID); err != nil {
		if errors.Is(err, ErrTrainerNotFound) {
			return nil, fmt.Errorf("%w: trainer does not exist", ErrValidation)
		}
		return nil, fmt.Errorf("load trainer: %w", err)
	}

	created, err := s.repo.CreateCapacity(ctx, &c)
	if err != nil {
		return nil, fmt.Errorf("create capacity: %w", err)
	}

	s.publish(ctx, redisclient.CapacityTopic(created.TrainerID.String()), "capacity", created.ID, "created")

	return created, nil
}

func (s *Service) GetCapacity(ctx context.Context, id uuid.UUID) (*Capacity, error) {
	return s.repo.GetCapacityByID(ctx, id)
}

func (s *Service) ListAvailableCapacities(ctx context.Context, trainerID uuid.UUID) ([]Capacity, error) {
	caps, err := s.repo.ListAvailableCapacities(ctx, trainerID)
	if err != nil {
		return nil, fmt.Errorf("list available capacities: %w", err)
	}
	return caps, nil
}

// SetApproval is the admin path toggling a session's approval status. It
// never touches the slot counters.
func (s *Service) SetApproval(ctx context.Context, caller Caller, id uuid.UUID, status ApprovalStatus) (*Capacity, error) {
	if caller.Role != "admin" {
		return nil, ErrUnauthorized
	}
	if status != ApprovalApproved && status != ApprovalRejected && status != ApprovalPending {
		return nil, fmt.Errorf("%w: unknown approval status %q", ErrValidation, status)
	}

	capacity, err := s.repo.SetApproval(ctx, id, status)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, redisclient.CapacityTopic(capacity.TrainerID.String()), "capacity", capacity.ID, "updated")

	return capacity, nil
}

// CreateRequest files a client's claim against a capacity. The status is
// always forced to pending and the time window snapshot comes from the
// capacity itself, matching what the client saw when requesting.
func (s *Service) CreateRequest(ctx context.Context, caller Caller, trainerID, capacityID uuid.UUID) (*Request, error) {
	if caller.Role != "client" {
		return nil, ErrUnauthorized
	}

	if _, err := s.repo.GetClientByID(ctx, caller.ID); err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, fmt.Errorf("%w: client does not exist", ErrValidation)
		}
		return nil, fmt.Errorf("load client: %w", err)
	}

	capacity, err := s.repo.GetCapacityByID(ctx, capacityID)
	if err != nil {
		if errors.Is(err, ErrCapacityNotFound) {
			return nil, fmt.Errorf("%w: capacity does not exist", ErrValidation)
		}
		return nil, fmt.Errorf("load capacity: %w", err)
	}
	if !capacity.Available {
		return nil, fmt.Errorf("%w: capacity has no open slots", ErrValidation)
	}
	if capacity.TrainerID != trainerID {
		return nil, fmt.Errorf("%w: capacity does not belong to this trainer", ErrValidation)
	}
	if capacity.Kind == KindSession && capacity.Approval != ApprovalApproved {
		return nil, fmt.Errorf("%w: session is not approved for booking", ErrValidation)
	}

	req := &Request{
		TrainerID:  trainerID,
		ClientID:   caller.ID,
		CapacityID: capacityID,
		Day:        capacity.Day,
		StartTime:  capacity.StartTime,
		EndTime:    capacity.EndTime,
	}

	created, err := s.repo.CreateRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	s.logEvent(ctx, nil, EventRequestCreated, map[string]any{
		"request_id":  created.ID.String(),
		"capacity_id": capacityID.String(),
		"client_id":   caller.ID.String(),
	})
	s.publish(ctx, redisclient.RequestTopic(trainerID.String()), "request", created.ID, "created")

	return created, nil
}

func (s *Service) ListPendingRequests(ctx context.Context, caller Caller, trainerID uuid.UUID) ([]Request, error) {
	if caller.Role == "trainer" && caller.ID != trainerID {
		return nil, ErrUnauthorized
	}
	return s.repo.ListPendingRequests(ctx, trainerID)
}

func (s *Service) ListRequestsByClient(ctx context.Context, caller Caller, clientID uuid.UUID) ([]Request, error) {
	if caller.Role == "client" && caller.ID != clientID {
		return nil, ErrUnauthorized
	}
	return s.repo.ListRequestsByClient(ctx, clientID)
}

// Book is the one workflow every entry point funnels into. It authorizes the
// caller, re-checks capacity under the per-capacity lock, and commits the
// appointment insert, the counter decrement, and the status flip as one
// transaction. Losing the decrement race is retried exactly once; a replay
// of an already booked request returns the existing appointment.
func (s *Service) Book(ctx context.Context, caller Caller, requestID uuid.UUID) (*Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BookingTimeout)
	defer cancel()

	req, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load request: %w", err)
	}

	if err := s.authorizeBooking(caller, req); err != nil {
		return nil, err
	}

	switch req.Status {
	case RequestBooked:
		// Idempotent replay: hand back the appointment that already exists.
		existing, err := s.repo.GetAppointmentByRequestID(ctx, req.ID)
		if err != nil {
			return nil, fmt.Errorf("load appointment for booked request: %w", err)
		}
		return existing, nil
	case RequestRejected:
		return nil, ErrRequestClosed
	}

	var booked *Appointment

	err = s.locker.WithCapacityLock(ctx, req.CapacityID, func(lockCtx context.Context) error {
		appt, err := s.bookOnce(lockCtx, req)
		if errors.Is(err, ErrSlotConflict) {
			// Lost the race for the observed counter: re-read once and retry.
			appt, err = s.bookOnce(lockCtx, req)
			if errors.Is(err, ErrSlotConflict) {
				err = ErrCapacityFull
			}
		}
		if err != nil {
			return err
		}
		booked = appt
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			metrics.RecordBooking("busy")
			return nil, ErrCapacityBusy
		}
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordBooking("timeout")
			return nil, ErrStoreUnavailable
		}
		if errors.Is(err, ErrInvalidTransition) {
			// A concurrent caller booked this request after our read.
			// Treat it like a replay and hand back their appointment.
			current, readErr := s.repo.GetRequestByID(ctx, req.ID)
			if readErr == nil && current.Status == RequestBooked {
				existing, apptErr := s.repo.GetAppointmentByRequestID(ctx, req.ID)
				if apptErr == nil {
					return existing, nil
				}
			}
			return nil, err
		}
		if errors.Is(err, ErrCapacityFull) {
			metrics.RecordBooking("full")
			// Spec'd policy: a full capacity closes the request for good.
			if _, rejErr := s.repo.UpdateRequestStatus(ctx, req.ID, RequestPending, RequestRejected); rejErr != nil && !errors.Is(rejErr, ErrInvalidTransition) {
				log.Printf("failed to reject request %s after full capacity: %v", req.ID, rejErr)
			}
			s.logEvent(ctx, nil, EventAppointmentRefused, map[string]any{
				"request_id": req.ID.String(),
				"reason":     "capacity_full",
			})
			s.publish(ctx, redisclient.RequestTopic(req.TrainerID.String()), "request", req.ID, "rejected")
		}
		return nil, err
	}

	metrics.RecordBooking("committed")
	s.logEvent(ctx, &booked.ID, EventAppointmentBooked, map[string]any{
		"request_id":  req.ID.String(),
		"capacity_id": req.CapacityID.String(),
		"client_id":   req.ClientID.String(),
	})
	s.publish(ctx, redisclient.CapacityTopic(req.TrainerID.String()), "capacity", req.CapacityID, "updated")
	s.publish(ctx, redisclient.RequestTopic(req.TrainerID.String()), "request", req.ID, "booked")

	return booked, nil
}

// bookOnce runs a single capacity check plus booking transaction attempt.
func (s *Service) bookOnce(ctx context.Context, req *Request) (*Appointment, error) {
	capacity, err := s.repo.GetCapacityByID(ctx, req.CapacityID)
	if err != nil {
		if errors.Is(err, ErrCapacityNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load capacity: %w", err)
	}

	if capacity.RemainingSlots <= 0 || !capacity.Available {
		return nil, ErrCapacityFull
	}

	return s.repo.BookTx(ctx, BookingWrites{
		RequestID:         req.ID,
		Capacity:          capacity,
		ExpectedRemaining: capacity.RemainingSlots,
	})
}

func (s *Service) authorizeBooking(caller Caller, req *Request) error {
	switch caller.Role {
	case "client":
		if caller.ID != req.ClientID {
			return ErrUnauthorized
		}
	case "trainer":
		// Trainer approval path: the trainer owning the capacity confirms.
		if caller.ID != req.TrainerID {
			return ErrUnauthorized
		}
	case "admin":
	default:
		return ErrUnauthorized
	}
	return nil
}

// Reject closes a pending request without touching capacity. Pending
// requests never consumed a slot, so there is nothing to refund.
func (s *Service) Reject(ctx context.Context, caller Caller, requestID uuid.UUID) (*Request, error) {
	req, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if err := s.authorizeBooking(caller, req); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateRequestStatus(ctx, requestID, RequestPending, RequestRejected)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, nil, EventRequestRejected, map[string]any{
		"request_id": requestID.String(),
	})
	s.publish(ctx, redisclient.RequestTopic(req.TrainerID.String()), "request", req.ID, "rejected")

	return updated, nil
}

// CancelAppointment flips a booked appointment to cancelled and refunds the
// slot. This is the only path that ever restores a capacity counter.
func (s *Service) CancelAppointment(ctx context.Context, caller Caller, appointmentID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	switch caller.Role {
	case "client":
		if caller.ID != appt.ClientID {
			return nil, ErrUnauthorized
		}
	case "trainer":
		if caller.ID != appt.TrainerID {
			return nil, ErrUnauthorized
		}
	case "admin":
	default:
		return nil, ErrUnauthorized
	}

	cancelled, err := s.repo.CancelTx(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	metrics.RecordCancellation()
	s.logEvent(ctx, &cancelled.ID, EventAppointmentCancel, map[string]any{
		"capacity_id": cancelled.CapacityID.String(),
	})
	s.publish(ctx, redisclient.CapacityTopic(cancelled.TrainerID.String()), "capacity", cancelled.CapacityID, "updated")

	return cancelled, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) ListAppointmentsByClient(ctx context.Context, caller Caller, clientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if caller.Role == "client" && caller.ID != clientID {
		return nil, ErrUnauthorized
	}
	limit, offset = clampPage(limit, offset)
	return s.repo.ListAppointmentsByClient(ctx, clientID, limit, offset)
}

func (s *Service) ListAppointmentsByTrainer(ctx context.Context, caller Caller, trainerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if caller.Role == "trainer" && caller.ID != trainerID {
		return nil, ErrUnauthorized
	}
	limit, offset = clampPage(limit, offset)
	return s.repo.ListAppointmentsByTrainer(ctx, trainerID, limit, offset)
}

// ExpireStaleRequests is called by the worker periodically. Requests that
// sat pending longer than the configured TTL are rejected so the trainer's
// queue does not accumulate dead entries.
func (s *Service) ExpireStaleRequests(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.RequestTTL)
	stale, err := s.repo.FindStalePending(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find stale pending requests: %w", err)
	}

	for _, req := range stale {
		if _, err := s.repo.UpdateRequestStatus(ctx, req.ID, RequestPending, RequestRejected); err != nil {
			// Booked or removed between the sweep read and the write.
			// The request did not expire, so nothing is logged or published.
			if !errors.Is(err, ErrRequestNotFound) && !errors.Is(err, ErrInvalidTransition) {
				log.Printf("failed to expire request %s: %v", req.ID, err)
			}
			continue
		}
		s.logEvent(ctx, nil, EventRequestRejected, map[string]any{
			"request_id": req.ID.String(),
			"reason":     "expired",
		})
		s.publish(ctx, redisclient.RequestTopic(req.TrainerID.String()), "request", req.ID, "rejected")
	}

	return nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s: %v", eventType, err)
	}
}

func (s *Service) publish(ctx context.Context, topic, kind string, id uuid.UUID, action string) {
	if s.feed == nil {
		return
	}
	ev := redisclient.ChangeEvent{
		Topic:      topic,
		EntityKind: kind,
		EntityID:   id.String(),
		Action:     action,
	}
	if err := s.feed.Publish(ctx, ev); err != nil {
		log.Printf("failed to publish %s change for %s: %v", kind, id, err)
	}
}
