package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository. It mirrors the
// Postgres implementation's conditional-update semantics, so the orchestrator
// can be exercised without a database.
type MemoryRepository struct {
	mu           sync.Mutex
	trainers     map[uuid.UUID]Trainer
	clients      map[uuid.UUID]Client
	capacities   map[uuid.UUID]Capacity
	requests     map[uuid.UUID]Request
	appointments map[uuid.UUID]Appointment
	events       []EventLog

	// failBook, when set, aborts the next BookTx after its checks pass.
	failBook error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		trainers:     make(map[uuid.UUID]Trainer),
		clients:      make(map[uuid.UUID]Client),
		capacities:   make(map[uuid.UUID]Capacity),
		requests:     make(map[uuid.UUID]Request),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

func (m *MemoryRepository) PutTrainer(t Trainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trainers[t.ID] = t
}

func (m *MemoryRepository) PutClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

func (m *MemoryRepository) GetTrainerByID(ctx context.Context, id uuid.UUID) (*Trainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trainers[id]
	if !ok {
		return nil, ErrTrainerNotFound
	}
	return &t, nil
}

func (m *MemoryRepository) GetClientByID(ctx context.Context, id uuid.UUID) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return &c, nil
}

func (m *MemoryRepository) CreateCapacity(ctx context.Context, c *Capacity) (*Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *c
	stored.ID = uuid.New()
	stored.RemainingSlots = stored.TotalSlots
	stored.Available = stored.RemainingSlots > 0
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.capacities[stored.ID] = stored

	return &stored, nil
}

func (m *MemoryRepository) GetCapacityByID(ctx context.Context, id uuid.UUID) (*Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCapacityLocked(id)
}

func (m *MemoryRepository) getCapacityLocked(id uuid.UUID) (*Capacity, error) {
	c, ok := m.capacities[id]
	if !ok {
		return nil, ErrCapacityNotFound
	}
	return &c, nil
}

func (m *MemoryRepository) ListAvailableCapacities(ctx context.Context, trainerID uuid.UUID) ([]Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Capacity
	for _, c := range m.capacities {
		if c.TrainerID == trainerID && c.Available {
			result = append(result, c)
		}
	}
	sortByCreation(result, func(c Capacity) time.Time { return c.CreatedAt })
	return result, nil
}

func (m *MemoryRepository) DecrementSlot(ctx context.Context, id uuid.UUID, expectedRemaining int) (*Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementSlotLocked(id, expectedRemaining)
}

func (m *MemoryRepository) decrementSlotLocked(id uuid.UUID, expectedRemaining int) (*Capacity, error) {
	c, ok := m.capacities[id]
	if !ok {
		return nil, ErrCapacityNotFound
	}
	if c.RemainingSlots != expectedRemaining || c.RemainingSlots <= 0 {
		return nil, ErrSlotConflict
	}

	c.RemainingSlots--
	c.Available = c.RemainingSlots > 0
	c.UpdatedAt = time.Now()
	m.capacities[id] = c

	return &c, nil
}

func (m *MemoryRepository) RestoreSlot(ctx context.Context, id uuid.UUID) (*Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreSlotLocked(id)
}

func (m *MemoryRepository) restoreSlotLocked(id uuid.UUID) (*Capacity, error) {
	c, ok := m.capacities[id]
	if !ok {
		return nil, ErrCapacityNotFound
	}
	if c.RemainingSlots < c.TotalSlots {
		c.RemainingSlots++
		c.Available = true
		c.UpdatedAt = time.Now()
		m.capacities[id] = c
	}
	return &c, nil
}

func (m *MemoryRepository) SetApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus) (*Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.capacities[id]
	if !ok || c.Kind != KindSession {
		return nil, ErrCapacityNotFound
	}

	c.Approval = status
	c.UpdatedAt = time.Now()
	m.capacities[id] = c

	return &c, nil
}

func (m *MemoryRepository) CreateRequest(ctx context.Context, r *Request) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *r
	stored.ID = uuid.New()
	stored.Status = RequestPending
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.requests[stored.ID] = stored

	return &stored, nil
}

func (m *MemoryRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &r, nil
}

func (m *MemoryRepository) ListPendingRequests(ctx context.Context, trainerID uuid.UUID) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Request
	for _, r := range m.requests {
		if r.TrainerID == trainerID && r.Status == RequestPending {
			result = append(result, r)
		}
	}
	sortByCreation(result, func(r Request) time.Time { return r.CreatedAt })
	return result, nil
}

func (m *MemoryRepository) ListRequestsByClient(ctx context.Context, clientID uuid.UUID) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Request
	for _, r := range m.requests {
		if r.ClientID == clientID {
			result = append(result, r)
		}
	}
	sortByCreation(result, func(r Request) time.Time { return r.CreatedAt })
	return result, nil
}

func (m *MemoryRepository) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRequestStatusLocked(id, from, to)
}

func (m *MemoryRepository) updateRequestStatusLocked(id uuid.UUID, from, to RequestStatus) (*Request, error) {
	if from != RequestPending || (to != RequestBooked && to != RequestRejected) {
		return nil, ErrInvalidTransition
	}

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != from {
		return nil, ErrInvalidTransition
	}

	r.Status = to
	r.UpdatedAt = time.Now()
	m.requests[id] = r

	return &r, nil
}

func (m *MemoryRepository) BookTx(ctx context.Context, w BookingWrites) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Checks first; nothing is written until all of them pass.
	req, ok := m.requests[w.RequestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status != RequestPending {
		return nil, ErrInvalidTransition
	}

	c, ok := m.capacities[w.Capacity.ID]
	if !ok {
		return nil, ErrCapacityNotFound
	}
	if c.RemainingSlots != w.ExpectedRemaining || c.RemainingSlots <= 0 {
		return nil, ErrSlotConflict
	}

	if m.failBook != nil {
		err := m.failBook
		m.failBook = nil
		return nil, err
	}

	if _, err := m.updateRequestStatusLocked(w.RequestID, RequestPending, RequestBooked); err != nil {
		return nil, err
	}
	if _, err := m.decrementSlotLocked(w.Capacity.ID, w.ExpectedRemaining); err != nil {
		return nil, err
	}

	appt := Appointment{
		ID:         uuid.New(),
		ClientID:   req.ClientID,
		TrainerID:  req.TrainerID,
		CapacityID: w.Capacity.ID,
		RequestID:  req.ID,
		Day:        w.Capacity.Day,
		StartTime:  w.Capacity.StartTime,
		EndTime:    w.Capacity.EndTime,
		Status:     AppointmentBooked,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	m.appointments[appt.ID] = appt

	return &appt, nil
}

func (m *MemoryRepository) CancelTx(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != AppointmentBooked {
		return nil, ErrInvalidTransition
	}

	a.Status = AppointmentCancelled
	a.UpdatedAt = time.Now()
	m.appointments[appointmentID] = a

	if _, err := m.restoreSlotLocked(a.CapacityID); err != nil {
		return nil, err
	}

	return &a, nil
}

func (m *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) GetAppointmentByRequestID(ctx context.Context, requestID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.appointments {
		if a.RequestID == requestID && a.Status == AppointmentBooked {
			result := a
			return &result, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryRepository) ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Appointment
	for _, a := range m.appointments {
		if a.ClientID == clientID {
			result = append(result, a)
		}
	}
	sortByCreation(result, func(a Appointment) time.Time { return a.CreatedAt })
	return page(result, limit, offset), nil
}

func (m *MemoryRepository) ListAppointmentsByTrainer(ctx context.Context, trainerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Appointment
	for _, a := range m.appointments {
		if a.TrainerID == trainerID {
			result = append(result, a)
		}
	}
	sortByCreation(result, func(a Appointment) time.Time { return a.CreatedAt })
	return page(result, limit, offset), nil
}

func (m *MemoryRepository) FindStalePending(ctx context.Context, olderThan time.Time) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Request
	for _, r := range m.requests {
		if r.Status == RequestPending && r.CreatedAt.Before(olderThan) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]EventLog, len(m.events))
	copy(out, m.events)
	return out
}

func sortByCreation[T any](items []T, createdAt func(T) time.Time) {
	sort.Slice(items, func(i, j int) bool {
		return createdAt(items[i]).Before(createdAt(items[j]))
	})
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
