package booking

import (
	"time"

	"github.com/google/uuid"
)

type CapacityKind string

const (
	KindSession          CapacityKind = "session"
	KindAvailabilitySlot CapacityKind = "availability_slot"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestBooked   RequestStatus = "booked"
	RequestRejected RequestStatus = "rejected"
)

type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "booked"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

type Trainer struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Client struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Capacity is a bookable unit: a group session with N slots or a 1:1
// availability slot with exactly one. RemainingSlots only moves through the
// booking transaction or an explicit cancellation refund.
type Capacity struct {
	ID             uuid.UUID
	Kind           CapacityKind
	TrainerID      uuid.UUID
	Name           string
	Description    *string
	Day            string
	StartTime      string // HH:MM
	EndTime        string // HH:MM
	TotalSlots     int
	RemainingSlots int
	Available      bool
	Approval       ApprovalStatus
	ImageURL       *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Request is a client's pending claim against a capacity. The day and time
// window are copied from the capacity when the request is filed.
type Request struct {
	ID         uuid.UUID
	TrainerID  uuid.UUID
	ClientID   uuid.UUID
	CapacityID uuid.UUID
	Day        string
	StartTime  string
	EndTime    string
	Status     RequestStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Appointment is the durable record of a confirmed booking.
type Appointment struct {
	ID         uuid.UUID
	ClientID   uuid.UUID
	TrainerID  uuid.UUID
	CapacityID uuid.UUID
	RequestID  uuid.UUID
	Day        string
	StartTime  string
	EndTime    string
	Status     AppointmentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type AppointmentDetail struct {
	Appointment
	Capacity *Capacity
	Request  *Request
}
