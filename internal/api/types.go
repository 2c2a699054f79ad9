package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/gymbook/session-booking/internal/booking"
)

type CreateCapacityRequest struct {
	Kind        string  `json:"kind"`
	TrainerID   string  `json:"trainer_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Day         string  `json:"day"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	TotalSlots  int     `json:"total_slots"`
	ImageURL    *string `json:"image_url,omitempty"`
}

type SetApprovalRequest struct {
	Approval string `json:"approval"`
}

type CapacityResponse struct {
	ID             uuid.UUID `json:"id"`
	Kind           string    `json:"kind"`
	TrainerID      uuid.UUID `json:"trainer_id"`
	Name           string    `json:"name"`
	Description    *string   `json:"description,omitempty"`
	Day            string    `json:"day"`
	StartTime      string    `json:"start_time"`
	EndTime        string    `json:"end_time"`
	TotalSlots     int       `json:"total_slots"`
	RemainingSlots int       `json:"remaining_slots"`
	Available      bool      `json:"available"`
	Approval       string    `json:"approval"`
	ImageURL       *string   `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toCapacityResponse(c *booking.Capacity) CapacityResponse {
	return CapacityResponse{
		ID:             c.ID,
		Kind:           string(c.Kind),
		TrainerID:      c.TrainerID,
		Name:           c.Name,
		Description:    c.Description,
		Day:            c.Day,
		StartTime:      c.StartTime,
		EndTime:        c.EndTime,
		TotalSlots:     c.TotalSlots,
		RemainingSlots: c.RemainingSlots,
		Available:      c.Available,
		Approval:       string(c.Approval),
		ImageURL:       c.ImageURL,
		CreatedAt:      c.CreatedAt,
	}
}

type CreateRequestRequest struct {
	TrainerID  string `json:"trainer_id"`
	CapacityID string `json:"capacity_id"`
}

type RequestResponse struct {
	ID         uuid.UUID `json:"id"`
	TrainerID  uuid.UUID `json:"trainer_id"`
	ClientID   uuid.UUID `json:"client_id"`
	CapacityID uuid.UUID `json:"capacity_id"`
	Day        string    `json:"day"`
	StartTime  string    `json:"start_time"`
	EndTime    string    `json:"end_time"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toRequestResponse(r *booking.Request) RequestResponse {
	return RequestResponse{
		ID:         r.ID,
		TrainerID:  r.TrainerID,
		ClientID:   r.ClientID,
		CapacityID: r.CapacityID,
		Day:        r.Day,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}

type AppointmentResponse struct {
	ID         uuid.UUID `json:"id"`
	ClientID   uuid.UUID `json:"client_id"`
	TrainerID  uuid.UUID `json:"trainer_id"`
	CapacityID uuid.UUID `json:"capacity_id"`
	RequestID  uuid.UUID `json:"request_id"`
	Day        string    `json:"day"`
	StartTime  string    `json:"start_time"`
	EndTime    string    `json:"end_time"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toAppointmentResponse(a *booking.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:         a.ID,
		ClientID:   a.ClientID,
		TrainerID:  a.TrainerID,
		CapacityID: a.CapacityID,
		RequestID:  a.RequestID,
		Day:        a.Day,
		StartTime:  a.StartTime,
		EndTime:    a.EndTime,
		Status:     string(a.Status),
		CreatedAt:  a.CreatedAt,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
