package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const capacityColumns = `id, kind, trainer_id, name, description, day, start_time, end_time,
	total_slots, remaining_slots, available, approval, image_url, created_at, updated_at`

func scanCapacity(row pgx.Row) (*Capacity, error) {
	var c Capacity
	var description, imageURL *string

	err := row.Scan(
		&c.ID,
		&c.Kind,
		&c.TrainerID,
		&c.Name,
		&description,
		&c.Day,
		&c.StartTime,
		&c.EndTime,
		&c.TotalSlots,
		&c.RemainingSlots,
		&c.Available,
		&c.Approval,
		&imageURL,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCapacityNotFound
		}
		return nil, err
	}

	c.Description = description
	c.ImageURL = imageURL
	return &c, nil
}

const requestColumns = `id, trainer_id, client_id, capacity_id, day, start_time, end_time,
	status, created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request

	err := row.Scan(
		&r.ID,
		&r.TrainerID,
		&r.ClientID,
		&r.CapacityID,
		&r.Day,
		&r.StartTime,
		&r.EndTime,
		&r.Status,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	return &r, nil
}

const appointmentColumns = `id, client_id, trainer_id, capacity_id, request_id, day,
	start_time, end_time, status, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.ClientID,
		&a.TrainerID,
		&a.CapacityID,
		&a.RequestID,
		&a.Day,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

// Interface methods

func (r *PgRepository) GetTrainerByID(ctx context.Context, id uuid.UUID) (*Trainer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, created_at, updated_at
		FROM trainers
		WHERE id = $1
	`, id)

	var t Trainer
	var specialty *string
	if err := row.Scan(&t.ID, &t.Name, &specialty, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTrainerNotFound
		}
		return nil, err
	}
	t.Specialty = specialty
	return &t, nil
}

func (r *PgRepository) GetClientByID(ctx context.Context, id uuid.UUID) (*Client, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM clients
		WHERE id = $1
	`, id)

	var c Client
	var email *string
	if err := row.Scan(&c.ID, &c.Name, &email, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	c.Email = email
	return &c, nil
}

func (r *PgRepository) CreateCapacity(ctx context.Context, c *Capacity) (*Capacity, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO capacities (id, kind, trainer_id, name, description, day, start_time, end_time,
			total_slots, remaining_slots, available, approval, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $9 > 0, $10, $11, now(), now())
		RETURNING `+capacityColumns+`
	`, id, c.Kind, c.TrainerID, c.Name, c.Description, c.Day, c.StartTime, c.EndTime,
		c.TotalSlots, c.Approval, c.ImageURL)

	return scanCapacity(row)
}

func (r *PgRepository) GetCapacityByID(ctx context.Context, id uuid.UUID) (*Capacity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+capacityColumns+`
		FROM capacities
		WHERE id = $1
	`, id)
	return scanCapacity(row)
}

func (r *PgRepository) ListAvailableCapacities(ctx context.Context, trainerID uuid.UUID) ([]Capacity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+capacityColumns+`
		FROM capacities
		WHERE trainer_id = $1
		  AND available = true
		ORDER BY created_at
	`, trainerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Capacity
	for rows.Next() {
		c, err := scanCapacity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// DecrementSlot only succeeds while the stored counter still equals what the
// caller observed and is positive, so a racing booking cannot push the
// counter negative or double-consume the last slot.
func (r *PgRepository) DecrementSlot(ctx context.Context, id uuid.UUID, expectedRemaining int) (*Capacity, error) {
	return decrementSlot(ctx, r.pool, id, expectedRemaining)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func decrementSlot(ctx context.Context, q execQuerier, id uuid.UUID, expectedRemaining int) (*Capacity, error) {
	row := q.QueryRow(ctx, `
		UPDATE capacities
		SET remaining_slots = remaining_slots - 1,
		    available = remaining_slots - 1 > 0,
		    updated_at = now()
		WHERE id = $1
		  AND remaining_slots = $2
		  AND remaining_slots > 0
		RETURNING `+capacityColumns+`
	`, id, expectedRemaining)

	c, err := scanCapacity(row)
	if errors.Is(err, ErrCapacityNotFound) {
		// Distinguish a vanished row from a lost race.
		if _, getErr := lookupCapacity(ctx, q, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrSlotConflict
	}
	return c, err
}

func lookupCapacity(ctx context.Context, q execQuerier, id uuid.UUID) (*Capacity, error) {
	row := q.QueryRow(ctx, `
		SELECT `+capacityColumns+`
		FROM capacities
		WHERE id = $1
	`, id)
	return scanCapacity(row)
}

func (r *PgRepository) RestoreSlot(ctx context.Context, id uuid.UUID) (*Capacity, error) {
	return restoreSlot(ctx, r.pool, id)
}

func restoreSlot(ctx context.Context, q execQuerier, id uuid.UUID) (*Capacity, error) {
	row := q.QueryRow(ctx, `
		UPDATE capacities
		SET remaining_slots = remaining_slots + 1,
		    available = true,
		    updated_at = now()
		WHERE id = $1
		  AND remaining_slots < total_slots
		RETURNING `+capacityColumns+`
	`, id)

	c, err := scanCapacity(row)
	if errors.Is(err, ErrCapacityNotFound) {
		// Already at full capacity: report the current row instead.
		return lookupCapacity(ctx, q, id)
	}
	return c, err
}

func (r *PgRepository) SetApproval(ctx context.Context, id uuid.UUID, status ApprovalStatus) (*Capacity, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE capacities
		SET approval = $2,
		    updated_at = now()
		WHERE id = $1
		  AND kind = 'session'
		RETURNING `+capacityColumns+`
	`, id, status)

	return scanCapacity(row)
}

func (r *PgRepository) CreateRequest(ctx context.Context, req *Request) (*Request, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointment_requests (id, trainer_id, client_id, capacity_id, day,
			start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', now(), now())
		RETURNING `+requestColumns+`
	`, id, req.TrainerID, req.ClientID, req.CapacityID, req.Day, req.StartTime, req.EndTime)

	return scanRequest(row)
}

func (r *PgRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM appointment_requests
		WHERE id = $1
	`, id)
	return scanRequest(row)
}

func (r *PgRepository) ListPendingRequests(ctx context.Context, trainerID uuid.UUID) ([]Request, error) {
	return r.listRequests(ctx, `
		SELECT `+requestColumns+`
		FROM appointment_requests
		WHERE trainer_id = $1
		  AND status = 'pending'
		ORDER BY created_at
	`, trainerID)
}

func (r *PgRepository) ListRequestsByClient(ctx context.Context, clientID uuid.UUID) ([]Request, error) {
	return r.listRequests(ctx, `
		SELECT `+requestColumns+`
		FROM appointment_requests
		WHERE client_id = $1
		ORDER BY created_at
	`, clientID)
}

func (r *PgRepository) listRequests(ctx context.Context, sql string, arg any) ([]Request, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus) (*Request, error) {
	return updateRequestStatus(ctx, r.pool, id, from, to)
}

func updateRequestStatus(ctx context.Context, q execQuerier, id uuid.UUID, from, to RequestStatus) (*Request, error) {
	if from != RequestPending || (to != RequestBooked && to != RequestRejected) {
		return nil, ErrInvalidTransition
	}

	row := q.QueryRow(ctx, `
		UPDATE appointment_requests
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+requestColumns+`
	`, id, to, from)

	req, err := scanRequest(row)
	if errors.Is(err, ErrRequestNotFound) {
		// Either the row is gone or its status moved on.
		existing := q.QueryRow(ctx, `
			SELECT `+requestColumns+`
			FROM appointment_requests
			WHERE id = $1
		`, id)
		if _, getErr := scanRequest(existing); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	return req, err
}

// BookTx applies the three booking writes inside one transaction: the
// appointment insert, the conditional counter decrement, and the request
// status flip. Any failure aborts the whole thing.
func (r *PgRepository) BookTx(ctx context.Context, w BookingWrites) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin booking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := updateRequestStatus(ctx, tx, w.RequestID, RequestPending, RequestBooked)
	if err != nil {
		return nil, err
	}

	if _, err := decrementSlot(ctx, tx, w.Capacity.ID, w.ExpectedRemaining); err != nil {
		return nil, err
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, client_id, trainer_id, capacity_id, request_id, day,
			start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'booked', now(), now())
		RETURNING `+appointmentColumns+`
	`, id, req.ClientID, req.TrainerID, w.Capacity.ID, req.ID,
		w.Capacity.Day, w.Capacity.StartTime, w.Capacity.EndTime)

	appt, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit booking tx: %w", err)
	}

	return appt, nil
}

func (r *PgRepository) CancelTx(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
		RETURNING `+appointmentColumns+`
	`, appointmentID)

	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			existing := tx.QueryRow(ctx, `
				SELECT `+appointmentColumns+`
				FROM appointments
				WHERE id = $1
			`, appointmentID)
			if _, getErr := scanAppointment(existing); getErr != nil {
				return nil, getErr
			}
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	if _, err := restoreSlot(ctx, tx, appt.CapacityID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel tx: %w", err)
	}

	return appt, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByRequestID(ctx context.Context, requestID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE request_id = $1
		  AND status = 'booked'
	`, requestID)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE client_id = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`, clientID, limit, offset)
}

func (r *PgRepository) ListAppointmentsByTrainer(ctx context.Context, trainerID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return r.listAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE trainer_id = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`, trainerID, limit, offset)
}

func (r *PgRepository) listAppointments(ctx context.Context, sql string, args ...any) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindStalePending(ctx context.Context, olderThan time.Time) ([]Request, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM appointment_requests
		WHERE status = 'pending'
		  AND created_at < $1
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, appID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
