package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS trainers (
	id         uuid PRIMARY KEY,
	name       text NOT NULL,
	specialty  text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS clients (
	id         uuid PRIMARY KEY,
	name       text NOT NULL,
	email      text,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS capacities (
	id              uuid PRIMARY KEY,
	kind            text NOT NULL CHECK (kind IN ('session', 'availability_slot')),
	trainer_id      uuid NOT NULL REFERENCES trainers(id),
	name            text NOT NULL DEFAULT '',
	description     text,
	day             text NOT NULL,
	start_time      text NOT NULL,
	end_time        text NOT NULL,
	total_slots     int  NOT NULL CHECK (total_slots > 0),
	remaining_slots int  NOT NULL CHECK (remaining_slots >= 0 AND remaining_slots <= total_slots),
	available       boolean NOT NULL,
	approval        text NOT NULL CHECK (approval IN ('pending', 'approved', 'rejected')),
	image_url       text,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_capacities_trainer_available
	ON capacities (trainer_id, available, created_at);

CREATE TABLE IF NOT EXISTS appointment_requests (
	id          uuid PRIMARY KEY,
	trainer_id  uuid NOT NULL REFERENCES trainers(id),
	client_id   uuid NOT NULL REFERENCES clients(id),
	capacity_id uuid NOT NULL REFERENCES capacities(id),
	day         text NOT NULL,
	start_time  text NOT NULL,
	end_time    text NOT NULL,
	status      text NOT NULL CHECK (status IN ('pending', 'booked', 'rejected')),
	created_at  timestamptz NOT NULL DEFAULT now(),
	updated_at  timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_requests_trainer_status
	ON appointment_requests (trainer_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_client
	ON appointment_requests (client_id, created_at);

CREATE TABLE IF NOT EXISTS appointments (
	id          uuid PRIMARY KEY,
	client_id   uuid NOT NULL REFERENCES clients(id),
	trainer_id  uuid NOT NULL REFERENCES trainers(id),
	capacity_id uuid NOT NULL REFERENCES capacities(id),
	request_id  uuid NOT NULL REFERENCES appointment_requests(id),
	day         text NOT NULL,
	start_time  text NOT NULL,
	end_time    text NOT NULL,
	status      text NOT NULL CHECK (status IN ('booked', 'cancelled')),
	created_at  timestamptz NOT NULL DEFAULT now(),
	updated_at  timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_appointments_client
	ON appointments (client_id, created_at);
CREATE INDEX IF NOT EXISTS idx_appointments_trainer
	ON appointments (trainer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_appointments_request
	ON appointments (request_id);

CREATE TABLE IF NOT EXISTS event_logs (
	id             bigserial PRIMARY KEY,
	event_type     text NOT NULL,
	appointment_id uuid,
	payload        jsonb,
	created_at     timestamptz NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Statements are idempotent so running it on
// every startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
