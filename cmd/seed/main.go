package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymbook/session-booking/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	gofakeit.Seed(time.Now().UnixNano())

	trainerIDs, err := seedTrainers(context.Background(), pool, 50)
	if err != nil {
		log.Fatalf("seed trainers: %v", err)
	}
	if err := seedClients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed clients: %v", err)
	}
	if err := seedCapacities(context.Background(), pool, trainerIDs); err != nil {
		log.Fatalf("seed capacities: %v", err)
	}

	log.Println("seed complete")
}

func seedTrainers(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d trainers", count)

	specialties := []string{
		"Strength Training",
		"HIIT",
		"Yoga",
		"Pilates",
		"CrossFit",
		"Boxing",
		"Spinning",
		"Mobility",
		"Bodybuilding",
		"Rehabilitation",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO trainers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Println("trainers seeded")
	return ids, nil
}

func seedClients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d clients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO clients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("clients seeded: %d/%d", end, count)
	}

	log.Println("clients seeded")
	return nil
}

func seedCapacities(ctx context.Context, pool *pgxpool.Pool, trainerIDs []uuid.UUID) error {
	log.Printf("seeding capacities for %d trainers", len(trainerIDs))

	days := []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}
	sessionNames := []string{
		"Morning HIIT",
		"Power Lifting",
		"Core Blast",
		"Sunrise Yoga",
		"Spin Express",
		"Boxing Basics",
		"Full Body Burn",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, trainerID := range trainerIDs {
		// A few group sessions, pre-approved so they are bookable right away
		for i := 0; i < gofakeit.Number(2, 4); i++ {
			slots := gofakeit.Number(3, 12)
			startHour := gofakeit.Number(6, 19)
			_, err := tx.Exec(ctx, `
				INSERT INTO capacities (id, kind, trainer_id, name, description, day, start_time, end_time,
					total_slots, remaining_slots, available, approval, image_url, created_at, updated_at)
				VALUES ($1, 'session', $2, $3, $4, $5, $6, $7, $8, $8, true, 'approved', NULL, now(), now())
			`, uuid.New(), trainerID,
				sessionNames[gofakeit.Number(0, len(sessionNames)-1)],
				gofakeit.Sentence(8),
				days[gofakeit.Number(0, len(days)-1)],
				formatHour(startHour), formatHour(startHour+1),
				slots)
			if err != nil {
				return err
			}
		}

		// And a handful of 1:1 availability slots
		for i := 0; i < gofakeit.Number(3, 6); i++ {
			startHour := gofakeit.Number(6, 19)
			_, err := tx.Exec(ctx, `
				INSERT INTO capacities (id, kind, trainer_id, name, description, day, start_time, end_time,
					total_slots, remaining_slots, available, approval, image_url, created_at, updated_at)
				VALUES ($1, 'availability_slot', $2, '1:1 Session', NULL, $3, $4, $5, 1, 1, true, 'approved', NULL, now(), now())
			`, uuid.New(), trainerID,
				days[gofakeit.Number(0, len(days)-1)],
				formatHour(startHour), formatHour(startHour+1))
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("capacities seeded")
	return nil
}

func formatHour(h int) string {
	if h > 23 {
		h = 23
	}
	return time.Date(2000, 1, 1, h, 0, 0, 0, time.UTC).Format("15:04")
}
