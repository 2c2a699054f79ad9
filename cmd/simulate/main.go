package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymbook/session-booking/internal/auth"
	"github.com/gymbook/session-booking/internal/config"
	"github.com/gymbook/session-booking/internal/db"
)

// Hammers the booking endpoint with concurrent clients to measure how the
// orchestrator behaves under contention: every worker files requests against
// a small pool of capacities and immediately tries to book them, so most
// runs end in capacity_full or slot conflicts by design.

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	CapacityLimit int
	ClientLimit   int
	JWTSecret     string
	PostgresDSN   string
}

type member struct {
	id    uuid.UUID
	token string
}

type DataPool struct {
	Clients    []member
	Trainers   []uuid.UUID
	Capacities []uuid.UUID

	mu       sync.RWMutex
	requests []uuid.UUID
}

func (dp *DataPool) AddRequest(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.requests = append(dp.requests, id)
}

func (dp *DataPool) RandomRequest(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.requests) == 0 {
		return uuid.Nil, false
	}
	return dp.requests[rng.Intn(len(dp.requests))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	mu        sync.Mutex
	Latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	request OperationMetrics
	book    OperationMetrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()

	log.Printf("config: duration=%s workers=%d capacities=%d clients=%d",
		cfg.Duration, cfg.Workers, cfg.CapacityLimit, cfg.ClientLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d clients, %d capacities", len(dataPool.Clients), len(dataPool.Capacities))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	return SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		CapacityLimit: getInt("SIM_CAPACITY_LIMIT", 50),
		ClientLimit:   getInt("SIM_CLIENT_LIMIT", 500),
		JWTSecret:     baseCfg.JWTSecret,
		PostgresDSN:   baseCfg.PostgresDSN,
	}
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM clients LIMIT $1
	`, cfg.ClientLimit)
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		token, err := auth.GenerateToken(id, auth.RoleClient, cfg.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("mint client token: %w", err)
		}
		dataPool.Clients = append(dataPool.Clients, member{id: id, token: token})
	}

	rows, err = pool.Query(ctx, `
		SELECT id, trainer_id FROM capacities
		WHERE available = true AND approval = 'approved'
		LIMIT $1
	`, cfg.CapacityLimit)
	if err != nil {
		return nil, fmt.Errorf("load capacities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, trainerID uuid.UUID
		if err := rows.Scan(&id, &trainerID); err != nil {
			return nil, err
		}
		dataPool.Capacities = append(dataPool.Capacities, id)
		dataPool.Trainers = append(dataPool.Trainers, trainerID)
	}

	if len(dataPool.Clients) == 0 {
		return nil, fmt.Errorf("no clients loaded")
	}
	if len(dataPool.Capacities) == 0 {
		return nil, fmt.Errorf("no capacities loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if rng.Float64() < 0.5 {
				s.doCreateRequest(ctx, rng)
			} else {
				s.doBook(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doCreateRequest(ctx context.Context, rng *rand.Rand) {
	client := s.pool.Clients[rng.Intn(len(s.pool.Clients))]
	idx := rng.Intn(len(s.pool.Capacities))

	reqBody := map[string]string{
		"trainer_id":  s.pool.Trainers[idx].String(),
		"capacity_id": s.pool.Capacities[idx].String(),
	}
	body, _ := json.Marshal(reqBody)

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+client.token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var created struct {
				ID uuid.UUID `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &created) == nil && created.ID != uuid.Nil {
				s.pool.AddRequest(created.ID)
			}
		}
	}

	s.request.Record(latency, success, false)
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	requestID, ok := s.pool.RandomRequest(rng)
	if !ok {
		return
	}

	// Any admin token may book on behalf of the requester.
	client := s.pool.Clients[rng.Intn(len(s.pool.Clients))]
	token, err := auth.GenerateToken(client.id, auth.RoleAdmin, s.config.JWTSecret)
	if err != nil {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST",
		fmt.Sprintf("%s/requests/%s/book", s.config.APIBaseURL, requestID), nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusCreated {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.book.Record(latency, success, conflict)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n================================================================")
	fmt.Println("SIMULATION REPORT")
	fmt.Println("================================================================")
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Create Request", &s.request)
	printOperationReport("Book", &s.book)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failures := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failures > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failures, float64(failures)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
