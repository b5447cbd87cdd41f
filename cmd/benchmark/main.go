package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/api"
	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	books       int
	secret      string
	staticToken string
)

// Metrics
var (
	totalRequests uint64
	created201    uint64 // Loans opened
	returned200   uint64 // Loans closed
	conflict503   uint64 // Retries exhausted
	outOfStock409 uint64
	limit422      uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&accounts, "accounts", 1000, "Seeded accounts (id 1 is the admin)")
	flag.IntVar(&books, "books", 100, "Seeded books")
	flag.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret used to mint per-account tokens")
	flag.StringVar(&staticToken, "token", "", "Use this bearer token for every request instead of minting")
}

func main() {
	flag.Parse()

	log, err := logger.New(logger.Options{Env: os.Getenv("ENVIRONMENT"), Stderr: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateFlags(); err != nil {
		log.Fatal("invalid flags", zap.Error(err))
	}

	tokens, err := mintTokens()
	if err != nil {
		log.Fatal("cannot prepare tokens", zap.Error(err))
	}

	log.Info("starting benchmark",
		zap.String("workload", workload),
		zap.Int("workers", concurrency),
		zap.Duration("duration", duration),
	)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, tokens)
	}

	wg.Wait()
	if err := printResults(time.Since(start)); err != nil {
		log.Fatal("cannot write results", zap.Error(err))
	}
}

func validateFlags() error {
	var errs []error
	if concurrency < 1 {
		errs = append(errs, fmt.Errorf("need at least 1 worker, got %d", concurrency))
	}
	if books < 1 {
		errs = append(errs, fmt.Errorf("need at least 1 book, got %d", books))
	}
	if staticToken == "" && accounts < 2 {
		errs = append(errs, fmt.Errorf("need at least 2 accounts, got %d", accounts))
	}
	if workload != "uniform" && workload != "hotspot" {
		errs = append(errs, fmt.Errorf("unknown workload %q", workload))
	}
	return errors.Join(errs...)
}

// mintTokens returns one token per borrowing account, indexed by account id - 2.
func mintTokens() ([]string, error) {
	if staticToken != "" {
		return []string{staticToken}, nil
	}
	auth, err := api.NewAuthenticator(secret)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, accounts-1)
	for id := int64(2); id <= int64(accounts); id++ {
		token, err := auth.SignToken(domain.Principal{AccountID: id, Role: domain.RoleUser}, duration+time.Hour)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func worker(wg *sync.WaitGroup, start time.Time, tokens []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		token := tokens[rand.Intn(len(tokens))]

		status, loan, err := post(client, token, "/api/v1/loans", map[string]int64{"book_id": pickBook()})
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		count(status)
		if status != http.StatusCreated {
			continue
		}

		status, _, err = post(client, token, fmt.Sprintf("/api/v1/loans/%d/return", loan.ID), nil)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		count(status)
	}
}

func post(client *http.Client, token, path string, payload any) (int, domain.LoanRecord, error) {
	var loan domain.LoanRecord

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return 0, loan, err
		}
	}

	req, err := http.NewRequest(http.MethodPost, targetURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, loan, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, loan, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&loan); err != nil {
			return 0, loan, err
		}
	}
	return resp.StatusCode, loan, nil
}

func count(status int) {
	atomic.AddUint64(&totalRequests, 1)
	switch status {
	case http.StatusCreated:
		atomic.AddUint64(&created201, 1)
	case http.StatusOK:
		atomic.AddUint64(&returned200, 1)
	case http.StatusServiceUnavailable:
		atomic.AddUint64(&conflict503, 1)
	case http.StatusConflict:
		atomic.AddUint64(&outOfStock409, 1)
	case http.StatusUnprocessableEntity:
		atomic.AddUint64(&limit422, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func pickBook() int64 {
	// Hotspot: 90% of borrows target book 1
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return 1
	}
	return int64(rand.Intn(books) + 1)
}

func printResults(d time.Duration) error {
	total := atomic.LoadUint64(&totalRequests)
	conflicts := atomic.LoadUint64(&conflict503)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(conflicts) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_rps":    float64(total) / d.Seconds(),
		"loans_created":     atomic.LoadUint64(&created201),
		"loans_returned":    atomic.LoadUint64(&returned200),
		"aborts_conflict":   conflicts,
		"conflict_rate_pct": conflictRate,
		"out_of_stock":      atomic.LoadUint64(&outOfStock409),
		"limit_exceeded":    atomic.LoadUint64(&limit422),
		"errors":            atomic.LoadUint64(&failOther),
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	return os.WriteFile(fmt.Sprintf("results_%s.json", workload), out, 0o644)
}
