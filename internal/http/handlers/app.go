package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"sorafarm/internal/domain"
)

// JobService is the queue surface the API needs.
type JobService interface {
	Enqueue(ctx context.Context, spec domain.JobSpec) (int64, error)
}

// AccountService is the pool surface the API needs.
type AccountService interface {
	AddAccount(ctx context.Context, cookiesJSON string) (int64, error)
}

type App struct {
	Queue    JobService
	Accounts AccountService
	Jobs     domain.JobRepository
	Logger   zerolog.Logger
}

func NewApp(queue JobService, accounts AccountService, jobs domain.JobRepository, logger zerolog.Logger) *App {
	return &App{Queue: queue, Accounts: accounts, Jobs: jobs, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]string{"error": message})
}
