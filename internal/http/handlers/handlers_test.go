package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"sorafarm/internal/domain"
)

type fakeQueue struct {
	lastSpec domain.JobSpec
	id       int64
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, spec domain.JobSpec) (int64, error) {
	f.lastSpec = spec
	return f.id, f.err
}

type fakeAccounts struct {
	lastCookies string
	id          int64
	err         error
}

func (f *fakeAccounts) AddAccount(_ context.Context, cookiesJSON string) (int64, error) {
	f.lastCookies = cookiesJSON
	return f.id, f.err
}

type fakeJobs struct {
	job *domain.GenerationJob
	err error
}

func (f *fakeJobs) Enqueue(context.Context, domain.JobSpec) (int64, error) { return 0, nil }
func (f *fakeJobs) ClaimNextQueued(context.Context) (*domain.GenerationJob, error) {
	return nil, domain.ErrNotFound
}
func (f *fakeJobs) GetByID(context.Context, int64) (*domain.GenerationJob, error) {
	return f.job, f.err
}
func (f *fakeJobs) ListByStatus(context.Context, ...domain.JobStatus) ([]domain.GenerationJob, error) {
	return nil, nil
}
func (f *fakeJobs) Update(context.Context, int64, domain.JobUpdate) error { return nil }

func testApp(q *fakeQueue, acc *fakeAccounts, jobs *fakeJobs) *App {
	if q == nil {
		q = &fakeQueue{id: 1}
	}
	if acc == nil {
		acc = &fakeAccounts{id: 1}
	}
	if jobs == nil {
		jobs = &fakeJobs{}
	}
	return NewApp(q, acc, jobs, zerolog.New(io.Discard))
}

func TestCreateJobAccepted(t *testing.T) {
	q := &fakeQueue{id: 17}
	app := testApp(q, nil, nil)

	image := base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})
	body := `{"user_id":1,"chat_id":2,"prompt":"a cat","frames":120,"size":"large","image_base64":"` + image + `"}`
	rec := httptest.NewRecorder()
	app.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["id"].(float64) != 17 || resp["status"] != "queued" {
		t.Fatalf("response = %v", resp)
	}
	if q.lastSpec.Size != domain.VideoSizeLarge || len(q.lastSpec.Image) != 4 {
		t.Fatalf("spec = %+v", q.lastSpec)
	}
}

func TestCreateJobValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"user_id":1,"chat_id":2}`},
		{"bad size", `{"user_id":1,"chat_id":2,"prompt":"x","size":"huge"}`},
		{"bad orientation", `{"user_id":1,"chat_id":2,"prompt":"x","orientation":"diagonal"}`},
		{"bad image", `{"user_id":1,"chat_id":2,"prompt":"x","image_base64":"$$$"}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := testApp(nil, nil, nil)
			rec := httptest.NewRecorder()
			app.CreateJob(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	url := "https://v/x.mp4"
	jobs := &fakeJobs{job: &domain.GenerationJob{
		ID:        5,
		Prompt:    "a cat",
		Status:    domain.JobStatusCompleted,
		ResultURL: &url,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}}
	app := testApp(nil, nil, jobs)

	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", app.GetJob)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" || resp.ResultURL == nil || *resp.ResultURL != url {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGetJobNotFound(t *testing.T) {
	app := testApp(nil, nil, &fakeJobs{err: domain.ErrNotFound})
	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", app.GetJob)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/9", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAddAccountStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"created", nil, http.StatusCreated},
		{"duplicate", domain.ErrDuplicateAccount, http.StatusConflict},
		{"invalid", domain.ErrInvalidCredential, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := testApp(nil, &fakeAccounts{id: 3, err: tc.err}, nil)
			body := `{"cookies":[{"name":"s","value":"v","domain":".chatgpt.com"}]}`
			rec := httptest.NewRecorder()
			app.AddAccount(rec, httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(body)))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestAddAccountRequiresCookies(t *testing.T) {
	app := testApp(nil, nil, nil)
	rec := httptest.NewRecorder()
	app.AddAccount(rec, httptest.NewRequest(http.MethodPost, "/v1/accounts", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	app := testApp(nil, nil, nil)
	rec := httptest.NewRecorder()
	app.Health(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "sorafarm" {
		t.Fatalf("health body = %v", body)
	}
}
