package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fixturesync/internal/config"
	"fixturesync/internal/database"
	"fixturesync/internal/models"
	"fixturesync/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) CreateJob(ctx context.Context, req models.CreateJobRequest) (*models.CreateJobResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*models.CreateJobResult)
	return res, args.Error(1)
}

func (m *MockJobService) GetStatus(ctx context.Context, jobID string) (*models.SyncJob, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*models.SyncJob)
	return job, args.Error(1)
}

func (m *MockJobService) ListRecentJobs(ctx context.Context, createdBy string, limit int) ([]*models.SyncJob, error) {
	args := m.Called(ctx, createdBy, limit)
	jobs, _ := args.Get(0).([]*models.SyncJob)
	return jobs, args.Error(1)
}

func (m *MockJobService) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	args := m.Called(ctx, olderThanDays)
	return args.Get(0).(int64), args.Error(1)
}

func newTestServer(t *testing.T, cfg config.APIConfig, jobs *MockJobService) *httptest.Server {
	t.Helper()
	srv := NewHTTPServer(cfg, jobs, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateJobAccepted(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)

	jobs.On("CreateJob", mock.Anything, models.CreateJobRequest{
		SourceKey: "serie-a",
		Start:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC),
		CreatedBy: "user1",
		Metadata:  map[string]string{"trigger": "manual"},
	}).Return(&models.CreateJobResult{JobID: "job-1", EstimatedDurationMs: 90000}, nil).Once()

	body := `{"source_key":"serie-a","start_date":"2025-01-01","end_date":"2025-01-22","created_by":"user1","metadata":{"trigger":"manual"}}`
	resp := doRequest(t, http.MethodPost, ts.URL+jobsPath, body, nil)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))
	var out models.CreateJobResult
	decodeBody(t, resp, &out)
	assert.Equal(t, models.CreateJobResult{JobID: "job-1", EstimatedDurationMs: 90000}, out)
	jobs.AssertExpectations(t)
}

func TestCreateJobBadRequests(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)
	jobs.On("CreateJob", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: 2025-02-01..2025-01-01", queue.ErrInvalidRange))

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"source_key":"a","start_date":"2025-01-01","end_date":"2025-01-02","extra":1}`},
		{"bad start", `{"source_key":"a","start_date":"01/01/2025","end_date":"2025-01-02"}`},
		{"bad end", `{"source_key":"a","start_date":"2025-01-01","end_date":""}`},
		{"inverted range", `{"source_key":"a","start_date":"2025-02-01","end_date":"2025-01-01"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, ts.URL+jobsPath, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetJob(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)

	jobs.On("GetStatus", mock.Anything, "job-1").Return(&models.SyncJob{
		ID: "job-1", SourceKey: "serie-a", Status: models.JobStatusRunning,
		Progress: models.JobProgress{TotalUnits: 4, ProcessedUnits: 1, Percentage: 25},
	}, nil)
	jobs.On("GetStatus", mock.Anything, "missing").Return(nil, database.ErrJobNotFound)
	jobs.On("GetStatus", mock.Anything, "broken").Return(nil, errors.New("disk I/O error"))

	resp := doRequest(t, http.MethodGet, ts.URL+jobsPath+"/job-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job models.SyncJob
	decodeBody(t, resp, &job)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, 25, job.Progress.Percentage)

	resp = doRequest(t, http.MethodGet, ts.URL+jobsPath+"/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, ts.URL+jobsPath+"/broken", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var errBody map[string]string
	decodeBody(t, resp, &errBody)
	assert.Equal(t, "internal error", errBody["error"])
}

func TestListJobs(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jobs.On("ListRecentJobs", mock.Anything, "user1", 5).Return([]*models.SyncJob{
		{ID: "b", Status: models.JobStatusPending, CreatedBy: "user1", CreatedAt: created.Add(time.Hour)},
		{ID: "a", Status: models.JobStatusCompleted, CreatedBy: "user1", CreatedAt: created},
	}, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+jobsPath+"?created_by=user1&limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []jobSummary `json:"jobs"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Jobs, 2)
	assert.Equal(t, "b", out.Jobs[0].JobID)

	resp = doRequest(t, http.MethodGet, ts.URL+jobsPath+"?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExportJobs(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)
	jobs.On("ListRecentJobs", mock.Anything, "", 0).Return([]*models.SyncJob{
		{ID: "job-1", SourceKey: "serie-a", Status: models.JobStatusCompleted},
	}, nil)

	resp := doRequest(t, http.MethodGet, ts.URL+jobsPath+"/export", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	cell, err := f.GetCellValue("Jobs", "A3")
	require.NoError(t, err)
	assert.Equal(t, "job-1", cell)
}

func TestCleanupEndpoint(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)
	jobs.On("Cleanup", mock.Anything, 7).Return(int64(4), nil).Once()
	jobs.On("Cleanup", mock.Anything, models.DefaultRetentionDays).Return(int64(0), nil).Once()
	jobs.On("Cleanup", mock.Anything, -1).Return(int64(0), queue.ErrInvalidRequest).Once()

	resp := doRequest(t, http.MethodPost, ts.URL+jobsPath+"/cleanup?older_than_days=7", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int64
	decodeBody(t, resp, &out)
	assert.Equal(t, int64(4), out["deleted"])

	resp = doRequest(t, http.MethodPost, ts.URL+jobsPath+"/cleanup", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, ts.URL+jobsPath+"/cleanup?older_than_days=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPost, ts.URL+jobsPath+"/cleanup?older_than_days=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	jobs.AssertExpectations(t)
}

func TestHealthzAndMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, config.APIConfig{}, new(MockJobService))

	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, ts.URL+jobsPath, "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	jobs := new(MockJobService)
	ts := newTestServer(t, config.APIConfig{}, jobs)
	jobs.On("GetStatus", mock.Anything, "boom").Run(func(mock.Arguments) { panic("boom") })

	resp := doRequest(t, http.MethodGet, ts.URL+jobsPath+"/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
