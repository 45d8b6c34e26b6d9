package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-ml/kiroku/internal/auth"
	"github.com/kiroku-ml/kiroku/internal/cardinality"
	"github.com/kiroku-ml/kiroku/internal/idempotency"
	"github.com/kiroku-ml/kiroku/internal/ingest"
	"github.com/kiroku-ml/kiroku/internal/metricstore"
	"github.com/kiroku-ml/kiroku/internal/model"
	"github.com/kiroku-ml/kiroku/internal/ratelimit"
	"github.com/kiroku-ml/kiroku/internal/registry"
	"github.com/kiroku-ml/kiroku/internal/server"
)

type testEnv struct {
	srv   *httptest.Server
	token string
}

type envOptions struct {
	limits  cardinality.Limits
	auth    bool
	limiter ratelimit.Limiter
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ingest.New(ingest.Deps{
		Registry: registry.New(),
		Ledger:   idempotency.NewLedger(),
		Guard:    cardinality.New(opts.limits),
		Metrics:  metricstore.New(),
		Logger:   logger,
	})

	cfg := server.Config{
		Service:             svc,
		Logger:              logger,
		Limiter:             opts.limiter,
		Version:             "test",
		SinkName:            "none",
		MaxQueryPoints:      1000,
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	}

	env := &testEnv{}
	if opts.auth {
		jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
		require.NoError(t, err)
		keystore := auth.NewKeystore()
		_, err = keystore.Register("trainer", "trainer-secret", "proj-1")
		require.NoError(t, err)
		_, err = keystore.Register("operator", "operator-secret", "")
		require.NoError(t, err)
		cfg.JWTMgr = jwtMgr
		cfg.Keystore = keystore
	}

	srv := server.New(cfg)
	env.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(env.srv.Close)

	if opts.auth {
		env.token = env.getToken(t, "trainer", "trainer-secret")
	}
	return env
}

func (e *testEnv) getToken(t *testing.T, keyID, secret string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/auth/token", model.TokenRequest{
		KeyID: keyID, APIKey: secret,
	}, "")
	require.Equal(t, http.StatusOK, status, "token exchange failed: %s", body)

	var resp struct {
		Data model.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Data.Token
}

func (e *testEnv) do(t *testing.T, method, path string, payload any, token string) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeData[T any](t *testing.T, body []byte) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp model.APIError
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error.Code
}

func (e *testEnv) initRun(t *testing.T, runID, projectID string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		RunID: runID, ProjectID: projectID,
	}, e.token)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, status, "init run failed: %s", body)
	return decodeData[model.InitRunResponse](t, body).RunID
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})

	status, body := env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		ProjectID: "proj-1",
	}, "")
	require.Equal(t, http.StatusCreated, status)
	created := decodeData[model.InitRunResponse](t, body)
	assert.NotEmpty(t, created.RunID)
	assert.False(t, created.Resumed)

	// Same id again resumes with 200.
	status, body = env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		ProjectID: "proj-1", RunID: created.RunID,
	}, "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decodeData[model.InitRunResponse](t, body).Resumed)

	status, body = env.do(t, http.MethodPost, "/api/v1/ingest/batch", model.IngestBatchRequest{
		RunID:   created.RunID,
		BatchID: "b-1",
		Metrics: []model.MetricPoint{
			{Name: "loss", Step: 0, Value: 2.3},
			{Name: "loss", Step: 1, Value: 1.9},
		},
		Params: []model.Param{{Name: "lr", Value: "0.01"}},
	}, "")
	require.Equal(t, http.StatusOK, status)
	ingested := decodeData[model.IngestBatchResponse](t, body)
	assert.Equal(t, int64(3), ingested.Accepted)
	assert.False(t, ingested.Duplicate)

	status, body = env.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/heartbeat", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decodeData[model.HeartbeatResponse](t, body).ServerTime.IsZero())

	status, body = env.do(t, http.MethodPost, "/api/v1/runs/"+created.RunID+"/finish", model.FinishRunRequest{
		Status: "finished",
	}, "")
	require.Equal(t, http.StatusOK, status)
	finished := decodeData[model.FinishRunResponse](t, body)
	assert.Equal(t, model.RunStatusFinished, finished.Status)
	assert.Equal(t, uint64(2), finished.TotalMetrics)

	status, body = env.do(t, http.MethodGet, "/api/v1/runs/"+created.RunID, nil, "")
	require.Equal(t, http.StatusOK, status)
	detail := decodeData[model.RunDetail](t, body)
	assert.Equal(t, model.RunStatusFinished, detail.Status)
	require.Len(t, detail.MetricsSummary, 1)
	assert.Equal(t, 1.9, detail.MetricsSummary[0].LastValue)
}

func TestIngestDuplicateAndConflictOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})
	runID := env.initRun(t, "run-a", "proj-1")

	req := model.IngestBatchRequest{
		RunID:   runID,
		BatchID: "b-1",
		Metrics: []model.MetricPoint{{Name: "loss", Step: 0, Value: 1.0}},
	}

	status, _ := env.do(t, http.MethodPost, "/api/v1/ingest/batch", req, "")
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodPost, "/api/v1/ingest/batch", req, "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decodeData[model.IngestBatchResponse](t, body).Duplicate)

	// Same batch id, different payload.
	req.Metrics[0].Value = 99.0
	status, body = env.do(t, http.MethodPost, "/api/v1/ingest/batch", req, "")
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, body))
}

func TestIngestAfterFinishOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})
	runID := env.initRun(t, "run-a", "proj-1")

	status, _ := env.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/finish", nil, "")
	require.Equal(t, http.StatusOK, status)

	req := model.IngestBatchRequest{
		RunID:   runID,
		BatchID: "b-late",
		Metrics: []model.MetricPoint{{Name: "loss", Step: 9, Value: 1.0}},
	}
	status, body := env.do(t, http.MethodPost, "/api/v1/ingest/batch", req, "")
	require.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, model.ErrCodePreconditionFailed, errorCode(t, body))

	// The failed batch was still recorded, so the retry reads as duplicate.
	status, body = env.do(t, http.MethodPost, "/api/v1/ingest/batch", req, "")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decodeData[model.IngestBatchResponse](t, body).Duplicate)
}

func TestIngestUnknownRunOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})

	status, body := env.do(t, http.MethodPost, "/api/v1/ingest/batch", model.IngestBatchRequest{
		RunID:   "no-such-run",
		Metrics: []model.MetricPoint{{Name: "loss", Step: 0, Value: 1.0}},
	}, "")
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, body))
}

func TestCardinalityWarningsOverHTTP(t *testing.T) {
	limits := cardinality.DefaultLimits()
	limits.MaxMetricNamesPerRun = 1
	env := newTestEnv(t, envOptions{limits: limits})
	runID := env.initRun(t, "run-a", "proj-1")

	status, body := env.do(t, http.MethodPost, "/api/v1/ingest/batch", model.IngestBatchRequest{
		RunID:   runID,
		BatchID: "b-1",
		Metrics: []model.MetricPoint{
			{Name: "loss", Step: 0, Value: 1.0},
			{Name: "extra", Step: 0, Value: 2.0},
		},
	}, "")
	require.Equal(t, http.StatusOK, status)
	resp := decodeData[model.IngestBatchResponse](t, body)
	assert.Equal(t, int64(1), resp.Accepted)
	assert.NotEmpty(t, resp.Warnings)
}

func TestListRunsPaginationOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})
	for i := 0; i < 25; i++ {
		env.initRun(t, fmt.Sprintf("run-%02d", i), "proj-1")
	}

	status, body := env.do(t, http.MethodGet, "/api/v1/runs?limit=10&offset=10", nil, "")
	require.Equal(t, http.StatusOK, status)
	page := decodeData[model.ListRunsResponse](t, body)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, 10, page.Offset)
	require.Len(t, page.Runs, 10)
	assert.Equal(t, "run-14", page.Runs[0].RunID)
	assert.Equal(t, "run-05", page.Runs[9].RunID)
}

func TestQueryMetricsOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})
	runID := env.initRun(t, "run-a", "proj-1")

	points := make([]model.MetricPoint, 0, 300)
	for i := 0; i < 300; i++ {
		points = append(points, model.MetricPoint{Name: "loss", Step: int64(i), Value: float64(i)})
	}
	status, _ := env.do(t, http.MethodPost, "/api/v1/ingest/batch", model.IngestBatchRequest{
		RunID: runID, BatchID: "b-1", Metrics: points,
	}, "")
	require.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodGet,
		"/api/v1/runs/"+runID+"/metrics?names=loss&max_points=50", nil, "")
	require.Equal(t, http.StatusOK, status)
	resp := decodeData[model.QueryMetricsResponse](t, body)
	require.Len(t, resp.Series, 1)
	assert.True(t, resp.Series[0].Downsampled)
	assert.LessOrEqual(t, len(resp.Series[0].Points), 50)
	assert.Equal(t, 300, resp.Series[0].TotalPoints)
	assert.Equal(t, []string{"loss"}, resp.AvailableMetrics)
}

func TestInvalidBodyOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/runs",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, body))
}

func TestFinishUnknownStatusOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})
	runID := env.initRun(t, "run-a", "proj-1")

	status, body := env.do(t, http.MethodPost, "/api/v1/runs/"+runID+"/finish", model.FinishRunRequest{
		Status: "paused",
	}, "")
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, body))
}

func TestHealthOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})
	env.initRun(t, "run-a", "proj-1")

	status, body := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, status)
	health := decodeData[model.HealthResponse](t, body)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.ActiveRuns)
}

func TestRequestIDHeaderEchoed(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits()})

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits(), auth: true})

	status, body := env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		ProjectID: "proj-1",
	}, "")
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, body))

	status, _ = env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		ProjectID: "proj-1",
	}, env.token)
	assert.Equal(t, http.StatusCreated, status)
}

func TestTokenExchangeRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits(), auth: true})

	status, body := env.do(t, http.MethodPost, "/auth/token", model.TokenRequest{
		KeyID: "trainer", APIKey: "wrong",
	}, "")
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, body))
}

func TestProjectScopeEnforced(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits(), auth: true})

	// trainer is scoped to proj-1 and cannot create runs elsewhere.
	status, body := env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		ProjectID: "proj-2",
	}, env.token)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, body))

	// An operator key reaches any project.
	opToken := env.getToken(t, "operator", "operator-secret")
	status, _ = env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
		ProjectID: "proj-2",
	}, opToken)
	assert.Equal(t, http.StatusCreated, status)
}

func TestScopedListOnlySeesOwnProject(t *testing.T) {
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits(), auth: true})

	opToken := env.getToken(t, "operator", "operator-secret")
	for _, proj := range []string{"proj-1", "proj-1", "proj-2"} {
		status, _ := env.do(t, http.MethodPost, "/api/v1/runs", model.InitRunRequest{
			ProjectID: proj,
		}, opToken)
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := env.do(t, http.MethodGet, "/api/v1/runs", nil, env.token)
	require.Equal(t, http.StatusOK, status)
	page := decodeData[model.ListRunsResponse](t, body)
	assert.Equal(t, 2, page.Total)
	for _, run := range page.Runs {
		assert.Equal(t, "proj-1", run.ProjectID)
	}

	// Asking for another project explicitly is forbidden.
	status, body = env.do(t, http.MethodGet, "/api/v1/runs?project_id=proj-2", nil, env.token)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, body))
}

func TestRateLimitReturns429(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1, 3) // 1 request/min sustained, burst 3
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, envOptions{limits: cardinality.DefaultLimits(), limiter: limiter})

	var last int
	var lastBody []byte
	for i := 0; i < 5; i++ {
		last, lastBody = env.do(t, http.MethodGet, "/api/v1/runs", nil, "")
	}
	require.Equal(t, http.StatusTooManyRequests, last)
	assert.Equal(t, model.ErrCodeRateLimited, errorCode(t, lastBody))
}
