package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicflow/internal/db"
	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/sla"
	"civicflow/internal/metrics"
	"civicflow/internal/migrate"
)

const testSecret = "test-secret"

var (
	citizen = domain.Actor{ID: "cit-1", Role: domain.RoleCitizen, WardID: "w-1"}
	officer = domain.Actor{ID: "wo-1", Role: domain.RoleWardOfficer, WardID: "w-1"}
	crew    = domain.Actor{ID: "crew-1", Role: domain.RoleMaintenanceTeam, WardID: "w-1"}
	admin   = domain.Actor{ID: "adm-1", Role: domain.RoleAdministrator}
)

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	e := engine.New(conn, sla.DefaultPolicy())
	cfg := Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Metrics:  metrics.New(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e}
}

func bearer(t *testing.T, a domain.Actor) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, a, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func (s *testServer) register(t *testing.T) ComplaintResponse {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, s.URL+"/v1/complaints", map[string]any{
		"type":     "WATER_SUPPLY",
		"title":    "No water since morning",
		"priority": "HIGH",
	}, bearer(t, citizen))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c ComplaintResponse
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func (s *testServer) transition(t *testing.T, a domain.Actor, id string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, http.MethodPost, s.URL+"/v1/complaints/"+id+"/transitions", body, bearer(t, a))
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	other, err := IssueToken("other-secret", citizen, time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	_, err = IssueToken(testSecret, citizen, 0, time.Now())
	require.Error(t, err)

	forever, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: citizen.ID, IssuedAt: jwt.NewNumericDate(time.Now())},
		Role:             string(citizen.Role),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + forever})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, "tokens without exp are refused")

	expired, err := IssueToken(testSecret, citizen, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMeWithAPIKey(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.Engine.Repo.UpsertActor(ctx, officer))
	_, key, err := srv.Engine.Repo.CreateAPIKey(ctx, officer.ID, "ci")
	require.NoError(t, err)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me MeResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, officer.ID, me.ID)
	assert.Equal(t, "api_key", me.Source)
	assert.Contains(t, me.Permissions, "complaint:assign")
}

func TestRegisterComplaint(t *testing.T) {
	srv := newTestServer(t)
	c := srv.register(t)

	assert.Equal(t, "REGISTERED", c.Status)
	assert.Equal(t, "w-1", c.WardID)
	assert.Equal(t, citizen.ID, c.SubmittedByID)
	require.NotNil(t, c.SLA)
	assert.Equal(t, "ON_TIME", c.SLA.SLAStatus)
	assert.Equal(t, int64(24*3600), c.SLA.WindowSeconds)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/complaints", map[string]any{
		"type":     "WATER_SUPPLY",
		"title":    "x",
		"priority": "URGENT",
	}, bearer(t, citizen))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/complaints", map[string]any{
		"type":  "WATER_SUPPLY",
		"title": "x",
	}, bearer(t, crew))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
}

func TestTransitionErrors(t *testing.T) {
	srv := newTestServer(t)
	c := srv.register(t)

	res, data := srv.transition(t, citizen, c.ID, map[string]any{"to_status": "CLOSED"})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "REGISTERED", env.Error.Details["from"])
	assert.Equal(t, "CLOSED", env.Error.Details["to"])

	res, data = srv.transition(t, officer, c.ID, map[string]any{"to_status": "ASSIGNED", "assignee_id": crew.ID})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var moved TransitionResponse
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, "ASSIGNED", moved.Complaint.Status)
	assert.Equal(t, crew.ID, moved.Complaint.AssignedToID)
	assert.Equal(t, "REGISTERED", moved.Entry.FromStatus)

	res, data = srv.transition(t, citizen, c.ID, map[string]any{"to_status": "IN_PROGRESS"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env = decodeError(t, data)
	assert.Equal(t, "permission denied", env.Error.Message)
	assert.Empty(t, env.Error.Details)

	res, data = srv.transition(t, crew, c.ID, map[string]any{"to_status": "IN_PROGRESS", "expected_status": "REGISTERED"})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decodeError(t, data).Error.Code)

	res, data = srv.transition(t, crew, c.ID, map[string]any{"to_status": "IN_PROGRESS", "expected_status": "ASSIGNED"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = srv.transition(t, crew, "missing", map[string]any{"to_status": "IN_PROGRESS"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHistoryAndSLA(t *testing.T) {
	srv := newTestServer(t)
	c := srv.register(t)
	res, data := srv.transition(t, officer, c.ID, map[string]any{"to_status": "ASSIGNED", "assignee_id": crew.ID, "comment": "crew dispatched"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/complaints/"+c.ID+"/history", nil, bearer(t, citizen))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var history HistoryResponse
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history.Items, 2)
	assert.Empty(t, history.Items[0].FromStatus)
	assert.Equal(t, "REGISTERED", history.Items[0].ToStatus)
	assert.Equal(t, "ASSIGNED", history.Items[1].ToStatus)
	assert.Equal(t, "crew dispatched", history.Items[1].Comment)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/complaints/"+c.ID+"/sla", nil, bearer(t, crew))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var standing StandingResponse
	require.NoError(t, json.Unmarshal(data, &standing))
	assert.Equal(t, "ASSIGNED", standing.Status)
	assert.Equal(t, "ON_TIME", standing.SLAStatus)

	stranger := domain.Actor{ID: "cit-2", Role: domain.RoleCitizen, WardID: "w-1"}
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/complaints/"+c.ID, nil, bearer(t, stranger))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestGetComplaintListsAllowedTransitions(t *testing.T) {
	srv := newTestServer(t)
	c := srv.register(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/complaints/"+c.ID, nil, bearer(t, officer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got ComplaintResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []string{"ASSIGNED"}, got.AllowedTransitions)
}

func TestListPaginates(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		srv.register(t)
	}
	seen := map[string]bool{}
	url := srv.URL + "/v1/complaints?limit=2"
	res, data := doJSON(t, http.MethodGet, url, nil, bearer(t, officer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page ComplaintListResponse
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	for _, c := range page.Items {
		seen[c.ID] = true
	}

	res, data = doJSON(t, http.MethodGet, url+"&cursor="+strings.ReplaceAll(page.NextCursor, "|", "%7C"), nil, bearer(t, officer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page = ComplaintListResponse{}
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.False(t, seen[page.Items[0].ID])
	assert.Empty(t, page.NextCursor)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/complaints?cursor=garbage", nil, bearer(t, officer))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStatusReport(t *testing.T) {
	srv := newTestServer(t)
	c := srv.register(t)
	srv.register(t)
	res, data := srv.transition(t, officer, c.ID, map[string]any{"to_status": "ASSIGNED", "assignee_id": crew.ID})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/reports/status", nil, bearer(t, officer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var report StatusSummaryResponse
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Empty(t, report.WardID)
	assert.Equal(t, 1, report.Counts["REGISTERED"])

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/reports/status?ward_id=w-1", nil, bearer(t, officer))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	report = StatusSummaryResponse{}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "w-1", report.WardID)
	assert.Equal(t, 1, report.Counts["REGISTERED"])
	assert.Equal(t, 1, report.Counts["ASSIGNED"])
	assert.Equal(t, 0, report.Counts["CLOSED"])

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/reports/status?ward_id=w-9", nil, bearer(t, officer))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestTransitionRateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) {
		cfg.TransitionRate = 1
		cfg.TransitionWindow = time.Hour
	})
	c := srv.register(t)

	res, _ := srv.transition(t, citizen, c.ID, map[string]any{"to_status": "CLOSED"})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	res, data := srv.transition(t, citizen, c.ID, map[string]any{"to_status": "CLOSED"})
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode, string(data))
	assert.Equal(t, "rate_limited", decodeError(t, data).Error.Code)

	// other actors and other routes are unaffected
	res, _ = srv.transition(t, officer, c.ID, map[string]any{"to_status": "ASSIGNED", "assignee_id": crew.ID})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/complaints/"+c.ID, nil, bearer(t, citizen))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	c := srv.register(t)
	res, _ := srv.transition(t, officer, c.ID, map[string]any{"to_status": "ASSIGNED", "assignee_id": crew.ID})
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/metrics", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/metrics", nil, bearer(t, officer))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/metrics", nil, bearer(t, admin))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := string(data)
	assert.Contains(t, body, "civicflow_http_requests_total")
	assert.Contains(t, body, `civicflow_transitions_total{from="REGISTERED",result="ok",to="ASSIGNED"} 1`)
}

func TestOpenAPIDocumentsSecurity(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	components := doc["components"].(map[string]any)
	schemes := components["securitySchemes"].(map[string]any)
	assert.Contains(t, schemes, "bearerAuth")
	assert.Contains(t, schemes, "apiKeyAuth")
}
