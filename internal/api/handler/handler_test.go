package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/api/handler"
	"github.com/d60-Lab/approval-gate/internal/api/router"
	"github.com/d60-Lab/approval-gate/internal/model"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/internal/signature"
	"github.com/d60-Lab/approval-gate/pkg/database"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type testServer struct {
	engine *gin.Engine
	repo   *repository.GormApprovalRepository
	cfg    *config.Config
}

func testConfig() *config.Config {
	hash, _ := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	return &config.Config{
		Server: config.ServerConfig{Mode: gin.TestMode},
		Slack:  config.SlackConfig{SigningSecret: testSecret},
		Approval: config.ApprovalConfig{
			DecisionPath:        "/slack/actions",
			MaxClockSkewSeconds: 300,
		},
		JWT: config.JWTConfig{
			Secret:               "jwt-test-secret",
			Issuer:               "approval-gate",
			Expire:               time.Hour,
			OperatorPasswordHash: string(hash),
		},
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	dsn, err := database.SQLiteDSN(filepath.Join(t.TempDir(), "approvals.db"), 5000)
	require.NoError(t, err)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	repo := repository.NewApprovalRepository(db)
	require.NoError(t, repo.InitSchema())
	t.Cleanup(func() { _ = repo.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	h := handler.NewHandler(service.NewDecisionService(repo, nil, nil), cfg.JWT)
	return &testServer{engine: router.Setup(cfg, h), repo: repo, cfg: cfg}
}

func (s *testServer) register(t *testing.T, runID, itemID string) {
	t.Helper()
	require.NoError(t, s.repo.Upsert(context.Background(), repository.UpsertParams{
		RunID: runID, ItemID: itemID, Title: itemID, Body: "draft",
	}))
}

func interaction(t *testing.T, value string) string {
	t.Helper()
	payload := map[string]interface{}{
		"type":    "block_actions",
		"user":    map[string]string{"id": "U123", "name": "ana", "username": "ana.s"},
		"channel": map[string]string{"id": "C1"},
		"message": map[string]string{"ts": "1700000000.0001"},
		"actions": []map[string]string{{"action_id": "approve", "value": value}},
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return url.Values{"payload": {string(b)}}.Encode()
}

func actionJSON(action, runID, itemID string) string {
	return `{"action":"` + action + `","run_id":"` + runID + `","item_id":"` + itemID + `"}`
}

func (s *testServer) postSigned(body string, ts time.Time, secret string) *httptest.ResponseRecorder {
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signature.HeaderTimestamp, tsStr)
	req.Header.Set(signature.HeaderSignature, signature.Sign(secret, tsStr, []byte(body)))
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestSlackActionsApprove(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "r1", "newsletter")

	w := s.postSigned(interaction(t, actionJSON("approve", "r1", "newsletter")), time.Now(), testSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"response_action":"clear"}`, w.Body.String())

	rec, err := s.repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, rec.Status)
	assert.Equal(t, "U123", *rec.ApproverID)
	assert.Equal(t, "ana", *rec.ApproverName)
}

func TestSlackActionsReject(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "r1", "blog")

	w := s.postSigned(interaction(t, actionJSON("reject", "r1", "blog")), time.Now(), testSecret)
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := s.repo.Get(context.Background(), "r1", "blog")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rec.Status)
}

func TestSlackActionsUnknownItem(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.postSigned(interaction(t, actionJSON("approve", "r1", "ghost")), time.Now(), testSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := s.repo.Get(context.Background(), "r1", "ghost")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSlackActionsRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "r1", "newsletter")

	w := s.postSigned(interaction(t, actionJSON("approve", "r1", "newsletter")), time.Now(), "wrong-secret")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec, err := s.repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestSlackActionsRejectsStaleTimestamp(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "r1", "newsletter")

	w := s.postSigned(interaction(t, actionJSON("approve", "r1", "newsletter")), time.Now().Add(-400*time.Second), testSecret)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.postSigned(interaction(t, actionJSON("approve", "r1", "newsletter")), time.Now().Add(-10*time.Second), testSecret)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSlackActionsMissingHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/slack/actions", strings.NewReader("payload=%7B%7D"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlackActionsSecretNotConfigured(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Slack.SigningSecret = "" })
	s.register(t, "r1", "newsletter")

	w := s.postSigned(interaction(t, actionJSON("approve", "r1", "newsletter")), time.Now(), testSecret)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSlackActionsMalformedPayloads(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "r1", "newsletter")

	tests := []struct {
		name string
		body string
	}{
		{"no payload", "foo=bar"},
		{"payload not json", url.Values{"payload": {"{"}}.Encode()},
		{"no actions", url.Values{"payload": {`{"type":"block_actions","actions":[]}`}}.Encode()},
		{"value not json", interaction(t, "approve")},
		{"unknown action", interaction(t, actionJSON("maybe", "r1", "newsletter"))},
		{"missing item", interaction(t, `{"action":"approve","run_id":"r1"}`)},
		{"extra field", interaction(t, `{"action":"approve","run_id":"r1","item_id":"newsletter","admin":true}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.postSigned(tt.body, time.Now(), testSecret)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	rec, err := s.repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func (s *testServer) token(t *testing.T, password string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString(`{"password":"`+password+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		return w.Code, ""
	}
	var resp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp.Data.Token
}

func (s *testServer) operatorRequest(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestOperatorAPI(t *testing.T) {
	s := newTestServer(t, nil)
	s.register(t, "r1", "newsletter")

	code, _ := s.token(t, "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, token := s.token(t, "s3cret")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, token)

	w := s.operatorRequest(http.MethodGet, "/api/v1/approvals/r1/newsletter", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.operatorRequest(http.MethodGet, "/api/v1/approvals/r1/newsletter", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	w = s.operatorRequest(http.MethodGet, "/api/v1/approvals/r1/ghost", token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.operatorRequest(http.MethodPost, "/api/v1/approvals/r1/newsletter/resolve", token, `{"action":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.operatorRequest(http.MethodPost, "/api/v1/approvals/r1/newsletter/resolve", token, `{"action":"reject","reason":"stuck run"}`)
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := s.repo.Get(context.Background(), "r1", "newsletter")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rec.Status)
	assert.Equal(t, "operator", *rec.ApproverName)
	assert.Equal(t, "stuck run", *rec.Reason)

	w = s.operatorRequest(http.MethodGet, "/api/v1/approvals/r1", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"item_id":"newsletter"`)
}

func TestOperatorAPIDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.JWT.Secret = "" })
	code, _ := s.token(t, "s3cret")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	w := s.operatorRequest(http.MethodGet, "/api/v1/approvals/r1", "anything", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
