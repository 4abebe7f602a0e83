//go:build !integration

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/domain/ports/adapter"
	"jobelix-api/internal/infra/db/memory"
	"jobelix-api/internal/infra/inproc"
	"jobelix-api/internal/infra/tokencache"
	"jobelix-api/internal/usecase"

	"github.com/rs/zerolog"
)

const (
	testSecret = "test-jwt-secret-0123456789abcdef0123"
	testOrigin = "https://app.jobelix.test"
)

// newTestLogger creates a silent logger for tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

type testEnv struct {
	store   *memory.Store
	auth    *AuthManager
	handler http.Handler
}

type envOpts struct {
	heartbeatLimit adapter.Limiter
	controlLimit   adapter.Limiter
	sessionUC      usecase.BotSessionUseCase
	requestTimeout time.Duration
}

func newTestEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()
	logger := newTestLogger()
	store := memory.NewStore()
	store.AddToken("tok-U", "user-U")
	store.AddToken("tok-V", "user-V")

	sessionUC := opts.sessionUC
	if sessionUC == nil {
		sessionUC = usecase.NewBotSessionUseCase(store, store, inproc.NewLocker(), 24*time.Hour, logger)
	}
	tokenUC := usecase.NewTokenUseCase(store, tokencache.New(time.Minute), nil, logger)
	timeout := opts.requestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	auth := NewAuthManager(testSecret, "", "", false, time.Hour)
	srv := NewServer(sessionUC, tokenUC, auth, NewOriginGuard([]string{testOrigin}),
		opts.heartbeatLimit, opts.controlLimit, timeout, logger)

	return &testEnv{store: store, auth: auth, handler: srv.Routes()}
}

func (e *testEnv) seed(userID string, status model.BotSessionStatus) *model.BotSession {
	s := model.NewBotSession(userID, time.Now().UTC())
	s.Status = status
	e.store.Put(s)
	return s
}

func (e *testEnv) do(req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	return rr, body
}

func jsonReq(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// userReq builds a cookie-authenticated request from the allowed origin.
func (e *testEnv) userReq(t *testing.T, method, path, userID string, body any) *http.Request {
	t.Helper()
	req := jsonReq(method, path, body)
	tok, err := e.auth.Sign(userID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "jobelix_session", Value: tok})
	req.Header.Set("Origin", testOrigin)
	return req
}

const (
	pathHeartbeat = "/api/autoapply/bot/heartbeat"
	pathComplete  = "/api/autoapply/bot/complete"
	pathStatus    = "/api/autoapply/bot/status"
	pathStop      = "/api/autoapply/bot/stop"
	pathStart     = "/api/autoapply/bot/start"
)

func TestHeartbeatStopScenario(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s1 := env.seed("user-U", model.BotSessionStarting)

	rr, body := env.do(jsonReq(http.MethodPost, pathHeartbeat, map[string]any{
		"token": "tok-U", "session_id": s1.ID, "stats": map[string]any{"jobs_found": 3},
	}))
	if rr.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("heartbeat: %d %s", rr.Code, rr.Body.String())
	}
	got, _ := env.store.Get(s1.ID)
	if got.Status != model.BotSessionRunning || got.JobsFound != 3 {
		t.Fatalf("unexpected state %+v", got)
	}

	rr, body = env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s1.ID}))
	if rr.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("stop: %d %s", rr.Code, rr.Body.String())
	}
	if msg, _ := body["message"].(string); msg == "" {
		t.Error("stop response must carry a message")
	}

	rr, body = env.do(jsonReq(http.MethodPost, pathHeartbeat, map[string]any{"token": "tok-U", "session_id": s1.ID}))
	if rr.Code != http.StatusConflict || body["stopped"] != true {
		t.Fatalf("expected 409 stopped, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestCompleteFailureScenario(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	done := env.seed("user-U", model.BotSessionCompleted)
	done.JobsFound, done.JobsApplied = 2, 1
	env.store.Put(done)

	s1 := env.seed("user-U", model.BotSessionRunning)
	s1.JobsFound = 50
	env.store.Put(s1)

	rr, _ := env.do(jsonReq(http.MethodPost, pathComplete, map[string]any{
		"token": "tok-U", "session_id": s1.ID, "success": false, "error_message": "Captcha blocked",
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	got, _ := env.store.Get(s1.ID)
	if got.Status != model.BotSessionFailed || got.ErrorMessage == nil || *got.ErrorMessage != "Captcha blocked" {
		t.Fatalf("unexpected state %+v", got)
	}

	rr, _ = env.do(env.userReq(t, http.MethodGet, pathStatus, "user-U", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rr.Code, rr.Body.String())
	}
	var st struct {
		Session          *model.BotSession      `json:"session"`
		HistoricalTotals model.HistoricalTotals `json:"historicalTotals"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.HistoricalTotals.JobsFound != 2 || st.HistoricalTotals.JobsApplied != 1 {
		t.Errorf("failed session must not count toward totals, got %+v", st.HistoricalTotals)
	}
	if st.Session == nil || st.Session.UserID != "user-U" {
		t.Errorf("expected the caller's latest session, got %+v", st.Session)
	}
}

func TestHeartbeatErrors(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	own := env.seed("user-U", model.BotSessionRunning)
	completed := env.seed("user-U", model.BotSessionCompleted)

	tests := []struct {
		name       string
		body       any
		header     string
		wantStatus int
		wantKey    string
	}{
		{"malformed json", "not-json", "", http.StatusBadRequest, ""},
		{"missing session id", map[string]any{"token": "tok-U"}, "", http.StatusBadRequest, ""},
		{"missing token", map[string]any{"session_id": own.ID}, "", http.StatusBadRequest, ""},
		{"unknown token", map[string]any{"token": "nope", "session_id": own.ID}, "", http.StatusUnauthorized, ""},
		{"foreign session", map[string]any{"token": "tok-V", "session_id": own.ID}, "", http.StatusNotFound, ""},
		{"missing session", map[string]any{"token": "tok-U", "session_id": "missing"}, "", http.StatusNotFound, ""},
		{"completed session", map[string]any{"token": "tok-U", "session_id": completed.ID}, "", http.StatusConflict, "completed"},
		{"bearer header fallback", map[string]any{"session_id": own.ID}, "Bearer tok-U", http.StatusOK, "success"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := jsonReq(http.MethodPost, pathHeartbeat, tt.body)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr, body := env.do(req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantKey != "" && body[tt.wantKey] != true {
				t.Errorf("expected %q=true in %s", tt.wantKey, rr.Body.String())
			}
			if rr.Code >= 400 {
				if _, ok := body["error"].(string); !ok {
					t.Errorf("error responses carry an error message, got %s", rr.Body.String())
				}
			}
		})
	}

	got, _ := env.store.Get(own.ID)
	if got.UserID != "user-U" {
		t.Error("foreign heartbeat changed ownership")
	}
}

func TestCompleteValidation(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.seed("user-U", model.BotSessionRunning)

	rr, _ := env.do(jsonReq(http.MethodPost, pathComplete, map[string]any{"token": "tok-U", "session_id": s.ID}))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing success flag: expected 400, got %d", rr.Code)
	}

	rr, _ = env.do(jsonReq(http.MethodPost, pathComplete, map[string]any{
		"token": "tok-U", "session_id": s.ID, "success": true, "final_stats": map[string]any{"jobs_applied": 4, "credits_used": -1},
	}))
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	got, _ := env.store.Get(s.ID)
	if got.Status != model.BotSessionCompleted || got.JobsApplied != 4 || got.CreditsUsed != 0 {
		t.Errorf("unexpected state %+v", got)
	}

	rr, body := env.do(jsonReq(http.MethodPost, pathComplete, map[string]any{"token": "tok-U", "session_id": s.ID, "success": true}))
	if rr.Code != http.StatusConflict || body["completed"] != true {
		t.Errorf("second complete: expected 409 completed, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	rr, _ := env.do(httptest.NewRequest(http.MethodGet, pathStatus, nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no cookie: expected 401, got %d", rr.Code)
	}

	forged := NewAuthManager("another-secret-0123456789abcdef012345", "", "", false, time.Hour)
	tok, _ := forged.Sign("user-U")
	req := httptest.NewRequest(http.MethodGet, pathStatus, nil)
	req.AddCookie(&http.Cookie{Name: "jobelix_session", Value: tok})
	rr, _ = env.do(req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("forged cookie: expected 401, got %d", rr.Code)
	}

	rr, _ = env.do(env.userReq(t, http.MethodGet, pathStatus, "user-U", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"session":null`) || !strings.Contains(rr.Body.String(), `"historicalTotals"`) {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
}

func TestStop(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	t.Run("cross-origin cookie request is refused", func(t *testing.T) {
		s := env.seed("user-U", model.BotSessionRunning)
		req := env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID})
		req.Header.Set("Origin", "https://evil.example")
		rr, _ := env.do(req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}

		req = env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID})
		req.Header.Del("Origin")
		rr, _ = env.do(req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("no origin: expected 403, got %d", rr.Code)
		}

		req = env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID})
		req.Header.Del("Origin")
		req.Header.Set("Referer", testOrigin+"/dashboard")
		rr, _ = env.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("matching referer: expected 200, got %d", rr.Code)
		}
	})

	t.Run("bearer session skips origin check", func(t *testing.T) {
		s := env.seed("user-U", model.BotSessionRunning)
		tok, _ := env.auth.Sign("user-U")
		req := jsonReq(http.MethodPost, pathStop, map[string]any{"session_id": s.ID})
		req.Header.Set("Authorization", "Bearer "+tok)
		rr, _ := env.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("repeated stop is idempotent", func(t *testing.T) {
		s := env.seed("user-U", model.BotSessionRunning)
		rr, _ := env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID}))
		if rr.Code != http.StatusOK {
			t.Fatalf("first stop: %d", rr.Code)
		}
		first, _ := env.store.Get(s.ID)

		rr, body := env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID}))
		if rr.Code != http.StatusOK || body["success"] != true {
			t.Fatalf("second stop: %d %s", rr.Code, rr.Body.String())
		}
		if body["message"] != "Session already stopped" {
			t.Errorf("unexpected message %v", body["message"])
		}
		second, _ := env.store.Get(s.ID)
		if !second.CompletedAt.Equal(*first.CompletedAt) {
			t.Error("completed_at moved on repeated stop")
		}
	})

	t.Run("finished sessions conflict", func(t *testing.T) {
		for _, st := range []model.BotSessionStatus{model.BotSessionCompleted, model.BotSessionFailed} {
			s := env.seed("user-U", st)
			rr, _ := env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID}))
			if rr.Code != http.StatusConflict {
				t.Errorf("%s: expected 409, got %d", st, rr.Code)
			}
			got, _ := env.store.Get(s.ID)
			if got.Status != st || got.CompletedAt != nil {
				t.Errorf("%s: record mutated", st)
			}
		}
	})

	t.Run("foreign session and missing id", func(t *testing.T) {
		s := env.seed("user-V", model.BotSessionRunning)
		rr, _ := env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID}))
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
		rr, _ = env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{}))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestStart(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	rr, body := env.do(env.userReq(t, http.MethodPost, pathStart, "user-U", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	id, _ := body["session_id"].(string)
	if s, ok := env.store.Get(id); !ok || s.Status != model.BotSessionStarting || s.UserID != "user-U" {
		t.Fatalf("session not created as starting: %+v", s)
	}

	rr, _ = env.do(env.userReq(t, http.MethodPost, pathStart, "user-U", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", rr.Code)
	}
}

func TestRateLimits(t *testing.T) {
	env := newTestEnv(t, envOpts{
		heartbeatLimit: inproc.NewLimiter(1, time.Minute),
		controlLimit:   inproc.NewLimiter(1, time.Minute),
	})
	s := env.seed("user-U", model.BotSessionRunning)

	hb := func() int {
		rr, _ := env.do(jsonReq(http.MethodPost, pathHeartbeat, map[string]any{"token": "tok-U", "session_id": s.ID}))
		return rr.Code
	}
	if code := hb(); code != http.StatusOK {
		t.Fatalf("first heartbeat: %d", code)
	}
	if code := hb(); code != http.StatusTooManyRequests {
		t.Errorf("second heartbeat: expected 429, got %d", code)
	}

	rr, _ := env.do(jsonReq(http.MethodPost, pathHeartbeat, map[string]any{"token": "tok-V", "session_id": "x"}))
	if rr.Code == http.StatusTooManyRequests {
		t.Error("budgets are per user")
	}

	stop := func() int {
		rr, _ := env.do(env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": s.ID}))
		return rr.Code
	}
	if code := stop(); code != http.StatusOK {
		t.Fatalf("first stop: %d", code)
	}
	if code := stop(); code != http.StatusTooManyRequests {
		t.Errorf("second stop: expected 429, got %d", code)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestRateLimiterOutageFailsOpen(t *testing.T) {
	env := newTestEnv(t, envOpts{heartbeatLimit: brokenLimiter{}})
	s := env.seed("user-U", model.BotSessionRunning)
	rr, _ := env.do(jsonReq(http.MethodPost, pathHeartbeat, map[string]any{"token": "tok-U", "session_id": s.ID}))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

// failingSessionUC fails every call with a storage-looking error.
type failingSessionUC struct {
	usecase.BotSessionUseCase
}

var errDB = errors.New("pq: relation bot_sessions does not exist")

func (failingSessionUC) Heartbeat(context.Context, string, usecase.HeartbeatInput) error {
	return errDB
}
func (failingSessionUC) GetStatus(context.Context, string) (*usecase.StatusResult, error) {
	return nil, errDB
}
func (failingSessionUC) Stop(context.Context, string, string) (bool, error) {
	return false, errDB
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	env := newTestEnv(t, envOpts{sessionUC: failingSessionUC{}})

	reqs := []*http.Request{
		jsonReq(http.MethodPost, pathHeartbeat, map[string]any{"token": "tok-U", "session_id": "s"}),
		env.userReq(t, http.MethodGet, pathStatus, "user-U", nil),
		env.userReq(t, http.MethodPost, pathStop, "user-U", map[string]any{"session_id": "s"}),
	}
	for _, req := range reqs {
		rr, body := env.do(req)
		if rr.Code != http.StatusInternalServerError {
			t.Errorf("%s: expected 500, got %d", req.URL.Path, rr.Code)
		}
		if body["error"] != msgInternal || strings.Contains(rr.Body.String(), "relation") {
			t.Errorf("%s: leaked detail %s", req.URL.Path, rr.Body.String())
		}
	}
}

func TestHealthAndTrace(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Errorf("health: %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-Id") != "abc-123" {
		t.Error("request id not echoed")
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, pathHeartbeat, nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET heartbeat: expected 405, got %d", rr.Code)
	}
}

func TestMalformedStatsAreIgnored(t *testing.T) {
	env := newTestEnv(t, envOpts{})
	s := env.seed("user-U", model.BotSessionStarting)

	for _, stats := range []any{"x", 7, []any{1, 2}, nil} {
		rr, _ := env.do(jsonReq(http.MethodPost, pathHeartbeat, map[string]any{
			"token": "tok-U", "session_id": s.ID, "stats": stats,
		}))
		if rr.Code != http.StatusOK {
			t.Errorf("stats %v: expected 200, got %d", stats, rr.Code)
		}
	}
	got, _ := env.store.Get(s.ID)
	if got.Status != model.BotSessionRunning || got.JobsFound != 0 {
		t.Errorf("unexpected state %+v", got)
	}

	rr, _ := env.do(jsonReq(http.MethodPost, pathComplete, map[string]any{
		"token": "tok-U", "session_id": s.ID, "success": true, "final_stats": "done",
	}))
	if rr.Code != http.StatusOK {
		t.Errorf("complete with string final_stats: expected 200, got %d", rr.Code)
	}
}

// slowSessionUC blocks until the request context ends.
type slowSessionUC struct {
	usecase.BotSessionUseCase
}

func (slowSessionUC) GetStatus(ctx context.Context, _ string) (*usecase.StatusResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequestTimeoutReturns504(t *testing.T) {
	env := newTestEnv(t, envOpts{sessionUC: slowSessionUC{}, requestTimeout: 20 * time.Millisecond})

	rr, body := env.do(env.userReq(t, http.MethodGet, pathStatus, "user-U", nil))
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rr.Code)
	}
	if body["error"] != msgTimeout {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
}

func TestResponseWriterKeepsFlusher(t *testing.T) {
	var flushable bool
	h := Metrics(RequestLog(newTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusAccepted)
	})))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
	if !flushable {
		t.Error("wrapped writer must still implement http.Flusher")
	}
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rr.Code)
	}
}
