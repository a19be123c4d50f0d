package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/customergpt/waitlist/internal/api/waitlist"
	"github.com/customergpt/waitlist/internal/config"
	"github.com/customergpt/waitlist/internal/middleware"
	"github.com/customergpt/waitlist/internal/ratelimit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{SignupPath: "/waitlist-signup"},
		RateLimit: config.RateLimitConfig{
			Backend:     "postgres",
			MaxAttempts: 5,
			Window:      10 * time.Minute,
			Endpoint:    "waitlist",
		},
		Email: config.EmailConfig{Provider: "disabled"},
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return body
}

func newTestRouter(t *testing.T, cfg *config.Config, db *sql.DB, rdb *redis.Client) *gin.Engine {
	t.Helper()
	router, bg, err := NewRouter(cfg, db, rdb)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(bg.Shutdown)
	return router
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func TestHealthCheckHandler_Healthy(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if _, ok := body["time"]; !ok {
		t.Error("response missing 'time' field")
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	db := newHealthDB(t, false)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func TestReadinessHandler_Ready_NoRedis(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
	checks := body["checks"].(map[string]interface{})
	if _, ok := checks["redis"]; ok {
		t.Error("redis check reported although redis is not configured")
	}
}

func TestReadinessHandler_Ready_WithRedis(t *testing.T) {
	db := newHealthDB(t, true)
	_, rdb := newRedis(t)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, rdb))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	checks := decodeBody(t, w)["checks"].(map[string]interface{})
	if checks["redis"] != "healthy" {
		t.Errorf("checks.redis = %v, want healthy", checks["redis"])
	}
}

func TestReadinessHandler_DatabaseNotReady(t *testing.T) {
	db := newHealthDB(t, false)

	r := gin.New()
	r.GET("/ready", readinessHandler(db, nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	if body["ready"] != false {
		t.Errorf("ready = %v, want false", body["ready"])
	}
	if body["error"] != "database not ready" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestReadinessHandler_RedisNotReady(t *testing.T) {
	db := newHealthDB(t, true)
	mr, rdb := newRedis(t)
	mr.Close()

	r := gin.New()
	r.GET("/ready", readinessHandler(db, rdb))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "redis not ready" {
		t.Errorf("error = %v", body["error"])
	}
	checks := body["checks"].(map[string]interface{})
	if checks["database"] != "healthy" || checks["redis"] != "unhealthy" {
		t.Errorf("checks = %v", checks)
	}
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["version"] != Version {
		t.Errorf("version = %v, want %s", body["version"], Version)
	}
}

// ---------------------------------------------------------------------------
// newLimiter
// ---------------------------------------------------------------------------

func TestNewLimiter_Backends(t *testing.T) {
	_, rdb := newRedis(t)

	cfg := testConfig()
	l, err := newLimiter(cfg, nil, nil)
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if _, ok := l.(*ratelimit.WindowLimiter); !ok {
		t.Errorf("postgres backend = %T, want *ratelimit.WindowLimiter", l)
	}

	cfg.RateLimit.Backend = "redis"
	l, err = newLimiter(cfg, nil, rdb)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if _, ok := l.(*ratelimit.RedisLimiter); !ok {
		t.Errorf("redis backend = %T, want *ratelimit.RedisLimiter", l)
	}

	if _, err := newLimiter(cfg, nil, nil); err == nil {
		t.Error("expected error for redis backend without a client")
	}

	cfg.RateLimit.Backend = "memcached"
	if _, err := newLimiter(cfg, nil, rdb); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestNewRouter_UnknownEmailProvider(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cfg := testConfig()
	cfg.Email.Provider = "carrier-pigeon"
	if _, _, err := NewRouter(cfg, db, nil); err == nil {
		t.Fatal("expected error for unknown email provider")
	}
}

// ---------------------------------------------------------------------------
// NewRouter: signup route wiring
// ---------------------------------------------------------------------------

func TestNewRouter_SignupPreflight(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	router := newTestRouter(t, testConfig(), db, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/waitlist-signup", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("missing X-Request-ID header")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("preflight touched the database: %v", err)
	}
}

func TestNewRouter_SignupMethodNotAllowed(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	router := newTestRouter(t, testConfig(), db, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/waitlist-signup", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if body := decodeBody(t, w); body["error"] != waitlist.MsgMethodNotAllowed {
		t.Errorf("error = %v", body["error"])
	}
}

func TestNewRouter_SignupCreated_PostgresBackend(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	attemptCols := []string{"id", "ip_address", "endpoint", "attempts", "first_attempt_at", "last_attempt_at"}
	mock.ExpectQuery("SELECT id, ip_address, endpoint").
		WithArgs("203.0.113.7", "waitlist", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(attemptCols))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs("203.0.113.7|waitlist").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id\\s+FROM rate_limit_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO rate_limit_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO waitlist").
		WithArgs(sqlmock.AnyArg(), "Ada", "ada@example.com", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	router := newTestRouter(t, testConfig(), db, nil)

	req := httptest.NewRequest(http.MethodPost, "/waitlist-signup",
		strings.NewReader(`{"name":"Ada","email":"  Ada@Example.com "}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["message"] != waitlist.MsgCreated {
		t.Errorf("message = %v", body["message"])
	}
	if body["emailSent"] != false {
		t.Errorf("emailSent = %v, want false with the disabled provider", body["emailSent"])
	}
	data := body["data"].(map[string]interface{})
	if data["email"] != "ada@example.com" {
		t.Errorf("data.email = %v, want normalized address", data["email"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// expectSignupStored queues the sqlmock calls of one accepted signup on the
// postgres backend: the window check, the locked attempt upsert and the insert.
func expectSignupStored(mock sqlmock.Sqlmock, ip, name, email string) {
	attemptCols := []string{"id", "ip_address", "endpoint", "attempts", "first_attempt_at", "last_attempt_at"}
	mock.ExpectQuery("SELECT id, ip_address, endpoint").
		WithArgs(ip, "waitlist", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(attemptCols))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").
		WithArgs(ip + "|waitlist").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id\\s+FROM rate_limit_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO rate_limit_attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO waitlist").
		WithArgs(sqlmock.AnyArg(), name, email, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func postSignup(router http.Handler, ip, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/waitlist-signup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNewRouter_InvalidSubmissionsDoNotExhaustThrottle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// Shipped defaults: enabled, 60 req/min, burst 10.
	cfg := testConfig()
	cfg.Throttle = config.ThrottleConfig{Enabled: true, RequestsPerMinute: 60, Burst: 10}

	const ip = "198.51.100.4"
	const invalid = 15
	attemptCols := []string{"id", "ip_address", "endpoint", "attempts", "first_attempt_at", "last_attempt_at"}
	for i := 0; i < invalid; i++ {
		mock.ExpectQuery("SELECT id, ip_address, endpoint").
			WithArgs(ip, "waitlist", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(attemptCols))
	}
	expectSignupStored(mock, ip, "Ada", "ada@example.com")

	router := newTestRouter(t, cfg, db, nil)

	for i := 0; i < invalid; i++ {
		w := postSignup(router, ip, `{"email":"ada@example.com"}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("invalid request %d status = %d, want 400", i+1, w.Code)
		}
		if body := decodeBody(t, w); body["error"] != waitlist.MsgNameRequired {
			t.Fatalf("invalid request %d error = %v", i+1, body["error"])
		}
	}

	w := postSignup(router, ip, `{"name":"Ada","email":"ada@example.com"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("valid request after %d invalid ones: status = %d, want 201; body %s", invalid, w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestNewRouter_SignupThrottled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cfg := testConfig()
	cfg.Throttle = config.ThrottleConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}

	const ip = "198.51.100.4"
	expectSignupStored(mock, ip, "Ada", "ada@example.com")
	// The second valid submission passes the window check and is then
	// refused by the throttle before anything is written.
	attemptCols := []string{"id", "ip_address", "endpoint", "attempts", "first_attempt_at", "last_attempt_at"}
	mock.ExpectQuery("SELECT id, ip_address, endpoint").
		WithArgs(ip, "waitlist", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(attemptCols))

	router := newTestRouter(t, cfg, db, nil)

	if w := postSignup(router, ip, `{"name":"Ada","email":"ada@example.com"}`); w.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201; body %s", w.Code, w.Body.String())
	}

	w := postSignup(router, ip, `{"name":"Bob","email":"bob@example.com"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("throttled response lost CORS header: %q", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	body := decodeBody(t, w)
	if body["error"] != waitlist.MsgTooManyAttempts {
		t.Errorf("error = %v", body["error"])
	}

	// Preflights are never throttled.
	pre := httptest.NewRecorder()
	router.ServeHTTP(pre, httptest.NewRequest(http.MethodOptions, "/waitlist-signup", nil))
	if pre.Code != http.StatusOK {
		t.Errorf("preflight after throttling = %d, want 200", pre.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestNewRouter_RecoversPanics(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	router := newTestRouter(t, testConfig(), db, nil)
	router.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != waitlist.MsgInternalError {
		t.Errorf("error = %v", body["error"])
	}
}

func TestBackgroundServices_ShutdownEmpty(t *testing.T) {
	(&BackgroundServices{}).Shutdown()
}
