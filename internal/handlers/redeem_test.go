package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wifivoucher/backend/internal/config"
	"github.com/wifivoucher/backend/internal/coordinator"
	"github.com/wifivoucher/backend/internal/database"
	"github.com/wifivoucher/backend/internal/gateway"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/middleware"
	"github.com/wifivoucher/backend/internal/models"
)

// grantRecorder is the shared fake gateway behind every test router
type grantRecorder struct {
	mu     sync.Mutex
	grants map[string]struct{}
}

func (g *grantRecorder) Provision(ctx context.Context, code, secret, clientMAC string, limits gateway.Limits) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grants == nil {
		g.grants = make(map[string]struct{})
	}
	g.grants[code] = struct{}{}
	return nil
}

func (g *grantRecorder) Revoke(ctx context.Context, code, clientMAC string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, code)
	return nil
}

func (g *grantRecorder) FetchUsage(ctx context.Context, code, clientMAC string) (gateway.Usage, error) {
	return gateway.Usage{}, nil
}

func (g *grantRecorder) ProbeReachable(ctx context.Context) bool { return true }

type apiEnv struct {
	app    *fiber.App
	cfg    *config.Config
	ledger *ledger.Ledger
	coord  *coordinator.Coordinator
	gw     *grantRecorder
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	prevDB, prevRedis := database.DB, database.Redis
	database.DB, database.Redis = db, rdb
	t.Cleanup(func() {
		database.DB, database.Redis = prevDB, prevRedis
		rdb.Close()
	})

	cfg := &config.Config{
		JWTSecret:        "test-secret",
		JWTExpireHours:   1,
		AdminUsername:    "admin",
		AdminPassword:    "hunter2",
		PortalBaseURL:    "https://wifi.example.com",
		RedeemByDays:     30,
		ProvisionTimeout: time.Second,
		ProbeTimeout:     time.Second,
	}

	env := &apiEnv{
		cfg:    cfg,
		ledger: ledger.New(db),
		gw:     &grantRecorder{},
	}
	env.coord = coordinator.New(db, env.ledger, cfg.ProvisionTimeout)
	env.coord.SetGatewayFactory(func(r *models.Router) (gateway.Gateway, error) {
		return env.gw, nil
	})

	require.NoError(t, db.Create(&models.Router{
		Name:      "r1",
		Vendor:    models.VendorMikrotik,
		IPAddress: "10.0.0.1",
		IsActive:  true,
	}).Error)

	authHandler := NewAuthHandler(cfg)
	redeemHandler := NewRedeemHandler(env.coord, env.ledger)
	voucherHandler := NewVoucherHandler(cfg, env.ledger, env.coord)

	app := fiber.New()
	api := app.Group("/api")
	api.Post("/auth/login", authHandler.Login)
	api.Post("/portal/redeem", redeemHandler.Redeem)
	api.Get("/portal/sessions/:code", redeemHandler.Usage)

	protected := api.Group("", middleware.AuthRequired(cfg))
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/vouchers", voucherHandler.Issue)
	protected.Get("/vouchers/:code", voucherHandler.Get)
	protected.Post("/vouchers/:code/reset", voucherHandler.Reset)
	protected.Post("/vouchers/:code/disconnect", voucherHandler.Disconnect)

	env.app = app
	return env
}

func (e *apiEnv) request(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req, 5000)
	require.NoError(t, err)

	var parsed map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &parsed))
	}
	return resp, parsed
}

func (e *apiEnv) login(t *testing.T) string {
	t.Helper()
	resp, body := e.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin",
		"password": "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (e *apiEnv) issueCode(t *testing.T) string {
	t.Helper()
	_, vouchers, err := e.ledger.IssueBatch(ledger.BatchParams{
		Count:         1,
		DurationHours: 2,
		PortalBaseURL: e.cfg.PortalBaseURL,
	})
	require.NoError(t, err)
	return vouchers[0].Code
}

func TestRedeemEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	code := env.issueCode(t)

	resp, body := env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{
		"code":       code,
		"client_mac": "AA:BB:CC:DD:EE:FF",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, code, body["code"])
	assert.NotEmpty(t, body["session_token"])
	assert.NotEmpty(t, body["expires_at"])

	env.gw.mu.Lock()
	_, granted := env.gw.grants[code]
	env.gw.mu.Unlock()
	assert.True(t, granted)
}

func TestRedeemEndpointNormalizesInput(t *testing.T) {
	env := newAPIEnv(t)
	code := env.issueCode(t)

	spaced := code[:4] + "-" + code[4:]
	resp, body := env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{
		"code": spaced,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, code, body["code"])
}

func TestRedeemEndpointDenialCodes(t *testing.T) {
	env := newAPIEnv(t)
	code := env.issueCode(t)

	// Unknown code
	resp, body := env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{
		"code": "QQQQQQQQ",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, DenialNotFound, body["code"])

	// Second redemption
	_, _ = env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{"code": code})
	resp, body = env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{"code": code})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, DenialAlreadyUsed, body["code"])

	// Disabled voucher reads as expired
	disabled := env.issueCode(t)
	require.NoError(t, env.ledger.Disable(disabled))
	resp, body = env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{"code": disabled})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, DenialExpired, body["code"])
}

func TestSessionUsageEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	_, vouchers, err := env.ledger.IssueBatch(ledger.BatchParams{
		Count:         1,
		DurationHours: 2,
		DataLimitMB:   ptrInt64(10),
	})
	require.NoError(t, err)
	code := vouchers[0].Code

	_, err = env.ledger.Redeem(code, "", "")
	require.NoError(t, err)
	_, _, err = env.ledger.RecordUsage(code, 1024*1024)
	require.NoError(t, err)

	resp, body := env.request(t, http.MethodGet, "/api/portal/sessions/"+code, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(1024*1024), body["data_used_bytes"])
	assert.Equal(t, float64(10*1024*1024), body["data_limit_bytes"])
	assert.Equal(t, float64(9*1024*1024), body["data_remaining_bytes"])
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/vouchers", "", map[string]interface{}{"count": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/vouchers", "not-a-jwt", map[string]interface{}{"count": 1})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginAndIssueBatch(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t)

	resp, body := env.request(t, http.MethodPost, "/api/vouchers", token, map[string]interface{}{
		"count":          5,
		"duration_hours": 24,
		"data_limit_mb":  100,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(5), body["count"])
	assert.NotEmpty(t, body["batch_id"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutBlacklistsToken(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t)

	resp, _ := env.request(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDisconnectEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t)
	code := env.issueCode(t)

	_, _ = env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{"code": code})

	resp, body := env.request(t, http.MethodPost, fmt.Sprintf("/api/vouchers/%s/disconnect", code), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["disconnected"])

	voucher, err := env.ledger.GetByCode(code)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherExpired, voucher.Status)

	env.gw.mu.Lock()
	_, granted := env.gw.grants[code]
	env.gw.mu.Unlock()
	assert.False(t, granted)
}

func TestResetEndpointGuardsActiveSessions(t *testing.T) {
	env := newAPIEnv(t)
	token := env.login(t)
	code := env.issueCode(t)

	_, _ = env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{"code": code})

	// Active sessions cannot be reset
	resp, _ := env.request(t, http.MethodPost, fmt.Sprintf("/api/vouchers/%s/reset", code), token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Disconnect, then reset succeeds and the voucher is redeemable again
	_, _ = env.request(t, http.MethodPost, fmt.Sprintf("/api/vouchers/%s/disconnect", code), token, nil)
	resp, _ = env.request(t, http.MethodPost, fmt.Sprintf("/api/vouchers/%s/reset", code), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/api/portal/redeem", "", map[string]string{"code": code})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func ptrInt64(v int64) *int64 { return &v }
