package btrainer

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

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fllarpell/btrainer/internal/config"
	"github.com/Fllarpell/btrainer/internal/http/handlers/payment"
	"github.com/Fllarpell/btrainer/internal/lib/jwt"
	"github.com/Fllarpell/btrainer/internal/models"
	"github.com/Fllarpell/btrainer/internal/storage/inmemory"
)

const (
	adminExternalID = 777
	webhookSecret   = "whsec"
	jwtSecret       = "jwt-secret"
)

type envelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

type client struct {
	t      *testing.T
	router http.Handler
}

func (c client) do(method, path, token string, body any) (int, envelope) {
	c.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if path == "/api/v1/payments/confirm" {
		req.Header.Set(payment.SignatureHeader, payment.Sign(webhookSecret, raw))
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && json.Valid(rec.Body.Bytes()) {
		require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func testConfig(featureURL string) *config.Config {
	return &config.Config{
		AdminIDs:    []int64{adminExternalID},
		Entitlement: config.Entitlement{MaxRetries: 3, DefaultTrialDays: 7},
		Plans: []models.Plan{
			{Code: "month", Title: "Месяц", DurationDays: 30, Amount: 49900, Currency: "RUB"},
		},
		Gate: config.Gate{
			Allowlist:    []string{"help", "plans", "subscribe", "payment"},
			BootstrapTag: "start",
			RateLimit:    1000,
			RateBurst:    1000,
		},
		Payment:        config.Payment{WebhookSecret: webhookSecret, ProviderToken: "provider"},
		JWTToken:       config.JWTToken{JWTSecretKey: jwtSecret, TokenTTL: time.Hour},
		FeatureService: config.FeatureService{URL: featureURL, Timeout: time.Second},
	}
}

func setupRouter(t *testing.T) client {
	t.Helper()
	return setupRouterWith(t, func(*config.Config) {})
}

func setupRouterWith(t *testing.T, tune func(*config.Config)) client {
	t.Helper()
	feature := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"text":"Вот ваш кейс"}`))
	}))
	t.Cleanup(feature.Close)

	cfg := testConfig(feature.URL)
	tune(cfg)

	r := chi.NewRouter()
	RegisterRoutes(r, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Dependencies{
		Store:    inmemory.New(),
		Registry: prometheus.NewRegistry(),
		Clock:    time.Now,
	})
	return client{t: t, router: r}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRoutes_TrialToPaidSubscription(t *testing.T) {
	c := setupRouter(t)

	code, env := c.do(http.MethodPost, "/api/v1/users", "", map[string]any{"external_id": 42, "username": "alice"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	user := decode[struct {
		User models.User `json:"user"`
	}](t, env.Data).User

	code, env = c.do(http.MethodPost, "/api/v1/access/check", "", map[string]any{"external_id": 42, "kind": "text", "tag": "case"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"deny_no_entitlement"`)

	code, env = c.do(http.MethodPost, "/api/v1/users", "", map[string]any{"external_id": adminExternalID})
	require.Equal(t, http.StatusCreated, code)
	admin := decode[struct {
		User models.User `json:"user"`
	}](t, env.Data).User
	assert.Equal(t, models.RoleAdmin, admin.Role)

	token, err := jwt.NewJWTMaker(jwtSecret, time.Hour).GenerateToken(adminExternalID, "boss", "admin")
	require.NoError(t, err)

	code, env = c.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/users/%d/trial", user.ID), token, nil)
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = c.do(http.MethodPost, "/api/v1/updates", "", map[string]any{"external_id": 42, "kind": "text", "tag": "case"})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Contains(t, string(env.Data), `"decision":"allow"`)
	assert.Contains(t, string(env.Data), "Вот ваш кейс")

	code, env = c.do(http.MethodPost, "/api/v1/payments/intents", "", map[string]any{"user_id": user.ID, "plan_code": "month"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	invoice := decode[struct {
		Key string `json:"key"`
	}](t, env.Data)
	require.NotEmpty(t, invoice.Key)

	code, env = c.do(http.MethodPost, "/api/v1/payments/precheckout", "", map[string]any{"idempotency_key": invoice.Key})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"ok":true`)

	confirm := map[string]any{"idempotency_key": invoice.Key, "provider_charge_id": "ch-1"}
	code, env = c.do(http.MethodPost, "/api/v1/payments/confirm", "", confirm)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Contains(t, string(env.Data), `"duplicate":false`)

	code, env = c.do(http.MethodPost, "/api/v1/payments/confirm", "", confirm)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"duplicate":true`)

	code, env = c.do(http.MethodGet, fmt.Sprintf("/api/v1/admin/users/%d", user.ID), token, nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	got := decode[models.User](t, env.Data)
	assert.Equal(t, models.StatusActive, got.Entitlement.Status)
	assert.True(t, got.Entitlement.ConvertedFromTrial)
	assert.Equal(t, int64(1), got.RequestCount)
	require.NotNil(t, got.Entitlement.CurrentPlanName)
	assert.Equal(t, "month", *got.Entitlement.CurrentPlanName)

	code, env = c.do(http.MethodGet, "/api/v1/admin/logs", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), string(models.ActionTrialGranted))
}

func TestRoutes_AdminRequiresToken(t *testing.T) {
	c := setupRouter(t)

	code, _ := c.do(http.MethodGet, "/api/v1/admin/logs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	userToken, err := jwt.NewJWTMaker(jwtSecret, time.Hour).GenerateToken(42, "alice", "user")
	require.NoError(t, err)
	code, _ = c.do(http.MethodGet, "/api/v1/admin/logs", userToken, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Роль admin в токене без аккаунта администратора не даёт доступа.
	adminToken, err := jwt.NewJWTMaker(jwtSecret, time.Hour).GenerateToken(adminExternalID, "boss", "admin")
	require.NoError(t, err)
	code, _ = c.do(http.MethodGet, "/api/v1/admin/logs", adminToken, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRoutes_Metrics(t *testing.T) {
	c := setupRouter(t)
	c.do(http.MethodPost, "/api/v1/access/check", "", map[string]any{"external_id": 5, "kind": "text"})

	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `btrainer_gate_decisions_total{decision="deny_no_account"} 1`)
}

func TestRoutes_PreCheckoutIsNotRateLimited(t *testing.T) {
	c := setupRouterWith(t, func(cfg *config.Config) {
		cfg.Gate.RateLimit = 0.001
		cfg.Gate.RateBurst = 1
	})

	code, _ := c.do(http.MethodGet, "/api/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = c.do(http.MethodGet, "/api/v1/plans", "", nil)
	require.Equal(t, http.StatusTooManyRequests, code)

	for range 5 {
		code, env := c.do(http.MethodPost, "/api/v1/payments/precheckout", "", map[string]any{"idempotency_key": "unknown"})
		assert.Equal(t, http.StatusOK, code, env.Error)
	}
}
