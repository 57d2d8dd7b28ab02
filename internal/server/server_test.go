package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/storeboost/autobill/internal/clock"
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/gateway"
	"github.com/storeboost/autobill/internal/lock"
	"github.com/storeboost/autobill/internal/notifier"
	"github.com/storeboost/autobill/internal/scheduler"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"github.com/storeboost/autobill/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGateway struct {
	result *gateway.ChargeResult
}

func (g *stubGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	result := *g.result
	result.OrderID = req.OrderID
	return &result, nil
}

func newTestServer(t *testing.T) (*Server, *gorm.DB, *stubGateway) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Subscription{},
		&domain.BillingKey{},
		&domain.PaymentRecord{},
		&domain.RetryCounter{},
		&lock.SchedulerLock{},
	))

	log := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Date(2026, time.March, 10, 6, 0, 0, 0, domain.Location()))
	repo := repository.New(db, fakeClock, "basic", log)
	gw := &stubGateway{result: &gateway.ChargeResult{Success: true, ResultCode: "0000", TID: "tid-1"}}
	tunables := config.NewStaticSchedulerTunablesHolder(config.DefaultSchedulerTunables())
	cfg := config.Config{
		HTTPAddr: ":0",
		Gateway:  config.GatewayConfig{ChargeAmount: 9900, GoodsName: "월 구독"},
		Scheduler: config.SchedulerConfig{
			Timezone:       "Asia/Seoul",
			SettlementSpec: "0 6 * * *",
			RetrySpec:      "0 13 * * *",
			BaselinePlan:   "basic",
		},
	}
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	sched := scheduler.New(repo, gw, notifier.NewNoop(log), lock.NewGormStore(db, fakeClock, log),
		scheduler.NewMemoryRetryTracker(), fakeClock, tunables, cfg, node, log)
	return New(cfg, sched, log), db, gw
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/internal/scheduler/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status scheduler.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.IsRunning)
	assert.Equal(t, 100, status.BatchSize)
}

func TestManualPaymentEndpointSuccess(t *testing.T) {
	srv, db, _ := newTestServer(t)
	require.NoError(t, db.Create(&domain.Subscription{
		UID:       "u1",
		Status:    domain.SubscriptionStatusActive,
		Plan:      "pro",
		StartDate: time.Date(2026, time.February, 8, 0, 0, 0, 0, domain.Location()),
		EndDate:   time.Date(2026, time.March, 10, 0, 0, 0, 0, domain.Location()),
	}).Error)
	require.NoError(t, db.Create(&domain.BillingKey{
		UID: "u1", Key: "BIKY-u1", Status: domain.BillingKeyStatusActive,
	}).Error)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/scheduler/payments/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var result scheduler.ManualResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.OrderID)
}

func TestManualPaymentEndpointDeclined(t *testing.T) {
	srv, db, gw := newTestServer(t)
	gw.result = &gateway.ChargeResult{Success: false, ResultCode: "3001", ResultMsg: "한도초과"}
	require.NoError(t, db.Create(&domain.Subscription{
		UID:       "u1",
		Status:    domain.SubscriptionStatusActive,
		Plan:      "pro",
		StartDate: time.Date(2026, time.February, 8, 0, 0, 0, 0, domain.Location()),
		EndDate:   time.Date(2026, time.March, 10, 0, 0, 0, 0, domain.Location()),
	}).Error)
	require.NoError(t, db.Create(&domain.BillingKey{
		UID: "u1", Key: "BIKY-u1", Status: domain.BillingKeyStatusActive,
	}).Error)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/scheduler/payments/u1", nil))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestManualPaymentEndpointUnknownSubscriber(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/scheduler/payments/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
