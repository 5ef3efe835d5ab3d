package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifivoucher/backend/internal/gateway"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/models"
)

func newTestRetryWorker(env *testEnv) *ProvisionRetryService {
	return NewProvisionRetryService(env.db, env.ledger, env.coord, time.Second)
}

func (e *testEnv) queueRetry(t *testing.T, code string, attempts int, next time.Time) models.ProvisionRetry {
	t.Helper()
	item := models.ProvisionRetry{
		VoucherCode: code,
		RouterID:    e.router.ID,
		Attempts:    attempts,
		NextAttempt: next,
	}
	require.NoError(t, e.db.Create(&item).Error)
	return item
}

func (e *testEnv) retryRows(t *testing.T) []models.ProvisionRetry {
	t.Helper()
	var rows []models.ProvisionRetry
	require.NoError(t, e.db.Find(&rows).Error)
	return rows
}

func TestRetryConvergesAndDropsItem(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, 1, time.Now().UTC().Add(-time.Second))

	newTestRetryWorker(env).Drain()

	env.gw.mu.Lock()
	_, provisioned := env.gw.provisioned[v.Code]
	env.gw.mu.Unlock()
	assert.True(t, provisioned)
	assert.Empty(t, env.retryRows(t))
}

func TestRetryNotDueYet(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, 1, time.Now().UTC().Add(time.Hour))

	newTestRetryWorker(env).Drain()

	env.gw.mu.Lock()
	_, provisioned := env.gw.provisioned[v.Code]
	env.gw.mu.Unlock()
	assert.False(t, provisioned)
	assert.Len(t, env.retryRows(t), 1)
}

func TestRetryBacksOffOnFailure(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, 1, time.Now().UTC().Add(-time.Second))

	env.gw.setFailure(&gateway.Error{Kind: gateway.Unreachable, Op: "dial", Err: errors.New("refused")})

	w := newTestRetryWorker(env)
	w.Drain()

	rows := env.retryRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.False(t, rows[0].Abandoned)
	assert.Contains(t, rows[0].LastError, "refused")
	assert.True(t, rows[0].NextAttempt.After(time.Now().UTC().Add(time.Minute)))
}

func TestRetryAbandonsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, maxProvisionAttempts-1, time.Now().UTC().Add(-time.Second))

	env.gw.setFailure(&gateway.Error{Kind: gateway.Unreachable, Op: "dial", Err: errors.New("refused")})

	newTestRetryWorker(env).Drain()

	rows := env.retryRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, maxProvisionAttempts, rows[0].Attempts)
	assert.True(t, rows[0].Abandoned)

	// Abandoned rows are never picked up again
	env.gw.setFailure(nil)
	newTestRetryWorker(env).Drain()
	rows = env.retryRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, maxProvisionAttempts, rows[0].Attempts)
}

func TestRetryAbandonsNonRetryableFailure(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, 1, time.Now().UTC().Add(-time.Second))

	env.gw.setFailure(&gateway.Error{Kind: gateway.AuthRejected, Op: "login", Err: errors.New("bad credentials")})

	newTestRetryWorker(env).Drain()

	// One attempt, no backoff churn: credentials do not fix themselves
	rows := env.retryRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.True(t, rows[0].Abandoned)
	assert.Contains(t, rows[0].LastError, "bad credentials")

	env.gw.setFailure(nil)
	newTestRetryWorker(env).Drain()
	rows = env.retryRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Attempts)
}

func TestRetryDropsWhenVoucherNoLongerActive(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, 1, time.Now().UTC().Add(-time.Second))

	_, err := env.ledger.Expire(v.Code)
	require.NoError(t, err)

	newTestRetryWorker(env).Drain()

	assert.Empty(t, env.retryRows(t))
	env.gw.mu.Lock()
	_, provisioned := env.gw.provisioned[v.Code]
	env.gw.mu.Unlock()
	assert.False(t, provisioned)
}

func TestRetryDropsWhenVoucherDeleted(t *testing.T) {
	env := newTestEnv(t)
	env.queueRetry(t, "GONECODE", 1, time.Now().UTC().Add(-time.Second))

	newTestRetryWorker(env).Drain()

	assert.Empty(t, env.retryRows(t))
}

func TestRetryParksWhileRouterDisabled(t *testing.T) {
	env := newTestEnv(t)
	v := env.redeemed(t, ledger.BatchParams{})
	env.queueRetry(t, v.Code, 1, time.Now().UTC().Add(-time.Second))

	require.NoError(t, env.db.Model(&models.Router{}).
		Where("id = ?", env.router.ID).Update("is_active", false).Error)

	newTestRetryWorker(env).Drain()

	rows := env.retryRows(t)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Abandoned)
	assert.Equal(t, 2, rows[0].Attempts)
	assert.Contains(t, rows[0].LastError, "router disabled")
}
