package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wifivoucher/backend/internal/models"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps concurrent writers serialized the way a
	// server-side database would
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, models.AutoMigrate(db))
	return New(db)
}

func issueOne(t *testing.T, l *Ledger, params BatchParams) models.Voucher {
	t.Helper()
	if params.Count == 0 {
		params.Count = 1
	}
	if params.DurationHours == 0 {
		params.DurationHours = 2
	}
	_, vouchers, err := l.IssueBatch(params)
	require.NoError(t, err)
	require.Len(t, vouchers, params.Count)
	return vouchers[0]
}

func TestIssueBatchValidation(t *testing.T) {
	l := newTestLedger(t)

	cases := []struct {
		name   string
		params BatchParams
	}{
		{"zero count", BatchParams{Count: 0, DurationHours: 1}},
		{"count over max", BatchParams{Count: MaxBatchSize + 1, DurationHours: 1}},
		{"zero duration", BatchParams{Count: 1, DurationHours: 0}},
		{"duration over max", BatchParams{Count: 1, DurationHours: MaxDurationHours + 1}},
		{"negative data limit", BatchParams{Count: 1, DurationHours: 1, DataLimitMB: ptrInt64(-5)}},
		{"zero speed limit", BatchParams{Count: 1, DurationHours: 1, SpeedLimitKbps: ptrInt(0)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := l.IssueBatch(tc.params)
			assert.ErrorIs(t, err, ErrInvalidGrant)
		})
	}
}

func TestIssueBatchUniqueCodes(t *testing.T) {
	l := newTestLedger(t)

	batchID, vouchers, err := l.IssueBatch(BatchParams{Count: 200, DurationHours: 4})
	require.NoError(t, err)
	require.Len(t, vouchers, 200)
	assert.Len(t, batchID, 8)

	seen := make(map[string]struct{}, len(vouchers))
	for _, v := range vouchers {
		assert.Equal(t, models.VoucherPending, v.Status)
		assert.Equal(t, batchID, v.BatchID)
		assert.Len(t, v.Code, models.CodeLength)
		_, dup := seen[v.Code]
		assert.False(t, dup, "duplicate code %s", v.Code)
		seen[v.Code] = struct{}{}
	}
}

func TestIssueBatchQRPayload(t *testing.T) {
	l := newTestLedger(t)

	v := issueOne(t, l, BatchParams{PortalBaseURL: "https://wifi.example.com"})
	assert.Equal(t, "https://wifi.example.com/captive?code="+v.Code, v.QRCodeData)
}

func TestRedeemActivatesVoucher(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{DurationHours: 3, DataLimitMB: ptrInt64(500)})

	session, err := l.Redeem(v.Code, "AA:BB:CC:DD:EE:FF", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, v.Code, session.Code)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", session.ClientMAC)
	assert.WithinDuration(t, session.StartedAt.Add(3*time.Hour), session.ExpiresAt, time.Second)

	stored, err := l.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherActive, stored.Status)
	assert.Equal(t, session.Token, stored.SessionToken)
}

func TestRedeemUnknownCode(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Redeem("NOTACODE", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedeemTwiceFails(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{})

	_, err := l.Redeem(v.Code, "", "")
	require.NoError(t, err)

	_, err = l.Redeem(v.Code, "", "")
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestLostRaceReportsWinningTransition(t *testing.T) {
	l := newTestLedger(t)

	// A conditional redemption update can lose not just to another redeemer
	// but to a redeem-by lapse or an admin disable landing in the same
	// window; the denial must reflect whichever transition won
	tests := []struct {
		status models.VoucherStatus
		want   error
	}{
		{models.VoucherActive, ErrAlreadyConsumed},
		{models.VoucherExpired, ErrExpired},
		{models.VoucherDisabled, ErrDisabled},
	}
	for _, tt := range tests {
		v := issueOne(t, l, BatchParams{})
		require.NoError(t, l.db.Model(&models.Voucher{}).
			Where("code = ?", v.Code).Update("status", tt.status).Error)
		assert.ErrorIs(t, l.lostRaceError(v.Code), tt.want, "status %s", tt.status)
	}

	// A voucher deleted mid-race still reads as consumed
	assert.ErrorIs(t, l.lostRaceError("GONECODE"), ErrAlreadyConsumed)
}

func TestRedeemConcurrentExactlyOnce(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{})

	const attempts = 32

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Redeem(v.Code, "", "")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyConsumed)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestRedeemAfterRedeemByLapses(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{})

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, l.db.Model(&models.Voucher{}).
		Where("code = ?", v.Code).Update("redeem_by", past).Error)

	_, err := l.Redeem(v.Code, "", "")
	assert.ErrorIs(t, err, ErrExpired)

	stored, err := l.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherExpired, stored.Status)
}

func TestRedeemDisabled(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{})

	require.NoError(t, l.Disable(v.Code))

	_, err := l.Redeem(v.Code, "", "")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestRecordUsage(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{DataLimitMB: ptrInt64(1)}) // 1 MB cap

	_, err := l.Redeem(v.Code, "", "")
	require.NoError(t, err)

	total, exceeded, err := l.RecordUsage(v.Code, 512*1024)
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024), total)
	assert.False(t, exceeded)

	total, exceeded, err = l.RecordUsage(v.Code, 600*1024)
	require.NoError(t, err)
	assert.Equal(t, int64(1112*1024), total)
	assert.True(t, exceeded)
}

func TestRecordUsageNoopAfterExpiry(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{DataLimitMB: ptrInt64(100)})

	_, err := l.Redeem(v.Code, "", "")
	require.NoError(t, err)

	transitioned, err := l.Expire(v.Code)
	require.NoError(t, err)
	require.True(t, transitioned)

	total, exceeded, err := l.RecordUsage(v.Code, 1<<20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.False(t, exceeded)

	stored, err := l.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Zero(t, stored.DataUsedBytes)
}

func TestExpireIdempotent(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{})

	_, err := l.Redeem(v.Code, "", "")
	require.NoError(t, err)

	transitioned, err := l.Expire(v.Code)
	require.NoError(t, err)
	assert.True(t, transitioned)

	transitioned, err = l.Expire(v.Code)
	require.NoError(t, err)
	assert.False(t, transitioned)

	// Pending vouchers are not expirable either
	v2 := issueOne(t, l, BatchParams{})
	transitioned, err = l.Expire(v2.Code)
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestExpireRecordsEarlyTermination(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{DurationHours: 24})

	_, err := l.Redeem(v.Code, "", "")
	require.NoError(t, err)

	_, err = l.Expire(v.Code)
	require.NoError(t, err)

	stored, err := l.GetByCode(v.Code)
	require.NoError(t, err)
	require.NotNil(t, stored.SessionEnd)
	assert.WithinDuration(t, time.Now().UTC(), *stored.SessionEnd, 5*time.Second)
}

func TestResetReturnsVoucherToPending(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{RedeemByDays: 7})

	_, err := l.Redeem(v.Code, "AA:BB:CC:DD:EE:FF", "10.0.0.9")
	require.NoError(t, err)
	_, _, err = l.RecordUsage(v.Code, 12345)
	require.NoError(t, err)
	_, err = l.Expire(v.Code)
	require.NoError(t, err)

	require.NoError(t, l.Reset(v.Code))

	stored, err := l.GetByCode(v.Code)
	require.NoError(t, err)
	assert.Equal(t, models.VoucherPending, stored.Status)
	assert.Empty(t, stored.SessionToken)
	assert.Empty(t, stored.ClientMAC)
	assert.Nil(t, stored.SessionStart)
	assert.Nil(t, stored.SessionEnd)
	assert.Nil(t, stored.RedeemBy)
	assert.Zero(t, stored.DataUsedBytes)

	// Reset vouchers are redeemable again
	_, err = l.Redeem(v.Code, "", "")
	assert.NoError(t, err)
}

func TestResetActiveRejected(t *testing.T) {
	l := newTestLedger(t)
	v := issueOne(t, l, BatchParams{})

	_, err := l.Redeem(v.Code, "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, l.Reset(v.Code), ErrInvalidState)
	assert.ErrorIs(t, l.Disable(v.Code), ErrInvalidState)
}

func TestListSnapshots(t *testing.T) {
	l := newTestLedger(t)

	metered := issueOne(t, l, BatchParams{DurationHours: 1, DataLimitMB: ptrInt64(100)})
	unmetered := issueOne(t, l, BatchParams{DurationHours: 1})
	lapsed := issueOne(t, l, BatchParams{DurationHours: 1})

	for _, code := range []string{metered.Code, unmetered.Code, lapsed.Code} {
		_, err := l.Redeem(code, "", "")
		require.NoError(t, err)
	}

	// Push one session's deadline into the past
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, l.db.Model(&models.Voucher{}).
		Where("code = ?", lapsed.Code).Update("session_end", past).Error)

	now := time.Now().UTC()

	expired, err := l.ListActiveExpiredBy(now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, lapsed.Code, expired[0].Code)

	meteredList, err := l.ListActiveMetered(now)
	require.NoError(t, err)
	require.Len(t, meteredList, 1)
	assert.Equal(t, metered.Code, meteredList[0].Code)

	active, err := l.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func ptrInt64(v int64) *int64 { return &v }
func ptrInt(v int) *int       { return &v }
