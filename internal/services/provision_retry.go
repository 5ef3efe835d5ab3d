package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/wifivoucher/backend/internal/coordinator"
	"github.com/wifivoucher/backend/internal/gateway"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/models"
)

const (
	maxProvisionAttempts = 5
	retryBackoffBase     = time.Minute
)

// ProvisionRetryService drains the provisioning retry queue. Redemption
// commits to the ledger even when routers are down; this worker pushes the
// grant to each failed router until it sticks, the voucher leaves the active
// state, or the attempt budget runs out.
type ProvisionRetryService struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	coord    *coordinator.Coordinator
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	runMu    sync.Mutex
	now      func() time.Time
}

func NewProvisionRetryService(db *gorm.DB, l *ledger.Ledger, coord *coordinator.Coordinator, interval time.Duration) *ProvisionRetryService {
	return &ProvisionRetryService{
		db:       db,
		ledger:   l,
		coord:    coord,
		interval: interval,
		stopChan: make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the retry background job
func (s *ProvisionRetryService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("ProvisionRetryService started, draining every %v", s.interval)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Drain()
			case <-s.stopChan:
				log.Println("ProvisionRetryService stopped")
				return
			}
		}
	}()
}

// Stop stops the retry service and waits for the current drain to finish
func (s *ProvisionRetryService) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// Drain processes every due retry once. Exported for tests.
func (s *ProvisionRetryService) Drain() {
	if !s.runMu.TryLock() {
		return
	}
	defer s.runMu.Unlock()

	now := s.now()

	var due []models.ProvisionRetry
	if err := s.db.Where("abandoned = ? AND next_attempt <= ?", false, now).Find(&due).Error; err != nil {
		log.Printf("ProvisionRetry: failed to list due retries: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	log.Printf("ProvisionRetry: %d retry item(s) due", len(due))
	for i := range due {
		s.process(&due[i], now)
	}
}

func (s *ProvisionRetryService) process(item *models.ProvisionRetry, now time.Time) {
	voucher, err := s.ledger.GetByCode(item.VoucherCode)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.drop(item)
			return
		}
		log.Printf("ProvisionRetry: lookup of %s failed: %v", item.VoucherCode, err)
		return
	}

	// Only active sessions are worth converging; anything else means the
	// session ended before the router came back
	if voucher.Status != models.VoucherActive {
		s.drop(item)
		return
	}

	var router models.Router
	if err := s.db.First(&router, item.RouterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.drop(item)
			return
		}
		log.Printf("ProvisionRetry: router %d lookup failed: %v", item.RouterID, err)
		return
	}
	if !router.IsActive {
		// Router is administratively disabled; keep the item parked until
		// it is re-enabled or abandoned
		s.reschedule(item, now, errors.New("router disabled"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if err := s.coord.ProvisionRouter(ctx, voucher, &router); err != nil {
		log.Printf("ProvisionRetry: %s on router %s failed (attempt %d): %v",
			item.VoucherCode, router.Name, item.Attempts+1, err)
		if !gateway.IsRetryable(err) {
			// A router that rejects credentials or the operation itself
			// cannot be outwaited; retire the item where the operator
			// can see it
			s.abandon(item, err)
			return
		}
		s.reschedule(item, now, err)
		return
	}

	log.Printf("ProvisionRetry: %s converged on router %s after %d attempt(s)",
		item.VoucherCode, router.Name, item.Attempts+1)
	s.drop(item)
}

func (s *ProvisionRetryService) reschedule(item *models.ProvisionRetry, now time.Time, cause error) {
	item.Attempts++
	item.LastError = truncateError(cause)

	if item.Attempts >= maxProvisionAttempts {
		item.Abandoned = true
		log.Printf("ProvisionRetry: abandoning %s on router %d after %d attempts, last error: %s",
			item.VoucherCode, item.RouterID, item.Attempts, item.LastError)
	} else {
		// Exponential backoff: 1m, 2m, 4m, 8m
		backoff := retryBackoffBase << (item.Attempts - 1)
		item.NextAttempt = now.Add(backoff)
	}

	if err := s.db.Save(item).Error; err != nil {
		log.Printf("ProvisionRetry: failed to persist retry state for %s: %v", item.VoucherCode, err)
	}
}

func (s *ProvisionRetryService) abandon(item *models.ProvisionRetry, cause error) {
	item.Attempts++
	item.LastError = truncateError(cause)
	item.Abandoned = true
	log.Printf("ProvisionRetry: abandoning %s on router %d, failure is not retryable: %s",
		item.VoucherCode, item.RouterID, item.LastError)

	if err := s.db.Save(item).Error; err != nil {
		log.Printf("ProvisionRetry: failed to persist retry state for %s: %v", item.VoucherCode, err)
	}
}

func truncateError(cause error) string {
	msg := cause.Error()
	if len(msg) > 250 {
		msg = msg[:250]
	}
	return msg
}

func (s *ProvisionRetryService) drop(item *models.ProvisionRetry) {
	if err := s.db.Delete(item).Error; err != nil {
		log.Printf("ProvisionRetry: failed to remove retry item %d: %v", item.ID, err)
	}
}
