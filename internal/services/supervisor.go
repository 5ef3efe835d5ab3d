package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wifivoucher/backend/internal/coordinator"
	"github.com/wifivoucher/backend/internal/gateway"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/models"
)

const supervisorWorkers = 8

// SessionSupervisor is the periodic enforcement loop. Each tick it expires
// sessions whose wall-clock window has lapsed and polls routers for usage on
// metered vouchers, terminating any that breached their data cap. A router
// that cannot be reached never blocks expiry: the ledger transitions first
// and routers converge on the next pass.
type SessionSupervisor struct {
	ledger      *ledger.Ledger
	coord       *coordinator.Coordinator
	interval    time.Duration
	revokeRetry time.Duration
	stopChan    chan struct{}
	wg          sync.WaitGroup
	tickMu      sync.Mutex
	now         func() time.Time
}

// NewSessionSupervisor creates the supervisor. revokeRetry is the base delay
// between revocation attempts within a single tick.
func NewSessionSupervisor(l *ledger.Ledger, coord *coordinator.Coordinator, interval time.Duration) *SessionSupervisor {
	return &SessionSupervisor{
		ledger:      l,
		coord:       coord,
		interval:    interval,
		revokeRetry: 2 * time.Second,
		stopChan:    make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the enforcement background job
func (s *SessionSupervisor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("SessionSupervisor started, enforcing every %v", s.interval)

		// Run immediately on start
		s.Tick()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Tick()
			case <-s.stopChan:
				log.Println("SessionSupervisor stopped")
				return
			}
		}
	}()
}

// Stop stops the supervisor and waits for the current tick to finish
func (s *SessionSupervisor) Stop() {
	close(s.stopChan)
	s.wg.Wait()
}

// Tick runs one enforcement pass. Exported so tests and admin endpoints can
// force a pass without waiting for the ticker.
func (s *SessionSupervisor) Tick() {
	// Prevent concurrent runs: if the previous pass is still talking to
	// routers, skip this one
	if !s.tickMu.TryLock() {
		log.Println("SessionSupervisor: previous pass still running, skipping this tick")
		return
	}
	defer s.tickMu.Unlock()

	now := s.now()
	s.expireLapsed(now)
	s.enforceQuotas(now)
}

// expireLapsed terminates every active session whose end time has passed
func (s *SessionSupervisor) expireLapsed(now time.Time) {
	lapsed, err := s.ledger.ListActiveExpiredBy(now)
	if err != nil {
		log.Printf("SessionSupervisor: failed to list lapsed sessions: %v", err)
		return
	}
	if len(lapsed) == 0 {
		return
	}

	log.Printf("SessionSupervisor: %d session(s) past their end time", len(lapsed))
	s.forEach(lapsed, func(v *models.Voucher) {
		s.terminate(v, "duration elapsed")
	})
}

// enforceQuotas polls usage for metered sessions and terminates breaches
func (s *SessionSupervisor) enforceQuotas(now time.Time) {
	metered, err := s.ledger.ListActiveMetered(now)
	if err != nil {
		log.Printf("SessionSupervisor: failed to list metered sessions: %v", err)
		return
	}
	if len(metered) == 0 {
		return
	}

	s.forEach(metered, func(v *models.Voucher) {
		observed, ok := s.pollUsage(v)
		if !ok {
			return
		}

		// Routers report a session-total counter; the ledger accumulates
		// deltas so a router reboot (counter reset) never loses usage
		delta := observed - v.DataUsedBytes
		if delta <= 0 {
			return
		}

		_, exceeded, err := s.ledger.RecordUsage(v.Code, delta)
		if err != nil {
			log.Printf("SessionSupervisor: failed to record usage for %s: %v", v.Code, err)
			return
		}
		if exceeded {
			log.Printf("SessionSupervisor: %s breached its data cap, terminating", v.Code)
			s.terminate(v, "data cap breached")
		}
	})
}

// pollUsage asks every router associated with the voucher for its session
// counter and keeps the largest observation. A voucher is typically applied
// on one router; querying all of them tolerates roaming clients.
func (s *SessionSupervisor) pollUsage(v *models.Voucher) (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	usages, err := s.coord.FetchUsage(ctx, v)
	if err != nil {
		log.Printf("SessionSupervisor: usage poll for %s failed on all routers: %v", v.Code, err)
	}

	var best int64
	observed := false
	for _, u := range usages {
		if !u.Observed {
			continue
		}
		observed = true
		if u.Bytes > best {
			best = u.Bytes
		}
	}
	return best, observed
}

// terminate revokes router state with bounded retries, then expires the
// ledger row unconditionally. Expiry must not depend on router health: a
// session that can no longer be revoked remotely still ends in the ledger,
// and the revocation converges when the router comes back.
func (s *SessionSupervisor) terminate(v *models.Voucher, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	var revokeErr error
	for attempt := 1; attempt <= 3; attempt++ {
		revokeErr = s.coord.Revoke(ctx, v)
		if revokeErr == nil {
			break
		}
		if !gateway.IsRetryable(revokeErr) || attempt == 3 {
			break
		}
		select {
		case <-time.After(s.revokeRetry * time.Duration(attempt)):
		case <-ctx.Done():
			attempt = 3
		}
	}
	if revokeErr != nil {
		log.Printf("SessionSupervisor: revoke of %s incomplete (%s): %v", v.Code, reason, revokeErr)
	}

	transitioned, err := s.ledger.Expire(v.Code)
	if err != nil {
		log.Printf("SessionSupervisor: failed to expire %s: %v", v.Code, err)
		return
	}
	if transitioned {
		log.Printf("SessionSupervisor: session %s expired (%s)", v.Code, reason)
	}
}

// forEach fans work out over a bounded worker pool
func (s *SessionSupervisor) forEach(vouchers []models.Voucher, fn func(*models.Voucher)) {
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := supervisorWorkers
	if len(vouchers) < workers {
		workers = len(vouchers)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(&vouchers[i])
			}
		}()
	}
	for i := range vouchers {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}
