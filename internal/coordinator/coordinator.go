// Package coordinator drives the synchronous redemption path: validate the
// code, atomically reserve it in the ledger, then fan provisioning out to
// every configured router.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/wifivoucher/backend/internal/database"
	"github.com/wifivoucher/backend/internal/gateway"
	"github.com/wifivoucher/backend/internal/ledger"
	"github.com/wifivoucher/backend/internal/models"
)

// ErrBadCode rejects malformed input before any ledger work
var ErrBadCode = errors.New("malformed voucher code")

// Voucher codes use the unambiguous issue alphabet
var codePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{6,16}$`)

const defaultProvisionTimeout = 10 * time.Second

type Coordinator struct {
	db               *gorm.DB
	ledger           *ledger.Ledger
	newGateway       gateway.Factory
	provisionTimeout time.Duration
}

func New(db *gorm.DB, l *ledger.Ledger, provisionTimeout time.Duration) *Coordinator {
	if provisionTimeout <= 0 {
		provisionTimeout = defaultProvisionTimeout
	}
	return &Coordinator{
		db:               db,
		ledger:           l,
		newGateway:       gateway.New,
		provisionTimeout: provisionTimeout,
	}
}

// SetGatewayFactory overrides gateway construction (tests)
func (c *Coordinator) SetGatewayFactory(f gateway.Factory) {
	c.newGateway = f
}

// NormalizeCode canonicalizes user input: uppercase, separators stripped
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}

// Redeem runs the full redemption state machine. The redemption is committed
// once the ledger transition succeeds; router failures never roll it back,
// they are queued for the background provisioning retry instead.
func (c *Coordinator) Redeem(ctx context.Context, code, clientMAC, clientIP string) (*ledger.Session, error) {
	code = NormalizeCode(code)
	if !codePattern.MatchString(code) {
		return nil, ErrBadCode
	}

	session, err := c.ledger.Redeem(code, clientMAC, clientIP)
	if err != nil {
		return nil, err
	}

	voucher, err := c.ledger.GetByCode(code)
	if err != nil {
		// The redemption is already durable; provisioning proceeds without
		// the allowed-router restriction rather than failing the user
		log.Printf("Coordinator: readback of %s failed after redeem: %v", code, err)
		voucher = &models.Voucher{Code: code}
	}

	routers, err := c.routersFor(voucher)
	if err != nil {
		log.Printf("Coordinator: router list unavailable for %s: %v", code, err)
		return session, nil
	}
	if len(routers) == 0 {
		log.Printf("Coordinator: no active routers configured, %s granted ledger-only", code)
		return session, nil
	}

	limits := limitsFor(voucher)

	// Fan out with an independent timeout per router
	var wg sync.WaitGroup
	results := make([]error, len(routers))
	for i := range routers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.provisionOne(ctx, &routers[i], session, limits)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range results {
		if err == nil {
			succeeded++
			database.MarkApplied(routers[i].ID, code)
			continue
		}
		if !gateway.IsRetryable(err) {
			// Unsupported or rejected credentials will not heal with time;
			// queuing them would just churn doomed attempts
			log.Printf("Coordinator: provision %s on router %s failed: %v (not retryable, not queued)",
				code, routers[i].Name, err)
			continue
		}
		log.Printf("Coordinator: provision %s on router %s failed: %v (queued for retry)",
			code, routers[i].Name, err)
		c.enqueueRetry(code, routers[i].ID, err)
	}

	if succeeded == 0 {
		log.Printf("Coordinator: %s active in ledger but no router accepted provisioning yet", code)
	}

	return session, nil
}

func limitsFor(voucher *models.Voucher) gateway.Limits {
	limits := gateway.Limits{
		Duration:       time.Duration(voucher.DurationHours) * time.Hour,
		DataLimitBytes: voucher.DataLimitBytes(),
	}
	if voucher.SpeedLimitKbps != nil {
		limits.SpeedLimitKbps = *voucher.SpeedLimitKbps
	}
	return limits
}

// ProvisionRouter pushes an active voucher's grant to a single router. Used
// by the background retry worker to converge routers that were down during
// redemption.
func (c *Coordinator) ProvisionRouter(ctx context.Context, voucher *models.Voucher, r *models.Router) error {
	gw, err := c.newGateway(r)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.provisionTimeout)
	defer cancel()

	err = gw.Provision(callCtx, voucher.Code, voucher.SessionToken, voucher.ClientMAC, limitsFor(voucher))
	if err != nil {
		return err
	}
	database.MarkApplied(r.ID, voucher.Code)
	return nil
}

func (c *Coordinator) provisionOne(ctx context.Context, r *models.Router, s *ledger.Session, limits gateway.Limits) error {
	gw, err := c.newGateway(r)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.provisionTimeout)
	defer cancel()

	return gw.Provision(callCtx, s.Code, s.Token, s.ClientMAC, limits)
}

// Revoke removes a voucher's grant from every associated router in parallel.
// Best effort: the aggregated error reports which routers still hold state.
func (c *Coordinator) Revoke(ctx context.Context, voucher *models.Voucher) error {
	routers, err := c.routersFor(voucher)
	if err != nil {
		return fmt.Errorf("router list unavailable: %w", err)
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)
	for i := range routers {
		wg.Add(1)
		go func(r *models.Router) {
			defer wg.Done()

			gw, err := c.newGateway(r)
			if err == nil {
				callCtx, cancel := context.WithTimeout(ctx, c.provisionTimeout)
				defer cancel()
				err = gw.Revoke(callCtx, voucher.Code, voucher.ClientMAC)
			}
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("router %s: %w", r.Name, err))
				mu.Unlock()
				return
			}
			database.ClearApplied(r.ID, voucher.Code)
		}(&routers[i])
	}
	wg.Wait()

	return merr.ErrorOrNil()
}

// FetchUsage asks every router associated with the voucher for its session
// byte counter. Per-router failures are aggregated; any successfully observed
// counters are still returned alongside the error.
func (c *Coordinator) FetchUsage(ctx context.Context, voucher *models.Voucher) ([]gateway.Usage, error) {
	routers, err := c.routersFor(voucher)
	if err != nil {
		return nil, fmt.Errorf("router list unavailable: %w", err)
	}

	var (
		mu     sync.Mutex
		merr   *multierror.Error
		usages []gateway.Usage
		wg     sync.WaitGroup
	)
	for i := range routers {
		wg.Add(1)
		go func(r *models.Router) {
			defer wg.Done()

			gw, err := c.newGateway(r)
			if err == nil {
				callCtx, cancel := context.WithTimeout(ctx, c.provisionTimeout)
				defer cancel()

				var u gateway.Usage
				u, err = gw.FetchUsage(callCtx, voucher.Code, voucher.ClientMAC)
				if err == nil {
					mu.Lock()
					usages = append(usages, u)
					mu.Unlock()
					return
				}
			}
			mu.Lock()
			merr = multierror.Append(merr, fmt.Errorf("router %s: %w", r.Name, err))
			mu.Unlock()
		}(&routers[i])
	}
	wg.Wait()

	if len(usages) > 0 {
		return usages, nil
	}
	return usages, merr.ErrorOrNil()
}

// routersFor resolves the voucher's allowed-router set, or all active routers
// when unrestricted. The full list is cached in Redis with a short TTL and
// invalidated on router CRUD.
func (c *Coordinator) routersFor(voucher *models.Voucher) ([]models.Router, error) {
	var routers []models.Router

	cached := false
	if database.Redis != nil {
		if err := database.CacheGet(database.CacheKeyRouterList, &routers); err == nil {
			cached = true
		}
	}
	if !cached {
		if err := c.db.Where("is_active = ?", true).Find(&routers).Error; err != nil {
			return nil, err
		}
		if database.Redis != nil {
			database.CacheSet(database.CacheKeyRouterList, routers, database.CacheTTLRouters)
		}
	}

	allowed := voucher.AllowedRouterIDs()
	if len(allowed) == 0 {
		return routers, nil
	}

	allowedSet := make(map[uint]struct{}, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = struct{}{}
	}
	filtered := routers[:0]
	for _, r := range routers {
		if _, ok := allowedSet[r.ID]; ok {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (c *Coordinator) enqueueRetry(code string, routerID uint, cause error) {
	retry := models.ProvisionRetry{
		VoucherCode: code,
		RouterID:    routerID,
		Attempts:    1,
		NextAttempt: time.Now().UTC().Add(1 * time.Minute),
		LastError:   truncate(cause.Error(), 250),
	}
	if err := c.db.Create(&retry).Error; err != nil {
		log.Printf("Coordinator: failed to queue provisioning retry for %s: %v", code, err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
