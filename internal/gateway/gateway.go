// Package gateway hides vendor-specific router transports behind one
// capability contract: provision, revoke, probe reachability, fetch usage.
// Implementations report facts; they never touch the voucher ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wifivoucher/backend/internal/models"
)

// ErrorKind classifies gateway failures for retry policy
type ErrorKind int

const (
	// Unreachable covers network errors and timeouts; retryable
	Unreachable ErrorKind = iota
	// AuthRejected means bad credentials; not retryable, configuration alarm
	AuthRejected
	// Unsupported means the vendor does not implement the operation
	Unsupported
	// Protocol means a malformed or unexpected device response; retryable
	Protocol
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case AuthRejected:
		return "auth_rejected"
	case Unsupported:
		return "unsupported"
	case Protocol:
		return "protocol"
	}
	return "unknown"
}

// Error is the typed failure returned by all gateway operations
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying
func (e *Error) Retryable() bool {
	return e.Kind == Unreachable || e.Kind == Protocol
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind; non-gateway errors count as Unreachable
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Unreachable
}

// IsRetryable reports whether an error from a gateway call is retryable
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	return true
}

// Limits carries the enforcement bounds handed to a router at provision time
type Limits struct {
	Duration       time.Duration
	DataLimitBytes int64 // 0 = unlimited
	SpeedLimitKbps int   // 0 = uncapped
}

// Usage is a best-effort byte counter snapshot for one client
type Usage struct {
	Bytes    int64
	Observed bool // false = no data for this client, not an error
}

// Gateway is the per-vendor capability contract.
// Provision and Revoke are idempotent: provisioning an existing grant or
// revoking an absent one succeeds. Every call honors its context deadline;
// a timed-out call surfaces as Unreachable and may or may not have applied.
type Gateway interface {
	Provision(ctx context.Context, code, secret string, clientMAC string, limits Limits) error
	Revoke(ctx context.Context, code, clientMAC string) error
	FetchUsage(ctx context.Context, code, clientMAC string) (Usage, error)
	ProbeReachable(ctx context.Context) bool
}

// Factory is the construction hook callers depend on; New satisfies it and
// tests substitute fakes
type Factory func(r *models.Router) (Gateway, error)

var registry = map[models.RouterVendor]func(*models.Router) Gateway{}

func register(vendor models.RouterVendor, f func(*models.Router) Gateway) {
	registry[vendor] = f
}

// New selects the gateway implementation for a router by vendor kind
func New(r *models.Router) (Gateway, error) {
	f, ok := registry[r.Vendor]
	if !ok {
		return nil, newError(Unsupported, "new", fmt.Errorf("unknown vendor %q", r.Vendor))
	}
	return f(r), nil
}
