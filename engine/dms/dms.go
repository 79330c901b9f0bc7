// Package dms provides authenticated, rate-limited access to dealership
// management systems. Three variants share one capability set: a deterministic
// mock, Provider A (OAuth2 client credentials), and Provider B (HMAC-signed
// sessions). Each variant owns its authentication state; all remote calls go
// through the shared retrying transport and the DMS circuit breaker.
package dms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// Variant selects the adapter implementation.
type Variant string

const (
	VariantMock      Variant = "mock"
	VariantProviderA Variant = "provider-a"
	VariantProviderB Variant = "provider-b"
)

// Adapter errors.
var (
	ErrRateLimit = errors.New("dms rate limit exceeded")
	ErrAuth      = errors.New("dms authentication failed")
)

// InventoryFilterKeys is the server-side filter whitelist.
var InventoryFilterKeys = map[string]bool{
	"make": true, "model": true, "year": true, "status": true,
	"category": true, "type": true, "max_price": true, "min_price": true,
	"fuel_type": true,
}

// SyncResult reports a bulk pricing refresh.
type SyncResult struct {
	UpdatedCount int       `json:"updated_count"`
	ErrorCount   int       `json:"error_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// Adapter is the capability set every DMS variant implements.
type Adapter interface {
	GetInventory(ctx context.Context, filters map[string]any, limit, offset int) ([]domain.Vehicle, error)
	GetVehicleDetails(ctx context.Context, vin string) (*domain.Vehicle, error)
	GetServiceHistory(ctx context.Context, vin string) ([]domain.ServiceRecord, error)
	CheckAvailability(ctx context.Context, vin string) (bool, error)
	SearchVehicles(ctx context.Context, query string, filters map[string]any) ([]domain.Vehicle, error)
	SyncPricing(ctx context.Context) (SyncResult, error)
	HealthCheck(ctx context.Context) bool
	Stats() Stats
	Close() error
}

// Config selects and configures a variant.
type Config struct {
	Variant      Variant
	BaseURL      string
	ClientID     string // Provider A
	ClientSecret string // Provider A
	APIKey       string // Provider B
	DealerCode   string // Provider B
	DealerID     string
}

// New constructs the configured adapter. breaker may be nil.
func New(cfg Config, breaker *resilience.Breaker, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Variant {
	case VariantProviderA:
		return newProviderA(cfg, breaker, logger)
	case VariantProviderB:
		return newProviderB(cfg, breaker, logger)
	case VariantMock, "":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("dms: unknown variant %q", cfg.Variant)
	}
}

// Stats is a snapshot of adapter counters.
type Stats struct {
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	AuthFailures   int64   `json:"auth_failures"`
	RateLimitHits  int64   `json:"rate_limit_hits"`
	SuccessRate    float64 `json:"success_rate"`
}

// counters aggregates per-adapter request accounting.
type counters struct {
	total      atomic.Int64
	failed     atomic.Int64
	authFails  atomic.Int64
	rateLimits atomic.Int64
}

func (c *counters) snapshot() Stats {
	s := Stats{
		TotalRequests:  c.total.Load(),
		FailedRequests: c.failed.Load(),
		AuthFailures:   c.authFails.Load(),
		RateLimitHits:  c.rateLimits.Load(),
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = 1 - float64(s.FailedRequests)/float64(s.TotalRequests)
	}
	return s
}

// whitelistFilters drops filter keys the providers don't accept server-side.
func whitelistFilters(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]any, len(filters))
	for k, v := range filters {
		if InventoryFilterKeys[k] {
			out[k] = v
		}
	}
	return out
}
