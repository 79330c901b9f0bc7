package dms

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// Provider B quota: 500 requests per rolling 5 minutes.
const (
	providerBRateLimit  = 500
	providerBRateWindow = 5 * time.Minute
	// sessionRefreshWindow refreshes sessions that expire within 5 minutes.
	sessionRefreshWindow = 300 * time.Second
)

// providerB signs requests with HMAC-SHA256 over
// timestamp ∥ METHOD ∥ endpoint ∥ dealer_code keyed by the API key, and
// exchanges a signed handshake for a short-lived session token.
type providerB struct {
	cfg       Config
	transport *transport
	logger    *slog.Logger
	stats     counters

	mu        sync.Mutex
	session   string
	expiresAt time.Time
	now       func() time.Time
}

func newProviderB(cfg Config, breaker *resilience.Breaker, logger *slog.Logger) (*providerB, error) {
	if cfg.APIKey == "" || cfg.DealerCode == "" {
		return nil, fmt.Errorf("%w: provider-b credentials not configured", ErrAuth)
	}
	b := &providerB{cfg: cfg, logger: logger, now: time.Now}
	b.transport = newTransport(cfg.BaseURL, b,
		resilience.NewWindowLimiter(providerBRateLimit, providerBRateWindow),
		breaker, &b.stats, logger)
	return b, nil
}

// sign computes the request signature.
func (b *providerB) sign(timestamp, method, endpoint string) string {
	mac := hmac.New(sha256.New, []byte(b.cfg.APIKey))
	mac.Write([]byte(timestamp + method + endpoint + b.cfg.DealerCode))
	return hex.EncodeToString(mac.Sum(nil))
}

// --- authenticator ---

func (b *providerB) ensure(ctx context.Context) error {
	b.mu.Lock()
	valid := b.session != "" && b.now().Add(sessionRefreshWindow).Before(b.expiresAt)
	b.mu.Unlock()
	if valid {
		return nil
	}
	return b.refresh(ctx)
}

func (b *providerB) apply(req *http.Request) {
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()
	req.Header.Set("X-Session-Token", session)
	req.Header.Set("X-Dealer-Code", b.cfg.DealerCode)
}

func (b *providerB) refresh(ctx context.Context) error {
	const endpoint = "/auth/session"
	timestamp := strconv.FormatInt(b.now().Unix(), 10)
	signature := b.sign(timestamp, http.MethodPost, endpoint)

	payload, _ := json.Marshal(map[string]string{
		"dealer_code": b.cfg.DealerCode,
		"timestamp":   timestamp,
		"signature":   signature,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealer-Code", b.cfg.DealerCode)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature)

	resp, err := b.transport.httpc.Do(req)
	if err != nil {
		b.stats.authFails.Add(1)
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.stats.authFails.Add(1)
		return fmt.Errorf("%w: session endpoint status %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		SessionToken string `json:"session_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		b.stats.authFails.Add(1)
		return fmt.Errorf("%w: decode session: %v", ErrAuth, err)
	}
	if body.SessionToken == "" {
		b.stats.authFails.Add(1)
		return fmt.Errorf("%w: no session token in response", ErrAuth)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}

	b.mu.Lock()
	b.session = body.SessionToken
	b.expiresAt = b.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	b.mu.Unlock()
	b.logger.Info("provider-b session established", "expires_in", body.ExpiresIn)
	return nil
}

// --- capability set ---

func (b *providerB) GetInventory(ctx context.Context, filters map[string]any, limit, offset int) ([]domain.Vehicle, error) {
	var body struct {
		Vehicles []vehicleWire `json:"vehicles"`
	}
	if err := b.transport.getJSON(ctx, "/v2/inventory", filterParams(filters, limit, offset), &body); err != nil {
		return nil, err
	}
	out := make([]domain.Vehicle, 0, len(body.Vehicles))
	for _, w := range body.Vehicles {
		out = append(out, w.toVehicle(b.cfg.DealerCode))
	}
	return out, nil
}

func (b *providerB) GetVehicleDetails(ctx context.Context, vin string) (*domain.Vehicle, error) {
	if err := domain.ValidateVIN(vin); err != nil {
		return nil, err
	}
	var body struct {
		Vehicle *vehicleWire `json:"vehicle"`
	}
	if err := b.transport.getJSON(ctx, "/v2/inventory/"+vin, nil, &body); err != nil {
		return nil, err
	}
	if body.Vehicle == nil || body.Vehicle.VIN == "" {
		return nil, nil
	}
	v := body.Vehicle.toVehicle(b.cfg.DealerCode)
	return &v, nil
}

func (b *providerB) GetServiceHistory(ctx context.Context, vin string) ([]domain.ServiceRecord, error) {
	if err := domain.ValidateVIN(vin); err != nil {
		return nil, err
	}
	var body struct {
		Records []serviceRecordWire `json:"records"`
	}
	if err := b.transport.getJSON(ctx, "/v2/service/"+vin+"/history", nil, &body); err != nil {
		return nil, err
	}
	out := make([]domain.ServiceRecord, 0, len(body.Records))
	for _, w := range body.Records {
		out = append(out, w.toRecord(vin, b.cfg.DealerCode))
	}
	return out, nil
}

func (b *providerB) CheckAvailability(ctx context.Context, vin string) (bool, error) {
	v, err := b.GetVehicleDetails(ctx, vin)
	if err != nil || v == nil {
		return false, err
	}
	return v.Status == domain.StatusAvailable, nil
}

func (b *providerB) SearchVehicles(ctx context.Context, query string, filters map[string]any) ([]domain.Vehicle, error) {
	params := filterParams(filters, 0, 0)
	params.Set("q", query)
	var body struct {
		Vehicles []vehicleWire `json:"vehicles"`
	}
	if err := b.transport.getJSON(ctx, "/v2/inventory/search", params, &body); err != nil {
		return nil, err
	}
	out := make([]domain.Vehicle, 0, len(body.Vehicles))
	for _, w := range body.Vehicles {
		out = append(out, w.toVehicle(b.cfg.DealerCode))
	}
	return out, nil
}

func (b *providerB) SyncPricing(ctx context.Context) (SyncResult, error) {
	var body struct {
		Updated int `json:"updated_count"`
		Errors  int `json:"error_count"`
	}
	if err := b.transport.postJSON(ctx, "/v2/pricing/sync", &body); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{UpdatedCount: body.Updated, ErrorCount: body.Errors, Timestamp: time.Now().UTC()}, nil
}

func (b *providerB) HealthCheck(ctx context.Context) bool {
	_, err := b.GetInventory(ctx, nil, 1, 0)
	return err == nil
}

func (b *providerB) Stats() Stats { return b.stats.snapshot() }

func (b *providerB) Close() error { return nil }
