package dms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// Provider A quota: 1000 requests per rolling hour.
const (
	providerARateLimit  = 1000
	providerARateWindow = time.Hour
	// tokenExpiryBuffer refreshes tokens five minutes before they lapse.
	tokenExpiryBuffer = 300 * time.Second
)

// providerA speaks OAuth2 client credentials: a bearer token is obtained via
// POST /auth/token with a basic-auth header and cached until shortly before
// expiry.
type providerA struct {
	cfg       Config
	transport *transport
	logger    *slog.Logger
	stats     counters

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func newProviderA(cfg Config, breaker *resilience.Breaker, logger *slog.Logger) (*providerA, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: provider-a credentials not configured", ErrAuth)
	}
	a := &providerA{cfg: cfg, logger: logger, now: time.Now}
	a.transport = newTransport(cfg.BaseURL, a,
		resilience.NewWindowLimiter(providerARateLimit, providerARateWindow),
		breaker, &a.stats, logger)
	return a, nil
}

// --- authenticator ---

func (a *providerA) ensure(ctx context.Context) error {
	a.mu.Lock()
	valid := a.token != "" && a.now().Before(a.expiresAt)
	a.mu.Unlock()
	if valid {
		return nil
	}
	return a.refresh(ctx)
}

func (a *providerA) apply(req *http.Request) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	if a.cfg.DealerID != "" {
		req.Header.Set("X-Dealer-ID", a.cfg.DealerID)
	}
}

func (a *providerA) refresh(ctx context.Context) error {
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"dealership:read vehicle:read service:read"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.ClientID + ":" + a.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.transport.httpc.Do(req)
	if err != nil {
		a.stats.authFails.Add(1)
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.stats.authFails.Add(1)
		return fmt.Errorf("%w: token endpoint status %d", ErrAuth, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		a.stats.authFails.Add(1)
		return fmt.Errorf("%w: decode token: %v", ErrAuth, err)
	}
	if body.AccessToken == "" {
		a.stats.authFails.Add(1)
		return fmt.Errorf("%w: no access token in response", ErrAuth)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}

	a.mu.Lock()
	a.token = body.AccessToken
	a.expiresAt = a.now().Add(time.Duration(body.ExpiresIn)*time.Second - tokenExpiryBuffer)
	a.mu.Unlock()
	a.logger.Info("provider-a authenticated", "expires_in", body.ExpiresIn)
	return nil
}

// --- capability set ---

// vehicleWire is the provider payload shape shared by both remote variants.
type vehicleWire struct {
	VIN          string   `json:"vin"`
	Make         string   `json:"make"`
	Model        string   `json:"model"`
	Year         int      `json:"year"`
	Trim         string   `json:"trim"`
	Color        string   `json:"color"`
	Mileage      int      `json:"mileage"`
	Price        float64  `json:"price"`
	Status       string   `json:"status"`
	Category     string   `json:"category"`
	FuelType     string   `json:"fuel_type"`
	Features     []string `json:"features"`
	DealerID     string   `json:"dealer_id"`
	UpdatedAt    string   `json:"updated_at"`
	Engine       string   `json:"engine"`
	Transmission string   `json:"transmission"`
	Drivetrain   string   `json:"drivetrain"`
	MPGCity      int      `json:"mpg_city"`
	MPGHighway   int      `json:"mpg_highway"`
}

func (w vehicleWire) toVehicle(dealerID string) domain.Vehicle {
	updated, _ := time.Parse(time.RFC3339, w.UpdatedAt)
	if w.DealerID == "" {
		w.DealerID = dealerID
	}
	status := domain.VehicleStatus(w.Status)
	if status == "" {
		status = domain.StatusAvailable
	}
	return domain.Vehicle{
		VIN: w.VIN, Make: w.Make, Model: w.Model, Year: w.Year,
		Trim: w.Trim, Color: w.Color, Mileage: w.Mileage, Price: w.Price,
		Status: status, Category: w.Category, FuelType: w.FuelType,
		Features: w.Features, DealerID: w.DealerID, LastUpdated: updated,
		Engine: w.Engine, Transmission: w.Transmission, Drivetrain: w.Drivetrain,
		MPGCity: w.MPGCity, MPGHighway: w.MPGHighway,
	}
}

type serviceRecordWire struct {
	ID           string   `json:"id"`
	Date         string   `json:"date"`
	Mileage      int      `json:"mileage"`
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	Parts        []string `json:"parts"`
	LaborHours   float64  `json:"labor_hours"`
	Cost         float64  `json:"cost"`
	Technician   string   `json:"technician"`
	WarrantyWork bool     `json:"warranty_work"`
}

func (w serviceRecordWire) toRecord(vin, dealerID string) domain.ServiceRecord {
	date, _ := time.Parse(time.RFC3339, w.Date)
	return domain.ServiceRecord{
		ServiceID: w.ID, VIN: vin, Date: date, Mileage: w.Mileage,
		Type: w.Type, Description: w.Description, PartsUsed: w.Parts,
		LaborHours: w.LaborHours, Cost: w.Cost, Technician: w.Technician,
		WarrantyWork: w.WarrantyWork, DealerID: dealerID,
	}
}

func filterParams(filters map[string]any, limit, offset int) url.Values {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	for k, v := range whitelistFilters(filters) {
		params.Set(k, fmt.Sprint(v))
	}
	return params
}

func (a *providerA) GetInventory(ctx context.Context, filters map[string]any, limit, offset int) ([]domain.Vehicle, error) {
	var body struct {
		Data []vehicleWire `json:"data"`
	}
	if err := a.transport.getJSON(ctx, "/v1/inventory/vehicles", filterParams(filters, limit, offset), &body); err != nil {
		return nil, err
	}
	out := make([]domain.Vehicle, 0, len(body.Data))
	for _, w := range body.Data {
		out = append(out, w.toVehicle(a.cfg.DealerID))
	}
	return out, nil
}

func (a *providerA) GetVehicleDetails(ctx context.Context, vin string) (*domain.Vehicle, error) {
	if err := domain.ValidateVIN(vin); err != nil {
		return nil, err
	}
	var body struct {
		Data *vehicleWire `json:"data"`
	}
	if err := a.transport.getJSON(ctx, "/v1/inventory/vehicles/"+vin, nil, &body); err != nil {
		return nil, err
	}
	if body.Data == nil || body.Data.VIN == "" {
		return nil, nil
	}
	v := body.Data.toVehicle(a.cfg.DealerID)
	return &v, nil
}

func (a *providerA) GetServiceHistory(ctx context.Context, vin string) ([]domain.ServiceRecord, error) {
	if err := domain.ValidateVIN(vin); err != nil {
		return nil, err
	}
	var body struct {
		Data []serviceRecordWire `json:"data"`
	}
	if err := a.transport.getJSON(ctx, "/v1/service/vehicles/"+vin+"/history", nil, &body); err != nil {
		return nil, err
	}
	out := make([]domain.ServiceRecord, 0, len(body.Data))
	for _, w := range body.Data {
		out = append(out, w.toRecord(vin, a.cfg.DealerID))
	}
	return out, nil
}

func (a *providerA) CheckAvailability(ctx context.Context, vin string) (bool, error) {
	v, err := a.GetVehicleDetails(ctx, vin)
	if err != nil || v == nil {
		return false, err
	}
	return v.Status == domain.StatusAvailable, nil
}

func (a *providerA) SearchVehicles(ctx context.Context, query string, filters map[string]any) ([]domain.Vehicle, error) {
	params := filterParams(filters, 0, 0)
	params.Set("q", query)
	var body struct {
		Data []vehicleWire `json:"data"`
	}
	if err := a.transport.getJSON(ctx, "/v1/inventory/search", params, &body); err != nil {
		return nil, err
	}
	out := make([]domain.Vehicle, 0, len(body.Data))
	for _, w := range body.Data {
		out = append(out, w.toVehicle(a.cfg.DealerID))
	}
	return out, nil
}

func (a *providerA) SyncPricing(ctx context.Context) (SyncResult, error) {
	var body struct {
		Updated int `json:"updated_count"`
		Errors  int `json:"error_count"`
	}
	if err := a.transport.postJSON(ctx, "/v1/pricing/sync", &body); err != nil {
		return SyncResult{}, err
	}
	return SyncResult{UpdatedCount: body.Updated, ErrorCount: body.Errors, Timestamp: time.Now().UTC()}, nil
}

func (a *providerA) HealthCheck(ctx context.Context) bool {
	_, err := a.GetInventory(ctx, nil, 1, 0)
	return err == nil
}

func (a *providerA) Stats() Stats { return a.stats.snapshot() }

func (a *providerA) Close() error { return nil }
