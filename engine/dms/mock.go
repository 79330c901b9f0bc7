package dms

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
)

// mockFleetSize is how many vehicles the mock generates at construction.
const mockFleetSize = 50

// vinAlphabet excludes I, O, and Q like real VINs.
const vinAlphabet = "ABCDEFGHJKLMNPRSTUVWXYZ0123456789"

var mockStatuses = []domain.VehicleStatus{
	domain.StatusAvailable, domain.StatusAvailable, domain.StatusAvailable,
	domain.StatusSold, domain.StatusReserved, domain.StatusInTransit, domain.StatusService,
}

var mockFuelTypes = []string{"gasoline", "gasoline", "hybrid", "electric", "diesel"}

// Mock is the no-network adapter. A fixed seed makes the generated fleet
// stable across runs, which the end-to-end tests rely on.
type Mock struct {
	vehicles []domain.Vehicle
	history  map[string][]domain.ServiceRecord
	stats    counters
}

// NewMock generates the stable 50-vehicle inventory.
func NewMock() *Mock {
	rng := rand.New(rand.NewSource(42))

	makes := make([]string, 0, len(domain.SupportedMakes))
	for make := range domain.SupportedMakes {
		makes = append(makes, make)
	}
	sort.Strings(makes)

	m := &Mock{history: make(map[string][]domain.ServiceRecord)}
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < mockFleetSize; i++ {
		make := makes[rng.Intn(len(makes))]
		models := domain.SupportedMakes[make]
		vin := randomVIN(rng)
		v := domain.Vehicle{
			VIN:         vin,
			Make:        make,
			Model:       models[rng.Intn(len(models))],
			Year:        2019 + rng.Intn(7),
			Color:       []string{"Silver", "Black", "White", "Blue", "Red"}[rng.Intn(5)],
			Mileage:     rng.Intn(80000),
			Price:       18000 + float64(rng.Intn(52000)),
			Status:      mockStatuses[rng.Intn(len(mockStatuses))],
			Category:    []string{"new", "used", "certified"}[rng.Intn(3)],
			FuelType:    mockFuelTypes[rng.Intn(len(mockFuelTypes))],
			DealerID:    "mock-dealer-1",
			LastUpdated: base.AddDate(0, 0, -rng.Intn(60)),
		}
		m.vehicles = append(m.vehicles, v)

		for r := 0; r < rng.Intn(4); r++ {
			m.history[vin] = append(m.history[vin], domain.ServiceRecord{
				ServiceID:   fmt.Sprintf("svc-%d-%d", i, r),
				VIN:         vin,
				Date:        base.AddDate(0, -r-1, 0),
				Mileage:     v.Mileage - r*5000,
				Type:        []string{"oil_change", "tire_rotation", "brake_service", "inspection"}[rng.Intn(4)],
				Description: "Routine maintenance",
				LaborHours:  0.5 + float64(rng.Intn(4)),
				Cost:        49 + float64(rng.Intn(600)),
				DealerID:    "mock-dealer-1",
			})
		}
	}
	return m
}

func randomVIN(rng *rand.Rand) string {
	var b strings.Builder
	for i := 0; i < 17; i++ {
		b.WriteByte(vinAlphabet[rng.Intn(len(vinAlphabet))])
	}
	return b.String()
}

func (m *Mock) GetInventory(_ context.Context, filters map[string]any, limit, offset int) ([]domain.Vehicle, error) {
	m.stats.total.Add(1)
	filters = whitelistFilters(filters)

	var out []domain.Vehicle
	for _, v := range m.vehicles {
		if matchesFilters(v, filters) {
			out = append(out, v)
		}
	}

	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mock) GetVehicleDetails(_ context.Context, vin string) (*domain.Vehicle, error) {
	m.stats.total.Add(1)
	if err := domain.ValidateVIN(vin); err != nil {
		return nil, err
	}
	for _, v := range m.vehicles {
		if v.VIN == vin {
			found := v
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Mock) GetServiceHistory(_ context.Context, vin string) ([]domain.ServiceRecord, error) {
	m.stats.total.Add(1)
	if err := domain.ValidateVIN(vin); err != nil {
		return nil, err
	}
	return m.history[vin], nil
}

func (m *Mock) CheckAvailability(ctx context.Context, vin string) (bool, error) {
	v, err := m.GetVehicleDetails(ctx, vin)
	if err != nil || v == nil {
		return false, err
	}
	return v.Status == domain.StatusAvailable, nil
}

func (m *Mock) SearchVehicles(ctx context.Context, query string, filters map[string]any) ([]domain.Vehicle, error) {
	m.stats.total.Add(1)
	all, err := m.GetInventory(ctx, filters, 0, 0)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []domain.Vehicle
	for _, v := range all {
		haystack := strings.ToLower(strings.Join([]string{v.Make, v.Model, v.Color, v.FuelType, v.Category, v.VIN}, " "))
		if q == "" || strings.Contains(haystack, q) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *Mock) SyncPricing(context.Context) (SyncResult, error) {
	m.stats.total.Add(1)
	return SyncResult{UpdatedCount: len(m.vehicles), Timestamp: time.Now().UTC()}, nil
}

func (m *Mock) HealthCheck(ctx context.Context) bool {
	_, err := m.GetInventory(ctx, nil, 1, 0)
	return err == nil
}

func (m *Mock) Stats() Stats { return m.stats.snapshot() }

func (m *Mock) Close() error { return nil }

// matchesFilters applies the whitelisted filter semantics locally.
func matchesFilters(v domain.Vehicle, filters map[string]any) bool {
	for key, raw := range filters {
		switch key {
		case "make":
			if !strings.EqualFold(v.Make, fmt.Sprint(raw)) {
				return false
			}
		case "model":
			if !strings.EqualFold(v.Model, fmt.Sprint(raw)) {
				return false
			}
		case "year":
			if year, ok := asInt(raw); !ok || v.Year != year {
				return false
			}
		case "status":
			if string(v.Status) != fmt.Sprint(raw) {
				return false
			}
		case "category", "type":
			if !strings.EqualFold(v.Category, fmt.Sprint(raw)) {
				return false
			}
		case "max_price":
			if price, ok := asFloat(raw); !ok || v.Price > price {
				return false
			}
		case "min_price":
			if price, ok := asFloat(raw); !ok || v.Price < price {
				return false
			}
		case "fuel_type":
			if !strings.EqualFold(v.FuelType, fmt.Sprint(raw)) {
				return false
			}
		}
	}
	return true
}

func asInt(v any) (int, bool) {
	switch tv := v.(type) {
	case int:
		return tv, true
	case int64:
		return int(tv), true
	case float64:
		return int(tv), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	}
	return 0, false
}
