package dms

import (
	"context"
	"testing"

	"github.com/LotLogicAI/lotlogic/engine/domain"
)

func TestMockFleetStable(t *testing.T) {
	a := NewMock()
	b := NewMock()
	va, _ := a.GetInventory(context.Background(), nil, 0, 0)
	vb, _ := b.GetInventory(context.Background(), nil, 0, 0)
	if len(va) != 50 || len(vb) != 50 {
		t.Fatalf("expected 50 vehicles, got %d / %d", len(va), len(vb))
	}
	for i := range va {
		if va[i].VIN != vb[i].VIN || va[i].Price != vb[i].Price {
			t.Fatalf("fleet not deterministic at %d: %+v vs %+v", i, va[i], vb[i])
		}
	}
}

func TestMockInventoryFilters(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	all, _ := m.GetInventory(ctx, nil, 0, 0)
	var wantMake string
	for _, v := range all {
		if v.Status == domain.StatusAvailable {
			wantMake = v.Make
			break
		}
	}

	filtered, err := m.GetInventory(ctx, map[string]any{"make": wantMake, "status": "available"}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(filtered) == 0 {
		t.Fatal("expected at least one match")
	}
	for _, v := range filtered {
		if v.Make != wantMake || v.Status != domain.StatusAvailable {
			t.Fatalf("filter leaked: %+v", v)
		}
	}
}

func TestMockMaxPriceFilter(t *testing.T) {
	m := NewMock()
	vehicles, err := m.GetInventory(context.Background(), map[string]any{"max_price": 30000}, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, v := range vehicles {
		if v.Price > 30000 {
			t.Fatalf("price filter leaked: %v", v.Price)
		}
	}
}

func TestMockNonWhitelistedFilterIgnored(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	all, _ := m.GetInventory(ctx, nil, 0, 0)
	got, _ := m.GetInventory(ctx, map[string]any{"color": "Plaid"}, 0, 0)
	if len(got) != len(all) {
		t.Fatalf("non-whitelisted filter should be ignored: %d vs %d", len(got), len(all))
	}
}

func TestMockPagination(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	page1, _ := m.GetInventory(ctx, nil, 10, 0)
	page2, _ := m.GetInventory(ctx, nil, 10, 10)
	if len(page1) != 10 || len(page2) != 10 {
		t.Fatalf("page sizes: %d, %d", len(page1), len(page2))
	}
	if page1[0].VIN == page2[0].VIN {
		t.Fatal("pages overlap")
	}
}

func TestMockVehicleDetails(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	all, _ := m.GetInventory(ctx, nil, 1, 0)

	v, err := m.GetVehicleDetails(ctx, all[0].VIN)
	if err != nil || v == nil || v.VIN != all[0].VIN {
		t.Fatalf("lookup failed: %v, %v", v, err)
	}

	// Unknown but well-formed VIN: absent, not an error.
	missing, err := m.GetVehicleDetails(ctx, "ZZZZZZZZZZZZZZZZZ")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for unknown VIN; got %v, %v", missing, err)
	}

	// Malformed VIN is a validation error.
	if _, err := m.GetVehicleDetails(ctx, "short"); err == nil {
		t.Fatal("expected error for malformed VIN")
	}
}

func TestMockCheckAvailability(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	all, _ := m.GetInventory(ctx, nil, 0, 0)
	for _, v := range all {
		avail, err := m.CheckAvailability(ctx, v.VIN)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if avail != (v.Status == domain.StatusAvailable) {
			t.Fatalf("availability mismatch for %s: %v vs %v", v.VIN, avail, v.Status)
		}
	}
}

func TestMockSearchVehicles(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	all, _ := m.GetInventory(ctx, nil, 1, 0)

	hits, err := m.SearchVehicles(ctx, all[0].Make, nil)
	if err != nil || len(hits) == 0 {
		t.Fatalf("search failed: %v, %v", hits, err)
	}
	for _, v := range hits {
		if v.Make != all[0].Make {
			t.Fatalf("search leaked make: %+v", v)
		}
	}
}

func TestMockHealthAndStats(t *testing.T) {
	m := NewMock()
	if !m.HealthCheck(context.Background()) {
		t.Fatal("mock should be healthy")
	}
	if m.Stats().TotalRequests == 0 {
		t.Fatal("stats not counting")
	}
}

func TestNewSelectsVariant(t *testing.T) {
	a, err := New(Config{Variant: VariantMock}, nil, nil)
	if err != nil {
		t.Fatalf("mock construction failed: %v", err)
	}
	if _, ok := a.(*Mock); !ok {
		t.Fatalf("expected *Mock, got %T", a)
	}
	if _, err := New(Config{Variant: VariantProviderA}, nil, nil); err == nil {
		t.Fatal("provider-a without credentials should fail")
	}
	if _, err := New(Config{Variant: "bogus"}, nil, nil); err == nil {
		t.Fatal("unknown variant should fail")
	}
}

func TestWhitelistFilters(t *testing.T) {
	out := whitelistFilters(map[string]any{"make": "Toyota", "color": "red", "max_price": 1})
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving keys, got %v", out)
	}
	if _, ok := out["color"]; ok {
		t.Fatal("color is not whitelisted")
	}
}
