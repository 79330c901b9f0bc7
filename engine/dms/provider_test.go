package dms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const testVIN = "1FTFW1ET5DFC10312"

func newProviderAServer(t *testing.T, tokenCalls, inventoryCalls *atomic.Int64, rejectFirstBearer string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + time.Now().Format("150405.000000000"),
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("GET /v1/inventory/vehicles", func(w http.ResponseWriter, r *http.Request) {
		inventoryCalls.Add(1)
		auth := r.Header.Get("Authorization")
		if auth == "" || auth == "Bearer "+rejectFirstBearer {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"vin": testVIN, "make": "Ford", "model": "F-150",
				"year": 2023, "price": 45500.0, "status": "available",
			}},
		})
	})
	return httptest.NewServer(mux)
}

func TestProviderATokenCachedAcrossCalls(t *testing.T) {
	var tokenCalls, inventoryCalls atomic.Int64
	srv := newProviderAServer(t, &tokenCalls, &inventoryCalls, "")
	defer srv.Close()

	a, err := newProviderA(Config{
		Variant: VariantProviderA, BaseURL: srv.URL,
		ClientID: "client-id", ClientSecret: "client-secret", DealerID: "d1",
	}, nil, slog.Default())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		vehicles, err := a.GetInventory(ctx, nil, 10, 0)
		if err != nil {
			t.Fatalf("inventory %d: %v", i, err)
		}
		if len(vehicles) != 1 || vehicles[0].VIN != testVIN {
			t.Fatalf("bad inventory: %+v", vehicles)
		}
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("token should be cached: %d auth calls", tokenCalls.Load())
	}
}

func TestProviderAReauthenticatesOnceOn401(t *testing.T) {
	var tokenCalls, inventoryCalls atomic.Int64

	// The server rejects the first issued bearer; the adapter must
	// re-authenticate once and retry with the fresh token.
	var firstToken atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, _ *http.Request) {
		n := tokenCalls.Add(1)
		tok := "tok-1"
		if n > 1 {
			tok = "tok-2"
		} else {
			firstToken.Store("Bearer " + tok)
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": tok, "expires_in": 3600})
	})
	mux.HandleFunc("GET /v1/inventory/vehicles", func(w http.ResponseWriter, r *http.Request) {
		inventoryCalls.Add(1)
		if stale, _ := firstToken.Load().(string); r.Header.Get("Authorization") == stale {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"vin": testVIN, "make": "Ford", "model": "F-150", "year": 2023}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a, err := newProviderA(Config{BaseURL: srv.URL, ClientID: "client-id", ClientSecret: "client-secret"}, nil, slog.Default())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	vehicles, err := a.GetInventory(context.Background(), nil, 10, 0)
	if err != nil {
		t.Fatalf("inventory after re-auth: %v", err)
	}
	if len(vehicles) != 1 {
		t.Fatalf("expected 1 vehicle, got %d", len(vehicles))
	}
	if tokenCalls.Load() != 2 {
		t.Fatalf("expected exactly one re-auth, got %d token calls", tokenCalls.Load())
	}
	if a.Stats().AuthFailures != 1 {
		t.Fatalf("auth failure not counted: %+v", a.Stats())
	}
}

func TestProviderBSignature(t *testing.T) {
	b := &providerB{cfg: Config{APIKey: "secret-key", DealerCode: "dealer-9"}, now: time.Now}
	got := b.sign("1700000000", "POST", "/auth/session")

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte("1700000000POST/auth/sessiondealer-9"))
	want := hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Fatalf("signature mismatch: %s vs %s", got, want)
	}
}

func TestProviderBSessionHandshake(t *testing.T) {
	var sessionCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/session", func(w http.ResponseWriter, r *http.Request) {
		sessionCalls.Add(1)
		var body struct {
			DealerCode string `json:"dealer_code"`
			Timestamp  string `json:"timestamp"`
			Signature  string `json:"signature"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		mac := hmac.New(sha256.New, []byte("api-key"))
		mac.Write([]byte(body.Timestamp + "POST" + "/auth/session" + body.DealerCode))
		if body.Signature != hex.EncodeToString(mac.Sum(nil)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"session_token": "sess-1", "expires_in": 3600})
	})
	mux.HandleFunc("GET /v2/inventory", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Token") != "sess-1" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"vehicles": []map[string]any{{"vin": testVIN, "make": "Toyota", "model": "Camry", "year": 2024, "price": 28900.0}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, err := newProviderB(Config{BaseURL: srv.URL, APIKey: "api-key", DealerCode: "dealer-9"}, nil, slog.Default())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	vehicles, err := b.GetInventory(context.Background(), nil, 5, 0)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0].Make != "Toyota" {
		t.Fatalf("bad inventory: %+v", vehicles)
	}
	if sessionCalls.Load() != 1 {
		t.Fatalf("expected 1 session call, got %d", sessionCalls.Load())
	}
}

func TestTransportLocalRateLimitRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"vehicles": []any{}})
	}))
	defer srv.Close()

	b, err := newProviderB(Config{BaseURL: srv.URL, APIKey: "k", DealerCode: "d"}, nil, slog.Default())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	// Exhaust the window without touching the clock.
	for i := 0; i < providerBRateLimit; i++ {
		if !b.transport.limiter.Allow() {
			t.Fatalf("window exhausted early at %d", i)
		}
	}

	_, err = b.GetInventory(context.Background(), nil, 1, 0)
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected local ErrRateLimit, got %v", err)
	}
	if b.Stats().RateLimitHits != 1 {
		t.Fatalf("rate limit hit not counted: %+v", b.Stats())
	}
}

func TestTransportHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/session", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"session_token": "s", "expires_in": 3600})
	})
	mux.HandleFunc("GET /v2/inventory", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"vehicles": []any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, err := newProviderB(Config{BaseURL: srv.URL, APIKey: "k", DealerCode: "d"}, nil, slog.Default())
	if err != nil {
		t.Fatalf("construct: %v", err)
	}

	var slept time.Duration
	b.transport.sleep = func(_ context.Context, d time.Duration) error { slept += d; return nil }

	if _, err := b.GetInventory(context.Background(), nil, 1, 0); err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if slept != 7*time.Second {
		t.Fatalf("Retry-After not honored: slept %v", slept)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected retry after 429, got %d calls", calls.Load())
	}
}

func TestTransportNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/session", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"session_token": "s", "expires_in": 3600})
	})
	mux.HandleFunc("GET /v2/inventory", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, _ := newProviderB(Config{BaseURL: srv.URL, APIKey: "k", DealerCode: "d"}, nil, slog.Default())
	b.transport.sleep = func(context.Context, time.Duration) error { return nil }

	if _, err := b.GetInventory(context.Background(), nil, 1, 0); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not retry: %d calls", calls.Load())
	}
}

func TestTransportRetriesOn5xx(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/session", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"session_token": "s", "expires_in": 3600})
	})
	mux.HandleFunc("GET /v2/inventory", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"vehicles": []any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b, _ := newProviderB(Config{BaseURL: srv.URL, APIKey: "k", DealerCode: "d"}, nil, slog.Default())

	var waits []time.Duration
	b.transport.sleep = func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }

	if _, err := b.GetInventory(context.Background(), nil, 1, 0); err != nil {
		t.Fatalf("should recover on third attempt: %v", err)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("backoff shape wrong: %v", waits)
	}
}
