package supplier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"catalogsyncd/internal/config"
)

func TestCleanSKUs(t *testing.T) {
	in := []string{" ABC ", "", "ABC", "DEF", "  ", "def"}
	got := cleanSKUs(in)
	want := []string{"ABC", "DEF", "def"}
	if len(got) != len(want) {
		t.Fatalf("cleanSKUs(%v) = %v, want %v", in, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cleanSKUs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBatchStrings(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e"}
	got := batchStrings(in, 2)
	if len(got) != 3 {
		t.Fatalf("batchStrings len = %d, want 3", len(got))
	}
	if len(got[0]) != 2 || len(got[2]) != 1 {
		t.Errorf("batchStrings sizes = %v", got)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	cases := map[int]bool{
		200: false,
		404: false,
		429: true,
		500: true,
		503: true,
	}
	for code, want := range cases {
		if got := isRetryableStatus(code); got != want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestTokenExpiry_ExpSeconds(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour).Unix()
	tok := tokenResponse{Exp: json.Number(strconv.FormatInt(future, 10))}
	got := tokenExpiry(tok, time.Minute)
	if got.Before(time.Now().UTC().Add(50 * time.Minute)) {
		t.Errorf("tokenExpiry from exp-seconds too soon: %v", got)
	}
}

func TestTokenExpiry_ExpiresIn(t *testing.T) {
	tok := tokenResponse{ExpiresIn: json.Number("3600")}
	got := tokenExpiry(tok, time.Minute)
	if got.Before(time.Now().UTC().Add(50 * time.Minute)) {
		t.Errorf("tokenExpiry from expires_in too soon: %v", got)
	}
}

func TestTokenExpiry_Fallback(t *testing.T) {
	got := tokenExpiry(tokenResponse{}, 5*time.Minute)
	want := time.Now().UTC().Add(5 * time.Minute)
	if got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Errorf("tokenExpiry fallback = %v, want ~%v", got, want)
	}
}

func TestFetchProducts_EmptyInputNoAuthCall(t *testing.T) {
	authCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth" {
			authCalled = true
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.Supplier{BaseURL: srv.URL, ProductsMaxPerReq: 100, RateLimitPerMin: 1000000}, nil)
	items, stats, err := c.FetchProducts(context.Background(), []string{"  ", ""})
	if err != nil {
		t.Fatalf("FetchProducts: %v", err)
	}
	if len(items) != 0 || stats.RequestedTotal != 0 {
		t.Errorf("expected empty result for empty input, got items=%v stats=%+v", items, stats)
	}
	if authCalled {
		t.Error("empty SKU list must not trigger an auth call")
	}
}

func TestFetchProducts_MissingSkuCompensation(t *testing.T) {
	var productCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v2/products", func(w http.ResponseWriter, r *http.Request) {
		productCalls++
		skus := r.URL.Query().Get("skus")
		if productCalls == 1 {
			// First call: only return SKU-A, leaving SKU-B missing.
			_ = skus
			json.NewEncoder(w).Encode(map[string]any{
				"result": []map[string]any{{"sku": "SKU-A", "price": "10.00"}},
			})
			return
		}
		// Compensating call for the missing SKU.
		json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{{"sku": "SKU-B", "price": "20.00"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Supplier{
		BaseURL:           srv.URL,
		ProductsEndpoint:  "/v2/products",
		ProductsMaxPerReq: 100,
		TokenTTLFallback:  time.Hour,
		RateLimitPerMin:   1000000,
	}
	c := New(cfg, nil)
	items, stats, err := c.FetchProducts(context.Background(), []string{"SKU-A", "SKU-B"})
	if err != nil {
		t.Fatalf("FetchProducts: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected both SKUs present after compensation, got %v", items)
	}
	if productCalls != 2 {
		t.Errorf("expected exactly one compensating call (2 total), got %d calls", productCalls)
	}
	if stats.MissingCount != 0 {
		t.Errorf("missing count should be 0 once compensation succeeds, got %d", stats.MissingCount)
	}
}

func TestDoJSON_SingleReplayOn401(t *testing.T) {
	var authCalls, dataCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		dataCalls++
		if dataCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(config.Supplier{BaseURL: srv.URL, TokenTTLFallback: time.Hour, RateLimitPerMin: 1000000}, nil)
	var dst map[string]any
	if err := c.doJSON(context.Background(), http.MethodGet, srv.URL+"/data", nil, &dst); err != nil {
		t.Fatalf("doJSON: %v", err)
	}
	if authCalls != 2 {
		t.Errorf("expected one initial auth + one forced refresh = 2 auth calls, got %d", authCalls)
	}
	if dataCalls != 2 {
		t.Errorf("expected one failed call + one replay = 2 data calls, got %d", dataCalls)
	}
}

func TestDoJSON_SecondConsecutive401Surfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(config.Supplier{BaseURL: srv.URL, TokenTTLFallback: time.Hour, RateLimitPerMin: 1000000}, nil)
	var dst map[string]any
	err := c.doJSON(context.Background(), http.MethodGet, srv.URL+"/data", nil, &dst)
	if err == nil {
		t.Fatal("expected error on second consecutive 401")
	}
}
