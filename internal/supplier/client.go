// Package supplier is the rate-limited client for the upstream product
// API: batched, retry-aware product and zone-rate fetches against a
// token-authenticated endpoint, sharing a global token-bucket quota via
// internal/ratelimit.
package supplier

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"catalogsyncd/internal/apperr"
	"catalogsyncd/internal/config"
	"catalogsyncd/internal/logger"
	"catalogsyncd/internal/pricing"
	"catalogsyncd/internal/ratelimit"
)

const logTag = "SUPPLIER"

// ProductRecord is one supplier product row in string/raw form — the
// caller (internal/scheduler's chunk worker) converts these into
// store.Product fields, keeping wire-payload parsing separate from
// master-schema merging.
type ProductRecord struct {
	SKU                 string
	Price               string
	RRPPrice            string
	SpecialPrice        string
	SpecialPriceEndDate string
	Brand               string
	Weight              string
	CBM                 string
	Length              string
	Width               string
	Height              string
	EANCode             string
	Supplier            string
	StockQty            int
}

// ProductStats is the health bag FetchProducts returns alongside the
// result map, with bounded diagnostic SKU samples for troubleshooting.
type ProductStats struct {
	RequestedTotal     int
	ReturnedTotal      int
	MissingCount       int
	ExtraCount         int
	FailedBatchesCount int
	FailedSKUsCount    int
	MissingSample      []string
	FailedSample       []string
	ExtraSample        []string
}

const sampleCap = 20

func appendSample(sample []string, skus ...string) []string {
	for _, sku := range skus {
		if len(sample) >= sampleCap {
			break
		}
		sample = append(sample, sku)
	}
	return sample
}

// Client is the rate-limited supplier API client.
type Client struct {
	cfg     config.Supplier
	http    *http.Client
	limiter *ratelimit.Limiter
	pacer   *ratelimit.Pacer

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New builds a supplier client. db is the shared store handle the token
// bucket's state lives in; pass nil to always degrade to the in-process
// Pacer (dev/offline).
func New(cfg config.Supplier, db *sql.DB) *Client {
	transport := http.DefaultTransport
	if cfg.ConnectTimeout > 0 {
		transport = &http.Transport{
			DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			TLSHandshakeTimeout: cfg.ConnectTimeout,
		}
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.ReadTimeout, Transport: transport},
		pacer: ratelimit.NewPacer(float64(cfg.RateLimitPerMin)),
	}
	if db != nil && cfg.GlobalRLEnabled {
		c.limiter = ratelimit.FromAccount(db, cfg.GlobalRLKeyPrefix, "supplier", cfg.AccountEmail, float64(cfg.RateLimitPerMin), float64(cfg.GlobalRLBurst))
	}
	return c
}

func (c *Client) acquire(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.EnsureSchema(ctx); err != nil {
			logger.Warn(logTag, fmt.Sprintf("rate limiter schema unavailable, degrading to pacer: %v", err))
			return c.pacer.Wait(ctx)
		}
		if err := c.limiter.Acquire(ctx, 20); err != nil {
			return fmt.Errorf("supplier: %w: %v", apperr.ErrRateLimit, err)
		}
		return nil
	}
	return c.pacer.Wait(ctx)
}

// cleanSKUs trims, drops empties, and dedupes preserving first
// occurrence.
func cleanSKUs(skus []string) []string {
	seen := make(map[string]bool, len(skus))
	out := make([]string, 0, len(skus))
	for _, s := range skus {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func batchStrings(in []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(in); i += size {
		end := i + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[i:end])
	}
	return out
}

// tokenResponse is tolerant of the common field-name variants /auth
// responses use in the wild.
type tokenResponse struct {
	Token       string      `json:"token"`
	AccessToken string      `json:"access_token"`
	JWT         string      `json:"jwt"`
	Exp         json.Number `json:"exp"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (t tokenResponse) pick() string {
	for _, v := range []string{t.Token, t.AccessToken, t.JWT} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) authenticate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"email":    c.cfg.AccountEmail,
		"password": c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("supplier: marshal auth body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("supplier: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: auth %d: %s", apperr.ErrAuth, resp.StatusCode, truncate(string(respBody), 200))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("%w: decode auth response: %v", apperr.ErrPayload, err)
	}
	token := tok.pick()
	if token == "" {
		return fmt.Errorf("%w: auth response carries no recognized token field", apperr.ErrPayload)
	}

	c.mu.Lock()
	c.token = token
	c.tokenExpiry = tokenExpiry(tok, c.cfg.TokenTTLFallback)
	c.mu.Unlock()
	logger.Info(logTag, "authenticated")
	return nil
}

func tokenExpiry(tok tokenResponse, fallback time.Duration) time.Time {
	now := time.Now().UTC()
	if tok.Exp.String() != "" {
		if expNum, err := tok.Exp.Float64(); err == nil && expNum > 0 {
			if expNum > 1e12 {
				return time.UnixMilli(int64(expNum)).UTC()
			}
			return time.Unix(int64(expNum), 0).UTC()
		}
	}
	if tok.ExpiresIn.String() != "" {
		if secs, err := tok.ExpiresIn.Float64(); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
	}
	return now.Add(fallback)
}

func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	needsAuth := c.token == "" || time.Now().UTC().After(c.tokenExpiry)
	c.mu.Unlock()
	if needsAuth {
		return c.authenticate(ctx)
	}
	return nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// backoff returns the exponential-with-jitter delay for a retryable
// attempt, capped at 60s.
func backoff(attempt int) time.Duration {
	base := math.Min(60, math.Pow(2, float64(attempt)))
	jitter := rand.Float64() * base * 0.25
	return time.Duration((base + jitter) * float64(time.Second))
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// doJSON performs one authenticated request with the shared rate limiter,
// retrying transient failures with backoff+jitter. A single 401 forces
// exactly one token refresh and replay; a second 401 surfaces.
func (c *Client) doJSON(ctx context.Context, method, fullURL string, body []byte, dst any) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	const maxAttempts = 4
	var lastErr error
	forcedRefresh := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}
		if err := c.acquire(ctx); err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return fmt.Errorf("supplier: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.currentToken())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", apperr.ErrServer, err)
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if forcedRefresh {
				return fmt.Errorf("%w: second 401 after forced refresh", apperr.ErrAuth)
			}
			forcedRefresh = true
			if err := c.authenticate(ctx); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			decErr := json.NewDecoder(resp.Body).Decode(dst)
			resp.Body.Close()
			if decErr != nil {
				return fmt.Errorf("%w: %v", apperr.ErrPayload, decErr)
			}
			return nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if isRetryableStatus(resp.StatusCode) {
			if resp.StatusCode == http.StatusTooManyRequests {
				lastErr = fmt.Errorf("%w: %d: %s", apperr.ErrRateLimit, resp.StatusCode, truncate(string(respBody), 200))
			} else {
				lastErr = fmt.Errorf("%w: %d: %s", apperr.ErrServer, resp.StatusCode, truncate(string(respBody), 200))
			}
			continue
		}
		return fmt.Errorf("%w: %d: %s", apperr.ErrClient, resp.StatusCode, truncate(string(respBody), 200))
	}
	return lastErr
}

// dszProductsEnvelope is tolerant of the nested-envelope shapes the
// products endpoint responds with ({"result":[...]} plain or wrapped in a
// "data" object).
type dszProductsEnvelope struct {
	Result []rawProduct `json:"result"`
	Data   struct {
		Result []rawProduct `json:"result"`
	} `json:"data"`
}

type rawProduct struct {
	SKU                 string      `json:"sku"`
	Price               json.Number `json:"price"`
	RRP                 json.Number `json:"rrp"`
	SpecialPrice        json.Number `json:"special_price"`
	SpecialPriceEndDate string      `json:"special_price_end_date"`
	Brand               string      `json:"brand"`
	Weight              json.Number `json:"weight"`
	CBM                 json.Number `json:"cbm"`
	Length              json.Number `json:"length"`
	Width               json.Number `json:"width"`
	Height              json.Number `json:"height"`
	EAN                 string      `json:"ean_code"`
	Supplier            string      `json:"supplier"`
	StockQty            int         `json:"stock_qty"`
}

func (e dszProductsEnvelope) records() []rawProduct {
	if len(e.Result) > 0 {
		return e.Result
	}
	return e.Data.Result
}

func normalizeProduct(r rawProduct) ProductRecord {
	brand := r.Brand
	if brand == "" {
		brand = defaultBrand
	}
	return ProductRecord{
		SKU:                 strings.TrimSpace(r.SKU),
		Price:               r.Price.String(),
		RRPPrice:            r.RRP.String(),
		SpecialPrice:        r.SpecialPrice.String(),
		SpecialPriceEndDate: r.SpecialPriceEndDate,
		Brand:               brand,
		Weight:              r.Weight.String(),
		CBM:                 r.CBM.String(),
		Length:              r.Length.String(),
		Width:               r.Width.String(),
		Height:              r.Height.String(),
		EANCode:             r.EAN,
		Supplier:            r.Supplier,
		StockQty:            r.StockQty,
	}
}

// defaultBrand is the fallback brand label for supplier records that omit
// one.
const defaultBrand = "Unbranded"

// FetchProducts returns supplier product records keyed by SKU plus the
// request stats bag. SKUs the first batch call omits get exactly one
// compensating call; results merge keeping the first occurrence per SKU.
func (c *Client) FetchProducts(ctx context.Context, skus []string) (map[string]ProductRecord, ProductStats, error) {
	clean := cleanSKUs(skus)
	if len(clean) == 0 {
		return map[string]ProductRecord{}, ProductStats{}, nil
	}

	out := make(map[string]ProductRecord, len(clean))
	var stats ProductStats

	for _, batch := range batchStrings(clean, c.cfg.ProductsMaxPerReq) {
		stats.RequestedTotal += len(batch)
		returned, failed := c.fetchProductBatch(ctx, batch)
		if failed {
			stats.FailedBatchesCount++
			stats.FailedSKUsCount += len(batch)
			stats.FailedSample = appendSample(stats.FailedSample, batch...)
			continue
		}
		requestedSet := make(map[string]bool, len(batch))
		for _, s := range batch {
			requestedSet[s] = true
		}
		returnedSet := make(map[string]bool, len(returned))
		for _, rec := range returned {
			if _, exists := out[rec.SKU]; !exists {
				out[rec.SKU] = rec
			}
			returnedSet[rec.SKU] = true
			if !requestedSet[rec.SKU] {
				stats.ExtraCount++
				stats.ExtraSample = appendSample(stats.ExtraSample, rec.SKU)
			}
		}
		stats.ReturnedTotal += len(returned)

		var missing []string
		for _, s := range batch {
			if !returnedSet[s] {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			comp, compFailed := c.fetchProductBatch(ctx, missing)
			if compFailed {
				stats.MissingCount += len(missing)
				stats.MissingSample = appendSample(stats.MissingSample, missing...)
				continue
			}
			stillMissing := make(map[string]bool, len(missing))
			for _, s := range missing {
				stillMissing[s] = true
			}
			for _, rec := range comp {
				if _, exists := out[rec.SKU]; !exists {
					out[rec.SKU] = rec
				}
				delete(stillMissing, rec.SKU)
			}
			for s := range stillMissing {
				stats.MissingCount++
				stats.MissingSample = appendSample(stats.MissingSample, s)
			}
		}
	}

	logger.Stats("SUPPLIER.requested", stats.RequestedTotal)
	logger.Stats("SUPPLIER.returned", stats.ReturnedTotal)
	return out, stats, nil
}

// fetchProductBatch performs one products-endpoint call. The bool return
// indicates the batch failed terminally (hard 4xx, payload shape, or
// retries exhausted) — in which case it is recorded into stats rather than
// aborting the whole fetch.
func (c *Client) fetchProductBatch(ctx context.Context, skus []string) ([]ProductRecord, bool) {
	q := url.Values{}
	q.Set("skus", strings.Join(skus, ","))
	q.Set("limit", strconv.Itoa(len(skus)))
	fullURL := c.cfg.BaseURL + c.cfg.ProductsEndpoint + "?" + q.Encode()

	method := c.cfg.ProductsMethod
	if method == "" {
		method = http.MethodGet
	}

	var envelope dszProductsEnvelope
	if err := c.doJSON(ctx, method, fullURL, nil, &envelope); err != nil {
		logger.Warn(logTag, fmt.Sprintf("products batch of %d failed: %v", len(skus), err))
		return nil, true
	}

	raw := envelope.records()
	out := make([]ProductRecord, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		rec := normalizeProduct(r)
		if rec.SKU == "" || seen[rec.SKU] {
			continue
		}
		seen[rec.SKU] = true
		out = append(out, rec)
	}
	return out, false
}

// zoneRatesEnvelope mirrors /v2/get_zone_rates's response shape.
type zoneRatesEnvelope struct {
	Result []struct {
		SKU      string `json:"sku"`
		Standard struct {
			ACT    json.Number `json:"act"`
			NSWM   json.Number `json:"nsw_m"`
			NSWR   json.Number `json:"nsw_r"`
			NTM    json.Number `json:"nt_m"`
			NTR    json.Number `json:"nt_r"`
			QLDM   json.Number `json:"qld_m"`
			QLDR   json.Number `json:"qld_r"`
			Remote json.Number `json:"remote"`
			SAM    json.Number `json:"sa_m"`
			SAR    json.Number `json:"sa_r"`
			TASM   json.Number `json:"tas_m"`
			TASR   json.Number `json:"tas_r"`
			VICM   json.Number `json:"vic_m"`
			VICR   json.Number `json:"vic_r"`
			WAM    json.Number `json:"wa_m"`
			WAR    json.Number `json:"wa_r"`
			NZ     json.Number `json:"nz"`
		} `json:"standard"`
	} `json:"result"`
}

func numToDecimal(n json.Number) *decimal.Decimal {
	if n.String() == "" {
		return nil
	}
	v, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil
	}
	return &v
}

// FetchZoneRates fetches the zonal freight rates per SKU, batched at the
// zone-rates endpoint's own batch size.
func (c *Client) FetchZoneRates(ctx context.Context, skus []string) (map[string]pricing.StateFreight, error) {
	clean := cleanSKUs(skus)
	out := make(map[string]pricing.StateFreight, len(clean))
	if len(clean) == 0 {
		return out, nil
	}

	for page, batch := range batchStrings(clean, c.cfg.ZoneRatesBatchSize) {
		body, err := json.Marshal(map[string]any{
			"skus":    batch,
			"page_no": page + 1,
			"limit":   len(batch),
		})
		if err != nil {
			return nil, fmt.Errorf("supplier: marshal zone rates body: %w", err)
		}

		var envelope zoneRatesEnvelope
		if err := c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.ZoneRatesEndpoint, body, &envelope); err != nil {
			return nil, fmt.Errorf("supplier: fetch zone rates: %w", err)
		}
		for _, r := range envelope.Result {
			sku := strings.TrimSpace(r.SKU)
			if sku == "" {
				continue
			}
			out[sku] = pricing.StateFreight{
				ACT: numToDecimal(r.Standard.ACT), NSWM: numToDecimal(r.Standard.NSWM), NSWR: numToDecimal(r.Standard.NSWR),
				NTM: numToDecimal(r.Standard.NTM), NTR: numToDecimal(r.Standard.NTR),
				QLDM: numToDecimal(r.Standard.QLDM), QLDR: numToDecimal(r.Standard.QLDR),
				Remote: numToDecimal(r.Standard.Remote),
				SAM:    numToDecimal(r.Standard.SAM), SAR: numToDecimal(r.Standard.SAR),
				TASM: numToDecimal(r.Standard.TASM), TASR: numToDecimal(r.Standard.TASR),
				VICM: numToDecimal(r.Standard.VICM), VICR: numToDecimal(r.Standard.VICR),
				WAM: numToDecimal(r.Standard.WAM), WAR: numToDecimal(r.Standard.WAR),
				NZ: numToDecimal(r.Standard.NZ),
			}
		}
	}
	return out, nil
}
