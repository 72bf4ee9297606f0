// Package config holds application settings: a flat Config struct with a
// Default() constructor, overlaid with environment variables (viper) and
// command-line flags at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Supplier holds the rate-limited upstream product/freight-rate API config.
type Supplier struct {
	BaseURL            string
	AccountEmail       string
	Password           string
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	RateLimitPerMin    int
	TokenTTLFallback   time.Duration
	ProductsEndpoint   string
	ProductsMethod     string
	ProductsMaxPerReq  int
	ZoneRatesEndpoint  string
	ZoneRatesBatchSize int
	GlobalRLEnabled    bool
	GlobalRLBurst      int
	GlobalRLKeyPrefix  string
}

// Storefront holds the bulk-export/webhook collaborator config.
type Storefront struct {
	Shop                string
	AdminToken          string
	APIVersion          string
	BulkPollInterval    time.Duration
	BulkDownloadTimeout time.Duration
	WebhookSecret       string
	SyncTag             string
	HTTPTimeout         time.Duration
	HTTPRetries         int
	HTTPBackoff         time.Duration
	BulkStartRetries    int
	DispatchBatch       int
}

// Batch holds the fixed-size processing windows used across the sync and
// calculation pipelines.
type Batch struct {
	ChunkSize    int
	ComputeBatch int
	CSVBatch     int
	ChordSplitAt int
}

// Alerts holds the thresholds for supplier-health alerting at the end of
// a sync run.
type Alerts struct {
	MissingRatio  float64
	FailedBatches int
	FailedSKUs    int
}

// Config is the top-level settings object for the daemon.
type Config struct {
	DBPath        string
	BusyTimeoutMS int
	Timezone      string
	TickInterval  time.Duration
	DryRun        bool
	Addr          string

	Supplier   Supplier
	Storefront Storefront
	Batch      Batch
	Alerts     Alerts
}

// Default returns a Config with every non-secret field populated.
// Secrets (supplier credentials, storefront token) only ever come from the
// environment.
func Default() *Config {
	return &Config{
		DBPath:        "./catalogsync.db",
		BusyTimeoutMS: 5000,
		Timezone:      "Australia/Melbourne",
		TickInterval:  time.Minute,
		Addr:          "127.0.0.1:13380",

		Supplier: Supplier{
			ConnectTimeout:     10 * time.Second,
			ReadTimeout:        30 * time.Second,
			RateLimitPerMin:    100,
			TokenTTLFallback:   900 * time.Second,
			ProductsEndpoint:   "/v2/products",
			ProductsMethod:     "GET",
			ProductsMaxPerReq:  50,
			ZoneRatesEndpoint:  "/v2/get_zone_rates",
			ZoneRatesBatchSize: 160,
			GlobalRLEnabled:    true,
			GlobalRLBurst:      5,
			GlobalRLKeyPrefix:  "supplier:rl",
		},
		Storefront: Storefront{
			APIVersion:          "2025-07",
			SyncTag:             "catalog-sync",
			BulkPollInterval:    8 * time.Second,
			BulkDownloadTimeout: 180 * time.Second,
			HTTPTimeout:         30 * time.Second,
			HTTPRetries:         3,
			HTTPBackoff:         200 * time.Millisecond,
			BulkStartRetries:    3,
			DispatchBatch:       20,
		},
		Batch: Batch{
			ChunkSize:    5000,
			ComputeBatch: 1000,
			CSVBatch:     5000,
			ChordSplitAt: 200,
		},
		Alerts: Alerts{
			MissingRatio:  0.02,
			FailedBatches: 5,
			FailedSKUs:    50,
		},
	}
}

// Load overlays environment variables (prefix CATSYNC_) and command-line
// flags onto Default().
func Load(args []string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fs := pflag.NewFlagSet("catalogsyncd", pflag.ContinueOnError)
	dbPath := fs.String("db-path", cfg.DBPath, "path to the sqlite database file")
	addr := fs.String("addr", cfg.Addr, "health/admin listen address (use 0.0.0.0 to allow remote access)")
	dryRun := fs.Bool("dry-run", false, "refuse network calls and mutating writes")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	cfg.DBPath = *dbPath
	cfg.Addr = *addr
	cfg.DryRun = *dryRun

	cfg.Supplier.BaseURL = v.GetString("supplier_base_url")
	cfg.Supplier.AccountEmail = v.GetString("supplier_account_email")
	cfg.Supplier.Password = v.GetString("supplier_password")

	cfg.Storefront.Shop = v.GetString("storefront_shop")
	cfg.Storefront.AdminToken = v.GetString("storefront_admin_token")
	cfg.Storefront.WebhookSecret = v.GetString("storefront_webhook_secret")
	if tag := v.GetString("storefront_sync_tag"); tag != "" {
		cfg.Storefront.SyncTag = tag
	}

	if !cfg.DryRun {
		if cfg.Supplier.BaseURL == "" || cfg.Supplier.AccountEmail == "" || cfg.Supplier.Password == "" {
			return nil, fmt.Errorf("config: supplier credentials required unless --dry-run")
		}
		if cfg.Storefront.Shop == "" || cfg.Storefront.AdminToken == "" {
			return nil, fmt.Errorf("config: storefront credentials required unless --dry-run")
		}
	}

	return cfg, nil
}
