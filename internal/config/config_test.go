package config

import "testing"

func TestDefault_Values(t *testing.T) {
	c := Default()
	if c == nil {
		t.Fatal("Default() returned nil")
	}
	if c.Batch.ChunkSize != 5000 {
		t.Errorf("Batch.ChunkSize = %v, want 5000", c.Batch.ChunkSize)
	}
	if c.Batch.ComputeBatch != 1000 {
		t.Errorf("Batch.ComputeBatch = %v, want 1000", c.Batch.ComputeBatch)
	}
	if c.Supplier.RateLimitPerMin != 100 {
		t.Errorf("Supplier.RateLimitPerMin = %v, want 100", c.Supplier.RateLimitPerMin)
	}
	if c.Supplier.ProductsMaxPerReq != 50 {
		t.Errorf("Supplier.ProductsMaxPerReq = %v, want 50", c.Supplier.ProductsMaxPerReq)
	}
	if c.Timezone != "Australia/Melbourne" {
		t.Errorf("Timezone = %v, want Australia/Melbourne", c.Timezone)
	}
	if c.Alerts.MissingRatio != 0.02 {
		t.Errorf("Alerts.MissingRatio = %v, want 0.02", c.Alerts.MissingRatio)
	}
}

func TestLoad_DryRunSkipsCredentialCheck(t *testing.T) {
	cfg, err := Load([]string{"--dry-run"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.DryRun {
		t.Error("expected DryRun=true")
	}
}

func TestLoad_RequiresSupplierCredentialsWithoutDryRun(t *testing.T) {
	if _, err := Load(nil); err == nil {
		t.Error("expected error when supplier/storefront credentials are missing")
	}
}
