package scheduler

import (
	"errors"
	"testing"

	"catalogsyncd/internal/config"
)

func TestAlertMessages(t *testing.T) {
	thresholds := config.Alerts{MissingRatio: 0.02, FailedBatches: 5, FailedSKUs: 50}

	cases := []struct {
		name   string
		health runHealth
		want   int
	}{
		{"all healthy", runHealth{Requested: 1000, Missing: 10}, 0},
		{"missing ratio breached", runHealth{Requested: 1000, Missing: 30}, 1},
		{"zero requested never divides", runHealth{Requested: 0, Missing: 5}, 0},
		{"failed batches breached", runHealth{Requested: 100, FailedBatches: 6}, 1},
		{"failed skus breached", runHealth{Requested: 100, FailedSKUs: 51}, 1},
		{"everything breached", runHealth{Requested: 100, Missing: 50, FailedBatches: 6, FailedSKUs: 51}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := alertMessages(tc.health, thresholds)
			if len(got) != tc.want {
				t.Errorf("alertMessages(%+v) = %v, want %d message(s)", tc.health, got, tc.want)
			}
		})
	}
}

func TestTruncateErr(t *testing.T) {
	short := errors.New("boom")
	if got := truncateErr(short); got != "boom" {
		t.Errorf("truncateErr(short) = %q", got)
	}

	long := make([]byte, errTextCap*2)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncateErr(errors.New(string(long))); len(got) != errTextCap {
		t.Errorf("truncateErr(long) length = %d, want %d", len(got), errTextCap)
	}
}

func TestBulkFilterEmbedsSyncTag(t *testing.T) {
	cfg := config.Default()
	cfg.Storefront.SyncTag = "catalog-sync"
	if got := bulkFilter(cfg); got != "tag:catalog-sync status:active" {
		t.Errorf("bulkFilter = %q", got)
	}
}
